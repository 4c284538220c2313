// Package journal persists the relay dispatcher's deduplication table so a
// restarted coordinator never re-dispatches a counter it already handed to the
// relay channel.
package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crossloan/loan"
)

// State classifies a journalled dispatch slot.
type State string

const (
	// StateInFlight marks a slot reserved before the outbound call returned.
	StateInFlight State = "in_flight"
	// StateUnknown marks a slot whose outbound call outcome could not be determined.
	StateUnknown State = "unknown"
	// StateDispatched marks a slot whose outbound call landed on the source ledger.
	StateDispatched State = "dispatched"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateInFlight, StateUnknown, StateDispatched:
		return true
	default:
		return false
	}
}

// ErrInvalidEntry is returned when an entry is missing its key or state.
var ErrInvalidEntry = errors.New("journal: invalid entry")

// Entry is one (account, counter) slot.
type Entry struct {
	Key       loan.DispatchKey
	State     State
	Digest    common.Hash
	MessageID common.Hash
	TxHash    common.Hash
	// Expiry is the signed request's deadline; after it the destination
	// refuses the message and the slot can no longer be consumed.
	Expiry    time.Time
	UpdatedAt time.Time
}

func (e Entry) validate() error {
	if e.Key.Account == (common.Address{}) {
		return fmt.Errorf("%w: account required", ErrInvalidEntry)
	}
	if !e.State.Valid() {
		return fmt.Errorf("%w: state %q", ErrInvalidEntry, e.State)
	}
	return nil
}

// Journal is a durable map of dispatch slots.
type Journal interface {
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key loan.DispatchKey) error
	Load(ctx context.Context) ([]Entry, error)
	Close() error
}

// Driver names a backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverLevelDB  Driver = "leveldb"
)

// Open constructs the backend named by driver. dsn is a file path for sqlite
// and leveldb, a connection string for postgres, and ignored for memory.
func Open(driver Driver, dsn string) (Journal, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(string(driver)))) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		store, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverPostgres:
		store, err := OpenPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverLevelDB:
		store, err := OpenLevelDB(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Key, entries[j].Key
		if a.Account != b.Account {
			return bytes.Compare(a.Account.Bytes(), b.Account.Bytes()) < 0
		}
		return a.Counter < b.Counter
	})
}
