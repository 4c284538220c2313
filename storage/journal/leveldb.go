package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"crossloan/loan"
)

const dispatchKeyPrefix = "dispatch:"

// LevelDB stores entries in an embedded LevelDB database.
type LevelDB struct {
	db *leveldb.DB
}

type levelRecord struct {
	State     State       `json:"state"`
	Digest    common.Hash `json:"digest"`
	MessageID common.Hash `json:"messageId"`
	TxHash    common.Hash `json:"txHash"`
	Expiry    time.Time   `json:"expiry"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// OpenLevelDB opens (or creates) a LevelDB journal at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("journal: resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func levelKey(key loan.DispatchKey) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", dispatchKeyPrefix, strings.ToLower(key.Account.Hex()), key.Counter))
}

func parseLevelKey(raw []byte) (loan.DispatchKey, error) {
	trimmed := strings.TrimPrefix(string(raw), dispatchKeyPrefix)
	parts := strings.SplitN(trimmed, ":", 2)
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
		return loan.DispatchKey{}, fmt.Errorf("journal: malformed key %q", raw)
	}
	var counter uint64
	if _, err := fmt.Sscanf(parts[1], "%d", &counter); err != nil {
		return loan.DispatchKey{}, fmt.Errorf("journal: malformed counter in %q: %w", raw, err)
	}
	return loan.DispatchKey{Account: common.HexToAddress(parts[0]), Counter: counter}, nil
}

func (l *LevelDB) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entry.validate(); err != nil {
		return err
	}
	updated := entry.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	payload, err := json.Marshal(levelRecord{
		State:     entry.State,
		Digest:    entry.Digest,
		MessageID: entry.MessageID,
		TxHash:    entry.TxHash,
		Expiry:    entry.Expiry.UTC(),
		UpdatedAt: updated.UTC(),
	})
	if err != nil {
		return fmt.Errorf("journal: encode entry: %w", err)
	}
	return l.db.Put(levelKey(entry.Key), payload, nil)
}

func (l *LevelDB) Delete(ctx context.Context, key loan.DispatchKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.db.Delete(levelKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	return err
}

func (l *LevelDB) Load(ctx context.Context) ([]Entry, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(dispatchKeyPrefix)), nil)
	defer iter.Release()
	var out []Entry
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := parseLevelKey(iter.Key())
		if err != nil {
			return nil, err
		}
		var record levelRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("journal: decode %s: %w", key, err)
		}
		out = append(out, Entry{
			Key:       key,
			State:     record.State,
			Digest:    record.Digest,
			MessageID: record.MessageID,
			TxHash:    record.TxHash,
			Expiry:    record.Expiry,
			UpdatedAt: record.UpdatedAt,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("journal: iterate: %w", err)
	}
	sortEntries(out)
	return out, nil
}

// Close releases the LevelDB handle.
func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
