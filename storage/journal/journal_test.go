package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"crossloan/loan"
)

func exerciseJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b2")

	first := Entry{
		Key:       loan.DispatchKey{Account: alice, Counter: 5},
		State:     StateInFlight,
		Digest:    common.HexToHash("0x01"),
		Expiry:    time.Unix(1_700_000_600, 0).UTC(),
		UpdatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, j.Put(ctx, first))
	require.NoError(t, j.Put(ctx, Entry{Key: loan.DispatchKey{Account: bob, Counter: 0}, State: StateUnknown, TxHash: common.HexToHash("0x0b")}))
	require.NoError(t, j.Put(ctx, Entry{Key: loan.DispatchKey{Account: alice, Counter: 4}, State: StateDispatched}))

	entries, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, alice, entries[0].Key.Account)
	require.Equal(t, uint64(4), entries[0].Key.Counter)
	require.Equal(t, uint64(5), entries[1].Key.Counter)
	require.Equal(t, StateInFlight, entries[1].State)
	require.Equal(t, first.Digest, entries[1].Digest)
	require.True(t, first.Expiry.Equal(entries[1].Expiry))
	require.Equal(t, StateUnknown, entries[2].State)
	require.Equal(t, common.HexToHash("0x0b"), entries[2].TxHash)

	first.State = StateDispatched
	first.MessageID = common.HexToHash("0xfeed")
	require.NoError(t, j.Put(ctx, first))
	entries, err = j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, StateDispatched, entries[1].State)
	require.Equal(t, common.HexToHash("0xfeed"), entries[1].MessageID)

	require.NoError(t, j.Delete(ctx, first.Key))
	require.NoError(t, j.Delete(ctx, loan.DispatchKey{Account: alice, Counter: 99}))
	entries, err = j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.ErrorIs(t, j.Put(ctx, Entry{State: StateInFlight}), ErrInvalidEntry)
	require.ErrorIs(t, j.Put(ctx, Entry{Key: first.Key, State: "bogus"}), ErrInvalidEntry)
}

func TestMemoryJournal(t *testing.T) {
	exerciseJournal(t, NewMemory())
}

func TestSQLiteJournal(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	j, err := NewSQL(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	exerciseJournal(t, j)
}

func TestLevelDBJournal(t *testing.T) {
	j, err := OpenLevelDB(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	exerciseJournal(t, j)
}

func TestLevelDBSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := OpenLevelDB(dir)
	require.NoError(t, err)
	key := loan.DispatchKey{Account: common.HexToAddress("0xa1"), Counter: 12}
	require.NoError(t, j.Put(context.Background(), Entry{Key: key, State: StateDispatched}))
	require.NoError(t, j.Close())

	reopened, err := OpenLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, key, entries[0].Key)
}

func TestSQLiteFileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenSQLite(path)
	require.NoError(t, err)
	key := loan.DispatchKey{Account: common.HexToAddress("0xa1"), Counter: 3}
	require.NoError(t, j.Put(context.Background(), Entry{Key: key, State: StateUnknown}))
	require.NoError(t, j.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, StateUnknown, entries[0].State)
}

func TestOpenDrivers(t *testing.T) {
	j, err := Open("", "")
	require.NoError(t, err)
	require.IsType(t, &Memory{}, j)

	_, err = Open("cassandra", "x")
	require.Error(t, err)

	_, err = Open(DriverSQLite, " ")
	require.Error(t, err)
}
