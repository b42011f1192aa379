package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("audit/b"), []byte("2")))
	require.NoError(t, db.Put([]byte("audit/a"), []byte("1")))
	require.NoError(t, db.Put([]byte("other/c"), []byte("3")))

	value, err := db.Get([]byte("audit/a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)

	var keys []string
	require.NoError(t, db.Iterate([]byte("audit/"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"audit/a", "audit/b"}, keys)

	keys = nil
	require.NoError(t, db.Iterate([]byte("audit/"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return false
	}))
	require.Equal(t, []string{"audit/a"}, keys)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)

	value := []byte("x")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'y'
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got, "stored values are copies")
}

func TestLevelDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	db, err := Open(path)
	require.NoError(t, err)
	exerciseDatabase(t, db)
	db.Close()

	reopened, err := NewLevelDB(path)
	require.NoError(t, err)
	defer reopened.Close()
	value, err := reopened.Get([]byte("audit/b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)
}

func TestOpenWithoutPathIsMemory(t *testing.T) {
	db, err := Open(" ")
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestBatchIsAtomic(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	batch := db.NewBatch()
	batch.Put([]byte("audit/1"), []byte("a"))
	batch.Put([]byte("audit/2"), []byte("b"))
	require.Equal(t, 2, batch.Len())

	_, err := db.Get([]byte("audit/1"))
	require.ErrorIs(t, err, ErrNotFound, "nothing lands before Write")

	require.NoError(t, batch.Write())
	require.Zero(t, batch.Len())
	value, err := db.Get([]byte("audit/2"))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), value)

	batch.Delete([]byte("audit/1"))
	batch.Put([]byte("audit/3"), []byte("c"))
	require.NoError(t, batch.Write())
	_, err = db.Get([]byte("audit/1"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Delete([]byte("audit/3")))
	require.NoError(t, db.Delete([]byte("audit/3")), "absent keys delete cleanly")
	_, err = db.Get([]byte("audit/3"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCandidateStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candidates.db")
	store, err := OpenCandidateStore(path, nil)
	require.NoError(t, err)

	first := common.HexToAddress("0x0a")
	second := common.HexToAddress("0x0b")
	_, err = store.Get(first, 1)
	require.ErrorIs(t, err, ErrNotFound)

	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.Put(first, 1, CandidateMeta{ImageURL: "https://img.example/alice.png", UpdatedAt: now}))
	require.NoError(t, store.Put(first, 2, CandidateMeta{ImageURL: "https://img.example/bob.png", UpdatedAt: now}))
	require.NoError(t, store.Put(second, 1, CandidateMeta{ImageURL: "https://img.example/carol.png", UpdatedAt: now}))

	meta, err := store.Get(first, 2)
	require.NoError(t, err)
	require.Equal(t, "https://img.example/bob.png", meta.ImageURL)

	all, err := store.All(first)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "https://img.example/alice.png", all[1].ImageURL)

	empty, err := store.All(common.HexToAddress("0x0c"))
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, store.Close())
	reopened, err := OpenCandidateStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	meta, err = reopened.Get(second, 1)
	require.NoError(t, err)
	require.True(t, meta.UpdatedAt.Equal(now))
}

func newJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	tick := time.Unix(1_700_000_000, 0)
	j.clock = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return j
}

func TestJournalLifecycle(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)

	id, err := j.Begin(ctx, "vote", "0xabc", "0xdef", "candidate=2")
	require.NoError(t, err)
	action, err := j.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ActionPending, action.Status)
	require.Equal(t, "candidate=2", action.Detail)

	require.NoError(t, j.Succeed(ctx, id, "0x01"))
	action, err = j.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ActionSucceeded, action.Status)
	require.Equal(t, "0x01", action.TxHash)

	require.Error(t, j.Fail(ctx, id, "reverted", "late", ""), "finished actions stay finished")

	failed, err := j.Begin(ctx, "register", "0xabc", "0xdef", "")
	require.NoError(t, err)
	require.NoError(t, j.Fail(ctx, failed, "already_done", "already registered", ""))
	action, err = j.Get(ctx, failed)
	require.NoError(t, err)
	require.Equal(t, ActionFailed, action.Status)
	require.Equal(t, "already_done", action.ErrorKind)
	require.Equal(t, "already registered", action.Reason)

	_, err = j.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJournalRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	j := newJournal(t)
	var ids []uuid.UUID
	for _, kind := range []string{"register", "vote", "end"} {
		id, err := j.Begin(ctx, kind, "0xabc", "0xdef", "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, ids[2], recent[0].ID)
	require.Equal(t, ids[1], recent[1].ID)

	all, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestJournalSQLiteFile(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenJournal(dsn)
	require.NoError(t, err)
	id, err := j.Begin(ctx, "start", "0xabc", "0xdef", "")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	reopened, err := OpenJournal(dsn)
	require.NoError(t, err)
	defer reopened.Close()
	action, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "start", action.Kind)
}
