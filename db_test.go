package lumen

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lumen.db")
	db, err := Open(path, WithPoolFrames(32), WithInitialSizeMB(0))
	require.NoError(t, err)
	return db, path
}

func TestDBPutGetDelete(t *testing.T) {
	t.Parallel()

	db, _ := testDB(t)
	defer db.Close()

	require.NoError(t, db.Put(StringValue("alpha"), Int64Value(1)))
	require.NoError(t, db.Put(StringValue("beta"), Int64Value(2)))

	v, err := db.Get(StringValue("alpha"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Int64())

	// Put is an insert, not an upsert.
	err = db.Put(StringValue("alpha"), Int64Value(10))
	assert.Equal(t, CodeAlreadyExists, Code(err))

	ok, err := db.Has(StringValue("beta"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.Delete(StringValue("alpha")))
	_, err = db.Get(StringValue("alpha"))
	assert.Equal(t, CodeNotFound, Code(err))
	ok, err = db.Has(StringValue("alpha"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, CodeNotFound, Code(db.Delete(StringValue("gone"))))
}

func TestDBScan(t *testing.T) {
	t.Parallel()

	db, _ := testDB(t)
	defer db.Close()

	for k := int64(0); k < 20; k++ {
		require.NoError(t, db.Put(Int64Value(k), Int64Value(k*2)))
	}

	entries, err := db.Scan(Int64Value(5), Int64Value(9))
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, int64(5), entries[0].Key.Int64())

	entries, err = db.ScanLimit(Int64Value(0), Int64Value(19), 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestDBPersistence(t *testing.T) {
	t.Parallel()

	db, path := testDB(t)
	for k := int64(0); k < 300; k++ {
		require.NoError(t, db.Put(Int64Value(k), Int64Value(k+1000)))
	}
	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	assert.Equal(t, 300, db2.Table().Size())
	for k := int64(0); k < 300; k++ {
		v, err := db2.Get(Int64Value(k))
		require.NoError(t, err, "key %d must survive reopen", k)
		assert.Equal(t, k+1000, v.Int64())
	}
}

func TestDBLookaside(t *testing.T) {
	t.Parallel()

	db, _ := testDB(t)
	defer db.Close()

	require.NoError(t, db.Put(StringValue("hot"), Int64Value(42)))

	// The put primes the cache; repeated gets bypass the tree, so pool
	// traffic stays flat.
	before := db.Stats().Requests
	for i := 0; i < 10; i++ {
		v, err := db.Get(StringValue("hot"))
		require.NoError(t, err)
		assert.Equal(t, int64(42), v.Int64())
	}
	assert.Equal(t, before, db.Stats().Requests)

	// Delete invalidates.
	require.NoError(t, db.Delete(StringValue("hot")))
	_, err := db.Get(StringValue("hot"))
	assert.Equal(t, CodeNotFound, Code(err))
}

func TestDBIndexes(t *testing.T) {
	t.Parallel()

	db, path := testDB(t)

	idx, err := db.CreateIndex("by_name", BTreeConfig{MinDegree: 3})
	require.NoError(t, err)
	_, err = db.CreateIndex("by_name", BTreeConfig{MinDegree: 3})
	assert.Equal(t, CodeAlreadyExists, Code(err))

	for k := int64(0); k < 60; k++ {
		require.NoError(t, idx.Insert(Int64Value(k), Int64Value(-k)))
	}

	// Reopening the handle returns the same tree.
	same, err := db.OpenIndex("by_name")
	require.NoError(t, err)
	assert.Same(t, idx, same)

	_, err = db.OpenIndex("nope")
	assert.Equal(t, CodeNotFound, Code(err))

	require.NoError(t, db.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	reopened, err := db2.OpenIndex("by_name")
	require.NoError(t, err)
	assert.Equal(t, 60, reopened.Size())
	v, err := reopened.Find(Int64Value(30))
	require.NoError(t, err)
	assert.Equal(t, int64(-30), v.Int64())
}

func TestDBSync(t *testing.T) {
	t.Parallel()

	db, _ := testDB(t)
	defer db.Close()

	require.NoError(t, db.Put(Int64Value(1), Int64Value(1)))
	require.NoError(t, db.Sync())
}

func TestDBClosed(t *testing.T) {
	t.Parallel()

	db, _ := testDB(t)
	require.NoError(t, db.Close())

	assert.Equal(t, CodeFailedPrecondition, Code(db.Put(Int64Value(1), Int64Value(1))))
	_, err := db.Get(Int64Value(1))
	assert.Equal(t, CodeFailedPrecondition, Code(err))
	assert.Equal(t, CodeFailedPrecondition, Code(db.Close()))
}

func TestDBStats(t *testing.T) {
	t.Parallel()

	db, _ := testDB(t)
	defer db.Close()

	for k := int64(0); k < 50; k++ {
		require.NoError(t, db.Put(Int64Value(k), Int64Value(k)))
	}
	stats := db.Stats()
	assert.Greater(t, stats.Requests, uint64(0))
	assert.Equal(t, stats.Requests, stats.Hits+stats.Misses)
	assert.GreaterOrEqual(t, stats.HitRatio(), 0.0)
}
