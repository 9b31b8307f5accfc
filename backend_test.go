package lumen

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T) (*FileBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts := DefaultOptions(path)
	opts.InitialSizeMB = 0 // smallest initial region
	b, err := OpenBackend(opts)
	require.NoError(t, err)
	return b, path
}

func TestBackendCreate(t *testing.T) {
	t.Parallel()

	b, path := testBackend(t)
	defer b.Close()

	header := b.Header()
	assert.Equal(t, headerMagic, header.Magic)
	assert.Equal(t, FormatVersion, header.Version)
	assert.Equal(t, uint32(PageSize), header.PageSize)
	assert.GreaterOrEqual(t, header.PageCount, uint64(minInitialPages))
	assert.Equal(t, header.PageCount-1, b.FreePageCount(), "all content pages start free")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(header.PageCount)*PageSize, info.Size())
}

func TestBackendErrorIfExists(t *testing.T) {
	t.Parallel()

	b, path := testBackend(t)
	require.NoError(t, b.Close())

	opts := DefaultOptions(path)
	opts.ErrorIfExists = true
	_, err := OpenBackend(opts)
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyExists, Code(err))

	opts = DefaultOptions(filepath.Join(t.TempDir(), "missing.db"))
	opts.CreateIfMissing = false
	_, err = OpenBackend(opts)
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, Code(err))
}

func TestBackendPageRoundTrip(t *testing.T) {
	t.Parallel()

	b, _ := testBackend(t)
	defer b.Close()

	id, err := b.AllocatePage()
	require.NoError(t, err)
	require.NotEqual(t, InvalidPageID, id)

	// A freshly allocated page is immediately readable.
	p, err := b.ReadPage(id)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID())

	p = NewPage(id, PageTypeData)
	slot, err := p.InsertRecord([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, b.WritePage(p))

	q, err := b.ReadPage(id)
	require.NoError(t, err)
	assert.True(t, q.VerifyChecksum())
	rec, err := q.GetRecord(slot)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), rec)
}

func TestBackendGrow(t *testing.T) {
	t.Parallel()

	b, _ := testBackend(t)
	defer b.Close()

	initial := b.PageCount()
	seen := make(map[PageID]bool)
	for uint64(len(seen)) < initial+10 {
		id, err := b.AllocatePage()
		require.NoError(t, err)
		require.False(t, seen[id], "allocator handed out page %d twice", id)
		seen[id] = true
	}
	assert.Greater(t, b.PageCount(), initial, "file must grow once the free list drains")
	// Geometric growth: max(2n, n+64).
	assert.GreaterOrEqual(t, b.PageCount(), initial+64)
}

func TestBackendFreeListStability(t *testing.T) {
	t.Parallel()

	b, _ := testBackend(t)
	defer b.Close()

	live := make([]PageID, 0)
	for i := 0; i < 5; i++ {
		id, err := b.AllocatePage()
		require.NoError(t, err)
		live = append(live, id)
	}
	assert.Equal(t, b.PageCount()-1-uint64(len(live)), b.FreePageCount())

	freed := live[0]
	require.NoError(t, b.DeallocatePage(live[0]))
	require.NoError(t, b.DeallocatePage(live[1]))
	live = live[2:]
	assert.Equal(t, b.PageCount()-1-uint64(len(live)), b.FreePageCount())

	require.Error(t, b.DeallocatePage(freed)) // double free
}

func TestBackendReopen(t *testing.T) {
	t.Parallel()

	b, path := testBackend(t)

	id, err := b.AllocatePage()
	require.NoError(t, err)
	p := NewPage(id, PageTypeData)
	_, err = p.InsertRecord([]byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, b.WritePage(p))

	b.SetTableRoot(id)
	freeBefore := b.FreePageCount()
	require.NoError(t, b.Close())

	opts := DefaultOptions(path)
	b2, err := OpenBackend(opts)
	require.NoError(t, err)
	defer b2.Close()

	assert.Equal(t, id, b2.Header().TableRoot)
	assert.Equal(t, freeBefore, b2.FreePageCount(), "free list survives close")

	q, err := b2.ReadPage(id)
	require.NoError(t, err)
	rec, err := q.GetRecord(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), rec)
}

func TestBackendClosedOperations(t *testing.T) {
	t.Parallel()

	b, _ := testBackend(t)
	require.NoError(t, b.Close())

	_, err := b.ReadPage(1)
	assert.Equal(t, CodeFailedPrecondition, Code(err))
	_, err = b.AllocatePage()
	assert.Equal(t, CodeFailedPrecondition, Code(err))
	assert.Equal(t, CodeFailedPrecondition, Code(b.WritePage(NewPage(1, PageTypeData))))
	assert.Equal(t, CodeFailedPrecondition, Code(b.Close()))
}

func TestBackendVersionMismatch(t *testing.T) {
	t.Parallel()

	b, path := testBackend(t)
	require.NoError(t, b.Close())

	// Stamp a wrong version; magic stays intact.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(raw[8:], 0x00020000)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = OpenBackend(DefaultOptions(path))
	require.Error(t, err)
	assert.Equal(t, CodeVersionMismatch, Code(err))
	assert.True(t, IsCorruption(err))
}

func TestBackendBadMagic(t *testing.T) {
	t.Parallel()

	b, path := testBackend(t)
	require.NoError(t, b.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] = 'X'
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = OpenBackend(DefaultOptions(path))
	require.Error(t, err)
	assert.Equal(t, CodeCorruption, Code(err))
}

func TestBackendHeaderChecksumMismatch(t *testing.T) {
	t.Parallel()

	b, path := testBackend(t)
	require.NoError(t, b.Close())

	// Corrupt a reserved header byte; magic, version, and page size stay
	// valid so the checksum is what rejects the file.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[70] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = OpenBackend(DefaultOptions(path))
	require.Error(t, err)
	assert.Equal(t, CodeChecksumMismatch, Code(err))
}

func TestBackendCorruptPage(t *testing.T) {
	t.Parallel()

	b, path := testBackend(t)
	id, err := b.AllocatePage()
	require.NoError(t, err)
	p := NewPage(id, PageTypeData)
	_, err = p.InsertRecord([]byte("soon to be damaged"))
	require.NoError(t, err)
	require.NoError(t, b.WritePage(p))
	require.NoError(t, b.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[int64(id)*PageSize+PageSize-5] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	b2, err := OpenBackend(DefaultOptions(path))
	require.NoError(t, err)
	defer b2.Close()

	_, err = b2.ReadPage(id)
	require.Error(t, err)
	assert.Equal(t, CodeChecksumMismatch, Code(err))
	assert.True(t, IsCorruption(err))
}

func TestBackendSyncOnCommit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sync.db")
	opts := DefaultOptions(path)
	opts.SyncOnCommit = true
	opts.InitialSizeMB = 0
	b, err := OpenBackend(opts)
	require.NoError(t, err)
	defer b.Close()

	id, err := b.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, b.WritePage(NewPage(id, PageTypeData)))
}
