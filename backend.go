package lumen

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// Backend is the narrow interface the buffer pool drives. The backend owns
// the file bytes; it never calls back into the pool.
type Backend interface {
	ReadPage(id PageID) (*Page, error)
	WritePage(p *Page) error
	AllocatePage() (PageID, error)
	DeallocatePage(id PageID) error
}

var _ Backend = (*FileBackend)(nil)

// minInitialPages keeps a fresh file large enough for the header page and
// a first handful of content pages.
const minInitialPages = 8

// FileBackend is the authoritative single-file page store. Page 0 is the
// file header; pages 1..N-1 are content pages. Free pages are chained
// through their first four bytes, headed in the file header.
type FileBackend struct {
	opts   Options
	logger Logger

	fileMu sync.Mutex
	file   *os.File

	header FileHeader

	freeMu   sync.Mutex
	freeList []PageID

	isOpen atomic.Bool
}

// OpenBackend opens or creates the database file named by opts per the
// create_if_missing / error_if_exists policy.
func OpenBackend(opts Options) (*FileBackend, error) {
	if opts.DatabasePath == "" {
		return nil, invalidArgument("database path is empty")
	}
	if opts.Logger == nil {
		opts.Logger = DiscardLogger{}
	}

	b := &FileBackend{opts: opts, logger: opts.Logger}

	_, err := os.Stat(opts.DatabasePath)
	switch {
	case err == nil:
		if opts.ErrorIfExists {
			return nil, alreadyExists("database file %q already exists", opts.DatabasePath)
		}
		if err := b.openExisting(); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		if !opts.CreateIfMissing {
			return nil, notFound("database file %q does not exist", opts.DatabasePath)
		}
		if err := b.create(); err != nil {
			return nil, err
		}
	default:
		return nil, ioError("stat %q: %v", opts.DatabasePath, err)
	}

	b.isOpen.Store(true)
	return b, nil
}

func (b *FileBackend) create() error {
	file, err := os.OpenFile(b.opts.DatabasePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return ioError("create %q: %v", b.opts.DatabasePath, err)
	}
	b.file = file

	pages := uint64(b.opts.InitialSizeMB) * 1024 * 1024 / PageSize
	if pages < minInitialPages {
		pages = minInitialPages
	}
	size := int64(pages) * PageSize
	if err := preallocate(file, size); err != nil {
		// Fall back to a plain resize on filesystems without fallocate.
		if err := file.Truncate(size); err != nil {
			file.Close()
			return ioError("resize %q to %d bytes: %v", b.opts.DatabasePath, size, err)
		}
	}

	b.header = newFileHeader()
	b.header.FileSize = uint64(size)
	b.header.PageCount = pages
	b.header.FreePages = pages - 1

	b.freeList = make([]PageID, 0, pages-1)
	for id := PageID(1); uint64(id) < pages; id++ {
		b.freeList = append(b.freeList, id)
	}

	if err := b.writeFreeList(); err != nil {
		file.Close()
		return err
	}
	if err := b.writeHeader(); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return ioError("sync %q: %v", b.opts.DatabasePath, err)
	}

	b.logger.Info("created database", "path", b.opts.DatabasePath, "pages", pages)
	return nil
}

func (b *FileBackend) openExisting() error {
	file, err := os.OpenFile(b.opts.DatabasePath, os.O_RDWR, 0600)
	if err != nil {
		return ioError("open %q: %v", b.opts.DatabasePath, err)
	}
	b.file = file

	buf := make([]byte, PageSize)
	if err := b.readRaw(0, buf); err != nil {
		file.Close()
		return err
	}
	b.header.decode(buf)
	if err := b.header.validate(); err != nil {
		file.Close()
		return err
	}

	if err := b.loadFreeList(); err != nil {
		file.Close()
		return err
	}

	b.logger.Info("opened database",
		"path", b.opts.DatabasePath,
		"pages", b.header.PageCount,
		"free", len(b.freeList))
	return nil
}

// loadFreeList walks the on-disk chain from the header's free_list_head.
// Each free page stores the next free page ID in its first four bytes.
// The header count is adjusted when the walk disagrees.
func (b *FileBackend) loadFreeList() error {
	b.freeList = b.freeList[:0]
	buf := make([]byte, PageSize)
	cur := b.header.FreeListHead
	for cur != InvalidPageID && uint64(len(b.freeList)) < b.header.PageCount {
		if uint64(cur) >= b.header.PageCount {
			b.logger.Warn("free list points past the file, truncating walk", "page", cur)
			break
		}
		if err := b.readRaw(cur, buf); err != nil {
			return err
		}
		b.freeList = append(b.freeList, cur)
		cur = PageID(binary.LittleEndian.Uint32(buf))
	}
	if uint64(len(b.freeList)) != b.header.FreePages {
		b.logger.Warn("free page count disagrees with free list walk",
			"header", b.header.FreePages, "walked", len(b.freeList))
		b.header.FreePages = uint64(len(b.freeList))
	}
	return nil
}

// writeFreeList serializes the in-memory list back into the page chain and
// points the header at its head. Caller must not hold fileMu.
func (b *FileBackend) writeFreeList() error {
	b.fileMu.Lock()
	defer b.fileMu.Unlock()

	buf := make([]byte, PageSize)
	for i, id := range b.freeList {
		next := InvalidPageID
		if i+1 < len(b.freeList) {
			next = b.freeList[i+1]
		}
		binary.LittleEndian.PutUint32(buf, uint32(next))
		if err := b.writeRawLocked(id, buf[:4]); err != nil {
			return err
		}
	}
	if len(b.freeList) > 0 {
		b.header.FreeListHead = b.freeList[0]
	} else {
		b.header.FreeListHead = InvalidPageID
	}
	b.header.FreePages = uint64(len(b.freeList))
	return nil
}

func (b *FileBackend) readRaw(id PageID, buf []byte) error {
	b.fileMu.Lock()
	defer b.fileMu.Unlock()
	n, err := b.file.ReadAt(buf, int64(id)*PageSize)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return corruption("short read of page %d: %d of %d bytes", id, n, len(buf))
		}
		return ioError("read page %d: %v", id, err)
	}
	return nil
}

func (b *FileBackend) writeRawLocked(id PageID, buf []byte) error {
	n, err := b.file.WriteAt(buf, int64(id)*PageSize)
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return newError(CodeDiskFull, "write page %d: %v", id, err)
		}
		return ioError("write page %d: %v", id, err)
	}
	if n != len(buf) {
		return corruption("short write of page %d: %d of %d bytes", id, n, len(buf))
	}
	return nil
}

// ReadPage reads exactly one page and verifies its checksum for id > 0.
// A page that has never been written back (all-zero checksum) is returned
// as a fresh empty page so freshly allocated IDs are immediately readable.
func (b *FileBackend) ReadPage(id PageID) (*Page, error) {
	if !b.isOpen.Load() {
		return nil, ErrClosed
	}
	if uint64(id) >= b.PageCount() {
		return nil, pageNotFound(id)
	}

	buf := make([]byte, PageSize)
	if err := b.readRaw(id, buf); err != nil {
		return nil, err
	}

	p := &Page{}
	if err := p.DeserializeFrom(buf); err != nil {
		return nil, err
	}
	if id > 0 {
		if p.StoredChecksum() == 0 {
			// Never written back: free pages and freshly allocated pages
			// carry no checksum. Hand back a fresh page under the
			// requested ID.
			return NewPage(id, PageTypeInvalid), nil
		}
		if !p.VerifyChecksum() {
			return nil, checksumMismatch("page %d checksum mismatch", id)
		}
		if p.ID() != id {
			return nil, corruption("page %d carries ID %d", id, p.ID())
		}
	}
	return p, nil
}

// WritePage recomputes the page checksum and writes the page at its slot.
// Fsyncs when sync_on_commit is set.
func (b *FileBackend) WritePage(p *Page) error {
	if !b.isOpen.Load() {
		return ErrClosed
	}
	id := p.ID()
	if id == InvalidPageID {
		return invalidArgument("cannot write a page with the invalid ID")
	}
	if uint64(id) >= b.PageCount() {
		return pageNotFound(id)
	}

	p.UpdateChecksum()

	b.fileMu.Lock()
	err := b.writeRawLocked(id, p.buf[:])
	if err == nil && b.opts.SyncOnCommit {
		if serr := fdatasync(b.file); serr != nil {
			err = ioError("sync page %d: %v", id, serr)
		}
	}
	b.fileMu.Unlock()
	return err
}

// AllocatePage pops the free list, growing the file geometrically when it
// is exhausted. The returned ID is valid for immediate reads and writes.
func (b *FileBackend) AllocatePage() (PageID, error) {
	if !b.isOpen.Load() {
		return InvalidPageID, ErrClosed
	}

	b.freeMu.Lock()
	defer b.freeMu.Unlock()

	if len(b.freeList) == 0 {
		cur := b.header.PageCount
		next := cur * 2
		if next < cur+64 {
			next = cur + 64
		}
		if err := b.grow(next); err != nil {
			return InvalidPageID, err
		}
	}

	id := b.freeList[len(b.freeList)-1]
	b.freeList = b.freeList[:len(b.freeList)-1]
	b.header.FreePages--
	return id, nil
}

// grow extends the file to newCount pages and seeds the free list with the
// new IDs. Caller holds freeMu.
func (b *FileBackend) grow(newCount uint64) error {
	b.fileMu.Lock()
	defer b.fileMu.Unlock()

	if err := b.file.Truncate(int64(newCount) * PageSize); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return newError(CodeDiskFull, "grow file to %d pages: %v", newCount, err)
		}
		return ioError("grow file to %d pages: %v", newCount, err)
	}

	old := b.header.PageCount
	for id := old; id < newCount; id++ {
		b.freeList = append(b.freeList, PageID(id))
	}
	b.header.PageCount = newCount
	b.header.FreePages += newCount - old
	b.header.FileSize = newCount * PageSize

	b.logger.Info("grew database file", "from", old, "to", newCount)
	return nil
}

// DeallocatePage zeroes the page on disk and pushes it onto the free list
// for reuse. The zeroed image carries no checksum, so a later allocation
// of the same ID reads back as a fresh page.
func (b *FileBackend) DeallocatePage(id PageID) error {
	if !b.isOpen.Load() {
		return ErrClosed
	}
	if id == InvalidPageID || uint64(id) >= b.PageCount() {
		return invalidArgument("cannot deallocate page %d", id)
	}

	b.freeMu.Lock()
	defer b.freeMu.Unlock()
	for _, free := range b.freeList {
		if free == id {
			return invalidArgument("page %d is already free", id)
		}
	}
	b.fileMu.Lock()
	err := b.writeRawLocked(id, make([]byte, PageSize))
	b.fileMu.Unlock()
	if err != nil {
		return err
	}
	b.freeList = append(b.freeList, id)
	b.header.FreePages++
	return nil
}

// Header returns a copy of the decoded file header.
func (b *FileBackend) Header() FileHeader {
	b.freeMu.Lock()
	defer b.freeMu.Unlock()
	return b.header
}

// PageCount returns the total number of pages in the file, header included.
func (b *FileBackend) PageCount() uint64 {
	b.freeMu.Lock()
	defer b.freeMu.Unlock()
	return b.header.PageCount
}

// FreePageCount returns the number of pages on the free list.
func (b *FileBackend) FreePageCount() uint64 {
	b.freeMu.Lock()
	defer b.freeMu.Unlock()
	return uint64(len(b.freeList))
}

// SetTableRoot records the root page of the table index in the header.
// Persisted by WriteHeader or Close.
func (b *FileBackend) SetTableRoot(id PageID) {
	b.freeMu.Lock()
	defer b.freeMu.Unlock()
	b.header.TableRoot = id
}

// SetMetadataRoot records the metadata page in the header.
func (b *FileBackend) SetMetadataRoot(id PageID) {
	b.freeMu.Lock()
	defer b.freeMu.Unlock()
	b.header.MetadataRoot = id
}

// WriteHeader persists the header page.
func (b *FileBackend) WriteHeader() error {
	if !b.isOpen.Load() {
		return ErrClosed
	}
	b.fileMu.Lock()
	defer b.fileMu.Unlock()
	return b.writeHeader()
}

// writeHeader serializes and writes page 0. Caller holds fileMu, or is the
// only owner during create/close.
func (b *FileBackend) writeHeader() error {
	b.header.updateChecksum()
	buf := make([]byte, PageSize)
	b.header.encode(buf)
	return b.writeRawLocked(0, buf)
}

// Close re-serializes the free list, rewrites the header, syncs, and
// releases the file handle. The pool must be flushed first; the backend
// has no reference to it.
func (b *FileBackend) Close() error {
	if !b.isOpen.CompareAndSwap(true, false) {
		return ErrClosed
	}

	b.freeMu.Lock()
	defer b.freeMu.Unlock()

	if err := b.writeFreeList(); err != nil {
		b.file.Close()
		return err
	}

	b.fileMu.Lock()
	err := b.writeHeader()
	b.fileMu.Unlock()
	if err != nil {
		b.file.Close()
		return err
	}

	if err := b.file.Sync(); err != nil {
		b.file.Close()
		return ioError("sync %q: %v", b.opts.DatabasePath, err)
	}
	if err := b.file.Close(); err != nil {
		return ioError("close %q: %v", b.opts.DatabasePath, err)
	}

	b.logger.Info("closed database", "path", b.opts.DatabasePath)
	return nil
}

var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend implements Backend with map storage. It exists for tests
// and for running the pool without a file.
type MemoryBackend struct {
	mu     sync.Mutex
	pages  map[PageID]*Page
	nextID PageID
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		pages:  make(map[PageID]*Page),
		nextID: 1,
	}
}

// ReadPage returns a copy of the stored page to simulate a disk read.
func (m *MemoryBackend) ReadPage(id PageID) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		return nil, pageNotFound(id)
	}
	cp := &Page{}
	if err := cp.DeserializeFrom(p.buf[:]); err != nil {
		return nil, err
	}
	return cp, nil
}

// WritePage stores a copy of the page.
func (m *MemoryBackend) WritePage(p *Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.UpdateChecksum()
	cp := &Page{}
	if err := cp.DeserializeFrom(p.buf[:]); err != nil {
		return err
	}
	m.pages[p.ID()] = cp
	return nil
}

// AllocatePage hands out the next unused ID.
func (m *MemoryBackend) AllocatePage() (PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.pages[id] = NewPage(id, PageTypeInvalid)
	return id, nil
}

// DeallocatePage forgets the page.
func (m *MemoryBackend) DeallocatePage(id PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
	return nil
}

// Written reports whether the backend holds a page under id. Test helper.
func (m *MemoryBackend) Written(id PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pages[id]
	return ok
}
