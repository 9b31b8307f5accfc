package lumen

import (
	"sync"
	"sync/atomic"
	"time"
)

// frame is a buffer pool slot hosting at most one page.
type frame struct {
	mu         sync.RWMutex
	page       *Page
	pins       atomic.Int32
	dirty      bool // guarded by mu
	lastAccess atomic.Int64 // microseconds, read by the LRU policy
}

// PoolStats counts buffer pool traffic.
type PoolStats struct {
	Requests  atomic.Uint64
	Hits      atomic.Uint64
	Misses    atomic.Uint64
	Writes    atomic.Uint64
	Evictions atomic.Uint64
	Flushes   atomic.Uint64
}

// StatsSnapshot is a plain copy of the counters.
type StatsSnapshot struct {
	Requests  uint64
	Hits      uint64
	Misses    uint64
	Writes    uint64
	Evictions uint64
	Flushes   uint64
}

// HitRatio returns hits over requests, or zero for an idle pool.
func (s StatsSnapshot) HitRatio() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Requests)
}

func (s *PoolStats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Requests:  s.Requests.Load(),
		Hits:      s.Hits.Load(),
		Misses:    s.Misses.Load(),
		Writes:    s.Writes.Load(),
		Evictions: s.Evictions.Load(),
		Flushes:   s.Flushes.Load(),
	}
}

func (s *PoolStats) reset() {
	s.Requests.Store(0)
	s.Hits.Store(0)
	s.Misses.Store(0)
	s.Writes.Store(0)
	s.Evictions.Store(0)
	s.Flushes.Store(0)
}

// BufferPool caches pages in a fixed set of frames and delegates misses
// and write-backs to the backend. Resident page bytes never exceed
// size * PageSize.
type BufferPool struct {
	size    int
	frames  []*frame
	backend Backend // may be nil; the pool then mints its own page IDs

	tableMu   sync.RWMutex
	pageTable map[PageID]FrameID
	policy    *evictionPolicy

	freeMu     sync.Mutex
	freeFrames []FrameID

	nextPageID atomic.Uint32

	stats  PoolStats
	logger Logger
}

// NewBufferPool builds a pool of size frames in front of backend. A nil
// backend leaves the pool standalone: NewPage mints local IDs and
// FetchPage misses fail.
func NewBufferPool(size int, backend Backend, kind EvictionKind) *BufferPool {
	if size < 1 {
		size = 1
	}
	p := &BufferPool{
		size:      size,
		frames:    make([]*frame, size),
		backend:   backend,
		pageTable: make(map[PageID]FrameID, size),
		policy:    newEvictionPolicy(kind, size),
		freeFrames: make([]FrameID, size),
		logger:    DiscardLogger{},
	}
	for i := range p.frames {
		p.frames[i] = &frame{}
	}
	for i := range p.freeFrames {
		p.freeFrames[i] = FrameID(size - 1 - i)
	}
	return p
}

// SetLogger installs a logger for eviction pressure events.
func (p *BufferPool) SetLogger(l Logger) {
	if l != nil {
		p.logger = l
	}
}

func (p *BufferPool) touch(id FrameID) {
	p.frames[id].lastAccess.Store(time.Now().UnixMicro())
	p.policy.accessFrame(id)
}

// FetchPage returns the pinned page under id, loading it through the
// backend on a miss. Callers release the pin with UnpinPage. Returns
// Unavailable when every frame is pinned.
func (p *BufferPool) FetchPage(id PageID) (*Page, error) {
	if id == InvalidPageID {
		return nil, invalidArgument("cannot fetch the invalid page")
	}
	p.stats.Requests.Add(1)

	p.tableMu.RLock()
	if fid, ok := p.pageTable[id]; ok {
		f := p.frames[fid]
		f.pins.Add(1)
		p.touch(fid)
		p.tableMu.RUnlock()
		p.stats.Hits.Add(1)
		return f.page, nil
	}
	p.tableMu.RUnlock()

	p.tableMu.Lock()
	defer p.tableMu.Unlock()

	// Another caller may have installed the page while we upgraded.
	if fid, ok := p.pageTable[id]; ok {
		f := p.frames[fid]
		f.pins.Add(1)
		p.touch(fid)
		p.stats.Hits.Add(1)
		return f.page, nil
	}

	p.stats.Misses.Add(1)
	if p.backend == nil {
		return nil, pageNotFound(id)
	}

	page, err := p.backend.ReadPage(id)
	if err != nil {
		return nil, err
	}

	fid, err := p.obtainFrameLocked()
	if err != nil {
		return nil, err
	}
	f := p.frames[fid]
	f.page = page
	f.dirty = page.Dirty()
	f.pins.Store(1)
	p.pageTable[id] = fid
	p.touch(fid)
	return page, nil
}

// NewPage allocates a page ID (from the backend, or pool-local without
// one), installs an empty page of the given type, and returns it pinned
// and dirty.
func (p *BufferPool) NewPage(t PageType) (*Page, error) {
	var id PageID
	if p.backend != nil {
		allocated, err := p.backend.AllocatePage()
		if err != nil {
			return nil, err
		}
		id = allocated
	} else {
		id = PageID(p.nextPageID.Add(1))
	}
	return p.NewPageWithID(id, t)
}

// NewPageWithID installs an empty page under a caller-chosen ID, used when
// the backend pre-allocates.
func (p *BufferPool) NewPageWithID(id PageID, t PageType) (*Page, error) {
	if id == InvalidPageID {
		return nil, invalidArgument("cannot create the invalid page")
	}

	p.tableMu.Lock()
	defer p.tableMu.Unlock()

	if _, ok := p.pageTable[id]; ok {
		return nil, alreadyExists("page %d is already resident", id)
	}

	fid, err := p.obtainFrameLocked()
	if err != nil {
		return nil, err
	}
	page := NewPage(id, t)
	f := p.frames[fid]
	f.page = page
	f.dirty = true
	f.pins.Store(1)
	p.pageTable[id] = fid
	p.touch(fid)
	return page, nil
}

// obtainFrameLocked pops the free stack or evicts a victim. Caller holds
// the table lock for writing.
func (p *BufferPool) obtainFrameLocked() (FrameID, error) {
	p.freeMu.Lock()
	if n := len(p.freeFrames); n > 0 {
		fid := p.freeFrames[n-1]
		p.freeFrames = p.freeFrames[:n-1]
		p.freeMu.Unlock()
		return fid, nil
	}
	p.freeMu.Unlock()
	return p.evictLocked()
}

// evictLocked selects a victim, writes it back if dirty, and clears it.
func (p *BufferPool) evictLocked() (FrameID, error) {
	fid, ok := p.policy.selectVictim(p.frames)
	if !ok {
		p.logger.Warn("buffer pool exhausted, all frames pinned", "frames", p.size)
		return 0, unavailable("all %d frames are pinned", p.size)
	}

	f := p.frames[fid]
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dirty && f.page != nil {
		if p.backend == nil {
			return 0, internalErr("dirty page %d with no backend to write it", f.page.ID())
		}
		if err := p.backend.WritePage(f.page); err != nil {
			return 0, err
		}
		f.page.MarkClean()
		f.dirty = false
		p.stats.Writes.Add(1)
	}
	if f.page != nil {
		delete(p.pageTable, f.page.ID())
	}
	f.page = nil
	p.policy.forgetFrame(fid)
	p.stats.Evictions.Add(1)
	return fid, nil
}

// UnpinPage drops one pin. With markDirty, the frame and page are flagged
// for write-back. Returns false when the page is not resident.
func (p *BufferPool) UnpinPage(id PageID, markDirty bool) bool {
	p.tableMu.RLock()
	fid, ok := p.pageTable[id]
	if !ok {
		p.tableMu.RUnlock()
		return false
	}
	f := p.frames[fid]
	if markDirty {
		f.mu.Lock()
		f.dirty = true
		if f.page != nil {
			f.page.MarkDirty()
		}
		f.mu.Unlock()
	}
	if f.pins.Load() > 0 {
		f.pins.Add(-1)
	}
	p.tableMu.RUnlock()
	return true
}

// DeletePage drops a resident page without write-back. Refuses pinned
// pages. The backend's page allocation is untouched; freeing the ID is the
// caller's business.
func (p *BufferPool) DeletePage(id PageID) error {
	p.tableMu.Lock()
	defer p.tableMu.Unlock()

	fid, ok := p.pageTable[id]
	if !ok {
		return nil
	}
	f := p.frames[fid]
	if f.pins.Load() > 0 {
		return failedPrecondition("page %d is pinned", id)
	}

	f.mu.Lock()
	f.page = nil
	f.dirty = false
	f.mu.Unlock()

	delete(p.pageTable, id)
	p.policy.forgetFrame(fid)

	p.freeMu.Lock()
	p.freeFrames = append(p.freeFrames, fid)
	p.freeMu.Unlock()
	return nil
}

// FlushPage writes the page through the backend when dirty and clears the
// dirty bit. A clean or absent page is a no-op.
func (p *BufferPool) FlushPage(id PageID) error {
	p.tableMu.RLock()
	fid, ok := p.pageTable[id]
	if !ok {
		p.tableMu.RUnlock()
		return nil
	}
	f := p.frames[fid]
	f.mu.Lock()
	p.tableMu.RUnlock()
	defer f.mu.Unlock()

	if !f.dirty || f.page == nil {
		return nil
	}
	if p.backend == nil {
		return internalErr("dirty page %d with no backend to write it", id)
	}
	if err := p.backend.WritePage(f.page); err != nil {
		return err
	}
	f.page.MarkClean()
	f.dirty = false
	p.stats.Writes.Add(1)
	p.stats.Flushes.Add(1)
	return nil
}

// FlushAll writes every dirty resident page.
func (p *BufferPool) FlushAll() error {
	p.tableMu.RLock()
	ids := make([]PageID, 0, len(p.pageTable))
	for id := range p.pageTable {
		ids = append(ids, id)
	}
	p.tableMu.RUnlock()

	for _, id := range ids {
		if err := p.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// Reset drops every cached page and clears statistics. Callers must have
// unpinned everything first.
func (p *BufferPool) Reset() error {
	p.tableMu.Lock()
	defer p.tableMu.Unlock()

	for _, f := range p.frames {
		if f.pins.Load() > 0 {
			return failedPrecondition("cannot reset pool with pinned pages")
		}
	}
	for _, f := range p.frames {
		f.mu.Lock()
		f.page = nil
		f.dirty = false
		f.lastAccess.Store(0)
		f.mu.Unlock()
	}
	p.pageTable = make(map[PageID]FrameID, p.size)
	p.policy.reset()

	p.freeMu.Lock()
	p.freeFrames = p.freeFrames[:0]
	for i := p.size - 1; i >= 0; i-- {
		p.freeFrames = append(p.freeFrames, FrameID(i))
	}
	p.freeMu.Unlock()

	p.stats.reset()
	return nil
}

// Size returns the pool capacity in frames.
func (p *BufferPool) Size() int { return p.size }

// UsedFrames counts frames currently hosting a page.
func (p *BufferPool) UsedFrames() int {
	p.tableMu.RLock()
	defer p.tableMu.RUnlock()
	return len(p.pageTable)
}

// Utilization returns the occupied fraction of the pool.
func (p *BufferPool) Utilization() float64 {
	return float64(p.UsedFrames()) / float64(p.size)
}

// Stats returns a copy of the traffic counters.
func (p *BufferPool) Stats() StatsSnapshot {
	return p.stats.snapshot()
}
