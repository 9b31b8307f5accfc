package lumen

import "sync"

// EvictionKind selects the buffer pool's replacement policy. The set is
// closed; adding a policy means adding a variant and a dispatch arm.
type EvictionKind int

const (
	// EvictClock approximates LRU with one reference bit per frame and a
	// sweeping hand.
	EvictClock EvictionKind = iota

	// EvictLRU evicts the frame with the oldest access timestamp.
	EvictLRU
)

// String returns the policy name.
func (k EvictionKind) String() string {
	switch k {
	case EvictClock:
		return "clock"
	case EvictLRU:
		return "lru"
	}
	return "unknown"
}

// evictionPolicy holds the per-policy private state. Reference bits are
// touched by concurrent readers of the page table, so the policy carries
// its own mutex.
type evictionPolicy struct {
	kind    EvictionKind
	mu      sync.Mutex
	refBits []bool
	hand    int
}

func newEvictionPolicy(kind EvictionKind, frames int) *evictionPolicy {
	return &evictionPolicy{
		kind:    kind,
		refBits: make([]bool, frames),
	}
}

// accessFrame records a touch. Called on every successful fetch and pin.
// LRU timestamps live on the frame itself; clock keeps a reference bit.
func (e *evictionPolicy) accessFrame(id FrameID) {
	if e.kind == EvictClock {
		e.mu.Lock()
		e.refBits[id] = true
		e.mu.Unlock()
	}
}

// forgetFrame clears policy state when a frame is emptied.
func (e *evictionPolicy) forgetFrame(id FrameID) {
	e.mu.Lock()
	e.refBits[id] = false
	e.mu.Unlock()
}

// selectVictim picks an evictable frame: occupied and unpinned. Returns
// false when every frame is pinned or empty.
func (e *evictionPolicy) selectVictim(frames []*frame) (FrameID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.kind {
	case EvictClock:
		return e.selectClock(frames)
	case EvictLRU:
		return e.selectLRU(frames)
	}
	return 0, false
}

func (e *evictionPolicy) selectClock(frames []*frame) (FrameID, bool) {
	n := len(frames)
	// First pass: clear set bits, take the first clear one.
	for i := 0; i < n; i++ {
		id := FrameID((e.hand + i) % n)
		f := frames[id]
		if f.page == nil || f.pins.Load() > 0 {
			continue
		}
		if e.refBits[id] {
			e.refBits[id] = false
			continue
		}
		e.hand = (int(id) + 1) % n
		return id, true
	}
	// Second pass: every candidate had its bit set on entry; take the
	// first unpinned occupied frame regardless.
	for i := 0; i < n; i++ {
		id := FrameID((e.hand + i) % n)
		f := frames[id]
		if f.page == nil || f.pins.Load() > 0 {
			continue
		}
		e.refBits[id] = false
		e.hand = (int(id) + 1) % n
		return id, true
	}
	return 0, false
}

func (e *evictionPolicy) selectLRU(frames []*frame) (FrameID, bool) {
	var victim FrameID
	var oldest int64
	found := false
	for i, f := range frames {
		if f.page == nil || f.pins.Load() > 0 {
			continue
		}
		at := f.lastAccess.Load()
		if !found || at < oldest {
			victim = FrameID(i)
			oldest = at
			found = true
		}
	}
	return victim, found
}

// reset clears all policy state.
func (e *evictionPolicy) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.refBits {
		e.refBits[i] = false
	}
	e.hand = 0
}
