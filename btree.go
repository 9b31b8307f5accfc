package lumen

import (
	"sort"
	"sync"
)

const (
	// MaxKeySize bounds a serialized key so a handful of keys always fit
	// an internal node.
	MaxKeySize = 1024

	// MaxValueSize bounds a serialized value so any single entry fits a
	// leaf. There are no overflow pages.
	MaxValueSize = 2048

	// maxTreeDepth caps descent so a corrupted child pointer cycle cannot
	// spin forever.
	maxTreeDepth = 64
)

// BTreeConfig tunes a tree instance.
type BTreeConfig struct {
	// MinDegree t gives maxKeys = 2t-1 and minKeys = t-1. Must be >= 2.
	MinDegree int

	// Comparator overrides the natural Value order. Must be a total order.
	Comparator func(a, b Value) int

	// AllowDuplicates admits repeated keys within leaves. Internal
	// separators stay unique.
	AllowDuplicates bool
}

// DefaultBTreeConfig returns the tuning used by the engine's own indexes:
// min degree 32, so a node holds at most 63 keys (2t-1).
func DefaultBTreeConfig() BTreeConfig {
	return BTreeConfig{MinDegree: 32}
}

// BTreeEntry is one key/value pair.
type BTreeEntry struct {
	Key   Value
	Value Value
}

// BTree is an ordered map from Value to Value over pool-managed pages.
// Leaves are doubly linked for range iteration; the root page ID is the
// tree's external identity. Readers run concurrently; writers are
// serialized by the tree lock.
type BTree struct {
	mu   sync.RWMutex
	pool *BufferPool
	cfg  BTreeConfig

	root   PageID
	height int
	size   int

	// failed pins the first fatal error met by Insert or Remove; the tree
	// then refuses further operations until reopened. Read operations
	// return such errors without recording them here.
	failed error
}

type pathEntry struct {
	node     *treeNode
	childIdx int
}

// NewBTree creates an empty tree: the root exists from the start as a
// zero-key leaf.
func NewBTree(pool *BufferPool, cfg BTreeConfig) (*BTree, error) {
	if cfg.MinDegree == 0 {
		cfg.MinDegree = DefaultBTreeConfig().MinDegree
	}
	if cfg.MinDegree < 2 {
		return nil, invalidArgument("min degree %d, need at least 2", cfg.MinDegree)
	}

	b := &BTree{pool: pool, cfg: cfg, height: 1}
	root, err := b.createNode(true, 0)
	if err != nil {
		return nil, err
	}
	b.root = root.id
	if err := b.writeNode(root); err != nil {
		return nil, err
	}
	if err := b.pool.FlushPage(root.id); err != nil {
		return nil, err
	}
	return b, nil
}

// OpenBTree reconstructs a tree from a saved root page ID: height from the
// leftmost path, size from the leaf chain.
func OpenBTree(pool *BufferPool, root PageID, cfg BTreeConfig) (*BTree, error) {
	if cfg.MinDegree == 0 {
		cfg.MinDegree = DefaultBTreeConfig().MinDegree
	}
	if cfg.MinDegree < 2 {
		return nil, invalidArgument("min degree %d, need at least 2", cfg.MinDegree)
	}
	if root == InvalidPageID {
		return nil, invalidArgument("cannot open a tree from the invalid page")
	}

	b := &BTree{pool: pool, cfg: cfg, root: root}

	n, err := b.loadNode(root)
	if err != nil {
		return nil, err
	}
	b.height = int(n.level) + 1

	// Walk the leftmost path, then the leaf chain.
	depth := 0
	for !n.isLeaf {
		if depth++; depth > maxTreeDepth {
			return nil, corruption("tree from page %d is deeper than %d levels", root, maxTreeDepth)
		}
		if len(n.children) == 0 {
			return nil, corruption("internal node %d has no children", n.id)
		}
		if n, err = b.loadNode(n.children[0]); err != nil {
			return nil, err
		}
	}
	size := 0
	for {
		size += len(n.keys)
		if n.next == InvalidPageID {
			break
		}
		if n, err = b.loadNode(n.next); err != nil {
			return nil, err
		}
	}
	b.size = size
	return b, nil
}

func (b *BTree) maxKeys() int { return 2*b.cfg.MinDegree - 1 }
func (b *BTree) minKeys() int { return b.cfg.MinDegree - 1 }

func (b *BTree) cmp(a, c Value) int {
	if b.cfg.Comparator != nil {
		return b.cfg.Comparator(a, c)
	}
	return Compare(a, c)
}

// usable guards every operation; corruption or an invariant violation met
// by Insert or Remove leaves the tree refusing work until reopened.
func (b *BTree) usable() error {
	if b.failed != nil {
		return failedPrecondition("tree is unusable after: %v", b.failed)
	}
	return nil
}

func (b *BTree) fail(err error) error {
	if IsCorruption(err) || Code(err) == CodeInternal {
		b.failed = err
	}
	return err
}

func (b *BTree) loadNode(id PageID) (*treeNode, error) {
	page, err := b.pool.FetchPage(id)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(page)
	b.pool.UnpinPage(id, false)
	return n, err
}

// writeNode re-encodes a decoded node into its page and marks it dirty.
func (b *BTree) writeNode(n *treeNode) error {
	page, err := b.pool.FetchPage(n.id)
	if err != nil {
		return err
	}
	err = n.encodeNode(page)
	b.pool.UnpinPage(n.id, err == nil)
	return err
}

// createNode allocates a fresh page and returns its empty decoded node.
// A leaf is encoded into the page at once; an internal node has no
// children yet, so the caller encodes it with writeNode once it has them.
func (b *BTree) createNode(isLeaf bool, level uint8) (*treeNode, error) {
	t := PageTypeBTreeInternal
	if isLeaf {
		t = PageTypeBTreeLeaf
	}
	page, err := b.pool.NewPage(t)
	if err != nil {
		return nil, err
	}
	n := &treeNode{id: page.ID(), isLeaf: isLeaf, level: level}
	if isLeaf {
		err = n.encodeNode(page)
	}
	b.pool.UnpinPage(n.id, true)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// freeNode drops the node from the pool and returns its page to the
// backend's free list.
func (b *BTree) freeNode(id PageID) error {
	if err := b.pool.DeletePage(id); err != nil {
		return err
	}
	if b.pool.backend != nil {
		return b.pool.backend.DeallocatePage(id)
	}
	return nil
}

// lowerBound returns the smallest index i with keys[i] >= key.
func (b *BTree) lowerBound(keys []Value, key Value) int {
	return sort.Search(len(keys), func(i int) bool {
		return b.cmp(keys[i], key) >= 0
	})
}

// childIndex applies the descent rule: follow child[i] when keys[i] > key,
// child[i+1] on equality, since a separator key also lives in its right
// subtree.
func (b *BTree) childIndex(n *treeNode, key Value) int {
	i := b.lowerBound(n.keys, key)
	if i < len(n.keys) && b.cmp(n.keys[i], key) == 0 {
		return i + 1
	}
	return i
}

// descend walks from the root to the leaf covering key, recording the
// internal nodes and the child indexes taken.
func (b *BTree) descend(key Value) (*treeNode, []pathEntry, error) {
	cur, err := b.loadNode(b.root)
	if err != nil {
		return nil, nil, err
	}
	var path []pathEntry
	for !cur.isLeaf {
		if len(path) >= maxTreeDepth {
			return nil, nil, internalErr("descent exceeded %d levels", maxTreeDepth)
		}
		if len(cur.children) != len(cur.keys)+1 {
			return nil, nil, internalErr("internal node %d has %d keys but %d children", cur.id, len(cur.keys), len(cur.children))
		}
		i := b.childIndex(cur, key)
		path = append(path, pathEntry{cur, i})
		if cur, err = b.loadNode(cur.children[i]); err != nil {
			return nil, nil, err
		}
	}
	return cur, path, nil
}

// Find returns the value stored under key, or NotFound. With duplicates it
// returns the first occurrence.
func (b *BTree) Find(key Value) (Value, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.usable(); err != nil {
		return Value{}, err
	}

	leaf, _, err := b.descend(key)
	if err != nil {
		return Value{}, err
	}
	i := b.lowerBound(leaf.keys, key)
	if i < len(leaf.keys) && b.cmp(leaf.keys[i], key) == 0 {
		return leaf.values[i], nil
	}
	return Value{}, notFound("key %s", key)
}

// Contains reports whether key is present.
func (b *BTree) Contains(key Value) (bool, error) {
	_, err := b.Find(key)
	if err == nil {
		return true, nil
	}
	if Code(err) == CodeNotFound {
		return false, nil
	}
	return false, err
}

// Insert stores a new entry. It is not a replace: with duplicates
// disallowed, inserting an existing key returns AlreadyExists and leaves
// the tree untouched.
func (b *BTree) Insert(key, value Value) error {
	if key.SerializedSize() > MaxKeySize {
		return newError(CodeKeyTooLarge, "key of %d bytes exceeds limit %d", key.SerializedSize(), MaxKeySize)
	}
	if value.SerializedSize() > MaxValueSize {
		return newError(CodeValueTooLarge, "value of %d bytes exceeds limit %d", value.SerializedSize(), MaxValueSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}

	leaf, path, err := b.descend(key)
	if err != nil {
		return b.fail(err)
	}

	i := b.lowerBound(leaf.keys, key)
	if !b.cfg.AllowDuplicates && i < len(leaf.keys) && b.cmp(leaf.keys[i], key) == 0 {
		return alreadyExists("duplicate key %s", key)
	}

	leaf.keys = insertValue(leaf.keys, i, key)
	leaf.values = insertValue(leaf.values, i, value)

	if err := b.propagateSplits(leaf, path); err != nil {
		return b.fail(err)
	}
	b.size++
	return nil
}

// propagateSplits writes the mutated node and splits upward until every
// touched node fits, creating a new root when the split reaches the top.
// Split boundaries flush eagerly; a root change flushes last.
func (b *BTree) propagateSplits(n *treeNode, path []pathEntry) error {
	for b.overfull(n) {
		right, sep, err := b.splitNode(n)
		if err != nil {
			return err
		}

		if len(path) == 0 {
			newRoot, err := b.createNode(false, n.level+1)
			if err != nil {
				return err
			}
			newRoot.keys = []Value{sep}
			newRoot.children = []PageID{n.id, right.id}
			n.parent = newRoot.id
			right.parent = newRoot.id

			if err := b.writeNode(n); err != nil {
				return err
			}
			if err := b.writeNode(right); err != nil {
				return err
			}
			if err := b.writeNode(newRoot); err != nil {
				return err
			}
			if err := b.pool.FlushPage(n.id); err != nil {
				return err
			}
			if err := b.pool.FlushPage(right.id); err != nil {
				return err
			}
			// Root lands last so the tree stays reachable at every point.
			if err := b.pool.FlushPage(newRoot.id); err != nil {
				return err
			}
			b.root = newRoot.id
			b.height++
			return nil
		}

		parent := path[len(path)-1].node
		ci := path[len(path)-1].childIdx
		path = path[:len(path)-1]

		parent.keys = insertValue(parent.keys, ci, sep)
		parent.children = insertPageID(parent.children, ci+1, right.id)
		right.parent = parent.id

		if err := b.writeNode(n); err != nil {
			return err
		}
		if err := b.writeNode(right); err != nil {
			return err
		}
		if err := b.pool.FlushPage(n.id); err != nil {
			return err
		}
		if err := b.pool.FlushPage(right.id); err != nil {
			return err
		}
		n = parent
	}
	return b.writeNode(n)
}

// overfull reports whether a node must split: too many keys, or a body
// that no longer fits the page.
func (b *BTree) overfull(n *treeNode) bool {
	return len(n.keys) > b.maxKeys() || n.bodySize() > nodeCapacity
}

// splitNode divides n at the midpoint into n and a new right sibling and
// returns the separator to promote. Leaf splits copy the separator up;
// internal splits move the median up.
func (b *BTree) splitNode(n *treeNode) (*treeNode, Value, error) {
	if len(n.keys) < 2 {
		return nil, Value{}, internalErr("cannot split node %d with %d keys", n.id, len(n.keys))
	}

	right, err := b.createNode(n.isLeaf, n.level)
	if err != nil {
		return nil, Value{}, err
	}
	right.parent = n.parent

	mid := len(n.keys) / 2
	var sep Value
	if n.isLeaf {
		right.keys = append([]Value(nil), n.keys[mid:]...)
		right.values = append([]Value(nil), n.values[mid:]...)
		n.keys = n.keys[:mid:mid]
		n.values = n.values[:mid:mid]
		sep = right.keys[0]

		// Four pointer updates stitch the new sibling into the leaf
		// chain, including the old successor's back-pointer.
		right.next = n.next
		right.prev = n.id
		n.next = right.id
		if right.next != InvalidPageID {
			succ, err := b.loadNode(right.next)
			if err != nil {
				return nil, Value{}, err
			}
			succ.prev = right.id
			if err := b.writeNode(succ); err != nil {
				return nil, Value{}, err
			}
		}
	} else {
		sep = n.keys[mid]
		right.keys = append([]Value(nil), n.keys[mid+1:]...)
		right.children = append([]PageID(nil), n.children[mid+1:]...)
		n.keys = n.keys[:mid:mid]
		n.children = n.children[: mid+1 : mid+1]
		if err := b.adoptChildren(right); err != nil {
			return nil, Value{}, err
		}
	}
	return right, sep, nil
}

// adoptChildren repoints the parent field of every child of n to n.
func (b *BTree) adoptChildren(n *treeNode) error {
	for _, c := range n.children {
		child, err := b.loadNode(c)
		if err != nil {
			return err
		}
		child.parent = n.id
		if err := b.writeNode(child); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes exactly one entry under key, the first occurrence when
// duplicates exist.
func (b *BTree) Remove(key Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}

	leaf, path, err := b.descend(key)
	if err != nil {
		return b.fail(err)
	}
	i := b.lowerBound(leaf.keys, key)
	if i >= len(leaf.keys) || b.cmp(leaf.keys[i], key) != 0 {
		return notFound("key %s", key)
	}

	leaf.keys = removeValue(leaf.keys, i)
	leaf.values = removeValue(leaf.values, i)

	if err := b.rebalance(leaf, path); err != nil {
		return b.fail(err)
	}
	b.size--
	return nil
}

// rebalance restores the minimum-occupancy invariant from the mutated
// node upward: borrow from a sibling when one can lend, otherwise merge
// and recurse into the parent. A root that thins to zero keys is replaced
// by its sole child.
func (b *BTree) rebalance(n *treeNode, path []pathEntry) error {
	for {
		if n.id == b.root {
			if !n.isLeaf && len(n.keys) == 0 {
				child, err := b.loadNode(n.children[0])
				if err != nil {
					return err
				}
				child.parent = InvalidPageID
				if err := b.writeNode(child); err != nil {
					return err
				}
				if err := b.pool.FlushPage(child.id); err != nil {
					return err
				}
				if err := b.freeNode(n.id); err != nil {
					return err
				}
				b.root = child.id
				b.height--
				return nil
			}
			return b.writeNode(n)
		}

		if len(n.keys) >= b.minKeys() {
			return b.writeNode(n)
		}

		parent := path[len(path)-1].node
		ci := path[len(path)-1].childIdx
		if len(parent.children) < 2 {
			return internalErr("internal node %d has a single child", parent.id)
		}

		if ci > 0 {
			left, err := b.loadNode(parent.children[ci-1])
			if err != nil {
				return err
			}
			if len(left.keys) > b.minKeys() {
				return b.borrowFromLeft(parent, ci, n, left)
			}
		}
		if ci < len(parent.children)-1 {
			right, err := b.loadNode(parent.children[ci+1])
			if err != nil {
				return err
			}
			if len(right.keys) > b.minKeys() {
				return b.borrowFromRight(parent, ci, n, right)
			}
			// Right sibling exists but cannot lend: merge into n.
			if err := b.mergeRight(parent, ci, n, right); err != nil {
				return err
			}
		} else {
			left, err := b.loadNode(parent.children[ci-1])
			if err != nil {
				return err
			}
			if err := b.mergeLeft(parent, ci, left, n); err != nil {
				return err
			}
		}

		n = parent
		path = path[:len(path)-1]
	}
}

// borrowFromLeft shifts the left sibling's last entry into n and refreshes
// the separator. Internal transfers route through the parent's separator
// and carry a child subtree.
func (b *BTree) borrowFromLeft(parent *treeNode, ci int, n, left *treeNode) error {
	last := len(left.keys) - 1
	if n.isLeaf {
		n.keys = insertValue(n.keys, 0, left.keys[last])
		n.values = insertValue(n.values, 0, left.values[last])
		left.keys = removeValue(left.keys, last)
		left.values = removeValue(left.values, last)
		parent.keys[ci-1] = n.keys[0]
	} else {
		n.keys = insertValue(n.keys, 0, parent.keys[ci-1])
		moved := left.children[len(left.children)-1]
		n.children = insertPageID(n.children, 0, moved)
		parent.keys[ci-1] = left.keys[last]
		left.keys = removeValue(left.keys, last)
		left.children = left.children[: len(left.children)-1 : len(left.children)-1]
		child, err := b.loadNode(moved)
		if err != nil {
			return err
		}
		child.parent = n.id
		if err := b.writeNode(child); err != nil {
			return err
		}
	}
	return b.flushRebalanced(left, n, parent)
}

// borrowFromRight mirrors borrowFromLeft with the right sibling's first
// entry.
func (b *BTree) borrowFromRight(parent *treeNode, ci int, n, right *treeNode) error {
	if n.isLeaf {
		n.keys = append(n.keys, right.keys[0])
		n.values = append(n.values, right.values[0])
		right.keys = removeValue(right.keys, 0)
		right.values = removeValue(right.values, 0)
		parent.keys[ci] = right.keys[0]
	} else {
		n.keys = append(n.keys, parent.keys[ci])
		moved := right.children[0]
		n.children = append(n.children, moved)
		parent.keys[ci] = right.keys[0]
		right.keys = removeValue(right.keys, 0)
		right.children = append([]PageID(nil), right.children[1:]...)
		child, err := b.loadNode(moved)
		if err != nil {
			return err
		}
		child.parent = n.id
		if err := b.writeNode(child); err != nil {
			return err
		}
	}
	return b.flushRebalanced(right, n, parent)
}

func (b *BTree) flushRebalanced(sibling, n, parent *treeNode) error {
	if err := b.writeNode(sibling); err != nil {
		return err
	}
	if err := b.writeNode(n); err != nil {
		return err
	}
	if err := b.writeNode(parent); err != nil {
		return err
	}
	for _, id := range []PageID{sibling.id, n.id, parent.id} {
		if err := b.pool.FlushPage(id); err != nil {
			return err
		}
	}
	return nil
}

// mergeRight absorbs the right sibling into n, pulling the separator down
// for internal nodes, and drops the separator and child from the parent.
func (b *BTree) mergeRight(parent *treeNode, ci int, n, right *treeNode) error {
	if n.isLeaf {
		n.keys = append(n.keys, right.keys...)
		n.values = append(n.values, right.values...)
		n.next = right.next
		if right.next != InvalidPageID {
			succ, err := b.loadNode(right.next)
			if err != nil {
				return err
			}
			succ.prev = n.id
			if err := b.writeNode(succ); err != nil {
				return err
			}
		}
	} else {
		n.keys = append(n.keys, parent.keys[ci])
		n.keys = append(n.keys, right.keys...)
		n.children = append(n.children, right.children...)
		if err := b.adoptChildren(n); err != nil {
			return err
		}
	}
	parent.keys = removeValue(parent.keys, ci)
	parent.children = removePageID(parent.children, ci+1)

	if err := b.writeNode(n); err != nil {
		return err
	}
	if err := b.pool.FlushPage(n.id); err != nil {
		return err
	}
	return b.freeNode(right.id)
}

// mergeLeft absorbs n into its left sibling when n is the rightmost child.
func (b *BTree) mergeLeft(parent *treeNode, ci int, left, n *treeNode) error {
	if n.isLeaf {
		left.keys = append(left.keys, n.keys...)
		left.values = append(left.values, n.values...)
		left.next = n.next
		if n.next != InvalidPageID {
			succ, err := b.loadNode(n.next)
			if err != nil {
				return err
			}
			succ.prev = left.id
			if err := b.writeNode(succ); err != nil {
				return err
			}
		}
	} else {
		left.keys = append(left.keys, parent.keys[ci-1])
		left.keys = append(left.keys, n.keys...)
		left.children = append(left.children, n.children...)
		if err := b.adoptChildren(left); err != nil {
			return err
		}
	}
	parent.keys = removeValue(parent.keys, ci-1)
	parent.children = removePageID(parent.children, ci)

	if err := b.writeNode(left); err != nil {
		return err
	}
	if err := b.pool.FlushPage(left.id); err != nil {
		return err
	}
	return b.freeNode(n.id)
}

// RangeScan returns every entry with start <= key <= end in ascending key
// order. Empty when start > end.
func (b *BTree) RangeScan(start, end Value) ([]BTreeEntry, error) {
	return b.RangeScanLimit(start, end, 0)
}

// RangeScanLimit is RangeScan capped at limit entries; limit 0 means
// unlimited.
func (b *BTree) RangeScanLimit(start, end Value, limit int) ([]BTreeEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	if b.cmp(start, end) > 0 {
		return nil, nil
	}

	leaf, _, err := b.descend(start)
	if err != nil {
		return nil, err
	}

	var out []BTreeEntry
	i := b.lowerBound(leaf.keys, start)
	for {
		for ; i < len(leaf.keys); i++ {
			if b.cmp(leaf.keys[i], end) > 0 {
				return out, nil
			}
			out = append(out, BTreeEntry{leaf.keys[i], leaf.values[i]})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if leaf.next == InvalidPageID {
			return out, nil
		}
		if leaf, err = b.loadNode(leaf.next); err != nil {
			return nil, err
		}
		i = 0
	}
}

// BulkInsert repeats Insert over entries under the single-writer lock of
// each operation. Returns how many inserted; duplicates are skipped, any
// other error stops the batch.
func (b *BTree) BulkInsert(entries []BTreeEntry) (int, error) {
	done := 0
	for _, e := range entries {
		err := b.Insert(e.Key, e.Value)
		switch {
		case err == nil:
			done++
		case Code(err) == CodeAlreadyExists:
		default:
			return done, err
		}
	}
	return done, nil
}

// BulkRemove repeats Remove over keys. Returns how many were removed;
// missing keys are skipped, any other error stops the batch.
func (b *BTree) BulkRemove(keys []Value) (int, error) {
	done := 0
	for _, k := range keys {
		err := b.Remove(k)
		switch {
		case err == nil:
			done++
		case Code(err) == CodeNotFound:
		default:
			return done, err
		}
	}
	return done, nil
}

// Size returns the number of entries.
func (b *BTree) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Height returns the number of levels; a lone root leaf has height 1.
func (b *BTree) Height() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.height
}

// Empty reports whether the tree holds no entries.
func (b *BTree) Empty() bool { return b.Size() == 0 }

// RootPageID returns the tree's external identity. Persist it to reopen
// the tree later.
func (b *BTree) RootPageID() PageID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.root
}

func insertValue(s []Value, i int, v Value) []Value {
	s = append(s, Value{})
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeValue(s []Value, i int) []Value {
	copy(s[i:], s[i+1:])
	return s[:len(s)-1]
}

func insertPageID(s []PageID, i int, id PageID) []PageID {
	s = append(s, InvalidPageID)
	copy(s[i+1:], s[i:])
	s[i] = id
	return s
}

func removePageID(s []PageID, i int) []PageID {
	copy(s[i:], s[i+1:])
	return s[:len(s)-1]
}
