package lumen

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

// lookasideSize bounds the point-read cache in entries.
const lookasideSize = 1024

// DB ties the storage backend, buffer pool, default table index, and the
// named-index catalog into one handle. Point reads go through a bounded
// lookaside cache in front of the tree.
type DB struct {
	mu     sync.RWMutex
	opts   Options
	logger Logger

	backend *FileBackend
	pool    *BufferPool
	table   *BTree

	catalog     *catalog
	catalogPage PageID
	indexes     map[string]*BTree

	cache  *freelru.SyncedLRU[string, Value]
	closed bool
}

func hashCacheKey(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}

func cacheKey(key Value) string {
	return string(key.AppendTo(nil))
}

// Open opens or creates the database at path.
func Open(path string, options ...Option) (*DB, error) {
	opts := DefaultOptions(path)
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = DiscardLogger{}
	}

	backend, err := OpenBackend(opts)
	if err != nil {
		return nil, err
	}
	pool := NewBufferPool(opts.PoolFrames, backend, opts.Eviction)
	pool.SetLogger(opts.Logger)

	d := &DB{
		opts:    opts,
		logger:  opts.Logger,
		backend: backend,
		pool:    pool,
		indexes: make(map[string]*BTree),
	}

	header := backend.Header()
	if header.TableRoot == InvalidPageID {
		d.table, err = NewBTree(pool, DefaultBTreeConfig())
		if err == nil {
			backend.SetTableRoot(d.table.RootPageID())
			err = backend.WriteHeader()
		}
	} else {
		d.table, err = OpenBTree(pool, header.TableRoot, DefaultBTreeConfig())
	}
	if err != nil {
		backend.Close()
		return nil, err
	}

	if header.MetadataRoot == InvalidPageID {
		d.catalogPage, err = createCatalogPage(pool)
		if err == nil {
			d.catalog = newCatalog()
			backend.SetMetadataRoot(d.catalogPage)
			err = backend.WriteHeader()
		}
	} else {
		d.catalogPage = header.MetadataRoot
		d.catalog, err = loadCatalog(pool, d.catalogPage)
	}
	if err != nil {
		backend.Close()
		return nil, err
	}

	d.cache, err = freelru.NewSynced[string, Value](lookasideSize, hashCacheKey)
	if err != nil {
		backend.Close()
		return nil, internalErr("build lookaside cache: %v", err)
	}
	return d, nil
}

// Put inserts a new entry into the default table. It is not an upsert; an
// existing key yields AlreadyExists.
func (d *DB) Put(key, value Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.table.Insert(key, value); err != nil {
		return err
	}
	d.cache.Add(cacheKey(key), value)
	d.syncTableRootLocked()
	return nil
}

// Get returns the value under key, serving repeated point reads from the
// lookaside cache.
func (d *DB) Get(key Value) (Value, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Value{}, ErrClosed
	}
	if v, ok := d.cache.Get(cacheKey(key)); ok {
		return v, nil
	}
	v, err := d.table.Find(key)
	if err != nil {
		return Value{}, err
	}
	d.cache.Add(cacheKey(key), v)
	return v, nil
}

// Has reports whether key is present in the default table.
func (d *DB) Has(key Value) (bool, error) {
	_, err := d.Get(key)
	if err == nil {
		return true, nil
	}
	if Code(err) == CodeNotFound {
		return false, nil
	}
	return false, err
}

// Delete removes key from the default table.
func (d *DB) Delete(key Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.table.Remove(key); err != nil {
		return err
	}
	d.cache.Remove(cacheKey(key))
	d.syncTableRootLocked()
	return nil
}

// Scan returns the table entries with start <= key <= end.
func (d *DB) Scan(start, end Value) ([]BTreeEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.table.RangeScan(start, end)
}

// ScanLimit is Scan capped at limit entries.
func (d *DB) ScanLimit(start, end Value, limit int) ([]BTreeEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.table.RangeScanLimit(start, end, limit)
}

// Table exposes the default table index directly.
func (d *DB) Table() *BTree { return d.table }

// CreateIndex builds a new named index and records it in the catalog.
func (d *DB) CreateIndex(name string, cfg BTreeConfig) (*BTree, error) {
	if name == "" {
		return nil, invalidArgument("index name is empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if _, ok := d.catalog.Indexes[name]; ok {
		return nil, alreadyExists("index %q already exists", name)
	}

	tree, err := NewBTree(d.pool, cfg)
	if err != nil {
		return nil, err
	}
	d.catalog.Indexes[name] = catalogEntry{
		Root:            uint32(tree.RootPageID()),
		MinDegree:       tree.cfg.MinDegree,
		AllowDuplicates: cfg.AllowDuplicates,
	}
	if err := saveCatalog(d.pool, d.catalogPage, d.catalog); err != nil {
		return nil, err
	}
	d.indexes[name] = tree
	d.logger.Info("created index", "name", name, "root", tree.RootPageID())
	return tree, nil
}

// OpenIndex returns a handle to a named index, opening it from its
// cataloged root on first use. A custom comparator cannot be persisted;
// pass the same one the index was built with via OpenIndexWith.
func (d *DB) OpenIndex(name string) (*BTree, error) {
	return d.OpenIndexWith(name, nil)
}

// OpenIndexWith opens a named index applying the caller's comparator.
func (d *DB) OpenIndexWith(name string, comparator func(a, b Value) int) (*BTree, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if tree, ok := d.indexes[name]; ok {
		return tree, nil
	}
	entry, ok := d.catalog.Indexes[name]
	if !ok {
		return nil, notFound("index %q", name)
	}

	tree, err := OpenBTree(d.pool, PageID(entry.Root), BTreeConfig{
		MinDegree:       entry.MinDegree,
		Comparator:      comparator,
		AllowDuplicates: entry.AllowDuplicates,
	})
	if err != nil {
		return nil, err
	}
	d.indexes[name] = tree
	return tree, nil
}

// Stats returns the buffer pool counters.
func (d *DB) Stats() StatsSnapshot { return d.pool.Stats() }

// syncTableRootLocked propagates a root change (from splits or collapses)
// into the file header.
func (d *DB) syncTableRootLocked() {
	root := d.table.RootPageID()
	if d.backend.Header().TableRoot != root {
		d.backend.SetTableRoot(root)
		if err := d.backend.WriteHeader(); err != nil {
			d.logger.Error("persist table root", "root", root, "error", err)
		}
	}
}

// syncCatalogLocked refreshes cataloged roots from the open index handles.
func (d *DB) syncCatalogLocked() error {
	changed := false
	for name, tree := range d.indexes {
		entry := d.catalog.Indexes[name]
		if entry.Root != uint32(tree.RootPageID()) {
			entry.Root = uint32(tree.RootPageID())
			d.catalog.Indexes[name] = entry
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return saveCatalog(d.pool, d.catalogPage, d.catalog)
}

// Sync flushes every dirty page and persists the header and catalog.
func (d *DB) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.syncCatalogLocked(); err != nil {
		return err
	}
	if err := d.pool.FlushAll(); err != nil {
		return err
	}
	d.syncTableRootLocked()
	return d.backend.WriteHeader()
}

// Close flushes the pool, persists the roots, and closes the file.
// Committed writes that have been flushed survive the restart.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true

	if err := d.syncCatalogLocked(); err != nil {
		d.backend.Close()
		return err
	}
	if err := d.pool.FlushAll(); err != nil {
		d.backend.Close()
		return err
	}
	d.backend.SetTableRoot(d.table.RootPageID())
	return d.backend.Close()
}
