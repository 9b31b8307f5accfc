package lumen

import (
	"github.com/vmihailenco/msgpack"
)

// catalogSlot is the slot holding the encoded catalog document inside the
// metadata page.
const catalogSlot SlotID = 0

// catalogEntry records everything needed to reopen a named index.
type catalogEntry struct {
	Root            uint32 `msgpack:"root"`
	MinDegree       int    `msgpack:"min_degree"`
	AllowDuplicates bool   `msgpack:"allow_duplicates"`
}

// catalog is the name -> index directory persisted as a msgpack document
// in the metadata page referenced by the file header.
type catalog struct {
	Indexes map[string]catalogEntry `msgpack:"indexes"`
}

func newCatalog() *catalog {
	return &catalog{Indexes: make(map[string]catalogEntry)}
}

// createCatalogPage allocates the metadata page for a fresh database and
// returns its ID.
func createCatalogPage(pool *BufferPool) (PageID, error) {
	page, err := pool.NewPage(PageTypeMeta)
	if err != nil {
		return InvalidPageID, err
	}
	id := page.ID()
	pool.UnpinPage(id, true)
	if err := pool.FlushPage(id); err != nil {
		return InvalidPageID, err
	}
	return id, nil
}

// loadCatalog decodes the catalog document from the metadata page. A page
// without the document yet yields an empty catalog.
func loadCatalog(pool *BufferPool, id PageID) (*catalog, error) {
	page, err := pool.FetchPage(id)
	if err != nil {
		return nil, err
	}
	defer pool.UnpinPage(id, false)

	if page.SlotCount() == 0 {
		return newCatalog(), nil
	}
	raw, err := page.GetRecord(catalogSlot)
	if err != nil {
		return nil, err
	}
	c := newCatalog()
	if err := msgpack.Unmarshal(raw, c); err != nil {
		return nil, corruption("metadata page %d holds an undecodable catalog: %v", id, err)
	}
	if c.Indexes == nil {
		c.Indexes = make(map[string]catalogEntry)
	}
	return c, nil
}

// saveCatalog re-encodes the document into the metadata page and flushes.
func saveCatalog(pool *BufferPool, id PageID, c *catalog) error {
	raw, err := msgpack.Marshal(c)
	if err != nil {
		return internalErr("encode catalog: %v", err)
	}
	if len(raw) > MaxRecordSize {
		return newError(CodeValueTooLarge, "catalog of %d bytes exceeds the metadata page", len(raw))
	}

	page, err := pool.FetchPage(id)
	if err != nil {
		return err
	}
	if page.SlotCount() == 0 {
		_, err = page.InsertRecord(raw)
	} else {
		err = page.UpdateRecord(catalogSlot, raw)
	}
	pool.UnpinPage(id, err == nil)
	if err != nil {
		return err
	}
	return pool.FlushPage(id)
}
