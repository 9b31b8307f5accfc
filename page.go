package lumen

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// PageSize is the fixed on-disk page size, chosen at build time.
	PageSize = 4096

	// pagePreludeSize is the common 16-byte header every content page
	// carries: page_id(4) type(1) flags(1) free_space(2) checksum(4) lsn(4).
	pagePreludeSize = 16

	// slottedHeaderSize is the per-type section header of slotted pages:
	// free_space_offset(2) free_space_size(2) slot_count(2) reserved(2).
	slottedHeaderSize = 8

	pageDataOffset = pagePreludeSize + slottedHeaderSize

	slotEntrySize = 4

	checksumOffset = 8

	// MaxRecordSize is the largest record a slotted page accepts: the page
	// minus the headers and one slot entry.
	MaxRecordSize = PageSize - pageDataOffset - slotEntrySize
)

// PageID identifies a page in the database file. ID 0 is reserved for the
// file header and doubles as the invalid ID.
type PageID uint32

// InvalidPageID marks a missing page reference.
const InvalidPageID PageID = 0

// SlotID indexes a record inside a slotted page.
type SlotID uint16

// FrameID indexes a frame inside the buffer pool.
type FrameID uint32

// PageType discriminates the per-type section that follows the prelude.
type PageType uint8

const (
	PageTypeInvalid       PageType = 0x00
	PageTypeHeader        PageType = 0x01
	PageTypeMeta          PageType = 0x02
	PageTypeData          PageType = 0x03
	PageTypeBTreeInternal PageType = 0x04
	PageTypeBTreeLeaf     PageType = 0x05
	PageTypeVectorIndex   PageType = 0x06
	PageTypeOverflow      PageType = 0x07
	PageTypeFreeList      PageType = 0x08
)

// Page is a fixed-size byte block holding the full on-disk image. Slotted
// record operations apply to data and metadata pages; B+Tree node pages
// reuse the same prelude but carry a node section instead (see node.go).
//
// SLOTTED PAGE LAYOUT:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│ prelude (16 bytes)                                           │
//	│ page_id, type, flags, free_space, checksum, lsn              │
//	├──────────────────────────────────────────────────────────────┤
//	│ slotted header (8 bytes)                                     │
//	│ free_space_offset, free_space_size, slot_count, reserved     │
//	├──────────────────────────────────────────────────────────────┤
//	│ slot directory: slot_count x {offset u16, length u16}        │
//	│ grows forward →                                              │
//	├──────────────────────────────────────────────────────────────┤
//	│ free space                                                   │
//	├──────────────────────────────────────────────────────────────┤
//	│ record heap, packed against the page tail                    │
//	│ ← grows backward                                             │
//	└──────────────────────────────────────────────────────────────┘
type Page struct {
	buf   [PageSize]byte
	dirty bool
}

// NewPage returns an initialized empty page of the given type. The page is
// born dirty.
func NewPage(id PageID, t PageType) *Page {
	p := &Page{dirty: true}
	binary.LittleEndian.PutUint32(p.buf[0:], uint32(id))
	p.buf[4] = byte(t)
	p.setFreeSpaceOffset(pageDataOffset)
	p.setFreeSpaceSize(PageSize - pageDataOffset)
	return p
}

// ID returns the page identifier. It is immutable after creation.
func (p *Page) ID() PageID {
	return PageID(binary.LittleEndian.Uint32(p.buf[0:]))
}

// Type returns the page type tag.
func (p *Page) Type() PageType { return PageType(p.buf[4]) }

// SetType updates the page type tag and marks the page dirty.
func (p *Page) SetType(t PageType) {
	p.buf[4] = byte(t)
	p.dirty = true
}

// Flags returns the on-disk flags byte.
func (p *Page) Flags() uint8 { return p.buf[5] }

// SetFlags replaces the on-disk flags byte.
func (p *Page) SetFlags(f uint8) {
	p.buf[5] = f
	p.dirty = true
}

// LSN returns the log sequence number. Reserved for a future WAL.
func (p *Page) LSN() uint32 { return binary.LittleEndian.Uint32(p.buf[12:]) }

// SetLSN stamps the log sequence number.
func (p *Page) SetLSN(lsn uint32) {
	binary.LittleEndian.PutUint32(p.buf[12:], lsn)
	p.dirty = true
}

// Dirty reports whether the page has been modified since the last write.
func (p *Page) Dirty() bool { return p.dirty }

// MarkDirty flags the page as modified.
func (p *Page) MarkDirty() { p.dirty = true }

// MarkClean clears the dirty flag. Called by the buffer pool after a
// successful write-back; nothing else clears it.
func (p *Page) MarkClean() { p.dirty = false }

// section returns the per-type section after the prelude.
func (p *Page) section() []byte { return p.buf[pagePreludeSize:] }

func (p *Page) setPreludeFreeSpace(n uint16) {
	binary.LittleEndian.PutUint16(p.buf[6:], n)
}

// FreeSpaceSize returns the total free bytes in the page, holes included.
func (p *Page) FreeSpaceSize() uint16 {
	return binary.LittleEndian.Uint16(p.buf[18:])
}

func (p *Page) setFreeSpaceSize(n uint16) {
	binary.LittleEndian.PutUint16(p.buf[18:], n)
	p.setPreludeFreeSpace(n)
}

// FreeSpaceOffset returns the offset where the contiguous free region
// begins, directly after the slot directory.
func (p *Page) FreeSpaceOffset() uint16 {
	return binary.LittleEndian.Uint16(p.buf[16:])
}

func (p *Page) setFreeSpaceOffset(n uint16) {
	binary.LittleEndian.PutUint16(p.buf[16:], n)
}

// SlotCount returns the number of slot directory entries, free included.
func (p *Page) SlotCount() uint16 {
	return binary.LittleEndian.Uint16(p.buf[20:])
}

func (p *Page) setSlotCount(n uint16) {
	binary.LittleEndian.PutUint16(p.buf[20:], n)
}

func (p *Page) slotOffset(id SlotID) int {
	return pageDataOffset + int(id)*slotEntrySize
}

func (p *Page) slot(id SlotID) (offset, length uint16) {
	off := p.slotOffset(id)
	return binary.LittleEndian.Uint16(p.buf[off:]), binary.LittleEndian.Uint16(p.buf[off+2:])
}

func (p *Page) setSlot(id SlotID, offset, length uint16) {
	off := p.slotOffset(id)
	binary.LittleEndian.PutUint16(p.buf[off:], offset)
	binary.LittleEndian.PutUint16(p.buf[off+2:], length)
}

// slotFree reports whether the directory entry is reusable. A slot with
// offset 0 and length 0 is free.
func slotFree(offset, length uint16) bool { return offset == 0 && length == 0 }

func (p *Page) dirEnd() int {
	return pageDataOffset + int(p.SlotCount())*slotEntrySize
}

// heapStart returns the lowest offset occupied by a live record, or
// PageSize when the heap is empty.
func (p *Page) heapStart() int {
	start := PageSize
	for id := SlotID(0); id < SlotID(p.SlotCount()); id++ {
		off, length := p.slot(id)
		if slotFree(off, length) {
			continue
		}
		if int(off) < start {
			start = int(off)
		}
	}
	return start
}

func (p *Page) findFreeSlot() (SlotID, bool) {
	for id := SlotID(0); id < SlotID(p.SlotCount()); id++ {
		if off, length := p.slot(id); slotFree(off, length) {
			return id, true
		}
	}
	return 0, false
}

// InsertRecord stores data in the heap and returns its slot. Free slots
// are consumed before the directory grows. Returns OutOfRange when the
// record does not fit the contiguous free region; the caller may Compact
// and retry if FreeSpaceSize still covers it.
func (p *Page) InsertRecord(data []byte) (SlotID, error) {
	if len(data) > MaxRecordSize {
		return 0, newError(CodeValueTooLarge, "record of %d bytes exceeds page capacity %d", len(data), MaxRecordSize)
	}

	id, reuse := p.findFreeSlot()
	need := len(data)
	if !reuse {
		need += slotEntrySize
	}
	if need > int(p.FreeSpaceSize()) {
		return 0, newError(CodeOutOfRange, "no space for %d byte record in page %d", len(data), p.ID())
	}

	dirEnd := p.dirEnd()
	if !reuse {
		dirEnd += slotEntrySize
	}
	heap := p.heapStart()
	if heap-dirEnd < len(data) {
		// Space exists only as holes; the caller compacts and retries.
		return 0, newError(CodeOutOfRange, "page %d requires compaction for %d byte record", p.ID(), len(data))
	}

	recOff := heap - len(data)
	copy(p.buf[recOff:], data)
	if !reuse {
		id = SlotID(p.SlotCount())
		p.setSlotCount(p.SlotCount() + 1)
	}
	p.setSlot(id, uint16(recOff), uint16(len(data)))
	p.setFreeSpaceOffset(uint16(p.dirEnd()))
	p.setFreeSpaceSize(p.FreeSpaceSize() - uint16(need))
	p.dirty = true
	return id, nil
}

// UpdateRecord replaces the record in slot id. Same-size updates happen in
// place; size changes delete and reinsert, preserving the slot. Returns
// OutOfRange when the new record cannot fit even after compaction.
func (p *Page) UpdateRecord(id SlotID, data []byte) error {
	if id >= SlotID(p.SlotCount()) {
		return notFound("slot %d out of range in page %d", id, p.ID())
	}
	off, length := p.slot(id)
	if slotFree(off, length) {
		return notFound("slot %d is free in page %d", id, p.ID())
	}
	if len(data) == int(length) {
		copy(p.buf[off:], data)
		p.dirty = true
		return nil
	}
	if len(data) > MaxRecordSize {
		return newError(CodeValueTooLarge, "record of %d bytes exceeds page capacity %d", len(data), MaxRecordSize)
	}
	if len(data) > int(length)+int(p.FreeSpaceSize()) {
		return newError(CodeOutOfRange, "no space to grow slot %d to %d bytes in page %d", id, len(data), p.ID())
	}

	p.setSlot(id, 0, 0)
	p.setFreeSpaceSize(p.FreeSpaceSize() + length)
	if p.heapStart()-p.dirEnd() < len(data) {
		p.Compact()
	}
	recOff := p.heapStart() - len(data)
	copy(p.buf[recOff:], data)
	p.setSlot(id, uint16(recOff), uint16(len(data)))
	p.setFreeSpaceSize(p.FreeSpaceSize() - uint16(len(data)))
	p.dirty = true
	return nil
}

// DeleteRecord marks the slot free and returns its bytes to the free-space
// count. The heap is not rewritten until Compact.
func (p *Page) DeleteRecord(id SlotID) error {
	if id >= SlotID(p.SlotCount()) {
		return notFound("slot %d out of range in page %d", id, p.ID())
	}
	off, length := p.slot(id)
	if slotFree(off, length) {
		return notFound("slot %d is free in page %d", id, p.ID())
	}
	p.setSlot(id, 0, 0)
	p.setFreeSpaceSize(p.FreeSpaceSize() + length)
	p.dirty = true
	return nil
}

// GetRecord returns a copy of the record in slot id.
func (p *Page) GetRecord(id SlotID) ([]byte, error) {
	if id >= SlotID(p.SlotCount()) {
		return nil, notFound("slot %d out of range in page %d", id, p.ID())
	}
	off, length := p.slot(id)
	if slotFree(off, length) {
		return nil, notFound("slot %d is free in page %d", id, p.ID())
	}
	if int(off) < pageDataOffset || int(off)+int(length) > PageSize {
		return nil, corruption("slot %d of page %d points outside the page", id, p.ID())
	}
	out := make([]byte, length)
	copy(out, p.buf[off:int(off)+int(length)])
	return out, nil
}

// Compact repacks live records against the page tail, reclaiming holes
// left by deletions. Slot IDs are preserved.
func (p *Page) Compact() {
	type live struct {
		id     SlotID
		offset uint16
		length uint16
	}
	records := make([]live, 0, p.SlotCount())
	for id := SlotID(0); id < SlotID(p.SlotCount()); id++ {
		off, length := p.slot(id)
		if !slotFree(off, length) {
			records = append(records, live{id, off, length})
		}
	}
	// Repack highest-offset records first so moves never overlap a record
	// that has not been copied yet.
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].offset > records[j-1].offset; j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}

	tail := PageSize
	for _, rec := range records {
		tail -= int(rec.length)
		copy(p.buf[tail:], p.buf[rec.offset:int(rec.offset)+int(rec.length)])
		p.setSlot(rec.id, uint16(tail), rec.length)
	}
	p.setFreeSpaceOffset(uint16(p.dirEnd()))
	p.setFreeSpaceSize(uint16(tail - p.dirEnd()))
	p.dirty = true
	p.UpdateChecksum()
}

// Checksum computes the CRC-32 of the page with the checksum field zeroed.
func (p *Page) Checksum() uint32 {
	var zero [4]byte
	crc := crc32.ChecksumIEEE(p.buf[:checksumOffset])
	crc = crc32.Update(crc, crc32.IEEETable, zero[:])
	return crc32.Update(crc, crc32.IEEETable, p.buf[checksumOffset+4:])
}

// StoredChecksum returns the checksum recorded in the prelude.
func (p *Page) StoredChecksum() uint32 {
	return binary.LittleEndian.Uint32(p.buf[checksumOffset:])
}

// UpdateChecksum recomputes and stores the page checksum.
func (p *Page) UpdateChecksum() {
	binary.LittleEndian.PutUint32(p.buf[checksumOffset:], p.Checksum())
}

// VerifyChecksum reports whether the stored checksum matches the content.
func (p *Page) VerifyChecksum() bool {
	return p.StoredChecksum() == p.Checksum()
}

// SerializeTo writes the full page image, checksum refreshed, into buf.
func (p *Page) SerializeTo(buf []byte) error {
	if len(buf) < PageSize {
		return invalidArgument("serialize: buffer of %d bytes is smaller than a page", len(buf))
	}
	p.UpdateChecksum()
	copy(buf, p.buf[:])
	return nil
}

// DeserializeFrom replaces the page content with the image in buf. The
// loaded page starts clean.
func (p *Page) DeserializeFrom(buf []byte) error {
	if len(buf) < PageSize {
		return corruption("deserialize: buffer of %d bytes is smaller than a page", len(buf))
	}
	copy(p.buf[:], buf)
	p.dirty = false
	return nil
}
