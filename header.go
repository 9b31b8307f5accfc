package lumen

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// FormatVersion is the on-disk format version, 1.0.0.
	FormatVersion uint32 = 0x00010000

	headerChecksumOffset = 112
)

// headerMagic identifies a lumen database file.
var headerMagic = [8]byte{'L', 'U', 'M', 'E', 'N', 'D', 'B', 0}

// FileHeader is the decoded form of page 0.
//
// Layout (little-endian, 4096 bytes):
//
//	[magic: 8][version: 4][page_size: 4]
//	[file_size: 8][page_count: 8][free_pages: 8][wal_sequence: 8]
//	[metadata_root: 4][table_root: 4][free_list_head: 4][reserved: 13x4]
//	[header_checksum: 8][file_checksum: 8]
//	[features: 8][flags: 8][reserved2: 2x8]
//	[padding to 4096]
type FileHeader struct {
	Magic        [8]byte
	Version      uint32
	PageSize     uint32
	FileSize     uint64
	PageCount    uint64
	FreePages    uint64
	WALSequence  uint64
	MetadataRoot PageID
	TableRoot    PageID
	FreeListHead PageID
	Reserved     [13]uint32
	HeaderChecksum uint64
	FileChecksum   uint64 // placeholder, not yet computed
	Features       uint64
	Flags          uint64
	Reserved2      [2]uint64
}

func newFileHeader() FileHeader {
	return FileHeader{
		Magic:        headerMagic,
		Version:      FormatVersion,
		PageSize:     PageSize,
		MetadataRoot: InvalidPageID,
		TableRoot:    InvalidPageID,
		FreeListHead: InvalidPageID,
	}
}

func (h *FileHeader) encode(buf []byte) {
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:], h.Version)
	binary.LittleEndian.PutUint32(buf[12:], h.PageSize)
	binary.LittleEndian.PutUint64(buf[16:], h.FileSize)
	binary.LittleEndian.PutUint64(buf[24:], h.PageCount)
	binary.LittleEndian.PutUint64(buf[32:], h.FreePages)
	binary.LittleEndian.PutUint64(buf[40:], h.WALSequence)
	binary.LittleEndian.PutUint32(buf[48:], uint32(h.MetadataRoot))
	binary.LittleEndian.PutUint32(buf[52:], uint32(h.TableRoot))
	binary.LittleEndian.PutUint32(buf[56:], uint32(h.FreeListHead))
	for i, r := range h.Reserved {
		binary.LittleEndian.PutUint32(buf[60+4*i:], r)
	}
	binary.LittleEndian.PutUint64(buf[112:], h.HeaderChecksum)
	binary.LittleEndian.PutUint64(buf[120:], h.FileChecksum)
	binary.LittleEndian.PutUint64(buf[128:], h.Features)
	binary.LittleEndian.PutUint64(buf[136:], h.Flags)
	binary.LittleEndian.PutUint64(buf[144:], h.Reserved2[0])
	binary.LittleEndian.PutUint64(buf[152:], h.Reserved2[1])
}

func (h *FileHeader) decode(buf []byte) {
	copy(h.Magic[:], buf[0:8])
	h.Version = binary.LittleEndian.Uint32(buf[8:])
	h.PageSize = binary.LittleEndian.Uint32(buf[12:])
	h.FileSize = binary.LittleEndian.Uint64(buf[16:])
	h.PageCount = binary.LittleEndian.Uint64(buf[24:])
	h.FreePages = binary.LittleEndian.Uint64(buf[32:])
	h.WALSequence = binary.LittleEndian.Uint64(buf[40:])
	h.MetadataRoot = PageID(binary.LittleEndian.Uint32(buf[48:]))
	h.TableRoot = PageID(binary.LittleEndian.Uint32(buf[52:]))
	h.FreeListHead = PageID(binary.LittleEndian.Uint32(buf[56:]))
	for i := range h.Reserved {
		h.Reserved[i] = binary.LittleEndian.Uint32(buf[60+4*i:])
	}
	h.HeaderChecksum = binary.LittleEndian.Uint64(buf[112:])
	h.FileChecksum = binary.LittleEndian.Uint64(buf[120:])
	h.Features = binary.LittleEndian.Uint64(buf[128:])
	h.Flags = binary.LittleEndian.Uint64(buf[136:])
	h.Reserved2[0] = binary.LittleEndian.Uint64(buf[144:])
	h.Reserved2[1] = binary.LittleEndian.Uint64(buf[152:])
}

// checksum computes the header CRC-32 over the full page image with the
// checksum field zeroed, widened into the 8-byte slot.
func (h *FileHeader) checksum() uint64 {
	var buf [PageSize]byte
	h.encode(buf[:])
	var zero [8]byte
	crc := crc32.ChecksumIEEE(buf[:headerChecksumOffset])
	crc = crc32.Update(crc, crc32.IEEETable, zero[:])
	crc = crc32.Update(crc, crc32.IEEETable, buf[headerChecksumOffset+8:])
	return uint64(crc)
}

func (h *FileHeader) updateChecksum() {
	h.HeaderChecksum = h.checksum()
}

// validate checks magic, version, page size, and header checksum.
func (h *FileHeader) validate() error {
	if h.Magic != headerMagic {
		return corruption("bad magic in file header")
	}
	if h.Version != FormatVersion {
		return versionMismatch("file version %#x, engine supports %#x", h.Version, FormatVersion)
	}
	if h.PageSize != PageSize {
		return corruption("file page size %d does not match compiled page size %d", h.PageSize, PageSize)
	}
	if h.HeaderChecksum != h.checksum() {
		return checksumMismatch("file header checksum mismatch")
	}
	return nil
}
