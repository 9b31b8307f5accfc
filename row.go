package lumen

import "encoding/binary"

// Row is an ordered sequence of values. Encoded as a 4-byte count followed
// by the concatenated value encodings.
type Row []Value

// SerializedSize returns the exact encoded size of the row.
func (r Row) SerializedSize() int {
	size := 4
	for _, v := range r {
		size += v.SerializedSize()
	}
	return size
}

// Serialize writes the row at dst[*cursor] and advances the cursor.
func (r Row) Serialize(dst []byte, cursor *int) error {
	if *cursor < 0 || *cursor+4 > len(dst) {
		return invalidArgument("serialize: row header does not fit at offset %d", *cursor)
	}
	binary.LittleEndian.PutUint32(dst[*cursor:], uint32(len(r)))
	*cursor += 4
	for _, v := range r {
		if err := v.Serialize(dst, cursor); err != nil {
			return err
		}
	}
	return nil
}

// DeserializeRow decodes a row at src[*cursor] and advances the cursor.
func DeserializeRow(src []byte, cursor *int) (Row, error) {
	if *cursor < 0 || *cursor+4 > len(src) {
		return nil, corruption("deserialize: truncated row header at offset %d", *cursor)
	}
	count := int(binary.LittleEndian.Uint32(src[*cursor:]))
	*cursor += 4
	row := make(Row, 0, count)
	for i := 0; i < count; i++ {
		v, err := DeserializeValue(src, cursor)
		if err != nil {
			return nil, err
		}
		row = append(row, v)
	}
	return row, nil
}
