package lumen

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// DataType tags the payload carried by a Value. The tag byte is the first
// byte of the serialized form; cross-type ordering follows tag order.
type DataType uint8

const (
	TypeNull DataType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeBool
	TypeString
	TypeBlob
	TypeTimestamp
	TypeVector
	TypeJSON

	numDataTypes = 17
)

// String returns the canonical name of the type tag.
func (t DataType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBlob:
		return "blob"
	case TypeTimestamp:
		return "timestamp"
	case TypeVector:
		return "vector"
	case TypeJSON:
		return "json"
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// Value is a closed tagged union over the engine's supported data types.
// The zero Value is null. Values are immutable once constructed; Blob and
// Vector payloads must not be mutated by the caller after construction.
type Value struct {
	typ DataType
	i   int64 // ints, uints (bit pattern), bool, timestamp micros
	f   float64
	s   string
	b   []byte // blob, json
	v   []float32
}

func NullValue() Value               { return Value{} }
func Int8Value(v int8) Value         { return Value{typ: TypeInt8, i: int64(v)} }
func Int16Value(v int16) Value       { return Value{typ: TypeInt16, i: int64(v)} }
func Int32Value(v int32) Value       { return Value{typ: TypeInt32, i: int64(v)} }
func Int64Value(v int64) Value       { return Value{typ: TypeInt64, i: v} }
func Uint8Value(v uint8) Value       { return Value{typ: TypeUint8, i: int64(v)} }
func Uint16Value(v uint16) Value     { return Value{typ: TypeUint16, i: int64(v)} }
func Uint32Value(v uint32) Value     { return Value{typ: TypeUint32, i: int64(v)} }
func Uint64Value(v uint64) Value     { return Value{typ: TypeUint64, i: int64(v)} }
func Float32Value(v float32) Value   { return Value{typ: TypeFloat32, f: float64(v)} }
func Float64Value(v float64) Value   { return Value{typ: TypeFloat64, f: v} }
func StringValue(v string) Value     { return Value{typ: TypeString, s: v} }
func BlobValue(v []byte) Value       { return Value{typ: TypeBlob, b: v} }
func VectorValue(v []float32) Value  { return Value{typ: TypeVector, v: v} }
func JSONValue(raw []byte) Value     { return Value{typ: TypeJSON, b: raw} }

// TimestampValue wraps a microsecond timestamp.
func TimestampValue(micros int64) Value { return Value{typ: TypeTimestamp, i: micros} }

func BoolValue(v bool) Value {
	val := Value{typ: TypeBool}
	if v {
		val.i = 1
	}
	return val
}

// Type returns the tag of the value.
func (v Value) Type() DataType { return v.typ }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.typ == TypeNull }

// Int64 returns the signed integer payload widened to 64 bits.
// Zero for non-integer values.
func (v Value) Int64() int64 {
	switch v.typ {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return v.i
	}
	return 0
}

// Uint64 returns the unsigned integer payload widened to 64 bits.
func (v Value) Uint64() uint64 {
	switch v.typ {
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return uint64(v.i)
	}
	return 0
}

// Float64 returns the float payload widened to 64 bits.
func (v Value) Float64() float64 {
	switch v.typ {
	case TypeFloat32, TypeFloat64:
		return v.f
	}
	return 0
}

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.typ == TypeBool && v.i != 0 }

// Bytes returns the blob or raw JSON payload.
func (v Value) Bytes() []byte {
	if v.typ == TypeBlob || v.typ == TypeJSON {
		return v.b
	}
	return nil
}

// Vector returns the dense float vector payload.
func (v Value) Vector() []float32 {
	if v.typ == TypeVector {
		return v.v
	}
	return nil
}

// Timestamp returns the timestamp payload in microseconds.
func (v Value) Timestamp() int64 {
	if v.typ == TypeTimestamp {
		return v.i
	}
	return 0
}

// String renders the value for debugging; strings render as themselves.
func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "NULL"
	case TypeBool:
		if v.i != 0 {
			return "true"
		}
		return "false"
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return strconv.FormatInt(v.i, 10)
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return strconv.FormatUint(uint64(v.i), 10)
	case TypeFloat32, TypeFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeString:
		return v.s
	case TypeBlob:
		return fmt.Sprintf("<blob:%d bytes>", len(v.b))
	case TypeVector:
		return fmt.Sprintf("<vector:%d dims>", len(v.v))
	case TypeTimestamp:
		return strconv.FormatInt(v.i, 10)
	case TypeJSON:
		return "<json>"
	}
	return "<invalid>"
}

// Text returns the string payload for TypeString, else "".
func (v Value) Text() string {
	if v.typ == TypeString {
		return v.s
	}
	return ""
}

// SerializedSize returns the exact number of bytes Serialize will write.
func (v Value) SerializedSize() int {
	size := 1 // tag byte
	switch v.typ {
	case TypeNull:
	case TypeInt8, TypeUint8, TypeBool:
		size += 1
	case TypeInt16, TypeUint16:
		size += 2
	case TypeInt32, TypeUint32, TypeFloat32:
		size += 4
	case TypeInt64, TypeUint64, TypeFloat64, TypeTimestamp:
		size += 8
	case TypeString:
		size += 4 + len(v.s)
	case TypeBlob, TypeJSON:
		size += 4 + len(v.b)
	case TypeVector:
		size += 4 + 4*len(v.v)
	}
	return size
}

// Serialize writes the value at dst[*cursor] and advances the cursor.
// dst must have SerializedSize bytes of room at the cursor.
func (v Value) Serialize(dst []byte, cursor *int) error {
	need := v.SerializedSize()
	if *cursor < 0 || *cursor+need > len(dst) {
		return invalidArgument("serialize: need %d bytes at offset %d, have %d", need, *cursor, len(dst))
	}
	off := *cursor
	dst[off] = byte(v.typ)
	off++
	switch v.typ {
	case TypeNull:
	case TypeInt8, TypeUint8:
		dst[off] = byte(v.i)
		off++
	case TypeBool:
		if v.i != 0 {
			dst[off] = 1
		} else {
			dst[off] = 0
		}
		off++
	case TypeInt16, TypeUint16:
		binary.LittleEndian.PutUint16(dst[off:], uint16(v.i))
		off += 2
	case TypeInt32, TypeUint32:
		binary.LittleEndian.PutUint32(dst[off:], uint32(v.i))
		off += 4
	case TypeInt64, TypeUint64, TypeTimestamp:
		binary.LittleEndian.PutUint64(dst[off:], uint64(v.i))
		off += 8
	case TypeFloat32:
		binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(float32(v.f)))
		off += 4
	case TypeFloat64:
		binary.LittleEndian.PutUint64(dst[off:], math.Float64bits(v.f))
		off += 8
	case TypeString:
		binary.LittleEndian.PutUint32(dst[off:], uint32(len(v.s)))
		off += 4
		off += copy(dst[off:], v.s)
	case TypeBlob, TypeJSON:
		binary.LittleEndian.PutUint32(dst[off:], uint32(len(v.b)))
		off += 4
		off += copy(dst[off:], v.b)
	case TypeVector:
		binary.LittleEndian.PutUint32(dst[off:], uint32(len(v.v)))
		off += 4
		for _, f := range v.v {
			binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(f))
			off += 4
		}
	default:
		return corruption("serialize: unknown value tag %d", v.typ)
	}
	*cursor = off
	return nil
}

// AppendTo appends the serialized value to dst and returns the result.
func (v Value) AppendTo(dst []byte) []byte {
	off := len(dst)
	dst = append(dst, make([]byte, v.SerializedSize())...)
	// Room was just reserved; Serialize cannot fail here.
	_ = v.Serialize(dst, &off)
	return dst
}

// DeserializeValue decodes one value at src[*cursor] and advances the
// cursor past it. Payload bytes are copied out of src.
func DeserializeValue(src []byte, cursor *int) (Value, error) {
	off := *cursor
	if off < 0 || off >= len(src) {
		return Value{}, corruption("deserialize: truncated value at offset %d", off)
	}
	tag := DataType(src[off])
	off++
	if tag >= numDataTypes {
		return Value{}, corruption("deserialize: unknown value tag %d", tag)
	}

	fixed := func(n int) ([]byte, error) {
		if off+n > len(src) {
			return nil, corruption("deserialize: truncated %s payload", tag)
		}
		p := src[off : off+n]
		off += n
		return p, nil
	}

	var val Value
	switch tag {
	case TypeNull:
		val = NullValue()
	case TypeInt8:
		p, err := fixed(1)
		if err != nil {
			return Value{}, err
		}
		val = Int8Value(int8(p[0]))
	case TypeUint8:
		p, err := fixed(1)
		if err != nil {
			return Value{}, err
		}
		val = Uint8Value(p[0])
	case TypeBool:
		p, err := fixed(1)
		if err != nil {
			return Value{}, err
		}
		val = BoolValue(p[0] != 0)
	case TypeInt16:
		p, err := fixed(2)
		if err != nil {
			return Value{}, err
		}
		val = Int16Value(int16(binary.LittleEndian.Uint16(p)))
	case TypeUint16:
		p, err := fixed(2)
		if err != nil {
			return Value{}, err
		}
		val = Uint16Value(binary.LittleEndian.Uint16(p))
	case TypeInt32:
		p, err := fixed(4)
		if err != nil {
			return Value{}, err
		}
		val = Int32Value(int32(binary.LittleEndian.Uint32(p)))
	case TypeUint32:
		p, err := fixed(4)
		if err != nil {
			return Value{}, err
		}
		val = Uint32Value(binary.LittleEndian.Uint32(p))
	case TypeInt64:
		p, err := fixed(8)
		if err != nil {
			return Value{}, err
		}
		val = Int64Value(int64(binary.LittleEndian.Uint64(p)))
	case TypeUint64:
		p, err := fixed(8)
		if err != nil {
			return Value{}, err
		}
		val = Uint64Value(binary.LittleEndian.Uint64(p))
	case TypeTimestamp:
		p, err := fixed(8)
		if err != nil {
			return Value{}, err
		}
		val = TimestampValue(int64(binary.LittleEndian.Uint64(p)))
	case TypeFloat32:
		p, err := fixed(4)
		if err != nil {
			return Value{}, err
		}
		val = Float32Value(math.Float32frombits(binary.LittleEndian.Uint32(p)))
	case TypeFloat64:
		p, err := fixed(8)
		if err != nil {
			return Value{}, err
		}
		val = Float64Value(math.Float64frombits(binary.LittleEndian.Uint64(p)))
	case TypeString:
		p, err := fixed(4)
		if err != nil {
			return Value{}, err
		}
		n := int(binary.LittleEndian.Uint32(p))
		p, err = fixed(n)
		if err != nil {
			return Value{}, err
		}
		val = StringValue(string(p))
	case TypeBlob, TypeJSON:
		p, err := fixed(4)
		if err != nil {
			return Value{}, err
		}
		n := int(binary.LittleEndian.Uint32(p))
		p, err = fixed(n)
		if err != nil {
			return Value{}, err
		}
		buf := make([]byte, n)
		copy(buf, p)
		if tag == TypeBlob {
			val = BlobValue(buf)
		} else {
			val = JSONValue(buf)
		}
	case TypeVector:
		p, err := fixed(4)
		if err != nil {
			return Value{}, err
		}
		n := int(binary.LittleEndian.Uint32(p))
		p, err = fixed(4 * n)
		if err != nil {
			return Value{}, err
		}
		vec := make([]float32, n)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[4*i:]))
		}
		val = VectorValue(vec)
	}
	*cursor = off
	return val, nil
}

// Compare imposes a total order: null sorts below every non-null value,
// values of the same tag compare naturally, and different tags compare by
// tag byte. Returns -1, 0, or 1.
func Compare(a, b Value) int {
	if a.typ == TypeNull || b.typ == TypeNull {
		switch {
		case a.typ == b.typ:
			return 0
		case a.typ == TypeNull:
			return -1
		default:
			return 1
		}
	}
	if a.typ != b.typ {
		if a.typ < b.typ {
			return -1
		}
		return 1
	}
	switch a.typ {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64, TypeTimestamp:
		return cmpInt64(a.i, b.i)
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return cmpUint64(uint64(a.i), uint64(b.i))
	case TypeBool:
		return cmpInt64(a.i, b.i)
	case TypeFloat32, TypeFloat64:
		switch {
		case a.f < b.f:
			return -1
		case a.f > b.f:
			return 1
		default:
			return 0
		}
	case TypeString:
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		default:
			return 0
		}
	case TypeBlob, TypeJSON:
		return bytes.Compare(a.b, b.b)
	case TypeVector:
		n := min(len(a.v), len(b.v))
		for i := 0; i < n; i++ {
			if a.v[i] < b.v[i] {
				return -1
			}
			if a.v[i] > b.v[i] {
				return 1
			}
		}
		return cmpInt64(int64(len(a.v)), int64(len(b.v)))
	}
	return 0
}

// Equal reports whether a and b are the same type and payload.
func (v Value) Equal(other Value) bool {
	return v.typ == other.typ && Compare(v, other) == 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
