package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// DataType is the closed set of element types an array can hold.
type DataType int

const (
	Uint8 DataType = iota
	Uint16
	Uint32
)

// Size returns the element width in bytes.
func (t DataType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32:
		return 4
	}
	return 0
}

func (t DataType) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Valid reports whether t is one of the supported types.
func (t DataType) Valid() bool { return t.Size() != 0 }

// Dtype returns the typestr description persisted in .zarray.
func (t DataType) Dtype() Dtype {
	bo := BOLittleEndian
	if t == Uint8 {
		bo = BONotRelevant
	}
	return Dtype{ByteOrder: bo, BasicType: BTUnsigned, ByteSize: t.Size()}
}

// ParseDataType accepts either a Go-style name ("uint16") or a typestr ("<u2").
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "uint8", "u8":
		return Uint8, nil
	case "uint16", "u16":
		return Uint16, nil
	case "uint32", "u32":
		return Uint32, nil
	}
	dt, err := ParseDtype(s)
	if err != nil {
		return 0, errors.Mark(err, ErrInvalidConfig)
	}
	return dt.DataType()
}

// Element is the set of Go types usable with ReadRegion and WriteRegion.
type Element interface {
	~uint8 | ~uint16 | ~uint32
}

func elementType[T Element]() DataType {
	var v T
	switch any(v).(type) {
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	}
	// Named types fall back to their width.
	switch binary.Size(v) {
	case 1:
		return Uint8
	case 2:
		return Uint16
	default:
		return Uint32
	}
}

// encodeElements writes vals into dst as little-endian elements.
func encodeElements[T Element](dst []byte, vals []T) {
	switch elementType[T]() {
	case Uint8:
		for i, v := range vals {
			dst[i] = byte(v)
		}
	case Uint16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
		}
	case Uint32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(v))
		}
	}
}

// decodeElements fills vals from little-endian src.
func decodeElements[T Element](vals []T, src []byte) {
	switch elementType[T]() {
	case Uint8:
		for i := range vals {
			vals[i] = T(src[i])
		}
	case Uint16:
		for i := range vals {
			vals[i] = T(binary.LittleEndian.Uint16(src[i*2:]))
		}
	case Uint32:
		for i := range vals {
			vals[i] = T(binary.LittleEndian.Uint32(src[i*4:]))
		}
	}
}

// Dtype is a zarr data type.
// Simple data types are a string following the NumPy array protocol type
// string (typestr) format. The format consists of 3 parts:
//   - One character describing the byteorder of the data:
//     "<": little-endian; ">": big-endian; "|": not-relevant
//   - One character code giving the basic type of the array
//   - An integer specifying the number of bytes the type uses.
//
// Within the zarr format byte order MUST be specified.
type Dtype struct {
	ByteOrder ByteOrder
	BasicType BasicType
	ByteSize  int
}

var (
	_ json.Unmarshaler = (*Dtype)(nil)
	_ json.Marshaler   = (*Dtype)(nil)
)

func ParseDtype(s string) (dt Dtype, err error) {
	// bug in python implementation uses HTML escape sequences when serializaing JSON
	s = strings.Replace(s, "&lt;", "<", 1)
	s = strings.Replace(s, "&gt;", ">", 1)

	if len(s) < 3 {
		return dt, fmt.Errorf("invalid Dtype string. %q is too short", s)
	}

	boByte, s := s[0], s[1:]
	dt.ByteOrder, err = ParseByteOrder(rune(boByte))
	if err != nil {
		return dt, err
	}

	typeByte, s := s[0], s[1:]
	dt.BasicType, err = ParseBasicType(rune(typeByte))
	if err != nil {
		return dt, err
	}

	size, err := strconv.ParseInt(s, 10, 0)
	if err != nil {
		return dt, fmt.Errorf("invalid Dtype size %q: %w", s, err)
	}
	dt.ByteSize = int(size)
	return dt, nil
}

// DataType maps the typestr onto one of the supported element types.
func (dt Dtype) DataType() (DataType, error) {
	if dt.BasicType != BTUnsigned {
		return 0, invalidConfigf("unsupported dtype %s: %s elements, only %s is supported", dt, dt.BasicType.Human(), BTUnsigned.Human())
	}
	if dt.ByteOrder == BOBigEndian && dt.ByteSize > 1 {
		return 0, invalidConfigf("unsupported dtype %s: big-endian elements", dt)
	}
	switch dt.ByteSize {
	case 1:
		return Uint8, nil
	case 2:
		return Uint16, nil
	case 4:
		return Uint32, nil
	}
	return 0, invalidConfigf("unsupported dtype %s: %d byte elements", dt, dt.ByteSize)
}

func (dt Dtype) String() string {
	return fmt.Sprintf("%s%s%d", string(dt.ByteOrder), string(dt.BasicType), dt.ByteSize)
}

func (dt Dtype) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.String() + `"`), nil
}

func (dt *Dtype) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return err
	}
	t, err := ParseDtype(s)
	if err != nil {
		return err
	}

	*dt = t
	return nil
}

type ByteOrder rune

func ParseByteOrder(r rune) (ByteOrder, error) {
	o := ByteOrder(r)
	if _, ok := byteOrders[o]; !ok {
		return o, fmt.Errorf("unsupported byte order format: %q", r)
	}
	return o, nil
}

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

var byteOrders = map[ByteOrder]struct{}{
	BONotRelevant:  {},
	BOLittleEndian: {},
	BOBigEndian:    {},
}

type BasicType rune

func ParseBasicType(r rune) (BasicType, error) {
	t := BasicType(r)
	if _, ok := basicTypes[t]; !ok {
		return t, fmt.Errorf("unsupported basic type: %q", r)
	}
	return t, nil
}

func (bt BasicType) Human() string {
	return basicTypes[bt]
}

const (
	BTBoolean       BasicType = 'b'
	BTInteger       BasicType = 'i'
	BTUnsigned      BasicType = 'u'
	BTFloatingPoint BasicType = 'f'
	BTComplex       BasicType = 'c'
)

var basicTypes = map[BasicType]string{
	BTBoolean:       "bool",
	BTInteger:       "int",
	BTUnsigned:      "uint",
	BTFloatingPoint: "float",
	BTComplex:       "complex",
}
