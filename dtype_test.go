package zarr

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestParseDataType(t *testing.T) {
	for in, want := range map[string]DataType{
		"uint8":  Uint8,
		"u16":    Uint16,
		"uint32": Uint32,
		"|u1":    Uint8,
		"<u2":    Uint16,
		"<u4":    Uint32,
		"&lt;u4": Uint32,
	} {
		got, err := ParseDataType(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "int8", "<f8", ">u2", "<u8", "?u2", "<ux"} {
		_, err := ParseDataType(in)
		require.True(t, errors.Is(err, ErrInvalidConfig), "%q: %v", in, err)
	}
}

func TestDtypeJSON(t *testing.T) {
	for _, dt := range []DataType{Uint8, Uint16, Uint32} {
		data, err := json.Marshal(dt.Dtype())
		require.NoError(t, err)
		var back Dtype
		require.NoError(t, json.Unmarshal(data, &back))
		got, err := back.DataType()
		require.NoError(t, err)
		require.Equal(t, dt, got)
	}
	require.Equal(t, "<u2", Uint16.Dtype().String())
	_, err := Dtype{ByteOrder: BOLittleEndian, BasicType: BTFloatingPoint, ByteSize: 8}.DataType()
	require.True(t, errors.Is(err, ErrInvalidConfig))
	require.Contains(t, err.Error(), "float elements, only uint is supported")
	require.False(t, DataType(7).Valid())
	require.Equal(t, "DataType(7)", DataType(7).String())
}

type pixel uint16

func TestElementCodec(t *testing.T) {
	require.Equal(t, Uint16, elementType[pixel]())

	vals := []uint32{1, 0x01020304, 0xffffffff}
	raw := make([]byte, 12)
	encodeElements(raw, vals)
	require.Equal(t, []byte{1, 0, 0, 0, 4, 3, 2, 1, 0xff, 0xff, 0xff, 0xff}, raw)
	back := make([]uint32, 3)
	decodeElements(back, raw)
	require.Equal(t, vals, back)

	px := []pixel{0x0102, 7}
	raw = make([]byte, 4)
	encodeElements(raw, px)
	require.Equal(t, []byte{2, 1, 7, 0}, raw)
}
