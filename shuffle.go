package zarr

// shuffleBlock returns a transposed copy of src. Trailing bytes that do not
// form a whole element (or, for bit shuffle, a whole group of 8 elements)
// are copied unchanged.
func shuffleBlock(mode Shuffle, src []byte, typeSize int) []byte {
	switch mode {
	case ByteShuffle:
		if typeSize > 1 {
			return byteShuffle(src, typeSize)
		}
	case BitShuffle:
		return bitShuffle(src, typeSize)
	}
	return src
}

// unshuffleBlock reverses shuffleBlock.
func unshuffleBlock(mode Shuffle, src []byte, typeSize int) []byte {
	switch mode {
	case ByteShuffle:
		if typeSize > 1 {
			return byteUnshuffle(src, typeSize)
		}
	case BitShuffle:
		return bitUnshuffle(src, typeSize)
	}
	return src
}

// byteShuffle groups byte j of every element together:
// [all byte 0s][all byte 1s]...[all byte N-1s][tail].
func byteShuffle(src []byte, typeSize int) []byte {
	n := len(src) / typeSize
	out := make([]byte, len(src))
	for i := 0; i < n; i++ {
		for j := 0; j < typeSize; j++ {
			out[j*n+i] = src[i*typeSize+j]
		}
	}
	copy(out[n*typeSize:], src[n*typeSize:])
	return out
}

func byteUnshuffle(src []byte, typeSize int) []byte {
	n := len(src) / typeSize
	out := make([]byte, len(src))
	for i := 0; i < n; i++ {
		for j := 0; j < typeSize; j++ {
			out[i*typeSize+j] = src[j*n+i]
		}
	}
	copy(out[n*typeSize:], src[n*typeSize:])
	return out
}

// bitShuffle transposes the bit matrix of the first n8 elements, n8 being
// the element count rounded down to a multiple of 8. Row b of the output
// holds bit b (byte b/8, bit b%8) of every element, packed 8 elements per
// byte.
func bitShuffle(src []byte, typeSize int) []byte {
	n8 := (len(src) / typeSize) &^ 7
	rowBytes := n8 / 8
	out := make([]byte, len(src))
	for i := 0; i < n8; i++ {
		for j := 0; j < typeSize; j++ {
			v := src[i*typeSize+j]
			for bit := 0; bit < 8; bit++ {
				if v&(1<<bit) != 0 {
					out[(j*8+bit)*rowBytes+i/8] |= 1 << (i % 8)
				}
			}
		}
	}
	copy(out[n8*typeSize:], src[n8*typeSize:])
	return out
}

func bitUnshuffle(src []byte, typeSize int) []byte {
	n8 := (len(src) / typeSize) &^ 7
	rowBytes := n8 / 8
	out := make([]byte, len(src))
	for i := 0; i < n8; i++ {
		for j := 0; j < typeSize; j++ {
			var v byte
			for bit := 0; bit < 8; bit++ {
				if src[(j*8+bit)*rowBytes+i/8]&(1<<(i%8)) != 0 {
					v |= 1 << bit
				}
			}
			out[i*typeSize+j] = v
		}
	}
	copy(out[n8*typeSize:], src[n8*typeSize:])
	return out
}
