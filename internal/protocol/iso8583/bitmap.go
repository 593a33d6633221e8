package iso8583

// Bitmap holds the primary (bits 1..64) and secondary (bits 65..128) maps.
// Bit 1 is the most significant bit of the first byte.
type Bitmap [2 * bitmapLen]byte

func (b *Bitmap) Set(n int) {
	if n < 1 || n > MaxField {
		return
	}
	b[(n-1)/8] |= 0x80 >> uint((n-1)%8)
}

func (b Bitmap) IsSet(n int) bool {
	if n < 1 || n > MaxField {
		return false
	}
	return b[(n-1)/8]&(0x80>>uint((n-1)%8)) != 0
}

// HasSecondary reports whether any bit in 65..128 is set.
func (b Bitmap) HasSecondary() bool {
	for _, v := range b[bitmapLen:] {
		if v != 0 {
			return true
		}
	}
	return false
}

// Primary returns the 8 primary bytes.
func (b Bitmap) Primary() []byte {
	out := make([]byte, bitmapLen)
	copy(out, b[:bitmapLen])
	return out
}

// Secondary returns the 8 secondary bytes.
func (b Bitmap) Secondary() []byte {
	out := make([]byte, bitmapLen)
	copy(out, b[bitmapLen:])
	return out
}
