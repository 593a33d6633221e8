package iso8583

import "fmt"

// Decode parses one complete message body. It fails with *DecodingError on
// any malformed input and never indexes past len(buf).
func (c *Codec) Decode(buf []byte) (*Message, error) {
	msg, err := c.decode(buf)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Salvage returns whatever a failed Decode managed to read: the MTI and the
// fields that precede the first bad one. It returns nil when not even the
// MTI is readable. Callers use it to address a format error reply.
func (c *Codec) Salvage(buf []byte) *Message {
	msg, _ := c.decode(buf)
	return msg
}

func (c *Codec) decode(buf []byte) (*Message, error) {
	if len(buf) < mtiLen {
		return nil, &DecodingError{Offset: 0, Err: ErrShortMTI}
	}
	mti, err := ParseMTI(string(buf[:mtiLen]))
	if err != nil {
		return nil, &DecodingError{Offset: 0, Err: err}
	}
	offset := mtiLen
	msg := NewMessage(mti)

	if len(buf)-offset < bitmapLen {
		return msg, &DecodingError{Offset: offset, Err: ErrShortBitmap}
	}
	var bitmap Bitmap
	copy(bitmap[:bitmapLen], buf[offset:offset+bitmapLen])
	offset += bitmapLen

	if bitmap.IsSet(secondaryField) {
		if len(buf)-offset < bitmapLen {
			return msg, &DecodingError{Field: secondaryField, Offset: offset, Err: ErrMissingSecondaryBitmap}
		}
		copy(bitmap[bitmapLen:], buf[offset:offset+bitmapLen])
		offset += bitmapLen
		if !bitmap.HasSecondary() {
			// bit 1 without any field >= 65 would not survive re-encoding
			return msg, &DecodingError{Field: secondaryField, Offset: offset, Err: fmt.Errorf("%w: empty secondary bitmap", ErrInvalidValue)}
		}
	}

	for n := 2; n <= MaxField; n++ {
		if !bitmap.IsSet(n) {
			continue
		}
		spec, ok := c.dict.Spec(n)
		if !ok {
			return msg, &DecodingError{Field: n, Offset: offset, Err: ErrUnassignedField}
		}
		value, next, err := readField(buf, offset, spec)
		if err != nil {
			return msg, &DecodingError{Field: n, Offset: offset, Err: err}
		}
		msg.fields[n] = value
		offset = next
	}

	if offset != len(buf) {
		return msg, &DecodingError{Offset: offset, Err: fmt.Errorf("%w: %d", ErrTrailingBytes, len(buf)-offset)}
	}
	return msg, nil
}

// readField reads one field starting at offset and returns the value and the
// offset just past it.
func readField(buf []byte, offset int, spec FieldSpec) ([]byte, int, error) {
	remaining := len(buf) - offset
	length := spec.Max

	if w := spec.Length.indicatorWidth(); w > 0 {
		if remaining < w {
			return nil, offset, fmt.Errorf("%w: need %d indicator bytes, have %d", ErrLengthOverrun, w, remaining)
		}
		n, err := parseIndicator(buf[offset : offset+w])
		if err != nil {
			return nil, offset, err
		}
		if n > spec.Max {
			return nil, offset, fmt.Errorf("%w: declared %d max %d", ErrValueTooLong, n, spec.Max)
		}
		length = n
		offset += w
		remaining -= w
	}

	if length > remaining {
		return nil, offset, fmt.Errorf("%w: declared %d, remaining %d", ErrLengthOverrun, length, remaining)
	}
	value := make([]byte, length)
	copy(value, buf[offset:offset+length])
	if err := checkCharset(spec.Type, value); err != nil {
		return nil, offset, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return value, offset + length, nil
}

func parseIndicator(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidLengthIndicator, b)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
