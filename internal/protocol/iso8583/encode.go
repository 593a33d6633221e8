package iso8583

import (
	"fmt"
	"strconv"
)

// Codec encodes and decodes messages against one dictionary. The zero value
// is not usable; build it with NewCodec.
type Codec struct {
	dict *Dictionary
}

// NewCodec returns a codec over dict, or the default dictionary when nil.
func NewCodec(dict *Dictionary) *Codec {
	if dict == nil {
		dict = DefaultDictionary()
	}
	return &Codec{dict: dict}
}

func (c *Codec) Dictionary() *Dictionary {
	return c.dict
}

// Encode returns the wire form of msg.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, &EncodingError{Err: fmt.Errorf("%w: nil message", ErrInvalidMTI)}
	}
	if !msg.MTI.Valid() {
		return nil, &EncodingError{Err: fmt.Errorf("%w: %q", ErrInvalidMTI, string(msg.MTI))}
	}

	fields := msg.Fields()
	size := mtiLen + bitmapLen
	for _, n := range fields {
		spec, ok := c.dict.Spec(n)
		if !ok {
			return nil, &EncodingError{Field: n, Err: ErrUnknownField}
		}
		value := msg.fields[n]
		if err := checkValue(spec, value); err != nil {
			return nil, &EncodingError{Field: n, Err: err}
		}
		size += spec.Length.indicatorWidth() + len(value)
	}

	bitmap := msg.Bitmap()
	secondary := bitmap.HasSecondary()
	if secondary {
		size += bitmapLen
	}

	out := make([]byte, 0, size)
	out = append(out, msg.MTI...)
	out = append(out, bitmap[:bitmapLen]...)
	if secondary {
		out = append(out, bitmap[bitmapLen:]...)
	}
	for _, n := range fields {
		spec, _ := c.dict.Spec(n)
		value := msg.fields[n]
		if w := spec.Length.indicatorWidth(); w > 0 {
			out = append(out, lengthIndicator(len(value), w)...)
		}
		out = append(out, value...)
	}
	return out, nil
}

func lengthIndicator(n, width int) []byte {
	s := strconv.Itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return []byte(s)
}

// checkValue enforces the dictionary declaration for one value.
func checkValue(spec FieldSpec, value []byte) error {
	switch spec.Length {
	case LengthFixed:
		if len(value) != spec.Max {
			return fmt.Errorf("%w: got %d want %d", ErrFixedLength, len(value), spec.Max)
		}
	default:
		if len(value) > spec.Max {
			return fmt.Errorf("%w: got %d max %d", ErrValueTooLong, len(value), spec.Max)
		}
	}
	return checkCharset(spec.Type, value)
}

func checkCharset(t FieldType, value []byte) error {
	for i, c := range value {
		switch t {
		case TypeNumeric:
			if c < '0' || c > '9' {
				return fmt.Errorf("%w: byte %d", ErrNonNumeric, i)
			}
		case TypeAlpha:
			if !isAlpha(c) && c != ' ' {
				return fmt.Errorf("%w: byte %d", ErrInvalidCharacter, i)
			}
		case TypeAlphaNumeric:
			if !isAlpha(c) && !isDigit(c) && c != ' ' {
				return fmt.Errorf("%w: byte %d", ErrInvalidCharacter, i)
			}
		case TypeText:
			if c < 0x20 || c > 0x7e {
				return fmt.Errorf("%w: byte %d", ErrInvalidCharacter, i)
			}
		case TypeBinary:
			return nil
		}
	}
	return nil
}

func isAlpha(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
