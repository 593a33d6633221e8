package iso8583

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMTI       = errors.New("iso8583: invalid mti")
	ErrUnknownField     = errors.New("iso8583: field not in dictionary")
	ErrNonNumeric       = errors.New("iso8583: non-numeric value in numeric field")
	ErrInvalidCharacter = errors.New("iso8583: invalid character for field type")
	ErrValueTooLong     = errors.New("iso8583: value exceeds field maximum")
	ErrFixedLength      = errors.New("iso8583: fixed field length mismatch")

	ErrShortMTI               = errors.New("iso8583: short mti")
	ErrShortBitmap            = errors.New("iso8583: short primary bitmap")
	ErrMissingSecondaryBitmap = errors.New("iso8583: secondary bitmap declared but absent")
	ErrLengthOverrun          = errors.New("iso8583: field length exceeds remaining buffer")
	ErrInvalidLengthIndicator = errors.New("iso8583: invalid length indicator")
	ErrUnassignedField        = errors.New("iso8583: unassigned field bit set")
	ErrTrailingBytes          = errors.New("iso8583: trailing bytes after last field")
	ErrInvalidValue           = errors.New("iso8583: invalid field value")
)

// EncodingError reports a field value that violates its declared type or length.
type EncodingError struct {
	Field int
	Err   error
}

func (e *EncodingError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("encode: %v", e.Err)
	}
	return fmt.Sprintf("encode: field %d: %v", e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// DecodingError reports malformed wire input. Offset is the byte position at
// which the problem was detected.
type DecodingError struct {
	Field  int
	Offset int
	Err    error
}

func (e *DecodingError) Error() string {
	if e.Field == 0 {
		return fmt.Sprintf("decode: offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("decode: field %d at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// IsDecodingError reports whether err carries a *DecodingError.
func IsDecodingError(err error) bool {
	var target *DecodingError
	return errors.As(err, &target)
}

// IsEncodingError reports whether err carries an *EncodingError.
func IsEncodingError(err error) bool {
	var target *EncodingError
	return errors.As(err, &target)
}
