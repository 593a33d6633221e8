package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	PrefixWidth2 = 2
	PrefixWidth4 = 4
)

var (
	ErrFrameTooLarge  = errors.New("frame: declared length exceeds limit")
	ErrFrameMalformed = errors.New("frame: malformed frame")
)

// Config selects the length prefix width and the largest body accepted.
type Config struct {
	PrefixWidth   int
	MaxFrameBytes int
}

func DefaultConfig() Config {
	return Config{
		PrefixWidth:   PrefixWidth2,
		MaxFrameBytes: 8 * 1024,
	}
}

func (c Config) Validate() error {
	if c.PrefixWidth != PrefixWidth2 && c.PrefixWidth != PrefixWidth4 {
		return fmt.Errorf("%w: prefix width %d", ErrFrameMalformed, c.PrefixWidth)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%w: max frame bytes %d", ErrFrameMalformed, c.MaxFrameBytes)
	}
	if c.MaxFrameBytes > c.capacity() {
		return fmt.Errorf("%w: max frame bytes %d over prefix capacity %d", ErrFrameMalformed, c.MaxFrameBytes, c.capacity())
	}
	return nil
}

// capacity is the largest length the prefix can express.
func (c Config) capacity() int {
	if c.PrefixWidth == PrefixWidth2 {
		return 0xFFFF
	}
	return 0x7FFFFFFF
}

func (c Config) declaredLength(prefix []byte) int {
	if c.PrefixWidth == PrefixWidth2 {
		return int(binary.BigEndian.Uint16(prefix))
	}
	return int(binary.BigEndian.Uint32(prefix))
}

func (c Config) checkLength(n int) error {
	if n == 0 {
		return fmt.Errorf("%w: zero length", ErrFrameMalformed)
	}
	if n > c.MaxFrameBytes {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, c.MaxFrameBytes)
	}
	return nil
}

// ReadFrame reads exactly one frame body from r. The prefix is checked against
// the limit before any body memory is allocated.
func ReadFrame(r io.Reader, cfg Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var prefix [PrefixWidth4]byte
	if _, err := io.ReadFull(r, prefix[:cfg.PrefixWidth]); err != nil {
		return nil, err
	}
	n := cfg.declaredLength(prefix[:cfg.PrefixWidth])
	if err := cfg.checkLength(n); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes prefix and body in a single Write call so concurrent
// writers serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, body []byte, cfg Config) error {
	buf, err := Encode(body, cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Encode returns the prefixed wire form of body.
func Encode(body []byte, cfg Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.checkLength(len(body)); err != nil {
		return nil, err
	}
	buf := make([]byte, cfg.PrefixWidth+len(body))
	if cfg.PrefixWidth == PrefixWidth2 {
		binary.BigEndian.PutUint16(buf, uint16(len(body)))
	} else {
		binary.BigEndian.PutUint32(buf, uint32(len(body)))
	}
	copy(buf[cfg.PrefixWidth:], body)
	return buf, nil
}
