package frame

import (
	"errors"
	"io"
)

// Decoder splits an arbitrarily chunked byte stream into frame bodies. It is
// not safe for concurrent use; one Decoder belongs to one connection reader.
type Decoder struct {
	cfg Config
	buf []byte
	err error
}

func NewDecoder(cfg Config) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{cfg: cfg}, nil
}

// Feed appends bytes read from the stream. It fails once the buffered prefix
// declares an oversized or empty frame; the error is sticky.
func (d *Decoder) Feed(p []byte) error {
	if d.err != nil {
		return d.err
	}
	d.buf = append(d.buf, p...)
	return d.peek()
}

// Next returns the next complete frame body, or ok=false when more bytes are
// needed.
func (d *Decoder) Next() ([]byte, bool, error) {
	if d.err != nil {
		return nil, false, d.err
	}
	if err := d.peek(); err != nil {
		return nil, false, err
	}
	w := d.cfg.PrefixWidth
	if len(d.buf) < w {
		return nil, false, nil
	}
	n := d.cfg.declaredLength(d.buf[:w])
	if len(d.buf)-w < n {
		return nil, false, nil
	}
	body := make([]byte, n)
	copy(body, d.buf[w:w+n])
	rest := copy(d.buf, d.buf[w+n:])
	d.buf = d.buf[:rest]
	return body, true, nil
}

// Buffered reports the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) peek() error {
	w := d.cfg.PrefixWidth
	if len(d.buf) < w {
		return nil
	}
	if err := d.cfg.checkLength(d.cfg.declaredLength(d.buf[:w])); err != nil {
		d.err = err
		d.buf = nil
		return err
	}
	return nil
}

// Reader pulls frames from an io.Reader through a Decoder.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	chunk []byte
}

func NewReader(r io.Reader, cfg Config) (*Reader, error) {
	dec, err := NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, dec: dec, chunk: make([]byte, 4096)}, nil
}

// ReadFrame blocks until a whole frame is available. A clean close between
// frames returns io.EOF; a close inside a frame returns io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		body, ok, err := r.dec.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return body, nil
		}
		n, err := r.r.Read(r.chunk)
		if n > 0 {
			if ferr := r.dec.Feed(r.chunk[:n]); ferr != nil {
				return nil, ferr
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && r.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
