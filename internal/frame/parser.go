package frame

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"strings"
)

// Parser incrementally decodes frames from chunks that may split or merge
// frames at arbitrary byte offsets. The zero value is ready to use.
type Parser struct {
	buf     []byte
	event   string
	data    []string
	pending bool
}

// Push feeds one chunk and returns every frame completed by it, in order.
// Frames that fail to decode are returned as *MalformedFrameError and skipped.
func (p *Parser) Push(chunk []byte) ([]Frame, []error) {
	p.buf = append(p.buf, chunk...)

	var (
		frames []Frame
		errs   []error
	)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := p.buf[:i]
		p.buf = p.buf[i+1:]
		if f, ok, err := p.line(line); ok {
			if err != nil {
				errs = append(errs, err)
			} else {
				frames = append(frames, f)
			}
		}
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}
	return frames, errs
}

// Flush decodes whatever is left once the input has ended, including an event
// missing its terminating blank line.
func (p *Parser) Flush() ([]Frame, []error) {
	var (
		frames []Frame
		errs   []error
	)
	collect := func(f Frame, ok bool, err error) {
		if !ok {
			return
		}
		if err != nil {
			errs = append(errs, err)
			return
		}
		frames = append(frames, f)
	}

	if len(p.buf) > 0 {
		line := p.buf
		p.buf = nil
		collect(p.line(line))
	}
	collect(p.dispatch())
	return frames, errs
}

// Buffered returns the number of bytes held for an incomplete line.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// line processes one SSE line. ok is true when an event was dispatched.
func (p *Parser) line(raw []byte) (Frame, bool, error) {
	line := string(bytes.TrimSuffix(raw, []byte("\r")))

	if line == "" {
		return p.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return nil, false, nil
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "event":
		p.event = value
		p.pending = true
	case "data":
		p.data = append(p.data, value)
		p.pending = true
	}
	return nil, false, nil
}

func (p *Parser) dispatch() (Frame, bool, error) {
	if !p.pending {
		return nil, false, nil
	}
	event := p.event
	data := strings.Join(p.data, "\n")
	p.event = ""
	p.data = nil
	p.pending = false

	f, err := decode(event, data)
	if err != nil {
		return nil, true, &MalformedFrameError{Event: event, Data: data, Err: err}
	}
	return f, true, nil
}

const defaultReadSize = 4096

// Decoder pulls frames lazily from a reader.
type Decoder struct {
	r           io.Reader
	parser      Parser
	buf         []byte
	pending     []Frame
	err         error
	onMalformed func(error)
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMalformedHandler registers a hook invoked for every skipped frame.
func WithMalformedHandler(fn func(error)) DecoderOption {
	return func(d *Decoder) {
		d.onMalformed = fn
	}
}

// WithReadSize sets the size of each read from the underlying reader.
func WithReadSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.buf = make([]byte, n)
		}
	}
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{r: r}
	for _, opt := range opts {
		opt(d)
	}
	if d.buf == nil {
		d.buf = make([]byte, defaultReadSize)
	}
	return d
}

// Next returns the next frame. It returns io.EOF once the reader is exhausted
// and every buffered frame has been delivered. Read errors are returned after
// the frames decoded before them.
func (d *Decoder) Next() (Frame, error) {
	for {
		if len(d.pending) > 0 {
			f := d.pending[0]
			d.pending = d.pending[1:]
			return f, nil
		}
		if d.err != nil {
			return nil, d.err
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			frames, errs := d.parser.Push(d.buf[:n])
			d.report(errs)
			d.pending = append(d.pending, frames...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				frames, errs := d.parser.Flush()
				d.report(errs)
				d.pending = append(d.pending, frames...)
				d.err = io.EOF
			} else {
				d.err = err
			}
		}
	}
}

// All returns the frames as an iterator. Iteration stops after the first
// non-nil error, which is yielded once; io.EOF ends the sequence silently.
func (d *Decoder) All() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (d *Decoder) report(errs []error) {
	if d.onMalformed == nil {
		return
	}
	for _, err := range errs {
		d.onMalformed(err)
	}
}
