package eventstream

import (
	"errors"
	"io"
	"iter"
)

// readBufferSize is the temporary buffer size for reading from the source.
// 4KB aligns with typical socket and pipe buffer sizes.
const readBufferSize = 4096

// Decoder reads events from an io.Reader.
//
// Usage:
//
//	dec := eventstream.NewDecoder(body)
//	for dec.Next() {
//		ev := dec.Event()
//		// ...
//	}
//	if err := dec.Err(); err != nil {
//		// the stream broke before EOF
//	}
type Decoder struct {
	src    io.Reader
	parser Parser
	buf    []byte
	queue  []Event
	cur    Event
	err    error
	eof    bool
}

// NewDecoder creates a Decoder reading from src.
func NewDecoder(src io.Reader) *Decoder {
	return &Decoder{
		src: src,
		buf: make([]byte, readBufferSize),
	}
}

// OnMalformed sets a callback invoked for every skipped malformed line.
func (d *Decoder) OnMalformed(fn func(ProtocolError)) {
	d.parser.OnMalformed = fn
}

// Next advances to the next event, reading more input as needed. It returns
// false at the end of input or on a read error; use Err to tell them apart.
func (d *Decoder) Next() bool {
	for len(d.queue) == 0 {
		if d.eof || d.err != nil {
			return false
		}

		n, err := d.src.Read(d.buf)
		if n > 0 {
			d.queue = append(d.queue, d.parser.Feed(d.buf[:n])...)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				d.eof = true
			} else {
				d.err = err
			}
		}
	}

	d.cur = d.queue[0]
	d.queue = d.queue[1:]

	return true
}

// Event returns the event most recently read by Next.
func (d *Decoder) Event() Event {
	return d.cur
}

// Err returns the first non-EOF read error.
func (d *Decoder) Err() error {
	return d.err
}

// Truncated reports whether input ended in the middle of a line. The partial
// line is never emitted.
func (d *Decoder) Truncated() bool {
	return d.eof && d.parser.Pending()
}

// Malformed returns the number of lines skipped as malformed so far.
func (d *Decoder) Malformed() int {
	return d.parser.Malformed()
}

// Events returns an iterator over the remaining events. A read error is
// yielded once as the final element.
func (d *Decoder) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for d.Next() {
			if !yield(d.Event(), nil) {
				return
			}
		}

		if err := d.Err(); err != nil {
			yield(Event{}, err)
		}
	}
}
