// Package eventstream decodes the line-oriented event stream returned by the
// cron manager when a job is triggered with `Accept: text/event-stream`.
//
// A record is made of an optional `event: <name>` line followed by a
// `data: <value>` line. The data line completes the record. Every other line
// is ignored.
//
//	event: stdout
//	data: hello, world
//
// Input may arrive in arbitrary chunks. A line split across chunks is
// buffered until its newline arrives, and the pending event name survives
// chunk boundaries, so the decoded events never depend on how the input was
// split.
package eventstream

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	eventPrefix = "event: "
	dataPrefix  = "data: "

	// MaxLineSize bounds a single buffered line. Longer lines are dropped as
	// malformed rather than growing the buffer without limit.
	MaxLineSize = 1 << 20
)

// Kind is the type of a stream event.
type Kind string

const (
	KindStart    Kind = "start"
	KindCommand  Kind = "command"
	KindStdout   Kind = "stdout"
	KindStderr   Kind = "stderr"
	KindError    Kind = "error"
	KindComplete Kind = "complete"
	KindEnd      Kind = "end"

	// KindMessage is the kind of a record with no event line.
	KindMessage Kind = "message"
)

// Event is a single decoded record.
type Event struct {
	Kind    Kind
	Payload string
}

func (e Event) String() string {
	return fmt.Sprintf("%s: %q", e.Kind, e.Payload)
}

// ProtocolError describes a malformed line that was skipped.
type ProtocolError struct {
	Line   int
	Reason string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("malformed record at line %d: %s", e.Line, e.Reason)
}

// Parser incrementally decodes events from chunks of input. The zero value
// is ready to use. A Parser is not safe for concurrent use.
type Parser struct {
	// OnMalformed, if set, is called for every skipped line.
	OnMalformed func(ProtocolError)

	buf       []byte
	pending   Kind
	line      int
	malformed int
	// discarding is set while skipping the remainder of an oversized line.
	discarding bool
}

// Feed consumes the next chunk of input and returns the events completed by
// it, in input order. Any incomplete trailing line is kept for the next call.
func (p *Parser) Feed(chunk []byte) []Event {
	var events []Event

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			p.buffer(chunk)
			break
		}

		p.buffer(chunk[:i])
		chunk = chunk[i+1:]

		if p.discarding {
			p.discarding = false
			p.buf = p.buf[:0]
			continue
		}

		if ev, ok := p.parseLine(string(p.buf)); ok {
			events = append(events, ev)
		}

		p.buf = p.buf[:0]
	}

	return events
}

// Pending reports whether part of a line is buffered, waiting for more
// input.
func (p *Parser) Pending() bool {
	return len(p.buf) > 0 || p.discarding
}

// Malformed returns the number of lines skipped as malformed.
func (p *Parser) Malformed() int {
	return p.malformed
}

func (p *Parser) buffer(b []byte) {
	if p.discarding {
		return
	}

	if len(p.buf)+len(b) > MaxLineSize {
		p.line++
		p.reject(fmt.Sprintf("line exceeds %d bytes", MaxLineSize))
		p.buf = p.buf[:0]
		p.discarding = true
		return
	}

	p.buf = append(p.buf, b...)
}

func (p *Parser) parseLine(line string) (Event, bool) {
	p.line++

	line = strings.TrimSuffix(line, "\r")

	switch {
	case strings.HasPrefix(line, eventPrefix):
		name := strings.TrimSpace(line[len(eventPrefix):])
		if name == "" {
			p.pending = ""
			p.reject("empty event name")
			return Event{}, false
		}

		p.pending = Kind(name)

	case strings.HasPrefix(line, dataPrefix):
		kind := p.pending
		if kind == "" {
			kind = KindMessage
		}

		p.pending = ""

		return Event{Kind: kind, Payload: line[len(dataPrefix):]}, true
	}

	return Event{}, false
}

func (p *Parser) reject(reason string) {
	p.malformed++

	if p.OnMalformed != nil {
		p.OnMalformed(ProtocolError{Line: p.line, Reason: reason})
	}
}
