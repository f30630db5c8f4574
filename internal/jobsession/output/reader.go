package output

import (
	"sync/atomic"

	"github.com/nixpig/cronmon/internal/logmerge"
)

// Reader follows a Feed, internally managing its position and waiting for
// new lines as they arrive. Safe for concurrent use.
type Reader struct {
	position int
	closed   atomic.Bool

	f *Feed
}

// Next performs a blocking read of the next line. It returns false when the
// reader is closed, or when the feed is closed and every line has been read.
func (r *Reader) Next() (logmerge.Line, bool) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	// Broadcast is called on 'close' and on 'more lines available'.
	for r.position >= len(r.f.lines) && !r.isFinished() {
		r.f.cond.Wait()
	}

	if r.isFinished() {
		return logmerge.Line{}, false
	}

	line := r.f.lines[r.position]
	r.position++

	return line, true
}

// Close is used by a client to 'unsubscribe'. It marks the reader as closed
// and wakes a blocked Next.
func (r *Reader) Close() error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()

	r.closed.Store(true)

	r.f.cond.Broadcast()

	return nil
}

func (r *Reader) isFinished() bool {
	// Finished if the reader is closed or the feed is done and every line has
	// been read.
	return r.closed.Load() ||
		(r.f.isDone() && r.position >= len(r.f.lines))
}
