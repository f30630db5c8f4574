// Package output provides the live line feed of a job session. Multiple
// clients can subscribe to a Feed and each receive every line from the
// beginning, then block waiting for new lines until the feed is closed.
package output

import (
	"sync"

	"github.com/nixpig/cronmon/internal/logmerge"
)

// initialCapacity is the starting number of lines held by a Feed.
// TODO: Observe and tune based on typical job output.
const initialCapacity = 256

// Feed is an append-only sequence of lines with blocking subscribers. The
// internal slice grows indefinitely to accommodate new lines.
type Feed struct {
	// NOTE: the feed grows with no upper bound, on the assumption that the
	// output of a single interactive run fits in memory.
	lines []logmerge.Line

	done chan struct{}
	mu   sync.Mutex
	cond sync.Cond
}

// NewFeed creates an open, empty Feed.
func NewFeed() *Feed {
	f := &Feed{
		lines: make([]logmerge.Line, 0, initialCapacity),
		done:  make(chan struct{}),
	}

	f.cond.L = &f.mu

	return f
}

// Append adds lines to the feed and wakes any waiting subscribers. It
// returns false, and appends nothing, once the feed is closed.
func (f *Feed) Append(lines ...logmerge.Line) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isDone() {
		return false
	}

	f.lines = append(f.lines, lines...)

	f.cond.Broadcast()

	return true
}

// Close marks the feed as complete. Subscribers drain the remaining lines
// and then stop. Closing a closed feed is a no-op.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isDone() {
		return
	}

	close(f.done)

	f.cond.Broadcast()
}

// Lines returns a copy of every line appended so far.
func (f *Feed) Lines() []logmerge.Line {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]logmerge.Line, len(f.lines))
	copy(out, f.lines)

	return out
}

// Subscribe returns a Reader positioned at the first line of the feed.
func (f *Feed) Subscribe() *Reader {
	return &Reader{f: f}
}

// Done returns a channel that is closed when the feed is closed.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

func (f *Feed) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
