package jobsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nixpig/cronmon/internal/eventstream"
)

// DefaultIdleTimeout is how long a stream may go without an event before the
// Session is failed.
const DefaultIdleTimeout = 5 * time.Minute

// ErrControllerClosed is returned by Trigger and Retry after Close.
var ErrControllerClosed = errors.New("controller closed")

// Executor is the cron manager as seen by the Controller.
type Executor interface {
	// Trigger starts the job and returns its event stream. The caller closes
	// the stream.
	Trigger(ctx context.Context, jobID string) (io.ReadCloser, error)

	// Kill asks the cron manager to kill the job and returns the job ID it
	// acknowledged.
	Kill(ctx context.Context, jobID string) (string, error)
}

// Controller owns the current Session and enforces that at most one Session
// is triggering or streaming at a time.
type Controller struct {
	executor    Executor
	logger      *slog.Logger
	idleTimeout time.Duration

	// base parents every stream and is cancelled by Close.
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	current  *Session
	streams  map[*Session]context.CancelFunc
	reloaded *Session
	closed   bool

	wg sync.WaitGroup
}

// NewController creates a Controller. An idleTimeout of zero disables the
// idle timeout.
func NewController(
	executor Executor,
	logger *slog.Logger,
	idleTimeout time.Duration,
) *Controller {
	base, cancelBase := context.WithCancel(context.Background())

	return &Controller{
		executor:    executor,
		logger:      logger,
		idleTimeout: idleTimeout,
		base:        base,
		cancelBase:  cancelBase,
		streams:     make(map[*Session]context.CancelFunc),
	}
}

// Trigger starts a new Session for jobID and begins streaming in the
// background. It returns ErrSessionActive if a Session is already
// triggering or streaming; the caller must kill it first.
//
// The stream lives until it ends, the Session is killed, ctx is done, or the
// Controller is closed.
func (c *Controller) Trigger(ctx context.Context, jobID string) (*Session, error) {
	if jobID == "" {
		return nil, ErrInvalidJobID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrControllerClosed
	}

	if c.current != nil && c.current.State().Active() {
		return nil, ErrSessionActive
	}

	s := NewSession(jobID)

	streamCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.base, cancel)

	c.current = s
	c.streams[s] = cancel

	c.wg.Go(func() {
		defer func() {
			stop()
			cancel()

			c.mu.Lock()
			delete(c.streams, s)
			c.mu.Unlock()
		}()

		c.run(streamCtx, s)
	})

	return s, nil
}

// Kill kills the active Session for jobID. The kill request to the cron
// manager is best effort: whatever it returns, the Session is moved to
// StateKilled locally and late events from its stream are ignored.
func (c *Controller) Kill(ctx context.Context, jobID string) (*Session, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()

	if s == nil || s.JobID() != jobID || !s.State().Active() {
		return nil, ErrNoActiveSession
	}

	logger := c.sessionLogger(s)

	ackJobID, err := c.executor.Kill(ctx, jobID)
	if err != nil {
		logger.Warn("kill request failed", "err", err)
		s.Note("Kill request failed: " + err.Error())
	}

	if err := s.Kill(ackJobID); err != nil {
		// The stream ended while the kill request was in flight.
		return s, err
	}

	// The stream may still be waiting for the response to the trigger.
	c.cancelStream(s)

	logger.Info("job session killed")

	return s, nil
}

// Retry triggers the job of the most recent Session again, as a new Session.
// It returns ErrNothingToRetry, without any request, if nothing has been
// triggered yet.
func (c *Controller) Retry(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()

	if s == nil {
		return nil, ErrNothingToRetry
	}

	return c.Trigger(ctx, s.JobID())
}

// Current returns the most recent Session, or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// State returns a snapshot of the most recent Session, or an Idle snapshot
// if nothing has been triggered.
func (c *Controller) State() Snapshot {
	s := c.Current()
	if s == nil {
		return Snapshot{State: StateIdle}
	}

	return s.Snapshot()
}

// ReloadLogs reports whether historical logs for viewingJobID should be
// reloaded because its Session has just finished. It returns true at most
// once per Session.
func (c *Controller) ReloadLogs(viewingJobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.current

	if s == nil || s == c.reloaded || s.JobID() != viewingJobID {
		return false
	}

	if !s.State().Terminal() {
		return false
	}

	c.reloaded = s

	return true
}

// Close cancels any active stream and waits for it to finish. Trigger fails
// after Close.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancelBase()

	c.wg.Wait()
}

func (c *Controller) cancelStream(s *Session) {
	c.mu.Lock()
	cancel, ok := c.streams[s]
	c.mu.Unlock()

	if ok {
		cancel()
	}
}

func (c *Controller) sessionLogger(s *Session) *slog.Logger {
	return c.logger.With("job_id", s.JobID(), "session_id", s.ID())
}

func (c *Controller) run(ctx context.Context, s *Session) {
	logger := c.sessionLogger(s)

	logger.Info("triggering job")

	body, err := c.executor.Trigger(ctx, s.JobID())
	if err != nil {
		c.fail(logger, s, err)
		return
	}

	if err := s.Open(); err != nil {
		// Killed while the request was in flight.
		logger.Debug("discard stream", "err", err)

		if err := body.Close(); err != nil {
			logger.Debug("close stream", "err", err)
		}

		return
	}

	events := make(chan eventstream.Event)
	readErr := make(chan error, 1)

	dec := eventstream.NewDecoder(body)
	dec.OnMalformed(func(err eventstream.ProtocolError) {
		logger.Debug("skipped malformed record", "err", err)
	})

	var reader sync.WaitGroup

	reader.Go(func() {
		defer close(events)

		for dec.Next() {
			select {
			case events <- dec.Event():
			case <-s.Done():
				return
			case <-ctx.Done():
				return
			}
		}

		readErr <- dec.Err()
	})

	defer func() {
		// Closing the body unblocks a pending read.
		if err := body.Close(); err != nil {
			logger.Debug("close stream", "err", err)
		}

		reader.Wait()

		snap := s.Snapshot()
		logger.Info(
			"job session finished",
			"state", snap.State,
			"errored", snap.Errored,
			"lines", len(snap.Lines),
			"malformed", dec.Malformed(),
			"truncated", dec.Truncated(),
			"duration", snap.FinishedAt.Sub(snap.StartedAt),
		)
	}()

	var idle <-chan time.Time
	resetIdle := func() {}

	if c.idleTimeout > 0 {
		timer := time.NewTimer(c.idleTimeout)
		defer timer.Stop()

		idle = timer.C
		resetIdle = func() { timer.Reset(c.idleTimeout) }
	}

	c.dispatch(ctx, logger, s, events, readErr, idle, resetIdle)
}

// dispatch applies events in arrival order until the Session is terminal.
func (c *Controller) dispatch(
	ctx context.Context,
	logger *slog.Logger,
	s *Session,
	events <-chan eventstream.Event,
	readErr <-chan error,
	idle <-chan time.Time,
	resetIdle func(),
) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				var err error

				select {
				case err = <-readErr:
				default:
				}

				if err == nil {
					err = ErrStreamClosed
				}

				c.fail(logger, s, err)

				return
			}

			resetIdle()

			if err := s.Apply(ev); err != nil {
				logger.Debug("ignored event", "kind", ev.Kind, "err", err)
			}

			if s.State().Terminal() {
				return
			}

		case <-idle:
			c.fail(logger, s, ErrIdleTimeout)
			return

		case <-s.Done():
			// Killed.
			return

		case <-ctx.Done():
			c.fail(logger, s, ctx.Err())
			return
		}
	}
}

func (c *Controller) fail(logger *slog.Logger, s *Session, err error) {
	if s.Fail(err) != nil {
		// Already terminal, e.g. killed while the request was in flight.
		return
	}

	logger.Warn("job session failed", "err", err)
}
