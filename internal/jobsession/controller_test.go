package jobsession_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nixpig/cronmon/internal/jobsession"
	"github.com/nixpig/cronmon/internal/logmerge"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const completedStream = "event: start\ndata: Job backup started\n\n" +
	"event: command\ndata: Executing: ./backup.sh\n\n" +
	"event: stdout\ndata: copying\n\n" +
	"event: stderr\ndata: slow disk\n\n" +
	"event: complete\ndata: Job completed successfully in 1s\n\n" +
	"event: end\ndata: \n\n"

type fakeExecutor struct {
	mu       sync.Mutex
	triggers []string
	kills    []string

	open func(jobID string) (io.ReadCloser, error)
	// openCtx, if set, is used instead of open.
	openCtx func(ctx context.Context, jobID string) (io.ReadCloser, error)
	killAck string
	killErr error
}

func (f *fakeExecutor) Trigger(
	ctx context.Context,
	jobID string,
) (io.ReadCloser, error) {
	f.mu.Lock()
	f.triggers = append(f.triggers, jobID)
	open, openCtx := f.open, f.openCtx
	f.mu.Unlock()

	if openCtx != nil {
		return openCtx(ctx, jobID)
	}

	return open(jobID)
}

func (f *fakeExecutor) Kill(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.kills = append(f.kills, jobID)

	return f.killAck, f.killErr
}

func (f *fakeExecutor) triggerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.triggers)
}

func streamOf(body string) func(string) (io.ReadCloser, error) {
	return func(string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

// pipeStream hands out the read side of a pipe so the test controls when
// events arrive.
type pipeStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func newPipeStream() *pipeStream {
	pr, pw := io.Pipe()
	return &pipeStream{pr: pr, pw: pw}
}

func (p *pipeStream) open(string) (io.ReadCloser, error) {
	return p.pr, nil
}

func (p *pipeStream) send(t *testing.T, body string) {
	t.Helper()

	if _, err := p.pw.Write([]byte(body)); err != nil {
		t.Fatalf("expected write to stream not to fail: got '%v'", err)
	}
}

func newTestController(
	t *testing.T,
	executor jobsession.Executor,
	idleTimeout time.Duration,
) *jobsession.Controller {
	t.Helper()

	c := jobsession.NewController(
		executor,
		slog.New(slog.DiscardHandler),
		idleTimeout,
	)

	t.Cleanup(c.Close)

	return c
}

func waitDone(t *testing.T, s *jobsession.Session) jobsession.Snapshot {
	t.Helper()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("expected session to finish: state '%s'", s.State())
	}

	return s.Snapshot()
}

func waitState(t *testing.T, s *jobsession.Session, want jobsession.State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return s.State() == want
	}, 5*time.Second, time.Millisecond)
}

func TestControllerTrigger(t *testing.T) {
	t.Parallel()

	t.Run("Test idle controller", func(t *testing.T) {
		t.Parallel()

		c := newTestController(t, &fakeExecutor{}, 0)

		require.Nil(t, c.Current())
		require.Equal(t, jobsession.StateIdle, c.State().State)
	})

	t.Run("Test stream to completion", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{open: streamOf(completedStream)}
		c := newTestController(t, exec, 0)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		snap := waitDone(t, s)

		require.Equal(t, jobsession.StateCompleted, snap.State)
		require.False(t, snap.Errored)
		require.Equal(t, "Job backup completed", snap.Message)
		require.Equal(t, []logmerge.Line{
			{Source: logmerge.SourceMeta, Text: "Executing: ./backup.sh"},
			{Source: logmerge.SourceStdout, Text: "copying"},
			{Source: logmerge.SourceStderr, Text: "slow disk"},
		}, snap.Lines)

		require.Equal(t, snap, c.State())
	})

	t.Run("Test error event fails session", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{open: streamOf(
			"event: start\ndata: go\n\n" +
				"event: error\ndata: Job completed with error: exit status 1\n\n" +
				"event: end\ndata: \n\n",
		)}
		c := newTestController(t, exec, 0)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		snap := waitDone(t, s)

		require.Equal(t, jobsession.StateFailed, snap.State)
		require.True(t, snap.Errored)
		require.Nil(t, snap.Cause)
		require.Equal(
			t,
			"ERROR: Job completed with error: exit status 1",
			snap.Lines[0].Text,
		)
	})

	t.Run("Test stream closed without end", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{open: streamOf(
			"event: start\ndata: go\n\nevent: stdout\ndata: partial\n\n",
		)}
		c := newTestController(t, exec, 0)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		snap := waitDone(t, s)

		require.Equal(t, jobsession.StateFailed, snap.State)
		require.True(t, snap.Errored)
		require.ErrorIs(t, snap.Cause, jobsession.ErrStreamClosed)
		require.Equal(t, "Error streaming job output", snap.Message)
		require.Equal(t, logmerge.SourceStderr, snap.Lines[len(snap.Lines)-1].Source)
	})

	t.Run("Test stream closed before any event", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{open: streamOf("")}
		c := newTestController(t, exec, 0)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		snap := waitDone(t, s)

		require.Equal(t, jobsession.StateFailed, snap.State)
		require.Equal(t, "Error streaming job output", snap.Message)
		require.Equal(t, []logmerge.Line{{
			Source: logmerge.SourceStderr,
			Text:   "Connection error: " + jobsession.ErrStreamClosed.Error(),
		}}, snap.Lines)

		var transportErr *jobsession.TransportError
		require.ErrorAs(t, snap.Cause, &transportErr)
		require.True(t, transportErr.Streaming)
	})

	t.Run("Test trigger request fails", func(t *testing.T) {
		t.Parallel()

		wantErr := errors.New("HTTP error! status: 404")

		exec := &fakeExecutor{open: func(string) (io.ReadCloser, error) {
			return nil, wantErr
		}}
		c := newTestController(t, exec, 0)

		s, err := c.Trigger(context.Background(), "missing")
		require.NoError(t, err)

		snap := waitDone(t, s)

		require.Equal(t, jobsession.StateFailed, snap.State)
		require.ErrorIs(t, snap.Cause, wantErr)

		var transportErr *jobsession.TransportError
		require.ErrorAs(t, snap.Cause, &transportErr)
		require.False(t, transportErr.Streaming)
	})

	t.Run("Test empty job ID", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{open: streamOf(completedStream)}
		c := newTestController(t, exec, 0)

		_, err := c.Trigger(context.Background(), "")
		require.ErrorIs(t, err, jobsession.ErrInvalidJobID)
		require.Zero(t, exec.triggerCount())
	})

	t.Run("Test single active session", func(t *testing.T) {
		t.Parallel()

		stream := newPipeStream()
		exec := &fakeExecutor{open: stream.open}
		c := newTestController(t, exec, 0)

		first, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		_, err = c.Trigger(context.Background(), "cleanup")
		require.ErrorIs(t, err, jobsession.ErrSessionActive)

		_, err = c.Retry(context.Background())
		require.ErrorIs(t, err, jobsession.ErrSessionActive)

		require.Same(t, first, c.Current())

		stream.send(t, "event: end\ndata: \n")
		waitDone(t, first)

		exec.mu.Lock()
		exec.open = streamOf(completedStream)
		exec.mu.Unlock()

		second, err := c.Trigger(context.Background(), "cleanup")
		require.NoError(t, err)
		require.NotEqual(t, first.ID(), second.ID())

		waitDone(t, second)
	})

	t.Run("Test idle timeout", func(t *testing.T) {
		t.Parallel()

		stream := newPipeStream()
		exec := &fakeExecutor{open: stream.open}
		c := newTestController(t, exec, 50*time.Millisecond)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		stream.send(t, "event: start\ndata: go\n")

		snap := waitDone(t, s)

		require.Equal(t, jobsession.StateFailed, snap.State)
		require.ErrorIs(t, snap.Cause, jobsession.ErrIdleTimeout)
	})

	t.Run("Test context cancellation", func(t *testing.T) {
		t.Parallel()

		stream := newPipeStream()
		exec := &fakeExecutor{open: stream.open}
		c := newTestController(t, exec, 0)

		ctx, cancel := context.WithCancel(context.Background())

		s, err := c.Trigger(ctx, "backup")
		require.NoError(t, err)

		stream.send(t, "event: start\ndata: go\n")
		waitState(t, s, jobsession.StateStreaming)

		cancel()

		snap := waitDone(t, s)

		require.Equal(t, jobsession.StateFailed, snap.State)
		require.ErrorIs(t, snap.Cause, context.Canceled)
	})

	t.Run("Test trigger after close", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{open: streamOf(completedStream)}
		c := newTestController(t, exec, 0)

		c.Close()

		_, err := c.Trigger(context.Background(), "backup")
		require.ErrorIs(t, err, jobsession.ErrControllerClosed)
	})
}

func TestControllerKill(t *testing.T) {
	t.Parallel()

	t.Run("Test kill active session", func(t *testing.T) {
		t.Parallel()

		stream := newPipeStream()
		exec := &fakeExecutor{open: stream.open, killAck: "backup"}
		c := newTestController(t, exec, 0)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		stream.send(t, "event: start\ndata: go\nevent: stdout\ndata: working\n")
		waitState(t, s, jobsession.StateStreaming)

		killed, err := c.Kill(context.Background(), "backup")
		require.NoError(t, err)
		require.Same(t, s, killed)

		snap := waitDone(t, s)

		require.Equal(t, jobsession.StateKilled, snap.State)
		require.True(t, snap.Errored)
		require.Equal(t, "Job backup killed", snap.Message)
		require.Equal(t, []string{"backup"}, exec.kills)

		// Late events are ignored; the stream is closed once the session is
		// killed so the writes fail.
		go func() {
			stream.pw.Write([]byte("event: stdout\ndata: late\nevent: end\ndata: \n"))
		}()

		time.Sleep(20 * time.Millisecond)

		after := s.Snapshot()
		require.Equal(t, jobsession.StateKilled, after.State)
		require.Equal(t, snap.Lines, after.Lines)
	})

	t.Run("Test kill while triggering", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})

		exec := &fakeExecutor{open: func(string) (io.ReadCloser, error) {
			<-release
			return io.NopCloser(strings.NewReader(completedStream)), nil
		}}
		c := newTestController(t, exec, 0)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		_, err = c.Kill(context.Background(), "backup")
		require.NoError(t, err)

		close(release)

		snap := waitDone(t, s)
		require.Equal(t, jobsession.StateKilled, snap.State)

		c.Close()

		require.Equal(t, jobsession.StateKilled, s.State())
	})

	t.Run("Test kill while triggering then trigger again", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{
			openCtx: func(ctx context.Context, jobID string) (io.ReadCloser, error) {
				if jobID == "stuck" {
					// No response until the request is cancelled.
					<-ctx.Done()
					return nil, ctx.Err()
				}

				return io.NopCloser(strings.NewReader(completedStream)), nil
			},
		}

		c := jobsession.NewController(exec, slog.New(slog.DiscardHandler), 0)

		stuck, err := c.Trigger(context.Background(), "stuck")
		require.NoError(t, err)

		_, err = c.Kill(context.Background(), "stuck")
		require.NoError(t, err)
		require.Equal(t, jobsession.StateKilled, waitDone(t, stuck).State)

		next, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)
		require.Equal(t, jobsession.StateCompleted, waitDone(t, next).State)

		closed := make(chan struct{})

		go func() {
			defer close(closed)
			c.Close()
		}()

		select {
		case <-closed:
		case <-time.After(5 * time.Second):
			t.Fatal("expected close to return once every stream is cancelled")
		}

		// The killed session is not turned into a failure by the cancellation.
		require.Equal(t, jobsession.StateKilled, stuck.State())
	})

	t.Run("Test close cancels pending trigger", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{
			openCtx: func(ctx context.Context, jobID string) (io.ReadCloser, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}

		c := jobsession.NewController(exec, slog.New(slog.DiscardHandler), 0)

		s, err := c.Trigger(context.Background(), "stuck")
		require.NoError(t, err)

		c.Close()

		snap := waitDone(t, s)
		require.Equal(t, jobsession.StateFailed, snap.State)
		require.ErrorIs(t, snap.Cause, context.Canceled)
	})

	t.Run("Test kill request failure still kills", func(t *testing.T) {
		t.Parallel()

		stream := newPipeStream()
		exec := &fakeExecutor{
			open:    stream.open,
			killErr: errors.New("Job not running"),
		}
		c := newTestController(t, exec, 0)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		stream.send(t, "event: start\ndata: go\n")
		waitState(t, s, jobsession.StateStreaming)

		_, err = c.Kill(context.Background(), "backup")
		require.NoError(t, err)

		snap := waitDone(t, s)

		require.Equal(t, jobsession.StateKilled, snap.State)
		require.True(t, snap.Errored)
		require.Contains(t, snap.Lines, logmerge.Line{
			Source: logmerge.SourceMeta,
			Text:   "Kill request failed: Job not running",
		})
	})

	t.Run("Test kill without active session", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{open: streamOf(completedStream)}
		c := newTestController(t, exec, 0)

		_, err := c.Kill(context.Background(), "backup")
		require.ErrorIs(t, err, jobsession.ErrNoActiveSession)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)
		waitDone(t, s)

		_, err = c.Kill(context.Background(), "backup")
		require.ErrorIs(t, err, jobsession.ErrNoActiveSession)
		require.Empty(t, exec.kills)
	})

	t.Run("Test kill other job", func(t *testing.T) {
		t.Parallel()

		stream := newPipeStream()
		exec := &fakeExecutor{open: stream.open}
		c := newTestController(t, exec, 0)

		s, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)

		_, err = c.Kill(context.Background(), "cleanup")
		require.ErrorIs(t, err, jobsession.ErrNoActiveSession)
		require.True(t, s.State().Active())

		stream.send(t, "event: end\ndata: \n")
		waitDone(t, s)
	})
}

func TestControllerRetry(t *testing.T) {
	t.Parallel()

	t.Run("Test nothing to retry", func(t *testing.T) {
		t.Parallel()

		exec := &fakeExecutor{open: streamOf(completedStream)}
		c := newTestController(t, exec, 0)

		_, err := c.Retry(context.Background())
		require.ErrorIs(t, err, jobsession.ErrNothingToRetry)
		require.Zero(t, exec.triggerCount())
	})

	t.Run("Test retry after failure", func(t *testing.T) {
		t.Parallel()

		attempts := 0

		exec := &fakeExecutor{}
		exec.open = func(string) (io.ReadCloser, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("connection refused")
			}

			return io.NopCloser(strings.NewReader(completedStream)), nil
		}

		c := newTestController(t, exec, 0)

		first, err := c.Trigger(context.Background(), "backup")
		require.NoError(t, err)
		require.Equal(t, jobsession.StateFailed, waitDone(t, first).State)

		second, err := c.Retry(context.Background())
		require.NoError(t, err)

		require.Equal(t, "backup", second.JobID())
		require.NotEqual(t, first.ID(), second.ID())
		require.Equal(t, jobsession.StateCompleted, waitDone(t, second).State)

		// The failed session keeps its own state.
		require.Equal(t, jobsession.StateFailed, first.State())
		require.True(t, first.Errored())
		require.False(t, second.Errored())

		require.Equal(t, 2, exec.triggerCount())
	})
}

func TestControllerReloadLogs(t *testing.T) {
	t.Parallel()

	stream := newPipeStream()
	exec := &fakeExecutor{open: stream.open}
	c := newTestController(t, exec, 0)

	require.False(t, c.ReloadLogs("backup"))

	s, err := c.Trigger(context.Background(), "backup")
	require.NoError(t, err)

	require.False(t, c.ReloadLogs("backup"))

	stream.send(t, "event: end\ndata: \n")
	waitDone(t, s)

	require.False(t, c.ReloadLogs("cleanup"))
	require.True(t, c.ReloadLogs("backup"))
	require.False(t, c.ReloadLogs("backup"))
}

func TestControllerStreamDiagnostics(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	exec := &fakeExecutor{open: streamOf(
		"event: start\ndata: go\n\n" +
			"event: \ndata: unnamed\n\n" +
			"event: stdout\ndata: parti",
	)}

	c := jobsession.NewController(
		exec,
		slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
		0,
	)

	s, err := c.Trigger(context.Background(), "backup")
	require.NoError(t, err)

	snap := waitDone(t, s)
	require.ErrorIs(t, snap.Cause, jobsession.ErrStreamClosed)

	// Close waits for the stream goroutine, so the log is complete.
	c.Close()

	var finished map[string]any

	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		var record map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &record))

		if record["msg"] == "job session finished" {
			finished = record
		}
	}

	require.NotNil(t, finished, "expected a job session finished record")
	require.Equal(t, "backup", finished["job_id"])
	require.Equal(t, float64(1), finished["malformed"])
	require.Equal(t, true, finished["truncated"])
}
