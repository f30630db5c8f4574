// Package logview assembles historical job logs into display lines, for a
// single job or for every job at once.
package logview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nixpig/cronmon/internal/cronapi"
	"github.com/nixpig/cronmon/internal/logmerge"
	"golang.org/x/sync/errgroup"
)

// AllJobs selects the aggregate view over every job.
const AllJobs = "ALL"

// DefaultConcurrency is the default number of log fetches in flight for the
// aggregate view.
const DefaultConcurrency = 8

const (
	NoticeNoLogFile    = "No log file found for this job."
	NoticeNoContent    = "No log content found."
	NoticeEmptyLogFile = "Log file is empty."
	NoticeNoJobs       = "No jobs found."

	noticeJobNoLogFile = "No log file found."
)

// Source is the cron manager as seen by the Viewer.
type Source interface {
	ListJobs(ctx context.Context) (*cronapi.JobList, error)
	FetchLogs(ctx context.Context, jobID string, logType cronapi.LogType) (*cronapi.Logs, error)
}

// View is what to display. When Notice is set there is nothing else to show.
type View struct {
	Lines  []logmerge.Line
	Notice string
}

// Viewer fetches and assembles historical logs.
type Viewer struct {
	source      Source
	logger      *slog.Logger
	concurrency int
}

// NewViewer creates a Viewer. A concurrency below one uses
// DefaultConcurrency.
func NewViewer(source Source, logger *slog.Logger, concurrency int) *Viewer {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	return &Viewer{
		source:      source,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Lines returns the logs of jobID, or of every job if jobID is AllJobs. A
// missing log file is reported as a notice rather than an error.
func (v *Viewer) Lines(
	ctx context.Context,
	jobID string,
	logType cronapi.LogType,
) (View, error) {
	if jobID == "" {
		return View{}, errors.New("job ID is required")
	}

	if jobID == AllJobs {
		return v.all(ctx, logType)
	}

	logs, err := v.source.FetchLogs(ctx, jobID, logType)
	if errors.Is(err, cronapi.ErrNotFound) {
		return View{Notice: NoticeNoLogFile}, nil
	}
	if err != nil {
		return View{}, fmt.Errorf("load logs for job '%s': %w", jobID, err)
	}

	lines := toLines(logs)

	if len(lines) == 0 {
		if logType == cronapi.LogBoth {
			return View{Notice: NoticeNoContent}, nil
		}

		return View{Notice: NoticeEmptyLogFile}, nil
	}

	return View{Lines: lines}, nil
}

func (v *Viewer) all(ctx context.Context, logType cronapi.LogType) (View, error) {
	list, err := v.source.ListJobs(ctx)
	if err != nil {
		return View{}, fmt.Errorf("load jobs: %w", err)
	}

	if len(list.Jobs) == 0 {
		return View{Notice: NoticeNoJobs}, nil
	}

	blocks := make([]logmerge.JobBlock, len(list.Jobs))

	var g errgroup.Group
	g.SetLimit(v.concurrency)

	for i, job := range list.Jobs {
		blocks[i].JobID = job.ID

		g.Go(func() error {
			// Failures are confined to the job's own block.
			logs, err := v.source.FetchLogs(ctx, job.ID, logType)

			switch {
			case errors.Is(err, cronapi.ErrNotFound):
				blocks[i].Notice = noticeJobNoLogFile

			case err != nil:
				v.logger.Debug("load logs", "job_id", job.ID, "err", err)
				blocks[i].Err = err

			default:
				blocks[i].Lines = toLines(logs)
			}

			return nil
		})
	}

	_ = g.Wait()

	// Every job gets a header, even when its log is empty.
	return View{Lines: logmerge.Aggregate(blocks)}, nil
}

func toLines(logs *cronapi.Logs) []logmerge.Line {
	switch logs.Type {
	case cronapi.LogBoth:
		if logs.HasMerged() {
			return logmerge.FromRecords(logs.Merged)
		}

		return logmerge.FromBlobs(logs.Stdout, logs.Stderr)

	case cronapi.LogStderr:
		return logmerge.FromText(logmerge.SourceStderr, logs.Text)

	default:
		return logmerge.FromText(logmerge.SourceStdout, logs.Text)
	}
}
