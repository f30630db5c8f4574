package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nixpig/cronmon/internal/cronapi"
	"github.com/nixpig/cronmon/internal/jobsession"
	"github.com/nixpig/cronmon/internal/render"
	"github.com/spf13/cobra"
)

// killTimeout bounds the kill request sent on interrupt.
const killTimeout = 10 * time.Second

func (c *cli) jobsCmd() *cobra.Command {
	var showEnv bool

	command := &cobra.Command{
		Use:     "jobs [flags]",
		Short:   "List jobs",
		Example: "  cronctl jobs --env",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.requestContext(cmd.Context())
			defer cancel()

			list, err := c.client.ListJobs(ctx)
			if err != nil {
				return mapError(err)
			}

			p := c.printer(cmd.OutOrStdout())

			if err := p.Jobs(list.Jobs); err != nil {
				return err
			}

			if showEnv {
				fmt.Fprintln(cmd.OutOrStdout())
				return p.Env(list.Env)
			}

			return nil
		},
	}

	command.Flags().BoolVar(&showEnv, "env", false, "Also list crontab environment variables")

	return command
}

func (c *cli) logsCmd() *cobra.Command {
	logType := &logTypeFlag{}

	command := &cobra.Command{
		Use:   "logs [flags] JOB_ID|ALL",
		Short: "Show historical logs of a job, or of every job",
		Example: "  cronctl logs backup --type both\n" +
			"  cronctl logs ALL --type stderr",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("type") {
				if err := logType.Set(c.cfg.LogType); err != nil {
					return err
				}
			}

			ctx, cancel := c.requestContext(cmd.Context())
			defer cancel()

			view, err := c.viewer().Lines(ctx, args[0], logType.value)
			if err != nil {
				return mapError(err)
			}

			c.printer(cmd.OutOrStdout()).View(view)

			return nil
		},
	}

	command.Flags().Var(logType, "type", "Log type: stdout, stderr or both")

	return command
}

func (c *cli) triggerCmd() *cobra.Command {
	var (
		retries     int
		idleTimeout time.Duration
		showLogs    bool
	)

	command := &cobra.Command{
		Use:   "trigger [flags] JOB_ID",
		Short: "Trigger a job and follow its output",
		Long: "Trigger a job and follow its output until it ends.\n\n" +
			"Interrupting (Ctrl-C) kills the job. The exit status is non-zero\n" +
			"unless the job completes without error.",
		Example: "  cronctl trigger backup --retries 2",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if retries < 0 {
				return errors.New("retries must not be negative")
			}

			if !cmd.Flags().Changed("idle-timeout") {
				idleTimeout = c.cfg.IdleTimeout
			}

			ctrl := jobsession.NewController(c.client, c.logger, idleTimeout)
			defer ctrl.Close()

			p := c.printer(cmd.OutOrStdout())

			// The stream outlives an interrupt so the kill can be observed.
			streamCtx := context.WithoutCancel(cmd.Context())

			s, err := ctrl.Trigger(streamCtx, args[0])
			if err != nil {
				return mapError(err)
			}

			for attempt := 0; ; attempt++ {
				snap := c.follow(cmd.Context(), ctrl, s, p)

				if showLogs && ctrl.ReloadLogs(args[0]) {
					c.showLogs(cmd.Context(), p, args[0])
				}

				if snap.State != jobsession.StateFailed || attempt >= retries ||
					cmd.Context().Err() != nil {
					return exitError(snap)
				}

				p.Notice(fmt.Sprintf("Retrying (%d/%d)...", attempt+1, retries))

				if s, err = ctrl.Retry(streamCtx); err != nil {
					return mapError(err)
				}
			}
		},
	}

	command.Flags().IntVar(&retries, "retries", 0, "Retry a failed job up to N times")

	command.Flags().DurationVar(
		&idleTimeout,
		"idle-timeout",
		jobsession.DefaultIdleTimeout,
		"Fail the stream after this long without an event (0 disables)",
	)

	command.Flags().BoolVar(
		&showLogs,
		"show-logs",
		false,
		"Show the job's historical logs once it ends",
	)

	return command
}

// follow prints a Session's output until it is terminal, killing the job if
// ctx is cancelled first, and returns its final snapshot.
func (c *cli) follow(
	ctx context.Context,
	ctrl *jobsession.Controller,
	s *jobsession.Session,
	p *render.Printer,
) jobsession.Snapshot {
	sub := s.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup

	wg.Go(func() {
		for {
			line, ok := sub.Next()
			if !ok {
				return
			}

			p.Line(line)
		}
	})

	select {
	case <-s.Done():
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
		defer cancel()

		if _, err := ctrl.Kill(killCtx, s.JobID()); err != nil {
			c.logger.Debug("kill on interrupt", "job_id", s.JobID(), "err", err)
		}

		<-s.Done()
	}

	wg.Wait()

	snap := s.Snapshot()
	p.Summary(snap)

	return snap
}

func (c *cli) showLogs(ctx context.Context, p *render.Printer, jobID string) {
	ctx, cancel := c.requestContext(context.WithoutCancel(ctx))
	defer cancel()

	view, err := c.viewer().Lines(ctx, jobID, cronapi.LogBoth)
	if err != nil {
		p.Notice("Error loading logs: " + mapError(err).Error())
		return
	}

	p.View(view)
}

// jobExitError reports a job that ended without completing.
type jobExitError struct {
	snap jobsession.Snapshot
}

func (e *jobExitError) Error() string {
	return fmt.Sprintf("job %s %s", e.snap.JobID, strings.ToLower(e.snap.State.String()))
}

// exitError returns nil only for a Completed session.
func exitError(snap jobsession.Snapshot) error {
	if snap.State == jobsession.StateCompleted {
		return nil
	}

	return &jobExitError{snap: snap}
}

func (c *cli) killCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "kill [flags] JOB_ID",
		Short:   "Kill a running job",
		Example: "  cronctl kill backup",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.requestContext(cmd.Context())
			defer cancel()

			ack, err := c.client.Kill(ctx, args[0])
			if err != nil {
				return mapError(err)
			}

			if ack == "" {
				ack = args[0]
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Job %s killed\n", ack)

			return nil
		},
	}

	return command
}

func (c *cli) watchCmd() *cobra.Command {
	var interval time.Duration

	command := &cobra.Command{
		Use:     "watch [flags]",
		Short:   "Periodically list jobs",
		Example: "  cronctl watch --interval 10s",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("interval") {
				interval = c.cfg.RefreshInterval
			}

			if interval <= 0 {
				return errors.New("interval must be positive")
			}

			p := c.printer(cmd.OutOrStdout())

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				c.refreshJobs(cmd.Context(), p)

				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	command.Flags().DurationVar(&interval, "interval", 5*time.Second, "Refresh interval")

	return command
}

// refreshJobs prints the job list once. Failures are reported and do not stop
// the polling.
func (c *cli) refreshJobs(ctx context.Context, p *render.Printer) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	list, err := c.client.ListJobs(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		c.logger.Warn("list jobs", "err", err)
		p.Notice("Error loading jobs: " + mapError(err).Error())

		return
	}

	p.Notice(time.Now().Format(time.TimeOnly))

	if err := p.Jobs(list.Jobs); err != nil {
		c.logger.Warn("print jobs", "err", err)
	}
}
