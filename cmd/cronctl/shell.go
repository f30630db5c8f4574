package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/nixpig/cronmon/internal/cronapi"
	"github.com/nixpig/cronmon/internal/jobsession"
	"github.com/nixpig/cronmon/internal/render"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const shellHelp = `Commands:
  trigger JOB_ID              trigger a job and stream its output
  kill                        kill the running job
  retry                       trigger the most recent job again
  status                      show the status of the most recent job
  logs JOB_ID|ALL [--type T]  show historical logs (stdout, stderr, both)
  jobs                        list jobs
  help                        show this help
  quit                        leave the shell`

// shell is an interactive console. Streams run in the background while
// commands are read; all output goes through print.
type shell struct {
	cli  *cli
	ctrl *jobsession.Controller
	ctx  context.Context

	mu      sync.Mutex
	printer *render.Printer
	out     io.Writer

	viewing     string
	viewingType cronapi.LogType

	followers sync.WaitGroup
}

func (c *cli) shellCmd() *cobra.Command {
	var idleTimeout time.Duration

	command := &cobra.Command{
		Use:     "shell [flags]",
		Short:   "Interactive console for triggering jobs and reading logs",
		Example: "  cronctl shell",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("idle-timeout") {
				idleTimeout = c.cfg.IdleTimeout
			}

			sh := &shell{
				cli:     c,
				ctrl:    jobsession.NewController(c.client, c.logger, idleTimeout),
				ctx:     cmd.Context(),
				printer: c.printer(cmd.OutOrStdout()),
				out:     cmd.OutOrStdout(),
			}

			return sh.run(cmd.InOrStdin())
		},
	}

	command.Flags().DurationVar(
		&idleTimeout,
		"idle-timeout",
		jobsession.DefaultIdleTimeout,
		"Fail a stream after this long without an event (0 disables)",
	)

	return command
}

func (sh *shell) run(in io.Reader) error {
	defer func() {
		// Active streams are cancelled; followers finish once their sessions
		// are terminal.
		sh.ctrl.Close()
		sh.followers.Wait()
	}()

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)

	// Not waited for: a read from a terminal cannot be interrupted.
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	sh.print(func(p *render.Printer) {
		p.Notice("Type 'help' for commands.")
	})

	for {
		select {
		case <-sh.ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				// End of input lets running jobs finish.
				sh.followers.Wait()
				return nil
			}

			quit, err := sh.exec(line)
			if err != nil {
				sh.print(func(p *render.Printer) {
					fmt.Fprintf(sh.out, "Error: %s\n", mapError(err))
				})
			}

			if quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	name, args := fields[0], fields[1:]

	switch name {
	case "quit", "exit":
		return true, nil

	case "help":
		sh.print(func(p *render.Printer) {
			fmt.Fprintln(sh.out, shellHelp)
		})

	case "trigger":
		if len(args) != 1 {
			return false, errors.New("usage: trigger JOB_ID")
		}

		s, err := sh.ctrl.Trigger(sh.ctx, args[0])
		if err != nil {
			return false, err
		}

		sh.follow(s)

	case "retry":
		s, err := sh.ctrl.Retry(sh.ctx)
		if err != nil {
			return false, err
		}

		sh.follow(s)

	case "kill":
		jobID := sh.ctrl.State().JobID
		if len(args) == 1 {
			jobID = args[0]
		}

		ctx, cancel := sh.cli.requestContext(sh.ctx)
		defer cancel()

		if _, err := sh.ctrl.Kill(ctx, jobID); err != nil {
			return false, err
		}

	case "status":
		snap := sh.ctrl.State()

		sh.print(func(p *render.Printer) {
			p.Status(snap)
		})

	case "logs":
		return false, sh.logs(args)

	case "jobs":
		ctx, cancel := sh.cli.requestContext(sh.ctx)
		defer cancel()

		list, err := sh.cli.client.ListJobs(ctx)
		if err != nil {
			return false, err
		}

		var printErr error

		sh.print(func(p *render.Printer) {
			printErr = p.Jobs(list.Jobs)
		})

		return false, printErr

	default:
		return false, fmt.Errorf("unknown command '%s': type 'help' for commands", name)
	}

	return false, nil
}

func (sh *shell) logs(args []string) error {
	fs := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	logType := &logTypeFlag{}
	if err := logType.Set(sh.cli.cfg.LogType); err != nil {
		return err
	}

	fs.Var(logType, "type", "Log type")

	if err := fs.Parse(args); err != nil {
		return err
	}

	// A bare trailing type is accepted too: logs JOB_ID both
	switch fs.NArg() {
	case 1:
	case 2:
		if err := logType.Set(fs.Arg(1)); err != nil {
			return err
		}
	default:
		return errors.New("usage: logs JOB_ID|ALL [--type stdout|stderr|both]")
	}

	jobID := fs.Arg(0)

	ctx, cancel := sh.cli.requestContext(sh.ctx)
	defer cancel()

	view, err := sh.cli.viewer().Lines(ctx, jobID, logType.value)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	sh.viewing = jobID
	sh.viewingType = logType.value
	sh.mu.Unlock()

	sh.print(func(p *render.Printer) {
		p.View(view)
	})

	return nil
}

// follow prints a Session's output in the background. Once the Session ends
// its summary is printed, and the logs being viewed are reloaded if they
// belong to the job.
func (sh *shell) follow(s *jobsession.Session) {
	sub := s.Subscribe()

	sh.followers.Go(func() {
		defer sub.Close()

		for {
			line, ok := sub.Next()
			if !ok {
				break
			}

			sh.print(func(p *render.Printer) {
				p.Line(line)
			})
		}

		snap := s.Snapshot()

		sh.print(func(p *render.Printer) {
			p.Summary(snap)
		})

		sh.mu.Lock()
		viewing, viewingType := sh.viewing, sh.viewingType
		sh.mu.Unlock()

		if viewing == "" || !sh.ctrl.ReloadLogs(viewing) {
			return
		}

		ctx, cancel := sh.cli.requestContext(context.WithoutCancel(sh.ctx))
		defer cancel()

		view, err := sh.cli.viewer().Lines(ctx, viewing, viewingType)

		sh.print(func(p *render.Printer) {
			if err != nil {
				p.Notice("Error loading logs: " + mapError(err).Error())
				return
			}

			p.View(view)
		})
	})
}

func (sh *shell) print(fn func(p *render.Printer)) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	fn(sh.printer)
}
