// Command cronctl is a CLI client for monitoring and driving jobs on a cron
// manager.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes. A job that ran but did not complete is distinguished from a
// failure of cronctl itself.
const (
	exitOK        = 0
	exitFailure   = 1
	exitJobFailed = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		os.Interrupt,
	)

	err := newCLI().rootCmd().ExecuteContext(ctx)

	cancel()

	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var jobErr *jobExitError

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &jobErr):
		return exitJobFailed
	default:
		return exitFailure
	}
}
