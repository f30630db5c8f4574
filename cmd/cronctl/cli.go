package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/nixpig/cronmon/internal/config"
	"github.com/nixpig/cronmon/internal/cronapi"
	"github.com/nixpig/cronmon/internal/jobsession"
	"github.com/nixpig/cronmon/internal/logview"
	"github.com/nixpig/cronmon/internal/render"
	"github.com/nixpig/cronmon/internal/tlsconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// TODO: Inject version at build time.
const version = "0.0.1"

type flags struct {
	configPath string
	server     string
	caCertPath string
	certPath   string
	keyPath    string
	timeout    time.Duration
	debug      bool
	noColor    bool
}

type cli struct {
	cfg    *config.Config
	logger *slog.Logger
	client *cronapi.Client
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	f := &flags{}

	command := &cobra.Command{
		Use:          "cronctl",
		Short:        "CLI for monitoring and running jobs on a cron manager",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd, f)
		},
	}

	command.AddCommand(
		c.jobsCmd(),
		c.logsCmd(),
		c.triggerCmd(),
		c.killCmd(),
		c.watchCmd(),
		c.shellCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&f.configPath,
		"config",
		"",
		"Path to config file (default $XDG_CONFIG_HOME/cronctl/config.yaml)",
	)

	command.PersistentFlags().StringVar(
		&f.server,
		"server",
		"",
		"Base URL of the cron manager (default http://localhost:8080)",
	)

	command.PersistentFlags().StringVar(
		&f.caCertPath,
		"ca-cert",
		"",
		"Path to CA certificate to trust for HTTPS",
	)

	command.PersistentFlags().StringVar(
		&f.certPath,
		"cert",
		"",
		"Path to client TLS certificate",
	)

	command.PersistentFlags().StringVar(
		&f.keyPath,
		"key",
		"",
		"Path to client TLS private key",
	)

	command.PersistentFlags().DurationVar(
		&f.timeout,
		"timeout",
		0,
		"Timeout for non-streaming requests (default 30s)",
	)

	command.PersistentFlags().BoolVar(&f.debug, "debug", false, "Enable debug logs")
	command.PersistentFlags().BoolVar(&f.noColor, "no-color", false, "Disable colored output")

	return command
}

// setup resolves the configuration, with explicitly set flags taking
// precedence over the config file, and builds the API client.
func (c *cli) setup(cmd *cobra.Command, f *flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	changed := cmd.Flags().Changed

	if changed("server") {
		cfg.Server = f.server
	}
	if changed("ca-cert") {
		cfg.TLS.CACert = f.caCertPath
	}
	if changed("cert") {
		cfg.TLS.Cert = f.certPath
	}
	if changed("key") {
		cfg.TLS.Key = f.keyPath
	}
	if changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if changed("no-color") {
		cfg.NoColor = f.noColor
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = newLogger(cmd.ErrOrStderr(), f.debug)

	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		return err
	}

	c.client, err = cronapi.New(
		cfg.Server,
		cronapi.WithHTTPClient(httpClient),
		cronapi.WithLogger(c.logger),
	)
	if err != nil {
		return err
	}

	return nil
}

func (c *cli) printer(w io.Writer) *render.Printer {
	return render.New(w, render.ColorEnabled(w, c.cfg.NoColor))
}

func (c *cli) viewer() *logview.Viewer {
	return logview.NewViewer(c.client, c.logger, c.cfg.Concurrency)
}

// requestContext bounds a non-streaming request by the configured timeout.
func (c *cli) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// newLogger writes text logs to a terminal and JSON logs otherwise.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}

	options := &slog.HandlerOptions{Level: level}

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, options))
	}

	return slog.New(slog.NewJSONHandler(w, options))
}

// newHTTPClient has no client timeout since trigger responses stream for as
// long as the job runs.
func newHTTPClient(cfg *config.Config) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	tlsCfg := &tlsconfig.Config{
		CertPath:   cfg.TLS.Cert,
		KeyPath:    cfg.TLS.Key,
		CACertPath: cfg.TLS.CACert,
		ServerName: cfg.TLS.ServerName,
	}

	if tlsCfg.Enabled() || tlsCfg.ServerName != "" {
		tlsConfig, err := tlsconfig.SetupTLS(tlsCfg)
		if err != nil {
			return nil, err
		}

		transport.TLSClientConfig = tlsConfig
	}

	return &http.Client{Transport: transport}, nil
}

var (
	_ jobsession.Executor = (*cronapi.Client)(nil)
	_ logview.Source      = (*cronapi.Client)(nil)
)

// logTypeFlag is a pflag.Value accepting the log types of the cron manager.
type logTypeFlag struct {
	value cronapi.LogType
}

var _ pflag.Value = (*logTypeFlag)(nil)

func (f *logTypeFlag) String() string {
	return string(f.value)
}

func (f *logTypeFlag) Set(s string) error {
	t, err := cronapi.ParseLogType(s)
	if err != nil {
		return err
	}

	f.value = t

	return nil
}

func (f *logTypeFlag) Type() string {
	return "type"
}

// mapError translates client errors to human-readable messages.
func mapError(err error) error {
	var statusErr *cronapi.StatusError
	var urlErr *url.Error
	var netErr net.Error

	switch {
	case errors.Is(err, cronapi.ErrNotFound):
		return errors.New("not found")

	case errors.Is(err, jobsession.ErrSessionActive):
		return errors.New("a job is already running: kill it first")

	case errors.Is(err, jobsession.ErrNoActiveSession):
		return errors.New("no running job to kill")

	case errors.Is(err, jobsession.ErrNothingToRetry),
		errors.Is(err, jobsession.ErrInvalidJobID):
		return err

	case errors.Is(err, context.DeadlineExceeded):
		return errors.New("request timed out")

	case errors.Is(err, context.Canceled):
		return errors.New("cancelled")

	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusNotFound:
			return errors.New("not found")
		case statusErr.StatusCode == http.StatusUnauthorized:
			return errors.New("not authenticated")
		case statusErr.StatusCode == http.StatusForbidden:
			return errors.New("permission denied")
		case statusErr.StatusCode >= 500:
			return fmt.Errorf("server error: %d", statusErr.StatusCode)
		default:
			return fmt.Errorf("%s", statusErr.Error())
		}

	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return errors.New("server unavailable")

	default:
		return err
	}
}
