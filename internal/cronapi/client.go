// Package cronapi is a client for the cron manager HTTP API: listing jobs,
// reading their logs, triggering them with a streamed response and killing
// them.
package cronapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nixpig/cronmon/internal/logmerge"
)

// maxResponseSize bounds reads of non-streaming responses. Legitimate
// responses are orders of magnitude smaller.
const maxResponseSize int64 = 256 << 20

// ErrNotFound is returned when the cron manager has no log file for a job.
var ErrNotFound = errors.New("not found")

// StatusError is returned for an unexpected HTTP status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: HTTP error! status: %d", e.Op, e.StatusCode)

	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}

	return msg
}

// LogType selects which log channel to fetch.
type LogType string

const (
	LogStdout LogType = "stdout"
	LogStderr LogType = "stderr"
	LogBoth   LogType = "both"
)

// ParseLogType parses a log type, accepting "err" as an alias of stderr.
func ParseLogType(s string) (LogType, error) {
	switch s {
	case "", "stdout":
		return LogStdout, nil
	case "stderr", "err":
		return LogStderr, nil
	case "both":
		return LogBoth, nil
	default:
		return "", fmt.Errorf("invalid log type '%s': must be stdout, stderr or both", s)
	}
}

// Job is a job definition as listed by the cron manager.
type Job struct {
	ID        string   `json:"id"`
	Schedules []string `json:"schedules"`
	Command   string   `json:"command"`
	Comment   string   `json:"comment,omitempty"`
}

// JobList is the response of the job listing.
type JobList struct {
	Env  map[string]string `json:"env"`
	Jobs []Job             `json:"jobs"`
}

// Logs is the response of a log fetch. For LogBoth, Merged is set when the
// server returned a merged sequence and Stdout/Stderr otherwise. For the
// single channel types, Text holds the raw body.
type Logs struct {
	Type   LogType
	Text   string
	Merged []logmerge.Record
	Stdout string
	Stderr string
}

// HasMerged reports whether the server returned an authoritative merged
// sequence.
func (l *Logs) HasMerged() bool {
	return l.Merged != nil
}

type bothLogs struct {
	Merged []logmerge.Record `json:"merged"`
	Stdout string            `json:"stdout"`
	Stderr string            `json:"stderr"`
}

type killResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

// Client talks to a single cron manager.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the http.Client used for requests. Its Timeout must be
// zero, since trigger responses stream for as long as the job runs; use
// contexts to bound requests instead.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client for the cron manager at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https: got '%s'", baseURL)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("server URL has no host: got '%s'", baseURL)
	}

	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		baseURL: u,
		http:    &http.Client{},
		logger:  slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// ListJobs returns the jobs and crontab environment variables.
func (c *Client) ListJobs(ctx context.Context) (*JobList, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("api", "jobs"), nil, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list jobs", resp)
	}

	var list JobList
	if err := decode(resp.Body, &list); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}

	return &list, nil
}

// FetchLogs returns the logs of a job. It returns ErrNotFound if the job has
// no log file.
func (c *Client) FetchLogs(
	ctx context.Context,
	jobID string,
	logType LogType,
) (*Logs, error) {
	u := c.endpoint("api", "jobs", jobID, "logs")
	u.RawQuery = url.Values{"type": {string(logType)}}.Encode()

	accept := "text/plain"
	if logType == LogBoth {
		accept = "application/json"
	}

	resp, err := c.do(ctx, http.MethodGet, u, nil, accept)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.logger.Debug("no log file", "job_id", jobID, "type", logType)
		return nil, ErrNotFound

	case resp.StatusCode != http.StatusOK:
		return nil, statusError("fetch logs", resp)
	}

	logs := &Logs{Type: logType}

	if logType != LogBoth {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("read logs: %w", err)
		}

		logs.Text = string(data)

		return logs, nil
	}

	var body bothLogs
	if err := decode(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}

	// The merged sequence is authoritative; the separate blobs are only a
	// fallback for servers that do not provide one.
	if body.Merged != nil {
		logs.Merged = body.Merged
	} else {
		logs.Stdout = body.Stdout
		logs.Stderr = body.Stderr
	}

	return logs, nil
}

// Trigger starts a job and returns its event stream. The caller must close
// the returned stream. A non-2xx status is returned as a *StatusError.
func (c *Client) Trigger(ctx context.Context, jobID string) (io.ReadCloser, error) {
	resp, err := c.do(
		ctx,
		http.MethodPost,
		c.endpoint("api", "jobs", jobID, "trigger"),
		nil,
		"text/event-stream",
	)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError("trigger job", resp)
	}

	c.logger.Debug(
		"trigger stream opened",
		"job_id", jobID,
		"content_type", resp.Header.Get("Content-Type"),
	)

	return resp.Body, nil
}

// Kill asks the cron manager to kill a running job. It returns the job ID
// acknowledged by the server, which may be empty.
func (c *Client) Kill(ctx context.Context, jobID string) (string, error) {
	resp, err := c.do(
		ctx,
		http.MethodPost,
		c.endpoint("api", "jobs", jobID, "kill"),
		nil,
		"application/json",
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError("kill job", resp)
	}

	var ack killResponse
	if err := decode(resp.Body, &ack); err != nil {
		// The acknowledgement is informational only.
		c.logger.Debug("decode kill response", "job_id", jobID, "err", err)
		return "", nil
	}

	return ack.JobID, nil
}

func (c *Client) endpoint(segments ...string) *url.URL {
	u := *c.baseURL

	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}

	u.Path = c.baseURL.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.baseURL.EscapedPath() + "/" + strings.Join(escaped, "/")

	return &u
}

func (c *Client) do(
	ctx context.Context,
	method string,
	u *url.URL,
	body io.Reader,
	accept string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", accept)

	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u.Path, err)
	}

	c.logger.Debug(
		"request",
		"method", method,
		"path", u.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	return resp, nil
}

func decode(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	return json.Unmarshal(data, v)
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(data)}
}
