// Package render writes job sessions, logs and job listings to a terminal.
package render

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/nixpig/cronmon/internal/cronapi"
	"github.com/nixpig/cronmon/internal/jobsession"
	"github.com/nixpig/cronmon/internal/logmerge"
	"github.com/nixpig/cronmon/internal/logview"
	"golang.org/x/term"
)

const (
	colorActive    = lipgloss.Color("#9cdcfe")
	colorCompleted = lipgloss.Color("#6a9955")
	colorFailed    = lipgloss.Color("#f48771")
	colorMuted     = lipgloss.Color("#858585")
)

const ruleWidth = 40

// ColorEnabled reports whether styled output should be written to w: only
// when w is a terminal and noColor is not set.
func ColorEnabled(w io.Writer, noColor bool) bool {
	if noColor {
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return term.IsTerminal(int(f.Fd()))
}

// Printer writes styled output to a writer. It is not safe for concurrent
// use.
type Printer struct {
	w io.Writer

	stdout    lipgloss.Style
	stderr    lipgloss.Style
	meta      lipgloss.Style
	header    lipgloss.Style
	rule      lipgloss.Style
	active    lipgloss.Style
	completed lipgloss.Style
	failed    lipgloss.Style
}

// New creates a Printer writing to w. With color false, output is plain text.
func New(w io.Writer, color bool) *Printer {
	profile := termenv.Ascii
	if color {
		profile = termenv.TrueColor
	}

	r := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	r.SetColorProfile(profile)

	return &Printer{
		w:         w,
		stdout:    r.NewStyle(),
		stderr:    r.NewStyle().Foreground(colorFailed),
		meta:      r.NewStyle().Foreground(colorMuted).Italic(true),
		header:    r.NewStyle().Bold(true),
		rule:      r.NewStyle().Foreground(colorMuted),
		active:    r.NewStyle().Foreground(colorActive).Bold(true),
		completed: r.NewStyle().Foreground(colorCompleted).Bold(true),
		failed:    r.NewStyle().Foreground(colorFailed).Bold(true),
	}
}

// Line writes a single output line.
func (p *Printer) Line(l logmerge.Line) {
	switch l.Source {
	case logmerge.SourceStderr:
		fmt.Fprintln(p.w, p.stderr.Render(l.Text))

	case logmerge.SourceMeta:
		fmt.Fprintln(p.w, p.meta.Render(l.Text))

	case logmerge.SourceHeader:
		fmt.Fprintln(p.w, p.rule.Render(strings.Repeat("─", ruleWidth)))
		fmt.Fprintln(p.w, p.header.Render(l.Text))

	default:
		fmt.Fprintln(p.w, p.stdout.Render(l.Text))
	}
}

// Lines writes every line in order.
func (p *Printer) Lines(lines []logmerge.Line) {
	for _, l := range lines {
		p.Line(l)
	}
}

// View writes a historical log view, or its notice.
func (p *Printer) View(v logview.View) {
	if v.Notice != "" {
		p.Notice(v.Notice)
		return
	}

	p.Lines(v.Lines)
}

// Notice writes an informational message.
func (p *Printer) Notice(text string) {
	fmt.Fprintln(p.w, p.meta.Render(text))
}

// Status writes the status line of a Session.
func (p *Printer) Status(snap jobsession.Snapshot) {
	style := p.active

	switch snap.State {
	case jobsession.StateIdle:
		style = p.meta
	case jobsession.StateCompleted:
		style = p.completed
	case jobsession.StateFailed, jobsession.StateKilled:
		style = p.failed
	}

	label := snap.State.String()
	if snap.Errored && snap.State.Active() {
		label += ", errors"
	}

	msg := snap.Message
	if snap.State == jobsession.StateIdle {
		msg = "No job triggered."
	}

	fmt.Fprintf(p.w, "%s %s\n", style.Render("["+label+"]"), msg)
}

// Summary writes the final report of a terminal Session: its status, and a
// notice if the job produced no output.
func (p *Printer) Summary(snap jobsession.Snapshot) {
	if !logmerge.HasOutput(snap.Lines) {
		p.Notice("No output.")
	}

	p.Status(snap)

	if !snap.FinishedAt.IsZero() {
		elapsed := snap.FinishedAt.Sub(snap.StartedAt).Round(time.Millisecond)
		p.Notice(fmt.Sprintf("Finished in %s", elapsed))
	}
}

// Jobs writes a table of job definitions.
func (p *Printer) Jobs(jobs []cronapi.Job) error {
	if len(jobs) == 0 {
		p.Notice(logview.NoticeNoJobs)
		return nil
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "ID\tSCHEDULE\tCOMMAND\tCOMMENT\t\n")

	for _, job := range jobs {
		fmt.Fprintf(
			w,
			"%s\t%s\t%s\t%s\t\n",
			job.ID,
			strings.Join(job.Schedules, ", "),
			job.Command,
			job.Comment,
		)
	}

	return w.Flush()
}

// Env writes the crontab environment variables sorted by name.
func (p *Printer) Env(env map[string]string) error {
	if len(env) == 0 {
		p.Notice("No environment variables.")
		return nil
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "NAME\tVALUE\t\n")

	for _, name := range slices.Sorted(maps.Keys(env)) {
		fmt.Fprintf(w, "%s\t%s\t\n", name, env[name])
	}

	return w.Flush()
}
