// Package logmerge turns job log output into one ordered sequence of tagged
// lines for display.
//
// The cron manager keeps stdout and stderr of a job in separate files. When
// it can, it returns an already merged sequence of records and that order is
// authoritative. Older servers return the two files as separate blobs; there
// is no timestamp to interleave them by, so the fallback order is every
// stdout line followed by every stderr line.
package logmerge

import (
	"strings"
)

// Source identifies the channel a Line came from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"

	// SourceMeta marks annotations that are not job output, such as the
	// command being executed or an explanation of why a job has no logs.
	SourceMeta Source = "meta"

	// SourceHeader marks the per-job heading in an aggregate view.
	SourceHeader Source = "header"
)

// ParseSource maps a wire source name to a Source. Anything that is not
// stderr is treated as stdout.
func ParseSource(s string) Source {
	switch s {
	case "stderr", "err":
		return SourceStderr
	default:
		return SourceStdout
	}
}

// Line is a single line of output. Lines are values and never modified once
// produced.
type Line struct {
	Source Source
	Text   string
}

// Record is one entry of a server-side merged log.
type Record struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// FromRecords converts a merged sequence of records, preserving its order
// exactly. Records with blank content are dropped.
func FromRecords(records []Record) []Line {
	lines := make([]Line, 0, len(records))

	for _, r := range records {
		if isBlank(r.Content) {
			continue
		}

		lines = append(lines, Line{Source: ParseSource(r.Source), Text: r.Content})
	}

	return lines
}

// FromText splits a single channel blob into lines, dropping blank ones.
func FromText(source Source, text string) []Line {
	if isBlank(text) {
		return nil
	}

	parts := strings.Split(text, "\n")
	lines := make([]Line, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSuffix(part, "\r")
		if isBlank(part) {
			continue
		}

		lines = append(lines, Line{Source: source, Text: part})
	}

	return lines
}

// FromBlobs merges separate stdout and stderr blobs: all stdout lines in
// blob order, then all stderr lines in blob order. This does not reflect
// wall-clock interleaving.
func FromBlobs(stdout, stderr string) []Line {
	return append(FromText(SourceStdout, stdout), FromText(SourceStderr, stderr)...)
}

// JobBlock is the input for one job of an aggregate view. Exactly one of
// Err, Notice or Lines is expected to be meaningful; Err takes precedence
// over Notice, and Notice over Lines.
type JobBlock struct {
	JobID  string
	Lines  []Line
	Notice string
	Err    error
}

// Aggregate concatenates the blocks in the order given, each preceded by a
// header line naming the job. A block with an error or a notice contributes
// exactly one explanatory line instead of output, so one bad job never hides
// the others.
func Aggregate(blocks []JobBlock) []Line {
	var lines []Line

	for _, b := range blocks {
		lines = append(lines, Line{Source: SourceHeader, Text: "Job: " + b.JobID})

		switch {
		case b.Err != nil:
			lines = append(lines, Line{
				Source: SourceMeta,
				Text:   "Error loading logs: " + b.Err.Error(),
			})

		case b.Notice != "":
			lines = append(lines, Line{Source: SourceMeta, Text: b.Notice})

		default:
			lines = append(lines, b.Lines...)
		}
	}

	return lines
}

// HasOutput reports whether lines contains any job output, as opposed to
// only headers and annotations.
func HasOutput(lines []Line) bool {
	for _, l := range lines {
		if l.Source == SourceStdout || l.Source == SourceStderr {
			return true
		}
	}

	return false
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
