// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/oreva/oiat/internal/pipeline"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 80
	// maxWarningsToShow is the default number of upload warnings to display
	maxWarningsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintEvent outputs one pipeline progress event as a single line.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintEvent(ev pipeline.Event) {
	var sb strings.Builder
	sb.WriteString("▸ ")
	sb.WriteString(ev.Phase)
	if ev.Date != "" {
		sb.WriteString(" [" + ev.Date + "]")
	}
	if ev.Message != "" {
		sb.WriteString(": " + ev.Message)
	}
	for k, v := range ev.Fields {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	fmt.Fprintln(p.out, sb.String())
}

// PrintDateOutcome outputs the per-date result after upload and archival.
func (p *Printer) PrintDateOutcome(o *pipeline.DateOutcome) {
	if o == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Rows kept:     %d\n", o.RowsKept))
	if o.RowsSpilled > 0 {
		sb.WriteString(fmt.Sprintf("Rows spilled:  %d\n", o.RowsSpilled))
	}
	if u := o.Upload; u != nil {
		sb.WriteString(fmt.Sprintf("Upload:        %d attempted, %d created, %d duplicate, %d failed\n",
			u.Attempted, u.Created, u.SkippedDup, u.Failed))
		sb.WriteString(fmt.Sprintf("Totals:        source %s, remote %s\n",
			u.SourceTotal.StringFixed(2), u.RemoteTotal.StringFixed(2)))

		if len(u.Warnings) > 0 {
			sb.WriteString("Warnings:\n")
			count := min(len(u.Warnings), maxWarningsToShow)
			for i := 0; i < count; i++ {
				sb.WriteString("  • " + u.Warnings[i] + "\n")
			}
			if len(u.Warnings) > maxWarningsToShow {
				sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(u.Warnings)-maxWarningsToShow))
			}
		}
	}
	sb.WriteString(fmt.Sprintf("Reconcile:     %s\n", o.ReconcileStatus))
	if o.ArchiveDir != "" {
		sb.WriteString(fmt.Sprintf("Archived to:   %s", o.ArchiveDir))
	}

	p.printBox("DATE "+o.Date, strings.TrimSuffix(sb.String(), "\n"))
}

// PrintRunSummary outputs the whole-run result after the final date.
func (p *Printer) PrintRunSummary(s *pipeline.Summary) {
	if s == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Company:    %s\n", s.Company))
	sb.WriteString(fmt.Sprintf("Dates:      %s\n", strings.Join(s.Dates, ", ")))
	sb.WriteString(fmt.Sprintf("Processed:  %d of %d\n", len(s.Outcomes), len(s.Dates)))

	var created, failed int
	mismatches := 0
	for _, o := range s.Outcomes {
		if o.Upload != nil {
			created += o.Upload.Created
			failed += o.Upload.Failed
		}
		if o.ReconcileStatus != "MATCH" {
			mismatches++
		}
	}
	sb.WriteString(fmt.Sprintf("Documents:  %d created, %d failed\n", created, failed))
	if mismatches > 0 {
		sb.WriteString(fmt.Sprintf("Reconcile:  %d date(s) did not match", mismatches))
	} else {
		sb.WriteString("Reconcile:  all dates matched")
	}

	p.printBox("RUN COMPLETE", sb.String())
}
