package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/gezibash/arc-backup/internal/report"
)

// ReportView renders the result of one pipeline run.
type ReportView struct {
	meta    Meta
	summary report.Summary
}

// NewReportView snapshots rep for rendering.
func NewReportView(rep *report.Report) *ReportView {
	return &ReportView{meta: NewMeta(rep.Operation + "-report"), summary: rep.Summary()}
}

// Meta returns the metadata.
func (v *ReportView) Meta() Meta { return v.meta }

// RenderJSON returns the summary.
func (v *ReportView) RenderJSON() any { return v.summary }

func (v *ReportView) tables() (counts, failures *Table) {
	counts = &Table{meta: v.meta, headers: []string{"Outcome", "Files"}}
	for _, o := range slices.Sorted(maps.Keys(v.summary.Counts)) {
		counts.AddRow(string(o), strconv.Itoa(v.summary.Counts[o]))
	}
	failures = &Table{meta: v.meta, headers: []string{"Path", "Failure", "Error"}}
	for _, f := range v.summary.Failures {
		failures.AddRow(f.Path, string(f.Failure), f.Error)
	}
	return counts, failures
}

// RenderText writes a headline, the outcome counts and any failures.
func (v *ReportView) RenderText(w io.Writer) error {
	s := v.summary
	if _, err := fmt.Fprintf(w, "%s: %d files, %s written\n", s.Operation, s.Total, humanize.IBytes(uint64(s.Bytes))); err != nil {
		return err
	}
	if s.Total == 0 {
		return nil
	}
	counts, failures := v.tables()
	if err := counts.RenderText(w); err != nil {
		return err
	}
	if failures.Len() == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "\n%d failed:\n", failures.Len()); err != nil {
		return err
	}
	return failures.RenderText(w)
}

// RenderMarkdown writes the same content as markdown tables.
func (v *ReportView) RenderMarkdown(w io.Writer) error {
	s := v.summary
	if _, err := fmt.Fprintf(w, "## %s\n\n%d files, %s written\n\n", s.Operation, s.Total, humanize.IBytes(uint64(s.Bytes))); err != nil {
		return err
	}
	counts, failures := v.tables()
	if err := counts.RenderMarkdown(w); err != nil {
		return err
	}
	if failures.Len() == 0 {
		return nil
	}
	if _, err := fmt.Fprint(w, "\n### Failures\n\n"); err != nil {
		return err
	}
	return failures.RenderMarkdown(w)
}
