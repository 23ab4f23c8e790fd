package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/gezibash/arc-backup/internal/report"
)

func sampleReport() *report.Report {
	rep := report.New("fill", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctx := context.Background()
	rep.Add(ctx, report.Result{Path: "/a", Hash: "aa", Outcome: report.Copied, Bytes: 2048})
	rep.Add(ctx, report.Result{Path: "/b", Hash: "aa", Outcome: report.Deduplicated})
	rep.Add(ctx, report.Fail("/c", "bb", report.FailRead, errors.New("permission denied")))
	return rep
}

func TestReportViewText(t *testing.T) {
	var buf bytes.Buffer
	if err := NewOutput(FormatText, &buf).Render(NewReportView(sampleReport())); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"fill: 3 files, 2.0 KiB written", "copied", "deduplicated", "1 failed", "/c", "permission denied"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestReportViewJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := NewOutput(FormatJSON, &buf).Render(NewReportView(sampleReport())); err != nil {
		t.Fatal(err)
	}
	var env struct {
		Meta Meta           `json:"meta"`
		Data report.Summary `json:"data"`
	}
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if env.Meta.Type != "fill-report" || env.Data.Total != 3 || env.Data.Bytes != 2048 {
		t.Errorf("envelope = %+v", env)
	}
	if len(env.Data.Failures) != 1 || env.Data.Failures[0].Failure != report.FailRead {
		t.Errorf("failures = %+v", env.Data.Failures)
	}
}

func TestRenderReportPartial(t *testing.T) {
	err := renderReport(NewOutput(FormatText, io.Discard), sampleReport())
	if !errors.Is(err, ErrPartial) {
		t.Fatalf("renderReport = %v, want ErrPartial", err)
	}

	clean := report.New("scrub", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err := renderReport(NewOutput(FormatText, io.Discard), clean); err != nil {
		t.Fatalf("clean report = %v", err)
	}
}
