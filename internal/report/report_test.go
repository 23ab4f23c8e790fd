package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-backup/internal/observability"
)

func TestReportAggregates(t *testing.T) {
	m := observability.NewMetrics()
	r := New("fill", slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	ctx := context.Background()

	r.Add(ctx, Result{Path: "/a", Outcome: Copied, Bytes: 10})
	r.Add(ctx, Result{Path: "/b", Outcome: Copied, Bytes: 5})
	r.Add(ctx, Result{Path: "/c", Outcome: Deduplicated})
	r.Add(ctx, Fail("/d", "ab12", FailWrite, errors.New("no space left on device")))

	if r.Count(Copied) != 2 || r.Count(Deduplicated) != 1 || r.Count(Failed) != 1 {
		t.Fatalf("counts = %v", r.Counts())
	}
	if r.Total() != 4 || r.Bytes() != 15 || r.OK() {
		t.Fatalf("total=%d bytes=%d ok=%v", r.Total(), r.Bytes(), r.OK())
	}
	if got := testutil.ToFloat64(m.FilesTotal.WithLabelValues("fill", "copied")); got != 2 {
		t.Fatalf("files_total{copied} = %f", got)
	}
	if got := testutil.ToFloat64(m.BytesCopied.WithLabelValues("fill")); got != 15 {
		t.Fatalf("bytes_copied = %f", got)
	}

	s := r.Summary()
	if len(s.Failures) != 1 || s.Failures[0].Failure != FailWrite || !strings.Contains(s.Failures[0].Error, "no space") {
		t.Fatalf("summary failures = %+v", s.Failures)
	}
	if outs := r.Outcomes(); len(outs) != 3 || outs[0] != Copied {
		t.Fatalf("outcomes = %v", outs)
	}
}

func TestFailuresLoggedAtWarn(t *testing.T) {
	var buf bytes.Buffer
	r := New("scrub", slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})), nil)

	r.Add(context.Background(), Result{Path: "/ok", Outcome: Indexed})
	r.Add(context.Background(), Fail("/bad", "", FailRead, errors.New("permission denied")))

	out := buf.String()
	if strings.Contains(out, "/ok") {
		t.Errorf("success logged at warn level: %s", out)
	}
	for _, want := range []string{"level=WARN", "path=/bad", "failure=read", "permission denied"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}
}
