package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// --- Shutdown Coordinator ---

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}

	for i := 1; i <= 3; i++ {
		sc.Register(fmt.Sprintf("h%d", i), func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected LIFO [3,2,1], got %v", order)
	}

	// Handlers run once.
	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("handlers ran twice: %v", order)
	}
}

func TestShutdownCoordinatorError(t *testing.T) {
	var ran []string
	sc := &ShutdownCoordinator{}
	boom := errors.New("fail")

	sc.Register("first", func(ctx context.Context) error { ran = append(ran, "first"); return nil })
	sc.Register("bad", func(ctx context.Context) error { ran = append(ran, "bad"); return boom })
	sc.Register("third", func(ctx context.Context) error { ran = append(ran, "third"); return nil })

	err := sc.Shutdown(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Shutdown = %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Fatalf("error should mention 'bad': %v", err)
	}
	if len(ran) != 3 {
		t.Fatalf("all handlers should run despite error, ran %v", ran)
	}
}

// --- Metrics ---

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	m.FilesTotal.WithLabelValues("scrub", "indexed").Add(3)
	m.FillRemaining.Set(7)

	if got := testutil.ToFloat64(m.FilesTotal.WithLabelValues("scrub", "indexed")); got != 3 {
		t.Fatalf("files_total = %f, want 3", got)
	}
	if got := testutil.ToFloat64(m.FillRemaining); got != 7 {
		t.Fatalf("fill_remaining = %f, want 7", got)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"backup_files_total", "backup_fill_remaining_files"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

// --- Logging ---

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "json", &buf)

	logger.Info("hello", "key", "val")

	var entry map[string]any
	if err := json.NewDecoder(&buf).Decode(&entry); err != nil {
		t.Fatalf("output not valid JSON: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "hello" || entry["key"] != "val" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestSetupLoggerText(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger("info", "text", &buf)

	slog.Info("testmsg")

	out := buf.String()
	if !strings.Contains(out, "testmsg") {
		t.Fatalf("expected 'testmsg' in output: %s", out)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &m); err == nil {
		t.Fatal("expected non-JSON output for text format")
	}
}

func TestSetupLoggerAutoNonTerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "log"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	SetupLogger("info", "auto", f).Info("to file")

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &m); err != nil {
		t.Fatalf("auto format on a regular file should be JSON: %v\nraw: %s", err, data)
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	tests := []struct {
		level      string
		logAt      slog.Level
		shouldShow bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, true},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.level, tt.logAt), func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(tt.level, "json", &buf)
			logger.Log(context.Background(), tt.logAt, "test")

			if got := buf.Len() > 0; got != tt.shouldShow {
				t.Fatalf("expected visible=%v got %v", tt.shouldShow, got)
			}
		})
	}
}

func TestPrettyHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger.With("component", "fill").WithGroup("blob").Info("copied", "hash", "ab12")

	out := buf.String()
	for _, want := range []string{"copied", "component=fill", "blob.hash=ab12", "INF"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output: %s", want, out)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	h := NewPrettyHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
	if !NewPrettyHandler(io.Discard, nil).Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("nil opts should default to info")
	}
}

// --- Operation ---

func TestStartOperationEnd(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger("info", "json", &buf)
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "fill", attribute.String("drive", "Backup1"))
	op.Logger().Info("inside")
	op.End(nil)

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("fill", "ok")); got != 1 {
		t.Fatalf("expected 1 ok operation, got %f", got)
	}
	if !strings.Contains(buf.String(), `"drive":"Backup1"`) {
		t.Fatalf("operation logger missing attributes: %s", buf.String())
	}
}

func TestStartOperationEndError(t *testing.T) {
	SetupLogger("error", "json", io.Discard)
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "scrub")
	op.End(errors.New("boom"))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("scrub", "error")); got != 1 {
		t.Fatalf("expected 1 error operation, got %f", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("scrub", "ok")); got != 0 {
		t.Fatalf("expected 0 ok operations, got %f", got)
	}
}

func TestStartOperationNilMetrics(t *testing.T) {
	SetupLogger("error", "json", io.Discard)
	op, _ := StartOperation(context.Background(), nil, "noop")
	op.End(nil)
}

// --- Observability ---

func newTestObservability(t *testing.T) *Observability {
	t.Helper()
	obs, err := New(context.Background(), ObsConfig{
		LogLevel:       "error",
		LogFormat:      "json",
		ServiceName:    "test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return obs
}

func TestNewObservabilityNoOTLP(t *testing.T) {
	obs := newTestObservability(t)
	if obs.Logger == nil || obs.Metrics == nil {
		t.Fatal("logger or metrics is nil")
	}
	switch obs.TracerProvider.(type) {
	case *tracenoop.TracerProvider, tracenoop.TracerProvider:
	default:
		t.Fatalf("expected noop tracer provider, got %T", obs.TracerProvider)
	}
}

func TestNewObservabilityBadProtocol(t *testing.T) {
	_, err := New(context.Background(), ObsConfig{OTLPEndpoint: "localhost:4318", OTLPProtocol: "carrier-pigeon"}, io.Discard)
	if err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestServeMetricsEndpoints(t *testing.T) {
	obs := newTestObservability(t)

	srv, err := obs.ServeMetrics("127.0.0.1:0", map[string]http.Handler{
		"/progress": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"remaining":1}`))
		}),
	})
	if err != nil {
		t.Fatalf("ServeMetrics: %v", err)
	}
	t.Cleanup(func() { _ = obs.Close(context.Background()) })

	for path, want := range map[string]string{"/health": "OK", "/progress": `{"remaining":1}`} {
		resp, err := http.Get("http://" + srv.Addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != want {
			t.Fatalf("GET %s = %d %q, want 200 %q", path, resp.StatusCode, body, want)
		}
	}

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestColorLevel(t *testing.T) {
	tests := map[slog.Level]string{
		slog.LevelDebug: "DBG",
		slog.LevelInfo:  "INF",
		slog.LevelWarn:  "WRN",
		slog.LevelError: "ERR",
	}
	for lvl, want := range tests {
		if got := colorLevel(lvl); !strings.Contains(got, want) {
			t.Errorf("colorLevel(%s) = %q, want %q", lvl, got, want)
		}
	}
}
