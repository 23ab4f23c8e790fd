// Package cli wires configuration, observability and the inventory into a
// Runtime for each arc-backup command, and renders command results.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/gezibash/arc-backup/internal/config"
	"github.com/gezibash/arc-backup/internal/fingerprint"
	"github.com/gezibash/arc-backup/internal/inventory"
	"github.com/gezibash/arc-backup/internal/observability"
)

// Runtime holds what a command needs for one run.
type Runtime struct {
	Config    config.Config
	Obs       *observability.Observability
	Logger    *slog.Logger
	Engine    *fingerprint.Engine
	Inventory *inventory.Inventory
	RunID     string
}

// NewRuntime sets up logging and tracing, then opens the configured
// inventory. Logs go to logw.
func NewRuntime(ctx context.Context, cfg config.Config, logw io.Writer) (*Runtime, error) {
	o := cfg.Observability
	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       o.LogLevel,
		LogFormat:      o.LogFormat,
		OTLPEndpoint:   o.OTLPEndpoint,
		OTLPProtocol:   o.OTLPProtocol,
		ServiceName:    o.ServiceName,
		ServiceVersion: o.ServiceVersion,
	}, logw)
	if err != nil {
		return nil, err
	}

	engine, err := fingerprint.New(fingerprint.Algorithm(cfg.Fingerprint.Algorithm), cfg.Fingerprint.ChunkSize)
	if err != nil {
		_ = obs.Close(ctx)
		return nil, err
	}

	inv, err := inventory.Open(ctx, cfg.Index.Backend, cfg.IndexOptions(), obs.Metrics)
	if err != nil {
		_ = obs.Close(ctx)
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	obs.Shutdown.Register("inventory", func(context.Context) error { return inv.Close() })

	runID := uuid.NewString()
	return &Runtime{
		Config:    cfg,
		Obs:       obs,
		Logger:    obs.Logger.With("run_id", runID),
		Engine:    engine,
		Inventory: inv,
		RunID:     runID,
	}, nil
}

// ServeMetrics exposes /metrics, /health and routes when metrics_addr is
// set. It is a no-op otherwise.
func (rt *Runtime) ServeMetrics(routes map[string]http.Handler) error {
	addr := rt.Config.Observability.MetricsAddr
	if addr == "" {
		return nil
	}
	_, err := rt.Obs.ServeMetrics(addr, routes)
	return err
}

// Close runs every shutdown handler in reverse registration order.
func (rt *Runtime) Close(ctx context.Context) error {
	return rt.Obs.Close(ctx)
}
