// Package fill copies source content that no backup drive holds yet into a
// backup drive's canonical layout.
//
// Each file is copied to .partial/<hash>, synced, renamed into
// current/<hh>/<rest>, and only then assigned. A crash at any point leaves
// the record unassigned, so the next run retries it.
package fill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-backup/internal/fingerprint"
	"github.com/gezibash/arc-backup/internal/fsutil"
	"github.com/gezibash/arc-backup/internal/inventory"
	"github.com/gezibash/arc-backup/internal/layout"
	"github.com/gezibash/arc-backup/internal/observability"
	"github.com/gezibash/arc-backup/internal/report"
)

// ErrDeviceFailure ends a run when a drive reports an I/O error or has gone
// read-only.
var ErrDeviceFailure = errors.New("device failure")

// Copier writes src to dst durably and returns the bytes written.
type Copier func(src, dst string) (int64, error)

// Options configures one fill run.
type Options struct {
	Source     layout.Drive
	Backup     layout.Drive
	Generation int
	// Verify re-hashes each copy before it is renamed into place.
	Verify bool
	// ProgressInterval enables a periodic progress log line.
	ProgressInterval time.Duration
}

// Filler runs fill passes. A Filler runs one pass at a time.
type Filler struct {
	inv      *inventory.Inventory
	engine   *fingerprint.Engine
	logger   *slog.Logger
	metrics  *observability.Metrics
	progress *Progress
	copy     Copier
}

// New returns a Filler. metrics may be nil.
func New(inv *inventory.Inventory, engine *fingerprint.Engine, logger *slog.Logger, metrics *observability.Metrics) *Filler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filler{
		inv:      inv,
		engine:   engine,
		logger:   logger.With("component", "fill"),
		metrics:  metrics,
		progress: &Progress{},
		copy:     fsutil.CopyFile,
	}
}

// Progress returns the live counters of the current or last run.
func (f *Filler) Progress() *Progress { return f.progress }

// SetCopier replaces the copy step.
func (f *Filler) SetCopier(c Copier) { f.copy = c }

func (f *Filler) setGauge() {
	if f.metrics != nil {
		f.metrics.FillRemaining.Set(float64(f.progress.Remaining()))
	}
}

// Run copies every unassigned source record onto opts.Backup. Per-file
// failures are reported and skipped. A device failure or inventory error
// stops the run and is returned.
func (f *Filler) Run(ctx context.Context, opts Options) (rep *report.Report, err error) {
	if opts.Source.Role != layout.RoleSource {
		return nil, fmt.Errorf("fill: %s is not the source drive", opts.Source.Name)
	}
	if opts.Backup.Role != layout.RoleBackup {
		return nil, fmt.Errorf("fill: %s is not a backup drive", opts.Backup.Name)
	}

	op, ctx := observability.StartOperation(ctx, f.metrics, "fill",
		attribute.String("drive", opts.Backup.Name),
		attribute.String("source_drive", opts.Source.Name),
		attribute.Int("generation", opts.Generation),
	)
	defer func() { op.End(err) }()

	logger := f.logger.With("drive", opts.Backup.Name)
	rep = report.New("fill", logger, f.metrics)

	total, err := f.inv.Count(ctx, opts.Source.Name, opts.Generation, true)
	if err != nil {
		return rep, err
	}
	f.progress.start(total)
	f.setGauge()
	defer f.progress.done()

	if opts.ProgressInterval > 0 {
		stop := f.logProgress(ctx, logger, opts.ProgressInterval)
		defer stop()
	}

	for rec, iterErr := range f.inv.Iterate(ctx, opts.Source.Name, opts.Generation, true) {
		if iterErr != nil {
			return rep, iterErr
		}
		res, err := f.fillOne(ctx, opts, rec)
		if err != nil {
			return rep, err
		}
		rep.Add(ctx, res)
		if res.Outcome == report.Failed {
			f.progress.failure()
		} else {
			f.progress.assigned()
		}
		f.setGauge()
	}

	// Leave no empty working area behind.
	_ = os.Remove(filepath.Join(opts.Backup.Root, layout.PartialDir))

	snap := f.progress.Snapshot()
	op.Logger().InfoContext(ctx, "fill finished",
		"copied", rep.Count(report.Copied),
		"deduplicated", rep.Count(report.Deduplicated),
		"failed", rep.Count(report.Failed),
		"bytes", rep.Bytes(),
		"remaining", snap.Remaining)
	return rep, nil
}

func (f *Filler) logProgress(ctx context.Context, logger *slog.Logger, every time.Duration) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s := f.progress.Snapshot()
				logger.InfoContext(ctx, "fill progress", "remaining", s.Remaining, "total", s.Total, "failed", s.Failed)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// assign records dst as present and classifies the result.
func (f *Filler) assign(ctx context.Context, rec *inventory.Record, backup string, r report.Result) (report.Result, error) {
	ok, err := f.inv.Assign(ctx, rec.Key(), backup)
	if err != nil {
		return r, err
	}
	if !ok {
		r.Outcome = report.AlreadyAssigned
		r.Bytes = 0
	}
	return r, nil
}

func deviceFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrDeviceFailure, err)
}

// fillOne returns an error only when the run must stop.
func (f *Filler) fillOne(ctx context.Context, opts Options, rec *inventory.Record) (report.Result, error) {
	dst, err := opts.Backup.BlobPath(layout.CurrentDir, rec.Hash)
	if err != nil {
		return report.Fail(rec.Path, rec.Hash, report.FailInvalidLayout, err), nil
	}

	present, err := fsutil.Exists(dst)
	if err != nil {
		if fsutil.IsDeviceFailure(err) {
			return report.Result{}, deviceFailure(err)
		}
		return report.Fail(rec.Path, rec.Hash, report.FailRead, err), nil
	}
	if present {
		return f.assign(ctx, rec, opts.Backup.Name, report.Result{Path: rec.Path, Hash: rec.Hash, Outcome: report.Deduplicated})
	}

	src, err := opts.Source.Abs(rec.Path)
	if err != nil {
		return report.Fail(rec.Path, rec.Hash, report.FailInvalidLayout, err), nil
	}
	partial, _ := opts.Backup.PartialPath(rec.Hash)

	n, err := f.copy(src, partial)
	if err != nil {
		_ = os.Remove(partial)
		if fsutil.IsDeviceFailure(err) {
			return report.Result{}, deviceFailure(err)
		}
		return report.Fail(rec.Path, rec.Hash, copyFailure(err), err), nil
	}

	if opts.Verify {
		got, err := f.engine.Compute(partial)
		if err != nil {
			_ = os.Remove(partial)
			if fsutil.IsDeviceFailure(err) {
				return report.Result{}, deviceFailure(err)
			}
			return report.Fail(rec.Path, rec.Hash, report.FailRead, err), nil
		}
		if got != rec.Hash {
			_ = os.Remove(partial)
			return report.Fail(rec.Path, rec.Hash, report.FailHashMismatch,
				fmt.Errorf("copy of %s hashed to %s", rec.Path, got)), nil
		}
	}

	if err := fsutil.Move(partial, dst); err != nil {
		_ = os.Remove(partial)
		if errors.Is(err, fs.ErrExist) {
			// Another run landed the same blob first.
			return f.assign(ctx, rec, opts.Backup.Name, report.Result{Path: rec.Path, Hash: rec.Hash, Outcome: report.Deduplicated})
		}
		if fsutil.IsDeviceFailure(err) {
			return report.Result{}, deviceFailure(err)
		}
		return report.Fail(rec.Path, rec.Hash, report.FailRename, err), nil
	}
	if err := fsutil.SyncDir(filepath.Dir(dst)); err != nil {
		f.logger.DebugContext(ctx, "directory sync failed", "path", dst, "error", err)
	}

	return f.assign(ctx, rec, opts.Backup.Name, report.Result{Path: rec.Path, Hash: rec.Hash, Outcome: report.Copied, Bytes: n})
}

func copyFailure(err error) report.Failure {
	var ce *fsutil.CopyError
	if errors.As(err, &ce) && ce.Op == fsutil.OpRead {
		if errors.Is(err, fs.ErrNotExist) {
			return report.FailMissing
		}
		return report.FailRead
	}
	return report.FailWrite
}
