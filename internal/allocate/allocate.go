// Package allocate credits a backup drive with the content it already holds.
package allocate

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-backup/internal/fsutil"
	"github.com/gezibash/arc-backup/internal/inventory"
	"github.com/gezibash/arc-backup/internal/layout"
	"github.com/gezibash/arc-backup/internal/observability"
	"github.com/gezibash/arc-backup/internal/report"
)

// Options selects the drive pair and generation.
type Options struct {
	Backup      layout.Drive
	SourceDrive string
	Generation  int
	// HexLen, when positive, rejects blob names of any other hash length.
	HexLen int
}

// Marker assigns unassigned source records to the backup drive holding
// their blob.
type Marker struct {
	inv     *inventory.Inventory
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New returns a Marker. metrics may be nil.
func New(inv *inventory.Inventory, logger *slog.Logger, metrics *observability.Metrics) *Marker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Marker{inv: inv, logger: logger.With("component", "allocate"), metrics: metrics}
}

// Run walks current/ on the backup drive. Each blob's hash comes from its
// path; every source record with that hash and no assignment is assigned to
// this drive. Existing assignments are never changed.
func (m *Marker) Run(ctx context.Context, opts Options) (rep *report.Report, err error) {
	if opts.Backup.Role != layout.RoleBackup {
		return nil, fmt.Errorf("mark: %s is not a backup drive", opts.Backup.Name)
	}

	op, ctx := observability.StartOperation(ctx, m.metrics, "mark",
		attribute.String("drive", opts.Backup.Name),
		attribute.String("source_drive", opts.SourceDrive),
		attribute.Int("generation", opts.Generation),
	)
	defer func() { op.End(err) }()

	rep = report.New("mark", m.logger.With("drive", opts.Backup.Name), m.metrics)

	current := opts.Backup.Area(layout.CurrentDir)
	if ok, statErr := fsutil.Exists(current); statErr != nil {
		return rep, statErr
	} else if !ok {
		op.Logger().InfoContext(ctx, "no current/ area, nothing to mark")
		return rep, nil
	}

	records := 0
	err = filepath.WalkDir(current, func(p string, d fs.DirEntry, werr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := opts.Backup.Rel(p)
		if relErr != nil {
			return relErr
		}
		if werr != nil {
			rep.Add(ctx, report.Fail(rel, "", report.FailRead, werr))
			if d != nil && d.IsDir() && p != current {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		hash, decErr := layout.Decompose(p, opts.HexLen)
		if decErr != nil {
			rep.Add(ctx, report.Fail(rel, "", report.FailInvalidLayout, decErr))
			return nil
		}

		matches, findErr := m.inv.FindAllByHash(ctx, hash, opts.Generation)
		if findErr != nil {
			return findErr
		}

		referenced := false
		for _, rec := range matches {
			if rec.Drive != opts.SourceDrive {
				continue
			}
			referenced = true
			records++
			if rec.Assigned() {
				rep.Add(ctx, report.Result{Path: rec.Path, Hash: hash, Outcome: report.AlreadyAssigned})
				continue
			}
			ok, assignErr := m.inv.Assign(ctx, rec.Key(), opts.Backup.Name)
			if assignErr != nil {
				return assignErr
			}
			outcome := report.Assigned
			if !ok {
				outcome = report.AlreadyAssigned
			}
			rep.Add(ctx, report.Result{Path: rec.Path, Hash: hash, Outcome: outcome})
		}
		if !referenced {
			rep.Add(ctx, report.Result{Path: rel, Hash: hash, Outcome: report.Unreferenced})
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	op.Logger().InfoContext(ctx, "mark finished",
		"assigned", rep.Count(report.Assigned),
		"already_assigned", rep.Count(report.AlreadyAssigned),
		"unreferenced", rep.Count(report.Unreferenced),
		"failed", rep.Count(report.Failed),
		"source_records", records)
	return rep, nil
}
