// Package reconcile brings a backup drive's existing content into the
// canonical layout without ever deleting a file.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-backup/internal/fsutil"
	"github.com/gezibash/arc-backup/internal/inventory"
	"github.com/gezibash/arc-backup/internal/layout"
	"github.com/gezibash/arc-backup/internal/observability"
	"github.com/gezibash/arc-backup/internal/report"
)

// Reconciler relocates blobs on one backup drive.
type Reconciler struct {
	inv     *inventory.Inventory
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New returns a Reconciler. metrics may be nil.
func New(inv *inventory.Inventory, logger *slog.Logger, metrics *observability.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{inv: inv, logger: logger.With("component", "reconcile"), metrics: metrics}
}

// MigrateOptions selects the drive pair and generation.
type MigrateOptions struct {
	Backup      layout.Drive
	SourceDrive string
	Generation  int
}

// Migrate visits every record catalogued on the backup drive. Content the
// source still wants is renamed into current/<hh>/<rest>; everything else
// is left where it is. Empty directories are pruned afterwards, except
// under current/ and restorefs/.
func (r *Reconciler) Migrate(ctx context.Context, opts MigrateOptions) (rep *report.Report, err error) {
	if opts.Backup.Role != layout.RoleBackup {
		return nil, fmt.Errorf("migrate: %s is not a backup drive", opts.Backup.Name)
	}

	op, ctx := observability.StartOperation(ctx, r.metrics, "migrate",
		attribute.String("drive", opts.Backup.Name),
		attribute.String("source_drive", opts.SourceDrive),
		attribute.Int("generation", opts.Generation),
	)
	defer func() { op.End(err) }()

	logger := r.logger.With("drive", opts.Backup.Name)
	rep = report.New("migrate", logger, r.metrics)

	for rec, iterErr := range r.inv.Iterate(ctx, opts.Backup.Name, opts.Generation, false) {
		if iterErr != nil {
			return rep, iterErr
		}
		res, err := r.migrateOne(ctx, opts, rec)
		if err != nil {
			return rep, err
		}
		rep.Add(ctx, res)
	}

	keep := func(dir string) bool {
		return dir == opts.Backup.Area(layout.CurrentDir) || dir == opts.Backup.Area(layout.RestoreDir)
	}
	pruned, pruneErr := fsutil.PruneEmpty(opts.Backup.Root, keep)
	if pruneErr != nil {
		logger.WarnContext(ctx, "prune failed", "error", pruneErr)
	}

	op.Logger().InfoContext(ctx, "migrate finished",
		"moved", rep.Count(report.Moved),
		"canonical", rep.Count(report.AlreadyCanonical),
		"duplicate", rep.Count(report.Duplicate),
		"kept", rep.Count(report.Kept),
		"failed", rep.Count(report.Failed),
		"pruned_dirs", pruned)
	return rep, nil
}

// migrateOne returns an error only for inventory failures.
func (r *Reconciler) migrateOne(ctx context.Context, opts MigrateOptions, rec *inventory.Record) (report.Result, error) {
	res := report.Result{Path: rec.Path, Hash: rec.Hash}

	shard, err := layout.Join(rec.Hash)
	if err != nil {
		return report.Fail(rec.Path, rec.Hash, report.FailInvalidLayout, err), nil
	}
	if rec.Path == "/"+layout.CurrentDir+"/"+shard {
		res.Outcome = report.AlreadyCanonical
		return res, nil
	}

	wanted, err := r.inv.Wanted(ctx, rec.Hash, opts.SourceDrive, opts.Generation)
	if err != nil {
		return res, err
	}
	if !wanted {
		res.Outcome = report.Kept
		return res, nil
	}

	src, err := opts.Backup.Abs(rec.Path)
	if err != nil {
		return report.Fail(rec.Path, rec.Hash, report.FailInvalidLayout, err), nil
	}
	dst, _ := opts.Backup.BlobPath(layout.CurrentDir, rec.Hash)

	srcExists, err := fsutil.Exists(src)
	if err != nil {
		return report.Fail(rec.Path, rec.Hash, report.FailRead, err), nil
	}
	dstExists, err := fsutil.Exists(dst)
	if err != nil {
		return report.Fail(rec.Path, rec.Hash, report.FailRead, err), nil
	}

	switch {
	case dstExists && !srcExists:
		res.Outcome = report.AlreadyCanonical
	case dstExists:
		res.Outcome = report.Duplicate
	case !srcExists:
		return report.Fail(rec.Path, rec.Hash, report.FailMissing, &os.PathError{Op: "migrate", Path: src, Err: os.ErrNotExist}), nil
	default:
		if err := fsutil.Move(src, dst); err != nil {
			return report.Fail(rec.Path, rec.Hash, report.FailRename, err), nil
		}
		res.Outcome = report.Moved
	}
	return res, nil
}

// Deprecate renames every blob in current/ to the same shard under
// deprecated/, ahead of a generation rollover. A blob whose deprecated slot
// is already taken stays in current/. Empty shard directories in current/
// are removed.
func (r *Reconciler) Deprecate(ctx context.Context, backup layout.Drive) (rep *report.Report, err error) {
	if backup.Role != layout.RoleBackup {
		return nil, fmt.Errorf("deprecate: %s is not a backup drive", backup.Name)
	}

	op, ctx := observability.StartOperation(ctx, r.metrics, "deprecate",
		attribute.String("drive", backup.Name))
	defer func() { op.End(err) }()

	logger := r.logger.With("drive", backup.Name)
	rep = report.New("deprecate", logger, r.metrics)

	current := backup.Area(layout.CurrentDir)
	if ok, statErr := fsutil.Exists(current); statErr != nil {
		return rep, statErr
	} else if !ok {
		op.Logger().InfoContext(ctx, "nothing to deprecate")
		return rep, nil
	}

	err = filepath.WalkDir(current, func(p string, d os.DirEntry, werr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := backup.Rel(p)
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

		hash, decErr := layout.Decompose(p, 0)
		if decErr != nil {
			rep.Add(ctx, report.Fail(rel, "", report.FailInvalidLayout, decErr))
			return nil
		}
		dst, _ := backup.BlobPath(layout.DeprecatedDir, hash)
		exists, statErr := fsutil.Exists(dst)
		if statErr != nil {
			rep.Add(ctx, report.Fail(rel, hash, report.FailRead, statErr))
			return nil
		}
		if exists {
			rep.Add(ctx, report.Result{Path: rel, Hash: hash, Outcome: report.Duplicate})
			return nil
		}
		if mvErr := fsutil.Move(p, dst); mvErr != nil {
			rep.Add(ctx, report.Fail(rel, hash, report.FailRename, mvErr))
			return nil
		}
		rep.Add(ctx, report.Result{Path: rel, Hash: hash, Outcome: report.Deprecated})
		return nil
	})
	if err != nil {
		return rep, err
	}

	pruned, pruneErr := fsutil.PruneEmpty(current, nil)
	if pruneErr != nil {
		logger.WarnContext(ctx, "prune failed", "error", pruneErr)
	}

	op.Logger().InfoContext(ctx, "deprecate finished",
		"deprecated", rep.Count(report.Deprecated),
		"duplicate", rep.Count(report.Duplicate),
		"failed", rep.Count(report.Failed),
		"pruned_dirs", pruned)
	return rep, nil
}
