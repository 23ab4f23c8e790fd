// Package restore rebuilds the original trees of an obsolete generation
// from the blobs a backup drive keeps in deprecated/.
package restore

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-backup/internal/fsutil"
	"github.com/gezibash/arc-backup/internal/inventory"
	"github.com/gezibash/arc-backup/internal/layout"
	"github.com/gezibash/arc-backup/internal/observability"
	"github.com/gezibash/arc-backup/internal/report"
)

// Options configures one restorefs run.
type Options struct {
	Backup     layout.Drive
	Generation int
	HexLen     int
	// BackupDrives names every backup drive. Their records catalogue blobs,
	// not originals, and are never restore targets.
	BackupDrives []string
}

// Restorer materializes restorefs/<drive>/<path> for every record that
// references a deprecated blob.
type Restorer struct {
	inv     *inventory.Inventory
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New returns a Restorer. metrics may be nil.
func New(inv *inventory.Inventory, logger *slog.Logger, metrics *observability.Metrics) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{inv: inv, logger: logger.With("component", "restore"), metrics: metrics}
}

// Run restores every blob under deprecated/. Every referencing record but
// the last gets a copy. The last one receives the blob itself by rename, so
// a fully restored blob leaves deprecated/.
func (r *Restorer) Run(ctx context.Context, opts Options) (rep *report.Report, err error) {
	if opts.Backup.Role != layout.RoleBackup {
		return nil, fmt.Errorf("restorefs: %s is not a backup drive", opts.Backup.Name)
	}

	op, ctx := observability.StartOperation(ctx, r.metrics, "restorefs",
		attribute.String("drive", opts.Backup.Name),
		attribute.Int("generation", opts.Generation),
	)
	defer func() { op.End(err) }()

	logger := r.logger.With("drive", opts.Backup.Name)
	rep = report.New("restorefs", logger, r.metrics)

	deprecated := opts.Backup.Area(layout.DeprecatedDir)
	if ok, statErr := fsutil.Exists(deprecated); statErr != nil {
		return rep, statErr
	} else if !ok {
		op.Logger().InfoContext(ctx, "nothing to restore")
		return rep, nil
	}

	err = filepath.WalkDir(deprecated, func(p string, d os.DirEntry, werr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := opts.Backup.Rel(p)
		if relErr != nil {
			return relErr
		}
		if werr != nil {
			rep.Add(ctx, report.Fail(rel, "", report.FailRead, werr))
			if d != nil && d.IsDir() && p != deprecated {
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
		return r.restoreBlob(ctx, rep, opts, p, rel, hash)
	})
	if err != nil {
		return rep, err
	}

	pruned, pruneErr := fsutil.PruneEmpty(deprecated, nil)
	if pruneErr != nil {
		logger.WarnContext(ctx, "prune failed", "error", pruneErr)
	}

	op.Logger().InfoContext(ctx, "restorefs finished",
		"restored", rep.Count(report.Restored),
		"copied", rep.Count(report.Copied),
		"already_restored", rep.Count(report.AlreadyRestored),
		"unreferenced", rep.Count(report.Unreferenced),
		"failed", rep.Count(report.Failed),
		"pruned_dirs", pruned)
	return rep, nil
}

// references returns the original records that point at hash, ordered by
// (drive, path). Records held by any backup drive are left out.
func (r *Restorer) references(ctx context.Context, opts Options, hash string) ([]*inventory.Record, error) {
	all, err := r.inv.FindAllByHash(ctx, hash, opts.Generation)
	if err != nil {
		return nil, err
	}
	var refs []*inventory.Record
	for _, rec := range all {
		if rec.Drive != opts.Backup.Name && !slices.Contains(opts.BackupDrives, rec.Drive) {
			refs = append(refs, rec)
		}
	}
	slices.SortFunc(refs, func(a, b *inventory.Record) int {
		return cmp.Or(cmp.Compare(a.Drive, b.Drive), cmp.Compare(a.Path, b.Path))
	})
	return refs, nil
}

func (r *Restorer) restoreBlob(ctx context.Context, rep *report.Report, opts Options, blob, rel, hash string) error {
	refs, err := r.references(ctx, opts, hash)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		rep.Add(ctx, report.Result{Path: rel, Hash: hash, Outcome: report.Unreferenced})
		return nil
	}

	copyFailed := false
	consumed := false
	for i, rec := range refs {
		target, pathErr := opts.Backup.RestorePath(rec.Drive, rec.Path)
		if pathErr != nil {
			rep.Add(ctx, report.Fail(rec.Path, hash, report.FailInvalidLayout, pathErr))
			copyFailed = true
			continue
		}
		exists, statErr := fsutil.Exists(target)
		if statErr != nil {
			rep.Add(ctx, report.Fail(rec.Path, hash, report.FailRead, statErr))
			copyFailed = true
			continue
		}
		if exists {
			rep.Add(ctx, report.Result{Path: rec.Path, Hash: hash, Outcome: report.AlreadyRestored})
			continue
		}

		if i < len(refs)-1 {
			n, cpErr := fsutil.CopyAtomic(blob, target)
			if cpErr != nil {
				rep.Add(ctx, report.Fail(rec.Path, hash, report.FailCopy, cpErr))
				copyFailed = true
				continue
			}
			rep.Add(ctx, report.Result{Path: rec.Path, Hash: hash, Outcome: report.Copied, Bytes: n})
			continue
		}

		if copyFailed {
			// The blob must survive until every copy has landed.
			break
		}
		if mvErr := fsutil.Move(blob, target); mvErr != nil {
			rep.Add(ctx, report.Fail(rec.Path, hash, report.FailRename, mvErr))
			break
		}
		consumed = true
		rep.Add(ctx, report.Result{Path: rec.Path, Hash: hash, Outcome: report.Restored})
	}

	if !consumed {
		rep.Add(ctx, report.Result{Path: rel, Hash: hash, Outcome: report.Kept})
	}
	return nil
}
