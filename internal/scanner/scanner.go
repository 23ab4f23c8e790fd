// Package scanner walks a drive and records a fingerprint for every file
// the inventory does not know yet.
//
// scrub reads every new file and hashes its content. scan trusts that the
// file already sits at a content-addressed location and derives the hash
// from its last two path segments without reading it; such hashes are
// recorded unverified.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-backup/internal/fingerprint"
	"github.com/gezibash/arc-backup/internal/inventory"
	"github.com/gezibash/arc-backup/internal/layout"
	"github.com/gezibash/arc-backup/internal/observability"
	"github.com/gezibash/arc-backup/internal/report"
)

// Mode selects how a new file's hash is obtained.
type Mode string

const (
	ModeScrub Mode = "scrub"
	ModeScan  Mode = "scan"
)

// Options configures one walk.
type Options struct {
	Drive      layout.Drive
	Generation int
	Mode       Mode
	Policy     Policy
}

// Scanner populates the inventory from a drive.
type Scanner struct {
	inv     *inventory.Inventory
	engine  *fingerprint.Engine
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New returns a Scanner. metrics may be nil.
func New(inv *inventory.Inventory, engine *fingerprint.Engine, logger *slog.Logger, metrics *observability.Metrics) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		inv:     inv,
		engine:  engine,
		logger:  logger.With("component", "scanner"),
		metrics: metrics,
		now:     time.Now,
	}
}

type walk struct {
	*Scanner
	opts   Options
	filter *Filter
	rep    *report.Report
}

// Run walks opts.Drive. Per-file problems are recorded in the report and
// skipped; an inventory error or cancellation ends the run.
func (s *Scanner) Run(ctx context.Context, opts Options) (rep *report.Report, err error) {
	if opts.Mode != ModeScrub && opts.Mode != ModeScan {
		return nil, fmt.Errorf("scanner: unknown mode %q", opts.Mode)
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("scanner policy: %w", err)
	}

	w := &walk{Scanner: s, opts: opts}
	if opts.Policy.Filter != "" {
		if w.filter, err = CompileFilter(opts.Policy.Filter); err != nil {
			return nil, fmt.Errorf("scanner filter: %w", err)
		}
	}

	if info, err := os.Stat(opts.Drive.Root); err != nil {
		return nil, fmt.Errorf("scanner: drive %s: %w", opts.Drive.Name, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("scanner: drive %s: %s is not a directory", opts.Drive.Name, opts.Drive.Root)
	}

	op, ctx := observability.StartOperation(ctx, s.metrics, string(opts.Mode),
		attribute.String("drive", opts.Drive.Name),
		attribute.Int("generation", opts.Generation),
	)
	defer func() { op.End(err) }()

	w.rep = report.New(string(opts.Mode), s.logger.With("drive", opts.Drive.Name), s.metrics)

	roots := []string{opts.Drive.Root}
	if len(opts.Policy.Include) > 0 {
		roots = roots[:0]
		for _, inc := range opts.Policy.Include {
			roots = append(roots, filepath.Join(opts.Drive.Root, inc))
		}
	}

	for _, root := range roots {
		if _, statErr := os.Stat(root); statErr != nil {
			rel, _ := opts.Drive.Rel(root)
			w.rep.Add(ctx, report.Fail(rel, "", report.FailMissing, statErr))
			continue
		}
		if err = filepath.WalkDir(root, func(p string, d fs.DirEntry, werr error) error {
			return w.visit(ctx, p, d, werr)
		}); err != nil {
			return w.rep, err
		}
	}

	op.Logger().InfoContext(ctx, "scan finished",
		"indexed", w.rep.Count(report.Indexed),
		"skipped", w.rep.Count(report.Skipped),
		"excluded", w.rep.Count(report.Excluded),
		"failed", w.rep.Count(report.Failed))
	return w.rep, nil
}

// ownArea reports whether rel is one of the engine's working areas on a
// backup drive, which are never indexed.
func ownArea(rel string, isDir bool) bool {
	if isDir {
		return rel == "/"+layout.PartialDir || rel == "/"+layout.RestoreDir
	}
	if path.Dir(rel) != "/" {
		return false
	}
	name := path.Base(rel)
	return strings.HasPrefix(name, "receipt-") || strings.HasPrefix(name, ".receipt-")
}

func (w *walk) visit(ctx context.Context, p string, d fs.DirEntry, werr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == w.opts.Drive.Root {
		if werr != nil {
			return werr
		}
		return nil
	}

	rel, err := w.opts.Drive.Rel(p)
	if err != nil {
		return err
	}

	if werr != nil {
		w.rep.Add(ctx, report.Fail(rel, "", report.FailRead, werr))
		if d != nil && d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}

	if w.opts.Drive.Role == layout.RoleBackup && ownArea(rel, d.IsDir()) {
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}

	if pat, ok := matchAny(w.opts.Policy.Warn, d.Name()); ok {
		w.logger.WarnContext(ctx, "suspicious entry", "path", rel, "rule", pat)
	}

	if d.IsDir() {
		return nil
	}
	if !d.Type().IsRegular() {
		w.logger.DebugContext(ctx, "not a regular file", "path", rel, "type", d.Type().String())
		return nil
	}

	if _, ok := matchAny(w.opts.Policy.Exclude, d.Name()); ok {
		w.rep.Add(ctx, report.Result{Path: rel, Outcome: report.Excluded})
		return nil
	}

	if w.filter != nil {
		info, err := d.Info()
		if err != nil {
			w.rep.Add(ctx, report.Fail(rel, "", report.FailRead, err))
			return nil
		}
		attrs := FileAttrs{
			Path: rel,
			Name: d.Name(),
			Ext:  strings.ToLower(path.Ext(rel)),
			Size: info.Size(),
			Dir:  path.Dir(rel),
		}
		if !w.filter.Match(attrs) {
			w.rep.Add(ctx, report.Result{Path: rel, Outcome: report.Excluded})
			return nil
		}
	}

	return w.index(ctx, p, rel)
}

func (w *walk) index(ctx context.Context, abs, rel string) error {
	key := inventory.Key{Drive: w.opts.Drive.Name, Generation: w.opts.Generation, Path: rel}
	known, err := w.inv.Has(ctx, key)
	if err != nil {
		return err
	}
	if known {
		w.rep.Add(ctx, report.Result{Path: rel, Outcome: report.Skipped})
		return nil
	}

	var hash string
	switch w.opts.Mode {
	case ModeScrub:
		hash, err = w.engine.Compute(abs)
		if err != nil {
			var re *fingerprint.ReadError
			if !errors.As(err, &re) {
				return err
			}
			w.rep.Add(ctx, report.Fail(rel, "", report.FailRead, err))
			return nil
		}
	case ModeScan:
		hash, err = layout.Decompose(rel, w.engine.HexLen())
		if err != nil {
			w.rep.Add(ctx, report.Fail(rel, "", report.FailInvalidLayout, err))
			return nil
		}
	}

	inserted, err := w.inv.Insert(ctx, &inventory.Record{
		Drive:        key.Drive,
		Generation:   key.Generation,
		Path:         key.Path,
		Hash:         hash,
		DiscoveredAt: w.now().UnixNano(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		w.rep.Add(ctx, report.Result{Path: rel, Hash: hash, Outcome: report.Skipped})
		return nil
	}
	w.rep.Add(ctx, report.Result{Path: rel, Hash: hash, Outcome: report.Indexed})
	return nil
}
