package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/gezibash/arc-backup/internal/allocate"
	"github.com/gezibash/arc-backup/internal/fill"
	"github.com/gezibash/arc-backup/internal/layout"
	"github.com/gezibash/arc-backup/internal/receipt"
	"github.com/gezibash/arc-backup/internal/reconcile"
	"github.com/gezibash/arc-backup/internal/report"
	"github.com/gezibash/arc-backup/internal/restore"
	"github.com/gezibash/arc-backup/internal/scanner"
)

// ErrPartial is returned after a run that finished but skipped files.
var ErrPartial = errors.New("run finished with failures")

// renderReport writes rep and reports ErrPartial when any file failed.
func renderReport(out *Output, rep *report.Report) error {
	if err := out.Render(NewReportView(rep)); err != nil {
		return err
	}
	if n := rep.Count(report.Failed); n > 0 {
		return fmt.Errorf("%w: %d of %d files", ErrPartial, n, rep.Total())
	}
	return nil
}

// Scan indexes a drive. ModeScrub hashes every new file. ModeScan trusts
// blob names on backup drives.
func Scan(mode scanner.Mode, drive string) func(context.Context, *Runtime, *Output) error {
	return func(ctx context.Context, rt *Runtime, out *Output) error {
		d, err := rt.Config.Drive(drive, "")
		if err != nil {
			return err
		}
		s := scanner.New(rt.Inventory, rt.Engine, rt.Logger, rt.Obs.Metrics)
		rep, err := s.Run(ctx, scanner.Options{
			Drive:      d,
			Generation: rt.Config.Generation,
			Mode:       mode,
			Policy:     rt.Config.Scan,
		})
		if err != nil {
			return err
		}
		return renderReport(out, rep)
	}
}

// Migrate moves source content already on a backup drive into current/.
func Migrate(drive string) func(context.Context, *Runtime, *Output) error {
	return func(ctx context.Context, rt *Runtime, out *Output) error {
		d, err := rt.Config.Drive(drive, layout.RoleBackup)
		if err != nil {
			return err
		}
		r := reconcile.New(rt.Inventory, rt.Logger, rt.Obs.Metrics)
		rep, err := r.Migrate(ctx, reconcile.MigrateOptions{
			Backup:      d,
			SourceDrive: rt.Config.SourceDrive,
			Generation:  rt.Config.Generation,
		})
		if err != nil {
			return err
		}
		return renderReport(out, rep)
	}
}

// Deprecate retires a backup drive's current/ blobs into deprecated/.
func Deprecate(drive string) func(context.Context, *Runtime, *Output) error {
	return func(ctx context.Context, rt *Runtime, out *Output) error {
		d, err := rt.Config.Drive(drive, layout.RoleBackup)
		if err != nil {
			return err
		}
		rep, err := reconcile.New(rt.Inventory, rt.Logger, rt.Obs.Metrics).Deprecate(ctx, d)
		if err != nil {
			return err
		}
		return renderReport(out, rep)
	}
}

// Mark assigns source records to the blobs a backup drive already holds.
func Mark(drive string) func(context.Context, *Runtime, *Output) error {
	return func(ctx context.Context, rt *Runtime, out *Output) error {
		d, err := rt.Config.Drive(drive, layout.RoleBackup)
		if err != nil {
			return err
		}
		m := allocate.New(rt.Inventory, rt.Logger, rt.Obs.Metrics)
		rep, err := m.Run(ctx, allocate.Options{
			Backup:      d,
			SourceDrive: rt.Config.SourceDrive,
			Generation:  rt.Config.Generation,
			HexLen:      rt.Engine.HexLen(),
		})
		if err != nil {
			return err
		}
		return renderReport(out, rep)
	}
}

// Fill copies unassigned source content to a backup drive. Progress is
// served on /progress next to /metrics.
func Fill(drive string) func(context.Context, *Runtime, *Output) error {
	return func(ctx context.Context, rt *Runtime, out *Output) error {
		d, err := rt.Config.Drive(drive, layout.RoleBackup)
		if err != nil {
			return err
		}
		src, err := rt.Config.Source()
		if err != nil {
			return err
		}
		f := fill.New(rt.Inventory, rt.Engine, rt.Logger, rt.Obs.Metrics)
		if err := rt.ServeMetrics(map[string]http.Handler{"/progress": f.Progress()}); err != nil {
			return err
		}
		rep, err := f.Run(ctx, fill.Options{
			Source:           src,
			Backup:           d,
			Generation:       rt.Config.Generation,
			Verify:           rt.Config.Fill.Verify,
			ProgressInterval: rt.Config.Fill.ProgressInterval,
		})
		if err != nil {
			if rep != nil {
				_ = out.Render(NewReportView(rep))
			}
			return err
		}
		return renderReport(out, rep)
	}
}

// Restore rebuilds original trees from a backup drive's deprecated/ blobs.
func Restore(drive string) func(context.Context, *Runtime, *Output) error {
	return func(ctx context.Context, rt *Runtime, out *Output) error {
		d, err := rt.Config.Drive(drive, layout.RoleBackup)
		if err != nil {
			return err
		}
		r := restore.New(rt.Inventory, rt.Logger, rt.Obs.Metrics)
		rep, err := r.Run(ctx, restore.Options{
			Backup:       d,
			Generation:   rt.Config.Generation,
			HexLen:       rt.Engine.HexLen(),
			BackupDrives: rt.Config.BackupDrives(),
		})
		if err != nil {
			return err
		}
		return renderReport(out, rep)
	}
}

// Receipt writes the inventory to the backup drive's root, and to S3 when a
// bucket is configured.
func Receipt(drive string) func(context.Context, *Runtime, *Output) error {
	return func(ctx context.Context, rt *Runtime, out *Output) error {
		d, err := rt.Config.Drive(drive, layout.RoleBackup)
		if err != nil {
			return err
		}
		hdr := receipt.NewHeader(rt.Config.SourceDrive, rt.Config.Generation)
		hdr.RunID = rt.RunID
		path, n, err := receipt.Write(ctx, rt.Inventory, d.Root, hdr)
		if err != nil {
			return err
		}
		rt.Logger.InfoContext(ctx, "receipt written", "drive", d.Name, "path", path, "records", n)

		kv := out.KV("receipt").
			Set("Drive", d.Name).
			Set("Path", path).
			Set("Records", n).
			Set("Run ID", hdr.RunID)

		if s3cfg := rt.Config.Receipt.S3; s3cfg.Enabled() {
			sink, err := receipt.NewS3Sink(ctx, s3cfg.Options())
			if err != nil {
				return err
			}
			url, err := sink.Upload(ctx, path)
			if err != nil {
				return err
			}
			rt.Logger.InfoContext(ctx, "receipt uploaded", "url", url)
			kv.Set("Uploaded", url)
		}
		return kv.Render()
	}
}

// RestoreDB imports the newest receipt on a drive into the inventory.
func RestoreDB(drive string) func(context.Context, *Runtime, *Output) error {
	return func(ctx context.Context, rt *Runtime, out *Output) error {
		d, err := rt.Config.Drive(drive, "")
		if err != nil {
			return err
		}
		path, err := receipt.Latest(d.Root)
		if err != nil {
			return err
		}
		stats, err := receipt.ImportFile(ctx, rt.Inventory, path)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		rt.Logger.InfoContext(ctx, "receipt imported", "path", path,
			"records", stats.Records, "inserted", stats.Inserted, "assigned", stats.Assigned)
		return out.KV("restoredb").
			Set("Path", path).
			Set("Run ID", stats.Header.RunID).
			Set("Created", stats.Header.CreatedAt).
			Set("Records", stats.Records).
			Set("Inserted", stats.Inserted).
			Set("Assigned", stats.Assigned).
			Render()
	}
}

// Status lists every inventory partition with its unassigned count.
func Status(ctx context.Context, rt *Runtime, out *Output) error {
	stats, err := rt.Inventory.Stats(ctx)
	if err != nil {
		return err
	}
	parts, err := rt.Inventory.Partitions(ctx)
	if err != nil {
		return err
	}

	t := out.Table("status", "Drive", "Generation", "Records", "Unassigned")
	for _, p := range parts {
		total, err := rt.Inventory.Count(ctx, p.Drive, p.Generation, false)
		if err != nil {
			return err
		}
		unassigned, err := rt.Inventory.Count(ctx, p.Drive, p.Generation, true)
		if err != nil {
			return err
		}
		t.AddRow(p.Drive, strconv.Itoa(p.Generation), strconv.FormatInt(total, 10), strconv.FormatInt(unassigned, 10))
	}

	if out.Format() == FormatText {
		size := "unknown"
		if stats.SizeBytes >= 0 {
			size = humanize.IBytes(uint64(stats.SizeBytes))
		}
		if _, err := fmt.Fprintf(out.w, "inventory: %s, %d records, %s\n", stats.BackendType, stats.Records, size); err != nil {
			return err
		}
		if t.Len() == 0 {
			return nil
		}
	}
	return t.Render()
}
