// Package receipt serializes the inventory to a compressed, self-describing
// file kept on each backup drive, and replays such files back into an
// inventory.
//
// A receipt is a zstd stream of JSON lines. The first line is a Header and
// every following line is one inventory Record.
package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/gezibash/arc-backup/internal/fsutil"
	"github.com/gezibash/arc-backup/internal/inventory"
)

// Format identifies the receipt encoding in every header.
const Format = "arc-backup-receipt/v1"

// File naming on a drive root.
const (
	filePrefix = "receipt-"
	fileSuffix = ".jsonl.zst"
	dateLayout = "20060102"
)

var (
	// ErrUnknownFormat is returned by Import for a header it cannot read.
	ErrUnknownFormat = errors.New("unknown receipt format")

	// ErrNoReceipt is returned by Latest when a drive carries no receipt.
	ErrNoReceipt = errors.New("no receipt found")
)

// Header opens every receipt.
type Header struct {
	Format      string    `json:"format"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	SourceDrive string    `json:"source_drive"`
	Generation  int       `json:"generation"`
}

// NewHeader returns a header with a fresh run id.
func NewHeader(sourceDrive string, generation int) Header {
	return Header{
		Format:      Format,
		RunID:       uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		SourceDrive: sourceDrive,
		Generation:  generation,
	}
}

// FileName is the receipt name for a run on day t.
func FileName(t time.Time) string {
	return filePrefix + t.UTC().Format(dateLayout) + fileSuffix
}

// Export writes hdr followed by every record in the inventory, partition by
// partition, and returns the number of records written.
func Export(ctx context.Context, inv *inventory.Inventory, w io.Writer, hdr Header) (int64, error) {
	if hdr.Format == "" {
		hdr.Format = Format
	}
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("receipt: %w", err)
	}
	enc := json.NewEncoder(zw)
	if err := enc.Encode(hdr); err != nil {
		zw.Close()
		return 0, fmt.Errorf("receipt header: %w", err)
	}

	parts, err := inv.Partitions(ctx)
	if err != nil {
		zw.Close()
		return 0, err
	}
	var n int64
	for _, p := range parts {
		for rec, err := range inv.Iterate(ctx, p.Drive, p.Generation, false) {
			if err != nil {
				zw.Close()
				return n, err
			}
			if err := enc.Encode(rec); err != nil {
				zw.Close()
				return n, fmt.Errorf("receipt record: %w", err)
			}
			n++
		}
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("receipt: %w", err)
	}
	return n, nil
}

// ImportStats summarizes an Import.
type ImportStats struct {
	Header   Header
	Records  int64
	Inserted int64
	Assigned int64
}

// Import replays a receipt. Records already present are left as they are,
// and an assignment is applied only where the record has none. Importing the
// same receipt twice changes nothing the second time.
func Import(ctx context.Context, inv *inventory.Inventory, r io.Reader) (ImportStats, error) {
	var stats ImportStats
	zr, err := zstd.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("receipt: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	if err := dec.Decode(&stats.Header); err != nil {
		return stats, fmt.Errorf("receipt header: %w", err)
	}
	if stats.Header.Format != Format {
		return stats, fmt.Errorf("%w: %q", ErrUnknownFormat, stats.Header.Format)
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		var rec inventory.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, fmt.Errorf("receipt record %d: %w", stats.Records+1, err)
		}
		stats.Records++

		backup := rec.BackupDrive
		rec.BackupDrive = ""
		inserted, err := inv.Insert(ctx, &rec)
		if err != nil {
			return stats, err
		}
		if inserted {
			stats.Inserted++
		}
		if backup == "" {
			continue
		}
		assigned, err := inv.Assign(ctx, rec.Key(), backup)
		if err != nil {
			return stats, err
		}
		if assigned {
			stats.Assigned++
		}
	}
}

// Write exports the inventory to FileName(hdr.CreatedAt) under root. The
// file appears only once complete. It returns the file's path and the
// record count.
func Write(ctx context.Context, inv *inventory.Inventory, root string, hdr Header) (string, int64, error) {
	if hdr.CreatedAt.IsZero() {
		hdr.CreatedAt = time.Now().UTC()
	}
	path := filepath.Join(root, FileName(hdr.CreatedAt))
	t, err := renameio.TempFile(root, path)
	if err != nil {
		return "", 0, fmt.Errorf("receipt: %w", err)
	}
	defer t.Cleanup()

	n, err := Export(ctx, inv, t, hdr)
	if err != nil {
		return "", n, err
	}
	if err := t.Chmod(fsutil.FilePerm); err != nil {
		return "", n, fmt.Errorf("receipt: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", n, fmt.Errorf("receipt: %w", err)
	}
	return path, n, nil
}

// Latest returns the newest receipt directly under root.
func Latest(root string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(root, filePrefix+"*"+fileSuffix))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoReceipt, root)
	}
	slices.Sort(matches)
	return matches[len(matches)-1], nil
}

// ImportFile imports the receipt at path.
func ImportFile(ctx context.Context, inv *inventory.Inventory, path string) (ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportStats{}, err
	}
	defer f.Close()
	return Import(ctx, inv, f)
}
