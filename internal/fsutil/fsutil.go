// Package fsutil holds the filesystem primitives the pipeline phases share:
// non-clobbering moves, durable copies, and empty-directory pruning.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/renameio"
)

// DirPerm is used for every directory the engine creates.
const DirPerm = 0o755

// FilePerm is used for every file the engine creates.
const FilePerm = 0o644

// copyBufSize bounds each read during a copy.
const copyBufSize = 1 << 20

// Exists reports whether path exists. Errors other than not-exist are
// returned.
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Move renames src to dst, creating dst's parent directories. It refuses to
// replace an existing dst and returns fs.ErrExist instead.
func Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), DirPerm); err != nil {
		return err
	}
	exists, err := Exists(dst)
	if err != nil {
		return err
	}
	if exists {
		return &fs.PathError{Op: "move", Path: dst, Err: fs.ErrExist}
	}
	return os.Rename(src, dst)
}

// CopyFile writes src's bytes to dst, truncating any previous content, and
// fsyncs dst before returning. It returns the number of bytes copied.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, &CopyError{Op: OpRead, Path: src, Err: err}
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), DirPerm); err != nil {
		return 0, &CopyError{Op: OpWrite, Path: dst, Err: err}
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePerm)
	if err != nil {
		return 0, &CopyError{Op: OpWrite, Path: dst, Err: err}
	}

	n, err := copyBuffer(out, in, src, dst)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, &CopyError{Op: OpWrite, Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return n, &CopyError{Op: OpWrite, Path: dst, Err: err}
	}
	return n, nil
}

// CopyAtomic copies src to dst through a temporary file in dst's directory
// that is renamed into place only once complete. A reader never observes a
// partial dst.
func CopyAtomic(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, &CopyError{Op: OpRead, Path: src, Err: err}
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), DirPerm); err != nil {
		return 0, &CopyError{Op: OpWrite, Path: dst, Err: err}
	}
	t, err := renameio.TempFile(filepath.Dir(dst), dst)
	if err != nil {
		return 0, &CopyError{Op: OpWrite, Path: dst, Err: err}
	}
	defer t.Cleanup()

	n, err := copyBuffer(t, in, src, dst)
	if err != nil {
		return n, err
	}
	if err := t.Chmod(FilePerm); err != nil {
		return n, &CopyError{Op: OpWrite, Path: dst, Err: err}
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return n, &CopyError{Op: OpRename, Path: dst, Err: err}
	}
	return n, nil
}

func copyBuffer(w io.Writer, r io.Reader, src, dst string) (int64, error) {
	buf := make([]byte, copyBufSize)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, &CopyError{Op: OpWrite, Path: dst, Err: werr}
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, &CopyError{Op: OpRead, Path: src, Err: rerr}
		}
	}
}

// SyncDir fsyncs a directory so a completed rename inside it is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// Copy operation stages reported by CopyError.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpRename = "rename"
)

// CopyError says which side of a copy failed.
type CopyError struct {
	Op   string
	Path string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// IsDeviceFailure reports whether err indicates the storage itself is
// failing (I/O error or read-only filesystem) rather than a per-file
// problem such as a full disk.
func IsDeviceFailure(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, syscall.EROFS)
}

// PruneEmpty removes empty directories below root, deepest first. root
// itself is never removed. When keep reports true for a directory, that
// directory and everything beneath it is left alone. It returns the number
// of directories removed.
func PruneEmpty(root string, keep func(dir string) bool) (int, error) {
	removed := 0
	var walk func(dir string) (empty bool, err error)
	walk = func(dir string) (bool, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false, err
		}
		empty := true
		for _, e := range entries {
			if !e.IsDir() {
				empty = false
				continue
			}
			child := filepath.Join(dir, e.Name())
			if keep != nil && keep(child) {
				empty = false
				continue
			}
			childEmpty, err := walk(child)
			if err != nil {
				return false, err
			}
			if !childEmpty {
				empty = false
				continue
			}
			if err := os.Remove(child); err != nil {
				return false, err
			}
			removed++
		}
		return empty, nil
	}
	_, err := walk(root)
	return removed, err
}
