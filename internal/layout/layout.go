// Package layout defines drives and the sharded content-addressed paths
// kept on backup drives.
//
// A blob for hash H lives at <area>/<H[:2]>/<H[2:]>. The two shard segments
// always concatenate to exactly H. Relative paths stored in the inventory are
// slash-separated, start with "/", and never escape the drive root.
package layout

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Areas on a backup drive.
const (
	CurrentDir    = "current"
	DeprecatedDir = "deprecated"
	RestoreDir    = "restorefs"
	PartialDir    = ".partial"
)

// ShardWidth is the number of hex characters in the first shard segment.
const ShardWidth = 2

var (
	// ErrInvalidHash indicates a hash that is not lowercase hex of the expected length.
	ErrInvalidHash = errors.New("invalid content hash")

	// ErrInvalidPath indicates a path outside the drive root or not in sharded form.
	ErrInvalidPath = errors.New("invalid layout path")
)

// Role distinguishes the drive being backed up from its destinations.
type Role string

const (
	RoleSource Role = "source"
	RoleBackup Role = "backup"
)

// Drive is a named filesystem root with a role.
type Drive struct {
	Name string
	Role Role
	Root string
}

func (d Drive) String() string {
	return fmt.Sprintf("%s(%s:%s)", d.Name, d.Role, d.Root)
}

// Area returns the absolute directory of a backup area.
func (d Drive) Area(area string) string {
	return filepath.Join(d.Root, area)
}

// BlobPath returns the absolute sharded location of hash within area.
func (d Drive) BlobPath(area, hash string) (string, error) {
	rel, err := Join(hash)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.Root, area, filepath.FromSlash(rel)), nil
}

// PartialPath returns the hash-named temporary location used while copying.
func (d Drive) PartialPath(hash string) (string, error) {
	if err := ValidateHash(hash, 0); err != nil {
		return "", err
	}
	return filepath.Join(d.Root, PartialDir, hash), nil
}

// RestorePath returns where a record from drive origin is rebuilt.
func (d Drive) RestorePath(origin, rel string) (string, error) {
	if origin == "" || strings.ContainsAny(origin, `/\`) || origin == "." || origin == ".." {
		return "", fmt.Errorf("%w: drive name %q", ErrInvalidPath, origin)
	}
	clean, err := CleanRel(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.Root, RestoreDir, origin, filepath.FromSlash(clean)), nil
}

// Rel converts an absolute path under the drive root into inventory form.
func (d Drive) Rel(abs string) (string, error) {
	r, err := filepath.Rel(d.Root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	r = filepath.ToSlash(r)
	if r == "." || r == ".." || strings.HasPrefix(r, "../") {
		return "", fmt.Errorf("%w: %s is not under %s", ErrInvalidPath, abs, d.Root)
	}
	return "/" + r, nil
}

// Abs converts an inventory path back to an absolute filesystem path.
func (d Drive) Abs(rel string) (string, error) {
	clean, err := CleanRel(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.Root, filepath.FromSlash(clean)), nil
}

// CleanRel validates an inventory path and returns it in canonical form.
func CleanRel(rel string) (string, error) {
	if !strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q is not rooted", ErrInvalidPath, rel)
	}
	for _, seg := range strings.Split(rel[1:], "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the drive root", ErrInvalidPath, rel)
		}
	}
	clean := path.Clean(rel)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q names the drive root", ErrInvalidPath, rel)
	}
	return clean, nil
}

// InArea reports whether an inventory path lies under the given area.
func InArea(rel, area string) bool {
	return strings.HasPrefix(rel, "/"+area+"/")
}

// ValidateHash checks that hash is lowercase hex. A positive hexLen also
// enforces the exact length.
func ValidateHash(hash string, hexLen int) error {
	if len(hash) <= ShardWidth {
		return fmt.Errorf("%w: %q is too short", ErrInvalidHash, hash)
	}
	if hexLen > 0 && len(hash) != hexLen {
		return fmt.Errorf("%w: %q has length %d, want %d", ErrInvalidHash, hash, len(hash), hexLen)
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: %q is not lowercase hex", ErrInvalidHash, hash)
		}
	}
	return nil
}

// Shard splits a hash into its two shard segments.
func Shard(hash string) (prefix, rest string, err error) {
	if err := ValidateHash(hash, 0); err != nil {
		return "", "", err
	}
	return hash[:ShardWidth], hash[ShardWidth:], nil
}

// Join returns the slash-separated shard path "hh/rest" for hash.
func Join(hash string) (string, error) {
	prefix, rest, err := Shard(hash)
	if err != nil {
		return "", err
	}
	return prefix + "/" + rest, nil
}

// Decompose recovers the hash from a sharded path by concatenating its last
// two segments. The first must be ShardWidth characters wide, and a positive
// hexLen enforces the full hash length.
func Decompose(p string, hexLen int) (string, error) {
	p = filepath.ToSlash(p)
	rest := path.Base(p)
	prefix := path.Base(path.Dir(p))
	if len(prefix) != ShardWidth || rest == "" || rest == "/" || rest == "." {
		return "", fmt.Errorf("%w: %q is not <hh>/<rest>", ErrInvalidPath, p)
	}
	hash := prefix + rest
	if err := ValidateHash(hash, hexLen); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}
	return hash, nil
}
