package layout

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

const testHash = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func TestShardJoinDecompose(t *testing.T) {
	prefix, rest, err := Shard(testHash)
	if err != nil {
		t.Fatalf("Shard: %v", err)
	}
	if prefix != "ba" || prefix+rest != testHash {
		t.Fatalf("Shard = %q, %q", prefix, rest)
	}

	rel, err := Join(testHash)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if rel != "ba/"+testHash[2:] {
		t.Fatalf("Join = %q", rel)
	}

	for _, p := range []string{
		rel,
		"/current/" + rel,
		"/deprecated/" + rel,
		filepath.Join("/mnt/backup", CurrentDir, filepath.FromSlash(rel)),
	} {
		got, err := Decompose(p, len(testHash))
		if err != nil {
			t.Fatalf("Decompose(%q): %v", p, err)
		}
		if got != testHash {
			t.Errorf("Decompose(%q) = %q, want %q", p, got, testHash)
		}
	}
}

func TestDecomposeRejects(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		hexLen int
	}{
		{"single segment", "/ba", 0},
		{"wide prefix", "/current/bad/" + testHash[2:], 0},
		{"narrow prefix", "/current/b/" + testHash[1:], 0},
		{"uppercase", "/current/BA/" + testHash[2:], 0},
		{"not hex", "/current/ba/photo.jpg", 0},
		{"wrong length", "/current/ba/" + testHash[2:10], len(testHash)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decompose(tt.path, tt.hexLen); !errors.Is(err, ErrInvalidPath) {
				t.Errorf("Decompose(%q) = %v, want ErrInvalidPath", tt.path, err)
			}
		})
	}
}

func TestValidateHash(t *testing.T) {
	if err := ValidateHash(testHash, 64); err != nil {
		t.Errorf("ValidateHash: %v", err)
	}
	if err := ValidateHash(testHash, 16); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("ValidateHash length = %v", err)
	}
	if err := ValidateHash("ab", 0); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("ValidateHash short = %v", err)
	}
	if err := ValidateHash(strings.ToUpper(testHash), 0); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("ValidateHash upper = %v", err)
	}
}

func TestDriveRelAbs(t *testing.T) {
	root := t.TempDir()
	d := Drive{Name: "Live", Role: RoleSource, Root: root}

	abs := filepath.Join(root, "photos", "a.jpg")
	rel, err := d.Rel(abs)
	if err != nil {
		t.Fatalf("Rel: %v", err)
	}
	if rel != "/photos/a.jpg" {
		t.Fatalf("Rel = %q", rel)
	}

	back, err := d.Abs(rel)
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	if back != abs {
		t.Fatalf("Abs = %q, want %q", back, abs)
	}

	if _, err := d.Rel(filepath.Dir(root)); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Rel outside root = %v, want ErrInvalidPath", err)
	}
	if _, err := d.Rel(root); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Rel of root = %v, want ErrInvalidPath", err)
	}
	if _, err := d.Abs("/../etc/passwd"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Abs escaping = %v, want ErrInvalidPath", err)
	}
	if _, err := d.Abs("relative"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Abs unrooted = %v, want ErrInvalidPath", err)
	}
}

func TestDrivePaths(t *testing.T) {
	d := Drive{Name: "Backup1", Role: RoleBackup, Root: "/mnt/b1"}

	blob, err := d.BlobPath(CurrentDir, testHash)
	if err != nil {
		t.Fatalf("BlobPath: %v", err)
	}
	if want := filepath.Join("/mnt/b1", "current", "ba", testHash[2:]); blob != want {
		t.Errorf("BlobPath = %q, want %q", blob, want)
	}

	partial, err := d.PartialPath(testHash)
	if err != nil {
		t.Fatalf("PartialPath: %v", err)
	}
	if want := filepath.Join("/mnt/b1", ".partial", testHash); partial != want {
		t.Errorf("PartialPath = %q, want %q", partial, want)
	}

	restored, err := d.RestorePath("Live", "/photos/a.jpg")
	if err != nil {
		t.Fatalf("RestorePath: %v", err)
	}
	if want := filepath.Join("/mnt/b1", "restorefs", "Live", "photos", "a.jpg"); restored != want {
		t.Errorf("RestorePath = %q, want %q", restored, want)
	}
	if _, err := d.RestorePath("../x", "/a"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("RestorePath bad drive = %v", err)
	}
	if _, err := d.BlobPath(CurrentDir, "zz"); !errors.Is(err, ErrInvalidHash) {
		t.Errorf("BlobPath bad hash = %v", err)
	}
}

func TestInArea(t *testing.T) {
	if !InArea("/current/ba/"+testHash[2:], CurrentDir) {
		t.Error("InArea current = false")
	}
	if InArea("/currently/x", CurrentDir) {
		t.Error("InArea prefix match = true")
	}
}
