package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gezibash/arc-backup/internal/fingerprint"
	"github.com/gezibash/arc-backup/internal/inventory/physical"
	"github.com/gezibash/arc-backup/internal/layout"
	"github.com/gezibash/arc-backup/internal/receipt"
	"github.com/gezibash/arc-backup/internal/scanner"
	"github.com/gezibash/arc-backup/internal/storage"
)

var (
	// ErrUnknownDrive is returned for a drive name missing from drives.
	ErrUnknownDrive = errors.New("unknown drive")

	// ErrWrongRole is returned when a mode is given a drive of the wrong role.
	ErrWrongRole = errors.New("wrong drive role")
)

type Config struct {
	DataDir     string            `mapstructure:"data_dir"`
	SourceDrive string            `mapstructure:"source_drive"`
	Generation  int               `mapstructure:"generation"`
	Drives      []DriveConfig     `mapstructure:"drives"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Scan        scanner.Policy    `mapstructure:"scan"`
	Fill        FillConfig        `mapstructure:"fill"`
	Index       BackendConfig     `mapstructure:"index"`
	Receipt     ReceiptConfig     `mapstructure:"receipt"`

	Observability ObservabilityConfig `mapstructure:"observability"`
}

// DriveConfig names a drive root. The drive matching source_drive is the
// source and every other drive is a backup.
type DriveConfig struct {
	Name string `mapstructure:"name"`
	Root string `mapstructure:"root"`
}

type FingerprintConfig struct {
	Algorithm string `mapstructure:"algorithm"`
	ChunkSize int    `mapstructure:"chunk_size"`
}

type FillConfig struct {
	Verify           bool          `mapstructure:"verify"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type ReceiptConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// Validate checks the settings every mode depends on.
func (c Config) Validate() error {
	if c.Generation < 1 {
		return fmt.Errorf("generation must be >= 1, got %d", c.Generation)
	}
	if c.SourceDrive == "" {
		return errors.New("source_drive is required")
	}

	seen := make(map[string]bool, len(c.Drives))
	for i, d := range c.Drives {
		if d.Name == "" || strings.ContainsAny(d.Name, "/\\\x00") || d.Name == "." || d.Name == ".." {
			return fmt.Errorf("drives[%d]: invalid name %q", i, d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("drives[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
		if !filepath.IsAbs(d.Root) {
			return fmt.Errorf("drive %s: root %q must be absolute", d.Name, d.Root)
		}
	}
	if !seen[c.SourceDrive] {
		return fmt.Errorf("source_drive %q: %w", c.SourceDrive, ErrUnknownDrive)
	}

	if _, err := fingerprint.New(fingerprint.Algorithm(c.Fingerprint.Algorithm), c.Fingerprint.ChunkSize); err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	if err := c.Scan.Validate(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if c.Index.Backend != "" && !physical.IsRegistered(c.Index.Backend) {
		return fmt.Errorf("index: unknown backend %q (have %s)", c.Index.Backend,
			strings.Join(physical.ListBackends(), ", "))
	}
	return nil
}

// Drive resolves name to a drive. A non-empty role must match the drive's.
func (c Config) Drive(name string, role layout.Role) (layout.Drive, error) {
	for _, d := range c.Drives {
		if d.Name != name {
			continue
		}
		got := layout.Drive{Name: d.Name, Role: layout.RoleBackup, Root: filepath.Clean(d.Root)}
		if d.Name == c.SourceDrive {
			got.Role = layout.RoleSource
		}
		if role != "" && got.Role != role {
			return layout.Drive{}, fmt.Errorf("drive %s is a %s drive, want %s: %w", name, got.Role, role, ErrWrongRole)
		}
		return got, nil
	}
	return layout.Drive{}, fmt.Errorf("drive %q: %w", name, ErrUnknownDrive)
}

// BackupDrives returns the names of every drive other than the source.
func (c Config) BackupDrives() []string {
	var names []string
	for _, d := range c.Drives {
		if d.Name != c.SourceDrive {
			names = append(names, d.Name)
		}
	}
	return names
}

// Source returns the configured source drive.
func (c Config) Source() (layout.Drive, error) {
	return c.Drive(c.SourceDrive, layout.RoleSource)
}

// IndexOptions returns the backend options, placing file-backed indexes
// under data_dir unless a path is configured.
func (c Config) IndexOptions() storage.Options {
	opts := make(storage.Options, len(c.Index.Config)+1)
	for k, v := range c.Index.Config {
		opts[k] = v
	}
	if opts["path"] == "" && c.DataDir != "" {
		switch c.Index.Backend {
		case "sqlite":
			opts["path"] = filepath.Join(c.DataDir, "inventory.db")
		case "badger":
			opts["path"] = filepath.Join(c.DataDir, "inventory.badger")
		}
	}
	return opts
}

// Enabled reports whether receipts are also uploaded.
func (s S3Config) Enabled() bool { return s.Bucket != "" }

// Options returns the S3 sink options.
func (s S3Config) Options() storage.Options {
	return storage.Options{
		receipt.KeyBucket:          s.Bucket,
		receipt.KeyRegion:          s.Region,
		receipt.KeyEndpoint:        s.Endpoint,
		receipt.KeyPrefix:          s.Prefix,
		receipt.KeyAccessKeyID:     s.AccessKeyID,
		receipt.KeySecretAccessKey: s.SecretAccessKey,
		receipt.KeyForcePathStyle:  strconv.FormatBool(s.ForcePathStyle),
	}
}
