// Package config loads arc-backup settings from flags, environment and a
// YAML file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/arc-backup/internal/scanner"
)

// Defaults holds the values used when nothing else sets a key.
var Defaults = struct {
	Generation       int
	IndexBackend     string
	Algorithm        string
	ChunkSize        int
	ProgressInterval time.Duration
	LogLevel         string
	LogFormat        string
	ServiceName      string
	S3Region         string
}{
	Generation:       1,
	IndexBackend:     "sqlite",
	Algorithm:        "sha256",
	ChunkSize:        1 << 20,
	ProgressInterval: 30 * time.Second,
	LogLevel:         "info",
	LogFormat:        "auto",
	ServiceName:      "arc-backup",
	S3Region:         "us-east-1",
}

// DefaultDataDir returns the default data directory (~/.arc-backup).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc-backup"
	}
	return filepath.Join(home, ".arc-backup")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("generation", Defaults.Generation)

	v.SetDefault("fingerprint.algorithm", Defaults.Algorithm)
	v.SetDefault("fingerprint.chunk_size", Defaults.ChunkSize)

	v.SetDefault("scan.exclude", scanner.DefaultExclude)
	v.SetDefault("scan.warn", scanner.DefaultWarn)

	v.SetDefault("fill.verify", false)
	v.SetDefault("fill.progress_interval", Defaults.ProgressInterval)

	v.SetDefault("index.backend", Defaults.IndexBackend)

	v.SetDefault("receipt.s3.region", Defaults.S3Region)

	v.SetDefault("observability.log_level", Defaults.LogLevel)
	v.SetDefault("observability.log_format", Defaults.LogFormat)
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", Defaults.ServiceName)
	v.SetDefault("observability.service_version", "dev")
}
