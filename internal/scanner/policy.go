package scanner

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Policy decides which files a walk indexes.
type Policy struct {
	// Include limits the walk to these top-level folders. Empty means the
	// whole drive.
	Include []string `mapstructure:"include"`
	// Exclude lists base-name globs for files that are never indexed.
	Exclude []string `mapstructure:"exclude"`
	// Warn lists base-name globs that are logged as suspicious but still
	// indexed.
	Warn []string `mapstructure:"warn"`
	// Filter is an optional CEL expression; files for which it is false are
	// excluded.
	Filter string `mapstructure:"filter"`
}

// DefaultExclude matches sidecar and desktop metadata files.
var DefaultExclude = []string{".DS_Store", "Thumbs.db", "desktop.ini", "._*", "*.xmp"}

// DefaultWarn matches split-archive fragments and catalog bundles that
// should be consolidated before they are backed up.
var DefaultWarn = []string{"*.part", "*.[0-9][0-9][0-9]", "*.z[0-9][0-9]", "*.lrdata", "*.photoslibrary"}

// DefaultPolicy walks the whole drive with the default rules.
func DefaultPolicy() Policy {
	return Policy{
		Exclude: append([]string(nil), DefaultExclude...),
		Warn:    append([]string(nil), DefaultWarn...),
	}
}

// Validate checks glob syntax and include names.
func (p Policy) Validate() error {
	for _, inc := range p.Include {
		if inc == "" || inc == "." || inc == ".." || strings.ContainsAny(inc, `/\`) {
			return fmt.Errorf("include %q: must be a top-level folder name", inc)
		}
	}
	for _, set := range [][]string{p.Exclude, p.Warn} {
		for _, pat := range set {
			if _, err := filepath.Match(pat, ""); err != nil {
				return fmt.Errorf("pattern %q: %w", pat, err)
			}
		}
	}
	return nil
}

func matchAny(patterns []string, name string) (string, bool) {
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, name); ok {
			return pat, true
		}
	}
	return "", false
}
