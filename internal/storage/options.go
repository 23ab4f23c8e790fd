package storage

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Options is the flat key/value configuration handed to a backend factory.
// Empty values are treated as unset.
type Options map[string]string

// Merge returns a new Options with override applied on top of defaults.
func Merge(defaults, override Options) Options {
	out := make(Options, len(defaults)+len(override))
	maps.Copy(out, defaults)
	for k, v := range override {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// String returns the value for key, or def when unset.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return def
}

// Bool parses true/false, 1/0, yes/no (case-insensitive).
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, &ConfigError{Key: key, Value: v, Message: "must be a boolean (true/false, 1/0, yes/no)"}
}

// Int parses a base-10 integer.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Key: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return i, nil
}

// Int64 parses a base-10 64-bit integer.
func (o Options) Int64(key string, def int64) (int64, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &ConfigError{Key: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return i, nil
}

// Duration accepts Go duration strings ("5s") or a plain integer of seconds.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, &ConfigError{Key: key, Value: v, Message: "must be a duration (e.g. '5s') or integer seconds"}
}

// FileMode parses an octal permission string such as "0700".
func (o Options) FileMode(key string, def os.FileMode) (os.FileMode, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	m, err := strconv.ParseUint(v, 8, 32)
	if err != nil {
		return 0, &ConfigError{Key: key, Value: v, Message: "must be an octal permission string (e.g. 0700)", Cause: err}
	}
	return os.FileMode(m), nil
}

// Path returns the value for key with ~ expanded, or def when unset.
func (o Options) Path(key, def string) string {
	return ExpandPath(o.String(key, def))
}

// ExpandPath expands a leading ~/ to the home directory and cleans the path.
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}
