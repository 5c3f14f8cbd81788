package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// xdgDir resolves an XDG base directory, falling back to fallback under the
// home directory. ok is false when neither is available.
func xdgDir(env string, fallback ...string) (string, bool) {
	if dir := os.Getenv(env); dir != "" {
		return dir, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(append([]string{home}, fallback...)...), true
}

func defaultDataDir() string {
	dir, ok := xdgDir("XDG_DATA_HOME", ".local", "share")
	if !ok {
		return "reelsense-data"
	}
	return filepath.Join(dir, "reelsense")
}

func configFilePath() string {
	if p := os.Getenv("REELSENSE_CONFIG_FILE"); p != "" {
		return p
	}
	dir, ok := xdgDir("XDG_CONFIG_HOME", ".config")
	if !ok {
		dir = "."
	}
	return filepath.Join(dir, "reelsense", "config.json")
}

// fileBackend keeps non-secret settings as one flat JSON object. Every write
// rewrites the whole file.
type fileBackend struct {
	path   string
	values map[string]any
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

// newFileBackend reads path if it exists. An unreadable or malformed file is
// logged and treated as empty.
func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]any{}}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		slog.Warn("could not read config file, using defaults", "path", path, "error", err)
	default:
		if err := json.Unmarshal(raw, &b.values); err != nil {
			slog.Warn("could not parse config file, using defaults", "path", path, "error", err)
		}
	}
	return b
}

func (b *fileBackend) put(key string, v any) error {
	if v == nil {
		delete(b.values, key)
	} else {
		b.values[key] = v
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	raw, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, raw, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	switch v := b.values[key].(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	default:
		return fmt.Sprint(v), true, nil
	}
}

// GetInt accepts whole JSON numbers and numeric strings.
func (b *fileBackend) GetInt(key string) (int, bool, error) {
	switch v := b.values[key].(type) {
	case nil:
		return 0, false, nil
	case float64:
		if v != math.Trunc(v) || v < math.MinInt || v > math.MaxInt {
			return 0, true, fmt.Errorf("%s: %v is not an integer in range", key, v)
		}
		return int(v), true, nil
	case string:
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: unsupported value type %T", key, v)
	}
}

func (b *fileBackend) SetString(key, val string) error { return b.put(key, val) }
func (b *fileBackend) SetInt(key string, val int) error { return b.put(key, val) }
func (b *fileBackend) SetFloat(key string, val float64) error { return b.put(key, val) }
func (b *fileBackend) Delete(key string) error { return b.put(key, nil) }
