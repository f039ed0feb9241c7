//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "relayfeed-data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "relayfeed")
}

func secretHint() string {
	return " or " + secretsFilePath() + " (service: relayfeed, account: remote_token)"
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "relayfeed.json")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "relayfeed", "config.json")
}

// jsonBackend keeps relayfeed settings as a flat JSON object keyed by the
// dotted config key, e.g. {"sync.workers": 4, "stories.enabled": true}.
type jsonBackend struct {
	path   string
	values map[string]any
}

func newPlatformBackend() ConfigBackend {
	b := &jsonBackend{path: configFilePath(), values: make(map[string]any)}
	if err := b.load(); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
		return b
	}
	if b.migrate() {
		if err := b.save(); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not save migrated config %s: %v\n", b.path, err)
		}
	}
	return b
}

func (b *jsonBackend) load() error {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not read config file %s: %w", b.path, err)
	}
	if err := json.Unmarshal(data, &b.values); err != nil {
		return fmt.Errorf("could not parse config file %s: %w", b.path, err)
	}
	return nil
}

// migrate renames keys from earlier releases and reports whether the file
// needs rewriting. A value already stored under the new name wins. Keys
// relayfeed does not know are kept but reported.
func (b *jsonBackend) migrate() bool {
	changed := false
	for old, cur := range renamedKeys {
		v, ok := b.values[old]
		if !ok {
			continue
		}
		if _, exists := b.values[cur]; !exists {
			b.values[cur] = v
		}
		delete(b.values, old)
		changed = true
	}

	var unknown []string
	for k := range b.values {
		if _, ok := lookupSpec(k); !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		fmt.Fprintf(os.Stderr, "[WARN] ignoring unknown key %q in %s\n", k, b.path)
	}
	return changed
}

func (b *jsonBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *jsonBackend) GetString(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *jsonBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("%s: %v is not an integer", key, val)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: unexpected %T", key, v)
	}
}

func (b *jsonBackend) GetBool(key string) (bool, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return false, false, nil
	}
	switch val := v.(type) {
	case bool:
		return val, true, nil
	case string:
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return false, true, fmt.Errorf("%s: %w", key, err)
		}
		return parsed, true, nil
	default:
		return false, true, fmt.Errorf("%s: unexpected %T", key, v)
	}
}

func (b *jsonBackend) set(key string, v any) error {
	b.values[key] = v
	return b.save()
}

func (b *jsonBackend) SetString(key, val string) error { return b.set(key, val) }

func (b *jsonBackend) SetInt(key string, val int) error { return b.set(key, val) }

func (b *jsonBackend) SetBool(key string, val bool) error { return b.set(key, val) }

func (b *jsonBackend) Delete(key string) error {
	delete(b.values, key)
	return b.save()
}
