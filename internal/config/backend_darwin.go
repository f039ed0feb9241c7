//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.relayfeed.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relayfeed-data"
	}
	return filepath.Join(home, "Library", "Application Support", "relayfeed")
}

func secretHint() string {
	return " or macOS Keychain (service: relayfeed, account: remote_token)"
}

// defaultsBackend keeps relayfeed settings in the com.relayfeed.app
// UserDefaults domain through the defaults(1) tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	b := &defaultsBackend{domain: defaultsDomain}
	b.migrate()
	return b
}

// migrate moves values stored under renamed keys. A value already stored
// under the new name wins.
func (b *defaultsBackend) migrate() {
	for old, cur := range renamedKeys {
		v, ok, err := b.read(old)
		if err != nil || !ok {
			continue
		}
		if _, exists, _ := b.read(cur); !exists {
			if err := b.writeTyped(cur, v); err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not migrate %s to %s: %v\n", old, cur, err)
				continue
			}
		}
		if err := b.Delete(old); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not remove legacy key %s: %v\n", old, err)
		}
	}
}

// writeTyped stores a raw defaults value under key with the type the key
// is declared with.
func (b *defaultsBackend) writeTyped(key, raw string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown key %s", key)
	}
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		return b.SetInt(key, i)
	case kBool:
		v, err := parseDefaultsBool(raw)
		if err != nil {
			return err
		}
		return b.SetBool(key, v)
	default:
		return b.SetString(key, raw)
	}
}

func (b *defaultsBackend) read(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s %s: %w: %s", b.domain, key, err, s)
	}
	return s, true, nil
}

func (b *defaultsBackend) write(key, typeFlag, val string) error {
	out, err := exec.Command("defaults", "write", b.domain, key, typeFlag, val).CombinedOutput()
	if err != nil {
		return fmt.Errorf("defaults write %s %s: %w: %s", b.domain, key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) GetBool(key string) (bool, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return false, ok, err
	}
	v, err := parseDefaultsBool(s)
	if err != nil {
		return false, true, fmt.Errorf("%s: %w", key, err)
	}
	return v, true, nil
}

// parseDefaultsBool accepts the 1/0 that defaults prints for booleans as
// well as YES/NO and true/false.
func parseDefaultsBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func (b *defaultsBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *defaultsBackend) SetBool(key string, val bool) error {
	return b.write(key, "-bool", strconv.FormatBool(val))
}

func (b *defaultsBackend) Delete(key string) error {
	return exec.Command("defaults", "delete", b.domain, key).Run()
}
