package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const defaultBaseDir = ".tradesim"

// Paths holds resolved filesystem paths for tradesim data.
type Paths struct {
	Base   string // ~/.tradesim
	Config string // ~/.tradesim/config.yaml
	Env    string // ~/.tradesim/.env
	Logs   string // ~/.tradesim/logs
	Data   string // ~/.tradesim/data
}

// ResolvePaths computes all standard paths from the home directory.
// If TRADESIM_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("TRADESIM_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:   base,
		Config: filepath.Join(base, "config.yaml"),
		Env:    filepath.Join(base, ".env"),
		Logs:   filepath.Join(base, "logs"),
		Data:   filepath.Join(base, "data"),
	}, nil
}

// DefaultDatabase is the sqlite file used when store.dsn is empty.
func (p Paths) DefaultDatabase() string {
	return filepath.Join(p.Data, "tradesim.db")
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	dirs := []string{p.Base, p.Logs, p.Data}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// sections are the top-level keys of config.yaml.
var sections = map[string]bool{
	"gateway": true,
	"logging": true,
	"store":   true,
	"fleet":   true,
	"quote":   true,
	"summary": true,
	"notify":  true,
	"tracing": true,
}

// ParseConfigPath splits a dotted config path such as "fleet.defaults.buyBias"
// into segments. The first segment must name a known section.
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(raw, ".")
	if slices.Contains(parts, "") {
		return nil, &ConfigError{Message: "config path contains empty segment"}
	}
	if !sections[parts[0]] {
		return nil, &ConfigError{Message: "unknown config section: " + parts[0]}
	}
	return parts, nil
}

// GetValueAtPath traverses a nested map using the given path segments.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	current := any(root)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetValueAtPath sets a value in a nested map, creating intermediate maps as needed.
func SetValueAtPath(root map[string]any, path []string, value any) {
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key]
		if !ok {
			next = map[string]any{}
			current[key] = next
		}
		m, ok := next.(map[string]any)
		if !ok {
			m = map[string]any{}
			current[key] = m
		}
		current = m
	}
	current[path[len(path)-1]] = value
}

// UnsetValueAtPath removes a value at the given path. Returns true if removed.
func UnsetValueAtPath(root map[string]any, path []string) bool {
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key]
		if !ok {
			return false
		}
		m, ok := next.(map[string]any)
		if !ok {
			return false
		}
		current = m
	}
	last := path[len(path)-1]
	if _, ok := current[last]; !ok {
		return false
	}
	delete(current, last)
	return true
}
