// paths.go — runtime state directory resolution.
//
// Adapted from the teacher repo's internal/state.RootDir: same
// override-then-XDG-then-UserConfigDir resolution chain, renamed for this
// module's app name and persisted-state layout (spec §6.4).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// StateDirEnv overrides the default runtime state root.
	StateDirEnv = "GASOLINE_RELAY_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "gasoline-relay"
)

// RootDir returns the runtime state root for a single tool-server process.
// Resolution order:
//  1. GASOLINE_RELAY_STATE_DIR (if set)
//  2. XDG_STATE_HOME/gasoline-relay (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/gasoline-relay (cross-platform fallback)
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(StateDirEnv)); override != "" {
		return normalizePath(override)
	}
	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName), nil
}

// OperationsDir returns the per-operation-record directory (spec §6.4).
func OperationsDir() (string, error) {
	return InRoot("operations")
}

// LogsDir returns the rotating-log directory (spec §6.4).
func LogsDir() (string, error) {
	return InRoot("logs")
}

// LogFile returns the rotating log path for a role+pid pair.
func LogFile(role string, pid int) (string, error) {
	dir, err := LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%d.log", role, pid)), nil
}

// ExceptionsLogFile returns the uncaught-error sink path for a role+pid pair.
func ExceptionsLogFile(role string, pid int) (string, error) {
	dir, err := LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%d-exceptions.log", role, pid)), nil
}

// InRoot joins path elements under RootDir, ensuring the directory exists.
func InRoot(elem ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	full := filepath.Join(append([]string{root}, elem...)...)
	dir := full
	// If the leaf element looks like a file (has an extension), only create its parent.
	if filepath.Ext(full) != "" {
		dir = filepath.Dir(full)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("cannot create state directory %s: %w", dir, err)
	}
	return full, nil
}

func normalizePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", p, err)
	}
	return abs, nil
}
