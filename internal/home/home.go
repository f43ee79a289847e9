// Package home manages the Murmeltier home directory layout.
//
// The home directory owns all persistent state: the registry database, the
// per-component event log databases, and the PID lock file.
//
// Layout:
//
//	.murmeltier/
//	  config.db      (registry: managers, streams, objects, history)
//	  logs/
//	    <component>.db  (event log, one file per monitor/component)
//	  pid              (reserved lock-file path; not created — the
//	                    single-instance lock is a row in config.db)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// dirName is the literal directory name required by spec: ".murmeltier".
const dirName = ".murmeltier"

// Dir represents a Murmeltier home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir rooted at "$HOME/.murmeltier".
func Default() (Dir, error) {
	h := os.Getenv("HOME")
	if h == "" {
		return Dir{}, fmt.Errorf("HOME is not set")
	}
	return Dir{root: filepath.Join(h, dirName)}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the registry database.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.db")
}

// LogsDir returns the directory holding per-component event log databases.
func (d Dir) LogsDir() string {
	return filepath.Join(d.root, "logs")
}

// LogPath returns the path to a specific component's event log database.
func (d Dir) LogPath(component string) string {
	return filepath.Join(d.LogsDir(), component+".db")
}

// PIDPath returns the path reserved for the daemon's lock file. Nothing
// creates this file: the single-instance lock is held as a row in
// config.db (registry.Store.Lock).
func (d Dir) PIDPath() string {
	return filepath.Join(d.root, "pid")
}

// EnsureExists creates the home directory and its logs subdirectory
// (mode 0750), if they don't already exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	if err := os.MkdirAll(d.LogsDir(), 0o750); err != nil {
		return fmt.Errorf("create logs directory %s: %w", d.LogsDir(), err)
	}
	return nil
}
