package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	d := New("/tmp/murmeltier-test")
	if d.Root() != "/tmp/murmeltier-test" {
		t.Errorf("expected root /tmp/murmeltier-test, got %s", d.Root())
	}
}

func TestDefault(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	d, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if got, want := d.Root(), "/home/alice/.murmeltier"; got != want {
		t.Errorf("Root() = %s, want %s", got, want)
	}
}

func TestDefaultNoHome(t *testing.T) {
	t.Setenv("HOME", "")
	if _, err := Default(); err == nil {
		t.Fatal("expected error when HOME is unset")
	}
}

func TestPaths(t *testing.T) {
	d := New("/data")
	if got, want := d.ConfigPath(), "/data/config.db"; got != want {
		t.Errorf("ConfigPath() = %s, want %s", got, want)
	}
	if got, want := d.LogsDir(), "/data/logs"; got != want {
		t.Errorf("LogsDir() = %s, want %s", got, want)
	}
	if got, want := d.LogPath("network-monitor"), "/data/logs/network-monitor.db"; got != want {
		t.Errorf("LogPath() = %s, want %s", got, want)
	}
	if got, want := d.PIDPath(), "/data/pid"; got != want {
		t.Errorf("PIDPath() = %s, want %s", got, want)
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", ".murmeltier")
	d := New(root)
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory")
	}
	if info, err := os.Stat(d.LogsDir()); err != nil || !info.IsDir() {
		t.Errorf("expected logs dir to exist: %v", err)
	}

	// Calling again should be idempotent.
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists (idempotent): %v", err)
	}
}
