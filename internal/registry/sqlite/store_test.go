package sqlite

import (
	"path/filepath"
	"testing"

	"murmeltier/internal/logging"
	"murmeltier/internal/registry"
	"murmeltier/internal/registry/registrytest"
)

func TestConformance(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) registry.Store {
		path := filepath.Join(t.TempDir(), "config.db")
		s, err := Open(path, logging.Discard())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
