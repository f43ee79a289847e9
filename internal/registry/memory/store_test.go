package memory

import (
	"testing"

	"murmeltier/internal/registry"
	"murmeltier/internal/registry/registrytest"
)

func TestConformance(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) registry.Store { return New() })
}
