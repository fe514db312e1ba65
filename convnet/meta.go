// Package convnet assembles transfer-learning models: a pretrained
// convolutional backbone truncated at an architecture-specific cut point,
// a pooling/flatten adapter, and a freshly initialized fully connected
// head sized for the target task.
package convnet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tsawler/go-transfer/nn"
)

// Meta describes how an architecture is partitioned for transfer learning.
// Cut is the child index at which the backbone is truncated to expose its
// feature-producing layers; LRCut is the child index splitting the kept
// backbone into two learning-rate groups for staged fine-tuning.
type Meta struct {
	Cut   int
	LRCut int
}

// Architecture is a registered backbone: a constructor returning the full
// child-module sequence (including the architecture's native classifier,
// which the builder cuts away), its partition metadata, and an optional
// explicit feature width for architectures whose width cannot be inferred
// from their structure.
type Architecture struct {
	New      func() (*nn.Sequential, error)
	Meta     Meta
	Features int // 0 means infer from the cut layer stack
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Architecture)
)

// Register adds an architecture to the registry. Registration normally
// happens from init functions; re-registering a name overwrites it.
func Register(name string, arch Architecture) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = arch
}

// Lookup returns the registered architecture for name.
func Lookup(name string) (Architecture, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	arch, ok := registry[name]
	if !ok {
		return Architecture{}, fmt.Errorf("unregistered architecture %q", name)
	}
	return arch, nil
}

// Architectures returns the sorted names of all registered architectures.
func Architectures() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
