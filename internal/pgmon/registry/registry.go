package registry

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// BackendDescriptor identifies one monitored postgres instance.
// Descriptors are immutable; rediscovery supersedes a descriptor rather than mutating it.
type BackendDescriptor struct {
	// Unique identity key for the backend. Two descriptors with the same name
	// but different connection details are treated as a replacement.
	Name string
	// Host the backend listens on
	Address string
	// Port the backend listens on
	Port int
	// Database to connect to
	Database string
}

func (b BackendDescriptor) String() string {
	return fmt.Sprintf("%s (%s:%d/%s)", b.Name, b.Address, b.Port, b.Database)
}

// Diff is the result of reconciling the registry against a newly discovered backend set.
type Diff struct {
	// Backends present in the new set but not in the registry
	Added []BackendDescriptor
	// Backends present in the registry but not in the new set
	Removed []BackendDescriptor
	// Backends present in both with identical connection details
	Unchanged []BackendDescriptor
}

// Registry holds the current authoritative set of backend descriptors.
// Readers never observe a set mid-update.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendDescriptor
}

func New() *Registry {
	return &Registry{
		backends: map[string]BackendDescriptor{},
	}
}

// Update replaces the registry contents with newSet and returns the diff
// against the previous contents. Backend names are the identity key: a
// descriptor whose name is known but whose connection details differ is
// reported as both removed (old identity) and added (new identity).
// Duplicate names within newSet are resolved last-wins.
func (r *Registry) Update(newSet []BackendDescriptor) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	incoming := make(map[string]BackendDescriptor, len(newSet))
	for _, backend := range newSet {
		incoming[backend.Name] = backend
	}

	diff := Diff{}
	for name, existing := range r.backends {
		replacement, ok := incoming[name]
		if !ok {
			diff.Removed = append(diff.Removed, existing)
		} else if replacement != existing {
			diff.Removed = append(diff.Removed, existing)
			diff.Added = append(diff.Added, replacement)
		} else {
			diff.Unchanged = append(diff.Unchanged, existing)
		}
	}
	for name, backend := range incoming {
		if _, ok := r.backends[name]; !ok {
			diff.Added = append(diff.Added, backend)
		}
	}

	r.backends = incoming

	sortDescriptors(diff.Added)
	sortDescriptors(diff.Removed)
	sortDescriptors(diff.Unchanged)
	return diff
}

// Current returns an atomically consistent snapshot of the registered
// backends, sorted by name.
func (r *Registry) Current() []BackendDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := maps.Values(r.backends)
	sortDescriptors(snapshot)
	return snapshot
}

func sortDescriptors(descriptors []BackendDescriptor) {
	slices.SortFunc(descriptors, func(a, b BackendDescriptor) bool {
		return a.Name < b.Name
	})
}
