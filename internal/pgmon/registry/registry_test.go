package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	backendA         = BackendDescriptor{Name: "a", Address: "10.0.0.1", Port: 5432, Database: "postgres"}
	backendB         = BackendDescriptor{Name: "b", Address: "10.0.0.2", Port: 5432, Database: "postgres"}
	backendC         = BackendDescriptor{Name: "c", Address: "10.0.0.3", Port: 5432, Database: "postgres"}
	backendAReplaced = BackendDescriptor{Name: "a", Address: "10.0.9.9", Port: 5433, Database: "postgres"}
)

func TestUpdate(t *testing.T) {
	tests := map[string]struct {
		initial           []BackendDescriptor
		update            []BackendDescriptor
		expectedAdded     []BackendDescriptor
		expectedRemoved   []BackendDescriptor
		expectedUnchanged []BackendDescriptor
	}{
		"all new": {
			update:        []BackendDescriptor{backendA, backendB},
			expectedAdded: []BackendDescriptor{backendA, backendB},
		},
		"no change": {
			initial:           []BackendDescriptor{backendA, backendB},
			update:            []BackendDescriptor{backendA, backendB},
			expectedUnchanged: []BackendDescriptor{backendA, backendB},
		},
		"removal": {
			initial:           []BackendDescriptor{backendA, backendB},
			update:            []BackendDescriptor{backendA},
			expectedRemoved:   []BackendDescriptor{backendB},
			expectedUnchanged: []BackendDescriptor{backendA},
		},
		"addition and removal": {
			initial:           []BackendDescriptor{backendA, backendB},
			update:            []BackendDescriptor{backendB, backendC},
			expectedAdded:     []BackendDescriptor{backendC},
			expectedRemoved:   []BackendDescriptor{backendA},
			expectedUnchanged: []BackendDescriptor{backendB},
		},
		"same name different address is a replacement": {
			initial:         []BackendDescriptor{backendA},
			update:          []BackendDescriptor{backendAReplaced},
			expectedAdded:   []BackendDescriptor{backendAReplaced},
			expectedRemoved: []BackendDescriptor{backendA},
		},
		"empty update removes everything": {
			initial:         []BackendDescriptor{backendA, backendB},
			update:          []BackendDescriptor{},
			expectedRemoved: []BackendDescriptor{backendA, backendB},
		},
		"duplicate names in update resolve last-wins": {
			update:        []BackendDescriptor{backendA, backendAReplaced},
			expectedAdded: []BackendDescriptor{backendAReplaced},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := New()
			r.Update(tc.initial)
			diff := r.Update(tc.update)
			assert.Equal(t, tc.expectedAdded, diff.Added)
			assert.Equal(t, tc.expectedRemoved, diff.Removed)
			assert.Equal(t, tc.expectedUnchanged, diff.Unchanged)
		})
	}
}

func TestCurrentReturnsConsistentSnapshot(t *testing.T) {
	r := New()
	r.Update([]BackendDescriptor{backendA, backendB})

	snapshot := r.Current()
	assert.Equal(t, []BackendDescriptor{backendA, backendB}, snapshot)

	// Mutating the registry must not affect a previously taken snapshot.
	r.Update([]BackendDescriptor{backendC})
	assert.Equal(t, []BackendDescriptor{backendA, backendB}, snapshot)
	assert.Equal(t, []BackendDescriptor{backendC}, r.Current())
}

func TestNamesAreUniqueAfterUpdate(t *testing.T) {
	r := New()
	r.Update([]BackendDescriptor{backendA, backendAReplaced, backendB})
	current := r.Current()
	seen := map[string]bool{}
	for _, backend := range current {
		assert.False(t, seen[backend.Name])
		seen[backend.Name] = true
	}
	assert.Len(t, current, 2)
}
