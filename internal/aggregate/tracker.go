package aggregate

import (
	"slices"
	"sync"
	"time"

	"github.com/tphakala/meetrec/internal/hal"
)

// TrackedResource is a backend object the manager created and has not yet
// destroyed.
type TrackedResource struct {
	ID        hal.ObjectID
	Kind      string
	Name      string
	CreatedAt time.Time
}

// ResourceTracker records every backend object handed out so teardown can
// prove nothing was left behind.
type ResourceTracker struct {
	mu        sync.Mutex
	resources map[hal.ObjectID]TrackedResource
	allocated int
	released  int
}

// NewResourceTracker creates an empty tracker.
func NewResourceTracker() *ResourceTracker {
	return &ResourceTracker{resources: make(map[hal.ObjectID]TrackedResource)}
}

// Track registers a newly created object.
func (rt *ResourceTracker) Track(id hal.ObjectID, kind, name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resources[id] = TrackedResource{ID: id, Kind: kind, Name: name, CreatedAt: time.Now()}
	rt.allocated++
}

// Release forgets an object. It reports false if id was not tracked.
func (rt *ResourceTracker) Release(id hal.ObjectID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.resources[id]; !ok {
		return false
	}
	delete(rt.resources, id)
	rt.released++
	return true
}

// Outstanding lists live objects ordered by id.
func (rt *ResourceTracker) Outstanding() []TrackedResource {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]TrackedResource, 0, len(rt.resources))
	for _, r := range rt.resources {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b TrackedResource) int { return int(a.ID) - int(b.ID) })
	return out
}

// Counts returns how many objects were tracked and released in total.
func (rt *ResourceTracker) Counts() (allocated, released int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.allocated, rt.released
}
