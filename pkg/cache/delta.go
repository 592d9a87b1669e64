package cache

import (
	"sort"
	"sync"

	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
)

// DefaultDeltaLimit is the event window kept per environment.
const DefaultDeltaLimit = 100

// DeltaCache keeps a bounded FIFO of delta events for one environment plus
// a projected hydration event: the cumulative application of everything
// seen, used to serve clients with no usable resume revision.
type DeltaCache struct {
	mu        sync.RWMutex
	limit     int
	events    []domain.DeltaEvent
	hydration domain.DeltaEvent
}

// NewDeltaCache seeds the cache from an initial hydration. The FIFO is
// primed with a synthetic event bearing the hydration's revision so
// HasRevision(hydration.EventID) holds immediately.
func NewDeltaCache(hydration domain.DeltaEvent, limit int) *DeltaCache {
	if limit <= 0 {
		limit = DefaultDeltaLimit
	}
	c := &DeltaCache{
		limit:     limit,
		hydration: hydration.Copy(),
	}
	c.hydration.Type = domain.DeltaHydration
	if n := len(hydration.Features); n > 0 {
		c.events = []domain.DeltaEvent{
			domain.NewFeatureUpdated(hydration.EventID, hydration.Features[n-1]),
		}
	} else {
		// Empty hydration still needs a marker so the revision is resumable.
		c.events = []domain.DeltaEvent{
			domain.NewHydration(hydration.EventID, nil, nil),
		}
	}
	return c
}

// Limit returns the configured window size.
func (c *DeltaCache) Limit() int {
	return c.limit
}

// Hydration returns a copy of the projected hydration event.
func (c *DeltaCache) Hydration() domain.DeltaEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hydration.Copy()
}

// Revision returns the highest event id applied so far.
func (c *DeltaCache) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hydration.EventID
}

// Events returns a copy of the current window.
func (c *DeltaCache) Events() []domain.DeltaEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.DeltaEvent, len(c.events))
	for i, e := range c.events {
		out[i] = e.Copy()
	}
	return out
}

// HasRevision reports whether an event with exactly this id still sits in
// the window.
func (c *DeltaCache) HasRevision(revision uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.events {
		if e.EventID == revision {
			return true
		}
	}
	return false
}

// EventsSince returns the events with id greater than revision. The second
// return is false when the revision has already left the window, in which
// case the caller must fall back to the hydration projection.
func (c *DeltaCache) EventsSince(revision uint64) ([]domain.DeltaEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inWindow := false
	for _, e := range c.events {
		if e.EventID == revision {
			inWindow = true
			break
		}
	}
	if !inWindow {
		return nil, false
	}
	var out []domain.DeltaEvent
	for _, e := range c.events {
		if e.EventID > revision {
			out = append(out, e.Copy())
		}
	}
	return out, true
}

// AddEvents appends a batch, keeps the window sorted by event id (stable,
// so equal ids preserve insertion order), folds the batch into the
// projection, and truncates the window to the configured limit by dropping
// the oldest events. The projection itself is never truncated.
func (c *DeltaCache) AddEvents(events []domain.DeltaEvent) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	batch := make([]domain.DeltaEvent, len(events))
	copy(batch, events)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].EventID < batch[j].EventID
	})
	for _, e := range batch {
		c.events = append(c.events, e.Copy())
		c.applyToProjection(e)
	}
	sort.SliceStable(c.events, func(i, j int) bool {
		return c.events[i].EventID < c.events[j].EventID
	})
	if overflow := len(c.events) - c.limit; overflow > 0 {
		c.events = append([]domain.DeltaEvent(nil), c.events[overflow:]...)
	}
}

// MergeHydrationForProjects folds a project-scoped hydration into the
// projection: features outside the project set are retained, features
// inside it are replaced wholesale, segments are unioned by id with the
// incoming set winning collisions. A wildcard project replaces everything.
func (c *DeltaCache) MergeHydrationForProjects(projects []string, hydration domain.DeltaEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	revision := c.hydration.EventID
	if hydration.EventID > revision {
		revision = hydration.EventID
	}

	if wildcard(projects) {
		c.hydration = hydration.Copy()
		c.hydration.Type = domain.DeltaHydration
		c.hydration.EventID = revision
		return
	}

	inScope := func(project string) bool {
		for _, p := range projects {
			if p == project {
				return true
			}
		}
		return false
	}
	var kept []domain.Feature
	for _, f := range c.hydration.Features {
		if !inScope(f.Project) {
			kept = append(kept, f)
		}
	}
	kept = append(kept, hydration.Features...)

	c.hydration.Features = kept
	c.hydration.Segments = unionSegments(c.hydration.Segments, hydration.Segments)
	c.hydration.EventID = revision
}

// applyToProjection folds one event into the hydration projection. Called
// with the lock held.
func (c *DeltaCache) applyToProjection(event domain.DeltaEvent) {
	switch event.Type {
	case domain.DeltaFeatureUpdated:
		if event.Feature != nil {
			c.hydration.Features = upsertFeature(append([]domain.Feature(nil), c.hydration.Features...), *event.Feature)
		}
	case domain.DeltaFeatureRemoved:
		var kept []domain.Feature
		for _, f := range c.hydration.Features {
			if f.Name != event.FeatureName {
				kept = append(kept, f)
			}
		}
		c.hydration.Features = kept
	case domain.DeltaSegmentUpdated:
		if event.Segment != nil {
			c.hydration.Segments = upsertSegment(append([]domain.Segment(nil), c.hydration.Segments...), *event.Segment)
		}
	case domain.DeltaSegmentRemoved:
		var kept []domain.Segment
		for _, s := range c.hydration.Segments {
			if s.ID != event.SegmentID {
				kept = append(kept, s)
			}
		}
		c.hydration.Segments = kept
	case domain.DeltaHydration:
		c.hydration.Features = append([]domain.Feature(nil), event.Features...)
		c.hydration.Segments = append([]domain.Segment(nil), event.Segments...)
	}
	if event.EventID > c.hydration.EventID {
		c.hydration.EventID = event.EventID
	}
}

func wildcard(projects []string) bool {
	for _, p := range projects {
		if p == domain.AllProjects {
			return true
		}
	}
	return false
}

// DeltaManager keys delta caches by environment.
type DeltaManager struct {
	mu       sync.RWMutex
	envs     map[string]*DeltaCache
	notifier *Notifier
	log      *logging.Entry
}

func NewDeltaManager(notifier *Notifier) *DeltaManager {
	return &DeltaManager{
		envs:     make(map[string]*DeltaCache),
		notifier: notifier,
		log:      logging.WithField("component", "delta-cache"),
	}
}

// Get returns the environment's delta cache, or nil.
func (m *DeltaManager) Get(environment string) *DeltaCache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.envs[environment]
}

// Insert seeds an environment from a hydration event.
func (m *DeltaManager) Insert(environment string, hydration domain.DeltaEvent, limit int) *DeltaCache {
	cache := NewDeltaCache(hydration, limit)
	m.mu.Lock()
	m.envs[environment] = cache
	m.mu.Unlock()
	m.log.Debugf("seeded delta cache for %s at revision %d", environment, hydration.EventID)
	return cache
}

// Remove drops the environment's delta cache.
func (m *DeltaManager) Remove(environment string) {
	m.mu.Lock()
	delete(m.envs, environment)
	m.mu.Unlock()
}

// Environments lists environments with a delta cache.
func (m *DeltaManager) Environments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.envs))
	for env := range m.envs {
		out = append(out, env)
	}
	return out
}
