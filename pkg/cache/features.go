package cache

import (
	"sync"

	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
)

// FeatureCache holds the current ClientFeatures snapshot per environment.
// Readers get copies and never block writers for longer than the copy.
type FeatureCache struct {
	mu       sync.RWMutex
	envs     map[string]*domain.ClientFeatures
	notifier *Notifier
	log      *logging.Entry
}

func NewFeatureCache(notifier *Notifier) *FeatureCache {
	return &FeatureCache{
		envs:     make(map[string]*domain.ClientFeatures),
		notifier: notifier,
		log:      logging.WithField("component", "feature-cache"),
	}
}

// Get returns a copy of the environment's snapshot, or nil when the
// environment is not cached.
func (c *FeatureCache) Get(environment string) *domain.ClientFeatures {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.envs[environment].Copy()
}

// Environments lists the cached environment names.
func (c *FeatureCache) Environments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.envs))
	for env := range c.envs {
		out = append(out, env)
	}
	return out
}

// Insert replaces the environment's snapshot wholesale.
func (c *FeatureCache) Insert(environment string, features *domain.ClientFeatures) {
	snapshot := features.Copy()
	snapshot.Sort()
	c.mu.Lock()
	c.envs[environment] = snapshot
	c.mu.Unlock()
	c.notifier.Publish(Update{Kind: FullUpdate, Environment: environment})
}

// Remove drops the environment.
func (c *FeatureCache) Remove(environment string) {
	c.mu.Lock()
	_, existed := c.envs[environment]
	delete(c.envs, environment)
	c.mu.Unlock()
	if existed {
		c.notifier.Publish(Update{Kind: Deletion, Environment: environment})
	}
}

// Modify merges new contents scoped by the token's projects: features in
// those projects are replaced wholesale, features outside them are kept.
// A wildcard or empty project list means all projects and replaces the
// snapshot wholesale. Segments are unioned by id with the new set winning
// collisions. The version never decreases.
func (c *FeatureCache) Modify(environment string, token tokens.EdgeToken, features *domain.ClientFeatures) {
	c.mu.Lock()
	current, ok := c.envs[environment]
	if !ok || token.HasWildcard() || len(token.Projects) == 0 {
		snapshot := features.Copy()
		snapshot.Sort()
		if ok && current.Version > snapshot.Version {
			snapshot.Version = current.Version
		}
		c.envs[environment] = snapshot
		c.mu.Unlock()
		c.notifier.Publish(Update{Kind: FullUpdate, Environment: environment})
		return
	}

	merged := &domain.ClientFeatures{
		Version: maxInt(current.Version, features.Version),
		Query:   features.Query,
		Meta:    features.Meta,
	}
	for _, f := range current.Features {
		if !token.AllowsProject(f.Project) {
			merged.Features = append(merged.Features, f)
		}
	}
	merged.Features = append(merged.Features, features.Features...)
	merged.Segments = unionSegments(current.Segments, features.Segments)
	merged.Sort()
	c.envs[environment] = merged
	c.mu.Unlock()
	c.notifier.Publish(Update{Kind: FullUpdate, Environment: environment})
}

// ApplyDelta applies a batch of delta events to the environment's snapshot,
// creating an empty snapshot first when none exists.
func (c *FeatureCache) ApplyDelta(environment string, events []domain.DeltaEvent) {
	c.mu.Lock()
	current, ok := c.envs[environment]
	if !ok {
		current = &domain.ClientFeatures{}
	}
	next := current.Copy()
	for _, event := range events {
		applyEvent(next, event)
	}
	next.Sort()
	c.envs[environment] = next
	c.mu.Unlock()
	c.notifier.Publish(Update{Kind: DeltaUpdate, Environment: environment})
}

func applyEvent(snapshot *domain.ClientFeatures, event domain.DeltaEvent) {
	switch event.Type {
	case domain.DeltaFeatureUpdated:
		if event.Feature != nil {
			snapshot.Features = upsertFeature(snapshot.Features, *event.Feature)
		}
	case domain.DeltaFeatureRemoved:
		snapshot.Features = removeFeature(snapshot.Features, event.FeatureName)
	case domain.DeltaSegmentUpdated:
		if event.Segment != nil {
			snapshot.Segments = upsertSegment(snapshot.Segments, *event.Segment)
		}
	case domain.DeltaSegmentRemoved:
		snapshot.Segments = removeSegment(snapshot.Segments, event.SegmentID)
	case domain.DeltaHydration:
		snapshot.Features = append([]domain.Feature(nil), event.Features...)
		snapshot.Segments = append([]domain.Segment(nil), event.Segments...)
	}
	if event.EventID > uint64(snapshot.Version) {
		snapshot.Version = int(event.EventID)
	}
}

func upsertFeature(features []domain.Feature, feature domain.Feature) []domain.Feature {
	for i, f := range features {
		if f.Name == feature.Name {
			features[i] = feature
			return features
		}
	}
	return append(features, feature)
}

func removeFeature(features []domain.Feature, name string) []domain.Feature {
	out := features[:0]
	for _, f := range features {
		if f.Name != name {
			out = append(out, f)
		}
	}
	return out
}

func upsertSegment(segments []domain.Segment, segment domain.Segment) []domain.Segment {
	for i, s := range segments {
		if s.ID == segment.ID {
			segments[i] = segment
			return segments
		}
	}
	return append(segments, segment)
}

func removeSegment(segments []domain.Segment, id int) []domain.Segment {
	out := segments[:0]
	for _, s := range segments {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func unionSegments(old, new []domain.Segment) []domain.Segment {
	out := append([]domain.Segment(nil), new...)
	seen := make(map[int]bool, len(new))
	for _, s := range new {
		seen[s.ID] = true
	}
	for _, s := range old {
		if !seen[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
