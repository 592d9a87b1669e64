package broadcast

import (
	"strings"

	"github.com/flagstream/edge/pkg/domain"
)

// filterEvents keeps the events a subscriber's scope is entitled to.
// Segment events are cross-cutting and always pass; feature events must
// match the project set and the optional name prefix.
func filterEvents(events []domain.DeltaEvent, projects []string, namePrefix string) []domain.DeltaEvent {
	out := make([]domain.DeltaEvent, 0, len(events))
	for _, e := range events {
		switch e.Type {
		case domain.DeltaSegmentUpdated, domain.DeltaSegmentRemoved:
			out = append(out, e)
		case domain.DeltaFeatureUpdated:
			if e.Feature != nil && matchesScope(e.Feature.Name, e.Feature.Project, projects, namePrefix) {
				out = append(out, e)
			}
		case domain.DeltaFeatureRemoved:
			if matchesScope(e.FeatureName, e.Project, projects, namePrefix) {
				out = append(out, e)
			}
		case domain.DeltaHydration:
			h := e.Copy()
			h.Features = filterHydrationFeatures(h.Features, projects, namePrefix)
			out = append(out, h)
		}
	}
	return out
}

func filterHydrationFeatures(features []domain.Feature, projects []string, namePrefix string) []domain.Feature {
	kept := make([]domain.Feature, 0, len(features))
	for _, f := range features {
		if matchesScope(f.Name, f.Project, projects, namePrefix) {
			kept = append(kept, f)
		}
	}
	return kept
}

func matchesScope(name, project string, projects []string, namePrefix string) bool {
	if namePrefix != "" && !strings.HasPrefix(name, namePrefix) {
		return false
	}
	if len(projects) == 0 {
		return true
	}
	for _, p := range projects {
		if p == domain.AllProjects || p == project {
			return true
		}
	}
	return false
}
