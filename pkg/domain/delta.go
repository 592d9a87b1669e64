package domain

// DeltaEventType discriminates the delta event union.
type DeltaEventType string

const (
	DeltaFeatureUpdated DeltaEventType = "feature-updated"
	DeltaFeatureRemoved DeltaEventType = "feature-removed"
	DeltaSegmentUpdated DeltaEventType = "segment-updated"
	DeltaSegmentRemoved DeltaEventType = "segment-removed"
	DeltaHydration      DeltaEventType = "hydration"
)

// DeltaEvent is one incremental change to an environment's feature set.
// EventID is the upstream-assigned revision; it only ever grows.
type DeltaEvent struct {
	Type        DeltaEventType `json:"type"`
	EventID     uint64         `json:"eventId"`
	Feature     *Feature       `json:"feature,omitempty"`
	FeatureName string         `json:"featureName,omitempty"`
	Project     string         `json:"project,omitempty"`
	Segment     *Segment       `json:"segment,omitempty"`
	SegmentID   int            `json:"segmentId,omitempty"`
	Features    []Feature      `json:"features,omitempty"`
	Segments    []Segment      `json:"segments,omitempty"`
}

// ClientFeaturesDelta is the wire form of a batch of delta events.
type ClientFeaturesDelta struct {
	Events []DeltaEvent `json:"events"`
}

func NewFeatureUpdated(eventID uint64, feature Feature) DeltaEvent {
	f := feature
	return DeltaEvent{Type: DeltaFeatureUpdated, EventID: eventID, Feature: &f}
}

func NewFeatureRemoved(eventID uint64, name, project string) DeltaEvent {
	return DeltaEvent{Type: DeltaFeatureRemoved, EventID: eventID, FeatureName: name, Project: project}
}

func NewSegmentUpdated(eventID uint64, segment Segment) DeltaEvent {
	s := segment
	return DeltaEvent{Type: DeltaSegmentUpdated, EventID: eventID, Segment: &s}
}

func NewSegmentRemoved(eventID uint64, segmentID int) DeltaEvent {
	return DeltaEvent{Type: DeltaSegmentRemoved, EventID: eventID, SegmentID: segmentID}
}

func NewHydration(eventID uint64, features []Feature, segments []Segment) DeltaEvent {
	return DeltaEvent{Type: DeltaHydration, EventID: eventID, Features: features, Segments: segments}
}

// Copy duplicates the event so callers can hold it without aliasing the
// cache's backing slices.
func (e DeltaEvent) Copy() DeltaEvent {
	out := e
	if e.Feature != nil {
		f := *e.Feature
		out.Feature = &f
	}
	if e.Segment != nil {
		s := *e.Segment
		out.Segment = &s
	}
	out.Features = append([]Feature(nil), e.Features...)
	out.Segments = append([]Segment(nil), e.Segments...)
	return out
}
