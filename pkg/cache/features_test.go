package cache

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
)

func scopedToken(env string, projects ...string) tokens.EdgeToken {
	return tokens.EdgeToken{
		Token:       "token-" + env,
		Environment: env,
		Projects:    projects,
		Type:        tokens.TypeClient,
		Status:      tokens.StatusValidated,
	}
}

func TestFeatureCacheInsertAndGet(t *testing.T) {
	cache := NewFeatureCache(NewNotifier())
	cache.Insert("development", &domain.ClientFeatures{
		Version:  1,
		Features: []domain.Feature{feature("b-flag", "default"), feature("a-flag", "default")},
	})

	snapshot := cache.Get("development")
	if snapshot == nil {
		t.Fatal("expected a snapshot")
	}
	if snapshot.Features[0].Name != "a-flag" {
		t.Errorf("features must be sorted by name, got %s first", snapshot.Features[0].Name)
	}
	if cache.Get("production") != nil {
		t.Error("expected nil for unknown environment")
	}
}

func TestFeatureCacheModifyScopedMerge(t *testing.T) {
	cache := NewFeatureCache(NewNotifier())
	cache.Insert("development", &domain.ClientFeatures{
		Version: 5,
		Features: []domain.Feature{
			feature("a-flag", "project-a"),
			feature("b-flag", "project-b"),
		},
		Segments: []domain.Segment{segment(1)},
	})

	cache.Modify("development", scopedToken("development", "project-a"), &domain.ClientFeatures{
		Version: 3,
		Features: []domain.Feature{
			feature("a-flag-new", "project-a"),
		},
		Segments: []domain.Segment{segment(1), segment(2)},
	})

	snapshot := cache.Get("development")
	var names []string
	for _, f := range snapshot.Features {
		names = append(names, f.Name)
	}
	if diff := deep.Equal(names, []string{"a-flag-new", "b-flag"}); diff != nil {
		t.Errorf("unexpected features after scoped modify: %v", diff)
	}
	if len(snapshot.Segments) != 2 {
		t.Errorf("expected unioned segments, got %d", len(snapshot.Segments))
	}
	if snapshot.Version != 5 {
		t.Errorf("version must not decrease, got %d", snapshot.Version)
	}
}

func TestFeatureCacheModifyWildcardReplaces(t *testing.T) {
	cache := NewFeatureCache(NewNotifier())
	cache.Insert("development", &domain.ClientFeatures{
		Version:  1,
		Features: []domain.Feature{feature("old", "project-a")},
	})

	cache.Modify("development", scopedToken("development", "*"), &domain.ClientFeatures{
		Version:  2,
		Features: []domain.Feature{feature("new", "project-b")},
	})

	snapshot := cache.Get("development")
	if len(snapshot.Features) != 1 || snapshot.Features[0].Name != "new" {
		t.Errorf("wildcard modify must replace wholesale, got %v", snapshot.Features)
	}
}

func TestFeatureCacheModifyWithoutProjectsReplaces(t *testing.T) {
	cache := NewFeatureCache(NewNotifier())
	cache.Insert("development", &domain.ClientFeatures{
		Version:  1,
		Features: []domain.Feature{feature("a-flag", "project-a")},
	})

	// Unscoped tokens see every project; repeated refreshes must not
	// accumulate duplicates.
	next := &domain.ClientFeatures{
		Version:  2,
		Features: []domain.Feature{feature("a-flag", "project-a"), feature("b-flag", "project-b")},
	}
	cache.Modify("development", scopedToken("development"), next)
	cache.Modify("development", scopedToken("development"), next)

	snapshot := cache.Get("development")
	var names []string
	for _, f := range snapshot.Features {
		names = append(names, f.Name)
	}
	if diff := deep.Equal(names, []string{"a-flag", "b-flag"}); diff != nil {
		t.Errorf("unexpected features after unscoped modify: %v", diff)
	}
}

func TestFeatureCacheApplyDeltaIdempotent(t *testing.T) {
	events := []domain.DeltaEvent{
		domain.NewFeatureUpdated(2, feature("flag", "default")),
		domain.NewFeatureRemoved(3, "gone", "default"),
		domain.NewSegmentUpdated(4, segment(1)),
	}

	once := NewFeatureCache(NewNotifier())
	once.Insert("development", &domain.ClientFeatures{
		Version:  1,
		Features: []domain.Feature{feature("gone", "default")},
	})
	once.ApplyDelta("development", events)

	twice := NewFeatureCache(NewNotifier())
	twice.Insert("development", &domain.ClientFeatures{
		Version:  1,
		Features: []domain.Feature{feature("gone", "default")},
	})
	twice.ApplyDelta("development", events)
	twice.ApplyDelta("development", events)

	if diff := deep.Equal(once.Get("development"), twice.Get("development")); diff != nil {
		t.Errorf("applying a delta twice must equal applying it once: %v", diff)
	}
}

func TestFeatureCacheApplyDeltaCreatesSnapshot(t *testing.T) {
	cache := NewFeatureCache(NewNotifier())
	cache.ApplyDelta("development", []domain.DeltaEvent{
		domain.NewFeatureUpdated(7, feature("fresh", "default")),
	})

	snapshot := cache.Get("development")
	if snapshot == nil || len(snapshot.Features) != 1 {
		t.Fatalf("expected snapshot created from delta, got %v", snapshot)
	}
	if snapshot.Version != 7 {
		t.Errorf("expected version 7, got %d", snapshot.Version)
	}
}

func TestFeatureCacheNotifications(t *testing.T) {
	notifier := NewNotifier()
	updates, cancel := notifier.Subscribe()
	defer cancel()

	cache := NewFeatureCache(notifier)
	cache.Insert("development", &domain.ClientFeatures{Version: 1})
	cache.ApplyDelta("development", []domain.DeltaEvent{domain.NewFeatureUpdated(2, feature("f", "p"))})
	cache.Remove("development")
	// Removing an unknown environment must not notify.
	cache.Remove("production")

	expected := []Update{
		{Kind: FullUpdate, Environment: "development"},
		{Kind: DeltaUpdate, Environment: "development"},
		{Kind: Deletion, Environment: "development"},
	}
	for i, want := range expected {
		got := <-updates
		if got != want {
			t.Errorf("update %d: expected %+v, got %+v", i, want, got)
		}
	}
	select {
	case extra := <-updates:
		t.Errorf("unexpected extra update %+v", extra)
	default:
	}
}

func TestNotifierDropsWhenBacklogFull(t *testing.T) {
	notifier := NewNotifier()
	updates, cancel := notifier.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBacklog+10; i++ {
		notifier.Publish(Update{Kind: DeltaUpdate, Environment: "development"})
	}
	if len(updates) != subscriberBacklog {
		t.Errorf("expected backlog capped at %d, got %d", subscriberBacklog, len(updates))
	}
}
