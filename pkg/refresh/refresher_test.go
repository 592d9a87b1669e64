package refresh

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/flagstream/edge/pkg/cache"
	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
	"github.com/flagstream/edge/pkg/upstream"
)

type fakeSource struct {
	features    *domain.ClientFeatures
	featuresErr error
	delta       *domain.ClientFeaturesDelta
	deltaErr    error
	etag        string
	fetchCalls  int
}

func (f *fakeSource) FetchFeatures(_ context.Context, _, _ string) (*domain.ClientFeatures, string, error) {
	f.fetchCalls++
	if f.featuresErr != nil {
		return nil, "", f.featuresErr
	}
	return f.features, f.etag, nil
}

func (f *fakeSource) FetchDelta(_ context.Context, _, _ string) (*domain.ClientFeaturesDelta, string, error) {
	f.fetchCalls++
	if f.deltaErr != nil {
		return nil, "", f.deltaErr
	}
	return f.delta, f.etag, nil
}

func (f *fakeSource) Stream(ctx context.Context, _ string, _ func(upstream.StreamEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	refresher *Refresher
	source    *fakeSource
	features  *cache.FeatureCache
	deltas    *cache.DeltaManager
	now       time.Time
}

func newFixture(mode Mode) *fixture {
	notifier := cache.NewNotifier()
	f := &fixture{
		source:   &fakeSource{},
		features: cache.NewFeatureCache(notifier),
		deltas:   cache.NewDeltaManager(notifier),
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.refresher = New(f.source, f.features, f.deltas, mode, 10*time.Second, func() time.Time { return f.now })
	return f
}

func validated(raw, env string, projects ...string) tokens.EdgeToken {
	return tokens.EdgeToken{
		Token:       raw,
		Environment: env,
		Projects:    projects,
		Type:        tokens.TypeClient,
		Status:      tokens.StatusValidated,
	}
}

func (f *fixture) record(raw string) *TokenRefresh {
	for _, rec := range f.refresher.Tokens() {
		if rec.Token.Token == raw {
			return &rec
		}
	}
	return nil
}

func TestRegisterTokenHydratesImmediately(t *testing.T) {
	f := newFixture(ModePolling)
	f.source.features = &domain.ClientFeatures{
		Version:  1,
		Features: []domain.Feature{{Name: "flag", Project: "default", Enabled: true}},
	}
	f.source.etag = "etag-1"

	f.refresher.RegisterToken(context.Background(), validated("t1", "development", "default"))

	if f.source.fetchCalls != 1 {
		t.Fatalf("expected immediate hydration fetch, got %d calls", f.source.fetchCalls)
	}
	if snapshot := f.features.Get("development"); snapshot == nil || len(snapshot.Features) != 1 {
		t.Fatalf("expected hydrated snapshot, got %v", snapshot)
	}
	rec := f.record("t1")
	if rec == nil || rec.ETag != "etag-1" {
		t.Errorf("expected stored etag, got %+v", rec)
	}
	if rec.LastRefreshed.IsZero() {
		t.Error("expected last refreshed to be set")
	}
}

func TestRegisterCoveredTokenSkipsHydration(t *testing.T) {
	f := newFixture(ModePolling)
	f.source.features = &domain.ClientFeatures{Version: 1}

	f.refresher.RegisterToken(context.Background(), validated("wild", "development", "*"))
	calls := f.source.fetchCalls

	f.refresher.RegisterToken(context.Background(), validated("narrow", "development", "p1"))
	if f.source.fetchCalls != calls {
		t.Errorf("covered token must not trigger a fetch, got %d extra", f.source.fetchCalls-calls)
	}
	if len(f.refresher.Tokens()) != 1 {
		t.Errorf("expected simplified schedule of 1 record, got %d", len(f.refresher.Tokens()))
	}
}

func TestRegisterIgnoresUnvalidatedTokens(t *testing.T) {
	f := newFixture(ModePolling)
	f.refresher.RegisterToken(context.Background(), tokens.EdgeToken{
		Token: "nope", Type: tokens.TypeFrontend, Status: tokens.StatusValidated,
	})
	f.refresher.RegisterToken(context.Background(), tokens.EdgeToken{
		Token: "nope2", Type: tokens.TypeClient, Status: tokens.StatusInvalid,
	})
	if len(f.refresher.Tokens()) != 0 {
		t.Errorf("expected empty schedule, got %d records", len(f.refresher.Tokens()))
	}
}

func TestNotModifiedUpdatesLastCheckOnly(t *testing.T) {
	f := newFixture(ModePolling)
	f.source.features = &domain.ClientFeatures{Version: 1}
	f.refresher.RegisterToken(context.Background(), validated("t1", "development", "default"))

	first := f.record("t1")

	f.now = f.now.Add(15 * time.Second)
	f.source.featuresErr = upstream.ErrNotModified
	f.refresher.refreshDue(context.Background())

	rec := f.record("t1")
	if !rec.LastRefreshed.Equal(first.LastRefreshed) {
		t.Error("304 must not bump last refreshed")
	}
	if !rec.LastCheck.After(first.LastCheck) {
		t.Error("304 must bump last check")
	}
}

func TestAccessDeniedDropsTokenAndEnvironment(t *testing.T) {
	f := newFixture(ModePolling)
	f.source.features = &domain.ClientFeatures{Version: 1}

	notifier := cache.NewNotifier()
	f.features = cache.NewFeatureCache(notifier)
	f.deltas = cache.NewDeltaManager(notifier)
	f.refresher = New(f.source, f.features, f.deltas, ModePolling, 10*time.Second, func() time.Time { return f.now })
	updates, cancel := notifier.Subscribe()
	defer cancel()

	f.refresher.RegisterToken(context.Background(), validated("t1", "development", "default"))
	<-updates // full update from hydration

	f.now = f.now.Add(15 * time.Second)
	f.source.featuresErr = upstream.ErrAccessDenied
	f.refresher.refreshDue(context.Background())

	if len(f.refresher.Tokens()) != 0 {
		t.Error("expected token dropped from schedule")
	}
	if f.features.Get("development") != nil {
		t.Error("expected environment dropped from feature cache")
	}
	update := <-updates
	if update.Kind != cache.Deletion || update.Environment != "development" {
		t.Errorf("expected deletion broadcast, got %+v", update)
	}
}

func TestBackoffGrowsAndDecays(t *testing.T) {
	f := newFixture(ModePolling)
	f.source.features = &domain.ClientFeatures{Version: 1}
	f.refresher.RegisterToken(context.Background(), validated("t1", "development", "default"))

	base := 10 * time.Second
	f.source.featuresErr = &upstream.RetriableError{Status: 502}

	for i := 1; i <= 12; i++ {
		f.now = f.record("t1").NextRefresh
		f.refresher.refreshDue(context.Background())
		rec := f.record("t1")
		expectedMultiplier := i
		if expectedMultiplier > 10 {
			expectedMultiplier = 10
		}
		expected := f.now.Add(base * time.Duration(1+expectedMultiplier))
		if !rec.NextRefresh.Equal(expected) {
			t.Fatalf("failure %d: expected next refresh %s, got %s", i, expected, rec.NextRefresh)
		}
	}

	// One success decays the failure count by one.
	f.source.featuresErr = nil
	f.now = f.record("t1").NextRefresh
	f.refresher.refreshDue(context.Background())
	if rec := f.record("t1"); rec.FailureCount != 11 {
		t.Errorf("expected failure count decayed to 11, got %d", rec.FailureCount)
	}
}

func TestNetworkErrorRetriesNextTick(t *testing.T) {
	f := newFixture(ModePolling)
	f.source.features = &domain.ClientFeatures{Version: 1}
	f.refresher.RegisterToken(context.Background(), validated("t1", "development", "default"))

	f.now = f.now.Add(15 * time.Second)
	f.source.featuresErr = &net.OpError{Op: "dial", Err: context.DeadlineExceeded}
	f.refresher.refreshDue(context.Background())

	rec := f.record("t1")
	if rec.FailureCount != 0 {
		t.Errorf("network errors must not feed backoff, got failure count %d", rec.FailureCount)
	}
	if !rec.NextRefresh.Equal(f.now.Add(10 * time.Second)) {
		t.Errorf("expected retry on next interval, got %s", rec.NextRefresh)
	}
}

func TestDeltaModeSeedsDeltaCacheFromHydration(t *testing.T) {
	f := newFixture(ModeDelta)
	f.source.delta = &domain.ClientFeaturesDelta{
		Events: []domain.DeltaEvent{
			domain.NewHydration(5,
				[]domain.Feature{{Name: "flag", Project: "default", Enabled: true}},
				[]domain.Segment{{ID: 1}},
			),
			domain.NewFeatureUpdated(6, domain.Feature{Name: "extra", Project: "default"}),
		},
	}

	f.refresher.RegisterToken(context.Background(), validated("t1", "development", "default"))

	dc := f.deltas.Get("development")
	if dc == nil {
		t.Fatal("expected delta cache created on first sight")
	}
	if dc.Revision() != 6 {
		t.Errorf("expected revision 6, got %d", dc.Revision())
	}
	if dc.Limit() != cache.DefaultDeltaLimit {
		t.Errorf("expected default limit, got %d", dc.Limit())
	}
	snapshot := f.features.Get("development")
	if snapshot == nil || len(snapshot.Features) != 2 {
		t.Fatalf("expected snapshot with 2 features, got %+v", snapshot)
	}
}

func TestStreamingConnectedEvent(t *testing.T) {
	f := newFixture(ModeStreaming)
	rec := &TokenRefresh{Token: validated("t1", "development", "default")}

	hydration := domain.NewHydration(3,
		[]domain.Feature{
			{Name: "one", Project: "default", Enabled: true},
			{Name: "two", Project: "default"},
		},
		nil,
	)
	data, _ := json.Marshal(domain.ClientFeaturesDelta{Events: []domain.DeltaEvent{hydration}})
	f.refresher.handleStreamEvent("development", rec, upstream.StreamEvent{
		Name: eventConnected, ID: "3", Data: data,
	})

	dc := f.deltas.Get("development")
	if dc == nil || dc.Revision() != 3 {
		t.Fatalf("expected delta cache at revision 3, got %+v", dc)
	}
	if snapshot := f.features.Get("development"); snapshot == nil || len(snapshot.Features) != 2 {
		t.Fatalf("expected snapshot from hydration, got %+v", snapshot)
	}

	update, _ := json.Marshal(domain.ClientFeaturesDelta{Events: []domain.DeltaEvent{
		domain.NewFeatureRemoved(4, "two", "default"),
	}})
	f.refresher.handleStreamEvent("development", rec, upstream.StreamEvent{
		Name: eventUpdated, ID: "4", Data: update,
	})

	if dc.Revision() != 4 {
		t.Errorf("expected revision 4 after update, got %d", dc.Revision())
	}
	if snapshot := f.features.Get("development"); len(snapshot.Features) != 1 {
		t.Errorf("expected feature removed from snapshot, got %+v", snapshot.Features)
	}
}

func TestRestoreMakesRecordsDueImmediately(t *testing.T) {
	f := newFixture(ModePolling)
	f.refresher.Restore([]TokenRefresh{
		{
			Token:       validated("t1", "development", "default"),
			ETag:        "persisted-etag",
			NextRefresh: f.now.Add(time.Hour),
		},
		{
			// Invalid tokens are not restored.
			Token: tokens.EdgeToken{Token: "bad", Type: tokens.TypeInvalid, Status: tokens.StatusInvalid},
		},
	})

	records := f.refresher.Tokens()
	if len(records) != 1 {
		t.Fatalf("expected 1 restored record, got %d", len(records))
	}
	if records[0].ETag != "persisted-etag" {
		t.Errorf("expected persisted etag kept, got %s", records[0].ETag)
	}
	if records[0].NextRefresh.After(f.now) {
		t.Errorf("restored record must be due immediately, got %s", records[0].NextRefresh)
	}
}
