// Package refresh keeps the per-environment caches coherent with upstream.
// One of three mutually exclusive strategies drives each environment:
// strict polling of the full snapshot, strict polling of the delta
// endpoint, or a streaming subscription.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/cache"
	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
	"github.com/flagstream/edge/pkg/upstream"
)

// Mode selects the refresh strategy, fixed at startup.
type Mode string

const (
	ModePolling   Mode = "polling"
	ModeDelta     Mode = "delta"
	ModeStreaming Mode = "streaming"
)

const maxBackoffMultiplier = 10

// FeatureSource is the upstream surface the refresher depends on.
type FeatureSource interface {
	FetchFeatures(ctx context.Context, token, etag string) (*domain.ClientFeatures, string, error)
	FetchDelta(ctx context.Context, token, etag string) (*domain.ClientFeaturesDelta, string, error)
	Stream(ctx context.Context, token string, handle func(upstream.StreamEvent)) error
}

// TokenRefresh is the schedule record for one registered token.
type TokenRefresh struct {
	Token         tokens.EdgeToken `json:"token"`
	ETag          string           `json:"etag,omitempty"`
	NextRefresh   time.Time        `json:"nextRefresh"`
	LastRefreshed time.Time        `json:"lastRefreshed,omitempty"`
	LastCheck     time.Time        `json:"lastCheck,omitempty"`
	FailureCount  int              `json:"failureCount"`
}

// Refresher schedules upstream fetches per registered token and applies
// the responses to the feature and delta caches.
type Refresher struct {
	mu      sync.Mutex
	records map[string]*TokenRefresh

	features *cache.FeatureCache
	deltas   *cache.DeltaManager
	source   FeatureSource
	interval time.Duration
	mode     Mode
	now      func() time.Time

	streams map[string]context.CancelFunc

	log *logging.Entry
}

// New builds a refresher. interval is the base poll interval; now may be
// nil and defaults to time.Now.
func New(source FeatureSource, features *cache.FeatureCache, deltas *cache.DeltaManager, mode Mode, interval time.Duration, now func() time.Time) *Refresher {
	if now == nil {
		now = time.Now
	}
	return &Refresher{
		records:  make(map[string]*TokenRefresh),
		features: features,
		deltas:   deltas,
		source:   source,
		interval: interval,
		mode:     mode,
		now:      now,
		streams:  make(map[string]context.CancelFunc),
		log:      logging.WithField("component", "refresher"),
	}
}

// Tokens returns a copy of the current schedule, for introspection.
func (r *Refresher) Tokens() []TokenRefresh {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TokenRefresh, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// RegisterToken adds a validated client token to the refresh schedule.
// The schedule is then simplified to the minimal covering subset, and the
// token's environment is hydrated immediately unless an already-scheduled
// broader token covers it.
func (r *Refresher) RegisterToken(ctx context.Context, token tokens.EdgeToken) {
	if token.Type != tokens.TypeClient || token.Status != tokens.StatusValidated {
		return
	}

	r.mu.Lock()
	if _, exists := r.records[token.Token]; exists {
		r.mu.Unlock()
		return
	}
	covered := false
	for _, rec := range r.records {
		if rec.Token.Subsumes(token) {
			covered = true
			break
		}
	}
	r.records[token.Token] = &TokenRefresh{Token: token, NextRefresh: r.now()}
	r.simplifyLocked()
	_, scheduled := r.records[token.Token]
	r.mu.Unlock()

	r.log.Infof("registered token for environment %s (scheduled=%v, covered=%v)", token.Environment, scheduled, covered)

	if covered || !scheduled {
		return
	}
	switch r.mode {
	case ModeStreaming:
		r.ensureStreams(ctx)
	default:
		r.refreshDue(ctx)
	}
}

// RegisterTokens registers a batch (startup and deferred validation paths).
func (r *Refresher) RegisterTokens(ctx context.Context, batch []tokens.EdgeToken) {
	for _, token := range batch {
		r.RegisterToken(ctx, token)
	}
}

// Restore re-seeds the schedule from persisted refresh targets. ETags are
// kept so the first poll after a warm start can still yield a 304; every
// record becomes due immediately.
func (r *Refresher) Restore(records []TokenRefresh) {
	now := r.now()
	r.mu.Lock()
	for _, rec := range records {
		if rec.Token.Type != tokens.TypeClient || rec.Token.Status != tokens.StatusValidated {
			continue
		}
		restored := rec
		restored.NextRefresh = now
		r.records[rec.Token.Token] = &restored
	}
	r.simplifyLocked()
	r.mu.Unlock()
}

// simplifyLocked prunes records whose token is subsumed by another
// scheduled token. Pruned tokens stay in the token cache; they just do not
// drive their own refresh.
func (r *Refresher) simplifyLocked() {
	all := make([]tokens.EdgeToken, 0, len(r.records))
	for _, rec := range r.records {
		all = append(all, rec.Token)
	}
	keep := make(map[string]bool)
	for _, token := range tokens.Simplify(all) {
		keep[token.Token] = true
	}
	for raw := range r.records {
		if !keep[raw] {
			delete(r.records, raw)
		}
	}
	scheduledTokens.Set(float64(len(r.records)))
}

// Run drives the refresh loop until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	tick := time.Second
	if r.interval < tick {
		tick = r.interval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopStreams()
			return
		case <-ticker.C:
			if r.mode == ModeStreaming {
				r.ensureStreams(ctx)
				continue
			}
			r.refreshDue(ctx)
		}
	}
}

// refreshDue fetches every record whose next refresh instant has passed.
func (r *Refresher) refreshDue(ctx context.Context) {
	now := r.now()
	r.mu.Lock()
	var due []*TokenRefresh
	for _, rec := range r.records {
		if !rec.NextRefresh.After(now) {
			due = append(due, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range due {
		r.refreshOne(ctx, rec)
	}
}

func (r *Refresher) refreshOne(ctx context.Context, rec *TokenRefresh) {
	var err error
	switch r.mode {
	case ModeDelta:
		err = r.refreshDelta(ctx, rec)
	default:
		err = r.refreshFull(ctx, rec)
	}
	r.handleResult(rec, err)
}

func (r *Refresher) refreshFull(ctx context.Context, rec *TokenRefresh) error {
	features, etag, err := r.source.FetchFeatures(ctx, rec.Token.Token, r.etagOf(rec))
	if err != nil {
		return err
	}
	env := rec.Token.CacheKey()
	r.features.Modify(env, rec.Token, features)
	r.recordSuccess(rec, etag)
	refreshes.With(resultLabels(env, "full")).Inc()
	return nil
}

func (r *Refresher) refreshDelta(ctx context.Context, rec *TokenRefresh) error {
	delta, etag, err := r.source.FetchDelta(ctx, rec.Token.Token, r.etagOf(rec))
	if err != nil {
		return err
	}
	env := rec.Token.CacheKey()
	if len(delta.Events) > 0 {
		r.applyDelta(env, delta.Events)
	}
	r.recordSuccess(rec, etag)
	refreshes.With(resultLabels(env, "delta")).Inc()
	return nil
}

// applyDelta routes a delta batch into both caches. The delta cache is
// updated first so subscribers woken by the feature-cache notification
// recompute against fresh events.
func (r *Refresher) applyDelta(env string, events []domain.DeltaEvent) {
	dc := r.deltas.Get(env)
	rest := events
	if dc == nil {
		if events[0].Type == domain.DeltaHydration {
			dc = r.deltas.Insert(env, events[0], cache.DefaultDeltaLimit)
			rest = events[1:]
		} else {
			dc = r.deltas.Insert(env, domain.NewHydration(0, nil, nil), cache.DefaultDeltaLimit)
		}
	}
	if len(rest) > 0 {
		dc.AddEvents(rest)
	}
	r.features.ApplyDelta(env, events)
}

func (r *Refresher) etagOf(rec *TokenRefresh) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.ETag
}

func (r *Refresher) recordSuccess(rec *TokenRefresh, etag string) {
	now := r.now()
	r.mu.Lock()
	rec.ETag = etag
	rec.LastRefreshed = now
	rec.LastCheck = now
	if rec.FailureCount > 0 {
		rec.FailureCount--
	}
	rec.NextRefresh = now.Add(r.interval)
	r.mu.Unlock()
}

func (r *Refresher) handleResult(rec *TokenRefresh, err error) {
	if err == nil {
		return
	}
	env := rec.Token.CacheKey()
	now := r.now()

	switch {
	case errors.Is(err, upstream.ErrNotModified):
		r.mu.Lock()
		rec.LastCheck = now
		if rec.FailureCount > 0 {
			rec.FailureCount--
		}
		rec.NextRefresh = now.Add(r.interval)
		r.mu.Unlock()
		refreshes.With(resultLabels(env, "not_modified")).Inc()

	case errors.Is(err, upstream.ErrAccessDenied):
		r.log.Warnf("upstream denied token for environment %s, dropping it from the refresh schedule", env)
		r.RemoveToken(rec.Token.Token)
		refreshes.With(resultLabels(env, "denied")).Inc()

	case upstream.IsRetriable(err):
		r.mu.Lock()
		rec.LastCheck = now
		rec.FailureCount++
		multiplier := rec.FailureCount
		if multiplier > maxBackoffMultiplier {
			multiplier = maxBackoffMultiplier
		}
		rec.NextRefresh = now.Add(r.interval * time.Duration(1+multiplier))
		failures := rec.FailureCount
		r.mu.Unlock()
		r.log.Warnf("refresh for environment %s failed (%s), backing off (failures=%d)", env, err, failures)
		refreshes.With(resultLabels(env, "backoff")).Inc()

	default:
		// Network or parse error: log and retry on the next tick.
		r.mu.Lock()
		rec.LastCheck = now
		rec.NextRefresh = now.Add(r.interval)
		r.mu.Unlock()
		r.log.Warnf("refresh for environment %s failed: %s", env, err)
		refreshes.With(resultLabels(env, "error")).Inc()
	}
}

// RemoveToken drops a token from the schedule. When it was the last token
// for its environment, the environment's caches are dropped too, which
// broadcasts a deletion to subscribers.
func (r *Refresher) RemoveToken(raw string) {
	r.mu.Lock()
	rec, ok := r.records[raw]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.records, raw)
	scheduledTokens.Set(float64(len(r.records)))
	env := rec.Token.CacheKey()
	remaining := false
	for _, other := range r.records {
		if other.Token.CacheKey() == env {
			remaining = true
			break
		}
	}
	var cancelStream context.CancelFunc
	if !remaining {
		if cancel, ok := r.streams[env]; ok {
			cancelStream = cancel
			delete(r.streams, env)
		}
	}
	r.mu.Unlock()

	if cancelStream != nil {
		cancelStream()
	}
	if !remaining {
		r.log.Infof("no tokens left for environment %s, dropping caches", env)
		r.deltas.Remove(env)
		r.features.Remove(env)
	}
}
