package refresh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flagstream/edge/pkg/cache"
	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/upstream"
)

const (
	eventConnected = "unleash-connected"
	eventUpdated   = "unleash-updated"
	eventKeepAlive = "keep-alive"
)

// ensureStreams opens one streaming subscription per environment that has
// a scheduled token but no live stream yet.
func (r *Refresher) ensureStreams(ctx context.Context) {
	r.mu.Lock()
	var pending []*TokenRefresh
	for _, rec := range r.records {
		env := rec.Token.CacheKey()
		if _, live := r.streams[env]; live {
			continue
		}
		streamCtx, cancel := context.WithCancel(ctx)
		r.streams[env] = cancel
		pending = append(pending, rec)
		go r.runStream(streamCtx, env, rec)
	}
	r.mu.Unlock()

	for _, rec := range pending {
		r.log.Infof("opened streaming subscription for environment %s", rec.Token.CacheKey())
	}
}

// runStream holds one SSE subscription for an environment. The upstream
// client reconnects internally with exponential delay; if the subscription
// returns an error the loop retries after the base delay until cancelled.
func (r *Refresher) runStream(ctx context.Context, env string, rec *TokenRefresh) {
	for {
		err := r.source.Stream(ctx, rec.Token.Token, func(event upstream.StreamEvent) {
			r.handleStreamEvent(env, rec, event)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.log.Warnf("streaming subscription for environment %s ended: %s", env, err)
			r.handleResult(rec, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

func (r *Refresher) handleStreamEvent(env string, rec *TokenRefresh, event upstream.StreamEvent) {
	switch event.Name {
	case eventConnected:
		var delta domain.ClientFeaturesDelta
		if err := json.Unmarshal(event.Data, &delta); err != nil {
			r.log.Warnf("malformed hydration event for environment %s: %s", env, err)
			return
		}
		if len(delta.Events) == 0 || delta.Events[0].Type != domain.DeltaHydration {
			r.log.Warnf("streaming connect for environment %s carried no hydration", env)
			return
		}
		hydration := delta.Events[0]
		dc := r.deltas.Insert(env, hydration, cache.DefaultDeltaLimit)
		if rest := delta.Events[1:]; len(rest) > 0 {
			dc.AddEvents(rest)
		}
		r.features.Insert(env, &domain.ClientFeatures{
			Version:  int(dc.Revision()),
			Features: hydration.Features,
			Segments: hydration.Segments,
		})
		r.recordSuccess(rec, "")
		refreshes.With(resultLabels(env, "stream_connected")).Inc()

	case eventUpdated:
		var delta domain.ClientFeaturesDelta
		if err := json.Unmarshal(event.Data, &delta); err != nil {
			r.log.Warnf("malformed update event for environment %s: %s", env, err)
			return
		}
		if len(delta.Events) == 0 {
			return
		}
		r.applyDelta(env, delta.Events)
		r.recordSuccess(rec, "")
		refreshes.With(resultLabels(env, "stream_updated")).Inc()

	case eventKeepAlive, "":
		// Comment frames keep the connection warm, nothing to apply.

	default:
		r.log.Debugf("ignoring unknown stream event %q for environment %s", event.Name, env)
	}
}

// stopStreams cancels every live streaming subscription.
func (r *Refresher) stopStreams() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.streams))
	for env, cancel := range r.streams {
		cancels = append(cancels, cancel)
		delete(r.streams, env)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
