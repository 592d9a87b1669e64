// Package persist snapshots edge state so a restart can serve traffic
// before the first upstream sync completes.
package persist

import (
	"context"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/refresh"
	"github.com/flagstream/edge/pkg/tokens"
)

// DefaultSnapshotInterval is how often the background task persists state.
const DefaultSnapshotInterval = 30 * time.Second

// Persister stores the three state documents the edge needs to warm-start:
// known tokens, per-environment feature snapshots and refresh schedules.
type Persister interface {
	LoadTokens(ctx context.Context) ([]tokens.EdgeToken, error)
	SaveTokens(ctx context.Context, tks []tokens.EdgeToken) error

	LoadFeatures(ctx context.Context) (map[string]domain.ClientFeatures, error)
	SaveFeatures(ctx context.Context, features map[string]domain.ClientFeatures) error

	LoadRefreshTargets(ctx context.Context) ([]refresh.TokenRefresh, error)
	SaveRefreshTargets(ctx context.Context, targets []refresh.TokenRefresh) error
}

// StateSource is the live state a snapshotter reads from.
type StateSource interface {
	KnownTokens() []tokens.EdgeToken
	FeatureSnapshots() map[string]domain.ClientFeatures
	RefreshTargets() []refresh.TokenRefresh
}

// Snapshotter periodically writes the live state through a Persister.
type Snapshotter struct {
	persister Persister
	source    StateSource
	interval  time.Duration
	log       *logging.Entry
}

func NewSnapshotter(persister Persister, source StateSource, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	return &Snapshotter{
		persister: persister,
		source:    source,
		interval:  interval,
		log:       logging.WithField("component", "snapshotter"),
	}
}

// Run persists on the configured interval until ctx is cancelled, then
// takes one final snapshot.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Save(saveCtx)
			cancel()
			return
		case <-ticker.C:
			s.Save(ctx)
		}
	}
}

// Save writes all three documents; each failure is logged and the rest
// still get written.
func (s *Snapshotter) Save(ctx context.Context) {
	if err := s.persister.SaveTokens(ctx, s.source.KnownTokens()); err != nil {
		s.log.Warnf("persisting tokens: %v", err)
	}
	if err := s.persister.SaveFeatures(ctx, s.source.FeatureSnapshots()); err != nil {
		s.log.Warnf("persisting features: %v", err)
	}
	if err := s.persister.SaveRefreshTargets(ctx, s.source.RefreshTargets()); err != nil {
		s.log.Warnf("persisting refresh targets: %v", err)
	}
}
