package srv

import (
	"context"

	"github.com/flagstream/edge/pkg/broadcast"
	"github.com/flagstream/edge/pkg/cache"
	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
)

// The handler depends on narrow views of its collaborators so tests can
// stand in for them.
type (
	validator interface {
		Get(raw string) (tokens.EdgeToken, bool)
		Register(ctx context.Context, raw []string) ([]tokens.EdgeToken, error)
	}

	refresher interface {
		RegisterToken(ctx context.Context, token tokens.EdgeToken)
	}

	featureStore interface {
		Get(environment string) *domain.ClientFeatures
	}

	deltaStore interface {
		Get(environment string) *cache.DeltaCache
	}

	broadcaster interface {
		Connect(token tokens.EdgeToken, namePrefix string, lastEventID uint64) (*broadcast.Subscriber, broadcast.Frame, error)
		Disconnect(sub *broadcast.Subscriber)
	}

	metricsSink interface {
		RegisterApplication(app domain.ClientApplication)
		SinkMetrics(metrics []domain.ClientMetricsEnv)
		SinkBucket(environment string, m domain.ClientMetrics)
		SinkImpact(appName, environment string, metrics []domain.ImpactMetric)
	}
)
