package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/upstream"
)

const (
	// DefaultSendInterval is how often accumulated metrics are shipped.
	DefaultSendInterval = 60 * time.Second
	// DefaultMaxBatchBytes keeps each upload safely under upstream's body
	// limit.
	DefaultMaxBatchBytes = 95 * 1024

	maxSendBackoff = 10
)

// Uplink is the slice of the upstream client the sender needs.
type Uplink interface {
	SendMetrics(ctx context.Context, token string, batch domain.MetricsBatch) error
}

// TokenSource resolves the token to authenticate an environment's upload.
type TokenSource interface {
	TokenFor(environment string) (string, bool)
}

// Sender flushes the aggregator upstream on an interval that stretches
// while uploads fail.
type Sender struct {
	agg      *Aggregator
	uplink   Uplink
	tokens   TokenSource
	interval time.Duration
	maxBytes int
	failures int

	log *logging.Entry
}

func NewSender(agg *Aggregator, uplink Uplink, tokens TokenSource, interval time.Duration) *Sender {
	if interval <= 0 {
		interval = DefaultSendInterval
	}
	return &Sender{
		agg:      agg,
		uplink:   uplink,
		tokens:   tokens,
		interval: interval,
		maxBytes: DefaultMaxBatchBytes,
		log:      logging.WithField("component", "metrics-sender"),
	}
}

// Run flushes on the configured interval until ctx is cancelled, then
// performs a final flush so shutdown does not lose counters.
func (s *Sender) Run(ctx context.Context) {
	timer := time.NewTimer(s.next())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(flushCtx)
			cancel()
			return
		case <-timer.C:
			s.Flush(ctx)
			timer.Reset(s.next())
		}
	}
}

func (s *Sender) next() time.Duration {
	return s.interval * time.Duration(1+s.failures)
}

// Flush drains the aggregator and uploads every environment's batch in
// size-bounded parts.
func (s *Sender) Flush(ctx context.Context) {
	for environment, batch := range s.agg.Drain() {
		if batch.Empty() {
			continue
		}
		token, ok := s.tokens.TokenFor(environment)
		if !ok {
			s.log.Warnf("no token for environment %s, dropping %d metric items", environment, batch.Count())
			droppedItems.WithLabelValues(environment, "no_token").Add(float64(batch.Count()))
			continue
		}
		for _, part := range PartitionBatch(batch, s.maxBytes) {
			s.sendOne(ctx, environment, token, part)
		}
	}
}

func (s *Sender) sendOne(ctx context.Context, environment, token string, batch domain.MetricsBatch) {
	err := s.uplink.SendMetrics(ctx, token, batch)
	switch {
	case err == nil:
		sentBatches.WithLabelValues(environment).Inc()
		if s.failures > 0 {
			s.failures--
		}
	case errors.Is(err, upstream.ErrTooLarge):
		s.log.Warnf("upstream rejected %d metric items as too large, dropping", batch.Count())
		droppedItems.WithLabelValues(environment, "too_large").Add(float64(batch.Count()))
	case errors.Is(err, upstream.ErrRejected):
		s.log.Warnf("upstream rejected metrics payload, dropping %d items", batch.Count())
		droppedItems.WithLabelValues(environment, "rejected").Add(float64(batch.Count()))
	case errors.Is(err, upstream.ErrAccessDenied), errors.Is(err, upstream.ErrNotFound):
		s.log.Warnf("metrics upload for %s refused (%v), backing off", environment, err)
		s.failures = maxSendBackoff
		s.agg.Reinsert(batch)
	case upstream.IsRetriable(err):
		if s.failures < maxSendBackoff {
			s.failures++
		}
		s.log.Warnf("metrics upload for %s failed (%v), retrying in %s", environment, err, s.next())
		s.agg.Reinsert(batch)
	default:
		s.log.Warnf("metrics upload for %s failed: %v", environment, err)
		s.agg.Reinsert(batch)
	}
}

// PartitionBatch splits a batch into parts whose JSON encoding stays under
// maxBytes, preserving item order and total count. An item too large to
// fit on its own still goes out alone.
func PartitionBatch(batch domain.MetricsBatch, maxBytes int) []domain.MetricsBatch {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}

	base := jsonSize(domain.MetricsBatch{})
	var parts []domain.MetricsBatch
	current := domain.MetricsBatch{}
	size := base

	cut := func() {
		if !current.Empty() {
			parts = append(parts, current)
			current = domain.MetricsBatch{}
			size = base
		}
	}

	for _, app := range batch.Applications {
		itemSize := jsonSize(app) + 1
		if size+itemSize > maxBytes {
			cut()
		}
		current.Applications = append(current.Applications, app)
		size += itemSize
	}
	for _, m := range batch.Metrics {
		itemSize := jsonSize(m) + 1
		if size+itemSize > maxBytes {
			cut()
		}
		current.Metrics = append(current.Metrics, m)
		size += itemSize
	}
	for _, im := range batch.ImpactMetrics {
		itemSize := jsonSize(im) + 1
		if size+itemSize > maxBytes {
			cut()
		}
		current.ImpactMetrics = append(current.ImpactMetrics, im)
		size += itemSize
	}
	cut()
	return parts
}

func jsonSize(v interface{}) int {
	body, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(body)
}
