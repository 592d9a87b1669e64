package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/upstream"
)

type fakeUplink struct {
	mu      sync.Mutex
	batches []domain.MetricsBatch
	err     error
}

func (f *fakeUplink) SendMetrics(_ context.Context, _ string, batch domain.MetricsBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeUplink) sent() []domain.MetricsBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MetricsBatch(nil), f.batches...)
}

type staticTokens map[string]string

func (s staticTokens) TokenFor(environment string) (string, bool) {
	token, ok := s[environment]
	return token, ok
}

func bigBatch(apps, counters int) domain.MetricsBatch {
	var batch domain.MetricsBatch
	for i := 0; i < apps; i++ {
		batch.Applications = append(batch.Applications, domain.ClientApplication{
			AppName:     fmt.Sprintf("application-%04d", i),
			InstanceID:  fmt.Sprintf("instance-%04d", i),
			Environment: "development",
			SDKVersion:  "unleash-client-go:4.1.0",
			Started:     bucketTime,
		})
	}
	for i := 0; i < counters; i++ {
		batch.Metrics = append(batch.Metrics, domain.ClientMetricsEnv{
			AppName:     fmt.Sprintf("application-%04d", i),
			FeatureName: fmt.Sprintf("some.feature.with.a.long.name-%04d", i),
			Environment: "development",
			Timestamp:   bucketTime,
			Yes:         uint64(i),
			No:          uint64(i * 2),
		})
	}
	return batch
}

func TestPartitionRespectsSizeAndCount(t *testing.T) {
	batch := bigBatch(1000, 1000)
	parts := PartitionBatch(batch, DefaultMaxBatchBytes)

	require.Greater(t, len(parts), 1, "a batch this large must split")
	total := 0
	for _, part := range parts {
		body, err := json.Marshal(part)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(body), DefaultMaxBatchBytes)
		total += part.Count()
	}
	assert.Equal(t, batch.Count(), total)

	// Applications come before counters, and order within each is kept.
	assert.Equal(t, batch.Applications[0].AppName, parts[0].Applications[0].AppName)
	last := parts[len(parts)-1]
	require.NotEmpty(t, last.Metrics)
	assert.Equal(t, batch.Metrics[len(batch.Metrics)-1].FeatureName, last.Metrics[len(last.Metrics)-1].FeatureName)
}

func TestPartitionSmallBatchStaysWhole(t *testing.T) {
	batch := bigBatch(3, 3)
	parts := PartitionBatch(batch, DefaultMaxBatchBytes)
	require.Len(t, parts, 1)
	assert.Equal(t, batch.Count(), parts[0].Count())
}

func TestPartitionOversizedItemGoesAlone(t *testing.T) {
	batch := bigBatch(1, 5)
	parts := PartitionBatch(batch, 300)
	total := 0
	for _, part := range parts {
		total += part.Count()
	}
	assert.Equal(t, batch.Count(), total)
}

func TestFlushUploadsPerEnvironment(t *testing.T) {
	agg := NewAggregator()
	agg.SinkMetrics([]domain.ClientMetricsEnv{
		counter("app", "flag", "development", 1, 0),
		counter("app", "flag", "production", 2, 0),
	})
	uplink := &fakeUplink{}
	sender := NewSender(agg, uplink, staticTokens{
		"development": "dev-token",
		"production":  "prod-token",
	}, time.Minute)

	sender.Flush(context.Background())
	assert.Len(t, uplink.sent(), 2)
	assert.True(t, agg.Snapshot().Empty())
}

func TestFlushWithoutTokenDrops(t *testing.T) {
	agg := NewAggregator()
	agg.SinkMetrics([]domain.ClientMetricsEnv{counter("app", "flag", "development", 1, 0)})
	uplink := &fakeUplink{}
	sender := NewSender(agg, uplink, staticTokens{}, time.Minute)

	sender.Flush(context.Background())
	assert.Empty(t, uplink.sent())
	assert.True(t, agg.Snapshot().Empty(), "unsendable metrics are dropped, not retained")
}

func TestRetriableFailureReinsertsAndBacksOff(t *testing.T) {
	agg := NewAggregator()
	agg.SinkMetrics([]domain.ClientMetricsEnv{counter("app", "flag", "development", 1, 0)})
	uplink := &fakeUplink{err: &upstream.RetriableError{Status: 503}}
	sender := NewSender(agg, uplink, staticTokens{"development": "t"}, time.Minute)

	sender.Flush(context.Background())
	assert.Equal(t, 2*time.Minute, sender.next())
	assert.False(t, agg.Snapshot().Empty(), "failed batch must be retried later")

	uplink.mu.Lock()
	uplink.err = nil
	uplink.mu.Unlock()
	sender.Flush(context.Background())
	assert.Len(t, uplink.sent(), 1)
	assert.Equal(t, time.Minute, sender.next())
}

func TestAccessDeniedBacksOffHard(t *testing.T) {
	agg := NewAggregator()
	agg.SinkMetrics([]domain.ClientMetricsEnv{counter("app", "flag", "development", 1, 0)})
	uplink := &fakeUplink{err: upstream.ErrAccessDenied}
	sender := NewSender(agg, uplink, staticTokens{"development": "t"}, time.Minute)

	sender.Flush(context.Background())
	assert.Equal(t, 11*time.Minute, sender.next())
	assert.False(t, agg.Snapshot().Empty())
}

func TestRejectedPayloadIsDropped(t *testing.T) {
	agg := NewAggregator()
	agg.SinkMetrics([]domain.ClientMetricsEnv{counter("app", "flag", "development", 1, 0)})
	uplink := &fakeUplink{err: upstream.ErrRejected}
	sender := NewSender(agg, uplink, staticTokens{"development": "t"}, time.Minute)

	sender.Flush(context.Background())
	assert.True(t, agg.Snapshot().Empty(), "rejected payloads are not retried")
	assert.Equal(t, time.Minute, sender.next())
}
