// Package metrics accumulates SDK-reported usage data per environment and
// ships it upstream in size-bounded batches.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
)

// originLabel is injected on every impact sample leaving the edge.
const (
	originLabelKey   = "origin"
	originLabelValue = "edge"
)

type appKey struct {
	appName    string
	instanceID string
}

type counterKey struct {
	appName     string
	featureName string
	timestamp   int64
	environment string
}

type impactKey struct {
	appName     string
	environment string
}

// Aggregator merges SDK registrations, usage counters and impact metrics
// until the sender cuts them into batches.
type Aggregator struct {
	mu           sync.Mutex
	applications map[appKey]domain.ClientApplication
	counters     map[counterKey]domain.ClientMetricsEnv
	impact       map[impactKey]map[string]*domain.ImpactMetric

	log *logging.Entry
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		applications: make(map[appKey]domain.ClientApplication),
		counters:     make(map[counterKey]domain.ClientMetricsEnv),
		impact:       make(map[impactKey]map[string]*domain.ImpactMetric),
		log:          logging.WithField("component", "metrics-aggregator"),
	}
}

// RegisterApplication records an SDK registration; the latest registration
// for an (app, instance) pair wins.
func (a *Aggregator) RegisterApplication(app domain.ClientApplication) {
	a.mu.Lock()
	a.applications[appKey{app.AppName, app.InstanceID}] = app
	a.mu.Unlock()
}

// SinkMetrics merges usage counter buckets. Buckets sharing the same
// (app, feature, timestamp, environment) key sum their counts and merge
// their variants by name.
func (a *Aggregator) SinkMetrics(metrics []domain.ClientMetricsEnv) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range metrics {
		key := counterKey{
			appName:     m.AppName,
			featureName: m.FeatureName,
			timestamp:   m.Timestamp.Truncate(time.Hour).Unix(),
			environment: m.Environment,
		}
		existing, ok := a.counters[key]
		if !ok {
			m.Timestamp = m.Timestamp.Truncate(time.Hour)
			a.counters[key] = m
			continue
		}
		existing.Yes += m.Yes
		existing.No += m.No
		if len(m.Variants) > 0 && existing.Variants == nil {
			existing.Variants = make(map[string]uint64, len(m.Variants))
		}
		for variant, count := range m.Variants {
			existing.Variants[variant] += count
		}
		a.counters[key] = existing
	}
}

// SinkBucket expands one raw SDK metrics bucket into per-feature counter
// entries tagged with the token's environment.
func (a *Aggregator) SinkBucket(environment string, m domain.ClientMetrics) {
	if m.Environment != "" {
		environment = m.Environment
	}
	expanded := make([]domain.ClientMetricsEnv, 0, len(m.Bucket.Toggles))
	for feature, counts := range m.Bucket.Toggles {
		expanded = append(expanded, domain.ClientMetricsEnv{
			AppName:     m.AppName,
			FeatureName: feature,
			Environment: environment,
			Timestamp:   m.Bucket.Stop,
			Yes:         counts.Yes,
			No:          counts.No,
			Variants:    counts.Variants,
		})
	}
	a.SinkMetrics(expanded)
}

// SinkImpact merges impact metrics for an (app, environment) bucket:
// counter samples with identical label sets sum, gauges keep the last
// write, histogram buckets sum. Every merged sample gets the origin=edge
// label.
func (a *Aggregator) SinkImpact(appName, environment string, metrics []domain.ImpactMetric) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := impactKey{appName, environment}
	bucket, ok := a.impact[key]
	if !ok {
		bucket = make(map[string]*domain.ImpactMetric)
		a.impact[key] = bucket
	}
	for _, incoming := range metrics {
		existing, ok := bucket[incoming.Name]
		if !ok {
			merged := incoming
			merged.Samples = append([]domain.ImpactSample(nil), incoming.Samples...)
			for i := range merged.Samples {
				merged.Samples[i].Labels = withOrigin(merged.Samples[i].Labels)
			}
			bucket[incoming.Name] = &merged
			continue
		}
		mergeImpact(existing, incoming)
	}
}

func mergeImpact(existing *domain.ImpactMetric, incoming domain.ImpactMetric) {
	for _, sample := range incoming.Samples {
		sample.Labels = withOrigin(sample.Labels)
		idx := findSample(existing.Samples, sample.Labels)
		if idx < 0 {
			existing.Samples = append(existing.Samples, sample)
			continue
		}
		switch existing.Type {
		case domain.ImpactCounter:
			existing.Samples[idx].Value += sample.Value
		case domain.ImpactGauge:
			existing.Samples[idx].Value = sample.Value
		case domain.ImpactHistogram:
			existing.Samples[idx] = mergeHistogram(existing.Samples[idx], sample)
		default:
			existing.Samples[idx] = sample
		}
	}
}

func mergeHistogram(into, from domain.ImpactSample) domain.ImpactSample {
	into.Count += from.Count
	into.Sum += from.Sum
	counts := make(map[float64]uint64, len(into.BucketCounts))
	var bounds []float64
	for _, b := range into.BucketCounts {
		if _, seen := counts[b.LE]; !seen {
			bounds = append(bounds, b.LE)
		}
		counts[b.LE] += b.Count
	}
	for _, b := range from.BucketCounts {
		if _, seen := counts[b.LE]; !seen {
			bounds = append(bounds, b.LE)
		}
		counts[b.LE] += b.Count
	}
	sort.Float64s(bounds)
	merged := make([]domain.HistogramBucket, 0, len(bounds))
	for _, le := range bounds {
		merged = append(merged, domain.HistogramBucket{LE: le, Count: counts[le]})
	}
	into.BucketCounts = merged
	return into
}

func findSample(samples []domain.ImpactSample, labels map[string]string) int {
	want := labelKey(labels)
	for i, s := range samples {
		if labelKey(s.Labels) == want {
			return i
		}
	}
	return -1
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

func withOrigin(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[originLabelKey] = originLabelValue
	return out
}

// Drain removes and returns everything accumulated, bucketed by
// environment. Applications without an environment land in every batch's
// environment bucket they registered under (empty environment forms its
// own bucket and is sent with the first available token).
func (a *Aggregator) Drain() map[string]domain.MetricsBatch {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]domain.MetricsBatch)
	for _, app := range a.applications {
		batch := out[app.Environment]
		batch.Applications = append(batch.Applications, app)
		out[app.Environment] = batch
	}
	for _, counter := range a.counters {
		batch := out[counter.Environment]
		batch.Metrics = append(batch.Metrics, counter)
		out[counter.Environment] = batch
	}
	for key, metrics := range a.impact {
		batch := out[key.environment]
		names := make([]string, 0, len(metrics))
		for name := range metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			batch.ImpactMetrics = append(batch.ImpactMetrics, domain.ImpactMetricEnv{
				AppName:     key.appName,
				Environment: key.environment,
				Metric:      *metrics[name],
			})
		}
		out[key.environment] = batch
	}

	a.applications = make(map[appKey]domain.ClientApplication)
	a.counters = make(map[counterKey]domain.ClientMetricsEnv)
	a.impact = make(map[impactKey]map[string]*domain.ImpactMetric)

	for env := range out {
		sortBatch := out[env]
		sort.SliceStable(sortBatch.Applications, func(i, j int) bool {
			return sortBatch.Applications[i].AppName < sortBatch.Applications[j].AppName
		})
		sort.SliceStable(sortBatch.Metrics, func(i, j int) bool {
			if sortBatch.Metrics[i].AppName != sortBatch.Metrics[j].AppName {
				return sortBatch.Metrics[i].AppName < sortBatch.Metrics[j].AppName
			}
			return sortBatch.Metrics[i].FeatureName < sortBatch.Metrics[j].FeatureName
		})
		out[env] = sortBatch
	}
	return out
}

// Reinsert puts a failed batch back so the next tick retries it.
func (a *Aggregator) Reinsert(batch domain.MetricsBatch) {
	for _, app := range batch.Applications {
		a.RegisterApplication(app)
	}
	a.SinkMetrics(batch.Metrics)
	for _, impact := range batch.ImpactMetrics {
		a.SinkImpact(impact.AppName, impact.Environment, []domain.ImpactMetric{impact.Metric})
	}
}

// Snapshot returns the current contents without clearing them, for the
// backstage surface.
func (a *Aggregator) Snapshot() domain.MetricsBatch {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out domain.MetricsBatch
	for _, app := range a.applications {
		out.Applications = append(out.Applications, app)
	}
	for _, counter := range a.counters {
		out.Metrics = append(out.Metrics, counter)
	}
	for key, metrics := range a.impact {
		for _, metric := range metrics {
			out.ImpactMetrics = append(out.ImpactMetrics, domain.ImpactMetricEnv{
				AppName:     key.appName,
				Environment: key.environment,
				Metric:      *metric,
			})
		}
	}
	return out
}
