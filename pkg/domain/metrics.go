package domain

import "time"

// ClientApplication is an SDK registration record.
type ClientApplication struct {
	AppName      string    `json:"appName"`
	InstanceID   string    `json:"instanceId,omitempty"`
	ConnectVia   []ConnectVia `json:"connectVia,omitempty"`
	Environment  string    `json:"environment,omitempty"`
	ProjectName  string    `json:"projectName,omitempty"`
	SDKVersion   string    `json:"sdkVersion,omitempty"`
	SDKType      string    `json:"sdkType,omitempty"`
	Strategies   []string  `json:"strategies,omitempty"`
	Started      time.Time `json:"started"`
	Interval     int       `json:"interval,omitempty"`
}

// ConnectVia records an intermediate hop (edge instances chain).
type ConnectVia struct {
	AppName    string `json:"appName"`
	InstanceID string `json:"instanceId"`
}

// ClientMetricsEnv is one usage counter bucket, already tagged with its
// environment. Buckets with the same (app, feature, timestamp, environment)
// key are summed.
type ClientMetricsEnv struct {
	AppName     string            `json:"appName"`
	FeatureName string            `json:"featureName"`
	Environment string            `json:"environment"`
	Timestamp   time.Time         `json:"timestamp"`
	Yes         uint64            `json:"yes"`
	No          uint64            `json:"no"`
	Variants    map[string]uint64 `json:"variants,omitempty"`
}

// ClientMetrics is the raw shape SDKs post to /api/client/metrics: one
// bucket of toggle counts over an interval.
type ClientMetrics struct {
	AppName     string        `json:"appName"`
	InstanceID  string        `json:"instanceId,omitempty"`
	Environment string        `json:"environment,omitempty"`
	Bucket      MetricsBucket `json:"bucket"`
}

// MetricsBucket holds per-toggle counts between Start and Stop.
type MetricsBucket struct {
	Start   time.Time               `json:"start"`
	Stop    time.Time               `json:"stop"`
	Toggles map[string]ToggleCounts `json:"toggles"`
}

// ToggleCounts is the yes/no/variant tally for one toggle.
type ToggleCounts struct {
	Yes      uint64            `json:"yes"`
	No       uint64            `json:"no"`
	Variants map[string]uint64 `json:"variants,omitempty"`
}

// Impact metric kinds.
const (
	ImpactCounter   = "counter"
	ImpactGauge     = "gauge"
	ImpactHistogram = "histogram"
)

// ImpactMetric is a named, typed metric with labeled samples.
type ImpactMetric struct {
	Name    string         `json:"name"`
	Help    string         `json:"help,omitempty"`
	Type    string         `json:"type"`
	Samples []ImpactSample `json:"samples"`
}

// ImpactMetricEnv tags an impact metric with its reporting application and
// environment.
type ImpactMetricEnv struct {
	AppName     string       `json:"appName"`
	Environment string       `json:"environment"`
	Metric      ImpactMetric `json:"impactMetrics"`
}

// ImpactSample is one labeled observation. Counter and gauge samples use
// Value; histogram samples use Count, Sum and BucketCounts.
type ImpactSample struct {
	Value        float64           `json:"value,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Count        uint64            `json:"count,omitempty"`
	Sum          float64           `json:"sum,omitempty"`
	BucketCounts []HistogramBucket `json:"buckets,omitempty"`
}

// HistogramBucket is a cumulative histogram bucket (upper bound -> count).
type HistogramBucket struct {
	LE    float64 `json:"le"`
	Count uint64  `json:"count"`
}

// MetricsBatch is the upload unit posted to upstream's bulk endpoint.
// Partitioning keeps the serialized size under the upstream body limit.
type MetricsBatch struct {
	Applications  []ClientApplication `json:"applications"`
	Metrics       []ClientMetricsEnv  `json:"metrics"`
	ImpactMetrics []ImpactMetricEnv   `json:"impactMetrics,omitempty"`
}

// Count returns the number of items carried by the batch.
func (b MetricsBatch) Count() int {
	return len(b.Applications) + len(b.Metrics) + len(b.ImpactMetrics)
}

// Empty reports whether there is anything to upload.
func (b MetricsBatch) Empty() bool {
	return b.Count() == 0
}

// BulkMetrics is the shape SDKs post to /api/client/metrics/bulk.
type BulkMetrics struct {
	Applications  []ClientApplication `json:"applications"`
	Metrics       []ClientMetricsEnv  `json:"metrics"`
	ImpactMetrics []ImpactMetric      `json:"impactMetrics,omitempty"`
}

// EdgeInstanceData is what downstream edges post to /api/client/metrics/edge.
type EdgeInstanceData struct {
	AppName            string    `json:"appName"`
	InstanceID         string    `json:"instanceId"`
	EdgeVersion        string    `json:"edgeVersion,omitempty"`
	Region             string    `json:"region,omitempty"`
	ConnectedStreaming uint64    `json:"connectedStreamingClients,omitempty"`
	Started            time.Time `json:"started"`
}
