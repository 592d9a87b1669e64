package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_metrics_batches_sent_total",
			Help: "Metrics batches uploaded upstream by environment",
		},
		[]string{"environment"},
	)

	droppedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_metrics_items_dropped_total",
			Help: "Metric items dropped instead of uploaded, by reason",
		},
		[]string{"environment", "reason"},
	)
)
