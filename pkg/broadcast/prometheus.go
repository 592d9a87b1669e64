package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_streaming_subscribers",
			Help: "Number of connected streaming SDK clients",
		},
	)

	broadcastFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_streaming_frames_total",
			Help: "Update frames emitted to streaming clients by environment",
		},
		[]string{"environment"},
	)
)
