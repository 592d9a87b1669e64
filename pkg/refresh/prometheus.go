package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_refresh_total",
			Help: "Upstream refresh attempts by environment and result",
		},
		[]string{"environment", "result"},
	)

	scheduledTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_refresh_scheduled_tokens",
			Help: "Number of tokens currently driving upstream refreshes",
		},
	)
)

func resultLabels(environment, result string) prometheus.Labels {
	return prometheus.Labels{"environment": environment, "result": result}
}
