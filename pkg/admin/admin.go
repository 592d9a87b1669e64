// Package admin serves the internal backstage surface: health, readiness,
// Prometheus metrics, pprof and operational state dumps. It is meant to be
// bound to an internal listener, never exposed to SDKs.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
)

// State is the slice of live edge state the backstage exposes.
type State interface {
	Environments() []string
	FeatureSnapshots() map[string]domain.ClientFeatures
	KnownTokens() []tokens.EdgeToken
	MetricsSnapshot() domain.MetricsBatch
	StreamingClients() int
}

// Info identifies this edge instance on /internal-backstage/instancedata.
type Info struct {
	AppName    string
	InstanceID string
	Version    string
	Started    time.Time
}

type handler struct {
	promHandler http.Handler
	state       State
	info        Info
}

// NewServer builds the backstage server for the given address.
func NewServer(addr string, state State, info Info) *http.Server {
	return &http.Server{
		Addr: addr,
		Handler: &handler{
			promHandler: promhttp.Handler(),
			state:       state,
			info:        info,
		},
	}
}

// StartServer runs the backstage server until ctx is cancelled.
func StartServer(ctx context.Context, addr string, state State, info Info) error {
	log.Infof("starting backstage server on %s", addr)
	server := NewServer(addr, state, info)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	debugPathPrefix := "/debug/pprof/"
	switch req.URL.Path {
	case "/internal-backstage/metrics", "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/internal-backstage/health":
		h.serveHealth(w)
	case "/internal-backstage/ready", "/ready":
		h.serveReady(w)
	case "/internal-backstage/tokens":
		h.serveTokens(w)
	case "/internal-backstage/features":
		h.serveFeatures(w)
	case "/internal-backstage/metricsbatch":
		h.serveMetricsBatch(w)
	case "/internal-backstage/instancedata":
		h.serveInstanceData(w)
	case fmt.Sprintf("%scmdline", debugPathPrefix):
		pprof.Cmdline(w, req)
	case fmt.Sprintf("%sprofile", debugPathPrefix):
		pprof.Profile(w, req)
	case fmt.Sprintf("%strace", debugPathPrefix):
		pprof.Trace(w, req)
	case fmt.Sprintf("%ssymbol", debugPathPrefix):
		pprof.Symbol(w, req)
	default:
		if strings.HasPrefix(req.URL.Path, debugPathPrefix) {
			pprof.Index(w, req)
		} else {
			http.NotFound(w, req)
		}
	}
}

func (h *handler) serveHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// serveReady reports 503 until at least one environment has both a
// validated client token and a hydrated feature cache, so load balancers
// keep edges that cannot serve authorized traffic out of rotation.
func (h *handler) serveReady(w http.ResponseWriter) {
	hydrated := make(map[string]bool)
	for _, environment := range h.state.Environments() {
		hydrated[environment] = true
	}
	ready := false
	for _, token := range h.state.KnownTokens() {
		if token.Type == tokens.TypeClient && token.Status == tokens.StatusValidated && hydrated[token.CacheKey()] {
			ready = true
			break
		}
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "NOT_READY"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "READY"})
}

// serveTokens dumps known tokens with their secrets masked.
func (h *handler) serveTokens(w http.ResponseWriter) {
	known := h.state.KnownTokens()
	anonymized := make([]tokens.EdgeToken, 0, len(known))
	for _, token := range known {
		anonymized = append(anonymized, token.Anonymize())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": anonymized})
}

func (h *handler) serveFeatures(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, h.state.FeatureSnapshots())
}

func (h *handler) serveMetricsBatch(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, h.state.MetricsSnapshot())
}

func (h *handler) serveInstanceData(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, domain.EdgeInstanceData{
		AppName:            h.info.AppName,
		InstanceID:         h.info.InstanceID,
		EdgeVersion:        h.info.Version,
		ConnectedStreaming: uint64(h.state.StreamingClients()),
		Started:            h.info.Started,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("writing backstage response: %v", err)
	}
}
