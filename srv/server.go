// Package srv is the SDK-facing HTTP surface of the edge: client feature
// payloads, delta sync, streaming, metrics ingestion and the frontend API.
package srv

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/broadcast"
	"github.com/flagstream/edge/pkg/cache"
	"github.com/flagstream/edge/pkg/metrics"
	"github.com/flagstream/edge/pkg/refresh"
	"github.com/flagstream/edge/pkg/tokens"
)

const (
	readTimeout = 10 * time.Second
	// No write timeout: streaming responses stay open indefinitely.

	defaultTokenHeader = "Authorization"
)

type Server struct {
	router      *httprouter.Router
	tokenHeader string
}

// Config wires the server's collaborators.
type Config struct {
	TokenHeader string
	AppName     string
	InstanceID  string

	Validator   *tokens.Validator
	Refresher   *refresh.Refresher
	Features    *cache.FeatureCache
	Deltas      *cache.DeltaManager
	Broadcaster *broadcast.Broadcaster
	Metrics     *metrics.Aggregator
	Resolver    Resolver
}

// this is called by the HTTP server to actually respond to a request
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

// NewServer builds the SDK-facing HTTP server bound to addr.
func NewServer(addr string, cfg Config) *http.Server {
	if cfg.TokenHeader == "" {
		cfg.TokenHeader = defaultTokenHeader
	}
	if cfg.Resolver == nil {
		cfg.Resolver = builtinResolver{}
	}
	server := &Server{
		tokenHeader: cfg.TokenHeader,
	}

	server.router = &httprouter.Router{
		RedirectTrailingSlash:  true,
		RedirectFixedPath:      true,
		HandleMethodNotAllowed: false, // disable 405s
	}

	handler := &handler{
		tokenHeader: cfg.TokenHeader,
		appName:     cfg.AppName,
		instanceID:  cfg.InstanceID,
		validator:   cfg.Validator,
		refresher:   cfg.Refresher,
		features:    cfg.Features,
		deltas:      cfg.Deltas,
		broadcaster: cfg.Broadcaster,
		metrics:     cfg.Metrics,
		resolver:    cfg.Resolver,
	}

	httpServer := &http.Server{
		Addr:        addr,
		ReadTimeout: readTimeout,
		Handler:     server,
	}

	// client SDK routes
	server.router.GET("/api/client/features", handler.handleClientFeatures)
	server.router.GET("/api/client/delta", handler.handleClientDelta)
	server.router.GET("/api/client/streaming", handler.handleClientStreaming)
	server.router.POST("/api/client/register", handler.handleRegister)
	server.router.POST("/api/client/metrics", handler.handleClientMetrics)
	server.router.POST("/api/client/metrics/bulk", handler.handleBulkMetrics)
	server.router.POST("/api/client/metrics/edge", handler.handleEdgeMetrics)

	// frontend SDK routes; /api/proxy is the legacy alias
	server.router.GET("/api/frontend", handler.handleFrontend)
	server.router.POST("/api/frontend", handler.handleFrontend)
	server.router.GET("/api/frontend/all", handler.handleFrontendAll)
	server.router.POST("/api/frontend/all", handler.handleFrontendAll)
	server.router.POST("/api/frontend/client/metrics", handler.handleClientMetrics)
	server.router.POST("/api/frontend/client/register", handler.handleRegister)
	server.router.GET("/api/proxy", handler.handleFrontend)
	server.router.POST("/api/proxy", handler.handleFrontend)
	server.router.POST("/api/proxy/client/metrics", handler.handleClientMetrics)
	server.router.POST("/api/proxy/client/register", handler.handleRegister)

	return httpServer
}

// Start runs the server until ctx is cancelled, then drains connections
// for up to the given grace period.
func Start(ctx context.Context, server *http.Server, grace time.Duration) error {
	log.Infof("starting edge server on %s", server.Addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
