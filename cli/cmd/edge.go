package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flagstream/edge/pkg/admin"
	"github.com/flagstream/edge/pkg/broadcast"
	"github.com/flagstream/edge/pkg/cache"
	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/metrics"
	"github.com/flagstream/edge/pkg/persist"
	"github.com/flagstream/edge/pkg/refresh"
	"github.com/flagstream/edge/pkg/tokens"
	"github.com/flagstream/edge/pkg/upstream"
	"github.com/flagstream/edge/pkg/version"
	"github.com/flagstream/edge/srv"
)

type edgeOptions struct {
	listenAddr    string
	backstageAddr string

	upstreamURL string
	tokenHeader string
	startTokens []string
	trustTokens []string

	mode                 string
	refreshInterval      time.Duration
	metricsInterval      time.Duration
	revalidationInterval time.Duration
	deferValidation      bool

	backupDir        string
	redisURL         string
	redisPrefix      string
	snapshotInterval time.Duration

	appName       string
	instanceID    string
	licenseToken  string
	shutdownGrace time.Duration
}

func newEdgeOptions() *edgeOptions {
	return &edgeOptions{
		listenAddr:           ":3063",
		backstageAddr:        ":3064",
		tokenHeader:          "Authorization",
		mode:                 string(refresh.ModePolling),
		refreshInterval:      15 * time.Second,
		metricsInterval:      metrics.DefaultSendInterval,
		revalidationInterval: time.Hour,
		deferValidation:      os.Getenv("EDGE_DEFER_TOKEN_VALIDATION") == "true",
		snapshotInterval:     persist.DefaultSnapshotInterval,
		appName:              "flagstream-edge",
		shutdownGrace:        10 * time.Second,
	}
}

func newCmdEdge() *cobra.Command {
	options := newEdgeOptions()

	cmd := &cobra.Command{
		Use:   "edge",
		Short: "Run the edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if options.upstreamURL == "" {
				return fmt.Errorf("--upstream-url is required")
			}
			switch refresh.Mode(options.mode) {
			case refresh.ModePolling, refresh.ModeDelta, refresh.ModeStreaming:
			default:
				return fmt.Errorf("invalid --mode %q, must be one of: polling, delta, streaming", options.mode)
			}
			return runEdge(options)
		},
	}

	cmd.Flags().StringVar(&options.listenAddr, "listen", options.listenAddr, "address the SDK-facing server binds to")
	cmd.Flags().StringVar(&options.backstageAddr, "backstage-listen", options.backstageAddr, "address the internal backstage server binds to")
	cmd.Flags().StringVar(&options.upstreamURL, "upstream-url", "", "base URL of the upstream feature-flag service")
	cmd.Flags().StringVar(&options.tokenHeader, "token-header", options.tokenHeader, "header SDKs and upstream use to carry tokens")
	cmd.Flags().StringSliceVar(&options.startTokens, "tokens", nil, "client tokens to validate and hydrate at startup")
	cmd.Flags().StringSliceVar(&options.trustTokens, "pretrusted-tokens", nil, "frontend tokens accepted without upstream validation")
	cmd.Flags().StringVar(&options.mode, "mode", options.mode, "refresh strategy: polling, delta or streaming")
	cmd.Flags().DurationVar(&options.refreshInterval, "refresh-interval", options.refreshInterval, "base interval between upstream refreshes per environment")
	cmd.Flags().DurationVar(&options.metricsInterval, "metrics-interval", options.metricsInterval, "interval between metrics uploads")
	cmd.Flags().DurationVar(&options.revalidationInterval, "token-revalidation-interval", options.revalidationInterval, "interval between token revalidation sweeps")
	cmd.Flags().BoolVar(&options.deferValidation, "defer-token-validation", options.deferValidation, "reject unknown tokens immediately and validate them in the background (EDGE_DEFER_TOKEN_VALIDATION)")
	cmd.Flags().StringVar(&options.backupDir, "backup-dir", "", "directory for state snapshots; empty disables file persistence")
	cmd.Flags().StringVar(&options.redisURL, "redis-url", "", "redis URL for state snapshots; takes precedence over --backup-dir")
	cmd.Flags().StringVar(&options.redisPrefix, "redis-prefix", "", "key prefix for redis persistence")
	cmd.Flags().DurationVar(&options.snapshotInterval, "snapshot-interval", options.snapshotInterval, "interval between state snapshots")
	cmd.Flags().StringVar(&options.appName, "app-name", options.appName, "application name reported upstream")
	cmd.Flags().StringVar(&options.instanceID, "instance-id", "", "instance id reported upstream; random when empty")
	cmd.Flags().StringVar(&options.licenseToken, "license-token", os.Getenv("EDGE_LICENSE_TOKEN"), "enterprise license token; enables the licensing heartbeat (EDGE_LICENSE_TOKEN)")
	cmd.Flags().DurationVar(&options.shutdownGrace, "shutdown-grace", options.shutdownGrace, "how long to drain connections on shutdown")

	return cmd
}

func runEdge(options *edgeOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if options.instanceID == "" {
		options.instanceID = fmt.Sprintf("%s-%d", options.appName, os.Getpid())
	}

	client := upstream.New(upstream.Config{
		BaseURL:     options.upstreamURL,
		TokenHeader: options.tokenHeader,
	})

	persister, err := buildPersister(ctx, options)
	if err != nil {
		return err
	}

	var sink tokens.Sink
	if persister != nil {
		sink = persister
	}
	validator := tokens.NewValidator(client, sink, options.deferValidation)
	validator.SeedTrusted(options.trustTokens)

	notifier := cache.NewNotifier()
	features := cache.NewFeatureCache(notifier)
	deltas := cache.NewDeltaManager(notifier)
	refresher := refresh.New(client, features, deltas, refresh.Mode(options.mode), options.refreshInterval, nil)
	broadcaster := broadcast.New(deltas, notifier, tokenChecker{validator})
	aggregator := metrics.NewAggregator()
	sender := metrics.NewSender(aggregator, client, environmentTokens{validator}, options.metricsInterval)

	state := &edgeState{
		validator:   validator,
		features:    features,
		refresher:   refresher,
		aggregator:  aggregator,
		broadcaster: broadcaster,
	}

	if persister != nil {
		warmStart(ctx, persister, validator, refresher, features)
	}

	var wg sync.WaitGroup
	background := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	background(func(ctx context.Context) {
		validator.RunStartup(ctx, options.startTokens, func(valid []tokens.EdgeToken) {
			refresher.RegisterTokens(ctx, valid)
		})
	})
	background(validator.RunDeferred)
	background(func(ctx context.Context) {
		validator.RunRevalidation(ctx, options.revalidationInterval)
	})
	background(refresher.Run)
	background(broadcaster.Run)
	background(sender.Run)
	if persister != nil {
		snapshotter := persist.NewSnapshotter(persister, state, options.snapshotInterval)
		background(snapshotter.Run)
	}
	if options.licenseToken != "" {
		background(func(ctx context.Context) {
			runHeartbeat(ctx, client, options.licenseToken)
		})
	}
	background(func(ctx context.Context) {
		info := admin.Info{
			AppName:    options.appName,
			InstanceID: options.instanceID,
			Version:    version.Version,
			Started:    time.Now(),
		}
		if err := admin.StartServer(ctx, options.backstageAddr, state, info); err != nil {
			log.Errorf("backstage server failed: %s", err)
		}
	})

	server := srv.NewServer(options.listenAddr, srv.Config{
		TokenHeader: options.tokenHeader,
		AppName:     options.appName,
		InstanceID:  options.instanceID,
		Validator:   validator,
		Refresher:   refresher,
		Features:    features,
		Deltas:      deltas,
		Broadcaster: broadcaster,
		Metrics:     aggregator,
	})
	err = srv.Start(ctx, server, options.shutdownGrace)

	stop()
	wg.Wait()
	return err
}

func buildPersister(ctx context.Context, options *edgeOptions) (persist.Persister, error) {
	if options.redisURL != "" {
		return persist.NewRedisPersister(ctx, options.redisURL, options.redisPrefix)
	}
	if options.backupDir != "" {
		return persist.NewFilePersister(options.backupDir)
	}
	return nil, nil
}

// warmStart replays persisted state so the edge can serve before its first
// upstream sync.
func warmStart(ctx context.Context, persister persist.Persister, validator *tokens.Validator, refresher *refresh.Refresher, features *cache.FeatureCache) {
	if saved, err := persister.LoadTokens(ctx); err == nil {
		for _, token := range saved {
			validator.Put(token)
		}
		if len(saved) > 0 {
			log.Infof("restored %d tokens from persistence", len(saved))
		}
	}
	if targets, err := persister.LoadRefreshTargets(ctx); err == nil && len(targets) > 0 {
		refresher.Restore(targets)
		log.Infof("restored %d refresh targets from persistence", len(targets))
	}
	if snapshots, err := persister.LoadFeatures(ctx); err == nil {
		for environment := range snapshots {
			snapshot := snapshots[environment]
			features.Insert(environment, &snapshot)
		}
		if len(snapshots) > 0 {
			log.Infof("restored feature snapshots for %d environments", len(snapshots))
		}
	}
}

// runHeartbeat reports license liveness every five minutes. Failures are
// logged and retried on the next tick; the edge keeps serving either way.
func runHeartbeat(ctx context.Context, client *upstream.Client, token string) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		if err := client.SendHeartbeat(ctx, token); err != nil {
			log.Warnf("license heartbeat failed: %s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tokenChecker lets the broadcaster drop streams whose token has been
// invalidated since connect.
type tokenChecker struct {
	validator *tokens.Validator
}

func (c tokenChecker) IsValid(raw string) bool {
	token, ok := c.validator.Get(raw)
	if !ok {
		return false
	}
	return token.Status == tokens.StatusValidated || token.Status == tokens.StatusTrusted
}

// environmentTokens picks the token the metrics sender authenticates an
// environment's upload with.
type environmentTokens struct {
	validator *tokens.Validator
}

func (e environmentTokens) TokenFor(environment string) (string, bool) {
	for _, token := range e.validator.Validated() {
		if token.Type == tokens.TypeClient && token.CacheKey() == environment {
			return token.Token, true
		}
	}
	return "", false
}

// edgeState adapts the live components to the backstage and persistence
// read interfaces.
type edgeState struct {
	validator   *tokens.Validator
	features    *cache.FeatureCache
	refresher   *refresh.Refresher
	aggregator  *metrics.Aggregator
	broadcaster *broadcast.Broadcaster
}

func (s *edgeState) Environments() []string {
	return s.features.Environments()
}

func (s *edgeState) FeatureSnapshots() map[string]domain.ClientFeatures {
	out := make(map[string]domain.ClientFeatures)
	for _, environment := range s.features.Environments() {
		if snapshot := s.features.Get(environment); snapshot != nil {
			out[environment] = *snapshot
		}
	}
	return out
}

func (s *edgeState) KnownTokens() []tokens.EdgeToken {
	return s.validator.Known()
}

func (s *edgeState) RefreshTargets() []refresh.TokenRefresh {
	return s.refresher.Tokens()
}

func (s *edgeState) MetricsSnapshot() domain.MetricsBatch {
	return s.aggregator.Snapshot()
}

func (s *edgeState) StreamingClients() int {
	return s.broadcaster.Connected()
}
