package persist

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/refresh"
	"github.com/flagstream/edge/pkg/tokens"
)

const (
	redisTokensKey   = "edge:tokens"
	redisFeaturesKey = "edge:features"
	redisRefreshKey  = "edge:refresh-targets"
)

// RedisPersister keeps the state documents as JSON values in Redis, so a
// fleet of edges can share warm-start state.
type RedisPersister struct {
	client *redis.Client
	prefix string
	log    *logging.Entry
}

// NewRedisPersister connects and pings; a prefix keeps separate edge
// deployments from clobbering each other in a shared instance.
func NewRedisPersister(ctx context.Context, url, prefix string) (*RedisPersister, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisPersister{
		client: client,
		prefix: prefix,
		log:    logging.WithField("component", "redis-persister"),
	}, nil
}

func (p *RedisPersister) Close() error {
	return p.client.Close()
}

func (p *RedisPersister) key(base string) string {
	if p.prefix == "" {
		return base
	}
	return p.prefix + ":" + base
}

func (p *RedisPersister) LoadTokens(ctx context.Context) ([]tokens.EdgeToken, error) {
	var tks []tokens.EdgeToken
	if !p.load(ctx, redisTokensKey, &tks) {
		return nil, nil
	}
	return tks, nil
}

func (p *RedisPersister) SaveTokens(ctx context.Context, tks []tokens.EdgeToken) error {
	return p.save(ctx, redisTokensKey, tks)
}

func (p *RedisPersister) LoadFeatures(ctx context.Context) (map[string]domain.ClientFeatures, error) {
	var features map[string]domain.ClientFeatures
	if !p.load(ctx, redisFeaturesKey, &features) {
		return nil, nil
	}
	return features, nil
}

func (p *RedisPersister) SaveFeatures(ctx context.Context, features map[string]domain.ClientFeatures) error {
	return p.save(ctx, redisFeaturesKey, features)
}

func (p *RedisPersister) LoadRefreshTargets(ctx context.Context) ([]refresh.TokenRefresh, error) {
	var targets []refresh.TokenRefresh
	if !p.load(ctx, redisRefreshKey, &targets) {
		return nil, nil
	}
	return targets, nil
}

func (p *RedisPersister) SaveRefreshTargets(ctx context.Context, targets []refresh.TokenRefresh) error {
	return p.save(ctx, redisRefreshKey, targets)
}

func (p *RedisPersister) load(ctx context.Context, base string, out interface{}) bool {
	body, err := p.client.Get(ctx, p.key(base)).Bytes()
	if err != nil {
		if err != redis.Nil {
			p.log.Warnf("reading %s: %v", base, err)
		}
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		p.log.Warnf("ignoring corrupt state at %s: %v", base, err)
		return false
	}
	return true
}

func (p *RedisPersister) save(ctx context.Context, base string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, p.key(base), body, 0).Err()
}
