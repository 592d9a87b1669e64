package tokens

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	logging "github.com/sirupsen/logrus"
)

// Validation is the upstream side of token classification.
type Validation interface {
	// ValidateTokens asks upstream which of the raw tokens are valid and
	// returns their validated forms (type, environment, projects filled in).
	ValidateTokens(ctx context.Context, raw []string) ([]EdgeToken, error)
}

// Sink receives the token set for warm-start persistence. Implementations
// must tolerate being called concurrently.
type Sink interface {
	SaveTokens(ctx context.Context, tokens []EdgeToken) error
}

const deferredBatchInterval = time.Second

// Validator classifies raw token strings against upstream and caches the
// results. In deferred mode unknown tokens are rejected immediately and
// validated in the background on a one-second batch tick.
type Validator struct {
	cache    *gocache.Cache
	upstream Validation
	sink     Sink
	deferred bool
	pending  chan string
	log      *logging.Entry
}

// NewValidator builds a validator. sink may be nil when persistence is
// disabled.
func NewValidator(upstream Validation, sink Sink, deferred bool) *Validator {
	return &Validator{
		cache:    gocache.New(gocache.NoExpiration, 0),
		upstream: upstream,
		sink:     sink,
		deferred: deferred,
		pending:  make(chan string, 1024),
		log:      logging.WithField("component", "token-validator"),
	}
}

// Get returns the cached state of a raw token.
func (v *Validator) Get(raw string) (EdgeToken, bool) {
	entry, ok := v.cache.Get(raw)
	if !ok {
		return EdgeToken{}, false
	}
	return entry.(EdgeToken), true
}

// Put upserts a token into the cache.
func (v *Validator) Put(token EdgeToken) {
	v.cache.Set(token.Token, token, gocache.NoExpiration)
}

// Known returns every cached token.
func (v *Validator) Known() []EdgeToken {
	items := v.cache.Items()
	out := make([]EdgeToken, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(EdgeToken))
	}
	return out
}

// Validated returns the cached tokens currently in validated state.
func (v *Validator) Validated() []EdgeToken {
	var out []EdgeToken
	for _, token := range v.Known() {
		if token.Status == StatusValidated {
			out = append(out, token)
		}
	}
	return out
}

// SeedTrusted inserts pre-trusted frontend tokens, bypassing validation.
func (v *Validator) SeedTrusted(raw []string) {
	for _, r := range raw {
		v.Put(Trusted(r))
	}
}

// Register classifies a set of raw tokens and returns their current state.
// Tokens already cached with a recognizable type are returned as-is.
// Unknown tokens are validated upstream immediately, or marked invalid and
// queued when deferred validation is enabled.
func (v *Validator) Register(ctx context.Context, raw []string) ([]EdgeToken, error) {
	known := make([]EdgeToken, 0, len(raw))
	var unknown []string
	for _, r := range raw {
		if token, ok := v.Get(r); ok && token.Type != TypeUnknown {
			known = append(known, token)
			continue
		}
		unknown = append(unknown, r)
	}
	if len(unknown) == 0 {
		return known, nil
	}

	if v.deferred {
		for _, r := range unknown {
			invalid := v.markInvalid(r)
			known = append(known, invalid)
			select {
			case v.pending <- r:
			default:
				v.log.Warn("deferred validation queue full, dropping token")
			}
		}
		return known, nil
	}

	validated, err := v.validate(ctx, unknown)
	if err != nil {
		return known, err
	}
	known = append(known, validated...)
	v.persist(ctx)
	return known, nil
}

// validate calls upstream and upserts the results. Tokens upstream did not
// return are cached as invalid. The union is returned.
func (v *Validator) validate(ctx context.Context, raw []string) ([]EdgeToken, error) {
	validated, err := v.upstream.ValidateTokens(ctx, raw)
	if err != nil {
		return nil, err
	}
	returned := make(map[string]bool, len(validated))
	out := make([]EdgeToken, 0, len(raw))
	for _, token := range validated {
		token.Status = StatusValidated
		v.Put(token)
		returned[token.Token] = true
		out = append(out, token)
	}
	for _, r := range raw {
		if !returned[r] {
			out = append(out, v.markInvalid(r))
		}
	}
	return out, nil
}

func (v *Validator) markInvalid(raw string) EdgeToken {
	token := EdgeToken{Token: raw, Type: TypeInvalid, Status: StatusInvalid}
	v.Put(token)
	return token
}

// RunDeferred drains the deferred-validation queue, validating pending
// tokens in one-second batches. It returns when ctx is cancelled.
func (v *Validator) RunDeferred(ctx context.Context) {
	if !v.deferred {
		return
	}
	ticker := time.NewTicker(deferredBatchInterval)
	defer ticker.Stop()

	var batch []string
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-v.pending:
			batch = append(batch, raw)
		case <-ticker.C:
			if len(batch) == 0 {
				continue
			}
			if _, err := v.validate(ctx, batch); err != nil {
				v.log.Warnf("deferred validation failed for %d tokens: %s", len(batch), err)
				continue
			}
			v.persist(ctx)
			batch = nil
		}
	}
}

// RunRevalidation periodically re-checks every validated token and marks
// tokens missing from the upstream response invalid.
func (v *Validator) RunRevalidation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.revalidate(ctx)
		}
	}
}

func (v *Validator) revalidate(ctx context.Context) {
	current := v.Validated()
	if len(current) == 0 {
		return
	}
	raw := make([]string, 0, len(current))
	for _, token := range current {
		raw = append(raw, token.Token)
	}
	validated, err := v.upstream.ValidateTokens(ctx, raw)
	if err != nil {
		v.log.Warnf("token revalidation failed: %s", err)
		return
	}
	stillValid := make(map[string]bool, len(validated))
	for _, token := range validated {
		token.Status = StatusValidated
		v.Put(token)
		stillValid[token.Token] = true
	}
	for _, token := range current {
		if !stillValid[token.Token] {
			v.log.Infof("token for environment %s no longer valid upstream", token.Environment)
			v.markInvalid(token.Token)
		}
	}
	v.persist(ctx)
}

// registerImmediate classifies raw tokens against upstream right away,
// ignoring deferred mode. Tokens cached as invalid are re-checked.
func (v *Validator) registerImmediate(ctx context.Context, raw []string) ([]EdgeToken, error) {
	known := make([]EdgeToken, 0, len(raw))
	var unresolved []string
	for _, r := range raw {
		if token, ok := v.Get(r); ok && (token.Status == StatusValidated || token.Status == StatusTrusted) {
			known = append(known, token)
			continue
		}
		unresolved = append(unresolved, r)
	}
	if len(unresolved) == 0 {
		return known, nil
	}
	validated, err := v.validate(ctx, unresolved)
	if err != nil {
		return known, err
	}
	known = append(known, validated...)
	v.persist(ctx)
	return known, nil
}

// RunStartup registers the initial token set once a second until the first
// successful registration, then hands the valid tokens to onValid. This
// covers cold starts while upstream is unreachable. Startup tokens skip
// deferred mode: the refresher needs them resolved before it can hydrate
// anything.
func (v *Validator) RunStartup(ctx context.Context, raw []string, onValid func([]EdgeToken)) {
	if len(raw) == 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		tokens, err := v.registerImmediate(ctx, raw)
		if err == nil {
			var valid []EdgeToken
			for _, token := range tokens {
				if token.Status == StatusValidated || token.Status == StatusTrusted {
					valid = append(valid, token)
				}
			}
			if onValid != nil {
				onValid(valid)
			}
			return
		}
		v.log.Warnf("startup token registration failed, retrying: %s", err)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (v *Validator) persist(ctx context.Context) {
	if v.sink == nil {
		return
	}
	if err := v.sink.SaveTokens(ctx, v.Known()); err != nil {
		v.log.Warnf("persisting tokens failed: %s", err)
	}
}
