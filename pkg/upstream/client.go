// Package upstream is the HTTP client side of the edge: everything the
// refresher, validator and metrics sender need from the authoritative
// feature-flag service.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
	"github.com/flagstream/edge/pkg/version"
)

const (
	featuresPath  = "/api/client/features"
	deltaPath     = "/api/client/delta"
	streamingPath = "/api/client/streaming"
	validatePath  = "/edge/validate"
	metricsPath   = "/api/client/metrics/bulk"
	heartbeatPath = "/api/client/edge-licensing/heartbeat"

	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 5 * time.Second
	keepAliveTimeout      = 20 * time.Second
)

// Error kinds the refresher and sender branch on.
var (
	// ErrNotModified: upstream returned 304, the cached payload is current.
	ErrNotModified = errors.New("upstream: not modified")
	// ErrAccessDenied: upstream returned 403 for this token.
	ErrAccessDenied = errors.New("upstream: access denied")
	// ErrNotFound: upstream returned 404.
	ErrNotFound = errors.New("upstream: not found")
	// ErrTooLarge: upstream returned 413 for a metrics upload.
	ErrTooLarge = errors.New("upstream: payload too large")
	// ErrRejected: upstream returned 400 for a metrics upload.
	ErrRejected = errors.New("upstream: payload rejected")
)

// RetriableError covers 429 and 5xx responses; callers back off and retry.
type RetriableError struct {
	Status int
}

func (e *RetriableError) Error() string {
	return fmt.Sprintf("upstream: retriable status %d", e.Status)
}

// IsRetriable reports whether err warrants exponential backoff.
func IsRetriable(err error) bool {
	var retriable *RetriableError
	return errors.As(err, &retriable) || errors.Is(err, ErrNotFound)
}

// Config carries the connection parameters for the upstream client.
type Config struct {
	BaseURL        string
	TokenHeader    string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Client talks to the upstream feature-flag service.
type Client struct {
	baseURL     string
	tokenHeader string
	userAgent   string
	http        *http.Client
	streamHTTP  *http.Client
	log         *logging.Entry
}

// New builds a client with separate connect and read timeouts. The
// streaming client carries no read timeout so SSE connections can idle.
func New(cfg Config) *Client {
	if cfg.TokenHeader == "" {
		cfg.TokenHeader = "Authorization"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: keepAliveTimeout,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}
	streamTransport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		tokenHeader: cfg.TokenHeader,
		userAgent:   version.UserAgent(),
		http:        &http.Client{Transport: transport},
		streamHTTP:  &http.Client{Transport: streamTransport},
		log:         logging.WithField("component", "upstream-client"),
	}
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TokenHeader returns the header name the upstream expects tokens in.
func (c *Client) TokenHeader() string {
	return c.tokenHeader
}

// FetchFeatures gets the full feature snapshot for a token. The returned
// string is the new ETag. ErrNotModified is returned on 304.
func (c *Client) FetchFeatures(ctx context.Context, token string, etag string) (*domain.ClientFeatures, string, error) {
	var features domain.ClientFeatures
	newETag, err := c.getJSON(ctx, featuresPath, token, etag, &features)
	if err != nil {
		return nil, "", err
	}
	return &features, newETag, nil
}

// FetchDelta gets the delta events since the given ETag revision.
func (c *Client) FetchDelta(ctx context.Context, token string, etag string) (*domain.ClientFeaturesDelta, string, error) {
	var delta domain.ClientFeaturesDelta
	newETag, err := c.getJSON(ctx, deltaPath, token, etag, &delta)
	if err != nil {
		return nil, "", err
	}
	return &delta, newETag, nil
}

func (c *Client) getJSON(ctx context.Context, path, token, etag string, out interface{}) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(c.tokenHeader, token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return "", fmt.Errorf("parsing upstream response: %w", err)
	}
	return resp.Header.Get("ETag"), nil
}

// ValidateTokens posts raw tokens to the validate endpoint and returns the
// tokens upstream recognizes.
func (c *Client) ValidateTokens(ctx context.Context, raw []string) ([]tokens.EdgeToken, error) {
	payload := struct {
		Tokens []string `json:"tokens"`
	}{Tokens: raw}

	var result struct {
		Tokens []tokens.EdgeToken `json:"tokens"`
	}
	if err := c.postJSON(ctx, validatePath, "", payload, &result); err != nil {
		return nil, err
	}
	return result.Tokens, nil
}

// SendMetrics posts one metrics batch to the bulk endpoint.
func (c *Client) SendMetrics(ctx context.Context, token string, batch domain.MetricsBatch) error {
	return c.postJSON(ctx, metricsPath, token, batch, nil)
}

// SendHeartbeat posts a license heartbeat; only called in enterprise mode.
func (c *Client) SendHeartbeat(ctx context.Context, token string) error {
	return c.postJSON(ctx, heartbeatPath, token, struct{}{}, nil)
}

func (c *Client) postJSON(ctx context.Context, path, token string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set(c.tokenHeader, token)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotModified:
		return ErrNotModified
	case status == http.StatusBadRequest:
		return ErrRejected
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return ErrAccessDenied
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case status == http.StatusTooManyRequests || status >= 500:
		return &RetriableError{Status: status}
	default:
		return fmt.Errorf("upstream: unexpected status %d", status)
	}
}
