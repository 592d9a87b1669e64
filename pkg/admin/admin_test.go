package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
)

type fakeState struct {
	environments []string
	features     map[string]domain.ClientFeatures
	tokens       []tokens.EdgeToken
	metrics      domain.MetricsBatch
	streaming    int
}

func (s fakeState) Environments() []string                            { return s.environments }
func (s fakeState) FeatureSnapshots() map[string]domain.ClientFeatures { return s.features }
func (s fakeState) KnownTokens() []tokens.EdgeToken                   { return s.tokens }
func (s fakeState) MetricsSnapshot() domain.MetricsBatch              { return s.metrics }
func (s fakeState) StreamingClients() int                             { return s.streaming }

func get(t *testing.T, state State, path string) *httptest.ResponseRecorder {
	t.Helper()
	h := &handler{state: state, info: Info{AppName: "flagstream-edge", InstanceID: "i1", Version: "dev", Started: time.Now()}}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAlwaysOK(t *testing.T) {
	rec := get(t, fakeState{}, "/internal-backstage/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyRequiresTokenAndHydratedEnvironment(t *testing.T) {
	validated := tokens.EdgeToken{
		Token:       "default:development.secret",
		Environment: "development",
		Type:        tokens.TypeClient,
		Status:      tokens.StatusValidated,
	}
	frontend := validated
	frontend.Type = tokens.TypeFrontend
	frontend.Status = tokens.StatusTrusted

	for _, tt := range []struct {
		name  string
		state fakeState
		code  int
	}{
		{"cold start", fakeState{}, http.StatusServiceUnavailable},
		{"features restored but no usable token", fakeState{environments: []string{"development"}}, http.StatusServiceUnavailable},
		{"token validated but environment not hydrated", fakeState{tokens: []tokens.EdgeToken{validated}}, http.StatusServiceUnavailable},
		{"token for a different environment", fakeState{environments: []string{"production"}, tokens: []tokens.EdgeToken{validated}}, http.StatusServiceUnavailable},
		{"frontend token alone does not count", fakeState{environments: []string{"development"}, tokens: []tokens.EdgeToken{frontend}}, http.StatusServiceUnavailable},
		{"validated token with hydrated environment", fakeState{environments: []string{"development"}, tokens: []tokens.EdgeToken{validated}}, http.StatusOK},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, tt.state, "/internal-backstage/ready")
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}
		})
	}
}

func TestTokensAreAnonymized(t *testing.T) {
	secret := "default:development.0123456789abcdef0123456789abcdef"
	state := fakeState{tokens: []tokens.EdgeToken{{
		Token:       secret,
		Environment: "development",
		Type:        tokens.TypeClient,
		Status:      tokens.StatusValidated,
	}}}

	rec := get(t, state, "/internal-backstage/tokens")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, secret) {
		t.Error("raw token secret leaked into backstage response")
	}
	if !strings.Contains(body, "****") {
		t.Errorf("expected masked token in response, got %s", body)
	}
}

func TestInstanceDataShape(t *testing.T) {
	rec := get(t, fakeState{streaming: 3}, "/internal-backstage/instancedata")
	var data domain.EdgeInstanceData
	if err := json.Unmarshal(rec.Body.Bytes(), &data); err != nil {
		t.Fatal(err)
	}
	if data.AppName != "flagstream-edge" || data.ConnectedStreaming != 3 {
		t.Errorf("unexpected instance data %+v", data)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	rec := get(t, fakeState{}, "/internal-backstage/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
