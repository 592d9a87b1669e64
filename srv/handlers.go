package srv

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
)

type (
	handler struct {
		tokenHeader string
		appName     string
		instanceID  string

		validator   validator
		refresher   refresher
		features    featureStore
		deltas      deltaStore
		broadcaster broadcaster
		metrics     metricsSink
		resolver    Resolver
	}

	jsonError struct {
		Error string `json:"error"`
	}
)

func renderJsonError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	log.Debug(err.Error())
	rsp, _ := json.Marshal(jsonError{Error: err.Error()})
	w.WriteHeader(status)
	w.Write(rsp)
}

func renderJson(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	jsonResp, err := json.Marshal(resp)
	if err != nil {
		renderJsonError(w, err, http.StatusInternalServerError)
		return
	}
	w.Write(jsonResp)
}

// authorize resolves the request's token, registering it on first sight,
// and rejects tokens whose type is not in the accepted set. A nil return
// means the response has already been written.
func (h *handler) authorize(w http.ResponseWriter, req *http.Request, accepted ...tokens.Type) *tokens.EdgeToken {
	raw := strings.TrimSpace(req.Header.Get(h.tokenHeader))
	if raw == "" {
		renderJsonError(w, errors.New("missing authorization token"), http.StatusUnauthorized)
		return nil
	}

	token, ok := h.validator.Get(raw)
	if !ok || token.Type == tokens.TypeUnknown {
		registered, err := h.validator.Register(req.Context(), []string{raw})
		if err != nil {
			renderJsonError(w, errors.New("upstream unavailable for token validation"), http.StatusServiceUnavailable)
			return nil
		}
		for _, t := range registered {
			if t.Token == raw {
				token = t
			}
		}
	}

	switch token.Status {
	case tokens.StatusValidated, tokens.StatusTrusted:
	default:
		renderJsonError(w, errors.New("token is not valid"), http.StatusForbidden)
		return nil
	}
	typeOK := false
	for _, want := range accepted {
		if token.Type == want {
			typeOK = true
			break
		}
	}
	if !typeOK {
		renderJsonError(w, fmt.Errorf("endpoint does not accept %s tokens", token.Type), http.StatusForbidden)
		return nil
	}
	if token.Type == tokens.TypeClient {
		// First sight of a valid client token schedules its environment.
		h.refresher.RegisterToken(req.Context(), token)
	}
	return &token
}

func (h *handler) handleClientFeatures(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	token := h.authorize(w, req, tokens.TypeClient)
	if token == nil {
		return
	}

	snapshot := h.features.Get(token.CacheKey())
	if snapshot == nil {
		renderJsonError(w, errors.New("environment not hydrated yet"), http.StatusServiceUnavailable)
		return
	}
	filtered := snapshot.FilterByProjects(token.Projects, req.FormValue("namePrefix"))

	etag := fmt.Sprintf("%q", fmt.Sprintf("%s:%d", token.CacheKey(), filtered.Version))
	if match := req.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	renderJson(w, filtered)
}

func (h *handler) handleClientDelta(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	token := h.authorize(w, req, tokens.TypeClient)
	if token == nil {
		return
	}

	dc := h.deltas.Get(token.CacheKey())
	if dc == nil {
		renderJsonError(w, errors.New("environment not hydrated yet"), http.StatusServiceUnavailable)
		return
	}

	since := parseRevision(req.Header.Get("If-None-Match"))
	current := dc.Revision()
	if since != 0 && since == current {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var events []domain.DeltaEvent
	if since != 0 {
		if resumed, ok := dc.EventsSince(since); ok {
			events = resumed
		}
	}
	if events == nil {
		events = []domain.DeltaEvent{dc.Hydration()}
	}

	w.Header().Set("ETag", fmt.Sprintf("%q", strconv.FormatUint(current, 10)))
	renderJson(w, domain.ClientFeaturesDelta{Events: events})
}

// parseRevision reads a revision id out of an If-None-Match or
// Last-Event-ID value, tolerating ETag quoting. Zero means no revision.
func parseRevision(value string) uint64 {
	value = strings.Trim(strings.TrimSpace(value), `"`)
	if value == "" {
		return 0
	}
	revision, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return revision
}

func (h *handler) handleRegister(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	token := h.authorizeAny(w, req)
	if token == nil {
		return
	}
	var app domain.ClientApplication
	if err := json.NewDecoder(req.Body).Decode(&app); err != nil {
		renderJsonError(w, err, http.StatusBadRequest)
		return
	}
	h.acceptApplication(*token, app)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) acceptApplication(token tokens.EdgeToken, app domain.ClientApplication) {
	app.Environment = token.CacheKey()
	app.ConnectVia = append(app.ConnectVia, domain.ConnectVia{AppName: h.appName, InstanceID: h.instanceID})
	h.metrics.RegisterApplication(app)
}

func (h *handler) handleClientMetrics(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	token := h.authorizeAny(w, req)
	if token == nil {
		return
	}
	var m domain.ClientMetrics
	if err := json.NewDecoder(req.Body).Decode(&m); err != nil {
		renderJsonError(w, err, http.StatusBadRequest)
		return
	}
	h.metrics.SinkBucket(token.CacheKey(), m)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) handleBulkMetrics(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	token := h.authorize(w, req, tokens.TypeClient)
	if token == nil {
		return
	}
	var bulk domain.BulkMetrics
	if err := json.NewDecoder(req.Body).Decode(&bulk); err != nil {
		renderJsonError(w, err, http.StatusBadRequest)
		return
	}

	environment := token.CacheKey()
	appName := "unknown"
	for _, app := range bulk.Applications {
		appName = app.AppName
		h.acceptApplication(*token, app)
	}
	for i := range bulk.Metrics {
		// The token, not the sender, decides the environment.
		bulk.Metrics[i].Environment = environment
		if bulk.Metrics[i].AppName != "" {
			appName = bulk.Metrics[i].AppName
		}
	}
	h.metrics.SinkMetrics(bulk.Metrics)
	if len(bulk.ImpactMetrics) > 0 {
		h.metrics.SinkImpact(appName, environment, bulk.ImpactMetrics)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) handleEdgeMetrics(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	token := h.authorize(w, req, tokens.TypeClient)
	if token == nil {
		return
	}
	var instance domain.EdgeInstanceData
	if err := json.NewDecoder(req.Body).Decode(&instance); err != nil {
		renderJsonError(w, err, http.StatusBadRequest)
		return
	}
	log.Debugf("downstream edge %s/%s reported in with %d streaming clients",
		instance.AppName, instance.InstanceID, instance.ConnectedStreaming)
	w.WriteHeader(http.StatusAccepted)
}

// authorizeAny accepts client or frontend tokens; registration and metrics
// ingestion serve both SDK families.
func (h *handler) authorizeAny(w http.ResponseWriter, req *http.Request) *tokens.EdgeToken {
	return h.authorize(w, req, tokens.TypeClient, tokens.TypeFrontend)
}
