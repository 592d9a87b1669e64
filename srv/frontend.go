package srv

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/flagstream/edge/pkg/domain"
	"github.com/flagstream/edge/pkg/tokens"
)

// Resolver evaluates a feature payload against a request context. The
// built-in resolver covers the common strategies; deployments embedding
// the edge can plug in a full engine.
type Resolver interface {
	Evaluate(features *domain.ClientFeatures, ctx domain.Context) []domain.EvaluatedToggle
}

func (h *handler) handleFrontend(w http.ResponseWriter, req *http.Request, p httprouter.Params) {
	h.serveFrontend(w, req, false)
}

func (h *handler) handleFrontendAll(w http.ResponseWriter, req *http.Request, p httprouter.Params) {
	h.serveFrontend(w, req, true)
}

func (h *handler) serveFrontend(w http.ResponseWriter, req *http.Request, includeDisabled bool) {
	token := h.authorize(w, req, tokens.TypeFrontend)
	if token == nil {
		return
	}

	snapshot := h.features.Get(token.CacheKey())
	if snapshot == nil {
		renderJsonError(w, errors.New("environment not hydrated yet"), http.StatusServiceUnavailable)
		return
	}
	filtered := snapshot.FilterByProjects(token.Projects, "")

	ctx, err := contextFromRequest(req)
	if err != nil {
		renderJsonError(w, err, http.StatusBadRequest)
		return
	}

	toggles := h.resolver.Evaluate(filtered, ctx)
	if !includeDisabled {
		enabled := make([]domain.EvaluatedToggle, 0, len(toggles))
		for _, toggle := range toggles {
			if toggle.Enabled {
				enabled = append(enabled, toggle)
			}
		}
		toggles = enabled
	}
	renderJson(w, domain.FrontendResult{Toggles: toggles})
}

func contextFromRequest(req *http.Request) (domain.Context, error) {
	if req.Method == http.MethodPost {
		var body struct {
			Context domain.Context `json:"context"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return domain.Context{}, err
		}
		return body.Context, nil
	}

	query := req.URL.Query()
	ctx := domain.Context{
		UserID:        query.Get("userId"),
		SessionID:     query.Get("sessionId"),
		RemoteAddress: query.Get("remoteAddress"),
		Environment:   query.Get("environment"),
		AppName:       query.Get("appName"),
		CurrentTime:   query.Get("currentTime"),
	}
	for key, values := range query {
		if name, ok := strings.CutPrefix(key, "properties["); ok && strings.HasSuffix(name, "]") && len(values) > 0 {
			if ctx.Properties == nil {
				ctx.Properties = map[string]string{}
			}
			ctx.Properties[strings.TrimSuffix(name, "]")] = values[0]
		}
	}
	return ctx, nil
}

// builtinResolver is the default evaluation engine.
type builtinResolver struct{}

func (builtinResolver) Evaluate(features *domain.ClientFeatures, ctx domain.Context) []domain.EvaluatedToggle {
	segments := make(map[int]domain.Segment, len(features.Segments))
	for _, segment := range features.Segments {
		segments[segment.ID] = segment
	}

	toggles := make([]domain.EvaluatedToggle, 0, len(features.Features))
	for _, feature := range features.Features {
		enabled := evaluateFeature(feature, ctx, segments)
		toggles = append(toggles, domain.EvaluatedToggle{
			Name:           feature.Name,
			Enabled:        enabled,
			Variant:        selectVariant(feature, ctx, enabled),
			ImpressionData: feature.ImpressionData,
		})
	}
	return toggles
}

func evaluateFeature(feature domain.Feature, ctx domain.Context, segments map[int]domain.Segment) bool {
	if !feature.Enabled {
		return false
	}
	if len(feature.Strategies) == 0 {
		return true
	}
	for _, strategy := range feature.Strategies {
		if evaluateStrategy(feature.Name, strategy, ctx, segments) {
			return true
		}
	}
	return false
}

func evaluateStrategy(featureName string, strategy domain.Strategy, ctx domain.Context, segments map[int]domain.Segment) bool {
	for _, id := range strategy.Segments {
		segment, ok := segments[id]
		if !ok {
			// A referenced but missing segment fails closed.
			return false
		}
		for _, constraint := range segment.Constraints {
			if !evaluateConstraint(constraint, ctx) {
				return false
			}
		}
	}
	for _, constraint := range strategy.Constraints {
		if !evaluateConstraint(constraint, ctx) {
			return false
		}
	}

	switch strategy.Name {
	case "default":
		return true
	case "userWithId":
		return listContains(strategy.Parameters["userIds"], ctx.UserID)
	case "remoteAddress":
		return listContains(strategy.Parameters["IPs"], ctx.RemoteAddress)
	case "applicationHostname":
		return listContains(strategy.Parameters["hostNames"], ctx.AppName)
	case "flexibleRollout":
		rollout, err := strconv.Atoi(strategy.Parameters["rollout"])
		if err != nil {
			return false
		}
		identifier := stickinessValue(strategy.Parameters["stickiness"], ctx)
		if identifier == "" {
			return false
		}
		group := strategy.Parameters["groupId"]
		if group == "" {
			group = featureName
		}
		return normalizedHash(group, identifier) <= rollout
	case "gradualRolloutUserId":
		if ctx.UserID == "" {
			return false
		}
		percentage, err := strconv.Atoi(strategy.Parameters["percentage"])
		if err != nil {
			return false
		}
		return normalizedHash(strategy.Parameters["groupId"], ctx.UserID) <= percentage
	default:
		return false
	}
}

func evaluateConstraint(constraint domain.Constraint, ctx domain.Context) bool {
	value := contextField(ctx, constraint.ContextName)
	result := constraintMatches(constraint, value)
	if constraint.Inverted {
		return !result
	}
	return result
}

func constraintMatches(constraint domain.Constraint, value string) bool {
	values := constraint.Values
	if constraint.CaseInsensitive {
		value = strings.ToLower(value)
		lowered := make([]string, len(values))
		for i, v := range values {
			lowered[i] = strings.ToLower(v)
		}
		values = lowered
	}
	switch constraint.Operator {
	case "IN":
		for _, v := range values {
			if v == value {
				return true
			}
		}
		return false
	case "NOT_IN":
		for _, v := range values {
			if v == value {
				return false
			}
		}
		return true
	case "STR_STARTS_WITH":
		for _, v := range values {
			if strings.HasPrefix(value, v) {
				return true
			}
		}
		return false
	case "STR_ENDS_WITH":
		for _, v := range values {
			if strings.HasSuffix(value, v) {
				return true
			}
		}
		return false
	case "STR_CONTAINS":
		for _, v := range values {
			if strings.Contains(value, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func contextField(ctx domain.Context, name string) string {
	switch name {
	case "userId":
		return ctx.UserID
	case "sessionId":
		return ctx.SessionID
	case "remoteAddress":
		return ctx.RemoteAddress
	case "environment":
		return ctx.Environment
	case "appName":
		return ctx.AppName
	case "currentTime":
		return ctx.CurrentTime
	default:
		return ctx.Properties[name]
	}
}

func selectVariant(feature domain.Feature, ctx domain.Context, enabled bool) domain.EvaluatedVariant {
	disabled := domain.EvaluatedVariant{Name: "disabled", Enabled: false, FeatureEnabled: enabled}
	if !enabled || len(feature.Variants) == 0 {
		return disabled
	}

	for _, variant := range feature.Variants {
		for _, override := range variant.Overrides {
			if contains(override.Values, contextField(ctx, override.ContextName)) {
				return domain.EvaluatedVariant{Name: variant.Name, Enabled: true, FeatureEnabled: true, Payload: variant.Payload}
			}
		}
	}

	total := 0
	for _, variant := range feature.Variants {
		total += variant.Weight
	}
	if total == 0 {
		return disabled
	}
	identifier := stickinessValue(feature.Variants[0].Stickiness, ctx)
	if identifier == "" {
		identifier = ctx.SessionID
	}
	if identifier == "" {
		identifier = feature.Name
	}
	target := hash32(feature.Name+":"+identifier)%uint32(total) + 1
	cumulative := uint32(0)
	for _, variant := range feature.Variants {
		cumulative += uint32(variant.Weight)
		if target <= cumulative {
			return domain.EvaluatedVariant{Name: variant.Name, Enabled: true, FeatureEnabled: true, Payload: variant.Payload}
		}
	}
	return disabled
}

func stickinessValue(stickiness string, ctx domain.Context) string {
	switch stickiness {
	case "userId":
		return ctx.UserID
	case "sessionId":
		return ctx.SessionID
	case "", "default":
		if ctx.UserID != "" {
			return ctx.UserID
		}
		if ctx.SessionID != "" {
			return ctx.SessionID
		}
		return ctx.RemoteAddress
	default:
		return ctx.Properties[stickiness]
	}
}

func listContains(commaSeparated, value string) bool {
	if value == "" {
		return false
	}
	for _, item := range strings.Split(commaSeparated, ",") {
		if strings.TrimSpace(item) == value {
			return true
		}
	}
	return false
}

func contains(values []string, value string) bool {
	if value == "" {
		return false
	}
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// normalizedHash buckets an identifier into 1..100 for percentage rollouts.
func normalizedHash(group, identifier string) int {
	return int(hash32(group+":"+identifier)%100) + 1
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
