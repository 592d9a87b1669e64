package domain

// Context is the evaluation context a frontend SDK supplies.
type Context struct {
	UserID        string            `json:"userId,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	RemoteAddress string            `json:"remoteAddress,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	AppName       string            `json:"appName,omitempty"`
	CurrentTime   string            `json:"currentTime,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// EvaluatedToggle is one resolved flag for a frontend response.
type EvaluatedToggle struct {
	Name           string           `json:"name"`
	Enabled        bool             `json:"enabled"`
	Variant        EvaluatedVariant `json:"variant"`
	ImpressionData bool             `json:"impressionData"`
}

// EvaluatedVariant is the resolved variant for an evaluated toggle.
type EvaluatedVariant struct {
	Name           string          `json:"name"`
	Enabled        bool            `json:"enabled"`
	FeatureEnabled bool            `json:"feature_enabled"`
	Payload        *VariantPayload `json:"payload,omitempty"`
}

// FrontendResult is the body served from /api/frontend and /api/proxy.
type FrontendResult struct {
	Toggles []EvaluatedToggle `json:"toggles"`
}
