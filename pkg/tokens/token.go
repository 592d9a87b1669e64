package tokens

import (
	"errors"
	"strings"
)

// Type classifies what a token is allowed to do.
type Type string

const (
	TypeClient   Type = "client"
	TypeFrontend Type = "frontend"
	TypeAdmin    Type = "admin"
	TypeInvalid  Type = "invalid"
	TypeUnknown  Type = "unknown"
)

// Status tracks how far a token has been checked against upstream.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusValidated Status = "validated"
	StatusInvalid   Status = "invalid"
	// StatusTrusted marks tokens configured locally; upstream validation is
	// bypassed for them.
	StatusTrusted Status = "trusted"
)

// ErrInvalidToken is returned when a raw token string does not have the
// <projects>:<environment>.<secret> shape.
var ErrInvalidToken = errors.New("tokens: invalid token format")

const wildcardProjects = "*"

// EdgeToken is a parsed API key plus its validation state. Two tokens are
// equal iff their raw Token strings are equal.
type EdgeToken struct {
	Token       string   `json:"token"`
	Environment string   `json:"environment,omitempty"`
	Projects    []string `json:"projects"`
	Type        Type     `json:"type"`
	Status      Status   `json:"status"`
}

// Parse splits a raw API key of the form <project-spec>:<environment>.<secret>.
// The project spec is a single project name, "*" for all projects, or "[]"
// for a multi-project token whose project list arrives from the validator.
func Parse(raw string) (EdgeToken, error) {
	trimmed := strings.TrimSpace(raw)
	colon := strings.Index(trimmed, ":")
	if colon < 0 {
		return EdgeToken{}, ErrInvalidToken
	}
	projectSpec := strings.TrimSpace(trimmed[:colon])
	rest := trimmed[colon+1:]
	dot := strings.Index(rest, ".")
	if dot < 0 {
		return EdgeToken{}, ErrInvalidToken
	}
	environment := strings.TrimSpace(rest[:dot])

	var projects []string
	switch projectSpec {
	case "[]":
		projects = []string{}
	default:
		projects = []string{projectSpec}
	}

	return EdgeToken{
		Token:       trimmed,
		Environment: environment,
		Projects:    projects,
		Type:        TypeUnknown,
		Status:      StatusUnknown,
	}, nil
}

// Trusted builds a pre-trusted frontend token from a configured string.
// Besides regular tokens it accepts the legacy "<secret>@<environment>"
// form.
func Trusted(raw string) EdgeToken {
	if t, err := Parse(raw); err == nil {
		t.Type = TypeFrontend
		t.Status = StatusTrusted
		return t
	}
	trimmed := strings.TrimSpace(raw)
	token := EdgeToken{
		Token:    trimmed,
		Projects: []string{wildcardProjects},
		Type:     TypeFrontend,
		Status:   StatusTrusted,
	}
	if at := strings.LastIndex(trimmed, "@"); at > 0 && at < len(trimmed)-1 {
		token.Environment = trimmed[at+1:]
	}
	return token
}

// CacheKey is the key the per-environment caches are stored under: the
// environment when the token has one, the raw token otherwise.
func (t EdgeToken) CacheKey() string {
	if t.Environment != "" {
		return t.Environment
	}
	return t.Token
}

// HasWildcard reports whether the token grants access to all projects.
func (t EdgeToken) HasWildcard() bool {
	for _, p := range t.Projects {
		if p == wildcardProjects {
			return true
		}
	}
	return false
}

// AllowsProject reports whether the token's scope covers a project.
func (t EdgeToken) AllowsProject(project string) bool {
	for _, p := range t.Projects {
		if p == wildcardProjects || p == project {
			return true
		}
	}
	return false
}

// Subsumes reports whether t covers other: same type, same environment, and
// t's project set is a superset of other's (wildcard covers everything).
func (t EdgeToken) Subsumes(other EdgeToken) bool {
	if t.Type != other.Type || t.Environment != other.Environment {
		return false
	}
	if t.HasWildcard() {
		return true
	}
	if other.HasWildcard() {
		return false
	}
	for _, p := range other.Projects {
		if !t.AllowsProject(p) {
			return false
		}
	}
	return true
}

// Anonymize keeps environment and projects but masks the secret so the
// token can appear on diagnostic surfaces.
func (t EdgeToken) Anonymize() EdgeToken {
	out := t
	out.Token = maskSecret(t.Token)
	return out
}

func maskSecret(raw string) string {
	dot := strings.Index(raw, ".")
	prefix := ""
	secret := raw
	if dot >= 0 {
		prefix = raw[:dot+1]
		secret = raw[dot+1:]
	}
	if len(secret) <= 12 {
		return prefix + "****"
	}
	return prefix + secret[:6] + "****" + secret[len(secret)-6:]
}

// Simplify reduces a token set to the minimal subset such that every input
// token is subsumed by some member, and no member subsumes another.
func Simplify(tokens []EdgeToken) []EdgeToken {
	out := make([]EdgeToken, 0, len(tokens))
	for i, candidate := range tokens {
		covered := false
		for j, other := range tokens {
			if i == j {
				continue
			}
			if !other.Subsumes(candidate) {
				continue
			}
			// Mutual subsumption (identical scope): keep the first one only.
			if candidate.Subsumes(other) && i < j {
				continue
			}
			covered = true
			break
		}
		if !covered {
			out = append(out, candidate)
		}
	}
	return out
}
