package domain

import "sort"

// ClientFeatures is the full feature payload served to client SDKs for a
// single environment.
type ClientFeatures struct {
	Version  int        `json:"version"`
	Features []Feature  `json:"features"`
	Segments []Segment  `json:"segments,omitempty"`
	Query    *Query     `json:"query,omitempty"`
	Meta     *QueryMeta `json:"meta,omitempty"`
}

// Feature is a single feature definition.
type Feature struct {
	Name           string       `json:"name"`
	Type           string       `json:"type,omitempty"`
	Description    string       `json:"description,omitempty"`
	Project        string       `json:"project,omitempty"`
	Enabled        bool         `json:"enabled"`
	Stale          bool         `json:"stale,omitempty"`
	ImpressionData bool         `json:"impressionData,omitempty"`
	Strategies     []Strategy   `json:"strategies,omitempty"`
	Variants       []Variant    `json:"variants,omitempty"`
	Dependencies   []Dependency `json:"dependencies,omitempty"`
}

// Strategy describes one activation strategy attached to a feature.
type Strategy struct {
	Name        string            `json:"name"`
	SortOrder   int               `json:"sortOrder,omitempty"`
	Segments    []int             `json:"segments,omitempty"`
	Constraints []Constraint      `json:"constraints,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Variants    []StrategyVariant `json:"variants,omitempty"`
}

// Constraint restricts a strategy to contexts matching an operator over a
// context field.
type Constraint struct {
	ContextName     string   `json:"contextName"`
	Operator        string   `json:"operator"`
	Value           string   `json:"value,omitempty"`
	Values          []string `json:"values,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`
	Inverted        bool     `json:"inverted,omitempty"`
}

// Segment is a reusable constraint list referenced by strategies.
type Segment struct {
	ID          int          `json:"id"`
	Name        string       `json:"name,omitempty"`
	Constraints []Constraint `json:"constraints"`
}

// Variant is a weighted feature variant.
type Variant struct {
	Name       string          `json:"name"`
	Weight     int             `json:"weight"`
	WeightType string          `json:"weightType,omitempty"`
	Stickiness string          `json:"stickiness,omitempty"`
	Payload    *VariantPayload `json:"payload,omitempty"`
	Overrides  []Override      `json:"overrides,omitempty"`
}

// StrategyVariant is a variant scoped to a single strategy.
type StrategyVariant struct {
	Name       string          `json:"name"`
	Weight     int             `json:"weight"`
	Stickiness string          `json:"stickiness,omitempty"`
	Payload    *VariantPayload `json:"payload,omitempty"`
}

// VariantPayload is the typed payload delivered with a variant.
type VariantPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Override pins a variant for specific context values.
type Override struct {
	ContextName string   `json:"contextName"`
	Values      []string `json:"values"`
}

// Dependency declares a parent feature this feature depends on.
type Dependency struct {
	Feature  string   `json:"feature"`
	Enabled  *bool    `json:"enabled,omitempty"`
	Variants []string `json:"variants,omitempty"`
}

// Query records the filters a feature payload was assembled under.
type Query struct {
	Projects    []string `json:"projects,omitempty"`
	NamePrefix  string   `json:"namePrefix,omitempty"`
	Environment string   `json:"environment,omitempty"`
}

// QueryMeta carries upstream revision metadata alongside a payload.
type QueryMeta struct {
	RevisionID uint64 `json:"revisionId,omitempty"`
	ETag       string `json:"etag,omitempty"`
	QueryHash  string `json:"queryHash,omitempty"`
}

// Sort restores the canonical ordering: features by name, segments by id.
func (cf *ClientFeatures) Sort() {
	sort.SliceStable(cf.Features, func(i, j int) bool {
		return cf.Features[i].Name < cf.Features[j].Name
	})
	sort.SliceStable(cf.Segments, func(i, j int) bool {
		return cf.Segments[i].ID < cf.Segments[j].ID
	})
}

// Copy returns a deep-enough copy for concurrent readers: the slices are
// duplicated, the feature definitions themselves are treated as immutable.
func (cf *ClientFeatures) Copy() *ClientFeatures {
	if cf == nil {
		return nil
	}
	out := &ClientFeatures{
		Version:  cf.Version,
		Features: append([]Feature(nil), cf.Features...),
		Segments: append([]Segment(nil), cf.Segments...),
	}
	if cf.Query != nil {
		q := *cf.Query
		out.Query = &q
	}
	if cf.Meta != nil {
		m := *cf.Meta
		out.Meta = &m
	}
	return out
}

// FilterByProjects returns a copy containing only features belonging to the
// given project set and, optionally, matching a name prefix. A wildcard
// project keeps everything.
func (cf *ClientFeatures) FilterByProjects(projects []string, namePrefix string) *ClientFeatures {
	out := cf.Copy()
	if out == nil {
		return nil
	}
	out.Features = filterFeatures(out.Features, projects, namePrefix)
	return out
}

func filterFeatures(features []Feature, projects []string, namePrefix string) []Feature {
	kept := make([]Feature, 0, len(features))
	for _, f := range features {
		if !projectsContain(projects, f.Project) {
			continue
		}
		if namePrefix != "" && !hasPrefix(f.Name, namePrefix) {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func hasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

func projectsContain(projects []string, project string) bool {
	if len(projects) == 0 {
		return true
	}
	for _, p := range projects {
		if p == AllProjects || p == project {
			return true
		}
	}
	return false
}

// AllProjects is the wildcard project selector.
const AllProjects = "*"
