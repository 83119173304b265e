package ir

// MappingRule (a tagmap entry) maps one source attribute onto one field of
// one target schema.
type MappingRule struct {
	Type        string         `json:"type" yaml:"type"`
	Field       string         `json:"field" yaml:"field"`
	Attribute   string         `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	ValueType   ValueType      `json:"value_type" yaml:"value_type"`
	Multivalue  bool           `json:"multivalue,omitempty" yaml:"multivalue,omitempty"`
	Display     bool           `json:"display,omitempty" yaml:"display,omitempty"`
	Segment     bool           `json:"segment,omitempty" yaml:"segment,omitempty"`
	URLField    bool           `json:"url_field,omitempty" yaml:"url_field,omitempty"`
	// External lets a reference field hold URLs outside the content tree.
	// Such a field is stored as text: internal targets as their UUID.
	External    bool           `json:"external,omitempty" yaml:"external,omitempty"`
	Filter      string         `json:"filter,omitempty" yaml:"filter,omitempty"`
	SearchIndex map[string]any `json:"search_index,omitempty" yaml:"search_index,omitempty"`
}

// SourceAttribute is the attribute name to resolve, defaulting to the
// field name.
func (r MappingRule) SourceAttribute() string {
	if r.Attribute != "" {
		return r.Attribute
	}
	return r.Field
}

// Locator identifies the rule in diagnostics as "type.field".
func (r MappingRule) Locator() string {
	return r.Type + "." + r.Field
}

// TypeConfig declares a target type and its structural requirements.
type TypeConfig struct {
	Name           string `json:"name" yaml:"name"`
	Container      bool   `json:"container,omitempty" yaml:"container,omitempty"`
	RequireDisplay bool   `json:"require_display" yaml:"require_display"`
	RequireSegment bool   `json:"require_segment" yaml:"require_segment"`
}

// Construct is an embeddable building block that becomes one microschema.
type Construct struct {
	Name   string           `json:"name" yaml:"name"`
	Fields []ConstructField `json:"fields" yaml:"fields"`
}

// ConstructField is one field of a construct. Nested micronodes are not
// allowed inside a construct.
type ConstructField struct {
	Name      string    `json:"name" yaml:"name"`
	ValueType ValueType `json:"value_type" yaml:"value_type"`
}

// RuleSet is the complete tagmap of a repository configuration.
type RuleSet struct {
	Types      []TypeConfig  `json:"types" yaml:"types"`
	Rules      []MappingRule `json:"rules" yaml:"rules"`
	Constructs []Construct   `json:"constructs,omitempty" yaml:"constructs,omitempty"`
}

// RulesFor returns the rules of one type in declaration order.
func (rs RuleSet) RulesFor(typeName string) []MappingRule {
	var out []MappingRule
	for _, r := range rs.Rules {
		if r.Type == typeName {
			out = append(out, r)
		}
	}
	return out
}

// TypeConfig looks up the declaration of a type.
func (rs RuleSet) TypeConfig(name string) (TypeConfig, bool) {
	for _, t := range rs.Types {
		if t.Name == name {
			return t, true
		}
	}
	return TypeConfig{}, false
}

// ConstructNames returns all construct names in declaration order. This is
// the default candidate set of every micronode field.
func (rs RuleSet) ConstructNames() []string {
	names := make([]string, 0, len(rs.Constructs))
	for _, c := range rs.Constructs {
		names = append(names, c.Name)
	}
	return names
}

// PermissionConfig selects the roles granted on replicated content.
type PermissionConfig struct {
	// Property is either "attr:<name>" naming a list attribute, or a
	// computed expression evaluated by the source tree.
	Property    string `json:"property" yaml:"property"`
	DefaultRole string `json:"default_role" yaml:"default_role"`
	AdminRole   string `json:"admin_role" yaml:"admin_role"`
}

// TenantConfig overrides per-tenant project naming.
type TenantConfig struct {
	ID      string `json:"id" yaml:"id"`
	Project string `json:"project,omitempty" yaml:"project,omitempty"`
}

// RepositoryConfig is the runtime configuration of one target repository.
type RepositoryConfig struct {
	TargetURL        string           `json:"target_url"`
	Username         string           `json:"username,omitempty"`
	Password         string           `json:"-"`
	InstantPublish   bool             `json:"instant_publish"`
	ProjectPerTenant bool             `json:"project_per_tenant"`
	Project          string           `json:"project,omitempty"`
	Version          string           `json:"version,omitempty"`
	Languages        []string         `json:"languages"`
	Permission       PermissionConfig `json:"permission"`
	Elasticsearch    map[string]any   `json:"elasticsearch,omitempty"`
	Tenants          []TenantConfig   `json:"tenants,omitempty"`
	MaxAttempts      int              `json:"max_attempts"`
	Workers          int              `json:"workers"`
	Rules            RuleSet          `json:"rules"`
}

// TenantOverride returns the configured project name override for a
// tenant, if any.
func (c RepositoryConfig) TenantOverride(tenantID string) string {
	for _, t := range c.Tenants {
		if t.ID == tenantID {
			return t.Project
		}
	}
	return ""
}
