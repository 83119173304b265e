package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/meshsync/internal/config"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/source"
)

// Scenario is a scripted sequence of source changes and runs against an
// in-memory target, followed by assertions on the final target state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Settings Settings `yaml:"settings"`

	// Rules are the mapping rules, given inline or loaded from RulesFile.
	Rules ir.RuleSet `yaml:"rules,omitempty"`

	// RulesFile is a CUE rules file, relative to the scenario file.
	RulesFile string `yaml:"rules_file,omitempty"`

	// Content is the initial source tree.
	Content source.Document `yaml:"content"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Settings are the repository settings a scenario starts with.
type Settings struct {
	Languages        []string            `yaml:"languages"`
	Version          string              `yaml:"version,omitempty"`
	InstantPublish   bool                `yaml:"instant_publish,omitempty"`
	ProjectPerTenant *bool               `yaml:"project_per_tenant,omitempty"`
	Project          string              `yaml:"project,omitempty"`
	Permission       ir.PermissionConfig `yaml:"permission,omitempty"`
	MaxAttempts      int                 `yaml:"max_attempts,omitempty"`
}

// Step is one scripted action. Exactly one action field is set.
type Step struct {
	Enqueue []EnqueueStep `yaml:"enqueue,omitempty"`
	Publish string        `yaml:"publish,omitempty"`
	Instant *InstantStep  `yaml:"instant,omitempty"`
	Check   string        `yaml:"check,omitempty"`
	Repair  string        `yaml:"repair,omitempty"`
	Set     *SetStep      `yaml:"set,omitempty"`
	Remove  string        `yaml:"remove,omitempty"`
	Offline string        `yaml:"offline,omitempty"`
	Version *string       `yaml:"version,omitempty"`
	Fail    *FailStep     `yaml:"fail,omitempty"`

	// Expect validates the outcome of a publish, instant, check or repair.
	Expect *Expect `yaml:"expect,omitempty"`
}

// EnqueueStep appends a queue entry. The object type is read from the
// source tree.
type EnqueueStep struct {
	ID         ir.GlobalID `yaml:"id"`
	Action     ir.Action   `yaml:"action"`
	Attributes []string    `yaml:"attributes,omitempty"`
}

// InstantStep publishes one object synchronously.
type InstantStep struct {
	Tenant string      `yaml:"tenant"`
	ID     ir.GlobalID `yaml:"id"`
}

// SetStep changes one attribute in the source tree.
type SetStep struct {
	ID        ir.GlobalID `yaml:"id"`
	Language  string      `yaml:"language,omitempty"`
	Attribute string      `yaml:"attribute"`
	Value     yaml.Node   `yaml:"value"`
}

// FailStep makes the next Times calls of a target operation fail.
type FailStep struct {
	Op    string `yaml:"op"`
	Times int    `yaml:"times,omitempty"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	Status  string            `yaml:"status,omitempty"`
	Objects map[string]string `yaml:"objects,omitempty"`
	Writes  *int              `yaml:"writes,omitempty"`
	Drift   *bool             `yaml:"drift,omitempty"`
	Error   string            `yaml:"error,omitempty"`
}

// Step kinds.
const (
	StepEnqueue = "enqueue"
	StepPublish = "publish"
	StepInstant = "instant"
	StepCheck   = "check"
	StepRepair  = "repair"
	StepSet     = "set"
	StepRemove  = "remove"
	StepOffline = "offline"
	StepVersion = "version"
	StepFail    = "fail"
)

// Kind returns the step's action, or "" when not exactly one is set.
func (s Step) Kind() string {
	var kinds []string
	add := func(set bool, kind string) {
		if set {
			kinds = append(kinds, kind)
		}
	}
	add(len(s.Enqueue) > 0, StepEnqueue)
	add(s.Publish != "", StepPublish)
	add(s.Instant != nil, StepInstant)
	add(s.Check != "", StepCheck)
	add(s.Repair != "", StepRepair)
	add(s.Set != nil, StepSet)
	add(s.Remove != "", StepRemove)
	add(s.Offline != "", StepOffline)
	add(s.Version != nil, StepVersion)
	add(s.Fail != nil, StepFail)
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected, and a rules file is resolved relative to the scenario.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.RulesFile != "" {
		rulesPath := scenario.RulesFile
		if !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(filepath.Dir(path), rulesPath)
		}
		rules, err := config.LoadRules(rulesPath)
		if err != nil {
			return nil, err
		}
		scenario.Rules = rules
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and normalizes rule value types.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Rules.Rules) == 0 {
		return fmt.Errorf("rules are required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i := range s.Rules.Rules {
		rule := &s.Rules.Rules[i]
		vt, err := ir.ParseValueType(string(rule.ValueType))
		if err != nil {
			return fmt.Errorf("rules[%d] %s: %w", i, rule.Locator(), err)
		}
		rule.ValueType = vt
	}

	for i, step := range s.Steps {
		kind := step.Kind()
		if kind == "" {
			return fmt.Errorf("steps[%d]: exactly one action is required", i)
		}
		if step.Expect != nil {
			switch kind {
			case StepPublish, StepInstant, StepCheck, StepRepair:
			default:
				return fmt.Errorf("steps[%d]: %s does not take expect", i, kind)
			}
		}
		switch kind {
		case StepEnqueue:
			for j, e := range step.Enqueue {
				if e.ID.IsZero() {
					return fmt.Errorf("steps[%d].enqueue[%d]: id is required", i, j)
				}
				if _, err := ir.ParseAction(string(e.Action)); err != nil {
					return fmt.Errorf("steps[%d].enqueue[%d]: %w", i, j, err)
				}
			}
		case StepInstant:
			if step.Instant.Tenant == "" || step.Instant.ID.IsZero() {
				return fmt.Errorf("steps[%d]: instant needs tenant and id", i)
			}
		case StepSet:
			if step.Set.ID.IsZero() || step.Set.Attribute == "" {
				return fmt.Errorf("steps[%d]: set needs id and attribute", i)
			}
		case StepFail:
			if step.Fail.Op == "" {
				return fmt.Errorf("steps[%d]: fail needs op", i)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// repositoryConfig converts the scenario settings.
func (s *Scenario) repositoryConfig() ir.RepositoryConfig {
	perTenant := true
	if s.Settings.ProjectPerTenant != nil {
		perTenant = *s.Settings.ProjectPerTenant
	}
	attempts := s.Settings.MaxAttempts
	if attempts == 0 {
		attempts = config.DefaultMaxAttempts
	}
	return ir.RepositoryConfig{
		TargetURL:        "memory:",
		InstantPublish:   s.Settings.InstantPublish,
		ProjectPerTenant: perTenant,
		Project:          s.Settings.Project,
		Version:          s.Settings.Version,
		Languages:        s.Settings.Languages,
		Permission:       s.Settings.Permission,
		MaxAttempts:      attempts,
		Workers:          1,
		Rules:            s.Rules,
	}
}
