package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/config"
	"github.com/roach88/meshsync/internal/ir"
)

const inlineScenario = `
name: inline
description: Inline rules and a single publish.
settings:
  languages: [en]
  permission: {default_role: anonymous, admin_role: admin}
rules:
  types:
    - {name: page, require_display: true}
  rules:
    - {type: page, field: title, value_type: string, display: true}
content:
  tenants:
    - {id: acme, display_name: Acme}
  objects:
    - id: "1.2"
      type: page
      tenant: acme
      languages: [en]
      attributes:
        en: {title: Hello}
steps:
  - enqueue:
      - {id: "1.2", action: create}
  - publish: acme
    expect: {status: ok}
  - set: {id: "1.2", attribute: title, value: Bye}
assertions:
  - {type: queue, count: 0}
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_InlineRules(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "inline.yaml", inlineScenario)

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "inline", s.Name)
	assert.Equal(t, []string{"en"}, s.Settings.Languages)
	require.Len(t, s.Rules.Rules, 1)
	assert.Equal(t, ir.ValueText, s.Rules.Rules[0].ValueType, "value types are normalized")
	require.Len(t, s.Content.Objects, 1)
	assert.Equal(t, ir.GlobalID("1.2"), s.Content.Objects[0].ID)

	require.Len(t, s.Steps, 3)
	assert.Equal(t, StepEnqueue, s.Steps[0].Kind())
	assert.Equal(t, StepPublish, s.Steps[1].Kind())
	assert.Equal(t, "ok", s.Steps[1].Expect.Status)
	assert.Equal(t, StepSet, s.Steps[2].Kind())
	assert.Equal(t, "Bye", s.Steps[2].Set.Value.Value)
}

func TestLoadScenario_RulesFileRelativeToScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "rules.cue", `
types: [{name: "page", require_segment: false}]
rules: [{type: "page", field: "title", value_type: "text", display: true}]
`)
	path := writeScenario(t, dir, "s.yaml", `
name: from-file
description: Rules come from a CUE file.
rules_file: rules.cue
steps:
  - check: acme
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)
	require.Len(t, s.Rules.Rules, 1)
	assert.Equal(t, "page.title", s.Rules.Rules[0].Locator())
	assert.True(t, s.Rules.Types[0].RequireDisplay)
	assert.False(t, s.Rules.Types[0].RequireSegment)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "s.yaml", inlineScenario+"\nflow_token: x\n")
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_BadRulesFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "s.yaml", `
name: bad
description: Rules file does not exist.
rules_file: missing.cue
steps:
  - check: acme
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	var re *config.RulesError
	assert.ErrorAs(t, err, &re)
}

func TestValidateScenario(t *testing.T) {
	rules := ir.RuleSet{Rules: []ir.MappingRule{{Type: "page", Field: "title", ValueType: "text"}}}
	version := "1.0"
	zero := 0

	tests := []struct {
		name    string
		mutate  func(s *Scenario)
		wantErr string
	}{
		{name: "valid", mutate: func(*Scenario) {}},
		{name: "no name", mutate: func(s *Scenario) { s.Name = "" }, wantErr: "name is required"},
		{name: "no description", mutate: func(s *Scenario) { s.Description = "" }, wantErr: "description is required"},
		{name: "no rules", mutate: func(s *Scenario) { s.Rules = ir.RuleSet{} }, wantErr: "rules are required"},
		{name: "no steps", mutate: func(s *Scenario) { s.Steps = nil }, wantErr: "steps list is required"},
		{
			name:    "bad value type",
			mutate:  func(s *Scenario) { s.Rules.Rules[0].ValueType = "float" },
			wantErr: "page.title",
		},
		{
			name:    "two actions",
			mutate:  func(s *Scenario) { s.Steps = []Step{{Publish: "acme", Check: "acme"}} },
			wantErr: "exactly one action",
		},
		{
			name:    "expect on set",
			mutate:  func(s *Scenario) { s.Steps = []Step{{Version: &version, Expect: &Expect{Status: "ok"}}} },
			wantErr: "version does not take expect",
		},
		{
			name:    "enqueue without id",
			mutate:  func(s *Scenario) { s.Steps = []Step{{Enqueue: []EnqueueStep{{Action: ir.ActionCreate}}}} },
			wantErr: "id is required",
		},
		{
			name:    "enqueue bad action",
			mutate:  func(s *Scenario) { s.Steps = []Step{{Enqueue: []EnqueueStep{{ID: "1.2", Action: "touch"}}}} },
			wantErr: "enqueue[0]",
		},
		{
			name:    "instant without id",
			mutate:  func(s *Scenario) { s.Steps = []Step{{Instant: &InstantStep{Tenant: "acme"}}} },
			wantErr: "instant needs tenant and id",
		},
		{
			name:    "fail without op",
			mutate:  func(s *Scenario) { s.Steps = []Step{{Fail: &FailStep{Times: 2}}} },
			wantErr: "fail needs op",
		},
		{
			name:    "queue assertion without count",
			mutate:  func(s *Scenario) { s.Assertions = []Assertion{{Type: AssertQueue}} },
			wantErr: "count is required",
		},
		{
			name:   "queue assertion with zero count",
			mutate: func(s *Scenario) { s.Assertions = []Assertion{{Type: AssertQueue, Count: &zero}} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Scenario{
				Name:        "s",
				Description: "d",
				Rules:       ir.RuleSet{Rules: append([]ir.MappingRule(nil), rules.Rules...)},
				Steps:       []Step{{Publish: "acme"}},
			}
			tt.mutate(s)
			err := validateScenario(s)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStepKind(t *testing.T) {
	version := ""
	assert.Equal(t, StepVersion, Step{Version: &version}.Kind(), "an empty version is still a version step")
	assert.Equal(t, StepRemove, Step{Remove: "1.2"}.Kind())
	assert.Equal(t, StepOffline, Step{Offline: "1.2"}.Kind())
	assert.Equal(t, "", Step{}.Kind())
	assert.Equal(t, "", Step{Remove: "1.2", Offline: "1.3"}.Kind())
}

func TestRepositoryConfig_Defaults(t *testing.T) {
	s := &Scenario{Settings: Settings{Languages: []string{"en"}, Version: "2.0"}}
	cfg := s.repositoryConfig()

	assert.True(t, cfg.ProjectPerTenant)
	assert.Equal(t, config.DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, "2.0", cfg.Version)

	shared := false
	s.Settings.ProjectPerTenant = &shared
	s.Settings.Project = "Shared"
	s.Settings.MaxAttempts = 2
	cfg = s.repositoryConfig()
	assert.False(t, cfg.ProjectPerTenant)
	assert.Equal(t, "Shared", cfg.Project)
	assert.Equal(t, 2, cfg.MaxAttempts)
}
