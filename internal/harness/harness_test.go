package harness

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/source"
)

const testContent = `
tenants:
  - {id: acme, display_name: Acme, root: "1.1"}
objects:
  - id: "1.1"
    type: folder
    tenant: acme
    languages: [en]
    attributes:
      "*": {name: root}
  - id: "1.2"
    type: page
    tenant: acme
    parent: "1.1"
    languages: [en]
    attributes:
      en: {title: Home, filename: index.html}
`

func testRules() ir.RuleSet {
	return ir.RuleSet{
		Types: []ir.TypeConfig{
			{Name: "folder", Container: true, RequireDisplay: true, RequireSegment: true},
			{Name: "page", RequireDisplay: true, RequireSegment: true},
		},
		Rules: []ir.MappingRule{
			{Type: "folder", Field: "name", ValueType: ir.ValueText, Display: true, Segment: true},
			{Type: "page", Field: "title", ValueType: ir.ValueText, Display: true},
			{Type: "page", Field: "filename", ValueType: ir.ValueText, Segment: true},
		},
	}
}

func newScenario(t *testing.T, steps ...Step) *Scenario {
	t.Helper()
	var content source.Document
	require.NoError(t, yaml.Unmarshal([]byte(testContent), &content))
	return &Scenario{
		Name:        "test",
		Description: "harness test",
		Settings: Settings{
			Languages:  []string{"en"},
			Permission: ir.PermissionConfig{DefaultRole: "anonymous", AdminRole: "admin"},
		},
		Rules:   testRules(),
		Content: content,
		Steps:   steps,
	}
}

func enqueueAll() Step {
	return Step{Enqueue: []EnqueueStep{
		{ID: "1.1", Action: ir.ActionCreate},
		{ID: "1.2", Action: ir.ActionCreate},
	}}
}

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func TestRun_PublishesAndRecordsSteps(t *testing.T) {
	s := newScenario(t,
		enqueueAll(),
		Step{Publish: "acme", Expect: &Expect{
			Status:  "ok",
			Objects: map[string]string{"1.1": "published", "1.2": "published"},
		}},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Steps, 2)

	publish := result.Steps[1]
	assert.Equal(t, StepPublish, publish.Kind)
	assert.Equal(t, "acme", publish.Tenant)
	assert.Equal(t, "ok", publish.Status)
	assert.Positive(t, publish.Writes)
	assert.Zero(t, result.Steps[0].Writes)

	assert.Contains(t, result.Snapshot, `    1.2 en parent=1.1 page@1 {"filename":"index.html","title":"Home"}`)
	assert.Contains(t, result.Snapshot, "queue empty\n")
}

func TestRun_IsDeterministic(t *testing.T) {
	steps := []Step{enqueueAll(), {Publish: "acme"}, {Check: "acme"}}

	first, err := Run(newScenario(t, steps...))
	require.NoError(t, err)
	second, err := Run(newScenario(t, steps...))
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot, second.Snapshot)
}

func TestRun_ExpectationMismatchFailsResult(t *testing.T) {
	s := newScenario(t,
		enqueueAll(),
		Step{Publish: "acme", Expect: &Expect{Status: "partial", Writes: intPtr(0)}},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "steps[1] publish: status: expected partial, got ok")
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[1], "writes: expected 0")
}

func TestRun_InstantDisabledIsAnExpectedError(t *testing.T) {
	s := newScenario(t,
		Step{Instant: &InstantStep{Tenant: "acme", ID: "1.1"}, Expect: &Expect{Error: "instant publish is disabled"}},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Steps[0].Status)
}

func TestRun_UnexpectedErrorFailsResult(t *testing.T) {
	s := newScenario(t, Step{Instant: &InstantStep{Tenant: "acme", ID: "1.1"}})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{"steps[0] instant: unexpected error: instant publish is disabled"}, result.Errors)
}

func TestRun_InstantPublishLeavesQueue(t *testing.T) {
	s := newScenario(t,
		Step{Enqueue: []EnqueueStep{{ID: "1.1", Action: ir.ActionCreate}}},
		Step{Instant: &InstantStep{Tenant: "acme", ID: "1.1"}, Expect: &Expect{
			Status:  "ok",
			Objects: map[string]string{"1.1": "published"},
		}},
	)
	s.Settings.InstantPublish = true
	s.Assertions = []Assertion{
		{Type: AssertNode, Project: "Acme", Branch: "Acme", ID: "1.1", Language: "en", Parent: "-"},
		{Type: AssertQueue, Count: intPtr(1)},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Snapshot, "queue\n  1.1 create attempts=0\n")
}

func TestRun_OfflineDeletes(t *testing.T) {
	s := newScenario(t,
		enqueueAll(),
		Step{Publish: "acme"},
		Step{Offline: "1.2"},
		Step{Enqueue: []EnqueueStep{{ID: "1.2", Action: ir.ActionModify}}},
		Step{Publish: "acme", Expect: &Expect{Objects: map[string]string{"1.2": "deleted"}}},
	)
	s.Assertions = []Assertion{
		{Type: AssertAbsent, Project: "Acme", Branch: "Acme", ID: "1.2"},
		{Type: AssertNodeCount, Project: "Acme", Branch: "Acme", Count: intPtr(1)},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_CheckAndRepairReportDrift(t *testing.T) {
	s := newScenario(t,
		Step{Check: "acme", Expect: &Expect{Drift: boolPtr(true), Writes: intPtr(0)}},
		Step{Repair: "acme", Expect: &Expect{Drift: boolPtr(true)}},
		Step{Check: "acme", Expect: &Expect{Drift: boolPtr(false)}},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Positive(t, result.Steps[1].Writes)
}

func TestRun_SetChangesPublishedContent(t *testing.T) {
	s := newScenario(t,
		enqueueAll(),
		Step{Publish: "acme"},
		Step{Set: &SetStep{ID: "1.2", Language: "en", Attribute: "title", Value: yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "Start"}}},
		Step{Enqueue: []EnqueueStep{{ID: "1.2", Action: ir.ActionModify, Attributes: []string{"title"}}}},
		Step{Publish: "acme"},
	)
	s.Assertions = []Assertion{
		{Type: AssertNode, Project: "Acme", Branch: "Acme", ID: "1.2", Language: "en",
			Parent: "1.1", Fields: map[string]any{"title": "Start"}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RestoresDefaultLogger(t *testing.T) {
	before := slog.Default()
	_, err := Run(newScenario(t, Step{Check: "acme"}))
	require.NoError(t, err)
	assert.Same(t, before, slog.Default())
}

func TestRun_StepErrorAborts(t *testing.T) {
	s := newScenario(t, Step{Offline: "9.9"})

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[0] offline")
}
