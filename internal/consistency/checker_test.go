package consistency

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/project"
	"github.com/roach88/meshsync/internal/schema"
	"github.com/roach88/meshsync/internal/source"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/target"
)

func testConfig() ir.RepositoryConfig {
	return ir.RepositoryConfig{
		ProjectPerTenant: true,
		Languages:        []string{"en"},
		Rules: ir.RuleSet{
			Types: []ir.TypeConfig{
				{Name: "folder", Container: true, RequireDisplay: true, RequireSegment: true},
				{Name: "page", RequireDisplay: true, RequireSegment: true},
				{Name: "broken", RequireDisplay: true, RequireSegment: true},
			},
			Rules: []ir.MappingRule{
				{Type: "folder", Field: "name", ValueType: ir.ValueText, Display: true, Segment: true},
				{Type: "page", Field: "title", ValueType: ir.ValueText, Display: true},
				{Type: "page", Field: "filename", ValueType: ir.ValueText, Segment: true},
				{Type: "page", Field: "body", ValueType: ir.ValueMicronodeList},
				{Type: "broken", Field: "title", ValueType: ir.ValueText},
			},
			Constructs: []ir.Construct{
				{Name: "quote", Fields: []ir.ConstructField{{Name: "text", ValueType: ir.ValueText}}},
			},
		},
	}
}

type fixture struct {
	repo  *target.Memory
	store *store.Store
	tree  *source.Fixture
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "meshsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tree := source.NewFixture()
	tree.PutTenant(ir.Tenant{ID: "acme", DisplayName: "Acme", Root: "1.1"})
	return &fixture{repo: target.NewMemory(), store: st, tree: tree}
}

func (f *fixture) checker(cfg ir.RepositoryConfig) *Checker {
	return New(cfg, f.repo, f.tree, f.store, f.store)
}

func kinds(changes []project.Change) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Kind+" "+c.Subject)
	}
	return out
}

func TestRun_CheckOnEmptyTargetWritesNothing(t *testing.T) {
	f := newFixture(t)
	rep, err := f.checker(testConfig()).Run(context.Background(), "acme", ModeCheck, false)
	require.NoError(t, err)

	assert.True(t, rep.Drift())
	assert.Equal(t, "Acme", rep.Project.Name)
	assert.Equal(t, "Acme", rep.Branch)
	assert.Equal(t, []string{
		"project.create Acme",
		"schema.assign quote",
		"schema.assign folder",
		"schema.assign page",
		"branch.create Acme",
	}, kinds(rep.Changes))
	for _, s := range rep.Schemas {
		assert.Equal(t, schema.OutcomeMissing, s.Outcome)
	}
	require.NotNil(t, rep.FailedType("broken"))
	assert.True(t, rep.FailedType("broken").HasCode(schema.ErrMissingSegment))
	assert.Zero(t, f.repo.Writes())
}

func TestRun_RepairThenCheckReportsNoDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.checker(testConfig())

	rep, err := c.Run(ctx, "acme", ModeRepair, false)
	require.NoError(t, err)
	assert.True(t, rep.Drift())
	assert.Equal(t, map[string]int{"folder": 1, "page": 1}, rep.Versions())

	branches, err := f.repo.Branches(ctx, "Acme")
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, []string{"latest"}, branches[0].Tags)
	assert.Equal(t, map[string]int{"folder": 1, "page": 1}, branches[0].Pins)

	writes := f.repo.Writes()
	rep, err = c.Run(ctx, "acme", ModeCheck, false)
	require.NoError(t, err)
	assert.False(t, rep.Drift(), "changes: %v", rep.Changes)
	assert.Equal(t, writes, f.repo.Writes())

	rep, err = c.Run(ctx, "acme", ModeRepair, false)
	require.NoError(t, err)
	assert.False(t, rep.Drift())
	assert.Equal(t, writes, f.repo.Writes())
}

func TestRun_SchemaChangeBumpsAndPinsLatestOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := testConfig()
	cfg.Version = "1.0"
	_, err := f.checker(cfg).Run(ctx, "acme", ModeRepair, false)
	require.NoError(t, err)

	cfg.Version = "2.0"
	cfg.Rules.Rules = append(cfg.Rules.Rules, ir.MappingRule{Type: "page", Field: "teaser", ValueType: ir.ValueText})
	rep, err := f.checker(cfg).Run(ctx, "acme", ModeRepair, false)
	require.NoError(t, err)
	assert.Equal(t, "Acme_2.0", rep.Branch)
	assert.Equal(t, 2, rep.Versions()["page"])

	branches, err := f.repo.Branches(ctx, "Acme")
	require.NoError(t, err)
	pins := map[string]int{}
	for _, b := range branches {
		pins[b.Name] = b.Pins["page"]
	}
	assert.Equal(t, map[string]int{"Acme_1.0": 1, "Acme_2.0": 2}, pins)
}

func TestRun_ToleratesForeignSchemas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, name := range []string{"legacy_a", "legacy_b", "legacy_c"} {
		_, err := f.repo.CreateSchema(ctx, ir.SchemaDescriptor{Name: name, Kind: ir.KindSchema})
		require.NoError(t, err)
	}
	require.NoError(t, f.repo.CreateProject(ctx, target.Project{UUID: "ffffffffffffffffffffffffffffffff", Name: "other"}))
	require.NoError(t, f.repo.AssignSchema(ctx, "other", ir.KindSchema, "legacy_a"))

	_, err := f.checker(testConfig()).Run(ctx, "acme", ModeRepair, false)
	require.NoError(t, err)

	refs, err := f.repo.ProjectSchemas(ctx, "Acme", ir.KindSchema)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
	all, err := f.repo.Schemas(ctx, ir.KindSchema)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestRun_ConfigErrorsAbort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg := testConfig()
	cfg.Version = "2"
	_, err := f.checker(cfg).Run(ctx, "acme", ModeRepair, false)
	require.NoError(t, err)

	cfg.Version = ""
	_, err = f.checker(cfg).Run(ctx, "acme", ModeRepair, false)
	assert.True(t, project.IsConfigError(err))

	_, err = f.checker(testConfig()).Run(ctx, "nobody", ModeCheck, false)
	assert.ErrorIs(t, err, source.ErrNotFound)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("repair")
	require.NoError(t, err)
	assert.Equal(t, ModeRepair, m)
	_, err = ParseMode("fix")
	assert.Error(t, err)
}
