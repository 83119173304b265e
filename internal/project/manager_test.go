package project

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/target"
)

type copyLog struct {
	copies [][3]string
}

func (c *copyLog) CopyPublished(_ context.Context, project, from, to string) error {
	c.copies = append(c.copies, [3]string{project, from, to})
	return nil
}

func TestResolve(t *testing.T) {
	tenant := ir.Tenant{ID: "acme", DisplayName: "ACME Corp"}

	plan, err := Resolve(tenant, ir.RepositoryConfig{ProjectPerTenant: true, Version: "1.0"})
	require.NoError(t, err)
	assert.Equal(t, "ACME-Corp", plan.Project)
	assert.Len(t, plan.UUID, 32)
	assert.Equal(t, "1.0", plan.Version)

	renamed, err := Resolve(ir.Tenant{ID: "acme", DisplayName: "Acme Group"}, ir.RepositoryConfig{ProjectPerTenant: true})
	require.NoError(t, err)
	assert.Equal(t, plan.UUID, renamed.UUID, "identity survives a display name change")
	assert.NotEqual(t, plan.Project, renamed.Project)

	override, err := Resolve(tenant, ir.RepositoryConfig{ProjectPerTenant: true,
		Tenants: []ir.TenantConfig{{ID: "acme", Project: "acme-site"}}})
	require.NoError(t, err)
	assert.Equal(t, "acme-site", override.Project)

	shared, err := Resolve(tenant, ir.RepositoryConfig{Project: "portal"})
	require.NoError(t, err)
	other, err := Resolve(ir.Tenant{ID: "globex", DisplayName: "Globex"}, ir.RepositoryConfig{Project: "portal"})
	require.NoError(t, err)
	assert.Equal(t, shared, Plan{Tenant: "acme", Project: "portal", UUID: other.UUID})

	_, err = Resolve(tenant, ir.RepositoryConfig{})
	assert.True(t, IsConfigError(err))
}

func TestEnsureProject_CreateAndRename(t *testing.T) {
	ctx := context.Background()
	repo := target.NewMemory()
	m := NewManager(repo, nil)
	plan := Plan{Tenant: "acme", Project: "acme", UUID: "0123456789abcdef0123456789abcdef"}

	p, changes, err := m.EnsureProject(ctx, plan, true)
	require.NoError(t, err)
	assert.Equal(t, "acme", p.Name)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeCreateProject, changes[0].Kind)
	assert.Zero(t, repo.Writes(), "dry run writes nothing")

	_, _, err = m.EnsureProject(ctx, plan, false)
	require.NoError(t, err)
	_, changes, err = m.EnsureProject(ctx, plan, false)
	require.NoError(t, err)
	assert.Empty(t, changes)

	plan.Project = "acme-group"
	p, changes, err = m.EnsureProject(ctx, plan, false)
	require.NoError(t, err)
	assert.Equal(t, target.Project{UUID: plan.UUID, Name: "acme-group"}, p)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeRenameProject, changes[0].Kind)

	projects, err := repo.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []target.Project{p}, projects)
}

func TestEnsureProject_NameTakenByOtherUUID(t *testing.T) {
	ctx := context.Background()
	repo := target.NewMemory()
	require.NoError(t, repo.CreateProject(ctx, target.Project{UUID: "ffffffffffffffffffffffffffffffff", Name: "acme"}))

	_, _, err := NewManager(repo, nil).EnsureProject(ctx, Plan{Project: "acme", UUID: "0123456789abcdef0123456789abcdef"}, false)
	assert.True(t, IsConfigError(err))
}

func branchState(t *testing.T, repo *target.Memory, project string) map[string][]string {
	t.Helper()
	branches, err := repo.Branches(context.Background(), project)
	require.NoError(t, err)
	out := make(map[string][]string, len(branches))
	for _, b := range branches {
		out[b.Name] = b.Tags
	}
	return out
}

func TestEnsureBranch_VersionTransitions(t *testing.T) {
	ctx := context.Background()
	repo := target.NewMemory()
	require.NoError(t, repo.CreateProject(ctx, target.Project{UUID: "0123456789abcdef0123456789abcdef", Name: "site"}))
	markers := &copyLog{}
	m := NewManager(repo, markers)

	name, _, err := m.EnsureBranch(ctx, "site", "", false)
	require.NoError(t, err)
	assert.Equal(t, "site", name)
	assert.Equal(t, map[string][]string{"site": {"latest"}}, branchState(t, repo, "site"))

	name, changes, err := m.EnsureBranch(ctx, "site", "1.0", false)
	require.NoError(t, err)
	assert.Equal(t, "site_1.0", name)
	assert.Len(t, changes, 3)
	assert.Equal(t, map[string][]string{
		"site":     {},
		"site_1.0": {"1.0", "latest"},
	}, branchState(t, repo, "site"))

	writes := repo.Writes()
	name, changes, err = m.EnsureBranch(ctx, "site", "1.0", false)
	require.NoError(t, err)
	assert.Equal(t, "site_1.0", name)
	assert.Empty(t, changes)
	assert.Equal(t, writes, repo.Writes())

	_, _, err = m.EnsureBranch(ctx, "site", "2.0", false)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"site":     {},
		"site_1.0": {"1.0"},
		"site_2.0": {"2.0", "latest"},
	}, branchState(t, repo, "site"))
	assert.Equal(t, [][3]string{{"site", "site", "site_1.0"}, {"site", "site_1.0", "site_2.0"}}, markers.copies)

	writes = repo.Writes()
	_, _, err = m.EnsureBranch(ctx, "site", "1.0", false)
	assert.True(t, IsConfigError(err), "returning to a superseded label")
	_, _, err = m.EnsureBranch(ctx, "site", "", false)
	assert.True(t, IsConfigError(err), "clearing the label")
	assert.Equal(t, writes, repo.Writes(), "config errors apply nothing")
}

func TestEnsureBranch_DryRun(t *testing.T) {
	ctx := context.Background()
	repo := target.NewMemory()
	require.NoError(t, repo.CreateProject(ctx, target.Project{UUID: "0123456789abcdef0123456789abcdef", Name: "site"}))

	name, changes, err := NewManager(repo, nil).EnsureBranch(ctx, "site", "3", true)
	require.NoError(t, err)
	assert.Equal(t, "site_3", name)
	assert.Equal(t, []Change{
		{Kind: ChangeCreateBranch, Subject: "site_3", Detail: "from (none)"},
		{Kind: ChangeTagBranch, Subject: "site_3", Detail: "3,latest"},
	}, changes)
	assert.Zero(t, repo.Writes())
}

func TestPinSchemas_OnlyLatestBranch(t *testing.T) {
	ctx := context.Background()
	repo := target.NewMemory()
	require.NoError(t, repo.CreateProject(ctx, target.Project{UUID: "0123456789abcdef0123456789abcdef", Name: "site"}))
	_, err := repo.CreateSchema(ctx, ir.SchemaDescriptor{Name: "page", Kind: ir.KindSchema})
	require.NoError(t, err)
	m := NewManager(repo, nil)

	v1, _, err := m.EnsureBranch(ctx, "site", "1", false)
	require.NoError(t, err)
	jobs, changes, err := m.PinSchemas(ctx, "site", v1, []ir.SchemaRef{{Name: "page", Version: 1}}, false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Len(t, changes, 1)

	_, changes, err = m.PinSchemas(ctx, "site", v1, []ir.SchemaRef{{Name: "page", Version: 1}}, false)
	require.NoError(t, err)
	assert.Empty(t, changes, "already pinned")

	_, _, err = repo.UpdateSchema(ctx, ir.SchemaDescriptor{Name: "page", Kind: ir.KindSchema})
	require.NoError(t, err)
	v2, _, err := m.EnsureBranch(ctx, "site", "2", false)
	require.NoError(t, err)
	_, _, err = m.PinSchemas(ctx, "site", v2, []ir.SchemaRef{{Name: "page", Version: 2}}, false)
	require.NoError(t, err)

	_, _, err = m.PinSchemas(ctx, "site", v1, []ir.SchemaRef{{Name: "page", Version: 2}}, false)
	assert.True(t, IsConfigError(err))

	branches, err := repo.Branches(ctx, "site")
	require.NoError(t, err)
	pins := map[string]int{}
	for _, b := range branches {
		pins[b.Name] = b.Pins["page"]
	}
	assert.Equal(t, map[string]int{"site_1": 1, "site_2": 2}, pins)
}
