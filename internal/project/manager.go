// Package project maps tenants onto target projects and version labels
// onto branches.
//
// Branch model: a project has one unversioned root branch, named after the
// project. Each version label gets its own branch, "<project>_<label>",
// copied from the branch that was latest when the label first appeared.
// Exactly one branch carries the "latest" tag; superseded branches keep
// their version tag and are never written again.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/meshsync/internal/identity"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/target"
)

// ConfigError reports a configuration the manager refuses to apply, such
// as returning to a superseded version label. Nothing is written.
type ConfigError struct {
	Project string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("project %s: %s", e.Project, e.Message)
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Change describes one write the manager performed or, in a dry run,
// would perform.
type Change struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Detail  string `json:"detail,omitempty"`
}

// Change kinds.
const (
	ChangeCreateProject = "project.create"
	ChangeRenameProject = "project.rename"
	ChangeCreateBranch  = "branch.create"
	ChangeTagBranch     = "branch.tag"
	ChangePinSchema     = "schema.pin"
)

// Plan is the pure resolution of a tenant under a configuration.
type Plan struct {
	Tenant  string `json:"tenant"`
	Project string `json:"project"`
	UUID    string `json:"uuid"`
	Version string `json:"version,omitempty"`
}

// Resolve computes the project a tenant publishes into. With
// project-per-tenant the project is named after the tenant's display name
// (or its override) and identified by the tenant; otherwise every tenant
// shares the configured project.
func Resolve(tenant ir.Tenant, cfg ir.RepositoryConfig) (Plan, error) {
	plan := Plan{Tenant: tenant.ID, Version: cfg.Version}
	if cfg.ProjectPerTenant {
		name := cfg.TenantOverride(tenant.ID)
		if name == "" {
			name = identity.ProjectName(tenant.DisplayName)
		}
		if name == "" {
			return plan, &ConfigError{Project: tenant.ID, Message: fmt.Sprintf("tenant %q has no usable display name", tenant.ID)}
		}
		plan.Project = name
		plan.UUID = stableUUID("tenant:" + tenant.ID)
		return plan, nil
	}
	if cfg.Project == "" {
		return plan, &ConfigError{Project: tenant.ID, Message: "project is required when project_per_tenant is false"}
	}
	plan.Project = cfg.Project
	plan.UUID = stableUUID("project:" + cfg.Project)
	return plan, nil
}

// stableUUID derives a 32-digit hex UUID from a name.
func stableUUID(name string) string {
	return strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceURL, []byte("meshsync:"+name)).String(), "-", "")
}

// Markers mirrors branch copies into the published-marker bookkeeping.
type Markers interface {
	CopyPublished(ctx context.Context, project, from, to string) error
}

// Manager creates and maintains projects and branches on the target.
type Manager struct {
	repo    target.Repository
	markers Markers
}

// NewManager creates a Manager. markers may be nil.
func NewManager(repo target.Repository, markers Markers) *Manager {
	return &Manager{repo: repo, markers: markers}
}

// EnsureProject makes the planned project exist under its planned name. A
// project found by UUID under another name is renamed.
func (m *Manager) EnsureProject(ctx context.Context, plan Plan, dryRun bool) (target.Project, []Change, error) {
	want := target.Project{UUID: plan.UUID, Name: plan.Project}
	projects, err := m.repo.Projects(ctx)
	if err != nil {
		return want, nil, fmt.Errorf("list projects: %w", err)
	}

	for _, p := range projects {
		if p.UUID != plan.UUID {
			continue
		}
		if p.Name == plan.Project {
			return p, nil, nil
		}
		if taken := findByName(projects, plan.Project); taken != nil {
			return p, nil, &ConfigError{Project: plan.Project,
				Message: fmt.Sprintf("cannot rename %s: name is used by project %s", p.Name, taken.UUID)}
		}
		change := Change{Kind: ChangeRenameProject, Subject: plan.Project, Detail: "from " + p.Name}
		if dryRun {
			return p, []Change{change}, nil
		}
		if err := m.repo.UpdateProject(ctx, want); err != nil {
			return p, nil, fmt.Errorf("rename project %s: %w", p.Name, err)
		}
		slog.Info("project renamed", "uuid", plan.UUID, "from", p.Name, "to", plan.Project)
		return want, []Change{change}, nil
	}

	if taken := findByName(projects, plan.Project); taken != nil {
		return want, nil, &ConfigError{Project: plan.Project,
			Message: fmt.Sprintf("name is used by project %s", taken.UUID)}
	}
	change := Change{Kind: ChangeCreateProject, Subject: plan.Project, Detail: plan.UUID}
	if dryRun {
		return want, []Change{change}, nil
	}
	if err := m.repo.CreateProject(ctx, want); err != nil {
		return want, nil, fmt.Errorf("create project %s: %w", plan.Project, err)
	}
	slog.Info("project created", "project", plan.Project, "uuid", plan.UUID)
	return want, []Change{change}, nil
}

func findByName(projects []target.Project, name string) *target.Project {
	for i := range projects {
		if projects[i].Name == name {
			return &projects[i]
		}
	}
	return nil
}

// versionTag returns the version label a branch carries, if any.
func versionTag(b target.Branch) string {
	for _, t := range b.Tags {
		if t != target.TagLatest {
			return t
		}
	}
	return ""
}

// EnsureBranch makes the branch for version exist and carry the latest
// tag, and returns its name. In a dry run the name is returned with the
// changes that would be made.
//
// Transitions:
//   - none: the root branch is created on first use and is latest.
//   - new label: "<project>_<label>" is created from the current latest,
//     tagged [label, latest]; the previous latest loses only "latest".
//   - current label: nothing to do.
//   - superseded label, or none after a label: ConfigError.
func (m *Manager) EnsureBranch(ctx context.Context, project, version string, dryRun bool) (string, []Change, error) {
	branches, err := m.repo.Branches(ctx, project)
	if err != nil {
		return "", nil, fmt.Errorf("list branches of %s: %w", project, err)
	}

	var latest, root, labeled *target.Branch
	for i := range branches {
		b := &branches[i]
		if b.HasTag(target.TagLatest) {
			latest = b
		}
		label := versionTag(*b)
		if label == "" && root == nil {
			root = b
		}
		if version != "" && label == version {
			labeled = b
		}
	}

	if version == "" {
		return m.ensureRoot(ctx, project, root, latest, dryRun)
	}

	if labeled != nil {
		if latest != nil && latest.Name != labeled.Name {
			return "", nil, &ConfigError{Project: project, Message: fmt.Sprintf(
				"version %q is superseded by branch %s; old branches are frozen", version, latest.Name)}
		}
		if latest == nil {
			return labeled.Name, nil, m.tag(ctx, project, labeled, append(slices.Clone(labeled.Tags), target.TagLatest), dryRun, nil)
		}
		return labeled.Name, nil, nil
	}

	name := identity.BranchName(project, version)
	base := ""
	if latest != nil {
		base = latest.Name
	}

	changes := []Change{{Kind: ChangeCreateBranch, Subject: name, Detail: "from " + orNone(base)}}
	if latest != nil {
		changes = append(changes, Change{Kind: ChangeTagBranch, Subject: latest.Name, Detail: "untag " + target.TagLatest})
	}
	changes = append(changes, Change{Kind: ChangeTagBranch, Subject: name, Detail: version + "," + target.TagLatest})
	if dryRun {
		return name, changes, nil
	}

	if err := m.repo.CreateBranch(ctx, project, name, base); err != nil {
		return "", nil, fmt.Errorf("create branch %s: %w", name, err)
	}
	if base != "" && m.markers != nil {
		if err := m.markers.CopyPublished(ctx, project, base, name); err != nil {
			return "", nil, err
		}
	}
	if latest != nil {
		kept := slices.DeleteFunc(slices.Clone(latest.Tags), func(t string) bool { return t == target.TagLatest })
		if err := m.repo.TagBranch(ctx, project, latest.Name, kept); err != nil {
			return "", nil, fmt.Errorf("untag branch %s: %w", latest.Name, err)
		}
	}
	if err := m.repo.TagBranch(ctx, project, name, []string{version, target.TagLatest}); err != nil {
		return "", nil, fmt.Errorf("tag branch %s: %w", name, err)
	}
	slog.Info("branch created", "project", project, "branch", name, "version", version, "base", base)
	return name, changes, nil
}

func (m *Manager) ensureRoot(ctx context.Context, project string, root, latest *target.Branch, dryRun bool) (string, []Change, error) {
	if latest != nil && (root == nil || latest.Name != root.Name) {
		return "", nil, &ConfigError{Project: project, Message: fmt.Sprintf(
			"no version configured but branch %s (version %q) is latest; clearing the version is not supported",
			latest.Name, versionTag(*latest))}
	}
	if root != nil {
		if latest == nil {
			var changes []Change
			err := m.tag(ctx, project, root, []string{target.TagLatest}, dryRun, &changes)
			return root.Name, changes, err
		}
		return root.Name, nil, nil
	}

	changes := []Change{
		{Kind: ChangeCreateBranch, Subject: project, Detail: "from " + orNone("")},
		{Kind: ChangeTagBranch, Subject: project, Detail: target.TagLatest},
	}
	if dryRun {
		return project, changes, nil
	}
	if err := m.repo.CreateBranch(ctx, project, project, ""); err != nil {
		return "", nil, fmt.Errorf("create branch %s: %w", project, err)
	}
	if err := m.repo.TagBranch(ctx, project, project, []string{target.TagLatest}); err != nil {
		return "", nil, fmt.Errorf("tag branch %s: %w", project, err)
	}
	slog.Info("branch created", "project", project, "branch", project)
	return project, changes, nil
}

func (m *Manager) tag(ctx context.Context, project string, b *target.Branch, tags []string, dryRun bool, changes *[]Change) error {
	if changes != nil {
		*changes = append(*changes, Change{Kind: ChangeTagBranch, Subject: b.Name, Detail: strings.Join(tags, ",")})
	}
	if dryRun {
		return nil
	}
	if err := m.repo.TagBranch(ctx, project, b.Name, tags); err != nil {
		return fmt.Errorf("tag branch %s: %w", b.Name, err)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// PinSchemas pins refs on a branch. Only the latest branch is ever pinned,
// which keeps superseded branches on the versions they were published
// with. It returns the migration jobs the target started.
func (m *Manager) PinSchemas(ctx context.Context, project, branch string, refs []ir.SchemaRef, dryRun bool) ([]string, []Change, error) {
	branches, err := m.repo.Branches(ctx, project)
	if err != nil {
		return nil, nil, fmt.Errorf("list branches of %s: %w", project, err)
	}
	var current *target.Branch
	for i := range branches {
		if branches[i].Name == branch {
			current = &branches[i]
		}
	}
	if current == nil {
		if dryRun {
			changes := make([]Change, 0, len(refs))
			for _, ref := range refs {
				changes = append(changes, Change{Kind: ChangePinSchema, Subject: branch, Detail: fmt.Sprintf("%s@%d", ref.Name, ref.Version)})
			}
			return nil, changes, nil
		}
		return nil, nil, &target.NotFoundError{Kind: "branch", Name: project + "/" + branch}
	}
	if !current.HasTag(target.TagLatest) {
		return nil, nil, &ConfigError{Project: project, Message: fmt.Sprintf("branch %s is not latest and cannot be re-pinned", branch)}
	}

	var jobs []string
	var changes []Change
	for _, ref := range refs {
		if current.Pins[ref.Name] == ref.Version {
			continue
		}
		changes = append(changes, Change{Kind: ChangePinSchema, Subject: branch, Detail: fmt.Sprintf("%s@%d", ref.Name, ref.Version)})
		if dryRun {
			continue
		}
		job, err := m.repo.PinSchema(ctx, project, branch, ref)
		if err != nil {
			return jobs, changes, fmt.Errorf("pin %s@%d on %s: %w", ref.Name, ref.Version, branch, err)
		}
		if job != "" {
			jobs = append(jobs, job)
		}
	}
	return jobs, changes, nil
}
