// Package consistency compares the configured expectations for a tenant
// against the target and, in repair mode, corrects the drift.
//
// The order is fixed: project, microschemas, schemas, schema assignment,
// branch, schema pins. Each step depends on the ones before it.
package consistency

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/meshsync/internal/identity"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/project"
	"github.com/roach88/meshsync/internal/schema"
	"github.com/roach88/meshsync/internal/source"
	"github.com/roach88/meshsync/internal/target"
)

// Mode selects whether drift is only reported or also corrected.
type Mode string

const (
	ModeCheck  Mode = "check"
	ModeRepair Mode = "repair"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeCheck, ModeRepair:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want check or repair)", s)
}

// ChangeAssignSchema is reported for every schema assignment.
const ChangeAssignSchema = "schema.assign"

// Report is the result of one check or repair.
type Report struct {
	Tenant  string                    `json:"tenant"`
	Mode    Mode                      `json:"mode"`
	Project target.Project            `json:"project"`
	Branch  string                    `json:"branch"`
	Changes []project.Change          `json:"changes,omitempty"`
	Schemas []schema.Result           `json:"schemas,omitempty"`
	Failed  []*schema.DerivationError `json:"failed,omitempty"`
	Jobs    []string                  `json:"jobs,omitempty"`
}

// Drift reports whether the target differed from the configuration.
// After a repair it reports whether anything was written.
func (r *Report) Drift() bool {
	if len(r.Changes) > 0 {
		return true
	}
	for _, s := range r.Schemas {
		if s.Outcome != schema.OutcomeUnchanged {
			return true
		}
	}
	return false
}

// Versions maps every synced schema name to the version it settled on.
func (r *Report) Versions() map[string]int {
	out := make(map[string]int, len(r.Schemas))
	for _, s := range r.Schemas {
		if s.Kind == ir.KindSchema {
			out[s.Name] = s.Version
		}
	}
	return out
}

// FailedType returns the derivation error of a type, or nil.
func (r *Report) FailedType(name string) *schema.DerivationError {
	for _, f := range r.Failed {
		if f.Type == name {
			return f
		}
	}
	return nil
}

// Checker runs consistency checks for one repository configuration.
type Checker struct {
	cfg      ir.RepositoryConfig
	tree     source.Tree
	schemas  *schema.Manager
	projects *project.Manager
}

// New creates a Checker. cache and markers may be nil.
func New(cfg ir.RepositoryConfig, repo target.Repository, tree source.Tree, cache schema.Cache, markers project.Markers) *Checker {
	return &Checker{
		cfg:      cfg,
		tree:     tree,
		schemas:  schema.NewManager(repo, cache),
		projects: project.NewManager(repo, markers),
	}
}

// Run checks (ModeCheck) or repairs (ModeRepair) everything tenantID
// needs. Check mode never writes and always diffs against the target;
// force makes repair mode ignore the schema cache as well.
//
// Types whose rules fail derivation are listed in Report.Failed and
// skipped; the run continues for the others. Configuration errors and
// target failures abort the run.
func (c *Checker) Run(ctx context.Context, tenantID string, mode Mode, force bool) (*Report, error) {
	dryRun := mode == ModeCheck
	rep := &Report{Tenant: tenantID, Mode: mode}

	tenant, err := c.tree.Tenant(ctx, tenantID)
	if err != nil {
		return rep, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	plan, err := project.Resolve(tenant, c.cfg)
	if err != nil {
		return rep, err
	}

	proj, changes, err := c.projects.EnsureProject(ctx, plan, dryRun)
	rep.Project = proj
	rep.Changes = append(rep.Changes, changes...)
	if err != nil {
		return rep, err
	}
	projectExists := !(dryRun && hasKind(changes, project.ChangeCreateProject))

	// Reject an invalid version transition before any schema is written.
	if projectExists && !dryRun {
		if _, _, err := c.projects.EnsureBranch(ctx, proj.Name, c.cfg.Version, true); err != nil {
			return rep, err
		}
	}

	micros, err := schema.DeriveMicroschemas(c.cfg.Rules)
	if err != nil {
		return rep, err
	}
	schemas, failed := schema.DeriveAll(c.cfg.Rules, c.cfg.Elasticsearch)
	rep.Failed = failed
	for _, f := range failed {
		slog.Error("schema derivation failed", "tenant", tenantID, "type", f.Type, "error", f)
	}

	opts := schema.SyncOptions{DryRun: dryRun, Force: force || dryRun}
	var refs []ir.SchemaRef
	for _, group := range []struct {
		kind  ir.SchemaKind
		descs []ir.SchemaDescriptor
	}{{ir.KindMicroschema, micros}, {ir.KindSchema, schemas}} {
		results, err := c.schemas.Sync(ctx, proj.Name, group.descs, opts)
		rep.Schemas = append(rep.Schemas, results...)
		if err != nil {
			return rep, err
		}
		names := make([]string, 0, len(results))
		for _, r := range results {
			names = append(names, r.Name)
			if r.Job != "" {
				rep.Jobs = append(rep.Jobs, r.Job)
			}
			if group.kind == ir.KindSchema && r.Version > 0 {
				refs = append(refs, r.Ref())
			}
		}

		assigned := names
		if projectExists {
			assigned, err = c.schemas.Assign(ctx, proj.Name, group.kind, names, dryRun)
			if err != nil {
				return rep, err
			}
		}
		for _, name := range assigned {
			rep.Changes = append(rep.Changes, project.Change{Kind: ChangeAssignSchema, Subject: name, Detail: string(group.kind)})
		}
	}

	if !projectExists {
		rep.Branch = identity.BranchName(proj.Name, c.cfg.Version)
		rep.Changes = append(rep.Changes, project.Change{Kind: project.ChangeCreateBranch, Subject: rep.Branch})
		return rep, nil
	}

	rep.Branch, changes, err = c.projects.EnsureBranch(ctx, proj.Name, c.cfg.Version, dryRun)
	rep.Changes = append(rep.Changes, changes...)
	if err != nil {
		return rep, err
	}

	jobs, changes, err := c.projects.PinSchemas(ctx, proj.Name, rep.Branch, refs, dryRun)
	rep.Changes = append(rep.Changes, changes...)
	rep.Jobs = append(rep.Jobs, jobs...)
	if err != nil {
		return rep, err
	}

	slog.Info("consistency run finished", "tenant", tenantID, "mode", mode, "project", proj.Name,
		"branch", rep.Branch, "drift", rep.Drift(), "failed_types", len(failed))
	return rep, nil
}

func hasKind(changes []project.Change, kind string) bool {
	for _, c := range changes {
		if c.Kind == kind {
			return true
		}
	}
	return false
}
