package schema

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/target"
)

// Outcome is what Sync found or did for one schema.
type Outcome string

const (
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeMissing   Outcome = "missing" // dry run: would be created
	OutcomeDrift     Outcome = "drift"   // dry run: would be updated
)

// Result reports one schema after Sync.
type Result struct {
	Name    string        `json:"name"`
	Kind    ir.SchemaKind `json:"kind"`
	Outcome Outcome       `json:"outcome"`
	Version int           `json:"version,omitempty"`
	Job     string        `json:"job,omitempty"`
}

// Ref returns the name and version Sync settled on.
func (r Result) Ref() ir.SchemaRef {
	return ir.SchemaRef{Name: r.Name, Version: r.Version}
}

// Cache remembers the last fingerprint and version synced per project so
// unchanged schemas skip the remote diff.
type Cache interface {
	CachedSchema(ctx context.Context, project, key string) (fingerprint string, version int, ok bool, err error)
	CacheSchema(ctx context.Context, project, key, fingerprint string, version int) error
}

// SyncOptions controls Sync.
type SyncOptions struct {
	// DryRun reports differences without writing.
	DryRun bool
	// Force ignores the cache and diffs against the target.
	Force bool
}

// Manager creates and versions schemas on the target.
type Manager struct {
	repo  target.Repository
	cache Cache
}

// NewManager creates a Manager. cache may be nil.
func NewManager(repo target.Repository, cache Cache) *Manager {
	return &Manager{repo: repo, cache: cache}
}

func cacheKey(d ir.SchemaDescriptor) string {
	return string(d.Kind) + "/" + d.Name
}

// Sync makes the target hold every desired descriptor. A descriptor that
// differs structurally from the target's latest version gets a new version
// and a migration job; reordering alone never does.
func (m *Manager) Sync(ctx context.Context, project string, desired []ir.SchemaDescriptor, opts SyncOptions) ([]Result, error) {
	remote := make(map[ir.SchemaKind]map[string]ir.SchemaDescriptor)
	results := make([]Result, 0, len(desired))

	for _, want := range desired {
		fp, err := Fingerprint(want)
		if err != nil {
			return results, fmt.Errorf("schema %s: %w", want.Name, err)
		}

		if m.cache != nil && !opts.Force {
			cached, version, ok, err := m.cache.CachedSchema(ctx, project, cacheKey(want))
			if err != nil {
				return results, fmt.Errorf("schema cache %s: %w", want.Name, err)
			}
			if ok && cached == fp {
				results = append(results, Result{Name: want.Name, Kind: want.Kind, Outcome: OutcomeUnchanged, Version: version})
				continue
			}
		}

		byName, listed := remote[want.Kind]
		if !listed {
			existing, err := m.repo.Schemas(ctx, want.Kind)
			if err != nil {
				return results, fmt.Errorf("list %ss: %w", want.Kind, err)
			}
			byName = make(map[string]ir.SchemaDescriptor, len(existing))
			for _, d := range existing {
				byName[d.Name] = d
			}
			remote[want.Kind] = byName
		}

		res, err := m.syncOne(ctx, want, byName, opts)
		if err != nil {
			return results, err
		}
		results = append(results, res)

		if !opts.DryRun && m.cache != nil {
			if err := m.cache.CacheSchema(ctx, project, cacheKey(want), fp, res.Version); err != nil {
				return results, fmt.Errorf("schema cache %s: %w", want.Name, err)
			}
		}
	}
	return results, nil
}

func (m *Manager) syncOne(ctx context.Context, want ir.SchemaDescriptor, remote map[string]ir.SchemaDescriptor, opts SyncOptions) (Result, error) {
	res := Result{Name: want.Name, Kind: want.Kind}
	have, exists := remote[want.Name]

	switch {
	case !exists && opts.DryRun:
		res.Outcome = OutcomeMissing
	case !exists:
		created, err := m.repo.CreateSchema(ctx, want)
		if err != nil {
			return res, fmt.Errorf("create %s %s: %w", want.Kind, want.Name, err)
		}
		res.Outcome, res.Version = OutcomeCreated, created.Version
		slog.Info("schema created", "kind", want.Kind, "schema", want.Name, "version", created.Version)
	case Equal(want, have):
		res.Outcome, res.Version = OutcomeUnchanged, have.Version
	case opts.DryRun:
		res.Outcome, res.Version = OutcomeDrift, have.Version
	default:
		updated, job, err := m.repo.UpdateSchema(ctx, want)
		if err != nil {
			return res, fmt.Errorf("update %s %s: %w", want.Kind, want.Name, err)
		}
		res.Outcome, res.Version, res.Job = OutcomeUpdated, updated.Version, job
		slog.Info("schema updated", "kind", want.Kind, "schema", want.Name,
			"from", have.Version, "to", updated.Version, "job", job)
	}
	return res, nil
}

// Assign makes sure every named schema of kind is assigned to project.
// Schemas assigned to the project but not named are left alone. It returns
// the names that were (or, in a dry run, would be) assigned.
func (m *Manager) Assign(ctx context.Context, project string, kind ir.SchemaKind, names []string, dryRun bool) ([]string, error) {
	assigned, err := m.repo.ProjectSchemas(ctx, project, kind)
	if err != nil {
		return nil, fmt.Errorf("list %ss of %s: %w", kind, project, err)
	}
	have := make(map[string]bool, len(assigned))
	for _, ref := range assigned {
		have[ref.Name] = true
	}

	var missing []string
	for _, name := range names {
		if have[name] || slices.Contains(missing, name) {
			continue
		}
		missing = append(missing, name)
		if dryRun {
			continue
		}
		if err := m.repo.AssignSchema(ctx, project, kind, name); err != nil {
			return missing, fmt.Errorf("assign %s %s to %s: %w", kind, name, project, err)
		}
	}
	return missing, nil
}
