// Package permission grants target read permissions to the roles selected
// by a configurable property of each source object.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/source"
	"github.com/roach88/meshsync/internal/target"
)

// AttributePrefix selects a list attribute directly: "attr:editors".
// Any other property is a computed expression evaluated by the source.
const AttributePrefix = "attr:"

// DefaultAdminRole is used when no administrative role is configured.
const DefaultAdminRole = "admin"

// ConfigError reports a permission configuration that cannot be applied.
type ConfigError struct {
	Object  ir.GlobalID
	Message string
}

func (e *ConfigError) Error() string {
	if e.Object.IsZero() {
		return "permission: " + e.Message
	}
	return fmt.Sprintf("permission %s: %s", e.Object, e.Message)
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Synchronizer resolves role sets and applies them as grants. It is safe
// for concurrent use.
type Synchronizer struct {
	repo target.Repository
	tree source.Tree
	cfg  ir.PermissionConfig

	mu    sync.Mutex
	known map[string]bool
}

// New creates a Synchronizer.
func New(repo target.Repository, tree source.Tree, cfg ir.PermissionConfig) *Synchronizer {
	if cfg.AdminRole == "" {
		cfg.AdminRole = DefaultAdminRole
	}
	return &Synchronizer{repo: repo, tree: tree, cfg: cfg}
}

// Roles resolves the sorted role set for an object: the roles its
// permission property selects, or the default role when none resolve,
// plus the administrative role. A zero id resolves to the default role.
func (s *Synchronizer) Roles(ctx context.Context, id ir.GlobalID) ([]string, error) {
	var selected []string
	if !id.IsZero() && s.cfg.Property != "" {
		var err error
		selected, err = s.selected(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool, len(selected)+1)
	for _, r := range selected {
		if r = strings.TrimSpace(r); r != "" {
			set[r] = true
		}
	}
	if len(set) == 0 {
		if s.cfg.DefaultRole == "" {
			return nil, &ConfigError{Object: id, Message: "no roles resolved and no default role is configured"}
		}
		set[s.cfg.DefaultRole] = true
	}
	set[s.cfg.AdminRole] = true

	roles := make([]string, 0, len(set))
	for r := range set {
		roles = append(roles, r)
	}
	slices.Sort(roles)
	return roles, nil
}

func (s *Synchronizer) selected(ctx context.Context, id ir.GlobalID) ([]string, error) {
	if attr, ok := strings.CutPrefix(s.cfg.Property, AttributePrefix); ok {
		obj, err := s.tree.Object(ctx, id)
		if err != nil {
			return nil, err
		}
		langs := obj.Languages
		if len(langs) == 0 {
			langs = []string{source.SharedLanguage}
		}
		for _, lang := range langs {
			values, err := s.tree.Resolve(ctx, id, lang)
			if err != nil {
				return nil, err
			}
			if roles := ir.Strings(values[attr]); len(roles) > 0 {
				return roles, nil
			}
		}
		return nil, nil
	}
	roles, err := s.tree.ComputeRoles(ctx, id, s.cfg.Property)
	if err != nil {
		return nil, fmt.Errorf("compute roles of %s: %w", id, err)
	}
	return roles, nil
}

// Permission returns the permission granted on an element kind.
func Permission(kind target.ElementKind) string {
	if kind == target.ElementNode {
		return target.PermReadPublished
	}
	return target.PermRead
}

// Apply makes exactly roles hold the element's permission: missing roles
// are created, grants are added where absent and revoked from every other
// role. It returns the number of remote writes; zero means the element
// already matched.
func (s *Synchronizer) Apply(ctx context.Context, e target.Element, roles []string) (int, error) {
	writes, err := s.ensureRoles(ctx, roles)
	if err != nil {
		return writes, err
	}

	current, err := s.repo.Permissions(ctx, e)
	if err != nil {
		return writes, fmt.Errorf("read permissions of %s %s: %w", e.Kind, e.Name, err)
	}
	perm := Permission(e.Kind)
	want := []string{perm}

	for _, role := range roles {
		have := slices.Sorted(slices.Values(current[role]))
		if slices.Equal(have, want) {
			continue
		}
		if err := s.repo.SetPermissions(ctx, role, e, want); err != nil {
			return writes, fmt.Errorf("grant %s to %s: %w", perm, role, err)
		}
		writes++
	}

	stale := make([]string, 0)
	for role, perms := range current {
		if len(perms) > 0 && !slices.Contains(roles, role) {
			stale = append(stale, role)
		}
	}
	slices.Sort(stale)
	for _, role := range stale {
		if err := s.repo.SetPermissions(ctx, role, e, nil); err != nil {
			return writes, fmt.Errorf("revoke %s from %s: %w", perm, role, err)
		}
		writes++
	}

	if writes > 0 {
		slog.Debug("permissions applied", "kind", e.Kind, "project", e.Project, "element", e.Name,
			"roles", roles, "revoked", stale, "writes", writes)
	}
	return writes, nil
}

// ensureRoles creates roles the target does not know yet.
func (s *Synchronizer) ensureRoles(ctx context.Context, roles []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := slices.DeleteFunc(slices.Clone(roles), func(r string) bool { return s.known[r] })
	if len(missing) == 0 {
		return 0, nil
	}
	if s.known == nil {
		existing, err := s.repo.Roles(ctx)
		if err != nil {
			return 0, fmt.Errorf("list roles: %w", err)
		}
		s.known = make(map[string]bool, len(existing))
		for _, r := range existing {
			s.known[r.Name] = true
		}
	}

	writes := 0
	for _, role := range missing {
		if s.known[role] {
			continue
		}
		if err := s.repo.CreateRole(ctx, role); err != nil {
			return writes, fmt.Errorf("create role %s: %w", role, err)
		}
		s.known[role] = true
		writes++
		slog.Info("role created", "role", role)
	}
	return writes, nil
}
