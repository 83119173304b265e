// Package source defines what the replicator needs from the source content
// tree, and provides a YAML-backed implementation for tests, scenarios and
// local runs.
package source

import (
	"context"
	"errors"

	"github.com/roach88/meshsync/internal/ir"
)

// ErrNotFound is returned for unknown objects and tenants.
var ErrNotFound = errors.New("source: not found")

// Tree is the read contract of the source content tree. Implementations
// must be safe for concurrent use.
type Tree interface {
	// Object returns the metadata of one object.
	Object(ctx context.Context, id ir.GlobalID) (ir.ContentObject, error)

	// Resolve returns every attribute value of the object in one language.
	// Absent attributes are simply missing from the map.
	Resolve(ctx context.Context, id ir.GlobalID, lang string) (map[string]ir.Value, error)

	// Tenant returns tenant metadata.
	Tenant(ctx context.Context, id string) (ir.Tenant, error)

	// ComputeRoles evaluates a computed role expression for an object.
	ComputeRoles(ctx context.Context, id ir.GlobalID, expr string) ([]string, error)

	// Children lists the direct children of an object.
	Children(ctx context.Context, id ir.GlobalID) ([]ir.GlobalID, error)
}
