// Package target defines the contract of the schema-driven document
// repository that content is replicated into, together with an in-memory
// implementation, an HTTP client and an HTTP server.
package target

import (
	"context"

	"github.com/roach88/meshsync/internal/ir"
)

// Well-known permission names.
const (
	PermRead          = "read"
	PermReadPublished = "read_published"
)

// TagLatest marks the branch that receives new content.
const TagLatest = "latest"

// Project is one tenant's namespace in the target.
type Project struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Branch is a named line of history inside a project.
type Branch struct {
	Name string         `json:"name"`
	Tags []string       `json:"tags"`
	Pins map[string]int `json:"pins"`
}

// HasTag reports whether the branch carries tag.
func (b Branch) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Node is one language variant of a replicated object in one branch.
type Node struct {
	UUID       string         `json:"uuid"`
	Language   string         `json:"language"`
	ParentUUID string         `json:"parent_uuid,omitempty"`
	Schema     ir.SchemaRef   `json:"schema"`
	Fields     map[string]any `json:"fields"`
}

// Role is a named permission holder.
type Role struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// ElementKind selects what a permission applies to.
type ElementKind string

const (
	ElementProject ElementKind = "project"
	ElementBranch  ElementKind = "branch"
	ElementNode    ElementKind = "node"
)

// Element identifies a permission target. Name is the branch name for
// branches and the node UUID for nodes; it is empty for projects.
type Element struct {
	Kind    ElementKind `json:"kind"`
	Project string      `json:"project"`
	Name    string      `json:"name,omitempty"`
}

// Repository is the contract the core requires from the target system.
// Every method may block on the network and honors ctx.
type Repository interface {
	Projects(ctx context.Context) ([]Project, error)
	CreateProject(ctx context.Context, p Project) error
	UpdateProject(ctx context.Context, p Project) error

	Schemas(ctx context.Context, kind ir.SchemaKind) ([]ir.SchemaDescriptor, error)
	CreateSchema(ctx context.Context, desc ir.SchemaDescriptor) (ir.SchemaDescriptor, error)
	UpdateSchema(ctx context.Context, desc ir.SchemaDescriptor) (ir.SchemaDescriptor, string, error)
	ProjectSchemas(ctx context.Context, project string, kind ir.SchemaKind) ([]ir.SchemaRef, error)
	AssignSchema(ctx context.Context, project string, kind ir.SchemaKind, name string) error

	Branches(ctx context.Context, project string) ([]Branch, error)
	CreateBranch(ctx context.Context, project, name, base string) error
	TagBranch(ctx context.Context, project, branch string, tags []string) error
	PinSchema(ctx context.Context, project, branch string, ref ir.SchemaRef) (string, error)

	Node(ctx context.Context, project, branch, lang, uuid string) (Node, error)
	UpsertNode(ctx context.Context, project, branch string, n Node) error
	DeleteNode(ctx context.Context, project, branch, uuid string) error
	// NodeLanguages lists the languages a node exists in, sorted. A node
	// with no language variant yields an empty list, not an error.
	NodeLanguages(ctx context.Context, project, branch, uuid string) ([]string, error)
	// DeleteNodeLanguage removes one language variant of a node.
	DeleteNodeLanguage(ctx context.Context, project, branch, lang, uuid string) error

	Roles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, name string) error
	Permissions(ctx context.Context, e Element) (map[string][]string, error)
	SetPermissions(ctx context.Context, role string, e Element, perms []string) error
}
