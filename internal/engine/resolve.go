package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/meshsync/internal/identity"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/source"
	"github.com/roach88/meshsync/internal/target"
)

// opKind is what a run does with an object.
type opKind int

const (
	opNone opKind = iota
	opUpsert
	opDelete
)

// resolved is one object after Resolve, carrying everything the write
// stages need and its outcome once settled.
type resolved struct {
	pending *pending
	obj     ir.ContentObject
	uuid    string
	op      opKind
	nodes   []target.Node
	refs    []ir.GlobalID
	roles   []string

	status    ObjectStatus
	err       *PublishError
	note      string
	order     int64
	langsDone map[string]bool
	cancelled bool
}

func (r *resolved) objectID() ir.GlobalID { return r.pending.ID }

func (r *resolved) dependsOn() []ir.GlobalID {
	deps := slices.Clone(r.refs)
	if !r.obj.Parent.IsZero() {
		deps = append(deps, r.obj.Parent)
	}
	return deps
}

// settled reports whether the object's outcome is final for this run.
func (r *resolved) settled() bool {
	return r.status != ""
}

func (r *resolved) fail(err error) {
	if r.settled() {
		return
	}
	r.status = ObjectFailed
	r.err = newPublishError(r.pending.ID, err)
}

// deferTo leaves the object queued for the next run.
func (r *resolved) deferTo(err error) {
	if r.settled() {
		return
	}
	r.status = ObjectDeferred
	r.err = newPublishError(r.pending.ID, err)
	r.cancelled = errors.Is(err, context.Canceled)
}

// settle records err as failed or deferred according to its kind.
func (r *resolved) settle(err error) {
	if Classify(err) == KindTransient {
		r.deferTo(err)
		return
	}
	r.fail(err)
}

// resolveAll resolves every pending object, in parallel up to the
// configured number of workers. Resolve is read-only.
func (e *Engine) resolveAll(ctx context.Context, rs *runState, objects []*pending) []*resolved {
	out := make([]*resolved, len(objects))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, p := range objects {
		g.Go(func() error {
			out[i] = e.resolve(ctx, rs, p)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// resolve decides from the current source state what to do with one
// object. Queue actions only say that something changed; the state decides:
// an online object is upserted, a missing or offline one is deleted. A
// dependency-only entry republishes an object that is already published
// and otherwise does nothing.
func (e *Engine) resolve(ctx context.Context, rs *runState, p *pending) *resolved {
	r := &resolved{pending: p, langsDone: make(map[string]bool)}

	uuid, err := identity.UUID(p.ID)
	if err != nil {
		r.fail(err)
		return r
	}
	r.uuid = uuid

	obj, err := e.tree.Object(ctx, p.ID)
	missing := errors.Is(err, source.ErrNotFound)
	if err != nil && !missing {
		r.settle(fmt.Errorf("read source object: %w", err))
		return r
	}
	if !missing {
		r.obj = obj
	}

	if p.Action == ir.ActionDependency {
		published, err := e.store.IsPublished(ctx, rs.project, rs.branch, string(p.ID))
		if err != nil {
			r.settle(err)
			return r
		}
		if !published {
			r.status, r.note = ObjectSkipped, "dependency of an unpublished object"
			return r
		}
	}

	if missing || !obj.Online() {
		r.op = opDelete
		return r
	}

	if derr := rs.report.FailedType(obj.Type); derr != nil {
		r.fail(derr)
		return r
	}
	version, ok := rs.versions[obj.Type]
	if !ok || version == 0 {
		r.fail(&PublishError{Kind: KindStructural, Object: p.ID, Message: fmt.Sprintf("no mapping rules for type %q", obj.Type)})
		return r
	}

	parentUUID := ""
	if !obj.Parent.IsZero() {
		if parentUUID, err = identity.UUID(obj.Parent); err != nil {
			r.fail(err)
			return r
		}
	}

	rules := e.cfg.Rules.RulesFor(obj.Type)
	for _, lang := range e.languages(obj) {
		values, err := e.tree.Resolve(ctx, p.ID, lang)
		if err != nil {
			r.settle(fmt.Errorf("resolve %s: %w", lang, err))
			return r
		}
		fields, err := e.composer.Fields(rules, values)
		if err != nil {
			r.fail(err)
			return r
		}
		for _, rule := range rules {
			for _, ref := range ir.References(values[rule.SourceAttribute()]) {
				if !slices.Contains(r.refs, ref) {
					r.refs = append(r.refs, ref)
				}
			}
		}
		r.nodes = append(r.nodes, target.Node{
			UUID:       uuid,
			Language:   lang,
			ParentUUID: parentUUID,
			Schema:     ir.SchemaRef{Name: obj.Type, Version: version},
			Fields:     fields,
		})
	}
	if len(r.nodes) == 0 {
		r.status, r.note = ObjectSkipped, "no configured language"
		return r
	}

	roles, err := e.perms.Roles(ctx, p.ID)
	if err != nil {
		r.settle(err)
		return r
	}
	r.roles = roles
	r.op = opUpsert
	return r
}

// languages returns the object's languages that are also configured.
// With no configured languages every language of the object is used.
func (e *Engine) languages(obj ir.ContentObject) []string {
	if len(e.cfg.Languages) == 0 {
		return obj.Languages
	}
	var out []string
	for _, lang := range e.cfg.Languages {
		if obj.HasLanguage(lang) {
			out = append(out, lang)
		}
	}
	return out
}
