package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/target"
)

// workItem is one language node of an object to upsert.
type workItem struct {
	obj  *resolved
	node target.Node
	key  string
	// temp is set while the node holds a temporary segment value; prior is
	// the node it replaced, nil when there was none.
	temp  bool
	prior *target.Node
}

func itemKey(uuid, lang string) string {
	return uuid + "/" + lang
}

func (it *workItem) done() bool {
	return it.obj.langsDone[it.node.Language]
}

// applyUpserts writes every upsert object of the run.
//
// The work list runs in passes over the items in dependency order. An item
// whose segment value is held by another scheduled item is deferred to the
// next pass; one held by a scheduled deletion deletes that node early. When
// a pass makes no progress, the wait graph is analyzed: a two-item swap is
// broken by moving one item to a temporary value, and a longer cycle fails
// its members and, through the parent check, their subtrees. No item is
// written before the items it waits on, so failed cycles leave the target
// untouched for their members.
func (e *Engine) applyUpserts(ctx context.Context, rs *runState, upserts []*resolved) {
	var queue []*workItem
	for _, r := range upserts {
		for _, n := range r.nodes {
			it := &workItem{obj: r, node: n, key: itemKey(n.UUID, n.Language)}
			rs.items[it.key] = it
			queue = append(queue, it)
		}
	}
	defer e.restoreParked(ctx, rs, slices.Clone(queue))

	limit := e.maxPasses
	if limit < 1 {
		limit = PassLimit(len(queue))
	}
	quota := NewQuotaEnforcer(limit)
	for len(queue) > 0 {
		if err := quota.Check(rs.runID); err != nil {
			for _, it := range queue {
				it.obj.fail(&PublishError{Kind: KindConflict, Object: it.obj.pending.ID, Message: "segment conflicts did not converge", Err: err})
			}
			return
		}

		progress := false
		waits := make(waitGraph)
		var next []*workItem
		for _, it := range queue {
			if it.obj.settled() {
				continue
			}
			if err := ctx.Err(); err != nil {
				it.obj.deferTo(err)
				continue
			}
			if parent := rs.upsertParent(it.obj); parent != nil {
				switch {
				case parent.status == ObjectFailed:
					it.obj.fail(&PublishError{Kind: KindConflict, Object: it.obj.pending.ID,
						Message: fmt.Sprintf("parent %s failed", parent.pending.ID)})
					continue
				case parent.status == ObjectDeferred:
					it.obj.deferTo(&PublishError{Kind: KindTransient, Object: it.obj.pending.ID,
						Message: fmt.Sprintf("parent %s deferred", parent.pending.ID)})
					continue
				case !parent.langsDone[it.node.Language] && parent.hasLanguage(it.node.Language):
					next = append(next, it)
					continue
				}
			}

			holder, err := e.upsertItem(ctx, rs, it, it.node)
			switch {
			case err == nil:
				progress = true
				e.itemDone(ctx, rs, it)
			case holder != nil:
				waits[it.key] = []string{holder.key}
				next = append(next, it)
			default:
				it.obj.settle(err)
			}
		}
		// Settling an item also changes what the next pass sees.
		progress = progress || len(next) < len(queue)
		queue = next

		if len(queue) > 0 && !progress {
			if !e.breakCycles(ctx, rs, waits) {
				for _, it := range queue {
					it.obj.fail(&PublishError{Kind: KindConflict, Object: it.obj.pending.ID, Message: "segment conflict cannot be resolved"})
				}
				return
			}
		}
	}
}

// upsertItem writes node for it. It returns the scheduled item holding the
// wanted segment value when the write must wait.
func (e *Engine) upsertItem(ctx context.Context, rs *runState, it *workItem, node target.Node) (*workItem, error) {
	for {
		err := e.repo.UpsertNode(ctx, rs.project, rs.branch, node)
		if err == nil {
			return nil, nil
		}
		c, ok := target.AsConflict(err)
		if !ok {
			return nil, err
		}

		if del := rs.deletions[c.ConflictingUUID]; del != nil && !del.settled() {
			slog.Debug("deleting early to free segment", "run", rs.runID, "object", del.pending.ID, "value", c.Value)
			e.deleteObject(ctx, rs, del)
			if del.status != ObjectDeleted {
				return nil, &PublishError{Kind: KindConflict, Object: it.obj.pending.ID,
					Message: fmt.Sprintf("%s %q is held by %s, whose deletion failed", c.Field, c.Value, del.pending.ID)}
			}
			continue
		}

		if other := rs.byUUID[c.ConflictingUUID]; other != nil && other != it.obj && other.op == opUpsert && !other.hasLanguage(node.Language) {
			// The value is held by a language variant the other object no
			// longer has.
			if err := e.dropLanguage(ctx, rs, other, node.Language); err != nil {
				return nil, err
			}
			continue
		}

		holder := rs.items[itemKey(c.ConflictingUUID, node.Language)]
		switch {
		case holder == nil:
			return nil, &PublishError{Kind: KindConflict, Object: it.obj.pending.ID, Err: err,
				Message: fmt.Sprintf("%s %q is held by %s, which is not part of this run", c.Field, c.Value, c.ConflictingUUID)}
		case holder.obj == it.obj:
			return nil, &PublishError{Kind: KindInternal, Object: it.obj.pending.ID, Err: err, Message: "node conflicts with itself"}
		case holder.done():
			return nil, &PublishError{Kind: KindConflict, Object: it.obj.pending.ID, Err: err,
				Message: fmt.Sprintf("%s %q is also wanted by %s", c.Field, c.Value, holder.obj.pending.ID)}
		case holder.obj.status == ObjectFailed:
			return nil, &PublishError{Kind: KindConflict, Object: it.obj.pending.ID, Err: err,
				Message: fmt.Sprintf("%s %q is held by %s, which failed", c.Field, c.Value, holder.obj.pending.ID)}
		case holder.obj.status == ObjectDeferred:
			return nil, &PublishError{Kind: KindTransient, Object: it.obj.pending.ID, Err: err,
				Message: fmt.Sprintf("%s %q is held by %s, which was deferred", c.Field, c.Value, holder.obj.pending.ID)}
		}
		return holder, err
	}
}

// itemDone records a final write and settles the object once every
// language is written.
func (e *Engine) itemDone(ctx context.Context, rs *runState, it *workItem) {
	it.temp = false
	r := it.obj
	r.langsDone[it.node.Language] = true
	for _, n := range r.nodes {
		if !r.langsDone[n.Language] {
			return
		}
	}
	if err := e.pruneLanguages(ctx, rs, r); err != nil {
		r.settle(err)
		return
	}
	if err := e.store.MarkPublished(context.WithoutCancel(ctx), rs.project, rs.branch, string(r.pending.ID), r.uuid); err != nil {
		r.fail(err)
		return
	}
	r.status = ObjectPublished
	r.order = rs.clock.Next()
}

// pruneLanguages removes the object's language variants that this run did
// not write: languages dropped from the source object or from the
// configuration.
func (e *Engine) pruneLanguages(ctx context.Context, rs *runState, r *resolved) error {
	langs, err := e.repo.NodeLanguages(ctx, rs.project, rs.branch, r.uuid)
	if err != nil {
		return fmt.Errorf("list node languages: %w", err)
	}
	for _, lang := range langs {
		if r.hasLanguage(lang) {
			continue
		}
		if err := e.dropLanguage(ctx, rs, r, lang); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) dropLanguage(ctx context.Context, rs *runState, r *resolved, lang string) error {
	err := e.repo.DeleteNodeLanguage(ctx, rs.project, rs.branch, lang, r.uuid)
	if err != nil && !target.IsNotFound(err) {
		return fmt.Errorf("delete %s node: %w", lang, err)
	}
	if err == nil {
		slog.Debug("removed stale language node", "run", rs.runID, "object", r.pending.ID, "language", lang)
	}
	return nil
}

// breakCycles analyzes the wait graph of a pass that made no progress. It
// reports whether anything changed.
func (e *Engine) breakCycles(ctx context.Context, rs *runState, waits waitGraph) bool {
	cycles := swapCycles(waits)
	for _, cycle := range cycles {
		if len(cycle) == 2 {
			it := rs.items[cycle[0]]
			if it.temp {
				// Already parked; the partner is blocked by something else.
				continue
			}
			prior, err := e.repo.Node(ctx, rs.project, rs.branch, it.node.Language, it.node.UUID)
			switch {
			case err == nil:
				it.prior = &prior
			case !target.IsNotFound(err):
				it.obj.settle(err)
				continue
			}
			if _, err := e.upsertItem(ctx, rs, it, temporaryNode(it.node, e.segmentFields[it.node.Schema.Name])); err != nil {
				it.obj.settle(err)
				continue
			}
			it.temp = true
			slog.Debug("swap broken by temporary segment", "run", rs.runID, "object", it.obj.pending.ID, "language", it.node.Language)
			continue
		}

		ids := make([]string, 0, len(cycle))
		for _, key := range cycle {
			ids = append(ids, string(rs.items[key].obj.pending.ID))
		}
		for _, key := range cycle {
			r := rs.items[key].obj
			r.fail(&PublishError{Kind: KindConflict, Object: r.pending.ID,
				Message: "unresolvable segment swap among " + strings.Join(ids, ", ")})
		}
		slog.Warn("segment swap cycle", "run", rs.runID, "objects", ids)
	}
	return len(cycles) > 0
}

// restoreParked puts every item still on a temporary segment value back to
// the node it replaced, so a swap whose partner did not publish leaves the
// target as it was before the run.
func (e *Engine) restoreParked(ctx context.Context, rs *runState, items []*workItem) {
	ctx = context.WithoutCancel(ctx)
	for _, it := range items {
		if !it.temp {
			continue
		}
		var err error
		if it.prior != nil {
			err = e.repo.UpsertNode(ctx, rs.project, rs.branch, *it.prior)
		} else {
			err = e.repo.DeleteNodeLanguage(ctx, rs.project, rs.branch, it.node.Language, it.node.UUID)
		}
		if err != nil && !target.IsNotFound(err) {
			slog.Warn("parked node not restored", "run", rs.runID, "object", it.obj.pending.ID,
				"language", it.node.Language, "error", err)
			continue
		}
		it.temp = false
		slog.Debug("parked node restored", "run", rs.runID, "object", it.obj.pending.ID, "language", it.node.Language)
	}
}

// temporaryNode returns node with its segment value replaced by a value
// unique to the node.
func temporaryNode(node target.Node, segField string) target.Node {
	if segField == "" {
		return node
	}
	fields := maps.Clone(node.Fields)
	suffix := "~" + node.UUID
	switch v := fields[segField].(type) {
	case string:
		fields[segField] = v + suffix
	case map[string]any:
		bin := maps.Clone(v)
		name, _ := bin["fileName"].(string)
		bin["fileName"] = name + suffix
		fields[segField] = bin
	}
	node.Fields = fields
	return node
}

// hasLanguage reports whether the object writes a node in lang.
func (r *resolved) hasLanguage(lang string) bool {
	for _, n := range r.nodes {
		if n.Language == lang {
			return true
		}
	}
	return false
}

// segmentFields maps each type to its segment field name.
func segmentFields(rs ir.RuleSet) map[string]string {
	out := make(map[string]string)
	for _, rule := range rs.Rules {
		if rule.Segment {
			out[rule.Type] = rule.Field
		}
	}
	return out
}
