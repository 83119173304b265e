package engine

import (
	"slices"

	"github.com/roach88/meshsync/internal/ir"
)

// pending is the coalesced view of every queue entry of one object.
type pending struct {
	ID     ir.GlobalID
	Type   string
	Action ir.Action
	// FirstSeq orders objects; MaxSeq bounds what a commit may remove, so
	// entries enqueued during the run survive it.
	FirstSeq int64
	MaxSeq   int64
	Attempts int
	// Attributes is the union of the entries' attribute subsets; nil means
	// every attribute.
	Attributes []string
	all        bool
}

// coalesce merges entries per object into an ordered map keyed by object
// id, in order of first appearance. A later action replaces an earlier one,
// except that a dependency action never replaces anything: it only asks
// for a republish, which any other action already implies.
func coalesce(entries []ir.DirtyEntry) []*pending {
	byID := make(map[ir.GlobalID]*pending, len(entries))
	var order []*pending

	for _, e := range entries {
		p, ok := byID[e.ObjectID]
		if !ok {
			p = &pending{ID: e.ObjectID, Action: e.Action, FirstSeq: e.Seq, all: len(e.Attributes) == 0}
			byID[e.ObjectID] = p
			order = append(order, p)
		} else if e.Action != ir.ActionDependency {
			p.Action = e.Action
		}

		if e.ObjectType != "" {
			p.Type = e.ObjectType
		}
		p.MaxSeq = max(p.MaxSeq, e.Seq)
		p.Attempts = max(p.Attempts, e.Attempts)
		if len(e.Attributes) == 0 {
			p.all = true
		}
		if !p.all {
			for _, a := range e.Attributes {
				if !slices.Contains(p.Attributes, a) {
					p.Attributes = append(p.Attributes, a)
				}
			}
		}
	}

	for _, p := range order {
		if p.all {
			p.Attributes = nil
		} else {
			slices.Sort(p.Attributes)
		}
	}
	return order
}
