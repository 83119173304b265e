package engine

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/store"
)

// Status is the outcome of a whole run.
type Status string

const (
	StatusOK      Status = "ok"      // every object succeeded
	StatusPartial Status = "partial" // some objects were deferred or failed
	StatusFailed  Status = "failed"  // the run could not start or aborted
)

// ObjectStatus is the outcome of one object in a run.
type ObjectStatus string

const (
	ObjectPublished ObjectStatus = "published"
	ObjectDeleted   ObjectStatus = "deleted"
	ObjectSkipped   ObjectStatus = "skipped"
	ObjectDeferred  ObjectStatus = "deferred"
	ObjectFailed    ObjectStatus = "failed"
)

// Succeeded reports whether the object's queue entries can be removed.
func (s ObjectStatus) Succeeded() bool {
	return s == ObjectPublished || s == ObjectDeleted || s == ObjectSkipped
}

// Run modes.
const (
	ModeBatch   = "batch"
	ModeInstant = "instant"
)

// ObjectResult reports one object of a run.
type ObjectResult struct {
	ID        ir.GlobalID  `json:"id"`
	UUID      string       `json:"uuid,omitempty"`
	Type      string       `json:"type,omitempty"`
	Action    ir.Action    `json:"action"`
	Status    ObjectStatus `json:"status"`
	Kind      ErrorKind    `json:"kind,omitempty"`
	Error     string       `json:"error,omitempty"`
	Note      string       `json:"note,omitempty"`
	Languages []string     `json:"languages,omitempty"`
	Attempts  int          `json:"attempts,omitempty"`
	// Order is the position at which the object completed within the run.
	Order int64 `json:"order,omitempty"`
	// Subtree lists the source descendants of a failed object.
	Subtree []ir.GlobalID `json:"subtree,omitempty"`
}

// RunResult is the report of one publish run.
type RunResult struct {
	RunID         string         `json:"run_id"`
	Mode          string         `json:"mode"`
	Tenant        string         `json:"tenant"`
	Project       string         `json:"project,omitempty"`
	Branch        string         `json:"branch,omitempty"`
	Status        Status         `json:"status"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	Objects       []ObjectResult `json:"objects"`
	MigrationJobs []string       `json:"migration_jobs,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// Object returns the result of one object.
func (r *RunResult) Object(id ir.GlobalID) (ObjectResult, bool) {
	for _, o := range r.Objects {
		if o.ID == id {
			return o, true
		}
	}
	return ObjectResult{}, false
}

// Count returns how many objects ended in status.
func (r *RunResult) Count(status ObjectStatus) int {
	n := 0
	for _, o := range r.Objects {
		if o.Status == status {
			n++
		}
	}
	return n
}

// fail marks the whole run failed.
func (r *RunResult) fail(err error) {
	r.Status = StatusFailed
	r.Error = err.Error()
	r.ErrorKind = Classify(err)
}

// finish sorts the objects and derives the run status.
func (r *RunResult) finish(now time.Time) {
	r.FinishedAt = now
	slices.SortFunc(r.Objects, func(a, b ObjectResult) int { return strings.Compare(string(a.ID), string(b.ID)) })
	if r.Status == StatusFailed {
		return
	}
	r.Status = StatusOK
	for _, o := range r.Objects {
		if !o.Status.Succeeded() {
			r.Status = StatusPartial
			return
		}
	}
}

// record converts the result for the run log.
func (r *RunResult) record() (store.RunRecord, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return store.RunRecord{}, err
	}
	return store.RunRecord{
		ID:         r.RunID,
		Tenant:     r.Tenant,
		Status:     string(r.Status),
		Result:     data,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}, nil
}
