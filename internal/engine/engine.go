package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/meshsync/internal/compose"
	"github.com/roach88/meshsync/internal/consistency"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/permission"
	"github.com/roach88/meshsync/internal/project"
	"github.com/roach88/meshsync/internal/source"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/target"
)

// DefaultMaxAttempts is used when the configuration sets no attempt
// threshold.
const DefaultMaxAttempts = 5

// Engine drains the dirty queue into the target repository.
//
// Runs for different projects execute concurrently. All writes for one
// project happen inside a run holding that project's Locker slot, and
// within a run they are issued from a single goroutine in dependency
// order. Only Resolve, which reads the source tree, runs in parallel.
type Engine struct {
	cfg      ir.RepositoryConfig
	repo     target.Repository
	tree     source.Tree
	store    *store.Store
	checker  *consistency.Checker
	perms    *permission.Synchronizer
	composer *compose.Composer
	locker   *Locker
	ids      IDGenerator
	now      func() time.Time

	maxPasses     int
	maxAttempts   int
	workers       int
	segmentFields map[string]string

	mu       sync.Mutex
	repaired map[string]*consistency.Report // by project UUID, for instant publish
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLocker replaces the default in-process Locker, typically with one
// that also takes file locks.
func WithLocker(l *Locker) EngineOption {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithIDGenerator sets the run ID generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithNow sets the wall clock used for run timestamps.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMaxPasses fixes the work-list pass limit of one run.
//
// Default: derived from the size of the work list (PassLimit).
func WithMaxPasses(n int) EngineOption {
	return func(e *Engine) {
		e.maxPasses = n
	}
}

// WithWorkers sets how many objects are resolved, and how many tenants are
// published, concurrently. It overrides the configured worker count.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		e.workers = n
	}
}

// New creates an Engine. The store holds the dirty queue and also serves
// as schema cache and published-marker bookkeeping.
func New(cfg ir.RepositoryConfig, repo target.Repository, tree source.Tree, st *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:           cfg,
		repo:          repo,
		tree:          tree,
		store:         st,
		checker:       consistency.New(cfg, repo, tree, st, st),
		perms:         permission.New(repo, tree, cfg.Permission),
		composer:      compose.New(cfg.Rules),
		locker:        NewLocker(""),
		ids:           UUIDv7Generator{},
		now:           time.Now,
		maxAttempts:   cfg.MaxAttempts,
		workers:       cfg.Workers,
		segmentFields: segmentFields(cfg.Rules),
		repaired:      make(map[string]*consistency.Report),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = DefaultMaxAttempts
	}
	return e
}

// runState is what the stages of one run share.
type runState struct {
	runID    string
	tenant   ir.Tenant
	project  string
	branch   string
	report   *consistency.Report
	versions map[string]int
	clock    *Clock

	byID      map[ir.GlobalID]*resolved
	byUUID    map[string]*resolved
	items     map[string]*workItem
	deletions map[string]*resolved // by node UUID
}

func newRunState(runID string, tenant ir.Tenant, report *consistency.Report) *runState {
	return &runState{
		runID:     runID,
		tenant:    tenant,
		project:   report.Project.Name,
		branch:    report.Branch,
		report:    report,
		versions:  report.Versions(),
		clock:     NewClock(),
		byID:      make(map[ir.GlobalID]*resolved),
		byUUID:    make(map[string]*resolved),
		items:     make(map[string]*workItem),
		deletions: make(map[string]*resolved),
	}
}

// upsertParent returns the object's parent when the parent is part of the
// run and the object's writes depend on its outcome.
func (rs *runState) upsertParent(r *resolved) *resolved {
	if r.obj.Parent.IsZero() {
		return nil
	}
	p := rs.byID[r.obj.Parent]
	if p == nil || (p.op != opUpsert && p.status != ObjectFailed && p.status != ObjectDeferred) {
		return nil
	}
	return p
}

// Publish runs PublishTenant for every tenant with pending entries, up to
// the configured number of workers at a time. Results are returned for
// every tenant, including those whose run failed.
func (e *Engine) Publish(ctx context.Context) ([]*RunResult, error) {
	tenants, err := e.store.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	results := make([]*RunResult, len(tenants))
	errs := make([]error, len(tenants))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, tenant := range tenants {
		g.Go(func() error {
			results[i], errs[i] = e.PublishTenant(ctx, tenant)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// PublishTenant drains the tenant's pending entries into its project.
//
// The run repairs the project first, then coalesces the queue, resolves
// every object against the current source state, writes upserts in
// dependency order, deletes what went away, syncs permissions and finally
// removes the entries of every object that succeeded. Entries of deferred
// and failed objects stay queued. The result is always returned and
// recorded in the run log; the error is non-nil only when the run as a
// whole failed.
func (e *Engine) PublishTenant(ctx context.Context, tenantID string) (*RunResult, error) {
	res := &RunResult{RunID: e.ids.Generate(), Mode: ModeBatch, Tenant: tenantID, StartedAt: e.now()}
	err := e.publishTenant(ctx, res)
	return res, e.conclude(ctx, res, err)
}

func (e *Engine) publishTenant(ctx context.Context, res *RunResult) error {
	tenant, plan, err := e.plan(ctx, res.Tenant)
	if err != nil {
		return err
	}
	unlock, err := e.locker.Lock(ctx, plan.UUID)
	if err != nil {
		return err
	}
	defer unlock()

	report, err := e.checker.Run(ctx, tenant.ID, consistency.ModeRepair, false)
	res.Project, res.Branch = report.Project.Name, report.Branch
	res.MigrationJobs = report.Jobs
	if err != nil {
		return fmt.Errorf("repair project: %w", err)
	}
	e.remember(plan.UUID, report)

	entries, err := e.store.Pending(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	pendings := coalesce(entries)
	slog.Info("publish run starting", "run", res.RunID, "tenant", tenant.ID, "project", res.Project,
		"branch", res.Branch, "entries", len(entries), "objects", len(pendings))

	rs := newRunState(res.RunID, tenant, report)
	objects := e.resolveAll(ctx, rs, pendings)
	if err := e.drain(ctx, rs, objects); err != nil {
		return err
	}
	return e.commit(ctx, objects, res)
}

// plan looks up the tenant and resolves its project.
func (e *Engine) plan(ctx context.Context, tenantID string) (ir.Tenant, project.Plan, error) {
	tenant, err := e.tree.Tenant(ctx, tenantID)
	if err != nil {
		return tenant, project.Plan{}, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	plan, err := project.Resolve(tenant, e.cfg)
	return tenant, plan, err
}

func (e *Engine) remember(projectUUID string, report *consistency.Report) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repaired[projectUUID] = report
}

// drain applies resolved objects: project and branch permissions, then
// upserts, deletions and node permissions.
func (e *Engine) drain(ctx context.Context, rs *runState, objects []*resolved) error {
	roles, err := e.projectRoles(ctx, rs)
	if err != nil {
		return err
	}
	for _, el := range []target.Element{
		{Kind: target.ElementProject, Project: rs.project},
		{Kind: target.ElementBranch, Project: rs.project, Name: rs.branch},
	} {
		if _, err := e.perms.Apply(ctx, el, roles); err != nil {
			return fmt.Errorf("%s permissions: %w", el.Kind, err)
		}
	}

	var upserts, deletions []*resolved
	for _, r := range dependencyOrder(objects) {
		rs.byID[r.pending.ID] = r
		if r.uuid != "" {
			rs.byUUID[r.uuid] = r
		}
		switch r.op {
		case opUpsert:
			upserts = append(upserts, r)
		case opDelete:
			deletions = append(deletions, r)
			rs.deletions[r.uuid] = r
		}
	}

	e.applyUpserts(ctx, rs, upserts)
	e.applyDeletions(ctx, rs, deletions)
	e.applyNodePermissions(ctx, rs, upserts)
	return nil
}

// projectRoles returns the roles granted on the run's project and branch.
// A project per tenant gets the tenant root's roles. A shared project gets
// the union of the role sets every tenant recorded for it, so one tenant's
// run never revokes another tenant's grants.
func (e *Engine) projectRoles(ctx context.Context, rs *runState) ([]string, error) {
	roles, err := e.perms.Roles(ctx, rs.tenant.Root)
	if err != nil {
		return nil, err
	}
	if e.cfg.ProjectPerTenant {
		return roles, nil
	}
	key := rs.report.Project.UUID
	if err := e.store.SetTenantRoles(ctx, key, rs.tenant.ID, roles); err != nil {
		return nil, err
	}
	return e.store.ProjectRoles(ctx, key)
}

// applyDeletions removes objects children first.
func (e *Engine) applyDeletions(ctx context.Context, rs *runState, deletions []*resolved) {
	for _, r := range slices.Backward(deletions) {
		if err := ctx.Err(); err != nil {
			r.deferTo(err)
			continue
		}
		e.deleteObject(ctx, rs, r)
	}
}

// deleteObject removes one object from the target. An object that was
// never published in the branch is skipped.
func (e *Engine) deleteObject(ctx context.Context, rs *runState, r *resolved) {
	if r.settled() {
		return
	}
	published, err := e.store.IsPublished(ctx, rs.project, rs.branch, string(r.pending.ID))
	if err != nil {
		r.settle(err)
		return
	}
	if !published {
		r.status, r.note = ObjectSkipped, "never published"
		return
	}
	if err := e.repo.DeleteNode(ctx, rs.project, rs.branch, r.uuid); err != nil && !target.IsNotFound(err) {
		r.settle(fmt.Errorf("delete node: %w", err))
		return
	}
	if err := e.store.Unpublish(context.WithoutCancel(ctx), rs.project, rs.branch, string(r.pending.ID)); err != nil {
		r.fail(err)
		return
	}
	r.status = ObjectDeleted
	r.order = rs.clock.Next()
}

func (e *Engine) applyNodePermissions(ctx context.Context, rs *runState, upserts []*resolved) {
	for _, r := range upserts {
		if r.status != ObjectPublished {
			continue
		}
		el := target.Element{Kind: target.ElementNode, Project: rs.project, Name: r.uuid}
		if _, err := e.perms.Apply(ctx, el, r.roles); err != nil {
			// The content is written; the object is retried for its permissions.
			r.status = ""
			r.settle(fmt.Errorf("node permissions: %w", err))
		}
	}
}

// commit settles the queue: entries of succeeded objects are removed up to
// the seq the run saw, deferred objects have their attempts counted.
// It runs even when ctx is cancelled so the queue matches what was written.
func (e *Engine) commit(ctx context.Context, objects []*resolved, res *RunResult) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, r := range objects {
		if !r.settled() {
			r.fail(&PublishError{Kind: KindInternal, Object: r.pending.ID, Message: "object was not settled"})
		}
		switch {
		case r.status.Succeeded():
			if _, err := e.store.Remove(ctx, r.pending.ID, r.pending.MaxSeq); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", r.pending.ID, err))
			}
		case r.status == ObjectDeferred && !r.cancelled:
			n, err := e.store.MarkAttempt(ctx, r.pending.ID, r.pending.MaxSeq)
			if err != nil {
				errs = append(errs, fmt.Errorf("mark attempt %s: %w", r.pending.ID, err))
				break
			}
			r.pending.Attempts = n
			if n >= e.maxAttempts {
				r.status = ObjectFailed
				slog.Warn("object gave up after attempts", "run", res.RunID, "object", r.pending.ID, "attempts", n, "error", r.err)
			}
		}
		res.Objects = append(res.Objects, e.objectResult(ctx, r))
	}
	return errors.Join(errs...)
}

func (e *Engine) objectResult(ctx context.Context, r *resolved) ObjectResult {
	out := ObjectResult{
		ID:       r.pending.ID,
		UUID:     r.uuid,
		Type:     r.obj.Type,
		Action:   r.pending.Action,
		Status:   r.status,
		Note:     r.note,
		Attempts: r.pending.Attempts,
		Order:    r.order,
	}
	if out.Type == "" {
		out.Type = r.pending.Type
	}
	for _, n := range r.nodes {
		if r.langsDone[n.Language] {
			out.Languages = append(out.Languages, n.Language)
		}
	}
	if r.err != nil && !r.status.Succeeded() {
		out.Kind = r.err.Kind
		out.Error = r.err.Error()
	}
	if r.status == ObjectFailed {
		out.Subtree = e.subtree(ctx, r.pending.ID)
	}
	return out
}

// subtree lists the source descendants of id, whose target state a failure
// of id leaves unknown.
func (e *Engine) subtree(ctx context.Context, id ir.GlobalID) []ir.GlobalID {
	var out []ir.GlobalID
	queue := []ir.GlobalID{id}
	for len(queue) > 0 {
		children, err := e.tree.Children(ctx, queue[0])
		queue = queue[1:]
		if err != nil {
			slog.Debug("list children", "object", id, "error", err)
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	slices.Sort(out)
	return out
}

// conclude finishes and records a run. Recording failures are joined to
// the run error.
func (e *Engine) conclude(ctx context.Context, res *RunResult, err error) error {
	if err != nil {
		res.fail(err)
	}
	res.finish(e.now())

	rec, rerr := res.record()
	if rerr == nil {
		rerr = e.store.RecordRun(context.WithoutCancel(ctx), rec)
	}
	if rerr != nil {
		err = errors.Join(err, fmt.Errorf("record run: %w", rerr))
	}

	attrs := []any{"run", res.RunID, "mode", res.Mode, "tenant", res.Tenant, "status", res.Status,
		"published", res.Count(ObjectPublished), "deleted", res.Count(ObjectDeleted),
		"deferred", res.Count(ObjectDeferred), "failed", res.Count(ObjectFailed)}
	if err != nil {
		slog.Error("publish run failed", append(attrs, "error", err)...)
	} else {
		slog.Info("publish run finished", attrs...)
	}
	return err
}
