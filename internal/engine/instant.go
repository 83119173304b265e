package engine

import (
	"context"
	"fmt"

	"github.com/roach88/meshsync/internal/consistency"
	"github.com/roach88/meshsync/internal/ir"
)

// Instant publishes one object synchronously, outside a batch drain.
//
// It takes the same project lock as PublishTenant, so it never interleaves
// with a drain of the same project. The project is repaired before the
// first instant write and the repair is reused until the next batch run.
// The queue is left alone: entries of the object are drained by the next
// batch run, which then finds nothing to write.
func (e *Engine) Instant(ctx context.Context, tenantID string, id ir.GlobalID) (*RunResult, error) {
	if !e.cfg.InstantPublish {
		return nil, ErrInstantDisabled
	}
	res := &RunResult{RunID: e.ids.Generate(), Mode: ModeInstant, Tenant: tenantID, StartedAt: e.now()}
	err := e.instant(ctx, res, id)
	return res, e.conclude(ctx, res, err)
}

func (e *Engine) instant(ctx context.Context, res *RunResult, id ir.GlobalID) error {
	tenant, plan, err := e.plan(ctx, res.Tenant)
	if err != nil {
		return err
	}
	unlock, err := e.locker.Lock(ctx, plan.UUID)
	if err != nil {
		return err
	}
	defer unlock()

	report, err := e.repairOnce(ctx, plan.UUID, tenant.ID)
	if err != nil {
		return fmt.Errorf("repair project: %w", err)
	}
	res.Project, res.Branch = report.Project.Name, report.Branch

	rs := newRunState(res.RunID, tenant, report)
	r := e.resolve(ctx, rs, &pending{ID: id, Action: ir.ActionModify})
	if r.obj.Tenant != "" && r.obj.Tenant != tenant.ID {
		return fmt.Errorf("object %s belongs to tenant %s, not %s", id, r.obj.Tenant, tenant.ID)
	}
	if err := e.drain(ctx, rs, []*resolved{r}); err != nil {
		return err
	}
	if !r.settled() {
		r.fail(&PublishError{Kind: KindInternal, Object: id, Message: "object was not settled"})
	}
	res.Objects = append(res.Objects, e.objectResult(ctx, r))
	return nil
}

// repairOnce returns the cached repair of a project, running one when
// there is none. The caller holds the project lock.
func (e *Engine) repairOnce(ctx context.Context, projectUUID, tenantID string) (*consistency.Report, error) {
	e.mu.Lock()
	report, ok := e.repaired[projectUUID]
	e.mu.Unlock()
	if ok {
		return report, nil
	}

	report, err := e.checker.Run(ctx, tenantID, consistency.ModeRepair, false)
	if err != nil {
		return nil, err
	}
	e.remember(projectUUID, report)
	return report, nil
}
