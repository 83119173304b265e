package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/meshsync/internal/consistency"
	"github.com/roach88/meshsync/internal/engine"
	"github.com/roach88/meshsync/internal/identity"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/source"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/target"
	"github.com/roach88/meshsync/internal/testutil"
)

// Epoch is the first timestamp of every scenario run.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness executes one scenario against fresh state.
type Harness struct {
	scenario *Scenario
	cfg      ir.RepositoryConfig
	store    *store.Store
	repo     *target.Memory
	tree     *source.Fixture
	clock    *testutil.StepClock
	ids      *engine.SequenceGenerator
	locker   *engine.Locker
	logger   *slog.Logger

	// objects maps target UUIDs back to source IDs for the snapshot.
	objects map[string]ir.GlobalID
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store and target with a
// stepping clock and sequential run IDs, so the same scenario always
// produces the same result and snapshot.
func Run(scenario *Scenario) (*Result, error) {
	clock := testutil.NewStepClock(Epoch, time.Second)
	st, err := store.Open(":memory:", store.WithNow(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	tree := source.NewFixture()
	if err := tree.Apply(scenario.Content); err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		cfg:      scenario.repositoryConfig(),
		store:    st,
		repo:     target.NewMemory(),
		tree:     tree,
		clock:    clock,
		ids:      engine.NewSequenceGenerator("run"),
		locker:   engine.NewLocker(""),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		objects:  make(map[string]ir.GlobalID),
	}
	for _, o := range scenario.Content.Objects {
		h.track(o.ID)
	}

	prev := slog.Default()
	slog.SetDefault(h.logger)
	defer slog.SetDefault(prev)

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		sr, err := h.execute(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Kind(), err)
		}
		result.Steps = append(result.Steps, sr)
		for _, msg := range checkExpect(sr, step.Expect) {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, sr.Kind, msg))
		}
	}

	actx := &AssertionContext{Ctx: ctx, Repo: h.repo, Store: st, Objects: h.objects}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}

	snapshot, err := h.snapshot(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("failed to render snapshot: %w", err)
	}
	result.Snapshot = snapshot
	return result, nil
}

func (h *Harness) track(id ir.GlobalID) {
	if uuid, err := identity.UUID(id); err == nil {
		h.objects[uuid] = id
	}
}

func (h *Harness) engine() *engine.Engine {
	return engine.New(h.cfg, h.repo, h.tree, h.store,
		engine.WithIDGenerator(h.ids),
		engine.WithNow(h.clock.Now),
		engine.WithLocker(h.locker),
	)
}

// execute runs one step. Errors returned here abort the scenario; run
// failures are part of the step result instead.
func (h *Harness) execute(ctx context.Context, index int, step Step) (sr StepResult, err error) {
	sr = StepResult{Index: index, Kind: step.Kind()}
	before := h.repo.Writes()
	defer func() { sr.Writes = h.repo.Writes() - before }()

	switch sr.Kind {
	case StepEnqueue:
		for _, e := range step.Enqueue {
			obj, err := h.tree.Object(ctx, e.ID)
			if err != nil && !errors.Is(err, source.ErrNotFound) {
				return sr, err
			}
			tenant := obj.Tenant
			if tenant == "" {
				tenant = h.defaultTenant()
			}
			h.track(e.ID)
			if _, err := h.store.Enqueue(ctx, ir.DirtyEntry{
				ObjectID:   e.ID,
				ObjectType: obj.Type,
				Tenant:     tenant,
				Action:     e.Action,
				Attributes: e.Attributes,
			}); err != nil {
				return sr, err
			}
		}

	case StepPublish:
		sr.Tenant = step.Publish
		res, err := h.engine().PublishTenant(ctx, step.Publish)
		recordRun(&sr, res, err)

	case StepInstant:
		sr.Tenant = step.Instant.Tenant
		h.track(step.Instant.ID)
		res, err := h.engine().Instant(ctx, step.Instant.Tenant, step.Instant.ID)
		recordRun(&sr, res, err)

	case StepCheck, StepRepair:
		mode, tenant := consistency.ModeCheck, step.Check
		if sr.Kind == StepRepair {
			mode, tenant = consistency.ModeRepair, step.Repair
		}
		sr.Tenant = tenant
		report, err := consistency.New(h.cfg, h.repo, h.tree, h.store, h.store).Run(ctx, tenant, mode, false)
		if err != nil {
			sr.Error = err.Error()
		}
		if report != nil {
			sr.Drift = report.Drift()
		}

	case StepSet:
		lang := step.Set.Language
		if lang == "" {
			lang = source.SharedLanguage
		}
		v, err := source.ParseValue(&step.Set.Value)
		if err != nil {
			return sr, err
		}
		if err := h.tree.SetAttribute(step.Set.ID, lang, step.Set.Attribute, v); err != nil {
			return sr, err
		}

	case StepRemove:
		h.tree.Drop(ir.GlobalID(step.Remove))

	case StepOffline:
		if err := h.tree.SetFlags(ir.GlobalID(step.Offline), false, true); err != nil {
			return sr, err
		}

	case StepVersion:
		h.cfg.Version = *step.Version

	case StepFail:
		times := max(step.Fail.Times, 1)
		errs := make([]error, times)
		for i := range errs {
			errs[i] = &target.TransientError{Op: step.Fail.Op, Err: errors.New("injected failure")}
		}
		h.repo.FailNext(step.Fail.Op, errs...)
	}
	return sr, nil
}

// defaultTenant is the first tenant of the scenario content.
func (h *Harness) defaultTenant() string {
	if len(h.scenario.Content.Tenants) == 0 {
		return ""
	}
	return h.scenario.Content.Tenants[0].ID
}

func recordRun(sr *StepResult, res *engine.RunResult, err error) {
	if err != nil {
		sr.Error = err.Error()
	}
	if res == nil {
		return
	}
	sr.Status = string(res.Status)
	sr.Objects = make(map[string]string, len(res.Objects))
	for _, o := range res.Objects {
		sr.Objects[string(o.ID)] = string(o.Status)
	}
}

// checkExpect compares a step result with its expectation.
func checkExpect(sr StepResult, expect *Expect) []string {
	if expect == nil {
		if sr.Error != "" {
			return []string{"unexpected error: " + sr.Error}
		}
		return nil
	}
	var errs []string
	if expect.Status != "" && expect.Status != sr.Status {
		errs = append(errs, fmt.Sprintf("status: expected %s, got %s", expect.Status, sr.Status))
	}
	ids := make([]string, 0, len(expect.Objects))
	for id := range expect.Objects {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if got := sr.Objects[id]; got != expect.Objects[id] {
			errs = append(errs, fmt.Sprintf("object %s: expected %s, got %q", id, expect.Objects[id], got))
		}
	}
	if expect.Writes != nil && *expect.Writes != sr.Writes {
		errs = append(errs, fmt.Sprintf("writes: expected %d, got %d", *expect.Writes, sr.Writes))
	}
	if expect.Drift != nil && *expect.Drift != sr.Drift {
		errs = append(errs, fmt.Sprintf("drift: expected %t, got %t", *expect.Drift, sr.Drift))
	}
	switch {
	case expect.Error != "" && !strings.Contains(sr.Error, expect.Error):
		errs = append(errs, fmt.Sprintf("error: expected %q, got %q", expect.Error, sr.Error))
	case expect.Error == "" && sr.Error != "":
		errs = append(errs, "unexpected error: "+sr.Error)
	}
	return errs
}
