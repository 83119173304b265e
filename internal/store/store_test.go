package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/roach88/meshsync/internal/ir"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithNow(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEnqueue(t *testing.T, s *Store, id, tenant string, action ir.Action) int64 {
	t.Helper()
	seq, err := s.Enqueue(context.Background(), ir.DirtyEntry{
		ObjectID: ir.GlobalID(id), ObjectType: "page", Tenant: tenant, Action: action,
	})
	if err != nil {
		t.Fatalf("Enqueue(%s) failed: %v", id, err)
	}
	return seq
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := setupTestStore(t)

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestEnqueue_AssignsIncreasingSeq(t *testing.T) {
	s := setupTestStore(t)

	a := mustEnqueue(t, s, "1.a", "acme", ir.ActionCreate)
	b := mustEnqueue(t, s, "1.b", "acme", ir.ActionModify)
	if b <= a {
		t.Errorf("seq not increasing: %d then %d", a, b)
	}
}

func TestEnqueue_Validates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	bad := []ir.DirtyEntry{
		{Tenant: "acme", Action: ir.ActionCreate},
		{ObjectID: "1.a", Action: ir.ActionCreate},
		{ObjectID: "1.a", Tenant: "acme", Action: "publish"},
	}
	for i, e := range bad {
		if _, err := s.Enqueue(ctx, e); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestPending_FiltersByTenantAndKeepsOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, s, "1.a", "acme", ir.ActionCreate)
	mustEnqueue(t, s, "2.x", "globex", ir.ActionCreate)
	_, err := s.Enqueue(ctx, ir.DirtyEntry{ObjectID: "1.b", Tenant: "acme", Action: ir.ActionModify, Attributes: []string{"title"}})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.Pending(ctx, "acme")
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ObjectID != "1.a" || entries[1].ObjectID != "1.b" {
		t.Errorf("wrong order: %v, %v", entries[0].ObjectID, entries[1].ObjectID)
	}
	if len(entries[1].Attributes) != 1 || entries[1].Attributes[0] != "title" {
		t.Errorf("attributes = %v", entries[1].Attributes)
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	all, err := s.Pending(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d entries, want 3", len(all))
	}

	tenants, err := s.Tenants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "globex" {
		t.Errorf("tenants = %v", tenants)
	}
}

func TestRemove_KeepsEntriesAfterDrainedSeq(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	drained := mustEnqueue(t, s, "1.a", "acme", ir.ActionModify)
	mustEnqueue(t, s, "1.a", "acme", ir.ActionDelete)

	n, err := s.Remove(ctx, "1.a", drained)
	if err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d rows, want 1", n)
	}

	entries, err := s.Pending(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != ir.ActionDelete {
		t.Errorf("late entry lost: %+v", entries)
	}
}

func TestMarkAttempt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seq := mustEnqueue(t, s, "1.a", "acme", ir.ActionModify)
	for want := 1; want <= 3; want++ {
		got, err := s.MarkAttempt(ctx, "1.a", seq)
		if err != nil {
			t.Fatalf("MarkAttempt() failed: %v", err)
		}
		if got != want {
			t.Errorf("attempts = %d, want %d", got, want)
		}
	}

	entries, _ := s.Pending(ctx, "acme")
	if entries[0].Attempts != 3 {
		t.Errorf("stored attempts = %d, want 3", entries[0].Attempts)
	}
}

func TestSchemaCache(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, _, ok, err := s.CachedSchema(ctx, "site", "schema/page"); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	if err := s.CacheSchema(ctx, "site", "schema/page", "abc", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.CacheSchema(ctx, "site", "schema/page", "def", 2); err != nil {
		t.Fatal(err)
	}

	fp, version, ok, err := s.CachedSchema(ctx, "site", "schema/page")
	if err != nil || !ok {
		t.Fatalf("CachedSchema() ok=%v err=%v", ok, err)
	}
	if fp != "def" || version != 2 {
		t.Errorf("got (%s, %d), want (def, 2)", fp, version)
	}

	if err := s.InvalidateSchemas(ctx, "site"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, _ := s.CachedSchema(ctx, "site", "schema/page"); ok {
		t.Error("cache entry survived invalidation")
	}
}

func TestPublishedMarkers(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.MarkPublished(ctx, "site", "site", "1.a", "uuid-a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsPublished(ctx, "site", "site", "1.a"); !ok {
		t.Error("marker missing")
	}
	if ok, _ := s.IsPublished(ctx, "site", "site_v1", "1.a"); ok {
		t.Error("marker leaked into another branch")
	}

	if err := s.CopyPublished(ctx, "site", "site", "site_v1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsPublished(ctx, "site", "site_v1", "1.a"); !ok {
		t.Error("marker not copied")
	}

	if err := s.Unpublish(ctx, "site", "site", "1.a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsPublished(ctx, "site", "site", "1.a"); ok {
		t.Error("marker survived unpublish")
	}
}

func TestRunLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		err := s.RecordRun(ctx, RunRecord{
			ID:        id,
			Tenant:    "acme",
			Status:    "succeeded",
			Result:    json.RawMessage(`{"run_id":"` + id + `"}`),
			StartedAt: start.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordRun(%s) failed: %v", id, err)
		}
	}

	runs, err := s.Runs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != "run-3" || runs[1].ID != "run-2" {
		t.Errorf("order = %s, %s", runs[0].ID, runs[1].ID)
	}
	if string(runs[0].Result) != `{"run_id":"run-3"}` {
		t.Errorf("result = %s", runs[0].Result)
	}
	if !runs[0].StartedAt.Equal(start.Add(2 * time.Minute)) {
		t.Errorf("started_at = %v", runs[0].StartedAt)
	}
}

func TestTenantRoles(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.SetTenantRoles(ctx, "p1", "acme", []string{"admin", "editors"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTenantRoles(ctx, "p1", "beta", []string{"admin", "writers"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTenantRoles(ctx, "p2", "gamma", []string{"readers"}); err != nil {
		t.Fatal(err)
	}

	roles, err := s.ProjectRoles(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"admin", "editors", "writers"}
	if !slices.Equal(roles, want) {
		t.Errorf("ProjectRoles = %v, want %v", roles, want)
	}

	// A tenant's newer set replaces its older one.
	if err := s.SetTenantRoles(ctx, "p1", "acme", []string{"admin"}); err != nil {
		t.Fatal(err)
	}
	roles, err = s.ProjectRoles(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	want = []string{"admin", "writers"}
	if !slices.Equal(roles, want) {
		t.Errorf("ProjectRoles = %v, want %v", roles, want)
	}

	roles, err = s.ProjectRoles(ctx, "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 0 {
		t.Errorf("ProjectRoles(unknown) = %v, want empty", roles)
	}
}
