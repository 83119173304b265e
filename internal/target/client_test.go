package target

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientOptions{
		URL:           srv.URL,
		Username:      "admin",
		Password:      "secret",
		Timeout:       2 * time.Second,
		Retries:       3,
		RetryInterval: time.Millisecond,
		Debug:         true,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func TestClient_RoundTripAgainstServer(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, NewServer(seedMemory(t)))

	projects, err := c.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Project{{UUID: "p1", Name: "site"}}, projects)

	require.NoError(t, c.UpsertNode(ctx, "site", "site", page("a", "", "home")))
	n, err := c.Node(ctx, "site", "site", "en", "a")
	require.NoError(t, err)
	assert.Equal(t, "home", n.Fields["slug"])
	assert.Equal(t, ir.SchemaRef{Name: "page", Version: 1}, n.Schema)

	refs, err := c.ProjectSchemas(ctx, "site", ir.KindSchema)
	require.NoError(t, err)
	assert.Equal(t, []ir.SchemaRef{{Name: "page", Version: 1}}, refs)

	require.NoError(t, c.CreateRole(ctx, "editors"))
	e := Element{Kind: ElementNode, Project: "site", Name: "a"}
	require.NoError(t, c.SetPermissions(ctx, "editors", e, []string{PermReadPublished}))
	perms, err := c.Permissions(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"editors": {PermReadPublished}}, perms)
}

func TestClient_NodeLanguages(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, NewServer(seedMemory(t)))

	de := page("a", "", "heim")
	de.Language = "de"
	require.NoError(t, c.UpsertNode(ctx, "site", "site", page("a", "", "home")))
	require.NoError(t, c.UpsertNode(ctx, "site", "site", de))

	langs, err := c.NodeLanguages(ctx, "site", "site", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"de", "en"}, langs)

	require.NoError(t, c.DeleteNodeLanguage(ctx, "site", "site", "de", "a"))
	langs, err = c.NodeLanguages(ctx, "site", "site", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"en"}, langs)

	err = c.DeleteNodeLanguage(ctx, "site", "site", "de", "a")
	assert.True(t, IsNotFound(err))
}

func TestClient_ConflictMapsToConflictError(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, NewServer(seedMemory(t)))

	require.NoError(t, c.UpsertNode(ctx, "site", "site", page("a", "", "home")))
	err := c.UpsertNode(ctx, "site", "site", page("b", "", "home"))

	ce, ok := AsConflict(err)
	require.True(t, ok, "expected conflict, got %v", err)
	assert.Equal(t, "b", ce.UUID)
	assert.Equal(t, "a", ce.ConflictingUUID)
	assert.Equal(t, "home", ce.Value)
}

func TestClient_NotFound(t *testing.T) {
	c := newTestClient(t, NewServer(seedMemory(t)))

	_, err := c.Node(context.Background(), "site", "site", "en", "missing")
	require.True(t, IsNotFound(err))
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "node", nf.Kind)
}

func TestClient_RetriesUnavailableReads(t *testing.T) {
	var calls atomic.Int32
	inner := NewServer(seedMemory(t))
	flaky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	})
	c := newTestClient(t, flaky)

	projects, err := c.Projects(context.Background())
	require.NoError(t, err)
	assert.Len(t, projects, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_WritesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	err := c.CreateRole(context.Background(), "editors")
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_SendsBasicAuth(t *testing.T) {
	var user, pass string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		respondJSON(w, http.StatusOK, []Role{})
	}))

	_, err := c.Roles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "secret", pass)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(ClientOptions{URL: "ftp://example.com"})
	assert.Error(t, err)
}
