package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
)

const fixtureYAML = `
tenants:
  - id: acme
    display_name: ACME Corp
    root: "1.1"
objects:
  - id: "1.1"
    type: folder
    tenant: acme
    languages: [en, de]
    attributes:
      "*":
        name: home
        editors: [staff, press]
  - id: "1.2"
    type: page
    tenant: acme
    parent: "1.1"
    languages: [en, de]
    attributes:
      "*":
        filename: index.html
        weight: 3
        visible: true
        published: {date: "2024-03-01T10:00:00Z"}
        logo: {binary: {file: logo.png, mime: image/png, size: 42}}
        related: {refs: ["1.1", {external: "https://example.com"}]}
        body: {micronodes: [{construct: quote, fields: {text: Hi}}]}
      en:
        title: Welcome
      de:
        title: Willkommen
`

func loadTestFixture(t *testing.T) *Fixture {
	t.Helper()
	f := NewFixture()
	require.NoError(t, f.Merge([]byte(fixtureYAML)))
	return f
}

func TestFixture_ResolveDecodesTaggedValues(t *testing.T) {
	ctx := context.Background()
	f := loadTestFixture(t)

	en, err := f.Resolve(ctx, "1.2", "en")
	require.NoError(t, err)
	assert.Equal(t, ir.Text("Welcome"), en["title"])
	assert.Equal(t, ir.Text("index.html"), en["filename"])
	assert.Equal(t, ir.Number(3), en["weight"])
	assert.Equal(t, ir.Boolean(true), en["visible"])
	assert.Equal(t, ir.Date(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)), en["published"])
	assert.Equal(t, ir.Binary{FileName: "logo.png", MimeType: "image/png", Size: 42}, en["logo"])
	assert.Equal(t, ir.ReferenceList{{Target: "1.1"}, {External: "https://example.com"}}, en["related"])
	assert.Equal(t, ir.MicronodeList{{Construct: "quote", Fields: map[string]ir.Value{"text": ir.Text("Hi")}}}, en["body"])

	de, err := f.Resolve(ctx, "1.2", "de")
	require.NoError(t, err)
	assert.Equal(t, ir.Text("Willkommen"), de["title"])
}

func TestFixture_ObjectAndChildren(t *testing.T) {
	ctx := context.Background()
	f := loadTestFixture(t)

	o, err := f.Object(ctx, "1.2")
	require.NoError(t, err)
	assert.Equal(t, "page", o.Type)
	assert.Equal(t, ir.GlobalID("1.1"), o.Parent)
	assert.True(t, o.Online())

	kids, err := f.Children(ctx, "1.1")
	require.NoError(t, err)
	assert.Equal(t, []ir.GlobalID{"1.2"}, kids)

	_, err = f.Object(ctx, "9.9")
	assert.ErrorIs(t, err, ErrNotFound)

	tenant, err := f.Tenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ACME Corp", tenant.DisplayName)
}

func TestFixture_ComputeRoles(t *testing.T) {
	ctx := context.Background()
	f := loadTestFixture(t)

	roles, err := f.ComputeRoles(ctx, "1.2", "inherit:editors")
	require.NoError(t, err)
	assert.Equal(t, []string{"staff", "press"}, roles)

	roles, err = f.ComputeRoles(ctx, "1.2", "static: a, b ,")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, roles)

	roles, err = f.ComputeRoles(ctx, "1.2", "inherit:nobody")
	require.NoError(t, err)
	assert.Empty(t, roles)

	_, err = f.ComputeRoles(ctx, "1.2", "script:whatever")
	assert.Error(t, err)
}

func TestFixture_Mutations(t *testing.T) {
	ctx := context.Background()
	f := loadTestFixture(t)

	require.NoError(t, f.SetAttribute("1.2", "en", "title", ir.Text("Hello")))
	en, _ := f.Resolve(ctx, "1.2", "en")
	assert.Equal(t, ir.Text("Hello"), en["title"])

	require.NoError(t, f.SetFlags("1.2", true, false))
	o, _ := f.Object(ctx, "1.2")
	assert.False(t, o.Online())

	f.Drop("1.2")
	_, err := f.Object(ctx, "1.2")
	assert.ErrorIs(t, err, ErrNotFound)
	kids, _ := f.Children(ctx, "1.1")
	assert.Empty(t, kids)
}

func TestFixture_MoveRelinksChildren(t *testing.T) {
	ctx := context.Background()
	f := loadTestFixture(t)
	o, err := f.Object(ctx, "1.2")
	require.NoError(t, err)

	o.Parent = ""
	require.NoError(t, f.Put(o, nil))

	kids, _ := f.Children(ctx, "1.1")
	assert.Empty(t, kids)
	roots, _ := f.Children(ctx, "")
	assert.Contains(t, roots, ir.GlobalID("1.2"))
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0o644))

	f, err := LoadFixture(path)
	require.NoError(t, err)
	_, err = f.Object(context.Background(), "1.1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("objects:\n  - id: x\n    attributes: {en: {a: {bogus: 1}}}\n"), 0o644))
	_, err = LoadFixture(path)
	assert.Error(t, err)
}
