package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/engine"
	"github.com/roach88/meshsync/internal/target"
)

const testRules = `
types: [
	{name: "folder", container: true},
	{name: "page"},
]
rules: [
	{type: "folder", field: "name", value_type: "text", display: true, segment: true},
	{type: "page", field: "title", value_type: "text", display: true},
	{type: "page", field: "filename", value_type: "text", segment: true},
]
`

const testContent = `
tenants:
  - {id: acme, display_name: Acme, root: "1.1"}
objects:
  - id: "1.1"
    type: folder
    tenant: acme
    languages: [en]
    attributes:
      "*": {name: root}
  - id: "1.2"
    type: page
    tenant: acme
    parent: "1.1"
    languages: [en]
    attributes:
      en: {title: Home, filename: index.html}
`

// cliEnv is a config directory with rules, content and a store, wired to
// an in-memory target.
type cliEnv struct {
	dir  string
	repo *target.Memory
	opts *RootOptions
}

func newCLIEnv(t *testing.T, extraConfig string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "rules.cue", testRules)
	writeTestFile(t, dir, "content.yaml", testContent)
	config := writeTestFile(t, dir, "meshsync.yaml", `
languages: [en]
permission:
  default_role: anonymous
rules: rules.cue
source: content.yaml
store: meshsync.db
lock_dir: locks
`+extraConfig)

	repo := target.NewMemory()
	return &cliEnv{
		dir:  dir,
		repo: repo,
		opts: &RootOptions{
			Format:     "text",
			Config:     config,
			Repository: repo,
			IDs:        engine.NewSequenceGenerator("run"),
		},
	}
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs cmd with args and returns its combined output.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func (e *cliEnv) enqueue(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := execute(NewEnqueueCommand(e.opts), "acme", id, "--action", "create")
		require.NoError(t, err)
	}
}
