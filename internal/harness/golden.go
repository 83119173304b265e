package harness

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/target"
)

// snapshot renders the step outcomes and the final target and queue state
// as stable text: projects by name, nodes by source ID then language, and
// node fields as canonical JSON.
func (h *Harness) snapshot(ctx context.Context, result *Result) (string, error) {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario %s\n", h.scenario.Name)

	for _, sr := range result.Steps {
		fmt.Fprintf(&buf, "steps[%d] %s", sr.Index, sr.Kind)
		switch sr.Kind {
		case StepPublish, StepInstant:
			fmt.Fprintf(&buf, " %s: %s", sr.Tenant, sr.Status)
		case StepCheck, StepRepair:
			fmt.Fprintf(&buf, " %s: drift=%t", sr.Tenant, sr.Drift)
		}
		if sr.Error != "" {
			fmt.Fprintf(&buf, " error=%q", sr.Error)
		}
		buf.WriteString("\n")
		for _, id := range slices.Sorted(maps.Keys(sr.Objects)) {
			fmt.Fprintf(&buf, "  %s %s\n", id, sr.Objects[id])
		}
	}

	projects, err := h.repo.Projects(ctx)
	if err != nil {
		return "", err
	}
	slices.SortFunc(projects, func(a, b target.Project) int { return cmp.Compare(a.Name, b.Name) })
	for _, p := range projects {
		fmt.Fprintf(&buf, "project %s\n", p.Name)
		branches, err := h.repo.Branches(ctx, p.Name)
		if err != nil {
			return "", err
		}
		for _, b := range branches {
			fmt.Fprintf(&buf, "  branch %s tags=%s pins=%s\n", b.Name, orDash(b.Tags), orDash(pins(b.Pins)))
			lines, err := h.nodeLines(p.Name, b.Name)
			if err != nil {
				return "", err
			}
			for _, line := range lines {
				fmt.Fprintf(&buf, "    %s\n", line)
			}
		}
	}

	pending, err := h.store.Pending(ctx, "")
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		buf.WriteString("queue empty\n")
	} else {
		buf.WriteString("queue\n")
		for _, e := range pending {
			fmt.Fprintf(&buf, "  %s %s attempts=%d\n", e.ObjectID, e.Action, e.Attempts)
		}
	}
	return buf.String(), nil
}

func (h *Harness) nodeLines(project, branch string) ([]string, error) {
	type line struct {
		id, lang, text string
	}
	var lines []line
	for _, n := range h.repo.Nodes(project, branch) {
		id := describe(h.objects, n.UUID)
		parent := "-"
		if n.ParentUUID != "" {
			parent = describe(h.objects, n.ParentUUID)
		}
		fields, err := ir.MarshalCanonical(n.Fields)
		if err != nil {
			// Non-integral numbers have no canonical form.
			if fields, err = json.Marshal(n.Fields); err != nil {
				return nil, err
			}
		}
		lines = append(lines, line{id, n.Language,
			fmt.Sprintf("%s %s parent=%s %s@%d %s", id, n.Language, parent, n.Schema.Name, n.Schema.Version, fields)})
	}
	slices.SortFunc(lines, func(a, b line) int {
		return cmp.Or(cmp.Compare(a.id, b.id), cmp.Compare(a.lang, b.lang))
	})
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.text
	}
	return out, nil
}

func pins(p map[string]int) []string {
	out := make([]string, 0, len(p))
	for _, name := range slices.Sorted(maps.Keys(p)) {
		out = append(out, fmt.Sprintf("%s@%d", name, p[name]))
	}
	return out
}

func orDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Failed expectations and assertions fail the test as well.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's snapshot against a golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(result.Snapshot))
}
