package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/meshsync/internal/identity"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/target"
)

// Assertion validates the final target or queue state.
type Assertion struct {
	// Type selects the check:
	// - "node": a node variant exists, with Parent and Fields if given
	// - "absent": no variant of the object exists in the branch
	// - "node_count": the branch holds exactly Count node variants
	// - "queue": exactly Count entries are pending
	// - "branch": the branch exists, with Tags and Pins if given
	Type string `yaml:"type"`

	Project  string      `yaml:"project,omitempty"`
	Branch   string      `yaml:"branch,omitempty"`
	ID       ir.GlobalID `yaml:"id,omitempty"`
	Language string      `yaml:"language,omitempty"`

	// Parent is the expected parent ID, or "-" for a top-level node.
	Parent string `yaml:"parent,omitempty"`

	// Fields is a subset match against the node's fields.
	Fields map[string]any `yaml:"fields,omitempty"`

	Count *int `yaml:"count,omitempty"`

	Tags []string       `yaml:"tags,omitempty"`
	Pins map[string]int `yaml:"pins,omitempty"`
}

// Assertion type constants.
const (
	AssertNode      = "node"
	AssertAbsent    = "absent"
	AssertNodeCount = "node_count"
	AssertQueue     = "queue"
	AssertBranch    = "branch"
)

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needBranch := func() error {
		if a.Project == "" || a.Branch == "" {
			return fmt.Errorf("assertions[%d]: project and branch are required for %s", index, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertNode:
		if err := needBranch(); err != nil {
			return err
		}
		if a.ID.IsZero() || a.Language == "" {
			return fmt.Errorf("assertions[%d]: id and language are required for node", index)
		}
	case AssertAbsent:
		if err := needBranch(); err != nil {
			return err
		}
		if a.ID.IsZero() {
			return fmt.Errorf("assertions[%d]: id is required for absent", index)
		}
	case AssertNodeCount:
		if err := needBranch(); err != nil {
			return err
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for node_count", index)
		}
	case AssertQueue:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for queue", index)
		}
	case AssertBranch:
		if err := needBranch(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Subject  string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s %s\n", e.Type, e.Subject)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// AssertionContext provides the state assertions are evaluated against.
type AssertionContext struct {
	Ctx   context.Context
	Repo  *target.Memory
	Store *store.Store

	// Objects maps target UUIDs back to source IDs.
	Objects map[string]ir.GlobalID
}

// EvaluateAssertions evaluates all assertions and returns one message per
// failed assertion.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertNode:
			err = assertNode(actx, a)
		case AssertAbsent:
			err = assertAbsent(actx, a)
		case AssertNodeCount:
			err = assertNodeCount(actx, a)
		case AssertQueue:
			err = assertQueue(actx, a)
		case AssertBranch:
			err = assertBranch(actx, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertNode(actx *AssertionContext, a Assertion) error {
	subject := fmt.Sprintf("%s/%s %s[%s]", a.Project, a.Branch, a.ID, a.Language)
	uuid, err := identity.UUID(a.ID)
	if err != nil {
		return err
	}
	node, err := actx.Repo.Node(actx.Ctx, a.Project, a.Branch, a.Language, uuid)
	if err != nil {
		return &AssertionError{Type: AssertNode, Subject: subject, Expected: "node to exist", Actual: err.Error()}
	}

	if a.Parent != "" {
		parent := "-"
		if node.ParentUUID != "" {
			parent = describe(actx.Objects, node.ParentUUID)
		}
		if parent != a.Parent {
			return &AssertionError{Type: AssertNode, Subject: subject, Expected: "parent " + a.Parent, Actual: "parent " + parent}
		}
	}

	for _, key := range slices.Sorted(maps.Keys(a.Fields)) {
		actual, ok := node.Fields[key]
		if !ok {
			return &AssertionError{Type: AssertNode, Subject: subject,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("fields %v", slices.Sorted(maps.Keys(node.Fields)))}
		}
		if !valuesEqual(actual, a.Fields[key]) {
			return &AssertionError{Type: AssertNode, Subject: subject,
				Expected: fmt.Sprintf("field %q = %v", key, a.Fields[key]),
				Actual:   fmt.Sprintf("field %q = %v", key, actual)}
		}
	}
	return nil
}

func assertAbsent(actx *AssertionContext, a Assertion) error {
	uuid, err := identity.UUID(a.ID)
	if err != nil {
		return err
	}
	var langs []string
	for _, n := range actx.Repo.Nodes(a.Project, a.Branch) {
		if n.UUID == uuid {
			langs = append(langs, n.Language)
		}
	}
	if len(langs) > 0 {
		return &AssertionError{Type: AssertAbsent, Subject: fmt.Sprintf("%s/%s %s", a.Project, a.Branch, a.ID),
			Expected: "no node", Actual: "present in " + strings.Join(langs, ", ")}
	}
	return nil
}

func assertNodeCount(actx *AssertionContext, a Assertion) error {
	n := len(actx.Repo.Nodes(a.Project, a.Branch))
	if n != *a.Count {
		return &AssertionError{Type: AssertNodeCount, Subject: a.Project + "/" + a.Branch,
			Expected: fmt.Sprintf("%d node variants", *a.Count), Actual: fmt.Sprintf("%d node variants", n)}
	}
	return nil
}

func assertQueue(actx *AssertionContext, a Assertion) error {
	pending, err := actx.Store.Pending(actx.Ctx, "")
	if err != nil {
		return err
	}
	if len(pending) != *a.Count {
		ids := make([]string, 0, len(pending))
		for _, e := range pending {
			ids = append(ids, string(e.ObjectID))
		}
		return &AssertionError{Type: AssertQueue, Subject: "pending entries",
			Expected: fmt.Sprintf("%d entries", *a.Count),
			Actual:   fmt.Sprintf("%d entries %v", len(pending), ids)}
	}
	return nil
}

func assertBranch(actx *AssertionContext, a Assertion) error {
	subject := a.Project + "/" + a.Branch
	branches, err := actx.Repo.Branches(actx.Ctx, a.Project)
	if err != nil {
		return &AssertionError{Type: AssertBranch, Subject: subject, Expected: "project to exist", Actual: err.Error()}
	}
	idx := slices.IndexFunc(branches, func(b target.Branch) bool { return b.Name == a.Branch })
	if idx < 0 {
		return &AssertionError{Type: AssertBranch, Subject: subject, Expected: "branch to exist", Actual: "not found"}
	}
	b := branches[idx]

	if a.Tags != nil {
		want := slices.Sorted(slices.Values(a.Tags))
		if !slices.Equal(want, b.Tags) {
			return &AssertionError{Type: AssertBranch, Subject: subject,
				Expected: fmt.Sprintf("tags %v", want), Actual: fmt.Sprintf("tags %v", b.Tags)}
		}
	}
	for _, name := range slices.Sorted(maps.Keys(a.Pins)) {
		if got := b.Pins[name]; got != a.Pins[name] {
			return &AssertionError{Type: AssertBranch, Subject: subject,
				Expected: fmt.Sprintf("%s pinned at %d", name, a.Pins[name]),
				Actual:   fmt.Sprintf("%s pinned at %d", name, got)}
		}
	}
	return nil
}

// valuesEqual compares a target field value with a YAML-decoded expected
// value. Both sides are normalized through JSON so that YAML integers
// compare equal to JSON numbers.
func valuesEqual(actual, expected any) bool {
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// describe maps a target UUID back to its source ID when known.
func describe(objects map[string]ir.GlobalID, uuid string) string {
	if id, ok := objects[uuid]; ok {
		return string(id)
	}
	return uuid
}
