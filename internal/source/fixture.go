package source

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roach88/meshsync/internal/ir"
)

// SharedLanguage is the attribute block that applies to every language.
const SharedLanguage = "*"

// ObjectDoc is the YAML shape of one fixture object.
type ObjectDoc struct {
	ir.ContentObject `yaml:",inline"`
	Attributes       map[string]map[string]yamlValue `yaml:"attributes,omitempty"`
}

// Document is the YAML shape of a fixture file.
type Document struct {
	Tenants []ir.Tenant `yaml:"tenants"`
	Objects []ObjectDoc `yaml:"objects"`
}

type fixtureObject struct {
	meta  ir.ContentObject
	attrs map[string]map[string]ir.Value
}

// Fixture is an in-memory Tree that can be loaded from YAML and mutated
// between publish runs.
type Fixture struct {
	mu       sync.RWMutex
	tenants  map[string]ir.Tenant
	objects  map[ir.GlobalID]*fixtureObject
	children map[ir.GlobalID][]ir.GlobalID
}

var _ Tree = (*Fixture)(nil)

// NewFixture creates an empty fixture.
func NewFixture() *Fixture {
	return &Fixture{
		tenants:  make(map[string]ir.Tenant),
		objects:  make(map[ir.GlobalID]*fixtureObject),
		children: make(map[ir.GlobalID][]ir.GlobalID),
	}
}

// LoadFixture reads a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	f := NewFixture()
	if err := f.Merge(data); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return f, nil
}

// Merge parses YAML fixture content and upserts its tenants and objects.
func (f *Fixture) Merge(data []byte) error {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}
	return f.Apply(doc)
}

// Apply upserts the tenants and objects of doc.
func (f *Fixture) Apply(doc Document) error {
	for _, t := range doc.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant without id")
		}
		f.PutTenant(t)
	}
	for _, o := range doc.Objects {
		attrs := make(map[string]map[string]ir.Value, len(o.Attributes))
		for lang, values := range o.Attributes {
			attrs[lang] = make(map[string]ir.Value, len(values))
			for name, v := range values {
				attrs[lang][name] = v.v
			}
		}
		if err := f.Put(o.ContentObject, attrs); err != nil {
			return err
		}
	}
	return nil
}

// PutTenant adds or replaces a tenant.
func (f *Fixture) PutTenant(t ir.Tenant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants[t.ID] = t
}

// Put adds or replaces an object. attrs is keyed by language, with
// SharedLanguage applying to all of them.
func (f *Fixture) Put(o ir.ContentObject, attrs map[string]map[string]ir.Value) error {
	if o.ID.IsZero() {
		return fmt.Errorf("object without id")
	}
	if o.Tenant == "" {
		return fmt.Errorf("object %s: tenant is required", o.ID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.objects[o.ID]; ok && prev.meta.Parent != o.Parent {
		f.unlink(prev.meta.Parent, o.ID)
	}
	if !slices.Contains(f.children[o.Parent], o.ID) {
		f.children[o.Parent] = append(f.children[o.Parent], o.ID)
	}
	if attrs == nil {
		attrs = map[string]map[string]ir.Value{}
	}
	f.objects[o.ID] = &fixtureObject{meta: o, attrs: attrs}
	return nil
}

func (f *Fixture) unlink(parent, id ir.GlobalID) {
	f.children[parent] = slices.DeleteFunc(f.children[parent], func(c ir.GlobalID) bool { return c == id })
}

// SetAttribute changes one attribute value in one language block.
func (f *Fixture) SetAttribute(id ir.GlobalID, lang, name string, v ir.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[id]
	if !ok {
		return fmt.Errorf("%w: object %s", ErrNotFound, id)
	}
	if o.attrs[lang] == nil {
		o.attrs[lang] = make(map[string]ir.Value)
	}
	o.attrs[lang][name] = v
	return nil
}

// SetFlags changes the deleted and offline flags of an object.
func (f *Fixture) SetFlags(id ir.GlobalID, deleted, offline bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[id]
	if !ok {
		return fmt.Errorf("%w: object %s", ErrNotFound, id)
	}
	o.meta.Deleted = deleted
	o.meta.Offline = offline
	return nil
}

// Drop removes an object entirely, as a hard delete in the source does.
func (f *Fixture) Drop(id ir.GlobalID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.objects[id]; ok {
		f.unlink(o.meta.Parent, id)
		delete(f.objects, id)
	}
}

// Object implements Tree.
func (f *Fixture) Object(_ context.Context, id ir.GlobalID) (ir.ContentObject, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	o, ok := f.objects[id]
	if !ok {
		return ir.ContentObject{}, fmt.Errorf("%w: object %s", ErrNotFound, id)
	}
	meta := o.meta
	meta.Languages = slices.Clone(o.meta.Languages)
	return meta, nil
}

// Resolve implements Tree. Language-specific values override shared ones.
func (f *Fixture) Resolve(_ context.Context, id ir.GlobalID, lang string) (map[string]ir.Value, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	o, ok := f.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, id)
	}
	out := maps.Clone(o.attrs[SharedLanguage])
	if out == nil {
		out = make(map[string]ir.Value)
	}
	maps.Copy(out, o.attrs[lang])
	return out, nil
}

// Tenant implements Tree.
func (f *Fixture) Tenant(_ context.Context, id string) (ir.Tenant, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tenants[id]
	if !ok {
		return ir.Tenant{}, fmt.Errorf("%w: tenant %s", ErrNotFound, id)
	}
	return t, nil
}

// Children implements Tree.
func (f *Fixture) Children(_ context.Context, id ir.GlobalID) ([]ir.GlobalID, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.children[id]), nil
}

// ComputeRoles implements Tree. Supported expressions:
//
//	inherit:<attr>   first non-empty list attribute on the object or an ancestor
//	static:<a>,<b>   a fixed list of role names
func (f *Fixture) ComputeRoles(_ context.Context, id ir.GlobalID, expr string) ([]string, error) {
	kind, arg, _ := strings.Cut(expr, ":")
	switch kind {
	case "static":
		var roles []string
		for _, r := range strings.Split(arg, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		return roles, nil
	case "inherit":
		f.mu.RLock()
		defer f.mu.RUnlock()
		seen := make(map[ir.GlobalID]bool)
		for cur := id; !cur.IsZero() && !seen[cur]; {
			seen[cur] = true
			o, ok := f.objects[cur]
			if !ok {
				break
			}
			if roles := o.attribute(arg); len(roles) > 0 {
				return roles, nil
			}
			cur = o.meta.Parent
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported role expression %q", expr)
}

// attribute returns the string values of a named attribute, looking in
// the shared block first and then in each language.
func (o *fixtureObject) attribute(name string) []string {
	if v, ok := o.attrs[SharedLanguage][name]; ok && v != nil {
		return ir.Strings(v)
	}
	for _, lang := range o.meta.Languages {
		if v, ok := o.attrs[lang][name]; ok && v != nil {
			return ir.Strings(v)
		}
	}
	return nil
}
