package target

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/roach88/meshsync/internal/ir"
)

const (
	nodeTable  = "node"
	rootParent = "-"
)

// nodeRecord is the memdb row of one node language variant in one branch.
type nodeRecord struct {
	Project  string
	Branch   string
	Language string
	UUID     string
	Parent   string
	Segment  string
	Node     Node
}

func nodeDBSchema() *memdb.DBSchema {
	str := func(field string) memdb.Indexer { return &memdb.StringFieldIndex{Field: field} }
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			nodeTable: {
				Name: nodeTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							str("Project"), str("Branch"), str("Language"), str("UUID"),
						}},
					},
					"uuid": {
						Name: "uuid",
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							str("Project"), str("Branch"), str("UUID"),
						}},
					},
					"branch": {
						Name: "branch",
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							str("Project"), str("Branch"),
						}},
					},
					"sibling": {
						Name:         "sibling",
						AllowMissing: true,
						Indexer: &memdb.CompoundIndex{
							AllowMissing: true,
							Indexes: []memdb.Indexer{
								str("Project"), str("Branch"), str("Language"), str("Parent"), str("Segment"),
							},
						},
					},
				},
			},
		},
	}
}

type permKey struct {
	Kind    ElementKind
	Project string
	Name    string
}

// Memory is an in-process Repository. Nodes live in a go-memdb table that
// indexes sibling segment values; everything else is plain maps. It
// enforces the same sibling uniqueness rule as the real target and counts
// state-changing writes, so tests can assert that a run was a no-op.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu             sync.Mutex
	db             *memdb.MemDB
	projects       []Project
	schemas        map[ir.SchemaKind]map[string][]ir.SchemaDescriptor
	projectSchemas map[string]map[ir.SchemaKind][]string
	branches       map[string][]Branch
	roles          []Role
	perms          map[permKey]map[string][]string
	writes         int
	jobs           int
	faults         map[string][]error
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty repository.
func NewMemory() *Memory {
	db, err := memdb.NewMemDB(nodeDBSchema())
	if err != nil {
		panic(fmt.Sprintf("memory target: invalid memdb schema: %v", err))
	}
	return &Memory{
		db:             db,
		schemas:        make(map[ir.SchemaKind]map[string][]ir.SchemaDescriptor),
		projectSchemas: make(map[string]map[ir.SchemaKind][]string),
		branches:       make(map[string][]Branch),
		perms:          make(map[permKey]map[string][]string),
		faults:         make(map[string][]error),
	}
}

// Writes returns the number of state-changing calls served so far.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
// op is a Repository method name such as "UpsertNode".
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

// fault pops an injected failure. Callers hold m.mu.
func (m *Memory) fault(op string) error {
	queue := m.faults[op]
	if len(queue) == 0 {
		return nil
	}
	m.faults[op] = queue[1:]
	return queue[0]
}

func (m *Memory) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.fault(op)
}

// Projects implements Repository.
func (m *Memory) Projects(ctx context.Context) ([]Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "Projects"); err != nil {
		return nil, err
	}
	return slices.Clone(m.projects), nil
}

// CreateProject implements Repository.
func (m *Memory) CreateProject(ctx context.Context, p Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateProject"); err != nil {
		return err
	}
	for _, existing := range m.projects {
		if existing.Name == p.Name || existing.UUID == p.UUID {
			return fmt.Errorf("project %s (%s) already exists", p.Name, p.UUID)
		}
	}
	m.projects = append(m.projects, p)
	m.writes++
	return nil
}

// UpdateProject implements Repository. Branches, schema assignments and
// nodes follow the project to its new name.
func (m *Memory) UpdateProject(ctx context.Context, p Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "UpdateProject"); err != nil {
		return err
	}
	for i, existing := range m.projects {
		if existing.UUID != p.UUID {
			continue
		}
		if existing.Name == p.Name {
			return nil
		}
		m.projects[i].Name = p.Name
		m.renameProject(existing.Name, p.Name)
		m.writes++
		return nil
	}
	return &NotFoundError{Kind: "project", Name: p.UUID}
}

func (m *Memory) renameProject(from, to string) {
	m.branches[to] = m.branches[from]
	delete(m.branches, from)
	m.projectSchemas[to] = m.projectSchemas[from]
	delete(m.projectSchemas, from)
	for k, v := range m.perms {
		if k.Project == from {
			delete(m.perms, k)
			k.Project = to
			m.perms[k] = v
		}
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	var moved []*nodeRecord
	for _, b := range m.branches[to] {
		it, err := txn.Get(nodeTable, "branch", from, b.Name)
		if err != nil {
			return
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			moved = append(moved, obj.(*nodeRecord))
		}
	}
	for _, rec := range moved {
		_ = txn.Delete(nodeTable, rec)
		clone := *rec
		clone.Project = to
		_ = txn.Insert(nodeTable, &clone)
	}
	txn.Commit()
}

func (m *Memory) project(name string) (Project, error) {
	for _, p := range m.projects {
		if p.Name == name {
			return p, nil
		}
	}
	return Project{}, &NotFoundError{Kind: "project", Name: name}
}

// Schemas implements Repository, returning the latest version of every
// schema of kind ordered by name.
func (m *Memory) Schemas(ctx context.Context, kind ir.SchemaKind) ([]ir.SchemaDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "Schemas"); err != nil {
		return nil, err
	}
	byName := m.schemas[kind]
	out := make([]ir.SchemaDescriptor, 0, len(byName))
	for _, versions := range byName {
		out = append(out, versions[len(versions)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateSchema implements Repository.
func (m *Memory) CreateSchema(ctx context.Context, desc ir.SchemaDescriptor) (ir.SchemaDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateSchema"); err != nil {
		return ir.SchemaDescriptor{}, err
	}
	if m.schemas[desc.Kind] == nil {
		m.schemas[desc.Kind] = make(map[string][]ir.SchemaDescriptor)
	}
	if _, exists := m.schemas[desc.Kind][desc.Name]; exists {
		return ir.SchemaDescriptor{}, fmt.Errorf("%s %s already exists", desc.Kind, desc.Name)
	}
	desc.Version = 1
	m.schemas[desc.Kind][desc.Name] = []ir.SchemaDescriptor{desc}
	m.writes++
	return desc, nil
}

// UpdateSchema implements Repository. Every update creates a new version
// and a migration job.
func (m *Memory) UpdateSchema(ctx context.Context, desc ir.SchemaDescriptor) (ir.SchemaDescriptor, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "UpdateSchema"); err != nil {
		return ir.SchemaDescriptor{}, "", err
	}
	versions, exists := m.schemas[desc.Kind][desc.Name]
	if !exists {
		return ir.SchemaDescriptor{}, "", &NotFoundError{Kind: string(desc.Kind), Name: desc.Name}
	}
	desc.Version = versions[len(versions)-1].Version + 1
	m.schemas[desc.Kind][desc.Name] = append(versions, desc)
	m.writes++
	return desc, m.nextJob(), nil
}

func (m *Memory) nextJob() string {
	m.jobs++
	return fmt.Sprintf("job-%d", m.jobs)
}

func (m *Memory) schemaVersion(kind ir.SchemaKind, ref ir.SchemaRef) (ir.SchemaDescriptor, bool) {
	for _, d := range m.schemas[kind][ref.Name] {
		if d.Version == ref.Version {
			return d, true
		}
	}
	return ir.SchemaDescriptor{}, false
}

// ProjectSchemas implements Repository.
func (m *Memory) ProjectSchemas(ctx context.Context, project string, kind ir.SchemaKind) ([]ir.SchemaRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "ProjectSchemas"); err != nil {
		return nil, err
	}
	if _, err := m.project(project); err != nil {
		return nil, err
	}
	names := m.projectSchemas[project][kind]
	out := make([]ir.SchemaRef, 0, len(names))
	for _, name := range names {
		versions := m.schemas[kind][name]
		out = append(out, ir.SchemaRef{Name: name, Version: versions[len(versions)-1].Version})
	}
	return out, nil
}

// AssignSchema implements Repository.
func (m *Memory) AssignSchema(ctx context.Context, project string, kind ir.SchemaKind, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "AssignSchema"); err != nil {
		return err
	}
	if _, err := m.project(project); err != nil {
		return err
	}
	if _, exists := m.schemas[kind][name]; !exists {
		return &NotFoundError{Kind: string(kind), Name: name}
	}
	if m.projectSchemas[project] == nil {
		m.projectSchemas[project] = make(map[ir.SchemaKind][]string)
	}
	if slices.Contains(m.projectSchemas[project][kind], name) {
		return nil
	}
	m.projectSchemas[project][kind] = append(m.projectSchemas[project][kind], name)
	m.writes++
	return nil
}

// Branches implements Repository.
func (m *Memory) Branches(ctx context.Context, project string) ([]Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "Branches"); err != nil {
		return nil, err
	}
	if _, err := m.project(project); err != nil {
		return nil, err
	}
	out := make([]Branch, 0, len(m.branches[project]))
	for _, b := range m.branches[project] {
		out = append(out, cloneBranch(b))
	}
	return out, nil
}

func cloneBranch(b Branch) Branch {
	b.Tags = slices.Clone(b.Tags)
	pins := make(map[string]int, len(b.Pins))
	for k, v := range b.Pins {
		pins[k] = v
	}
	b.Pins = pins
	return b
}

func (m *Memory) branchIndex(project, name string) (int, error) {
	if _, err := m.project(project); err != nil {
		return -1, err
	}
	for i, b := range m.branches[project] {
		if b.Name == name {
			return i, nil
		}
	}
	return -1, &NotFoundError{Kind: "branch", Name: project + "/" + name}
}

// CreateBranch implements Repository. A non-empty base is copied: its
// schema pins and every node it holds.
func (m *Memory) CreateBranch(ctx context.Context, project, name, base string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateBranch"); err != nil {
		return err
	}
	if _, err := m.project(project); err != nil {
		return err
	}
	if _, err := m.branchIndex(project, name); err == nil {
		return nil
	}

	branch := Branch{Name: name, Tags: []string{}, Pins: map[string]int{}}
	if base != "" {
		idx, err := m.branchIndex(project, base)
		if err != nil {
			return err
		}
		for k, v := range m.branches[project][idx].Pins {
			branch.Pins[k] = v
		}
		if err := m.copyNodes(project, base, name); err != nil {
			return err
		}
	}
	m.branches[project] = append(m.branches[project], branch)
	m.writes++
	return nil
}

func (m *Memory) copyNodes(project, from, to string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(nodeTable, "branch", project, from)
	if err != nil {
		return err
	}
	var records []*nodeRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*nodeRecord))
	}
	for _, rec := range records {
		clone := *rec
		clone.Branch = to
		if err := txn.Insert(nodeTable, &clone); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

// TagBranch implements Repository.
func (m *Memory) TagBranch(ctx context.Context, project, branch string, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "TagBranch"); err != nil {
		return err
	}
	idx, err := m.branchIndex(project, branch)
	if err != nil {
		return err
	}
	sorted := slices.Clone(tags)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	if slices.Equal(sorted, m.branches[project][idx].Tags) {
		return nil
	}
	m.branches[project][idx].Tags = sorted
	m.writes++
	return nil
}

// PinSchema implements Repository. Nodes of the schema in that branch are
// migrated to the pinned version; other branches are untouched.
func (m *Memory) PinSchema(ctx context.Context, project, branch string, ref ir.SchemaRef) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "PinSchema"); err != nil {
		return "", err
	}
	idx, err := m.branchIndex(project, branch)
	if err != nil {
		return "", err
	}
	desc, ok := m.schemaVersion(ir.KindSchema, ref)
	if !ok {
		return "", &NotFoundError{Kind: "schema", Name: fmt.Sprintf("%s@%d", ref.Name, ref.Version)}
	}
	b := &m.branches[project][idx]
	if b.Pins[ref.Name] == ref.Version {
		return "", nil
	}
	previous := b.Pins[ref.Name]
	b.Pins[ref.Name] = ref.Version
	m.writes++
	if previous == 0 {
		return "", nil
	}

	migrated, err := m.migrateNodes(project, branch, desc)
	if err != nil {
		return "", err
	}
	if migrated == 0 {
		return "", nil
	}
	return m.nextJob(), nil
}

func (m *Memory) migrateNodes(project, branch string, desc ir.SchemaDescriptor) (int, error) {
	txn := m.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(nodeTable, "branch", project, branch)
	if err != nil {
		return 0, err
	}
	var affected []*nodeRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*nodeRecord)
		if rec.Node.Schema.Name == desc.Name && rec.Node.Schema.Version != desc.Version {
			affected = append(affected, rec)
		}
	}
	for _, rec := range affected {
		clone := *rec
		clone.Node.Schema.Version = desc.Version
		clone.Segment = segmentValue(desc, clone.Node.Fields)
		if err := txn.Insert(nodeTable, &clone); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return len(affected), nil
}

// Node implements Repository.
func (m *Memory) Node(ctx context.Context, project, branch, lang, uuid string) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "Node"); err != nil {
		return Node{}, err
	}
	txn := m.db.Txn(false)
	obj, err := txn.First(nodeTable, "id", project, branch, lang, uuid)
	if err != nil {
		return Node{}, err
	}
	if obj == nil {
		return Node{}, &NotFoundError{Kind: "node", Name: uuid + "/" + lang}
	}
	return obj.(*nodeRecord).Node, nil
}

// UpsertNode implements Repository.
func (m *Memory) UpsertNode(ctx context.Context, project, branch string, n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "UpsertNode"); err != nil {
		return err
	}
	if _, err := m.branchIndex(project, branch); err != nil {
		return err
	}
	if n.UUID == "" || n.Language == "" {
		return fmt.Errorf("upsert node: uuid and language are required")
	}
	desc, ok := m.schemaVersion(ir.KindSchema, n.Schema)
	if !ok {
		return &NotFoundError{Kind: "schema", Name: fmt.Sprintf("%s@%d", n.Schema.Name, n.Schema.Version)}
	}
	fields, err := normalizeFields(n.Fields)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.UUID, err)
	}
	n.Fields = fields

	rec := &nodeRecord{
		Project:  project,
		Branch:   branch,
		Language: n.Language,
		UUID:     n.UUID,
		Parent:   n.ParentUUID,
		Segment:  segmentValue(desc, n.Fields),
		Node:     n,
	}
	if rec.Parent == "" {
		rec.Parent = rootParent
	}

	txn := m.db.Txn(true)
	defer txn.Abort()

	if rec.Segment != "" {
		it, err := txn.Get(nodeTable, "sibling", project, branch, n.Language, rec.Parent, rec.Segment)
		if err != nil {
			return err
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			other := obj.(*nodeRecord)
			if other.UUID != n.UUID {
				return &ConflictError{UUID: n.UUID, ConflictingUUID: other.UUID, Field: desc.SegmentField, Value: rec.Segment}
			}
		}
	}

	existing, err := txn.First(nodeTable, "id", project, branch, n.Language, n.UUID)
	if err != nil {
		return err
	}
	if existing != nil && reflect.DeepEqual(existing.(*nodeRecord).Node, n) {
		return nil
	}
	if err := txn.Insert(nodeTable, rec); err != nil {
		return err
	}
	txn.Commit()
	m.writes++
	return nil
}

// Nodes lists every node variant of a branch ordered by UUID then
// language. It is not part of Repository.
func (m *Memory) Nodes(project, branch string) []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := m.db.Txn(false)
	it, err := txn.Get(nodeTable, "branch", project, branch)
	if err != nil {
		return nil
	}
	var out []Node
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*nodeRecord).Node)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UUID != out[j].UUID {
			return out[i].UUID < out[j].UUID
		}
		return out[i].Language < out[j].Language
	})
	return out
}

// DeleteNode implements Repository, removing every language variant.
func (m *Memory) DeleteNode(ctx context.Context, project, branch, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "DeleteNode"); err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	n, err := txn.DeleteAll(nodeTable, "uuid", project, branch, uuid)
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Kind: "node", Name: uuid}
	}
	txn.Commit()
	m.writes++
	return nil
}

// NodeLanguages implements Repository.
func (m *Memory) NodeLanguages(ctx context.Context, project, branch, uuid string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "NodeLanguages"); err != nil {
		return nil, err
	}
	txn := m.db.Txn(false)
	it, err := txn.Get(nodeTable, "uuid", project, branch, uuid)
	if err != nil {
		return nil, err
	}
	langs := []string{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		langs = append(langs, obj.(*nodeRecord).Language)
	}
	sort.Strings(langs)
	return langs, nil
}

// DeleteNodeLanguage implements Repository.
func (m *Memory) DeleteNodeLanguage(ctx context.Context, project, branch, lang, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "DeleteNodeLanguage"); err != nil {
		return err
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	n, err := txn.DeleteAll(nodeTable, "id", project, branch, lang, uuid)
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{Kind: "node", Name: uuid + "/" + lang}
	}
	txn.Commit()
	m.writes++
	return nil
}

// Roles implements Repository.
func (m *Memory) Roles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "Roles"); err != nil {
		return nil, err
	}
	return slices.Clone(m.roles), nil
}

// CreateRole implements Repository. Role UUIDs are name-based so repeated
// test runs produce identical snapshots.
func (m *Memory) CreateRole(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "CreateRole"); err != nil {
		return err
	}
	if m.hasRole(name) {
		return nil
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("role:"+name))
	m.roles = append(m.roles, Role{UUID: id.String(), Name: name})
	m.writes++
	return nil
}

func (m *Memory) hasRole(name string) bool {
	for _, r := range m.roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Permissions implements Repository.
func (m *Memory) Permissions(ctx context.Context, e Element) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "Permissions"); err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for role, perms := range m.perms[permKey(e)] {
		out[role] = slices.Clone(perms)
	}
	return out, nil
}

// SetPermissions implements Repository. Empty perms revokes.
func (m *Memory) SetPermissions(ctx context.Context, role string, e Element, perms []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, "SetPermissions"); err != nil {
		return err
	}
	if !m.hasRole(role) {
		return &NotFoundError{Kind: "role", Name: role}
	}
	key := permKey(e)
	current := m.perms[key]
	if len(perms) == 0 {
		if _, granted := current[role]; !granted {
			return nil
		}
		delete(current, role)
		m.writes++
		return nil
	}

	sorted := slices.Clone(perms)
	slices.Sort(sorted)
	if slices.Equal(current[role], sorted) {
		return nil
	}
	if current == nil {
		current = make(map[string][]string)
		m.perms[key] = current
	}
	current[role] = sorted
	m.writes++
	return nil
}

// segmentValue extracts the sibling-unique value of a node: the string in
// the segment field, or the file name of a binary segment field.
func segmentValue(desc ir.SchemaDescriptor, fields map[string]any) string {
	if desc.SegmentField == "" {
		return ""
	}
	switch v := fields[desc.SegmentField].(type) {
	case string:
		return v
	case map[string]any:
		if name, ok := v["fileName"].(string); ok {
			return name
		}
	}
	return ""
}

// normalizeFields round-trips fields through JSON so values compare equal
// regardless of whether they arrived in-process or over HTTP.
func normalizeFields(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
