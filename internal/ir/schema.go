package ir

// SchemaKind distinguishes node schemas from microschemas.
type SchemaKind string

const (
	KindSchema      SchemaKind = "schema"
	KindMicroschema SchemaKind = "microschema"
)

// SchemaDescriptor is the structural definition of one target type.
// Version is assigned by the target; zero means "not yet stored".
type SchemaDescriptor struct {
	Name          string         `json:"name"`
	Kind          SchemaKind     `json:"kind"`
	Version       int            `json:"version,omitempty"`
	Container     bool           `json:"container,omitempty"`
	DisplayField  string         `json:"display_field,omitempty"`
	SegmentField  string         `json:"segment_field,omitempty"`
	URLFields     []string       `json:"url_fields,omitempty"`
	Fields        []FieldDef     `json:"fields"`
	Elasticsearch map[string]any `json:"elasticsearch,omitempty"`
}

// Field looks up a field definition by name.
func (d SchemaDescriptor) Field(name string) (FieldDef, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// Ref returns the name/version pair of the descriptor.
func (d SchemaDescriptor) Ref() SchemaRef {
	return SchemaRef{Name: d.Name, Version: d.Version}
}

// FieldDef is one field of a schema, in target vocabulary: Type is one of
// string, number, boolean, date, binary, node, micronode or list; ListType
// is set for lists.
type FieldDef struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	ListType    string         `json:"list_type,omitempty"`
	Allow       []string       `json:"allow,omitempty"`
	SearchIndex map[string]any `json:"search_index,omitempty"`
}

// SchemaRef names one version of a schema.
type SchemaRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}
