// Package schema derives target schemas from mapping rules, compares them
// with what the target holds, and creates or versions them.
package schema

import (
	"fmt"
	"maps"

	"github.com/roach88/meshsync/internal/compose"
	"github.com/roach88/meshsync/internal/ir"
)

// Target field type names.
const (
	FieldString    = "string"
	FieldNumber    = "number"
	FieldBoolean   = "boolean"
	FieldDate      = "date"
	FieldBinary    = "binary"
	FieldNode      = "node"
	FieldMicronode = "micronode"
	FieldList      = "list"
)

var scalarFieldTypes = map[ir.ValueType]string{
	ir.ValueText:      FieldString,
	ir.ValueNumber:    FieldNumber,
	ir.ValueBoolean:   FieldBoolean,
	ir.ValueDate:      FieldDate,
	ir.ValueBinary:    FieldBinary,
	ir.ValueReference: FieldNode,
	ir.ValueMicronode: FieldMicronode,
}

// Derive builds the schema of one target type from every rule declared for
// it. All problems are collected; a *DerivationError is returned when any
// exists, and no descriptor is produced.
func Derive(rs ir.RuleSet, typeName string, elasticsearch map[string]any) (ir.SchemaDescriptor, error) {
	tc, ok := rs.TypeConfig(typeName)
	if !ok {
		return ir.SchemaDescriptor{}, &DerivationError{Type: typeName, Errors: []ValidationError{{
			Field:   "type",
			Rule:    typeName,
			Message: fmt.Sprintf("type %q is not declared", typeName),
			Code:    ErrUnknownDeclaration,
		}}}
	}

	desc := ir.SchemaDescriptor{
		Name:      typeName,
		Kind:      ir.KindSchema,
		Container: tc.Container,
		Fields:    []ir.FieldDef{},
	}
	if len(elasticsearch) > 0 {
		desc.Elasticsearch = maps.Clone(elasticsearch)
	}

	constructs := rs.ConstructNames()
	seen := make(map[string]string)
	var displays, segments []string
	var errs []ValidationError

	for _, rule := range rs.RulesFor(typeName) {
		loc := rule.Locator()
		fail := func(field, code, format string, args ...any) {
			errs = append(errs, ValidationError{Field: field, Rule: loc, Message: fmt.Sprintf(format, args...), Code: code})
		}

		if rule.Field == "" {
			fail("field", ErrUnknownDeclaration, "field name is empty")
			continue
		}
		if first, dup := seen[rule.Field]; dup {
			fail("field", ErrDuplicateField, "field %q is already mapped by %s", rule.Field, first)
			continue
		}
		seen[rule.Field] = loc

		vt, err := ir.ParseValueType(string(rule.ValueType))
		if err != nil {
			fail("value_type", ErrUnknownDeclaration, "%v", err)
			continue
		}
		rule.ValueType = vt

		def, problems := fieldDef(rule, constructs)
		for _, p := range problems {
			p.Rule = loc
			errs = append(errs, p)
		}
		if len(problems) > 0 {
			continue
		}

		single := !rule.Multivalue && !vt.IsList()
		if rule.Display {
			displays = append(displays, rule.Field)
			if !single || vt != ir.ValueText {
				fail("display", ErrDisplayNotString, "display field must be a single text value, got %s", describe(rule))
			}
		}
		if rule.Segment {
			segments = append(segments, rule.Field)
			if !single || (vt != ir.ValueText && vt != ir.ValueBinary) {
				fail("segment", ErrSegmentType, "segment field must be a single text or binary value, got %s", describe(rule))
			}
		}
		if rule.URLField {
			if vt != ir.ValueText {
				fail("url_field", ErrURLFieldNotString, "additional URL field must be text, got %s", describe(rule))
			} else {
				desc.URLFields = append(desc.URLFields, rule.Field)
			}
		}
		desc.Fields = append(desc.Fields, def)
	}

	switch {
	case len(displays) > 1:
		errs = append(errs, ValidationError{Field: "display", Rule: typeName,
			Message: fmt.Sprintf("exactly one display field allowed, got %v", displays), Code: ErrMultipleDisplay})
	case len(displays) == 1:
		desc.DisplayField = displays[0]
	case tc.RequireDisplay:
		errs = append(errs, ValidationError{Field: "display", Rule: typeName,
			Message: "type requires a display field but no rule is marked display", Code: ErrMissingDisplay})
	}
	switch {
	case len(segments) > 1:
		errs = append(errs, ValidationError{Field: "segment", Rule: typeName,
			Message: fmt.Sprintf("exactly one segment field allowed, got %v", segments), Code: ErrMultipleSegment})
	case len(segments) == 1:
		desc.SegmentField = segments[0]
	case tc.RequireSegment:
		errs = append(errs, ValidationError{Field: "segment", Rule: typeName,
			Message: "type requires a segment field but no rule is marked segment", Code: ErrMissingSegment})
	}

	if len(errs) > 0 {
		return ir.SchemaDescriptor{}, &DerivationError{Type: typeName, Errors: errs}
	}
	return desc, nil
}

// fieldDef maps one rule onto a target field definition.
func fieldDef(rule ir.MappingRule, constructs []string) (ir.FieldDef, []ValidationError) {
	var errs []ValidationError
	def := ir.FieldDef{Name: rule.Field}
	if len(rule.SearchIndex) > 0 {
		def.SearchIndex = maps.Clone(rule.SearchIndex)
	}

	micro := rule.ValueType == ir.ValueMicronode || rule.ValueType == ir.ValueMicronodeList
	if rule.Filter != "" && !micro {
		errs = append(errs, ValidationError{Field: "filter", Code: ErrFilterNotMicronode,
			Message: fmt.Sprintf("name filter %q on %s field", rule.Filter, rule.ValueType)})
	}
	if micro {
		def.Allow = compose.ParseFilter(rule.Filter).Apply(constructs)
		if len(def.Allow) == 0 {
			errs = append(errs, ValidationError{Field: "filter", Code: ErrFilterEmpty,
				Message: fmt.Sprintf("name filter %q leaves no construct out of %v", rule.Filter, constructs)})
		}
	}

	ref := rule.ValueType == ir.ValueReference || rule.ValueType == ir.ValueReferenceList
	if rule.External && !ref {
		errs = append(errs, ValidationError{Field: "external", Code: ErrExternalNotRef,
			Message: fmt.Sprintf("external flag on %s field", rule.ValueType)})
	}

	switch {
	case rule.ValueType == ir.ValueReferenceList:
		def.Type, def.ListType = FieldList, FieldNode
	case rule.ValueType == ir.ValueMicronodeList:
		def.Type, def.ListType = FieldList, FieldMicronode
	case rule.Multivalue:
		if rule.ValueType == ir.ValueBinary || rule.ValueType == ir.ValueMicronode {
			errs = append(errs, ValidationError{Field: "multivalue", Code: ErrInvalidNesting,
				Message: fmt.Sprintf("%s fields cannot be multivalue", rule.ValueType)})
		}
		def.Type, def.ListType = FieldList, scalarFieldTypes[rule.ValueType]
	default:
		def.Type = scalarFieldTypes[rule.ValueType]
	}
	if rule.Multivalue && rule.ValueType.IsList() {
		errs = append(errs, ValidationError{Field: "multivalue", Code: ErrInvalidNesting,
			Message: fmt.Sprintf("%s is already a list and cannot be multivalue", rule.ValueType)})
	}
	if rule.External && ref {
		if def.Type == FieldList {
			def.ListType = FieldString
		} else {
			def.Type = FieldString
		}
	}
	return def, errs
}

func describe(rule ir.MappingRule) string {
	if rule.Multivalue {
		return "multivalue " + string(rule.ValueType)
	}
	return string(rule.ValueType)
}

// DeriveAll derives every declared type. Types that fail derivation are
// reported in failed and left out of schemas; the others are unaffected.
func DeriveAll(rs ir.RuleSet, elasticsearch map[string]any) (schemas []ir.SchemaDescriptor, failed []*DerivationError) {
	for _, tc := range rs.Types {
		desc, err := Derive(rs, tc.Name, elasticsearch)
		if err != nil {
			failed = append(failed, err.(*DerivationError))
			continue
		}
		schemas = append(schemas, desc)
	}
	return schemas, failed
}

// DeriveMicroschemas derives one microschema per construct.
func DeriveMicroschemas(rs ir.RuleSet) ([]ir.SchemaDescriptor, error) {
	out := make([]ir.SchemaDescriptor, 0, len(rs.Constructs))
	var errs []ValidationError
	for _, c := range rs.Constructs {
		loc := "construct." + c.Name
		if c.Name == "" {
			errs = append(errs, ValidationError{Field: "name", Rule: loc, Code: ErrUnknownDeclaration, Message: "construct name is empty"})
			continue
		}
		desc := ir.SchemaDescriptor{Name: c.Name, Kind: ir.KindMicroschema, Fields: []ir.FieldDef{}}
		seen := make(map[string]bool)
		for _, f := range c.Fields {
			floc := c.Name + "." + f.Name
			if seen[f.Name] {
				errs = append(errs, ValidationError{Field: "field", Rule: floc, Code: ErrDuplicateField,
					Message: fmt.Sprintf("field %q declared twice", f.Name)})
				continue
			}
			seen[f.Name] = true
			vt, err := ir.ParseValueType(string(f.ValueType))
			if err != nil {
				errs = append(errs, ValidationError{Field: "value_type", Rule: floc, Code: ErrUnknownDeclaration, Message: err.Error()})
				continue
			}
			switch vt {
			case ir.ValueMicronode, ir.ValueMicronodeList:
				errs = append(errs, ValidationError{Field: "value_type", Rule: floc, Code: ErrInvalidNesting,
					Message: "micronodes cannot be nested inside a construct"})
				continue
			case ir.ValueReferenceList:
				desc.Fields = append(desc.Fields, ir.FieldDef{Name: f.Name, Type: FieldList, ListType: FieldNode})
			default:
				desc.Fields = append(desc.Fields, ir.FieldDef{Name: f.Name, Type: scalarFieldTypes[vt]})
			}
		}
		out = append(out, desc)
	}
	if len(errs) > 0 {
		return nil, &DerivationError{Type: "constructs", Errors: errs}
	}
	return out, nil
}
