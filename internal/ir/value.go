package ir

import (
	"fmt"
	"slices"
	"time"
)

// ValueType names the kind of a mapped attribute and of the target field
// it becomes.
type ValueType string

const (
	ValueText          ValueType = "text"
	ValueNumber        ValueType = "number"
	ValueBoolean       ValueType = "boolean"
	ValueDate          ValueType = "date"
	ValueBinary        ValueType = "binary"
	ValueReference     ValueType = "reference"
	ValueReferenceList ValueType = "reference-list"
	ValueMicronode     ValueType = "micronode"
	ValueMicronodeList ValueType = "micronode-list"
)

// valueTypeAliases maps the tagmap vocabulary onto ValueType.
var valueTypeAliases = map[string]ValueType{
	"embedded-object":      ValueMicronode,
	"embedded-object-list": ValueMicronodeList,
	"string":               ValueText,
	"node":                 ValueReference,
}

// ParseValueType resolves a value type name, accepting tagmap aliases.
func ParseValueType(s string) (ValueType, error) {
	switch vt := ValueType(s); vt {
	case ValueText, ValueNumber, ValueBoolean, ValueDate, ValueBinary,
		ValueReference, ValueReferenceList, ValueMicronode, ValueMicronodeList:
		return vt, nil
	}
	if vt, ok := valueTypeAliases[s]; ok {
		return vt, nil
	}
	return "", fmt.Errorf("unknown value type %q", s)
}

// IsList reports whether the type is intrinsically a list.
func (t ValueType) IsList() bool {
	return t == ValueReferenceList || t == ValueMicronodeList
}

// Value is a sealed sum type over resolved attribute values.
// Only the types in this file implement it; consumers switch exhaustively.
type Value interface {
	Type() ValueType
	value()
}

// Text is a plain string value.
type Text string

// Number is a numeric value.
type Number float64

// Boolean is a truth value.
type Boolean bool

// Date is a point in time, rendered as RFC 3339 in UTC.
type Date time.Time

// Binary describes a binary asset attached to an object. The bytes
// themselves are never replicated by the core.
type Binary struct {
	FileName string `json:"file_name" yaml:"file_name"`
	MimeType string `json:"mime_type" yaml:"mime_type"`
	Size     int64  `json:"size" yaml:"size"`
}

// Reference points at another content object, or at an external URL when
// External is set.
type Reference struct {
	Target   GlobalID `json:"target,omitempty" yaml:"target,omitempty"`
	External string   `json:"external,omitempty" yaml:"external,omitempty"`
}

// ReferenceList is an ordered list of references.
type ReferenceList []Reference

// Micronode is one embedded object built from a named construct.
type Micronode struct {
	Construct string           `json:"construct"`
	Fields    map[string]Value `json:"fields"`
}

// MicronodeList is an ordered list of embedded objects.
type MicronodeList []Micronode

// List is an ordered multivalue of scalars. Element types are not mixed.
type List []Value

func (Text) Type() ValueType          { return ValueText }
func (Number) Type() ValueType        { return ValueNumber }
func (Boolean) Type() ValueType       { return ValueBoolean }
func (Date) Type() ValueType          { return ValueDate }
func (Binary) Type() ValueType        { return ValueBinary }
func (Reference) Type() ValueType     { return ValueReference }
func (ReferenceList) Type() ValueType { return ValueReferenceList }
func (Micronode) Type() ValueType     { return ValueMicronode }
func (MicronodeList) Type() ValueType { return ValueMicronodeList }

// Type of a List is the type of its first element, or text when empty.
func (l List) Type() ValueType {
	if len(l) == 0 {
		return ValueText
	}
	return l[0].Type()
}

func (Text) value()          {}
func (Number) value()        {}
func (Boolean) value()       {}
func (Date) value()          {}
func (Binary) value()        {}
func (Reference) value()     {}
func (ReferenceList) value() {}
func (Micronode) value()     {}
func (MicronodeList) value() {}
func (List) value()          {}

// IsInternal reports whether the reference targets a content object
// rather than an external URL.
func (r Reference) IsInternal() bool {
	return r.External == "" && !r.Target.IsZero()
}

// References collects every internal reference reachable from v,
// including references nested inside micronodes, in encounter order.
func References(v Value) []GlobalID {
	var out []GlobalID
	collectReferences(v, &out)
	return out
}

func collectReferences(v Value, out *[]GlobalID) {
	switch val := v.(type) {
	case Reference:
		if val.IsInternal() {
			*out = append(*out, val.Target)
		}
	case ReferenceList:
		for _, r := range val {
			collectReferences(r, out)
		}
	case Micronode:
		for _, k := range sortedValueKeys(val.Fields) {
			collectReferences(val.Fields[k], out)
		}
	case MicronodeList:
		for _, m := range val {
			collectReferences(m, out)
		}
	case List:
		for _, e := range val {
			collectReferences(e, out)
		}
	}
}

// Strings flattens a text or list-of-text value into its string elements.
// Other value types yield nil.
func Strings(v Value) []string {
	switch val := v.(type) {
	case Text:
		if val == "" {
			return nil
		}
		return []string{string(val)}
	case List:
		var out []string
		for _, e := range val {
			out = append(out, Strings(e)...)
		}
		return out
	}
	return nil
}

func sortedValueKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
