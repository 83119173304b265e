// Package compose converts resolved attribute values into target field
// values.
//
// Composition is synchronous and side-effect free, so callers may compose
// independent objects in parallel.
package compose

import (
	"fmt"
	"time"

	"github.com/roach88/meshsync/internal/identity"
	"github.com/roach88/meshsync/internal/ir"
)

// Composer turns ir.Value instances into target field values:
//
//	text       -> string
//	number     -> float64
//	boolean    -> bool
//	date       -> RFC 3339 string (UTC)
//	binary     -> {"fileName", "mimeType", "fileSize"}
//	reference  -> {"uuid"} or the external URL as a plain string
//	micronode  -> {"microschema", "fields"}
//	lists      -> []any in declared order
type Composer struct {
	// Constructs is the default micronode candidate set.
	Constructs []string

	// Mapper maps identifiers to target UUIDs. Defaults to identity.UUID.
	Mapper func(ir.GlobalID) (string, error)
}

// New creates a Composer for the constructs of a rule set.
func New(rules ir.RuleSet) *Composer {
	return &Composer{Constructs: rules.ConstructNames(), Mapper: identity.UUID}
}

// CompositionError locates a value that does not fit its rule.
type CompositionError struct {
	Rule    string
	Message string
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("compose %s: %s", e.Rule, e.Message)
}

// Allowed returns the constructs a micronode field accepts.
func (c *Composer) Allowed(rule ir.MappingRule) []string {
	return ParseFilter(rule.Filter).Apply(c.Constructs)
}

// Fields composes every rule of one type. Rules whose value is absent
// produce no field.
func (c *Composer) Fields(rules []ir.MappingRule, values map[string]ir.Value) (map[string]any, error) {
	fields := make(map[string]any, len(rules))
	for _, rule := range rules {
		v, ok, err := c.Compose(rule, values[rule.SourceAttribute()])
		if err != nil {
			return nil, err
		}
		if ok {
			fields[rule.Field] = v
		}
	}
	return fields, nil
}

// Compose converts one value for one rule. ok is false when the field is
// absent: the value was nil, or a single micronode was filtered out.
func (c *Composer) Compose(rule ir.MappingRule, v ir.Value) (out any, ok bool, err error) {
	if v == nil {
		return nil, false, nil
	}

	switch rule.ValueType {
	case ir.ValueMicronode:
		m, isMicro := v.(ir.Micronode)
		if !isMicro {
			return nil, false, c.mismatch(rule, v)
		}
		if !names(c.Allowed(rule)).contains(m.Construct) {
			return nil, false, nil
		}
		out, err := c.micronode(rule, m)
		return out, err == nil, err

	case ir.ValueMicronodeList:
		list, isList := v.(ir.MicronodeList)
		if !isList {
			return nil, false, c.mismatch(rule, v)
		}
		allowed := names(c.Allowed(rule))
		items := make([]any, 0, len(list))
		for _, m := range list {
			if !allowed.contains(m.Construct) {
				continue
			}
			item, err := c.micronode(rule, m)
			if err != nil {
				return nil, false, err
			}
			items = append(items, item)
		}
		return items, true, nil

	case ir.ValueReferenceList:
		list, isList := v.(ir.ReferenceList)
		if !isList {
			if ref, single := v.(ir.Reference); single {
				list = ir.ReferenceList{ref}
			} else {
				return nil, false, c.mismatch(rule, v)
			}
		}
		items := make([]any, 0, len(list))
		for _, ref := range list {
			item, err := c.reference(rule, ref)
			if err != nil {
				return nil, false, err
			}
			items = append(items, item)
		}
		return items, true, nil
	}

	if rule.Multivalue {
		list, isList := v.(ir.List)
		if !isList {
			list = ir.List{v}
		}
		items := make([]any, 0, len(list))
		for _, elem := range list {
			item, err := c.scalar(rule, elem)
			if err != nil {
				return nil, false, err
			}
			items = append(items, item)
		}
		return items, true, nil
	}

	out, err = c.scalar(rule, v)
	return out, err == nil, err
}

// scalar composes a single non-list value whose type must match the rule.
func (c *Composer) scalar(rule ir.MappingRule, v ir.Value) (any, error) {
	if _, isList := v.(ir.List); isList {
		return nil, &CompositionError{Rule: rule.Locator(), Message: "list value for a single-valued field"}
	}
	if v.Type() != rule.ValueType {
		return nil, c.mismatch(rule, v)
	}
	return c.plain(rule, v)
}

// plain composes a scalar without checking it against the rule type. It
// is used directly for construct fields, whose types come from the
// construct rather than the rule.
func (c *Composer) plain(rule ir.MappingRule, v ir.Value) (any, error) {
	switch val := v.(type) {
	case ir.Text:
		return string(val), nil
	case ir.Number:
		return float64(val), nil
	case ir.Boolean:
		return bool(val), nil
	case ir.Date:
		return time.Time(val).UTC().Format(time.RFC3339), nil
	case ir.Binary:
		return map[string]any{
			"fileName": val.FileName,
			"mimeType": val.MimeType,
			"fileSize": val.Size,
		}, nil
	case ir.Reference:
		return c.reference(rule, val)
	case ir.List:
		items := make([]any, 0, len(val))
		for _, elem := range val {
			item, err := c.plain(rule, elem)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case ir.ReferenceList:
		items := make([]any, 0, len(val))
		for _, ref := range val {
			item, err := c.reference(rule, ref)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	default:
		return nil, &CompositionError{Rule: rule.Locator(), Message: fmt.Sprintf("%s value is not allowed here", v.Type())}
	}
}

// reference renders a node reference, or plain text when the rule is
// external.
func (c *Composer) reference(rule ir.MappingRule, ref ir.Reference) (any, error) {
	if !ref.IsInternal() {
		switch {
		case ref.External == "":
			return nil, &CompositionError{Rule: rule.Locator(), Message: "reference has neither target nor external URL"}
		case !rule.External:
			return nil, &CompositionError{Rule: rule.Locator(),
				Message: fmt.Sprintf("external reference %q in a node field; mark the rule external", ref.External)}
		}
		return ref.External, nil
	}
	mapper := c.Mapper
	if mapper == nil {
		mapper = identity.UUID
	}
	uuid, err := mapper(ref.Target)
	if err != nil {
		return nil, &CompositionError{Rule: rule.Locator(), Message: err.Error()}
	}
	if rule.External {
		return uuid, nil
	}
	return map[string]any{"uuid": uuid}, nil
}

func (c *Composer) micronode(rule ir.MappingRule, m ir.Micronode) (any, error) {
	fields := make(map[string]any, len(m.Fields))
	for name, v := range m.Fields {
		if v == nil {
			continue
		}
		if _, nested := v.(ir.Micronode); nested {
			return nil, &CompositionError{Rule: rule.Locator(), Message: fmt.Sprintf("construct %s: nested micronode in field %s", m.Construct, name)}
		}
		if _, nested := v.(ir.MicronodeList); nested {
			return nil, &CompositionError{Rule: rule.Locator(), Message: fmt.Sprintf("construct %s: nested micronode list in field %s", m.Construct, name)}
		}
		out, err := c.plain(rule, v)
		if err != nil {
			return nil, err
		}
		fields[name] = out
	}
	return map[string]any{
		"microschema": m.Construct,
		"fields":      fields,
	}, nil
}

func (c *Composer) mismatch(rule ir.MappingRule, v ir.Value) error {
	return &CompositionError{
		Rule:    rule.Locator(),
		Message: fmt.Sprintf("expected %s value, got %s", rule.ValueType, v.Type()),
	}
}

type names []string

func (n names) contains(name string) bool {
	for _, s := range n {
		if s == name {
			return true
		}
	}
	return false
}
