package source

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/meshsync/internal/ir"
)

// yamlValue decodes one attribute value. Plain scalars and sequences are
// read by their YAML type; everything else uses a single-key mapping whose
// key names the value type:
//
//	title: Home                          # text
//	weight: 3                            # number
//	tags: [a, b]                         # list of text
//	published: {date: 2024-03-01T10:00:00Z}
//	logo: {binary: {file: logo.png, mime: image/png, size: 42}}
//	link: {ref: "1.a"}
//	site: {external: "https://example.com"}
//	related: {refs: ["1.a", {external: "https://x"}]}
//	teaser: {micronode: {construct: teaser, fields: {title: Hi}}}
//	body: {micronodes: [{construct: quote, fields: {text: Hi}}]}
type yamlValue struct {
	v ir.Value
}

func (y *yamlValue) UnmarshalYAML(node *yaml.Node) error {
	v, err := decodeValue(node)
	if err != nil {
		return err
	}
	y.v = v
	return nil
}

func decodeValue(node *yaml.Node) (ir.Value, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return decodeScalar(node)
	case yaml.SequenceNode:
		list := make(ir.List, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return nil, fmt.Errorf("line %d: tagged value must have exactly one key", node.Line)
		}
		return decodeTagged(node.Content[0].Value, node.Content[1])
	case yaml.AliasNode:
		return decodeValue(node.Alias)
	}
	return nil, fmt.Errorf("line %d: unsupported value", node.Line)
}

func decodeScalar(node *yaml.Node) (ir.Value, error) {
	switch node.Tag {
	case "!!int", "!!float":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return ir.Number(f), nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return nil, err
		}
		return ir.Boolean(b), nil
	case "!!null":
		return nil, nil
	}
	return ir.Text(node.Value), nil
}

func decodeTagged(tag string, node *yaml.Node) (ir.Value, error) {
	switch tag {
	case "text":
		return ir.Text(node.Value), nil
	case "number":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return ir.Number(f), nil
	case "bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return nil, err
		}
		return ir.Boolean(b), nil
	case "date":
		t, err := time.Parse(time.RFC3339, node.Value)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return ir.Date(t), nil
	case "binary":
		var b struct {
			File string `yaml:"file"`
			Mime string `yaml:"mime"`
			Size int64  `yaml:"size"`
		}
		if err := node.Decode(&b); err != nil {
			return nil, err
		}
		return ir.Binary{FileName: b.File, MimeType: b.Mime, Size: b.Size}, nil
	case "ref":
		return ir.Reference{Target: ir.GlobalID(node.Value)}, nil
	case "external":
		return ir.Reference{External: node.Value}, nil
	case "refs":
		if node.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("line %d: refs must be a sequence", node.Line)
		}
		refs := make(ir.ReferenceList, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind == yaml.ScalarNode {
				refs = append(refs, ir.Reference{Target: ir.GlobalID(item.Value)})
				continue
			}
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			ref, ok := v.(ir.Reference)
			if !ok {
				return nil, fmt.Errorf("line %d: refs items must be ids or references", item.Line)
			}
			refs = append(refs, ref)
		}
		return refs, nil
	case "micronode":
		return decodeMicronode(node)
	case "micronodes":
		if node.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("line %d: micronodes must be a sequence", node.Line)
		}
		list := make(ir.MicronodeList, 0, len(node.Content))
		for _, item := range node.Content {
			m, err := decodeMicronode(item)
			if err != nil {
				return nil, err
			}
			list = append(list, m)
		}
		return list, nil
	case "list":
		return decodeValue(node)
	}
	return nil, fmt.Errorf("line %d: unknown value tag %q", node.Line, tag)
}

func decodeMicronode(node *yaml.Node) (ir.Micronode, error) {
	var raw struct {
		Construct string               `yaml:"construct"`
		Fields    map[string]yamlValue `yaml:"fields"`
	}
	if err := node.Decode(&raw); err != nil {
		return ir.Micronode{}, err
	}
	if raw.Construct == "" {
		return ir.Micronode{}, fmt.Errorf("line %d: micronode construct is required", node.Line)
	}
	m := ir.Micronode{Construct: raw.Construct, Fields: make(map[string]ir.Value, len(raw.Fields))}
	for name, v := range raw.Fields {
		m.Fields[name] = v.v
	}
	return m, nil
}

// ParseValue decodes one attribute value written in fixture notation.
func ParseValue(node *yaml.Node) (ir.Value, error) {
	return decodeValue(node)
}
