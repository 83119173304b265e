package schema

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/meshsync/internal/ir"
)

// Document renders the order-insensitive structural content of a
// descriptor. Version is excluded; field order, URL field order and allow
// list order are normalized away. Search-index blobs are embedded as their
// JSON text so arbitrary numbers survive canonical encoding.
func Document(d ir.SchemaDescriptor) (map[string]any, error) {
	fields := slices.Clone(d.Fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	fieldDocs := make([]any, 0, len(fields))
	for _, f := range fields {
		allow := slices.Clone(f.Allow)
		slices.Sort(allow)
		if allow == nil {
			allow = []string{}
		}
		index, err := blob(f.SearchIndex)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		fieldDocs = append(fieldDocs, map[string]any{
			"name":         f.Name,
			"type":         f.Type,
			"list_type":    f.ListType,
			"allow":        allow,
			"search_index": index,
		})
	}

	urls := slices.Clone(d.URLFields)
	slices.Sort(urls)
	if urls == nil {
		urls = []string{}
	}
	es, err := blob(d.Elasticsearch)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: %w", err)
	}

	return map[string]any{
		"name":          d.Name,
		"kind":          string(d.Kind),
		"container":     d.Container,
		"display_field": d.DisplayField,
		"segment_field": d.SegmentField,
		"url_fields":    urls,
		"fields":        fieldDocs,
		"elasticsearch": es,
	}, nil
}

func blob(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Fingerprint returns the domain-separated hash of Document(d).
func Fingerprint(d ir.SchemaDescriptor) (string, error) {
	doc, err := Document(d)
	if err != nil {
		return "", err
	}
	domain := ir.DomainSchema
	if d.Kind == ir.KindMicroschema {
		domain = ir.DomainMicroschema
	}
	return ir.Fingerprint(domain, doc)
}

// Equal reports whether two descriptors are structurally identical, that
// is, whether replacing one with the other would need no version bump.
func Equal(a, b ir.SchemaDescriptor) bool {
	fa, errA := Fingerprint(a)
	fb, errB := Fingerprint(b)
	return errA == nil && errB == nil && fa == fb
}
