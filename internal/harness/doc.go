// Package harness runs scripted publish scenarios against an in-memory
// target and compares their outcome with golden snapshots.
//
// A scenario is a YAML file holding repository settings, mapping rules,
// an initial source tree, a list of steps and final assertions:
//
//	name: segment-swap
//	description: two pages exchange file names in one run
//	settings:
//	  languages: [en]
//	rules:
//	  types: [{name: page, require_display: true, require_segment: true}]
//	  rules:
//	    - {type: page, field: title, value_type: text, display: true}
//	    - {type: page, field: filename, value_type: text, segment: true}
//	content:
//	  tenants: [{id: acme, display_name: Acme, root: "1.1"}]
//	  objects: [...]
//	steps:
//	  - enqueue: [{id: "1.2", action: create}]
//	  - publish: acme
//	    expect: {status: ok, objects: {"1.2": published}}
//	  - set: {id: "1.2", language: en, attribute: filename, value: b.html}
//	assertions:
//	  - {type: node, project: Acme, branch: Acme, id: "1.2", language: en, fields: {filename: b.html}}
//
// Step actions:
//   - enqueue: append queue entries
//   - publish: run a batch publish for a tenant
//   - instant: publish one object synchronously
//   - check, repair: run the consistency checker for a tenant
//   - set: change one source attribute
//   - remove: drop an object from the source tree
//   - offline: take an object offline
//   - version: change the configured version label
//   - fail: make the next calls of a target operation fail transiently
//
// Every scenario gets a fresh in-memory SQLite store and target, a
// stepping clock starting at Epoch and run IDs "run-1", "run-2" and so
// on, so its snapshot is byte-for-byte reproducible.
package harness
