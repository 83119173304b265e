// Package ir holds the domain types shared by every meshsync package.
//
// All other internal packages import ir; ir imports nothing internal. It
// carries the source-side model (ContentObject, Tenant, DirtyEntry), the
// configuration model (RepositoryConfig, MappingRule), the target-side
// structural model (SchemaDescriptor) and the sealed Value sum type that
// flows from the source tree through the field composer.
//
// Conventions:
//   - All JSON tags use snake_case
//   - Value is closed: only types declared in value.go implement it
//   - Canonical JSON (RFC 8785) is the only encoding used for fingerprints
package ir
