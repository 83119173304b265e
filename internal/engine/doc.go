// Package engine implements the publish transaction engine: it drains the
// durable dirty queue of a tenant into the target repository.
//
// A run proceeds in stages:
//
//  1. Repair. The consistency checker makes sure the project, its schemas
//     and the current branch exist before anything is written.
//  2. Coalesce. Queue entries are merged per object, keeping first-seen
//     order and the highest seq the run saw.
//  3. Resolve. Each object is looked up in the source tree and turned into
//     one target node per configured language. Resolve only reads and runs
//     in parallel.
//  4. Upsert. Nodes are written in dependency order (parents and referenced
//     objects first) from a work list. A write that collides with a sibling
//     segment held by another object of the run is deferred to a later
//     pass; a deletion holding the value is applied early. Passes that make
//     no progress are analyzed for swap cycles.
//  5. Delete. Objects that went away or offline are removed, children
//     first.
//  6. Permissions. Role grants are synced on the project, the branch and
//     every published node.
//  7. Commit. Entries of succeeded objects are removed up to the seq the
//     run saw; deferred objects have their attempts counted.
//
// Resolution is state-based: queue actions only say that an object changed,
// and the source state at run time decides between upsert and delete.
// Nothing is rolled back in the target; recovery is a later run over the
// entries that stayed queued.
//
// All target writes for one project are made under the project's Locker,
// shared by batch runs and Instant.
package engine
