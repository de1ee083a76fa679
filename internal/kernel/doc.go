// Package kernel owns the mobile kernel model.
//
// Ownership boundary:
// - kernel base fields and motion predicates
// - tagged kernel references (pointer or id)
// - foreign kernel envelopes and application descriptors
// - type and instance registries
// - body codec primitives
//
// A kernel is owned by exactly one of its submitter, a connection buffer or a
// pipeline queue at any time. Handing it to a pipeline is a move.
package kernel
