// Package engine owns the per-connection kernel protocol.
//
// Ownership boundary:
// - send/forward with the upstream/downstream buffering policy
// - receive routing (native, foreign, bounce to sender)
// - parent restoration for downstream kernels
// - recovery of buffered kernels after connection loss
package engine
