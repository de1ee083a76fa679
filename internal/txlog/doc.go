// Package txlog keeps an append-only log of upstream kernels written to peers
// and of their completion.
//
// Ownership boundary:
// - record encoding and framing on disk
// - replay of a log left behind by a previous run, torn tail included
// - finding kernels that were sent but never completed
//
// Resubmitting pending kernels belongs to the node.
package txlog
