// Package local executes kernels on this node.
//
// Ownership boundary:
// - the worker pool running Act
// - delivering results to principals through React/Error
// - handing kernels that leave the node to the upstream pipeline
//
// A panic in Act commits the kernel with kernel.Error. React and Error calls
// are serialized so principals never see concurrent results.
package local
