// Package process runs applications as child processes of a node.
//
// Ownership boundary:
// - starting applications with a pipe pair on fds 3 and 4
// - one connection per child, keyed by pid and indexed by application id
// - reaping children and recovering the kernels they held
// - main kernels of submitted applications
// - the application side of the pipe pair (Child)
//
// A node cannot decode the kernels of its applications; they travel through
// this package as kernel.Foreign.
package process
