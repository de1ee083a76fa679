// Package locator resolves file paths carried by kernels to the nodes that
// hold the file.
//
// Ownership boundary:
// - named file systems, static or backed by redis sets
// - choosing the file system of a path: "/path" uses the first one,
//   "name:path" the one called name
//
// Lookups fail soft: an unreachable backend locates nothing and scheduling
// falls back to weights.
package locator
