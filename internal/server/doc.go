// Package server exposes the node's admin HTTP API.
//
// Ownership boundary:
// - gin router, middleware and request decoding
// - bearer token checks on mutating and status routes
// - mapping pipeline errors to HTTP status codes
//
// The API never touches kernels; it edits the neighbor table and reports
// state.
package server
