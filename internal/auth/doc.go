// Package auth guards the admin API.
//
// Ownership boundary:
// - bearer token parsing
// - token validation
// - the gin middleware that rejects unauthenticated requests
package auth
