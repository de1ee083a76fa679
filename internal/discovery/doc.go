// Package discovery finds neighbors through memberlist gossip and keeps the
// socket pipeline's client table in step with cluster membership.
//
// Ownership boundary:
// - the memberlist instance and its event delegate
// - node metadata: the pipeline address and weight a node advertises
// - translating join, update and leave into client table calls
package discovery
