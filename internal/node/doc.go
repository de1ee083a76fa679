// Package node runs one kernelmesh daemon.
//
// Ownership boundary:
// - lifecycle phases: boot, wired, serving, stopped
// - building the local, socket, unix and process pipelines and linking them
// - the errgroup every pipeline, the admin API and discovery run under
// - startup work: servers, static peers, published files, transaction log
//   resubmission
// - heartbeat logging of pipeline sizes and stale applications
package node
