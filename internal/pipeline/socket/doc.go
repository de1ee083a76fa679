// Package socket connects a node to its neighbors over TCP and unix sockets.
//
// Ownership boundary:
// - listening servers and the virtual addresses of accepted peers
// - the neighbor table, dialing and redialing clients
// - routing by phase: broadcast, scheduled upstream, addressed downstream
// - the weight scheduler and file locality
//
// Kernels that cannot be routed return to their parent with
// kernel.NoUpstreamServersAvailable.
package socket
