// Package connection owns one logical peer of a pipeline.
//
// Ownership boundary:
// - transport attach/detach with buffers and flags preserved
// - reader/writer goroutines feeding the pipeline loop
// - per-connection telemetry through go-metrics
// - dial backoff
//
// The protocol decisions live in internal/protocol/engine; a Conn only moves
// bytes between the engine and the transport.
package connection
