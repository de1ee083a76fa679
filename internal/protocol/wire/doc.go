// Package wire owns the kernel packet layout.
//
// Ownership boundary:
// - packet header (application, addresses, target application)
// - kernel section: type id, TLV base fields, body, embedded parent chain
// - foreign decode that keeps the body opaque
package wire
