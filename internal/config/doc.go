// Package config loads the topology manifest and writes config templates.
//
// Ownership boundary:
// - topology TOML decoding and validation
// - conversion to kernel addresses, interfaces, applications and locator
//   file systems
//
// Daemon settings are decoded by cmd/kerneld.
package config
