package engine

import "strings"

// Flags select what a connection prepends to packets and which kernels it
// retains for recovery.
type Flags uint8

const (
	PrependSourceAndDestination Flags = 1 << iota
	PrependApplication
	SaveUpstreamKernels
	SaveDownstreamKernels
	WriteTransactionLog
)

func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		flag Flags
		name string
	}{
		{PrependSourceAndDestination, "prepend_source_and_destination"},
		{PrependApplication, "prepend_application"},
		{SaveUpstreamKernels, "save_upstream_kernels"},
		{SaveDownstreamKernels, "save_downstream_kernels"},
		{WriteTransactionLog, "write_transaction_log"},
	}
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
