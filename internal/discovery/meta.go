package discovery

import (
	"errors"
	"fmt"

	"github.com/danmuck/kernelmesh/internal/kernel"
)

const metaVersion uint8 = 1

var (
	ErrMetaVersion = errors.New("discovery: unsupported metadata version")
	ErrMetaAddress = errors.New("discovery: metadata without pipeline address")
)

// Meta is what a node gossips about itself.
type Meta struct {
	// Addr is the socket pipeline address neighbors dial.
	Addr kernel.Address
	// Weight is the maximum weight neighbors give this node.
	Weight uint32
}

func (m Meta) Encode() []byte {
	e := kernel.NewEncoder(make([]byte, 0, 32))
	e.U8(metaVersion)
	e.Address(m.Addr)
	e.U32(m.Weight)
	return e.Bytes()
}

func DecodeMeta(b []byte) (Meta, error) {
	d := kernel.NewDecoder(b)
	if v := d.U8(); d.Err() == nil && v != metaVersion {
		return Meta{}, fmt.Errorf("%w: %d", ErrMetaVersion, v)
	}
	m := Meta{Addr: d.Address(), Weight: d.U32()}
	if err := d.Err(); err != nil {
		return Meta{}, fmt.Errorf("discovery: decode metadata: %w", err)
	}
	if m.Addr.IsZero() {
		return Meta{}, ErrMetaAddress
	}
	return m, nil
}
