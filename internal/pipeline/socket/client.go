package socket

import (
	"sync/atomic"

	"github.com/danmuck/kernelmesh/internal/connection"
	"github.com/danmuck/kernelmesh/internal/kernel"
)

// Client is one neighbor node, keyed by its virtual address.
type Client struct {
	addr      kernel.Address
	conn      *connection.Conn
	weight    atomic.Uint32
	maxWeight atomic.Uint32
	// accepted clients were created by a listener and are never redialed
	accepted bool
}

var _ Schedulable = (*Client)(nil)

func newClient(addr kernel.Address) *Client {
	c := &Client{addr: addr}
	c.maxWeight.Store(1)
	return c
}

func (c *Client) Address() kernel.Address { return c.addr }
func (c *Client) Conn() *connection.Conn { return c.conn }
func (c *Client) Weight() uint32 { return c.weight.Load() }
func (c *Client) SetWeight(w uint32) { c.weight.Store(w) }
func (c *Client) MaxWeight() uint32 { return c.maxWeight.Load() }
func (c *Client) ModularWeight() uint32 { return modularWeight(c) }

// SetMaxWeight sets the capacity of the neighbor. Zero is stored as one.
func (c *Client) SetMaxWeight(w uint32) {
	if w == 0 {
		w = 1
	}
	c.maxWeight.Store(w)
}

func (c *Client) Started() bool {
	return c.conn != nil && c.conn.State() == connection.StateStarted
}

// Full reports whether the neighbor reached its capacity.
func (c *Client) Full() bool {
	return c.Weight() >= c.MaxWeight()
}

// release returns one unit of load after a downstream kernel came back.
func (c *Client) release() {
	for {
		w := c.weight.Load()
		if w == 0 || c.weight.CompareAndSwap(w, w-1) {
			return
		}
	}
}

// ClientSnapshot is the admin view of one client.
type ClientSnapshot struct {
	connection.Snapshot
	Address   string `json:"address"`
	Weight    uint32 `json:"weight"`
	MaxWeight uint32 `json:"max_weight"`
	Accepted  bool   `json:"accepted"`
}

func (c *Client) Snapshot() ClientSnapshot {
	return ClientSnapshot{
		Snapshot:  c.conn.Snapshot(),
		Address:   c.addr.String(),
		Weight:    c.Weight(),
		MaxWeight: c.MaxWeight(),
		Accepted:  c.accepted,
	}
}
