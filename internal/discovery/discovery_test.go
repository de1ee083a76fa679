package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/testutil/testlog"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/require"
)

type tableCall struct {
	op     string
	addr   kernel.Address
	weight uint32
}

type fakeTable struct {
	mu    sync.Mutex
	calls []tableCall
}

func (f *fakeTable) record(c tableCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeTable) AddClient(_ context.Context, addr kernel.Address, weight uint32) error {
	f.record(tableCall{op: "add", addr: addr, weight: weight})
	return nil
}

func (f *fakeTable) SetClientWeight(_ context.Context, addr kernel.Address, maxWeight uint32) error {
	f.record(tableCall{op: "weight", addr: addr, weight: maxWeight})
	return nil
}

func (f *fakeTable) RemoveClient(_ context.Context, addr kernel.Address) error {
	f.record(tableCall{op: "remove", addr: addr})
	return nil
}

func (f *fakeTable) snapshot() []tableCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tableCall(nil), f.calls...)
}

func (f *fakeTable) has(op string, addr kernel.Address) bool {
	for _, c := range f.snapshot() {
		if c.op == op && c.addr == addr {
			return true
		}
	}
	return false
}

var (
	pipeA = kernel.MustParseAddress("10.0.0.1:33333")
	pipeB = kernel.MustParseAddress("10.0.0.2:33333")
)

func node(name string, m Meta) *memberlist.Node {
	return &memberlist.Node{Name: name, Meta: m.Encode()}
}

func TestMetaEncoding(t *testing.T) {
	testlog.Start(t)
	in := Meta{Addr: pipeA, Weight: 4}
	out, err := DecodeMeta(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = DecodeMeta(Meta{Weight: 1}.Encode())
	require.ErrorIs(t, err, ErrMetaAddress)

	bad := in.Encode()
	bad[0] = 9
	_, err = DecodeMeta(bad)
	require.ErrorIs(t, err, ErrMetaVersion)

	_, err = DecodeMeta(nil)
	require.Error(t, err)
}

func TestEventsDriveClientTable(t *testing.T) {
	testlog.Start(t)
	table := &fakeTable{}
	d, err := New(Config{Name: "self", Meta: Meta{Addr: pipeA, Weight: 1}, Table: table})
	require.NoError(t, err)

	d.NotifyJoin(node("self", Meta{Addr: pipeA, Weight: 1}))
	d.NotifyJoin(&memberlist.Node{Name: "junk", Meta: []byte{1}})
	d.NotifyJoin(node("b", Meta{Addr: pipeB, Weight: 2}))
	d.NotifyUpdate(node("b", Meta{Addr: pipeB, Weight: 5}))
	d.NotifyUpdate(node("b", Meta{Addr: pipeB, Weight: 5}))
	moved := pipeB.WithPort(44444)
	d.NotifyUpdate(node("b", Meta{Addr: moved, Weight: 5}))
	d.NotifyLeave(node("b", Meta{}))
	d.NotifyLeave(node("never-joined", Meta{}))

	want := []tableCall{
		{op: "add", addr: pipeB},
		{op: "weight", addr: pipeB, weight: 2},
		{op: "weight", addr: pipeB, weight: 5},
		{op: "remove", addr: pipeB},
		{op: "add", addr: moved},
		{op: "weight", addr: moved, weight: 5},
		{op: "remove", addr: moved},
	}
	require.Equal(t, want, table.snapshot())
	require.Empty(t, d.Members())
}

func TestNodeMetaRespectsLimit(t *testing.T) {
	testlog.Start(t)
	d, err := New(Config{Name: "self", Meta: Meta{Addr: pipeA, Weight: 1}, Table: &fakeTable{}})
	require.NoError(t, err)
	meta := d.NodeMeta(512)
	got, err := DecodeMeta(meta)
	require.NoError(t, err)
	require.Equal(t, pipeA, got.Addr)
	if d.NodeMeta(2) != nil {
		t.Fatalf("expected nil meta over limit")
	}
}

func TestNewValidates(t *testing.T) {
	testlog.Start(t)
	_, err := New(Config{Name: "x"})
	require.ErrorIs(t, err, ErrNilTable)
	_, err = New(Config{Table: &fakeTable{}})
	require.ErrorIs(t, err, ErrEmptyName)

	d, err := New(Config{Name: "x", Table: &fakeTable{}})
	require.NoError(t, err)
	_, err = d.Join("127.0.0.1:1")
	require.ErrorIs(t, err, ErrNotStarted)
	require.NoError(t, d.Stop())
}

func TestGossipAddsAndRemovesNeighbors(t *testing.T) {
	testlog.Start(t)
	tableA := &fakeTable{}
	a, err := New(Config{
		Name:     "node-a",
		BindAddr: "127.0.0.1",
		Local:    true,
		Meta:     Meta{Addr: pipeA, Weight: 1},
		Table:    tableA,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() { _ = a.Stop() })

	tableB := &fakeTable{}
	b, err := New(Config{
		Name:     "node-b",
		BindAddr: "127.0.0.1",
		Local:    true,
		Meta:     Meta{Addr: pipeB, Weight: 3},
		Seeds:    []string{a.Addr()},
		Table:    tableB,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())

	require.Eventually(t, func() bool { return tableA.has("add", pipeB) }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return tableB.has("add", pipeA) }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, Meta{Addr: pipeB, Weight: 3}, a.Members()["node-b"])

	require.NoError(t, b.Stop())
	require.Eventually(t, func() bool { return tableA.has("remove", pipeB) }, 5*time.Second, 20*time.Millisecond)
}
