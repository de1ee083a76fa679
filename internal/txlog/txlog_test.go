package txlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/protocol/wire"
	"github.com/danmuck/kernelmesh/internal/testutil/testlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	testApp    uint64 = 7
	taskTypeID uint16 = 30
)

type taskKernel struct {
	kernel.Base
	N int64
}

func (k *taskKernel) WriteBody(e *kernel.Encoder) error {
	e.I64(k.N)
	return nil
}

func (k *taskKernel) ReadBody(d *kernel.Decoder) error {
	k.N = d.I64()
	return d.Err()
}

func testTypes(t *testing.T) *kernel.Types {
	t.Helper()
	types := kernel.NewTypes()
	types.MustRegister(taskTypeID, func() kernel.Kernel { return &taskKernel{} })
	return types
}

func upstreamTask(id uint64, n int64) *taskKernel {
	k := &taskKernel{N: n}
	k.SetID(id)
	k.SetApp(testApp)
	k.SetParent(&taskKernel{})
	k.SetSource(kernel.MustParseAddress("10.0.0.1:33333"))
	k.SetDestination(kernel.MustParseAddress("10.0.0.2:33333"))
	return k
}

func openLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "tx.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestPendingSkipsCompletedKernels(t *testing.T) {
	testlog.Start(t)
	types := testTypes(t)
	l := openLog(t)

	for id := uint64(1); id <= 3; id++ {
		k := upstreamTask(id, int64(id)*10)
		packet, err := wire.Append(nil, k, types, wire.Options{PrependApplication: true, PrependSourceAndDestination: true})
		require.NoError(t, err)
		l.Sent("socket", k, packet)
	}
	l.Completed("socket", 2)
	// same id on another pipeline is a different transaction
	l.Completed("unix", 3)
	require.NoError(t, l.Sync())

	pending, err := Pending(l.Path())
	require.NoError(t, err)
	if len(pending) != 2 {
		t.Fatalf("pending count got=%d", len(pending))
	}
	if pending[0].KernelID != 1 || pending[1].KernelID != 3 {
		t.Fatalf("pending order got=%d,%d", pending[0].KernelID, pending[1].KernelID)
	}
	for _, r := range pending {
		require.NotEqual(t, uuid.Nil, r.ID)
		require.Equal(t, Sent, r.Direction)
		require.Equal(t, "socket", r.Pipeline)
	}

	k, err := Decode(pending[1], testApp, types)
	require.NoError(t, err)
	task, ok := k.(*taskKernel)
	if !ok {
		t.Fatalf("decoded type got=%T", k)
	}
	require.Equal(t, int64(30), task.N)
	require.Equal(t, uint64(3), task.ID())
	require.Equal(t, "10.0.0.1:33333", task.Source().String())
	require.Equal(t, "10.0.0.2:33333", task.Destination().String())
}

func TestReplayAcrossReopen(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "tx.log")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(Record{Pipeline: "socket", Direction: Sent, KernelID: 1, Packet: []byte{1}}))
	require.NoError(t, l.Close())
	require.ErrorIs(t, l.Append(Record{Pipeline: "socket", Direction: Sent, KernelID: 2}), ErrClosed)

	l, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(Record{Pipeline: "socket", Direction: Completed, KernelID: 1}))
	require.NoError(t, l.Close())

	var dirs []Direction
	require.NoError(t, Replay(path, func(r Record) error {
		dirs = append(dirs, r.Direction)
		return nil
	}))
	require.Equal(t, []Direction{Sent, Completed}, dirs)

	pending, err := Pending(path)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReplayStopsAtTornTail(t *testing.T) {
	testlog.Start(t)
	l := openLog(t)
	require.NoError(t, l.Append(Record{Pipeline: "socket", Direction: Sent, KernelID: 1}))
	require.NoError(t, l.Append(Record{Pipeline: "socket", Direction: Sent, KernelID: 2, Packet: make([]byte, 64)}))
	require.NoError(t, l.Sync())

	info, err := os.Stat(l.Path())
	require.NoError(t, err)
	require.NoError(t, os.Truncate(l.Path(), info.Size()-10))

	pending, err := Pending(l.Path())
	require.NoError(t, err)
	if len(pending) != 1 || pending[0].KernelID != 1 {
		t.Fatalf("pending after torn tail got=%+v", pending)
	}
}

func TestPendingMissingFile(t *testing.T) {
	testlog.Start(t)
	pending, err := Pending(filepath.Join(t.TempDir(), "absent.log"))
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	testlog.Start(t)
	l := openLog(t)
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, l.Append(Record{Pipeline: "socket", Direction: Completed, KernelID: id}))
	}
	require.NoError(t, l.Sync())

	stop := errors.New("stop")
	seen := 0
	err := Replay(l.Path(), func(Record) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, seen)
}

func TestAppendRejectsMissingPipeline(t *testing.T) {
	testlog.Start(t)
	l := openLog(t)
	require.ErrorIs(t, l.Append(Record{Direction: Sent}), ErrEmptyPipeline)
}

func TestDecodeRejectsCompletedRecord(t *testing.T) {
	testlog.Start(t)
	_, err := Decode(Record{Direction: Completed, KernelID: 1}, testApp, testTypes(t))
	require.ErrorIs(t, err, ErrBadRecord)
}

func TestRecordEncoding(t *testing.T) {
	testlog.Start(t)
	rapid.Check(t, func(rt *rapid.T) {
		in := Record{
			ID:        uuid.New(),
			Pipeline:  rapid.StringMatching(`[a-z]{1,12}`).Draw(rt, "pipeline"),
			Direction: Direction(rapid.IntRange(1, 2).Draw(rt, "direction")),
			KernelID:  rapid.Uint64().Draw(rt, "id"),
			Packet:    rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(rt, "packet"),
		}
		out, err := decodeRecord(in.encode())
		if err != nil {
			rt.Fatalf("decode err=%v", err)
		}
		if out.ID != in.ID || out.Pipeline != in.Pipeline || out.Direction != in.Direction || out.KernelID != in.KernelID {
			rt.Fatalf("record mismatch in=%+v out=%+v", in, out)
		}
		if len(out.Packet) != len(in.Packet) {
			rt.Fatalf("packet length got=%d want=%d", len(out.Packet), len(in.Packet))
		}
	})
}
