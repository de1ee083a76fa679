package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/protocol/frame"
	"github.com/danmuck/kernelmesh/internal/protocol/wire"
	"github.com/stretchr/testify/require"
)

func TestResolveApplication(t *testing.T) {
	named := kernel.Application{ID: 100, Args: []string{"kernelapp"}}
	lookup := func(name string) (kernel.Application, bool) {
		if name == "square" {
			return named, true
		}
		return kernel.Application{}, false
	}

	app, err := resolveApplication(lookup, " square ")
	require.NoError(t, err)
	require.Equal(t, named, app)

	app, err = resolveApplication(lookup, "42")
	require.NoError(t, err)
	require.Equal(t, uint64(42), app.ID)

	for _, bad := range []string{"", "cube", "0"} {
		if _, err := resolveApplication(lookup, bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMainKernelCarriesTarget(t *testing.T) {
	app := kernel.Application{ID: 100, Args: []string{"kernelapp", "-n", "3"}, WaitForCompletion: true}
	payload, err := wire.Append(nil, mainKernel(app, 7, []byte{1, 2}), nil, wire.Options{PrependApplication: true})
	require.NoError(t, err)

	h, d, err := wire.ReadHeader(payload)
	require.NoError(t, err)
	require.True(t, h.HasTarget())
	require.Equal(t, uint64(100), h.App)
	require.Equal(t, app.Args, h.Target.Args)
	require.True(t, h.Target.WaitForCompletion)

	fk, err := wire.ReadForeign(d)
	require.NoError(t, err)
	require.Equal(t, kernel.MainTypeID, fk.TypeID())
	require.Equal(t, uint64(7), fk.ID())
	require.True(t, fk.MovesUpstream())
	require.Equal(t, []byte{1, 2}, fk.Payload)
}

func writeReply(t *testing.T, buf *bytes.Buffer, id uint64, code kernel.ExitCode) {
	t.Helper()
	fk := mainKernel(kernel.Application{ID: 100}, id, nil)
	fk.Target = nil
	fk.ReturnToParent(code)
	payload, err := wire.Append(nil, fk, nil, wire.Options{PrependApplication: true})
	require.NoError(t, err)
	require.NoError(t, frame.WritePacket(buf, payload, frame.DefaultLimits()))
}

func TestAwaitResultSkipsOtherKernels(t *testing.T) {
	var buf bytes.Buffer
	writeReply(t, &buf, 6, kernel.Error)
	writeReply(t, &buf, 7, kernel.Success)

	fk, err := awaitResult(&buf, 7, frame.DefaultLimits())
	require.NoError(t, err)
	if fk.ID() != 7 || fk.Result() != kernel.Success {
		t.Fatalf("unexpected result id=%d result=%s", fk.ID(), fk.Result())
	}
}

func TestAwaitResultReportsClosedConnection(t *testing.T) {
	var buf bytes.Buffer
	writeReply(t, &buf, 6, kernel.Success)

	_, err := awaitResult(&buf, 7, frame.DefaultLimits())
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("expected closed connection got=%v", err)
	}
	if errors.Is(err, errFailed) {
		t.Fatalf("closed connection is not a failed kernel")
	}
}

func TestAdminURL(t *testing.T) {
	require.Equal(t, "http://127.0.0.1:8780/status", adminURL("127.0.0.1:8780"))
	require.Equal(t, "https://node.example/status", adminURL("https://node.example/"))
}
