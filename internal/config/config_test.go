package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/kernelmesh/internal/connection"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestTopologyTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "topology.toml")
	require.NoError(t, WriteTemplate(path, KindTopology, false))
	require.Error(t, WriteTemplate(path, KindTopology, false))
	require.NoError(t, WriteTemplate(path, KindTopology, true))

	topo, err := LoadTopology(path)
	require.NoError(t, err)

	ifaces, err := topo.Interfaces()
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	require.Equal(t, "127.0.0.1/8", ifaces[0].String())

	peers, err := topo.StaticPeers()
	require.NoError(t, err)
	require.Equal(t, []Peer{{Address: kernel.MustParseAddress("127.0.0.2:33333"), Weight: 1}}, peers)

	app, ok := topo.Application("square")
	require.True(t, ok)
	require.Equal(t, uint64(100), app.ID)
	require.True(t, app.WaitForCompletion)
	_, ok = topo.Application("missing")
	require.False(t, ok)

	fss, err := topo.FileSystemBackends()
	require.NoError(t, err)
	require.Len(t, fss, 2)
	require.Equal(t, "home", fss[0].Name())
	nodes, err := fss[0].Locate(context.Background(), "/data/input.csv")
	require.NoError(t, err)
	require.Equal(t, []kernel.Address{kernel.MustParseAddress("127.0.0.2:33333")}, nodes)
	require.Equal(t, "shared", fss[1].Name())
}

func TestKerneldTemplateExists(t *testing.T) {
	testlog.Start(t)
	tmpl, err := Template("KERNELD")
	require.NoError(t, err)
	require.True(t, strings.Contains(tmpl, "[admin]"))
	_, err = Template("ghost")
	require.Error(t, err)
}

func TestValidateTopologyRejects(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name string
		toml string
		want string
	}{
		{name: "bad server", toml: `servers = ["nope"]`, want: "servers[0]"},
		{name: "peer without port", toml: "[[peers]]\naddress = \"10.0.0.1:0\"", want: "no port"},
		{name: "peer without address", toml: "[[peers]]\nweight = 2", want: "address is required"},
		{name: "bad peer", toml: "[[peers]]\naddress = \"10.0.0.1\"", want: "invalid address"},
		{name: "unix peer", toml: "[[peers]]\naddress = \"unix:/tmp/x.sock\"", want: "unix"},
		{name: "fs without name", toml: "[[file_systems]]\nkind = \"static\"", want: "name is required"},
		{name: "fs with colon", toml: "[[file_systems]]\nname = \"a:b\"", want: "must not contain"},
		{name: "redis without addr", toml: "[[file_systems]]\nname = \"r\"\nkind = \"redis\"", want: "redis.addr"},
		{name: "unknown kind", toml: "[[file_systems]]\nname = \"r\"\nkind = \"nfs\"", want: "unknown kind"},
		{name: "duplicate fs", toml: "[[file_systems]]\nname = \"a\"\n[[file_systems]]\nname = \"a\"", want: "duplicate"},
		{name: "app without args", toml: "[[applications]]\nname = \"a\"\nid = 5", want: "args required"},
		{name: "app without id", toml: "[[applications]]\nname = \"a\"\nargs = [\"x\"]", want: "id is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTopology([]byte(tc.toml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q got=%v", tc.want, err)
			}
		})
	}
}

func TestLoadTopologyMissingFile(t *testing.T) {
	testlog.Start(t)
	_, err := LoadTopology(filepath.Join(t.TempDir(), "absent.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestTopologyDialConfig(t *testing.T) {
	testlog.Start(t)
	topo, err := ParseTopology([]byte("[dial]\nconnect_timeout = \"2s\"\nmax_attempts = 0\ninitial_delay = \"50ms\"\nmax_delay = \"1s\"\nno_jitter = true"))
	require.NoError(t, err)
	dial, err := topo.DialConfig()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, dial.ConnectTimeout)
	require.Equal(t, 0, dial.MaxAttempts)
	require.Equal(t, 50*time.Millisecond, dial.Backoff.InitialDelay)
	require.Equal(t, time.Second, dial.Backoff.MaxDelay)
	require.Equal(t, 2.0, dial.Backoff.Multiplier)
	require.False(t, dial.Backoff.Jitter)

	empty, err := Topology{}.DialConfig()
	require.NoError(t, err)
	require.Equal(t, connection.DefaultDialConfig(), empty)

	for _, raw := range []string{
		"[dial]\nconnect_timeout = \"soon\"",
		"[dial]\nmax_attempts = -1",
		"[dial]\nmultiplier = 0.5",
		"[dial]\ninitial_delay = \"2s\"\nmax_delay = \"1s\"",
	} {
		if _, err := ParseTopology([]byte(raw)); err == nil {
			t.Fatalf("expected dial error for %q", raw)
		}
	}
}
