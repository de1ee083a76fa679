package locator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/testutil/testlog"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var (
	nodeA = kernel.MustParseAddress("10.0.0.1:33333")
	nodeB = kernel.MustParseAddress("10.0.0.2:33333")
)

func startRedis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestResolverSelectsFileSystem(t *testing.T) {
	testlog.Start(t)
	home := NewStatic("home")
	home.Set("/data/a.csv", nodeA)
	scratch := NewStatic("scratch")
	scratch.Set("/tmp/b.csv", nodeB)

	r, err := New(0, home, scratch)
	require.NoError(t, err)

	require.Equal(t, []kernel.Address{nodeA}, r.Locate("/data/a.csv"))
	require.Equal(t, []kernel.Address{nodeB}, r.Locate("scratch:/tmp/b.csv"))
	require.Equal(t, []kernel.Address{nodeA}, r.Locate("home:/data/a.csv"))
	require.Empty(t, r.Locate("missing:/data/a.csv"))
	require.Empty(t, r.Locate("relative.csv"))
	require.Empty(t, r.Locate(""))

	require.ErrorIs(t, r.Add(NewStatic("home")), ErrDuplicateName)
}

func TestResolverWithoutFileSystems(t *testing.T) {
	testlog.Start(t)
	r, err := New(0)
	require.NoError(t, err)
	if got := r.Locate("/data/a.csv"); len(got) != 0 {
		t.Fatalf("expected no nodes got=%v", got)
	}
}

func TestStaticSetCopiesAndClears(t *testing.T) {
	testlog.Start(t)
	s := NewStatic("home")
	nodes := []kernel.Address{nodeA, nodeB}
	s.Set("/f", nodes...)
	nodes[0] = nodeB

	got, err := s.Locate(context.Background(), "/f")
	require.NoError(t, err)
	require.Equal(t, []kernel.Address{nodeA, nodeB}, got)

	s.Set("/f")
	got, err = s.Locate(context.Background(), "/f")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRedisLocate(t *testing.T) {
	testlog.Start(t)
	mr, client := startRedis(t)
	fs := NewRedisFromClient("home", client)
	ctx := context.Background()

	require.NoError(t, fs.Ping(ctx))
	require.NoError(t, fs.Publish(ctx, "/data/a.csv", nodeB, nodeA))
	require.True(t, mr.Exists("kernelmesh:fs:home:/data/a.csv"))

	// foreign writers may leave junk in the set
	_, err := mr.SAdd("kernelmesh:fs:home:/data/a.csv", "not an address")
	require.NoError(t, err)

	r, err := New(0, fs)
	require.NoError(t, err)
	got := r.Locate("home:/data/a.csv")
	require.Equal(t, []kernel.Address{nodeA, nodeB}, got)

	require.NoError(t, fs.Withdraw(ctx, "/data/a.csv", nodeA))
	require.Equal(t, []kernel.Address{nodeB}, r.Locate("/data/a.csv"))
}

func TestRedisPrefixAndOutage(t *testing.T) {
	testlog.Start(t)
	mr, client := startRedis(t)
	fs := NewRedisFromClient("home", client, WithPrefix("test:"))
	require.NoError(t, fs.Publish(context.Background(), "/x", nodeA))
	require.True(t, mr.Exists("test:home:/x"))

	r, err := New(0, fs)
	require.NoError(t, err)
	require.Equal(t, []kernel.Address{nodeA}, r.Locate("/x"))

	mr.Close()
	if got := r.Locate("/x"); len(got) != 0 {
		t.Fatalf("expected no nodes while redis is down got=%v", got)
	}
}
