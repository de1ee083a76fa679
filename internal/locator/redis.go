package locator

import (
	"context"
	"fmt"
	"sort"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/logging"
	backend "github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "kernelmesh:fs:"

// Redis keeps the holders of each path in a redis set at
// <prefix><name>:<path>, one node address per member.
type Redis struct {
	client *backend.Client
	name   string
	prefix string
}

type Option func(*Redis)

func WithPrefix(prefix string) Option {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

func NewRedis(name, address, password string, db int, opts ...Option) *Redis {
	return NewRedisFromClient(name, backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	}), opts...)
}

func NewRedisFromClient(name string, client *backend.Client, opts ...Option) *Redis {
	r := &Redis{client: client, name: name, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Name() string { return r.name }

func (r *Redis) key(path string) string {
	return r.prefix + r.name + ":" + path
}

// Locate returns the members of the path's set in a stable order. Members
// that do not parse as addresses are skipped.
func (r *Redis) Locate(ctx context.Context, path string) ([]kernel.Address, error) {
	members, err := r.client.SMembers(ctx, r.key(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("locator: redis smembers: %w", err)
	}
	sort.Strings(members)
	out := make([]kernel.Address, 0, len(members))
	for _, m := range members {
		a, err := kernel.ParseAddress(m)
		if err != nil {
			logging.Warnf("locator.Redis.Locate fs=%s path=%s bad member=%q err=%v", r.name, path, m, err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Publish records nodes as holders of path.
func (r *Redis) Publish(ctx context.Context, path string, nodes ...kernel.Address) error {
	if len(nodes) == 0 {
		return nil
	}
	members := make([]any, 0, len(nodes))
	for _, n := range nodes {
		members = append(members, n.String())
	}
	if err := r.client.SAdd(ctx, r.key(path), members...).Err(); err != nil {
		return fmt.Errorf("locator: redis sadd: %w", err)
	}
	return nil
}

// Withdraw removes nodes from the holders of path.
func (r *Redis) Withdraw(ctx context.Context, path string, nodes ...kernel.Address) error {
	if len(nodes) == 0 {
		return nil
	}
	members := make([]any, 0, len(nodes))
	for _, n := range nodes {
		members = append(members, n.String())
	}
	if err := r.client.SRem(ctx, r.key(path), members...).Err(); err != nil {
		return fmt.Errorf("locator: redis srem: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
