//go:build integration
// +build integration

package test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	goSession "github.com/MrEthical07/goSession"
	"github.com/MrEthical07/goSession/authtest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

const (
	testUser     = "alice"
	testPassword = "correct-horse"
)

type redisBackend struct {
	name    string
	connect func(t *testing.T) redis.UniversalClient
}

// redisModes always includes an in-process miniredis. REDIS_ADDR adds a standalone
// server and REDIS_CLUSTER_ADDRS (comma separated) adds a cluster; both are skipped
// when unreachable.
func redisModes(t *testing.T) []redisBackend {
	t.Helper()
	backends := []redisBackend{{name: "miniredis", connect: connectMiniredis}}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		backends = append(backends, redisBackend{
			name: "standalone:" + addr,
			connect: func(t *testing.T) redis.UniversalClient {
				rdb := redis.NewClient(&redis.Options{Addr: addr})
				requireReachable(t, rdb)
				// Session hashes from an earlier run would leak into this one.
				_ = rdb.FlushDB(context.Background()).Err()
				t.Cleanup(func() { _ = rdb.FlushDB(context.Background()).Err() })
				return rdb
			},
		})
	}
	if addrs := strings.FieldsFunc(os.Getenv("REDIS_CLUSTER_ADDRS"), func(r rune) bool { return r == ',' || r == ' ' }); len(addrs) > 0 {
		backends = append(backends, redisBackend{
			name: "cluster",
			connect: func(t *testing.T) redis.UniversalClient {
				rdb := redis.NewClusterClient(&redis.ClusterOptions{Addrs: addrs})
				requireReachable(t, rdb)
				return rdb
			},
		})
	}
	return backends
}

func connectMiniredis(t *testing.T) redis.UniversalClient {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func requireReachable(t *testing.T, rdb redis.UniversalClient) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
}

func newAuthServer(t *testing.T, opts ...authtest.Option) *authtest.Server {
	t.Helper()
	opts = append([]authtest.Option{authtest.WithUser(authtest.User{Username: testUser, Password: testPassword})}, opts...)
	return authtest.NewServer(t, opts...)
}

// newIntegrationClient builds a Client on rdb under namespace. The returned hook
// captures everything the client logs.
func newIntegrationClient(t *testing.T, srv *authtest.Server, rdb redis.UniversalClient, namespace string) (*goSession.Client, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := goSession.DefaultConfig()
	cfg.HTTP.BaseURL = srv.URL
	cfg.Store.Backend = goSession.StoreRedis
	cfg.Store.RedisPrefix = "gsit"
	cfg.Store.RedisNamespace = namespace

	client, err := goSession.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithHTTPClient(srv.Client()).
		WithLogger(logger).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, hook
}
