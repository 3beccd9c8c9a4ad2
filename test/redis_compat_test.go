//go:build integration
// +build integration

package test

import (
	"context"
	"errors"
	"testing"

	goSession "github.com/MrEthical07/goSession"
	"github.com/sirupsen/logrus"
)

func TestRedisCompatSessionLifecycle(t *testing.T) {
	for _, backend := range redisModes(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			rdb := backend.connect(t)
			srv := newAuthServer(t)
			key := "gsit:session:lifecycle"

			first, _ := newIntegrationClient(t, srv, rdb, "lifecycle")
			if _, err := first.Login(ctx, goSession.LoginIdentity{Username: testUser, Password: testPassword}); err != nil {
				t.Fatalf("Login failed: %v", err)
			}
			loginAccess, err := rdb.HGet(ctx, key, "access").Result()
			if err != nil || loginAccess == "" {
				t.Fatalf("expected access token in redis, got %q err=%v", loginAccess, err)
			}

			// A second process restores the session from the shared hash.
			second, _ := newIntegrationClient(t, srv, rdb, "lifecycle")
			ok, err := second.RestoreSession(ctx)
			if err != nil || !ok {
				t.Fatalf("RestoreSession: ok=%v err=%v", ok, err)
			}
			if second.User() == nil || second.User().Username != testUser {
				t.Fatalf("unexpected restored user %+v", second.User())
			}

			srv.ExpireAccessTokens()
			if _, err := second.Do(ctx, goSession.Get("/resumes/")); err != nil {
				t.Fatalf("Do after expiry failed: %v", err)
			}
			refreshed, _ := rdb.HGet(ctx, key, "access").Result()
			if refreshed == "" || refreshed == loginAccess {
				t.Fatal("refreshed access token must be written through to redis")
			}
			refreshToken, _ := rdb.HGet(ctx, key, "refresh").Result()
			if refreshToken == "" {
				t.Fatal("refresh token must survive a refresh")
			}

			// The first client picks up the write-through token without its own refresh.
			calls := srv.RefreshCalls()
			if _, err := first.Do(ctx, goSession.Get("/resumes/")); err != nil {
				t.Fatalf("Do on first client failed: %v", err)
			}
			if srv.RefreshCalls() != calls {
				t.Fatalf("expected no extra refresh, got %d calls", srv.RefreshCalls()-calls)
			}

			if err := second.Logout(ctx); err != nil {
				t.Fatalf("Logout failed: %v", err)
			}
			if n, _ := rdb.Exists(ctx, key).Result(); n != 0 {
				t.Fatal("logout must delete the session hash")
			}
		})
	}
}

func TestRedisCompatNamespacesAreIsolated(t *testing.T) {
	for _, backend := range redisModes(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			rdb := backend.connect(t)
			srv := newAuthServer(t)

			a, _ := newIntegrationClient(t, srv, rdb, "tenant-a")
			b, _ := newIntegrationClient(t, srv, rdb, "tenant-b")
			if _, err := a.Login(ctx, goSession.LoginIdentity{Username: testUser, Password: testPassword}); err != nil {
				t.Fatalf("Login failed: %v", err)
			}
			ok, err := b.RestoreSession(ctx)
			if err != nil {
				t.Fatalf("RestoreSession failed: %v", err)
			}
			if ok {
				t.Fatal("namespace tenant-b must not see tenant-a's session")
			}
		})
	}
}

func TestRedisCompatRefreshFailureClearsSharedHash(t *testing.T) {
	for _, backend := range redisModes(t) {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			rdb := backend.connect(t)
			srv := newAuthServer(t)
			client, hook := newIntegrationClient(t, srv, rdb, "revoked")

			if _, err := client.Login(ctx, goSession.LoginIdentity{Username: testUser, Password: testPassword}); err != nil {
				t.Fatalf("Login failed: %v", err)
			}
			srv.RevokeRefreshTokens()
			srv.ExpireAccessTokens()

			_, err := client.Do(ctx, goSession.Get("/resumes/"))
			if !errors.Is(err, goSession.ErrSessionExpired) {
				t.Fatalf("expected ErrSessionExpired, got %v", err)
			}
			if n, _ := rdb.Exists(ctx, "gsit:session:revoked").Result(); n != 0 {
				t.Fatal("failed refresh must clear the session hash")
			}
			warned := false
			for _, e := range hook.AllEntries() {
				if e.Level <= logrus.WarnLevel {
					warned = true
				}
			}
			if !warned {
				t.Fatal("expected the session end to be logged at warn level or above")
			}
		})
	}
}
