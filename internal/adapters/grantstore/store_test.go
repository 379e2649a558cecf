package grantstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
)

var grantTime = time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)

func grant(pluginID, c string, d capability.Decision) capability.Grant {
	return capability.Grant{
		PluginID:   pluginID,
		Capability: capability.MustParse(c),
		Decision:   d,
		GrantedAt:  grantTime,
	}
}

func newSQLite(t *testing.T) Store {
	t.Helper()

	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedis(t *testing.T) Store {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr(), KeyPrefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends() map[string]func(*testing.T) Store {
	return map[string]func(*testing.T) Store{
		"memory": func(*testing.T) Store { return memoryStore{capability.NewMemoryStore()} },
		"sqlite": newSQLite,
		"redis":  newRedis,
	}
}

func TestGrantStore_Contract(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			s := open(t)

			got, err := s.Grants(ctx, "echo")
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, s.Put(ctx, grant("echo", "filesystem-read:/data", capability.Allowed)))
			require.NoError(t, s.Put(ctx, grant("echo", "network-connect:api.example.com:443", capability.Denied)))
			require.NoError(t, s.Put(ctx, grant("alpha", "host-api-call:log", capability.Allowed)))

			got, err = s.Grants(ctx, "echo")
			require.NoError(t, err)
			capability.SortGrants(got)
			require.Len(t, got, 2)
			assert.Equal(t, grant("echo", "filesystem-read:/data", capability.Allowed), got[0])
			assert.Equal(t, capability.Denied, got[1].Decision)

			// Same plugin and capability replaces the decision.
			require.NoError(t, s.Put(ctx, grant("echo", "filesystem-read:/data", capability.Denied)))
			got, err = s.Grants(ctx, "echo")
			require.NoError(t, err)
			assert.Len(t, got, 2)

			all, err := s.All(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "alpha", all[0].PluginID)
			assert.Equal(t, "echo|filesystem-read:/data", all[1].Key())
			assert.Equal(t, capability.Denied, all[1].Decision)

			ok, err := s.Revoke(ctx, "echo", capability.MustParse("filesystem-read:/data"))
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.Revoke(ctx, "echo", capability.MustParse("filesystem-read:/data"))
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.Revoke(ctx, "alpha", capability.MustParse("host-api-call:log"))
			require.NoError(t, err)
			assert.True(t, ok)

			all, err = s.All(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "echo", all[0].PluginID)

			err = s.Put(ctx, capability.Grant{PluginID: "echo"})
			assert.ErrorIs(t, err, capability.ErrInvalidGrant)
		})
	}
}

func TestSQLiteStore_Persists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grants.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, grant("echo", "filesystem-write:/out", capability.Allowed)))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Grants(ctx, "echo")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, grant("echo", "filesystem-write:/out", capability.Allowed), got[0])
}

func TestSQLiteStore_CorruptRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, ensureGrantSchema(ctx, db))
	_, err = db.ExecContext(ctx, `INSERT INTO grants VALUES ('echo', 'teleport:/', 'allowed', '')`)
	require.NoError(t, err)

	_, err = NewSQLiteStore(ctx, db)
	assert.ErrorIs(t, err, capability.ErrInvalidCapability)

	_, err = NewSQLiteStore(ctx, nil)
	assert.Error(t, err)
}

func TestRedisStore_SharedBetweenHosts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)

	a := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	b := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	require.NoError(t, a.Put(ctx, grant("echo", "host-api-call:http_get", capability.Allowed)))

	got, err := b.Grants(ctx, "echo")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, grantTime, got[0].GrantedAt)
	assert.True(t, mr.Exists(DefaultKeyPrefix+":plugin:echo"))

	_, err = b.Revoke(ctx, "echo", capability.MustParse("host-api-call:http_get"))
	require.NoError(t, err)
	all, err := a.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.False(t, mr.Exists(DefaultKeyPrefix+":plugin:echo"))
}

func TestRedisStore_RevokeRacingPutKeepsIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { _ = s.Close() })

	revoked := capability.MustParse("host-api-call:log")
	for i := 0; i < 50; i++ {
		kept := grant("echo", fmt.Sprintf("filesystem-read:/data/%d", i), capability.Allowed)
		require.NoError(t, s.Put(ctx, grant("echo", "host-api-call:log", capability.Allowed)))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Revoke(ctx, "echo", revoked)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, kept))
		}()
		wg.Wait()

		all, err := s.All(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, all, "grant %s dropped out of the index", kept.Key())
		assert.True(t, mr.Exists(DefaultKeyPrefix+":plugin:echo"))

		_, err = s.Revoke(ctx, "echo", kept.Capability)
		require.NoError(t, err)
	}

	assert.False(t, mr.Exists(DefaultKeyPrefix+":plugins"))
}

func TestRedisStore_RevokeReportsRemoval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newRedis(t)
	c := capability.MustParse("host-api-call:log")

	ok, err := s.Revoke(ctx, "echo", c)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, grant("echo", "host-api-call:log", capability.Allowed)))
	ok, err = s.Revoke(ctx, "echo", c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenRedis_Unreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenRedis(context.Background(), RedisOptions{Addr: addr})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, config.GrantStoreConfig{Backend: config.BackendSQLite, Path: "nested/grants.db"}, dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, filepath.Join(dir, "nested", "grants.db"))

	s, err = Open(ctx, config.GrantStoreConfig{Backend: config.BackendMemory}, dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(ctx, config.GrantStoreConfig{Backend: config.BackendRedis, Redis: config.RedisConfig{Addr: mr.Addr()}}, dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.GrantStoreConfig{Backend: "etcd"}, dir)
	assert.True(t, config.IsUserError(err, config.ErrCodeGrantStore))
}

func TestSeed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := capability.NewMemoryStore(grant("echo", "filesystem-read:/data", capability.Denied))

	added, err := Seed(ctx, s, []capability.Grant{
		grant("echo", "filesystem-read:/data", capability.Allowed),
		grant("echo", "filesystem-write:/data", capability.Allowed),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	got, err := s.Grants(ctx, "echo")
	require.NoError(t, err)
	capability.SortGrants(got)
	require.Len(t, got, 2)
	assert.Equal(t, capability.Denied, got[0].Decision)
}
