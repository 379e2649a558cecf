package grantstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
)

// Store is a GrantStore that holds resources.
type Store interface {
	capability.GrantStore
	io.Closer
}

type memoryStore struct {
	*capability.MemoryStore
}

func (memoryStore) Close() error { return nil }

// Open creates the backend selected by cfg. Relative SQLite paths are
// resolved against dataDir.
func Open(ctx context.Context, cfg config.GrantStoreConfig, dataDir string) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memoryStore{capability.NewMemoryStore()}, nil
	case config.BackendSQLite, "":
		path := cfg.Path
		if path != ":memory:" && !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, config.NewGrantStoreError(config.BackendSQLite, err)
			}
		}
		s, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, config.NewGrantStoreError(config.BackendSQLite, err)
		}
		return s, nil
	case config.BackendRedis:
		s, err := OpenRedis(ctx, RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, config.NewGrantStoreError(config.BackendRedis, err)
		}
		return s, nil
	default:
		return nil, config.NewGrantStoreError(cfg.Backend, fmt.Errorf("unknown backend %q", cfg.Backend))
	}
}

// Seed records grants that the store does not already hold, so decisions
// made at runtime survive a restart with the same configuration.
func Seed(ctx context.Context, s capability.GrantStore, grants []capability.Grant) (int, error) {
	existing, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, g := range existing {
		have[g.Key()] = true
	}

	added := 0
	for _, g := range grants {
		if have[g.Key()] {
			continue
		}
		if err := s.Put(ctx, g); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
