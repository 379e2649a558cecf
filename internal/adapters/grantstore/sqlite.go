// Package grantstore provides persistent capability.GrantStore backends.
package grantstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
)

// SQLiteStore persists grants in SQLite and serves reads from an in-memory
// copy loaded at open.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	cache *capability.MemoryStore
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore creates a store on db and ensures the schema.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureGrantSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("create grant schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	grants, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.cache = capability.NewMemoryStore(grants...)
	return s, nil
}

// Grants returns the grants recorded for a plugin.
func (s *SQLiteStore) Grants(ctx context.Context, pluginID string) ([]capability.Grant, error) {
	return s.cache.Grants(ctx, pluginID)
}

// All returns every grant sorted by plugin then capability.
func (s *SQLiteStore) All(ctx context.Context) ([]capability.Grant, error) {
	return s.cache.All(ctx)
}

// Put records a grant.
func (s *SQLiteStore) Put(ctx context.Context, g capability.Grant) error {
	if err := g.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grants (plugin_id, capability, decision, granted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(plugin_id, capability) DO UPDATE SET
			decision = excluded.decision,
			granted_at = excluded.granted_at
	`,
		g.PluginID,
		g.Capability.String(),
		g.Decision.String(),
		formatTime(g.GrantedAt),
	)
	if err != nil {
		return fmt.Errorf("put grant %s: %w", g.Key(), err)
	}
	return s.cache.Put(ctx, g)
}

// Revoke removes a grant.
func (s *SQLiteStore) Revoke(ctx context.Context, pluginID string, c capability.Capability) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE plugin_id = ? AND capability = ?`,
		pluginID, c.String())
	if err != nil {
		return false, fmt.Errorf("revoke grant %s|%s: %w", pluginID, c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := s.cache.Revoke(ctx, pluginID, c); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) load(ctx context.Context) ([]capability.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin_id, capability, decision, granted_at
		FROM grants
		ORDER BY plugin_id, capability
	`)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	defer rows.Close()

	var grants []capability.Grant
	for rows.Next() {
		var pluginID, rawCap, rawDecision, rawTime string
		if err := rows.Scan(&pluginID, &rawCap, &rawDecision, &rawTime); err != nil {
			return nil, err
		}
		g, err := decodeGrant(pluginID, rawCap, rawDecision, rawTime)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

func ensureGrantSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS grants (
			plugin_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			decision TEXT NOT NULL,
			granted_at TEXT NOT NULL,
			PRIMARY KEY (plugin_id, capability)
		);
		CREATE INDEX IF NOT EXISTS idx_grants_plugin ON grants(plugin_id);
	`)
	return err
}

func decodeGrant(pluginID, rawCap, rawDecision, rawTime string) (capability.Grant, error) {
	c, err := capability.Parse(rawCap)
	if err != nil {
		return capability.Grant{}, fmt.Errorf("stored grant for %s: %w", pluginID, err)
	}
	d, err := capability.ParseDecision(rawDecision)
	if err != nil {
		return capability.Grant{}, fmt.Errorf("stored grant for %s: %w", pluginID, err)
	}
	var at time.Time
	if rawTime != "" {
		at, err = time.Parse(time.RFC3339Nano, rawTime)
		if err != nil {
			return capability.Grant{}, fmt.Errorf("stored grant for %s: %w", pluginID, err)
		}
	}
	return capability.Grant{PluginID: pluginID, Capability: c, Decision: d, GrantedAt: at}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var _ capability.GrantStore = (*SQLiteStore)(nil)
