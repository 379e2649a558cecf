package grantstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
)

// DefaultKeyPrefix namespaces grant keys when none is configured.
const DefaultKeyPrefix = "pluginhost:grants"

// RedisStore keeps one hash per plugin, field = capability, so several
// hosts can share grants. The set at <prefix>:plugins indexes the hashes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type redisGrant struct {
	Decision  capability.Decision `json:"decision"`
	GrantedAt time.Time           `json:"granted_at"`
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStore(client, opts.KeyPrefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) pluginKey(pluginID string) string {
	return s.prefix + ":plugin:" + pluginID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":plugins"
}

// Grants returns the grants recorded for a plugin.
func (s *RedisStore) Grants(ctx context.Context, pluginID string) ([]capability.Grant, error) {
	fields, err := s.client.HGetAll(ctx, s.pluginKey(pluginID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read grants for %s: %w", pluginID, err)
	}

	grants := make([]capability.Grant, 0, len(fields))
	for rawCap, rawGrant := range fields {
		g, err := s.decode(pluginID, rawCap, rawGrant)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	capability.SortGrants(grants)
	return grants, nil
}

// All returns every grant sorted by plugin then capability.
func (s *RedisStore) All(ctx context.Context) ([]capability.Grant, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read grant index: %w", err)
	}

	var all []capability.Grant
	for _, id := range ids {
		grants, err := s.Grants(ctx, id)
		if err != nil {
			return nil, err
		}
		all = append(all, grants...)
	}
	capability.SortGrants(all)
	return all, nil
}

// Put records a grant.
func (s *RedisStore) Put(ctx context.Context, g capability.Grant) error {
	if err := g.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(redisGrant{Decision: g.Decision, GrantedAt: g.GrantedAt})
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.pluginKey(g.PluginID), g.Capability.String(), data)
		pipe.SAdd(ctx, s.indexKey(), g.PluginID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put grant %s: %w", g.Key(), err)
	}
	return nil
}

// revokeScript deletes one field and drops the plugin from the index when
// its hash is left empty. KEYS[1] is the plugin hash, KEYS[2] the index.
var revokeScript = redis.NewScript(`
local n = redis.call("HDEL", KEYS[1], ARGV[1])
if redis.call("HLEN", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
end
return n
`)

// Revoke removes a grant. A plugin left without grants drops out of the
// index in the same step, so a concurrent Put cannot be orphaned.
func (s *RedisStore) Revoke(ctx context.Context, pluginID string, c capability.Capability) (bool, error) {
	keys := []string{s.pluginKey(pluginID), s.indexKey()}
	n, err := revokeScript.Run(ctx, s.client, keys, c.String(), pluginID).Int64()
	if err != nil {
		return false, fmt.Errorf("revoke grant %s|%s: %w", pluginID, c, err)
	}
	return n > 0, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) decode(pluginID, rawCap, rawGrant string) (capability.Grant, error) {
	c, err := capability.Parse(rawCap)
	if err != nil {
		return capability.Grant{}, fmt.Errorf("stored grant for %s: %w", pluginID, err)
	}
	var rg redisGrant
	if err := json.Unmarshal([]byte(rawGrant), &rg); err != nil {
		return capability.Grant{}, fmt.Errorf("stored grant for %s: %w", pluginID, err)
	}
	return capability.Grant{PluginID: pluginID, Capability: c, Decision: rg.Decision, GrantedAt: rg.GrantedAt}, nil
}

var _ capability.GrantStore = (*RedisStore)(nil)
