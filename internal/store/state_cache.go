package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix  = "leak:state:"
	defaultStateTTL = 24 * time.Hour
)

// CachedState is the latest published reading of one accessory.
type CachedState struct {
	Leak bool      `json:"leak"`
	At   time.Time `json:"at"`
}

// KV is the part of *redis.Client the state cache needs.
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

type StateCache struct {
	rdb KV
	ttl time.Duration
}

func NewStateCache(rdb KV, ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &StateCache{rdb: rdb, ttl: ttl}
}

func stateKey(id uuid.UUID) string { return stateKeyPrefix + id.String() }

// identityOf reports ok=false for keys under the prefix that do not end in
// an identity.
func identityOf(key string) (uuid.UUID, bool) {
	raw, found := strings.CutPrefix(key, stateKeyPrefix)
	if !found {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	return id, err == nil
}

func (c *StateCache) Put(ctx context.Context, id uuid.UUID, st CachedState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, stateKey(id), b, c.ttl).Err()
}

// Lookup returns nil when nothing is cached for id.
func (c *StateCache) Lookup(ctx context.Context, id uuid.UUID) (*CachedState, error) {
	b, err := c.rdb.Get(ctx, stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st CachedState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *StateCache) Forget(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = stateKey(id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Prune deletes every cached state whose identity is not in live and returns
// the identities it dropped. Keys that carry no valid identity are deleted
// too but not reported.
func (c *StateCache) Prune(ctx context.Context, live []uuid.UUID) ([]uuid.UUID, error) {
	keep := make(map[uuid.UUID]struct{}, len(live))
	for _, id := range live {
		keep[id] = struct{}{}
	}
	var (
		stale   []string
		dropped []uuid.UUID
	)
	iter := c.rdb.Scan(ctx, 0, stateKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id, ok := identityOf(key)
		if ok {
			if _, isLive := keep[id]; isLive {
				continue
			}
			dropped = append(dropped, id)
		}
		stale = append(stale, key)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if err := c.rdb.Del(ctx, stale...).Err(); err != nil {
		return nil, err
	}
	return dropped, nil
}
