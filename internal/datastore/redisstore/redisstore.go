// Package redisstore is an optional DataStore backend backed by Redis,
// selected via the "datastore_class: RedisDataStore" config key. It is
// grounded on the teacher corpus's connect/redisx wiring of
// github.com/redis/go-redis/v9, wired here to satisfy spec.md 6's
// datastore_class schema with a real second backend.
//
// Watchers are process-local only: Redis keyspace notifications are not
// wired up (see DESIGN.md), so Watch/Unwatch behave identically to
// MemoryDataStore — watchers fire on local Put calls, not on writes made
// by other processes sharing the same Redis key space.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/secureauth/honeysap/internal/datastore"
)

// RedisDataStore is a DataStore backend that persists values in Redis
// (as JSON) while keeping watcher dispatch local to this process.
type RedisDataStore struct {
	client *redis.Client
	ctx    context.Context
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string][]datastore.Watcher
}

// New creates a RedisDataStore connected to addr (host:port). logger scopes
// Redis connectivity failures, which Put otherwise only drops silently.
func New(ctx context.Context, addr string, logger *slog.Logger) *RedisDataStore {
	return &RedisDataStore{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		ctx:      ctx,
		logger:   logger,
		watchers: make(map[string][]datastore.Watcher),
	}
}

// Get fetches key from Redis and decodes it from JSON.
func (d *RedisDataStore) Get(key string) (any, error) {
	raw, err := d.client.Get(d.ctx, key).Result()
	if err == redis.Nil {
		return nil, datastore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %q: %w", key, err)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("redisstore: decode %q: %w", key, err)
	}
	return v, nil
}

// Put writes value to Redis as JSON and fires local watchers for key.
func (d *RedisDataStore) Put(key string, value any) {
	raw, err := json.Marshal(value)
	if err == nil {
		if err := d.client.Set(d.ctx, key, raw, 0).Err(); err != nil {
			d.logger.Warn("redisstore: set failed", "key", key, "error", err)
		}
	}

	d.mu.Lock()
	cbs := append([]datastore.Watcher(nil), d.watchers[key]...)
	d.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() { _ = recover() }()
			cb(key, value)
		}()
	}
}

// Watch registers a process-local watcher for key.
func (d *RedisDataStore) Watch(key string, cb datastore.Watcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers[key] = append(d.watchers[key], cb)
}

// Unwatch removes cb (or all watchers, if cb is nil) for key.
func (d *RedisDataStore) Unwatch(key string, cb datastore.Watcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb == nil {
		delete(d.watchers, key)
		return
	}
	var filtered []datastore.Watcher
	for _, w := range d.watchers[key] {
		if fmt.Sprintf("%p", w) == fmt.Sprintf("%p", cb) {
			continue
		}
		filtered = append(filtered, w)
	}
	d.watchers[key] = filtered
}

// LoadConfig seeds Redis from a configuration map.
func (d *RedisDataStore) LoadConfig(cfg map[string]any) {
	for k, v := range cfg {
		d.Put(k, v)
	}
}

var _ datastore.DataStore = (*RedisDataStore)(nil)
