// Package datastore implements the key/value store with watch/notify
// semantics described in spec.md 4.D. MemoryDataStore is the one backend
// the core requires; internal/datastore/redisstore provides a second,
// optional backend selected by the "datastore_class" config key.
package datastore

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("datastore: key not found")

// Watcher is invoked with (key, newValue) whenever Put changes that key.
type Watcher func(key string, value any)

// DataStore is the key/value-with-watch contract every backend implements.
type DataStore interface {
	Get(key string) (any, error)
	Put(key string, value any)
	Watch(key string, cb Watcher)
	Unwatch(key string, cb Watcher)
	// LoadConfig seeds the store from a flat configuration map.
	LoadConfig(cfg map[string]any)
}

// MemoryDataStore is an in-memory DataStore. A single mutex protects both
// the value map and the watcher lists; per spec.md 5, callback invocation
// happens with the lock released so a slow or panicking watcher cannot
// block Put or deadlock against a watcher that itself calls back into the
// store.
type MemoryDataStore struct {
	mu       sync.Mutex
	values   map[string]any
	watchers map[string][]Watcher
}

// NewMemoryDataStore creates an empty in-memory datastore.
func NewMemoryDataStore() *MemoryDataStore {
	return &MemoryDataStore{
		values:   make(map[string]any),
		watchers: make(map[string][]Watcher),
	}
}

// Get returns the value stored at key, or ErrNotFound.
func (d *MemoryDataStore) Get(key string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Put stores value at key and fires registered watchers for that key.
// A watcher that panics is recovered and does not prevent other watchers
// from running or abort the put (spec.md 4.D — "callback failure must not
// abort the put").
func (d *MemoryDataStore) Put(key string, value any) {
	d.mu.Lock()
	d.values[key] = value
	cbs := append([]Watcher(nil), d.watchers[key]...)
	d.mu.Unlock()

	for _, cb := range cbs {
		callWatcher(cb, key, value)
	}
}

func callWatcher(cb Watcher, key string, value any) {
	defer func() { _ = recover() }()
	cb(key, value)
}

// Watch registers cb to be called on every future Put to key.
func (d *MemoryDataStore) Watch(key string, cb Watcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watchers[key] = append(d.watchers[key], cb)
}

// Unwatch removes cb from key's watcher list. If cb is nil, all watchers
// for key are removed.
func (d *MemoryDataStore) Unwatch(key string, cb Watcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb == nil {
		delete(d.watchers, key)
		return
	}
	watchers := d.watchers[key]
	filtered := watchers[:0]
	for _, w := range watchers {
		if funcsEqual(w, cb) {
			continue
		}
		filtered = append(filtered, w)
	}
	d.watchers[key] = filtered
}

// LoadConfig seeds the store from a configuration map without firing
// watchers — this is bulk initialization, not a runtime mutation.
func (d *MemoryDataStore) LoadConfig(cfg map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range cfg {
		d.values[k] = v
	}
}

// funcsEqual compares two Watcher values for pointer identity. Go does not
// allow comparing func values directly; reflect.ValueOf(...).Pointer() is
// the standard workaround, good enough for the common case of unwatching
// a closure returned earlier by the same caller.
func funcsEqual(a, b Watcher) bool {
	return funcPointer(a) == funcPointer(b)
}
