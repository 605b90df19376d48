package datastore

import "testing"

func TestMemoryDataStoreGetPut(t *testing.T) {
	d := NewMemoryDataStore()
	if _, err := d.Get("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	d.Put("k", 42)
	v, err := d.Get("k")
	if err != nil || v != 42 {
		t.Fatalf("got %v, %v", v, err)
	}
}

func TestMemoryDataStoreWatchFires(t *testing.T) {
	d := NewMemoryDataStore()
	var got string
	var gotVal any
	d.Watch("k", func(key string, value any) {
		got = key
		gotVal = value
	})
	d.Put("k", "hello")
	if got != "k" || gotVal != "hello" {
		t.Fatalf("watcher did not fire correctly: %q %v", got, gotVal)
	}
}

func TestMemoryDataStoreWatcherPanicDoesNotAbortPut(t *testing.T) {
	d := NewMemoryDataStore()
	calledSecond := false
	d.Watch("k", func(string, any) { panic("boom") })
	d.Watch("k", func(string, any) { calledSecond = true })

	d.Put("k", 1)

	if !calledSecond {
		t.Fatalf("second watcher should still run after first panics")
	}
	v, err := d.Get("k")
	if err != nil || v != 1 {
		t.Fatalf("put should have completed despite watcher panic: %v %v", v, err)
	}
}

func TestMemoryDataStoreUnwatch(t *testing.T) {
	d := NewMemoryDataStore()
	calls := 0
	cb := func(string, any) { calls++ }
	d.Watch("k", cb)
	d.Put("k", 1)
	d.Unwatch("k", cb)
	d.Put("k", 2)
	if calls != 1 {
		t.Fatalf("expected 1 call after unwatch, got %d", calls)
	}
}

func TestMemoryDataStoreLoadConfig(t *testing.T) {
	d := NewMemoryDataStore()
	d.LoadConfig(map[string]any{"a": 1, "b": 2})
	if v, _ := d.Get("a"); v != 1 {
		t.Fatalf("expected 1, got %v", v)
	}
}
