package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.json", `{
		"datastore_class": "RedisDataStore",
		"services": [{"service": "SAPRouter", "listener_port": 3299}],
		"eater_output": ["stdout"]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatastoreClassOrDefault() != "RedisDataStore" {
		t.Fatalf("unexpected datastore class: %q", cfg.DatastoreClass)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].ListenerPort != 3299 {
		t.Fatalf("unexpected services: %+v", cfg.Services)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.yaml", `
datastore_class: MemoryDataStore
services:
  - service: SAPDispatcher
    listener_port: 3200
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Service != "SAPDispatcher" {
		t.Fatalf("unexpected services: %+v", cfg.Services)
	}
}

func TestLoadResolvesIncludeDirective(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "feeds.yaml", `feeds:
  - feed: ConsoleFeed
`)
	path := writeFile(t, dir, "cfg.yaml", `datastore_class: MemoryDataStore
!include feeds.yaml
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Feeds) != 1 || cfg.Feeds[0].Feed != "ConsoleFeed" {
		t.Fatalf("expected included feeds to be merged, got %+v", cfg.Feeds)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `!include b.yaml
`)
	path := writeFile(t, dir, "b.yaml", `!include a.yaml
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestServiceDefaults(t *testing.T) {
	s := Service{}
	if !s.EnabledOrDefault() {
		t.Fatalf("expected enabled default to be true")
	}
	if s.ListenerAddressOrDefault() != "127.0.0.1" {
		t.Fatalf("unexpected listener address default")
	}
	if s.TimeoutOrDefault() != 5 {
		t.Fatalf("unexpected timeout default")
	}
	if s.BacklogOrDefault() != 5 {
		t.Fatalf("unexpected backlog default")
	}
	if s.MTUOrDefault() != 2048 {
		t.Fatalf("unexpected mtu default")
	}
	if s.RouterVersionOrDefault() != 39 {
		t.Fatalf("unexpected router version default")
	}
}

func TestRouterVersionOrDefaultParsesConfiguredValue(t *testing.T) {
	s := Service{RouterVersion: "40"}
	if s.RouterVersionOrDefault() != 40 {
		t.Fatalf("expected configured router version to be used")
	}

	s = Service{RouterVersion: "not-a-number"}
	if s.RouterVersionOrDefault() != 39 {
		t.Fatalf("expected fallback to default on unparseable router version")
	}
}

func TestDatastoreAddressDefault(t *testing.T) {
	c := Config{}
	if c.DatastoreAddressOrDefault() != "127.0.0.1:6379" {
		t.Fatalf("unexpected datastore address default: %q", c.DatastoreAddressOrDefault())
	}
	c.DatastoreAddress = "redis.internal:6380"
	if c.DatastoreAddressOrDefault() != "redis.internal:6380" {
		t.Fatalf("expected configured address to be used")
	}
}
