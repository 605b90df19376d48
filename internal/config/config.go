// Package config decodes the JSON or YAML configuration documents described
// in spec.md 6, including eager resolution of "!include <path>" directives.
// Grounded on the teacher's spec/decode.go custom decoding pass (duplicate
// key detection via a raw-map preprocessing step before struct decode) and
// on gopkg.in/yaml.v3, already a transitive dependency of the teacher's
// stack, promoted here to a direct configuration-loading dependency.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document, spec.md 6's configuration schema.
type Config struct {
	DatastoreClass   string    `json:"datastore_class" yaml:"datastore_class"`
	DatastoreAddress string    `json:"datastore_address" yaml:"datastore_address"`
	Services         []Service `json:"services" yaml:"services"`
	Feeds            []Feed    `json:"feeds" yaml:"feeds"`
	EaterOutput      []string  `json:"eater_output" yaml:"eater_output"`
	EaterFilename    string    `json:"eater_filename" yaml:"eater_filename"`
}

// DatastoreAddressOrDefault returns the configured Redis datastore address,
// defaulting to 127.0.0.1:6379 (only consulted when DatastoreClass selects
// RedisDataStore).
func (c Config) DatastoreAddressOrDefault() string {
	if c.DatastoreAddress == "" {
		return "127.0.0.1:6379"
	}
	return c.DatastoreAddress
}

// Service is one entry in the top-level "services" list. Fields not
// relevant to a given service's "service" tag are simply left zero.
type Service struct {
	Service  string `json:"service" yaml:"service"` // class tag: "SAPRouter", "SAPDispatcher", "Forwarder"
	Alias    string `json:"alias" yaml:"alias"`
	Enabled  *bool  `json:"enabled" yaml:"enabled"`
	Virtual  bool   `json:"virtual" yaml:"virtual"`

	ListenerAddress string `json:"listener_address" yaml:"listener_address"`
	ListenerPort    int    `json:"listener_port" yaml:"listener_port"`

	// Router fields.
	Hostname            string        `json:"hostname" yaml:"hostname"`
	Release             string        `json:"release" yaml:"release"`
	RouterVersion       string        `json:"router_version" yaml:"router_version"`
	RouterVersionPatch  string        `json:"router_version_patch" yaml:"router_version_patch"`
	InfoPassword        string        `json:"info_password" yaml:"info_password"`
	ExternalAdmin       bool          `json:"external_admin" yaml:"external_admin"`
	Timeout             int           `json:"timeout" yaml:"timeout"`
	RouteTableFilename  string        `json:"route_table_filename" yaml:"route_table_filename"`
	RouteTableWorkDir   string        `json:"route_table_working_directory" yaml:"route_table_working_directory"`
	RouteTable          []any         `json:"route_table" yaml:"route_table"`
	ParentPID           int           `json:"parent_pid" yaml:"parent_pid"`
	ParentPort          int           `json:"parent_port" yaml:"parent_port"`
	PID                 int           `json:"pid" yaml:"pid"`
	TimeStarted         string        `json:"time_started" yaml:"time_started"`

	// Dispatcher fields.
	ClientNo        string `json:"client_no" yaml:"client_no"`
	SID             string `json:"sid" yaml:"sid"`
	SessionTitle    string `json:"session_title" yaml:"session_title"`
	DatabaseVersion string `json:"database_version" yaml:"database_version"`
	KernelVersion   string `json:"kernel_version" yaml:"kernel_version"`
	KernelPatchLevel string `json:"kernel_patch_level" yaml:"kernel_patch_level"`

	// Forwarder fields.
	TargetAddress string `json:"target_address" yaml:"target_address"`
	TargetPort    int    `json:"target_port" yaml:"target_port"`
	Backlog       int    `json:"backlog" yaml:"backlog"`
	MTU           int    `json:"mtu" yaml:"mtu"`
}

// EnabledOrDefault reports whether the service is enabled, defaulting to
// true when unset.
func (s Service) EnabledOrDefault() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// ListenerAddressOrDefault returns the configured listener address,
// defaulting to 127.0.0.1 per spec.md 6.
func (s Service) ListenerAddressOrDefault() string {
	if s.ListenerAddress == "" {
		return "127.0.0.1"
	}
	return s.ListenerAddress
}

// TimeoutOrDefault returns the router's route-pending timeout in seconds,
// defaulting to 5.
func (s Service) TimeoutOrDefault() int {
	if s.Timeout == 0 {
		return 5
	}
	return s.Timeout
}

// RouterVersionOrDefault parses the router's configured NI protocol
// version, defaulting to 39 (the baseline NI version this honeypot
// emulates) when unset or unparseable.
func (s Service) RouterVersionOrDefault() int {
	if s.RouterVersion == "" {
		return 39
	}
	v, err := strconv.Atoi(s.RouterVersion)
	if err != nil {
		return 39
	}
	return v
}

// BacklogOrDefault returns the configured forwarder backlog, defaulting to 5.
// The forwarder's listener does not apply it.
func (s Service) BacklogOrDefault() int {
	if s.Backlog == 0 {
		return 5
	}
	return s.Backlog
}

// MTUOrDefault returns the configured forwarder mtu, defaulting to 2048.
// The forwarder does not consult it: its copy loop reads in fixed 4096-byte
// chunks.
func (s Service) MTUOrDefault() int {
	if s.MTU == 0 {
		return 2048
	}
	return s.MTU
}

// Feed is one entry in the top-level "feeds" list.
type Feed struct {
	Feed    string `json:"feed" yaml:"feed"` // class tag: "ConsoleFeed", "LogFeed", "DBFeed", "BusFeed"
	Enabled *bool  `json:"enabled" yaml:"enabled"`

	LogFilename string `json:"log_filename" yaml:"log_filename"`

	DBEngine string `json:"db_engine" yaml:"db_engine"`
	DBEcho   bool   `json:"db_echo" yaml:"db_echo"`

	FeedHost    string   `json:"feed_host" yaml:"feed_host"`
	FeedPort    int      `json:"feed_port" yaml:"feed_port"`
	FeedIdent   string   `json:"feed_ident" yaml:"feed_ident"`
	FeedSecret  string   `json:"feed_secret" yaml:"feed_secret"`
	FeedTimeout int      `json:"feed_timeout" yaml:"feed_timeout"`
	Channels    []string `json:"channels" yaml:"channels"`
}

// EnabledOrDefault reports whether the feed is enabled, defaulting to true.
func (f Feed) EnabledOrDefault() bool {
	if f.Enabled == nil {
		return true
	}
	return *f.Enabled
}

// DatastoreClassOrDefault returns the configured datastore backend tag,
// defaulting to "MemoryDataStore".
func (c Config) DatastoreClassOrDefault() string {
	if c.DatastoreClass == "" {
		return "MemoryDataStore"
	}
	return c.DatastoreClass
}

// Load reads and decodes the configuration document at path, resolving any
// "!include <path>" directives first. Format (JSON or YAML) is inferred
// from the file extension; ".json" decodes as JSON, anything else as YAML.
func Load(path string) (Config, error) {
	resolved, err := resolveIncludes(path, make(map[string]bool))
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(resolved, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %q as JSON: %w", path, err)
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(resolved, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %q as YAML: %w", path, err)
	}
	return cfg, nil
}

// resolveIncludes reads path and recursively substitutes every
// "!include <other-path>" directive with the (recursively resolved)
// contents of the referenced file, detecting cycles along the way.
// Included paths are resolved relative to the directory of the file that
// references them.
func resolveIncludes(path string, visiting map[string]bool) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %q: %w", path, err)
	}
	if visiting[abs] {
		return nil, fmt.Errorf("include cycle detected at %q", path)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "!include ") {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		ref := strings.TrimSpace(strings.TrimPrefix(trimmed, "!include "))
		ref = strings.Trim(ref, `"'`)
		if !filepath.IsAbs(ref) {
			ref = filepath.Join(filepath.Dir(path), ref)
		}

		included, err := resolveIncludes(ref, visiting)
		if err != nil {
			return nil, fmt.Errorf("include %q: %w", ref, err)
		}
		lines[i] = indentBlock(string(included), indent)
	}

	return []byte(strings.Join(lines, "\n")), nil
}

// indentBlock re-indents every line of block by prefix, so an included
// fragment substituted in place of a "!include" line keeps valid YAML/JSON
// structure relative to its insertion point.
func indentBlock(block, prefix string) string {
	lines := strings.Split(strings.TrimRight(block, "\n"), "\n")
	for i, l := range lines {
		if l == "" {
			continue
		}
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
