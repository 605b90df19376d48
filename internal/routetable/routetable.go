// Package routetable implements the router's route table: parsing entries
// (string or structured form), expanding port ranges and host ranges/CIDRs,
// and answering (host, port) -> (action, mode, password) lookups, per
// spec.md 4.E. Grounded on original_source/honeysap/services/saprouter/routetable.py.
package routetable

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/secureauth/honeysap/internal/niproto"
)

// Action is the route decision for a (host, port) pair.
type Action int

const (
	Allow Action = iota
	Deny
)

func (a Action) String() string {
	if a == Allow {
		return "allow"
	}
	return "deny"
}

// ErrInvalidEntry is returned by ParseEntry (and recorded, not fatal, during
// table construction) when a single entry is malformed.
var ErrInvalidEntry = errors.New("routetable: invalid entry")

// StringEntry is the structured form of a route table entry, mirroring the
// string form "action,mode,target,port,password".
type StringEntry struct {
	Action   string
	Mode     string
	Target   string
	Port     string // "N" or "N-M"
	Password string
}

// Entry is the fully parsed form of one configured route table line, before
// port/host expansion.
type Entry struct {
	Action   Action
	Mode     niproto.TalkMode
	Target   string
	Port     string
	Password string
}

// Result is what Lookup returns for a matched (or unmatched) target.
type Result struct {
	Action   Action
	Mode     niproto.TalkMode
	Password string // "" if none configured
}

// Table is the expanded, immutable-after-build route table. Lookups are
// lock-free because the table is never mutated after Build returns
// (spec.md 5 — "The route table is immutable after build").
type Table struct {
	entries map[targetKey]Result
}

type targetKey struct {
	host string
	port int
}

// BuildOption configures Build. With WithInvalidEntryLogger, a callback is
// called with the offending raw entry and the parse error for every entry
// that fails to parse; Build never aborts because of it (spec.md 4.E).
type BuildOption func(*buildOpts)

type buildOpts struct {
	onInvalid func(raw any, err error)
}

// WithInvalidEntryLogger registers a callback invoked for every entry that
// fails to parse, so the caller can log it without aborting construction.
func WithInvalidEntryLogger(f func(raw any, err error)) BuildOption {
	return func(o *buildOpts) { o.onInvalid = f }
}

// ParseEntry parses one entry in string form
// ("action,mode,target,port,password").
func ParseEntry(line string) (Entry, error) {
	parts := strings.SplitN(line, ",", 5)
	if len(parts) != 5 {
		return Entry{}, fmt.Errorf("%w: expected 5 comma-separated fields, got %d", ErrInvalidEntry, len(parts))
	}
	return parseFields(parts[0], parts[1], parts[2], parts[3], parts[4])
}

// ParseStructuredEntry parses one entry in structured form.
func ParseStructuredEntry(e StringEntry) (Entry, error) {
	return parseFields(e.Action, e.Mode, e.Target, e.Port, e.Password)
}

func parseFields(actionStr, modeStr, target, port, password string) (Entry, error) {
	action, err := parseAction(actionStr)
	if err != nil {
		return Entry{}, err
	}
	mode, err := parseMode(modeStr)
	if err != nil {
		return Entry{}, err
	}
	if target == "" || port == "" {
		return Entry{}, fmt.Errorf("%w: target and port are required", ErrInvalidEntry)
	}
	return Entry{
		Action:   action,
		Mode:     mode,
		Target:   target,
		Port:     port,
		Password: password,
	}, nil
}

func parseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, s)
	}
}

func parseMode(s string) (niproto.TalkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any":
		return niproto.ModeAny, nil
	case "ni":
		return niproto.ModeNI, nil
	case "raw":
		return niproto.ModeRaw, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidEntry, s)
	}
}

// parsePortRange expands "N" or "N-M" (inclusive) into a list of ports.
func parsePortRange(s string) ([]int, error) {
	begin, end, found := strings.Cut(s, "-")
	if !found {
		p, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidEntry, s)
		}
		return []int{p}, nil
	}
	lo, err := strconv.Atoi(strings.TrimSpace(begin))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid port range start %q", ErrInvalidEntry, s)
	}
	hi, err := strconv.Atoi(strings.TrimSpace(end))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid port range end %q", ErrInvalidEntry, s)
	}
	if hi < lo {
		return nil, fmt.Errorf("%w: port range end before start %q", ErrInvalidEntry, s)
	}
	ports := make([]int, 0, hi-lo+1)
	for p := lo; p <= hi; p++ {
		ports = append(ports, p)
	}
	return ports, nil
}

// expandHosts expands target into a list of host literals: a single host,
// a CIDR block, or an "a.b.c.d-e" style range.
func expandHosts(target string) ([]string, error) {
	if strings.Contains(target, "/") {
		_, ipnet, err := net.ParseCIDR(target)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid CIDR %q: %v", ErrInvalidEntry, target, err)
		}
		var hosts []string
		for ip := ipnet.IP.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
			hosts = append(hosts, ip.String())
			if len(hosts) > 1<<20 {
				break // pathological input guard
			}
		}
		return hosts, nil
	}

	if lastDot := strings.LastIndexByte(target, '.'); lastDot != -1 {
		if lo, hi, ok := splitOctetRange(target[lastDot+1:]); ok {
			prefix := target[:lastDot+1]
			var hosts []string
			for o := lo; o <= hi; o++ {
				hosts = append(hosts, fmt.Sprintf("%s%d", prefix, o))
			}
			return hosts, nil
		}
	}

	return []string{target}, nil
}

// splitOctetRange parses the last dotted-quad octet as "N" or "N-M".
func splitOctetRange(s string) (lo, hi int, ok bool) {
	begin, end, found := strings.Cut(s, "-")
	if !found {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 255 {
			return 0, 0, false
		}
		return n, n, true
	}
	a, err1 := strconv.Atoi(begin)
	b, err2 := strconv.Atoi(end)
	if err1 != nil || err2 != nil || a < 0 || b > 255 || b < a {
		return 0, 0, false
	}
	return a, b, true
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

// Build parses and expands a list of route table entries (each either a
// string or a StringEntry) into a lookup Table. A parse error on a single
// entry skips that entry (optionally reported via WithInvalidEntryLogger)
// but never aborts construction (spec.md 4.E). Later entries override
// earlier entries for the same (host, port) pair.
func Build(rawEntries []any, opts ...BuildOption) *Table {
	o := &buildOpts{}
	for _, opt := range opts {
		opt(o)
	}

	t := &Table{entries: make(map[targetKey]Result)}

	for _, raw := range rawEntries {
		entry, err := parseRaw(raw)
		if err != nil {
			if o.onInvalid != nil {
				o.onInvalid(raw, err)
			}
			continue
		}

		ports, err := parsePortRange(entry.Port)
		if err != nil {
			if o.onInvalid != nil {
				o.onInvalid(raw, err)
			}
			continue
		}
		hosts, err := expandHosts(entry.Target)
		if err != nil {
			if o.onInvalid != nil {
				o.onInvalid(raw, err)
			}
			continue
		}

		for _, port := range ports {
			for _, host := range hosts {
				t.entries[targetKey{host, port}] = Result{
					Action:   entry.Action,
					Mode:     entry.Mode,
					Password: entry.Password,
				}
			}
		}
	}

	return t
}

func parseRaw(raw any) (Entry, error) {
	switch v := raw.(type) {
	case string:
		return ParseEntry(v)
	case StringEntry:
		return ParseStructuredEntry(v)
	case map[string]any:
		return ParseStructuredEntry(structuredEntryFromMap(v))
	default:
		return Entry{}, fmt.Errorf("%w: unsupported entry type %T", ErrInvalidEntry, raw)
	}
}

// structuredEntryFromMap adapts the generic map[string]any shape produced
// by decoding a JSON/YAML "route_table" entry into a StringEntry. Port is
// accepted as either a string ("N" or "N-M") or a bare number.
func structuredEntryFromMap(m map[string]any) StringEntry {
	str := func(key string) string {
		v, _ := m[key].(string)
		return v
	}
	port := str("port")
	if port == "" {
		switch v := m["port"].(type) {
		case float64:
			port = strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			port = strconv.Itoa(v)
		}
	}
	return StringEntry{
		Action:   str("action"),
		Mode:     str("mode"),
		Target:   str("target"),
		Port:     port,
		Password: str("password"),
	}
}

// Lookup returns the action/mode/password for (host, port). A miss returns
// (Deny, ModeAny, "") per spec.md 4.E.
func (t *Table) Lookup(host string, port int) Result {
	if r, ok := t.entries[targetKey{host, port}]; ok {
		return r
	}
	return Result{Action: Deny, Mode: niproto.ModeAny}
}

// Len reports the number of expanded (host, port) entries in the table.
func (t *Table) Len() int { return len(t.entries) }
