package substore

import (
	"bytes"
	"fmt"

	"github.com/cuemby/jmtkv/pkg/backend"
	"github.com/cuemby/jmtkv/pkg/storeerr"
)

// Config describes one substore: a logical name/prefix and the column
// families it occupies. Identity for map-keying purposes is by Prefix
// equality alone.
type Config struct {
	Prefix string

	CFJMTNodes      backend.ColumnFamily
	CFJMTValues     backend.ColumnFamily
	CFJMTKeys       backend.ColumnFamily
	CFNonverifiable backend.ColumnFamily
	CFVersion       backend.ColumnFamily
}

// NewConfig builds the Config for a substore with the given prefix,
// deriving its column family names from it. The main substore uses prefix
// "".
func NewConfig(prefix string) *Config {
	return &Config{
		Prefix:          prefix,
		CFJMTNodes:      backend.ColumnFamily(prefix + "/jmt"),
		CFJMTValues:     backend.ColumnFamily(prefix + "/jmt_values"),
		CFJMTKeys:       backend.ColumnFamily(prefix + "/jmt_keys"),
		CFNonverifiable: backend.ColumnFamily(prefix + "/nonverifiable"),
		CFVersion:       backend.ColumnFamily(prefix + "/version"),
	}
}

// ColumnFamilies returns every CF this substore owns, for backend
// initialization.
func (c *Config) ColumnFamilies() []backend.ColumnFamily {
	return []backend.ColumnFamily{c.CFJMTNodes, c.CFJMTValues, c.CFJMTKeys, c.CFNonverifiable, c.CFVersion}
}

// MultistoreConfig is the ordered collection of substores plus the default
// "main" substore (prefix ""), used to route keys by prefix.
type MultistoreConfig struct {
	Main      *Config
	Substores []*Config
}

// NewMultistoreConfig builds a MultistoreConfig from a list of non-main
// substore prefixes. It returns a RoutingError if any prefix is empty (that
// is main's reserved prefix) or collides with another substore's prefix.
func NewMultistoreConfig(prefixes []string) (*MultistoreConfig, error) {
	cfg := &MultistoreConfig{Main: NewConfig("")}
	seen := map[string]bool{"": true}
	for _, p := range prefixes {
		if p == "" {
			return nil, storeerr.New(storeerr.KindRouting, "substore prefix cannot be empty (reserved for main)")
		}
		if seen[p] {
			return nil, storeerr.New(storeerr.KindRouting, fmt.Sprintf("duplicate substore prefix %q", p))
		}
		seen[p] = true
		cfg.Substores = append(cfg.Substores, NewConfig(p))
	}
	return cfg, nil
}

// All returns every declared substore followed by the main substore, the
// order commit uses to drive substore JMTs before folding their roots into
// main (see pkg/storage).
func (m *MultistoreConfig) All() []*Config {
	out := make([]*Config, 0, len(m.Substores)+1)
	out = append(out, m.Substores...)
	out = append(out, m.Main)
	return out
}

// FindSubstore returns the substore whose prefix matches key, in declared
// order; the main substore is returned if no other substore matches.
func (m *MultistoreConfig) FindSubstore(key []byte) *Config {
	for _, s := range m.Substores {
		if bytes.HasPrefix(key, []byte(s.Prefix)) {
			return s
		}
	}
	return m.Main
}

// RouteKey routes key to its owning substore, returning the stripped key
// (the substore-local key with the prefix removed) and the substore. A key
// equal to a substore's prefix exactly is rerouted to main with the
// original key, per spec: "For keys that exactly equal a substore's prefix,
// routing falls back to main."
func (m *MultistoreConfig) RouteKey(key []byte) ([]byte, *Config, error) {
	if len(key) == 0 {
		return nil, nil, storeerr.New(storeerr.KindRouting, "key must not be empty")
	}
	cfg := m.FindSubstore(key)
	if bytes.Equal(key, []byte(cfg.Prefix)) {
		return key, m.Main, nil
	}
	stripped := key[len(cfg.Prefix):]
	return stripped, cfg, nil
}

// Cache tracks the latest committed JMT version of each substore, keyed by
// prefix identity, alongside the routing config.
type Cache struct {
	Config   *MultistoreConfig
	versions map[string]uint64
}

// NewCache wraps config in a fresh, empty version cache (no substore has a
// recorded version — "pre-genesis").
func NewCache(config *MultistoreConfig) *Cache {
	return &Cache{
		Config:   config,
		versions: make(map[string]uint64),
	}
}

// SetVersion records substore's latest committed version.
func (c *Cache) SetVersion(substore *Config, version uint64) {
	c.versions[substore.Prefix] = version
}

// GetVersion returns substore's latest committed version, and whether one
// has been recorded at all (false means pre-genesis for this substore).
func (c *Cache) GetVersion(substore *Config) (uint64, bool) {
	v, ok := c.versions[substore.Prefix]
	return v, ok
}

// Snapshot returns an immutable copy of the current prefix -> version map,
// suitable for pinning into a Snapshot.
func (c *Cache) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(c.versions))
	for k, v := range c.versions {
		out[k] = v
	}
	return out
}
