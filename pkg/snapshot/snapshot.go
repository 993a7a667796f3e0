package snapshot

import (
	"github.com/cuemby/jmtkv/pkg/backend"
	"github.com/cuemby/jmtkv/pkg/merkle"
	"github.com/cuemby/jmtkv/pkg/storeerr"
	"github.com/cuemby/jmtkv/pkg/substore"
)

// StateRead is satisfied by anything that can answer reads pinned to a
// fixed view: a committed Snapshot, or a StateDelta staged on top of one.
type StateRead interface {
	// Version returns the top-level version this view is pinned to.
	Version() uint64
	// GetRaw returns key's value, or nil if absent.
	GetRaw(key []byte) ([]byte, error)
	// GetWithProof returns key's value (nil if absent) together with a
	// Merkle proof and the root hash it verifies against.
	GetWithProof(key []byte) ([]byte, *merkle.Proof, merkle.Hash, error)
	// PrefixRaw streams every key with the given prefix, ascending
	// lexicographically, calling fn with each (key, value) pair.
	PrefixRaw(prefix []byte, fn func(key, value []byte) error) error
	// GetNonverifiable returns key's value from the non-verifiable side
	// store, or nil if absent.
	GetNonverifiable(key []byte) ([]byte, error)
}

// Snapshot is an immutable read view pinned to one committed top-level
// version and the per-substore versions recorded as of that commit. It is
// safe to share across goroutines and cheap to clone: cloning copies only
// the small version map, never backend state.
type Snapshot struct {
	backend   backend.Backend
	config    *substore.MultistoreConfig
	version   uint64
	substores map[string]uint64 // substore prefix -> version, as of this snapshot
}

// New pins a Snapshot to version, using substoreVersions (prefix -> version)
// recorded at commit time. substoreVersions is not retained by reference.
func New(be backend.Backend, config *substore.MultistoreConfig, version uint64, substoreVersions map[string]uint64) *Snapshot {
	cp := make(map[string]uint64, len(substoreVersions))
	for k, v := range substoreVersions {
		cp[k] = v
	}
	return &Snapshot{backend: be, config: config, version: version, substores: cp}
}

func (s *Snapshot) Version() uint64 { return s.version }

// Clone returns a shallow, independent copy — cheap, since the version map
// is the only per-instance state.
func (s *Snapshot) Clone() *Snapshot {
	return New(s.backend, s.config, s.version, s.substores)
}

func (s *Snapshot) treeFor(cfg *substore.Config) *merkle.Tree {
	return merkle.New(s.backend, cfg)
}

func (s *Snapshot) routedVersion(cfg *substore.Config) (uint64, bool) {
	v, ok := s.substores[cfg.Prefix]
	return v, ok
}

func (s *Snapshot) GetRaw(key []byte) ([]byte, error) {
	stripped, cfg, err := s.config.RouteKey(key)
	if err != nil {
		return nil, err
	}
	version, ok := s.routedVersion(cfg)
	if !ok {
		return nil, nil
	}
	return s.treeFor(cfg).Get(version, stripped)
}

func (s *Snapshot) GetWithProof(key []byte) ([]byte, *merkle.Proof, merkle.Hash, error) {
	stripped, cfg, err := s.config.RouteKey(key)
	if err != nil {
		return nil, nil, merkle.Hash{}, err
	}
	version, ok := s.routedVersion(cfg)
	if !ok {
		root := merkle.EmptyRootHash()
		return nil, &merkle.Proof{}, root, storeerr.New(storeerr.KindProof, "substore has no committed version yet")
	}
	tree := s.treeFor(cfg)
	value, proof, err := tree.GetWithProof(version, stripped)
	if err != nil {
		return nil, nil, merkle.Hash{}, err
	}
	root, err := tree.RootHash(version)
	if err != nil {
		return nil, nil, merkle.Hash{}, err
	}
	return value, proof, root, nil
}

// PrefixRaw routes by FindSubstore rather than RouteKey: a prefix query
// that happens to equal a substore's own prefix exactly (e.g. "a/" with
// substore "a/" configured) must still scan that substore's entire
// keyspace, not fall back to main the way a point key lookup does. Keys
// yielded from a non-main substore have cfg.Prefix reattached, since the
// tree itself only ever sees stripped, substore-local keys.
func (s *Snapshot) PrefixRaw(prefix []byte, fn func(key, value []byte) error) error {
	cfg := s.config.FindSubstore(prefix)
	stripped := prefix
	if cfg != s.config.Main {
		stripped = prefix[len(cfg.Prefix):]
	}
	version, ok := s.routedVersion(cfg)
	if !ok {
		return nil
	}
	if cfg == s.config.Main {
		return s.treeFor(cfg).PrefixValues(version, stripped, fn)
	}
	return s.treeFor(cfg).PrefixValues(version, stripped, func(key, value []byte) error {
		full := make([]byte, 0, len(cfg.Prefix)+len(key))
		full = append(full, cfg.Prefix...)
		full = append(full, key...)
		return fn(full, value)
	})
}

func (s *Snapshot) GetNonverifiable(key []byte) ([]byte, error) {
	stripped, cfg, err := s.config.RouteKey(key)
	if err != nil {
		return nil, err
	}
	value, err := s.backend.Get(cfg.CFNonverifiable, stripped)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindBackend, "get nonverifiable", err)
	}
	return value, nil
}
