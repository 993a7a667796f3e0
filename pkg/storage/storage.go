package storage

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cuemby/jmtkv/pkg/backend"
	"github.com/cuemby/jmtkv/pkg/delta"
	"github.com/cuemby/jmtkv/pkg/kvlog"
	"github.com/cuemby/jmtkv/pkg/kvmetrics"
	"github.com/cuemby/jmtkv/pkg/merkle"
	"github.com/cuemby/jmtkv/pkg/snapshot"
	"github.com/cuemby/jmtkv/pkg/storeerr"
	"github.com/cuemby/jmtkv/pkg/substore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const subscriberBuffer = 4

// Storage is the top-level handle to one multistore: it owns the backend,
// the routing config, the per-substore version cache, and the single
// published Snapshot readers see. All commits are serialized through commitMu;
// reads never take it.
type Storage struct {
	be     backend.Backend
	config *substore.MultistoreConfig

	commitMu sync.Mutex
	cache    *substore.Cache
	current  atomic.Pointer[snapshot.Snapshot]

	subMu       sync.Mutex
	subscribers map[chan *snapshot.Snapshot]uuid.UUID

	logger zerolog.Logger
}

// Load opens (creating if absent) the backend at path, ensures every
// substore's column families exist, and reconstructs the version cache and
// initial Snapshot from whatever was last committed.
func Load(path string, substorePrefixes []string) (*Storage, error) {
	config, err := substore.NewMultistoreConfig(substorePrefixes)
	if err != nil {
		return nil, err
	}
	be, err := backend.Open(path)
	if err != nil {
		return nil, err
	}
	for _, cfg := range config.All() {
		if err := be.EnsureColumnFamilies(cfg.ColumnFamilies()...); err != nil {
			return nil, storeerr.Wrap(storeerr.KindBackend, "ensure column families", err)
		}
	}

	s := &Storage{
		be:          be,
		config:      config,
		cache:       substore.NewCache(config),
		subscribers: make(map[chan *snapshot.Snapshot]uuid.UUID),
		logger:      kvlog.WithComponent("storage"),
	}

	topVersion, hasCommitted, err := s.loadVersionBookkeeping()
	if err != nil {
		be.Close()
		return nil, err
	}
	if hasCommitted {
		s.current.Store(snapshot.New(be, config, topVersion, s.cache.Snapshot()))
		kvmetrics.SnapshotVersion.Set(float64(topVersion))
	} else {
		s.current.Store(snapshot.New(be, config, 0, nil))
	}
	return s, nil
}

// substoreRootKey is the reserved main-tree key a substore's folded root
// hash is stored under. The leading 0x00 byte keeps it apart from a user key
// equal to a substore's prefix (RouteKey never manufactures a leading 0x00).
// RouteKey does not reject user keys that begin with 0x00, so a user key
// spelled exactly like this one routes to main and shares its slot.
func substoreRootKey(prefix string) []byte {
	return append([]byte("\x00substore-root/"), prefix...)
}

func versionRecordKey(prefix string) []byte {
	if prefix == "" {
		return []byte("top")
	}
	return []byte("substore/" + prefix)
}

// loadVersionBookkeeping restores the per-substore and top-level version
// numbers a prior process recorded in main's CFVersion bucket, so that
// reopening the backend resumes exactly where it left off.
func (s *Storage) loadVersionBookkeeping() (topVersion uint64, hasCommitted bool, err error) {
	data, err := s.be.Get(s.config.Main.CFVersion, versionRecordKey(""))
	if err != nil {
		return 0, false, storeerr.Wrap(storeerr.KindBackend, "load top version", err)
	}
	if data == nil {
		return 0, false, nil
	}
	topVersion = decodeUint64(data)
	hasCommitted = true

	for _, cfg := range s.config.Substores {
		vdata, err := s.be.Get(s.config.Main.CFVersion, versionRecordKey(cfg.Prefix))
		if err != nil {
			return 0, false, storeerr.Wrap(storeerr.KindBackend, "load substore version", err)
		}
		if vdata != nil {
			s.cache.SetVersion(cfg, decodeUint64(vdata))
		}
	}
	s.cache.SetVersion(s.config.Main, topVersion)
	return topVersion, true, nil
}

// State returns the most recently published Snapshot.
func (s *Storage) State() *snapshot.Snapshot {
	return s.current.Load()
}

// Close releases the backend's file handles. It does not close subscriber
// channels; callers that Subscribe are expected to stop reading on their
// own shutdown.
func (s *Storage) Close() error {
	return s.be.Close()
}

// partitioned groups one substore's merkle.ValueOp writes alongside that
// substore's config.
type partitioned struct {
	cfg *substore.Config
	ops []merkle.ValueOp
}

// Commit applies delta's staged writes atomically: it partitions writes (and
// nonverifiable writes) by substore, drives each touched substore's JMT,
// folds every touched substore's new root hash into main's own tree, and
// persists everything in a single backend batch. A delta with no staged
// writes at all is a no-op that returns the current version unchanged — see
// DESIGN.md for why an empty commit does not advance the version counter.
func (s *Storage) Commit(d *delta.StateDelta) (uint64, error) {
	writes := d.WriteSet()
	nonverifWrites := d.NonverifiableWriteSet()
	if len(writes) == 0 && len(nonverifWrites) == 0 {
		return s.State().Version(), nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	timer := kvmetrics.NewTimer()
	version, err := s.commitLocked(d.ID(), d.Version(), writes, nonverifWrites)
	timer.ObserveDuration(kvmetrics.CommitDuration)
	if err != nil {
		kvmetrics.CommitErrorsTotal.Inc()
		return 0, err
	}
	kvmetrics.CommitsTotal.Inc()
	kvmetrics.SnapshotVersion.Set(float64(version))
	return version, nil
}

func (s *Storage) commitLocked(deltaID uuid.UUID, baseVersion uint64, writes, nonverifWrites []delta.Op) (uint64, error) {
	cur := s.State()
	_, committedOnce := s.cache.GetVersion(s.config.Main)
	if committedOnce && baseVersion != cur.Version() {
		return 0, storeerr.New(storeerr.KindVersion, "commit: delta's parent snapshot is no longer the current one")
	}
	newVersion := cur.Version()
	if committedOnce {
		newVersion = cur.Version() + 1
	}

	bySubstore := make(map[string]*partitioned)
	for _, cfg := range s.config.All() {
		bySubstore[cfg.Prefix] = &partitioned{cfg: cfg}
	}
	for _, op := range writes {
		stripped, cfg, err := s.config.RouteKey(op.Key)
		if err != nil {
			return 0, err
		}
		var value []byte
		if !op.Deleted {
			value = op.Value
		}
		bySubstore[cfg.Prefix].ops = append(bySubstore[cfg.Prefix].ops, merkle.ValueOp{Key: stripped, Value: value})
	}

	batchOut := s.be.NewBatch()
	newSubstoreVersions := make(map[string]uint64)

	// Child substores first, then main — main's tree folds in every child's
	// new root, so it must be driven last.
	for _, cfg := range s.config.Substores {
		p := bySubstore[cfg.Prefix]
		if len(p.ops) == 0 {
			continue
		}
		root, err := s.applySubstore(cfg, newVersion, p.ops, batchOut)
		if err != nil {
			return 0, err
		}
		newSubstoreVersions[cfg.Prefix] = newVersion
		// Fold this substore's new root into main's own write set, under the
		// 0x00-led reserved key from substoreRootKey.
		mainOps := bySubstore[s.config.Main.Prefix]
		mainOps.ops = append(mainOps.ops, merkle.ValueOp{Key: substoreRootKey(cfg.Prefix), Value: root.Bytes()})
	}

	mainOps := bySubstore[s.config.Main.Prefix]
	if len(mainOps.ops) > 0 || len(nonverifWrites) > 0 {
		// Even with no verifiable writes of its own (a nonverifiable-only
		// commit), main still needs a root pointer recorded for newVersion;
		// PutValueSet with an empty op set just carries the prior root
		// forward, which is exactly what "unchanged" should mean here.
		if _, err := s.applySubstore(s.config.Main, newVersion, mainOps.ops, batchOut); err != nil {
			return 0, err
		}
		newSubstoreVersions[s.config.Main.Prefix] = newVersion
	}

	for _, op := range nonverifWrites {
		stripped, cfg, err := s.config.RouteKey(op.Key)
		if err != nil {
			return 0, err
		}
		if op.Deleted {
			batchOut.Delete(cfg.CFNonverifiable, stripped)
		} else {
			batchOut.Put(cfg.CFNonverifiable, stripped, op.Value)
		}
	}

	for prefix, v := range newSubstoreVersions {
		cfg := s.config.Main
		if prefix != s.config.Main.Prefix {
			cfg = bySubstore[prefix].cfg
		}
		batchOut.Put(s.config.Main.CFVersion, versionRecordKey(cfg.Prefix), encodeUint64(v))
	}
	batchOut.Put(s.config.Main.CFVersion, versionRecordKey(""), encodeUint64(newVersion))

	if err := batchOut.Commit(); err != nil {
		return 0, err
	}

	for prefix, v := range newSubstoreVersions {
		cfg := s.config.Main
		if prefix != s.config.Main.Prefix {
			cfg = bySubstore[prefix].cfg
		}
		s.cache.SetVersion(cfg, v)
	}

	newSnap := snapshot.New(s.be, s.config, newVersion, s.cache.Snapshot())
	s.current.Store(newSnap)
	s.publish(newSnap)

	versionLogger := kvlog.WithVersion(s.logger, newVersion)
	versionLogger.Info().
		Str("delta_id", deltaID.String()).
		Int("keys_written", len(writes)).
		Int("substores_touched", len(newSubstoreVersions)).
		Msg("commit applied")
	for prefix, v := range newSubstoreVersions {
		kvlog.WithSubstore(versionLogger, prefix).Debug().Uint64("substore_version", v).Msg("substore root folded")
	}

	return newVersion, nil
}

// applySubstore drives cfg's tree through one PutValueSet call, queuing its
// node/value/key writes into batchOut, and returns the new root hash.
func (s *Storage) applySubstore(cfg *substore.Config, version uint64, ops []merkle.ValueOp, batchOut backend.Batch) (merkle.Hash, error) {
	tree := merkle.New(s.be, cfg)
	prevVersion, hasPrev := s.cache.GetVersion(cfg)
	root, batch, err := tree.PutValueSet(version, prevVersion, hasPrev, ops)
	if err != nil {
		return merkle.Hash{}, err
	}
	for _, nw := range batch.Nodes {
		batchOut.Put(cfg.CFJMTNodes, nw.Hash.Bytes(), nw.Bytes)
	}
	rootKey, rootValue := merkle.RootWrite(version, root)
	batchOut.Put(cfg.CFJMTNodes, rootKey, rootValue)
	for _, vw := range batch.Values {
		key := merkle.ValueKey(vw.Key, vw.Version)
		batchOut.Put(cfg.CFJMTValues, key, merkle.EncodeValueEntry(vw.Value, vw.Tombstone))
	}
	for _, kw := range batch.Keys {
		batchOut.Put(cfg.CFJMTKeys, kw.KeyHash.Bytes(), kw.Key)
	}
	return root, nil
}

// Subscribe returns a fresh subscription id and a buffered channel that
// receives every snapshot published by a future Commit. The subscriber
// must keep draining the channel: a full channel causes that publish to be
// skipped for this subscriber (commit is never slowed by a lagging
// reader), and the id lets that drop be attributed to a specific
// subscriber in logs rather than just a channel value.
func (s *Storage) Subscribe() (uuid.UUID, <-chan *snapshot.Snapshot) {
	id := uuid.New()
	ch := make(chan *snapshot.Snapshot, subscriberBuffer)
	s.subMu.Lock()
	s.subscribers[ch] = id
	kvmetrics.SubscribersTotal.Set(float64(len(s.subscribers)))
	s.subMu.Unlock()
	return id, ch
}

// Unsubscribe stops a channel returned by Subscribe from receiving further
// publishes and closes it.
func (s *Storage) Unsubscribe(ch <-chan *snapshot.Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for c := range s.subscribers {
		if c == ch {
			delete(s.subscribers, c)
			close(c)
			break
		}
	}
	kvmetrics.SubscribersTotal.Set(float64(len(s.subscribers)))
}

func (s *Storage) publish(snap *snapshot.Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch, id := range s.subscribers {
		select {
		case ch <- snap:
		default:
			kvmetrics.SubscriberDropsTotal.Inc()
			s.logger.Warn().Str("subscriber_id", id.String()).Uint64("version", snap.Version()).Msg("subscriber dropped snapshot")
		}
	}
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
