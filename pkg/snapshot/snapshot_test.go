package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/jmtkv/pkg/backend"
	"github.com/cuemby/jmtkv/pkg/merkle"
	"github.com/cuemby/jmtkv/pkg/substore"
	"github.com/stretchr/testify/assert"
)

// writeAt drives cfg's tree through one PutValueSet and persists the
// resulting batch directly, the same low-level sequence pkg/storage's
// commit pipeline follows, without going through Storage itself.
func writeAt(t *testing.T, be backend.Backend, cfg *substore.Config, version uint64, ops []merkle.ValueOp) merkle.Hash {
	t.Helper()
	tree := merkle.New(be, cfg)
	root, batch, err := tree.PutValueSet(version, 0, version > 0, ops)
	if err != nil {
		t.Fatalf("PutValueSet: %v", err)
	}
	b := be.NewBatch()
	for _, nw := range batch.Nodes {
		b.Put(cfg.CFJMTNodes, nw.Hash.Bytes(), nw.Bytes)
	}
	key, value := merkle.RootWrite(version, root)
	b.Put(cfg.CFJMTNodes, key, value)
	for _, vw := range batch.Values {
		b.Put(cfg.CFJMTValues, merkle.ValueKey(vw.Key, vw.Version), merkle.EncodeValueEntry(vw.Value, vw.Tombstone))
	}
	for _, kw := range batch.Keys {
		b.Put(cfg.CFJMTKeys, kw.KeyHash.Bytes(), kw.Key)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit batch: %v", err)
	}
	return root
}

func newTestConfig(t *testing.T) (backend.Backend, *substore.MultistoreConfig) {
	t.Helper()
	config, err := substore.NewMultistoreConfig([]string{"a/"})
	if err != nil {
		t.Fatalf("new multistore config: %v", err)
	}
	be, err := backend.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	for _, cfg := range config.All() {
		if err := be.EnsureColumnFamilies(cfg.ColumnFamilies()...); err != nil {
			t.Fatalf("ensure column families: %v", err)
		}
	}
	return be, config
}

func TestSnapshotRoutesGetRawAcrossSubstores(t *testing.T) {
	be, config := newTestConfig(t)
	writeAt(t, be, config.Main, 0, []merkle.ValueOp{{Key: []byte("mainkey"), Value: []byte("mainval")}})
	writeAt(t, be, config.Substores[0], 0, []merkle.ValueOp{{Key: []byte("subkey"), Value: []byte("subval")}})

	snap := New(be, config, 0, map[string]uint64{"": 0, "a/": 0})

	v, err := snap.GetRaw([]byte("mainkey"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("mainval"), v)

	v, err = snap.GetRaw([]byte("a/subkey"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("subval"), v)

	v, err = snap.GetRaw([]byte("a/missing"))
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestSnapshotGetRawBeforeAnyCommitToASubstoreReturnsNil(t *testing.T) {
	be, config := newTestConfig(t)
	writeAt(t, be, config.Main, 0, []merkle.ValueOp{{Key: []byte("k"), Value: []byte("v")}})

	// substore "a/" never recorded a version in this snapshot's map.
	snap := New(be, config, 0, map[string]uint64{"": 0})

	v, err := snap.GetRaw([]byte("a/anything"))
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestSnapshotGetWithProofVerifies(t *testing.T) {
	be, config := newTestConfig(t)
	writeAt(t, be, config.Main, 0, []merkle.ValueOp{{Key: []byte("k"), Value: []byte("v")}})
	snap := New(be, config, 0, map[string]uint64{"": 0})

	value, proof, root, err := snap.GetWithProof([]byte("k"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.True(t, merkle.VerifyProof(root, []byte("k"), value, proof))
}

func TestSnapshotPrefixRawEmptyPrefixScansMain(t *testing.T) {
	be, config := newTestConfig(t)
	writeAt(t, be, config.Main, 0, []merkle.ValueOp{
		{Key: []byte("m1"), Value: []byte("1")},
		{Key: []byte("m2"), Value: []byte("2")},
	})
	writeAt(t, be, config.Substores[0], 0, []merkle.ValueOp{{Key: []byte("s1"), Value: []byte("3")}})
	snap := New(be, config, 0, map[string]uint64{"": 0, "a/": 0})

	var keys []string
	err := snap.PrefixRaw(nil, func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, keys, "empty prefix must scan only main, not substores")
}

func TestSnapshotPrefixRawScansSubstoreAndReattachesPrefix(t *testing.T) {
	be, config := newTestConfig(t)
	writeAt(t, be, config.Main, 0, []merkle.ValueOp{{Key: []byte("a/decoy"), Value: []byte("must-not-appear")}})
	writeAt(t, be, config.Substores[0], 0, []merkle.ValueOp{
		{Key: []byte("x1"), Value: []byte("1")},
		{Key: []byte("x2"), Value: []byte("2")},
	})
	snap := New(be, config, 0, map[string]uint64{"": 0, "a/": 0})

	var keys []string
	var values []string
	err := snap.PrefixRaw([]byte("a/"), func(k, v []byte) error {
		keys = append(keys, string(k))
		values = append(values, string(v))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"a/x1", "a/x2"}, keys, "a prefix equal to a substore's own prefix must scan that substore, not fall back to main")
	assert.Equal(t, []string{"1", "2"}, values)
}

func TestSnapshotPrefixRawNarrowerSubstorePrefixReattachesKeys(t *testing.T) {
	be, config := newTestConfig(t)
	writeAt(t, be, config.Substores[0], 0, []merkle.ValueOp{
		{Key: []byte("foo1"), Value: []byte("1")},
		{Key: []byte("foo2"), Value: []byte("2")},
		{Key: []byte("bar"), Value: []byte("3")},
	})
	snap := New(be, config, 0, map[string]uint64{"a/": 0})

	var keys []string
	err := snap.PrefixRaw([]byte("a/foo"), func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"a/foo1", "a/foo2"}, keys)
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	be, config := newTestConfig(t)
	writeAt(t, be, config.Main, 0, []merkle.ValueOp{{Key: []byte("k"), Value: []byte("v")}})
	snap := New(be, config, 0, map[string]uint64{"": 0})
	clone := snap.Clone()

	assert.Equal(t, snap.Version(), clone.Version())
	v, err := clone.GetRaw([]byte("k"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestSnapshotGetNonverifiable(t *testing.T) {
	be, config := newTestConfig(t)
	b := be.NewBatch()
	b.Put(config.Main.CFNonverifiable, []byte("meta"), []byte("hello"))
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snap := New(be, config, 0, nil)

	v, err := snap.GetNonverifiable([]byte("meta"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)
}
