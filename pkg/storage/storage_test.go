package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cuemby/jmtkv/pkg/delta"
	"github.com/cuemby/jmtkv/pkg/merkle"
	"github.com/cuemby/jmtkv/pkg/storeerr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newTestStorage(t *testing.T, substorePrefixes []string) (*Storage, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	st, err := Load(path, substorePrefixes)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, path
}

func TestCommitPutAndReadBack(t *testing.T) {
	st, _ := newTestStorage(t, nil)

	d := delta.New(st.State())
	d.PutRaw([]byte("hello"), []byte("world"))
	version, err := st.Commit(d)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), version, "first commit starts at version 0")

	v, err := st.State().GetRaw([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("world"), v)
}

func TestEmptyCommitIsNoOpAndDoesNotAdvanceVersion(t *testing.T) {
	st, _ := newTestStorage(t, nil)

	d := delta.New(st.State())
	d.PutRaw([]byte("k"), []byte("v"))
	v1, err := st.Commit(d)
	assert.NoError(t, err)

	empty := delta.New(st.State())
	v2, err := st.Commit(empty)
	assert.NoError(t, err)
	assert.Equal(t, v1, v2, "a commit with no staged writes must not mint a new version")
}

func TestCommitAdvancesVersionOnEachNonEmptyCommit(t *testing.T) {
	st, _ := newTestStorage(t, nil)

	d1 := delta.New(st.State())
	d1.PutRaw([]byte("a"), []byte("1"))
	v1, err := st.Commit(d1)
	assert.NoError(t, err)

	d2 := delta.New(st.State())
	d2.PutRaw([]byte("b"), []byte("2"))
	v2, err := st.Commit(d2)
	assert.NoError(t, err)

	assert.Equal(t, v1+1, v2)
}

func TestCommitRoutesWritesToSubstores(t *testing.T) {
	st, _ := newTestStorage(t, []string{"a/"})

	d := delta.New(st.State())
	d.PutRaw([]byte("mainkey"), []byte("mval"))
	d.PutRaw([]byte("a/subkey"), []byte("sval"))
	_, err := st.Commit(d)
	assert.NoError(t, err)

	v, err := st.State().GetRaw([]byte("mainkey"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("mval"), v)

	v, err = st.State().GetRaw([]byte("a/subkey"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("sval"), v)
}

func TestSubstoreRootKeyDoesNotCollideWithUserKeyEqualToPrefix(t *testing.T) {
	st, _ := newTestStorage(t, []string{"a/"})

	d := delta.New(st.State())
	// A user key exactly equal to the substore's prefix routes to main
	// (substore.RouteKey's documented edge case).
	d.PutRaw([]byte("a/"), []byte("user-owns-this"))
	d.PutRaw([]byte("a/child"), []byte("goes-to-substore"))
	_, err := st.Commit(d)
	assert.NoError(t, err)

	v, err := st.State().GetRaw([]byte("a/"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("user-owns-this"), v, "the engine's own root-folding bookkeeping must not clobber this user key")

	v, err = st.State().GetRaw([]byte("a/child"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("goes-to-substore"), v)
}

func TestNonverifiableOnlyCommitStillRecordsMainRoot(t *testing.T) {
	st, _ := newTestStorage(t, nil)

	d := delta.New(st.State())
	d.PutNonverifiable([]byte("meta"), []byte("value"))
	version, err := st.Commit(d)
	assert.NoError(t, err)

	tree := merkle.New(st.be, st.config.Main)
	root, err := tree.RootHash(version)
	assert.NoError(t, err)
	assert.NotEqual(t, merkle.Hash{}, root)

	v, err := st.State().GetNonverifiable([]byte("meta"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("value"), v)
}

func TestReopenRestoresVersionAndData(t *testing.T) {
	st, path := newTestStorage(t, []string{"a/"})

	d := delta.New(st.State())
	d.PutRaw([]byte("k"), []byte("v"))
	d.PutRaw([]byte("a/sub"), []byte("sv"))
	version, err := st.Commit(d)
	assert.NoError(t, err)
	assert.NoError(t, st.Close())

	reopened, err := Load(path, []string{"a/"})
	assert.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, version, reopened.State().Version())
	v, err := reopened.State().GetRaw([]byte("k"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	v, err = reopened.State().GetRaw([]byte("a/sub"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("sv"), v)
}

func TestSubscribePublishesOnCommit(t *testing.T) {
	st, _ := newTestStorage(t, nil)
	id, ch := st.Subscribe()
	assert.NotEqual(t, uuid.Nil, id, "Subscribe must mint a real subscription id")
	defer st.Unsubscribe(ch)

	d := delta.New(st.State())
	d.PutRaw([]byte("k"), []byte("v"))
	version, err := st.Commit(d)
	assert.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, version, snap.Version())
	default:
		t.Fatal("expected a published snapshot on commit")
	}
}

func TestSubscribeAssignsDistinctIDs(t *testing.T) {
	st, _ := newTestStorage(t, nil)
	id1, ch1 := st.Subscribe()
	defer st.Unsubscribe(ch1)
	id2, ch2 := st.Subscribe()
	defer st.Unsubscribe(ch2)

	assert.NotEqual(t, id1, id2)
}

func TestSubscriberDropWhenChannelFull(t *testing.T) {
	st, _ := newTestStorage(t, nil)
	_, ch := st.Subscribe()
	defer st.Unsubscribe(ch)

	// Saturate the subscriber's buffer without draining it.
	for i := 0; i < subscriberBuffer+2; i++ {
		d := delta.New(st.State())
		d.PutRaw([]byte{byte(i)}, []byte("v"))
		_, err := st.Commit(d)
		assert.NoError(t, err)
	}

	// Commit must never block or fail just because a subscriber fell behind.
	d := delta.New(st.State())
	d.PutRaw([]byte("final"), []byte("v"))
	_, err := st.Commit(d)
	assert.NoError(t, err)
}

func TestStaleCommitIsRejected(t *testing.T) {
	st, _ := newTestStorage(t, nil)

	base := st.State()
	stale := delta.New(base)
	stale.PutRaw([]byte("stale"), []byte("v"))

	fresh := delta.New(base)
	fresh.PutRaw([]byte("fresh"), []byte("v"))
	_, err := st.Commit(fresh)
	assert.NoError(t, err)

	_, err = st.Commit(stale)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, storeerr.Version), "a commit built on a snapshot that is no longer current must fail with KindVersion")

	v, err := st.State().GetRaw([]byte("stale"))
	assert.NoError(t, err)
	assert.Nil(t, v, "the rejected commit's writes must not have been applied")
}

func TestSnapshotIsolationDuringDelta(t *testing.T) {
	st, _ := newTestStorage(t, nil)

	d := delta.New(st.State())
	d.PutRaw([]byte("k"), []byte("staged"))

	// Reading the committed state directly must not see the uncommitted delta.
	v, err := st.State().GetRaw([]byte("k"))
	assert.NoError(t, err)
	assert.Nil(t, v)

	_, err = st.Commit(d)
	assert.NoError(t, err)

	v, err = st.State().GetRaw([]byte("k"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("staged"), v)
}
