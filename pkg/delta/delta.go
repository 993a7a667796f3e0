package delta

import (
	"bytes"
	"sort"

	"github.com/cuemby/jmtkv/pkg/merkle"
	"github.com/cuemby/jmtkv/pkg/snapshot"
	"github.com/cuemby/jmtkv/pkg/storeerr"
	"github.com/google/uuid"
)

// entry is one staged write, ordered by Key. Deleted marks a tombstone that
// must mask the same key in parent.
type entry struct {
	key     []byte
	value   []byte
	deleted bool
}

// Op is a read-only view of one staged write, returned by WriteSet /
// NonverifiableWriteSet for the commit pipeline to consume.
type Op struct {
	Key     []byte
	Value   []byte
	Deleted bool
}

// StateDelta stages writes above a parent StateRead without touching the
// backend. It satisfies both StateRead (reads fall through to parent when
// not shadowed) and the write half of the interface (PutRaw/Delete/...).
type StateDelta struct {
	id            uuid.UUID
	parent        snapshot.StateRead
	writes        []entry
	nonverifiable []entry
	ephemeral     map[string]any
}

// New stages a fresh, empty delta directly on top of parent — parent is
// typically a Snapshot for the top-level delta a commit is built from. Each
// delta gets its own id, so a caller (or a commit log line) can tell two
// deltas staged against the same parent apart.
func New(parent snapshot.StateRead) *StateDelta {
	return &StateDelta{id: uuid.New(), parent: parent}
}

// ID returns this delta's identifier, assigned once at construction time.
func (d *StateDelta) ID() uuid.UUID { return d.id }

// BeginTransaction stacks a child delta on top of d. The child is invisible
// to d (and everything below it) until Apply is called; dropping the
// reference instead aborts it with no effect.
func (d *StateDelta) BeginTransaction() *StateDelta {
	return New(d)
}

// Apply folds d's staged writes into its parent delta. It is an error to
// Apply a delta whose parent is not itself a StateDelta (the root delta a
// Storage commit consumes is read via WriteSet, not Apply).
func (d *StateDelta) Apply() error {
	parent, ok := d.parent.(*StateDelta)
	if !ok {
		return storeerr.New(storeerr.KindInvariant, "delta: cannot apply a transaction whose parent is not a transaction")
	}
	for _, e := range d.writes {
		if e.deleted {
			parent.Delete(e.key)
		} else {
			parent.PutRaw(e.key, e.value)
		}
	}
	for _, e := range d.nonverifiable {
		if e.deleted {
			parent.DeleteNonverifiable(e.key)
		} else {
			parent.PutNonverifiable(e.key, e.value)
		}
	}
	for k, v := range d.ephemeral {
		parent.PutEphemeral(k, v)
	}
	return nil
}

func (d *StateDelta) Version() uint64 { return d.parent.Version() }

func findEntry(entries []entry, key []byte) (int, bool) {
	idx := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, key) >= 0
	})
	return idx, idx < len(entries) && bytes.Equal(entries[idx].key, key)
}

func upsert(entries []entry, key, value []byte, deleted bool) []entry {
	idx, found := findEntry(entries, key)
	if found {
		entries[idx].value = value
		entries[idx].deleted = deleted
		return entries
	}
	entries = append(entries, entry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = entry{key: append([]byte(nil), key...), value: value, deleted: deleted}
	return entries
}

func (d *StateDelta) PutRaw(key, value []byte) {
	d.writes = upsert(d.writes, key, append([]byte(nil), value...), false)
}

func (d *StateDelta) Delete(key []byte) {
	d.writes = upsert(d.writes, key, nil, true)
}

func (d *StateDelta) PutNonverifiable(key, value []byte) {
	d.nonverifiable = upsert(d.nonverifiable, key, append([]byte(nil), value...), false)
}

func (d *StateDelta) DeleteNonverifiable(key []byte) {
	d.nonverifiable = upsert(d.nonverifiable, key, nil, true)
}

// PutEphemeral stores a transient, never-persisted value for the lifetime
// of this delta chain — scratch space for passing typed values between
// components staging the same transaction. It is discarded unconditionally
// when the delta is committed or dropped.
func (d *StateDelta) PutEphemeral(key string, value any) {
	if d.ephemeral == nil {
		d.ephemeral = make(map[string]any)
	}
	d.ephemeral[key] = value
}

// GetEphemeral looks up key in this delta's ephemeral store, falling back
// to any parent delta in the stack (but never to a Snapshot, which has no
// ephemeral data).
func (d *StateDelta) GetEphemeral(key string) (any, bool) {
	if v, ok := d.ephemeral[key]; ok {
		return v, true
	}
	if p, ok := d.parent.(*StateDelta); ok {
		return p.GetEphemeral(key)
	}
	return nil, false
}

func (d *StateDelta) GetRaw(key []byte) ([]byte, error) {
	if idx, found := findEntry(d.writes, key); found {
		e := d.writes[idx]
		if e.deleted {
			return nil, nil
		}
		return append([]byte(nil), e.value...), nil
	}
	return d.parent.GetRaw(key)
}

func (d *StateDelta) GetNonverifiable(key []byte) ([]byte, error) {
	if idx, found := findEntry(d.nonverifiable, key); found {
		e := d.nonverifiable[idx]
		if e.deleted {
			return nil, nil
		}
		return append([]byte(nil), e.value...), nil
	}
	return d.parent.GetNonverifiable(key)
}

// GetWithProof delegates to the nearest committed ancestor: a Merkle proof
// only means something against a root the tree has actually produced, so
// uncommitted overlay writes are not reflected — callers that need a proof
// for a value they just staged must commit first.
func (d *StateDelta) GetWithProof(key []byte) ([]byte, *merkle.Proof, merkle.Hash, error) {
	return d.parent.GetWithProof(key)
}

// PrefixRaw merges this delta's staged writes with the parent's own
// PrefixRaw stream in ascending key order, with the overlay winning ties —
// including masking out a parent entry the overlay deleted.
func (d *StateDelta) PrefixRaw(prefix []byte, fn func(key, value []byte) error) error {
	overlay := prefixSlice(d.writes, prefix)
	idx := 0
	err := d.parent.PrefixRaw(prefix, func(k, v []byte) error {
		for idx < len(overlay) && bytes.Compare(overlay[idx].key, k) < 0 {
			e := overlay[idx]
			idx++
			if !e.deleted {
				if err := fn(e.key, e.value); err != nil {
					return err
				}
			}
		}
		if idx < len(overlay) && bytes.Equal(overlay[idx].key, k) {
			e := overlay[idx]
			idx++
			if e.deleted {
				return nil
			}
			return fn(e.key, e.value)
		}
		return fn(k, v)
	})
	if err != nil {
		return err
	}
	for ; idx < len(overlay); idx++ {
		e := overlay[idx]
		if !e.deleted {
			if err := fn(e.key, e.value); err != nil {
				return err
			}
		}
	}
	return nil
}

func prefixSlice(entries []entry, prefix []byte) []entry {
	lo := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].key, prefix) >= 0
	})
	hi := lo
	for hi < len(entries) && bytes.HasPrefix(entries[hi].key, prefix) {
		hi++
	}
	return entries[lo:hi]
}

// WriteSet returns every write held in this delta's own overlay, including
// writes an applied child transaction folded in; writes staged in a parent
// delta are not included. The commit pipeline partitions it by substore.
func (d *StateDelta) WriteSet() []Op {
	out := make([]Op, len(d.writes))
	for i, e := range d.writes {
		out[i] = Op{Key: e.key, Value: e.value, Deleted: e.deleted}
	}
	return out
}

// NonverifiableWriteSet is WriteSet's counterpart for the non-verifiable
// side store.
func (d *StateDelta) NonverifiableWriteSet() []Op {
	out := make([]Op, len(d.nonverifiable))
	for i, e := range d.nonverifiable {
		out[i] = Op{Key: e.key, Value: e.value, Deleted: e.deleted}
	}
	return out
}
