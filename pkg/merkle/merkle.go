package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/jmtkv/pkg/backend"
	"github.com/cuemby/jmtkv/pkg/storeerr"
	"github.com/cuemby/jmtkv/pkg/substore"
)

// depth is the number of branching levels: one per bit of a sha256 digest.
const depth = 256

// Hash is a 32-byte content-addressed node identifier or leaf commitment.
type Hash [32]byte

func (h Hash) Bytes() []byte { return h[:] }

func hashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != 32 {
		return h, fmt.Errorf("merkle: expected 32-byte hash, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func keyHashOf(key []byte) Hash {
	return sha256.Sum256(key)
}

func valueHashOf(value []byte) Hash {
	return sha256.Sum256(value)
}

// bit returns the bit of h at position d (0 = most significant bit of the
// first byte), the branching direction at depth d.
func bit(h Hash, d int) int {
	byteIdx := d / 8
	bitIdx := 7 - uint(d%8)
	return int((h[byteIdx] >> bitIdx) & 1)
}

func hashInternal(left, right Hash) Hash {
	var buf [65]byte
	buf[0] = 0x01
	copy(buf[1:33], left[:])
	copy(buf[33:65], right[:])
	return sha256.Sum256(buf[:])
}

func hashLeaf(keyHash, valueHash Hash) Hash {
	var buf [65]byte
	buf[0] = 0x00
	copy(buf[1:33], keyHash[:])
	copy(buf[33:65], valueHash[:])
	return sha256.Sum256(buf[:])
}

// defaultHashes[d] is the hash of the canonically empty subtree rooted at
// depth d. defaultHashes[depth] is the empty-leaf marker; every shallower
// entry is the hash of two identical children at the next depth down. This
// lets the tree recognize (and skip persisting) empty subtrees without
// reading storage.
var defaultHashes [depth + 1]Hash

func init() {
	defaultHashes[depth] = sha256.Sum256([]byte("jmtkv:empty-leaf"))
	for d := depth - 1; d >= 0; d-- {
		defaultHashes[d] = hashInternal(defaultHashes[d+1], defaultHashes[d+1])
	}
}

// EmptyRootHash is the root hash of a tree with no entries.
func EmptyRootHash() Hash { return defaultHashes[0] }

// ValueOp is one key's write in a PutValueSet batch: Value == nil deletes
// the key.
type ValueOp struct {
	Key   []byte
	Value []byte
}

// NodeWrite is one content-addressed internal-node write.
type NodeWrite struct {
	Hash  Hash
	Bytes []byte
}

// ValueWrite is one version-tagged value-CF write; Tombstone marks a
// deletion recorded at this version. The CF key is ValueKey(Key, Version),
// not content-addressed, so that prefix iteration over plaintext keys stays
// possible (the JMT itself is hash-ordered and cannot serve that).
type ValueWrite struct {
	Key       []byte
	Version   uint64
	Value     []byte
	Tombstone bool
}

// Batch is everything PutValueSet computed but did not itself persist: the
// caller folds these into its own single atomic commit batch.
type Batch struct {
	Root   Hash
	Nodes  []NodeWrite
	Values []ValueWrite
	// Keys records each never-before-seen key's original bytes, keyed by its
	// hash, so tooling can recover plaintext keys from jmt_keys. Present only
	// the first time a key is written.
	Keys []KeyWrite
	// Stale is not populated: PutValueSet leaves it empty and does not track
	// which nodes this version's writes superseded. Nothing consumes it (no
	// compaction is implemented, see DESIGN.md).
	Stale []Hash
}

// KeyWrite records a key's plaintext the first time its hash is seen.
type KeyWrite struct {
	KeyHash Hash
	Key     []byte
}

// Proof is an inclusion or exclusion proof: the sibling hash at every depth
// along a key's path, ordered from the root down to the leaf, i.e.
// Siblings[d] is the sibling at depth d (index 0 next to the root, index
// depth-1 next to the leaf).
type Proof struct {
	Siblings [depth]Hash
}

// Tree is a versioned JMT-style Merkle tree over one substore's column
// families. It holds no mutable state of its own: every method is a pure
// function of the backend's committed contents.
type Tree struct {
	backend backend.Backend
	cf      *substore.Config
}

func New(be backend.Backend, cf *substore.Config) *Tree {
	return &Tree{backend: be, cf: cf}
}

func rootKey(version uint64) []byte {
	key := make([]byte, 5+8)
	copy(key, "root:")
	binary.BigEndian.PutUint64(key[5:], version)
	return key
}

// RootHash returns the root hash committed at version, or EmptyRootHash if
// version has never been written (including the pre-genesis version -1,
// passed as ^uint64(0) by callers that need "one before version 0").
func (t *Tree) RootHash(version uint64) (Hash, error) {
	data, err := t.backend.Get(t.cf.CFJMTNodes, rootKey(version))
	if err != nil {
		return Hash{}, storeerr.Wrap(storeerr.KindBackend, "merkle root lookup", err)
	}
	if data == nil {
		return EmptyRootHash(), nil
	}
	return hashFromBytes(data)
}

// loadInternal reads the internal node stored at hash, first checking pending
// (writes produced earlier in the same PutValueSet call, not yet committed),
// then the backend. hash must not be a default hash — callers branch on that
// before calling loadInternal.
func (t *Tree) loadInternal(hash Hash, pending map[Hash][]byte) (left, right Hash, err error) {
	if raw, ok := pending[hash]; ok {
		return decodeInternal(raw)
	}
	data, err := t.backend.Get(t.cf.CFJMTNodes, hash.Bytes())
	if err != nil {
		return Hash{}, Hash{}, storeerr.Wrap(storeerr.KindBackend, "merkle node lookup", err)
	}
	if data == nil {
		return Hash{}, Hash{}, storeerr.New(storeerr.KindInvariant, fmt.Sprintf("merkle: missing node %x", hash.Bytes()))
	}
	return decodeInternal(data)
}

func decodeInternal(data []byte) (left, right Hash, err error) {
	if len(data) != 65 || data[0] != 0x01 {
		return Hash{}, Hash{}, storeerr.New(storeerr.KindInvariant, "merkle: malformed internal node")
	}
	copy(left[:], data[1:33])
	copy(right[:], data[33:65])
	return left, right, nil
}

func encodeInternal(left, right Hash) []byte {
	buf := make([]byte, 65)
	buf[0] = 0x01
	copy(buf[1:33], left[:])
	copy(buf[33:65], right[:])
	return buf
}

// siblingsAlong walks root top-down following keyHash's path, returning the
// sibling hash at every depth. Subtrees recognized as default along the way
// are filled without touching storage.
func (t *Tree) siblingsAlong(root Hash, keyHash Hash, pending map[Hash][]byte) ([depth]Hash, error) {
	var siblings [depth]Hash
	current := root
	for d := 0; d < depth; d++ {
		if current == defaultHashes[d] {
			for dd := d; dd < depth; dd++ {
				siblings[dd] = defaultHashes[dd+1]
			}
			return siblings, nil
		}
		left, right, err := t.loadInternal(current, pending)
		if err != nil {
			return siblings, err
		}
		if bit(keyHash, d) == 0 {
			siblings[d] = right
			current = left
		} else {
			siblings[d] = left
			current = right
		}
	}
	return siblings, nil
}

// applyOne folds a single key's write into root, returning the new root and
// queuing any newly-needed internal nodes into pending.
func (t *Tree) applyOne(root Hash, keyHash Hash, newLeaf Hash, pending map[Hash][]byte) (Hash, error) {
	siblings, err := t.siblingsAlong(root, keyHash, pending)
	if err != nil {
		return Hash{}, err
	}
	current := newLeaf
	for d := depth - 1; d >= 0; d-- {
		var left, right Hash
		if bit(keyHash, d) == 0 {
			left, right = current, siblings[d]
		} else {
			left, right = siblings[d], current
		}
		if left == defaultHashes[d+1] && right == defaultHashes[d+1] {
			current = defaultHashes[d]
			continue
		}
		raw := encodeInternal(left, right)
		h := sha256.Sum256(raw)
		pending[h] = raw
		current = h
	}
	return current, nil
}

// PutValueSet folds ops into the tree as of version, producing the new root
// and the writes the caller must persist atomically. The starting root is
// RootHash(prevVersion) when hasPrev is true, and EmptyRootHash otherwise
// (a tree's first commit); version is the version being committed and tags
// the value writes.
func (t *Tree) PutValueSet(version uint64, prevVersion uint64, hasPrev bool, ops []ValueOp) (Hash, *Batch, error) {
	root := EmptyRootHash()
	if hasPrev {
		r, err := t.RootHash(prevVersion)
		if err != nil {
			return Hash{}, nil, err
		}
		root = r
	}

	pending := make(map[Hash][]byte)
	batch := &Batch{}
	seenKeys := make(map[Hash]bool)

	for _, op := range ops {
		keyHash := keyHashOf(op.Key)
		var leaf Hash
		if op.Value == nil {
			leaf = defaultHashes[depth]
			batch.Values = append(batch.Values, ValueWrite{Key: op.Key, Version: version, Tombstone: true})
		} else {
			vh := valueHashOf(op.Value)
			leaf = hashLeaf(keyHash, vh)
			batch.Values = append(batch.Values, ValueWrite{Key: op.Key, Version: version, Value: op.Value})
		}
		if !seenKeys[keyHash] {
			seenKeys[keyHash] = true
			if existing, err := t.backend.Get(t.cf.CFJMTKeys, keyHash.Bytes()); err != nil {
				return Hash{}, nil, storeerr.Wrap(storeerr.KindBackend, "merkle key lookup", err)
			} else if existing == nil {
				batch.Keys = append(batch.Keys, KeyWrite{KeyHash: keyHash, Key: op.Key})
			}
		}
		newRoot, err := t.applyOne(root, keyHash, leaf, pending)
		if err != nil {
			return Hash{}, nil, err
		}
		root = newRoot
	}

	for h, raw := range pending {
		batch.Nodes = append(batch.Nodes, NodeWrite{Hash: h, Bytes: raw})
	}
	batch.Root = root
	return root, batch, nil
}

// RootWrite returns the (key, value) pair recording root as version's root
// pointer, for the caller to fold into the commit batch's CFJMTNodes writes
// alongside Batch.Nodes.
func RootWrite(version uint64, root Hash) (key, value []byte) {
	return rootKey(version), root.Bytes()
}

// Get returns the value stored for key as of version, or nil if absent. It
// does not touch the Merkle tree at all: values are read directly from the
// version-indexed value index, which is cheaper and sufficient whenever a
// proof is not required.
func (t *Tree) Get(version uint64, key []byte) ([]byte, error) {
	return t.latestValue(key, version)
}

func (t *Tree) latestValue(key []byte, version uint64) ([]byte, error) {
	base := append(escapeKey(key), 0x00, 0x00)
	start := append(append([]byte(nil), base...), encodeVersion(0)...)
	end := append(append([]byte(nil), base...), encodeVersion(version+1)...)

	var latest []byte
	var found bool
	err := t.backend.Iterate(t.cf.CFJMTValues, start, end, func(k, v []byte) error {
		if len(v) == 0 {
			return storeerr.New(storeerr.KindInvariant, "merkle: malformed value entry")
		}
		found = true
		if v[0] == 0x00 {
			latest = nil
		} else {
			latest = append([]byte(nil), v[1:]...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return latest, nil
}

// PrefixValues streams every key with the given prefix, at its value as of
// version, in ascending lexicographic plaintext-key order, skipping deleted
// keys. It merge-scans the escaped-key/version-ordered value index, tracking
// the latest version not exceeding the requested one per distinct key.
func (t *Tree) PrefixValues(version uint64, prefix []byte, fn func(key, value []byte) error) error {
	start := escapeKey(prefix)
	end := prefixUpperBound(start)

	var curKey []byte
	var curValue []byte
	var curPresent bool
	var haveCur bool

	emit := func() error {
		if !haveCur {
			return nil
		}
		if curPresent {
			if err := fn(curKey, curValue); err != nil {
				return err
			}
		}
		return nil
	}

	err := t.backend.Iterate(t.cf.CFJMTValues, start, end, func(k, v []byte) error {
		key, ver, err := decodeValueKey(k)
		if err != nil {
			return err
		}
		if ver > version {
			return nil
		}
		if !haveCur || !bytes.Equal(key, curKey) {
			if err := emit(); err != nil {
				return err
			}
			curKey = append([]byte(nil), key...)
			haveCur = true
			curPresent = false
			curValue = nil
		}
		if len(v) == 0 {
			return storeerr.New(storeerr.KindInvariant, "merkle: malformed value entry")
		}
		if v[0] == 0x00 {
			curPresent = false
			curValue = nil
		} else {
			curPresent = true
			curValue = append([]byte(nil), v[1:]...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return emit()
}

func encodeVersion(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// EncodeValueEntry renders a jmt_values value payload: a one-byte presence
// tag followed by the raw bytes, or a bare tombstone byte for a deletion.
func EncodeValueEntry(value []byte, tombstone bool) []byte {
	if tombstone {
		return []byte{0x00}
	}
	return append([]byte{0x01}, value...)
}

// ValueKey renders a jmt_values key: the key escaped so 0x00 cannot be
// confused with the terminator, followed by the terminator and the
// big-endian version. Escaping (0x00 -> 0x00,0x01; terminator 0x00,0x00)
// preserves plaintext lexicographic order, which is what makes
// PrefixValues's range scan correct for arbitrary binary keys.
func ValueKey(key []byte, version uint64) []byte {
	buf := append(escapeKey(key), 0x00, 0x00)
	return append(buf, encodeVersion(version)...)
}

func escapeKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+2)
	for _, b := range key {
		if b == 0x00 {
			out = append(out, 0x00, 0x01)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// decodeValueKey splits a stored jmt_values key back into its original key
// and version, reversing ValueKey's escaping.
func decodeValueKey(raw []byte) (key []byte, version uint64, err error) {
	out := make([]byte, 0, len(raw))
	i := 0
	for i < len(raw) {
		if raw[i] == 0x00 {
			if i+1 >= len(raw) {
				return nil, 0, storeerr.New(storeerr.KindInvariant, "merkle: truncated value key")
			}
			switch raw[i+1] {
			case 0x01:
				out = append(out, 0x00)
				i += 2
			case 0x00:
				rest := raw[i+2:]
				if len(rest) != 8 {
					return nil, 0, storeerr.New(storeerr.KindInvariant, "merkle: malformed value key version suffix")
				}
				return out, binary.BigEndian.Uint64(rest), nil
			default:
				return nil, 0, storeerr.New(storeerr.KindInvariant, "merkle: malformed value key escape")
			}
			continue
		}
		out = append(out, raw[i])
		i++
	}
	return nil, 0, storeerr.New(storeerr.KindInvariant, "merkle: value key missing terminator")
}

// prefixUpperBound returns the smallest byte string that is not prefixed by
// b, for use as an exclusive range end; nil (unbounded) if b is all 0xFF.
func prefixUpperBound(b []byte) []byte {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// GetWithProof returns the value stored for key as of version (nil if
// absent) together with a Proof that VerifyProof can check against
// RootHash(version).
func (t *Tree) GetWithProof(version uint64, key []byte) ([]byte, *Proof, error) {
	root, err := t.RootHash(version)
	if err != nil {
		return nil, nil, err
	}
	keyHash := keyHashOf(key)
	value, err := t.latestValue(key, version)
	if err != nil {
		return nil, nil, err
	}
	siblings, err := t.siblingsAlong(root, keyHash, nil)
	if err != nil {
		return nil, nil, err
	}
	return value, &Proof{Siblings: siblings}, nil
}

// VerifyProof checks that key maps to value (nil meaning absent) under
// root, using proof's sibling path. It performs no I/O: it is a pure
// recomputation a client can run against a root hash obtained independently.
func VerifyProof(root Hash, key []byte, value []byte, proof *Proof) bool {
	keyHash := keyHashOf(key)
	var current Hash
	if value == nil {
		current = defaultHashes[depth]
	} else {
		current = hashLeaf(keyHash, valueHashOf(value))
	}
	for d := depth - 1; d >= 0; d-- {
		if bit(keyHash, d) == 0 {
			current = hashInternal(current, proof.Siblings[d])
		} else {
			current = hashInternal(proof.Siblings[d], current)
		}
	}
	return current == root
}
