package backend

import (
	"fmt"

	"github.com/cuemby/jmtkv/pkg/storeerr"
	bolt "go.etcd.io/bbolt"
)

// ColumnFamily names a logical, independently-iterated keyspace within the
// backend. The storage engine namespaces these per substore.
type ColumnFamily string

// Backend is the minimal contract the storage engine needs from an embedded,
// ordered byte-keyed KV store: point reads, prefix/range iteration, and
// atomic multi-CF write batches. Everything above this layer is backend
// agnostic.
type Backend interface {
	// Get returns the value for key in cf, or (nil, nil) if absent.
	Get(cf ColumnFamily, key []byte) ([]byte, error)
	// Iterate walks [start, end) in cf in ascending lexicographic key order,
	// calling fn for each entry. A nil end means "to the end of the CF".
	// Stopping early is signaled by fn returning ErrStopIteration.
	Iterate(cf ColumnFamily, start, end []byte, fn func(k, v []byte) error) error
	// NewBatch opens an atomic write batch spanning any number of CFs.
	NewBatch() Batch
	// EnsureColumnFamilies creates any of the given CFs that do not yet
	// exist. It is idempotent.
	EnsureColumnFamilies(cfs ...ColumnFamily) error
	// Close releases the backend's file handles.
	Close() error
}

// ErrStopIteration, when returned by an Iterate callback, stops the walk
// without propagating an error to the caller.
var ErrStopIteration = fmt.Errorf("backend: stop iteration")

// Batch accumulates writes across column families for a single atomic
// commit. A Batch must be committed or discarded; it holds no backend locks
// until Commit is called.
type Batch interface {
	Put(cf ColumnFamily, key, value []byte)
	Delete(cf ColumnFamily, key []byte)
	// Commit applies every queued write in one atomic backend transaction.
	Commit() error
}

// BoltBackend implements Backend on top of go.etcd.io/bbolt, an embedded,
// single-file store well suited to a single-process, single-writer engine.
type BoltBackend struct {
	db *bolt.DB
}

// Open opens (creating if absent) a BoltBackend at path.
func Open(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindBackend, "open", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return storeerr.Wrap(storeerr.KindBackend, "close", err)
	}
	return nil
}

func (b *BoltBackend) EnsureColumnFamilies(cfs ...ColumnFamily) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, cf := range cfs {
			if _, err := tx.CreateBucketIfNotExists([]byte(cf)); err != nil {
				return fmt.Errorf("create bucket %s: %w", cf, err)
			}
		}
		return nil
	})
}

func (b *BoltBackend) Get(cf ColumnFamily, key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cf))
		if bucket == nil {
			return nil
		}
		data := bucket.Get(key)
		if data == nil {
			return nil
		}
		// bbolt's returned slice is only valid within the transaction; copy it.
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindBackend, fmt.Sprintf("get %s", cf), err)
	}
	return value, nil
}

func (b *BoltBackend) Iterate(cf ColumnFamily, start, end []byte, fn func(k, v []byte) error) error {
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cf))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(start); k != nil; k, v = cursor.Next() {
			if end != nil && !lessThan(k, end) {
				break
			}
			if err := fn(k, v); err != nil {
				if err == ErrStopIteration {
					return nil
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeerr.Wrap(storeerr.KindBackend, fmt.Sprintf("iterate %s", cf), err)
	}
	return nil
}

func lessThan(a, b []byte) bool {
	return compareBytes(a, b) < 0
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

type op struct {
	cf     ColumnFamily
	key    []byte
	value  []byte
	delete bool
}

// boltBatch implements Batch for BoltBackend, buffering writes until
// Commit folds them into one db.Update transaction — this is how the
// engine satisfies the "single atomic backend batch" requirement for
// commit.
type boltBatch struct {
	db  *bolt.DB
	ops []op
}

func (b *BoltBackend) NewBatch() Batch {
	return &boltBatch{db: b.db}
}

func (bt *boltBatch) Put(cf ColumnFamily, key, value []byte) {
	bt.ops = append(bt.ops, op{cf: cf, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (bt *boltBatch) Delete(cf ColumnFamily, key []byte) {
	bt.ops = append(bt.ops, op{cf: cf, key: append([]byte(nil), key...), delete: true})
}

func (bt *boltBatch) Commit() error {
	err := bt.db.Update(func(tx *bolt.Tx) error {
		for _, o := range bt.ops {
			bucket, err := tx.CreateBucketIfNotExists([]byte(o.cf))
			if err != nil {
				return fmt.Errorf("bucket %s: %w", o.cf, err)
			}
			if o.delete {
				if err := bucket.Delete(o.key); err != nil {
					return fmt.Errorf("delete %s/%x: %w", o.cf, o.key, err)
				}
				continue
			}
			if err := bucket.Put(o.key, o.value); err != nil {
				return fmt.Errorf("put %s/%x: %w", o.cf, o.key, err)
			}
		}
		return nil
	})
	if err != nil {
		return storeerr.Wrap(storeerr.KindBackend, "batch commit", err)
	}
	return nil
}
