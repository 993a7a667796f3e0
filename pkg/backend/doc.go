/*
Package backend adapts an embedded, ordered byte-keyed KV store into the
column-family, point-read, prefix-iteration and atomic-batch primitives the
rest of the storage engine is built on.

The engine treats the backend as a black box: it assumes an ordered
byte-keyed store with column families and atomic multi-CF write batches, and
nothing more. bbolt (go.etcd.io/bbolt) satisfies that contract directly — a
column family is a top-level bucket, a write batch is a single db.Update
transaction spanning every bucket it touches, and range iteration is a
bucket cursor walk.

# Column families

Column family names are namespaced per substore as "{prefix}/{cf}", e.g.
"/jmt", "/jmt_values", "a/jmt", "a/nonverifiable". The main substore uses
the empty prefix, so its buckets are named "/jmt", "/jmt_values", and so on.
*/
package backend
