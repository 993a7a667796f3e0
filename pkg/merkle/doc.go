/*
Package merkle implements a Jellyfish-Merkle-Tree-style sparse, versioned
Merkle tree: a persistent binary tree over 256-bit key-hashes, content
addressed by node hash, that produces a new root hash for each version and
can answer inclusion/exclusion proofs against any historical root.

# Design

The tree is conceptually a full 256-level binary tree (one level per bit of
sha256(key)), but empty subtrees are never stored: a table of 257
precomputed "default" hashes (one per depth, each the hash of two identical
default children at the next depth) lets the tree recognize an empty
subtree without reading storage, following the same technique as
other_examples' trillian sparse Merkle tree. Only Internal nodes are ever
persisted — a leaf position is uniquely determined by its 256-bit path, so
there is nothing to disambiguate by storing a leaf node; the actual value
bytes live in a separate version-indexed column family (jmt_values),
decoupled from the commitment tree so plaintext-key ordering can be
recovered independently of the hash-ordered tree.

This keeps PutValueSet a pure function of (old root, ops) -> (new root,
node writes) with no backend writes of its own: the caller folds the
returned batch into its own atomic commit.

# Grounding

Node addressing/proof shape: other_examples/ff4bdba4_pphaneuf-trillian__merkle-sparse_merkle_tree.go.go.
Versioned-tree lifecycle (Get at a version, membership/non-membership
proofs): other_examples/0bcfac04_bjaanes-cosmos-sdk__store-iavl-store.go.go.
*/
package merkle
