// Package storeerr defines the error taxonomy shared by every layer of the
// storage engine: backend, merkle, substore, snapshot, delta and storage.
//
// All kinds except InvariantViolation are recoverable by the caller and are
// returned, never panicked. InvariantViolation marks an impossible internal
// state (a programmer error) and callers that see one should treat the
// process as unsafe to continue.
package storeerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error returned by the storage engine.
type Kind int

const (
	// KindBackend wraps an I/O failure surfaced by the embedded KV engine.
	KindBackend Kind = iota
	// KindVersion covers reads of a non-existent historical version, or a
	// commit whose parent snapshot is no longer the current one.
	KindVersion
	// KindRouting covers an empty key or a substore prefix collision.
	KindRouting
	// KindProof covers a malformed proof request against the merkle tree.
	KindProof
	// KindInvariant marks a fatal, non-recoverable internal invariant
	// violation (e.g. a stripped key failing to match its routed prefix).
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindBackend:
		return "backend"
	case KindVersion:
		return "version"
	case KindRouting:
		return "routing"
	case KindProof:
		return "proof"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is a typed, wrapped error carrying a Kind alongside the usual
// message and cause chain.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, storeerr.Backend) / storeerr.Version / etc. to
// match any Error of the same Kind, ignoring Op and Err.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinel values usable with errors.Is to test an error's Kind without
// constructing a full Error.
var (
	Backend   = &Error{Kind: KindBackend}
	Version   = &Error{Kind: KindVersion}
	Routing   = &Error{Kind: KindRouting}
	Proof     = &Error{Kind: KindProof}
	Invariant = &Error{Kind: KindInvariant}
)

// Wrap builds a new Error of the given kind, wrapping err with op context.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// New builds a new Error of the given kind with no wrapped cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}
