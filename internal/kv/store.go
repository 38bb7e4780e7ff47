// Package kv provides an ordered key-value store contract with optimistic, versionstamped
// commits, along with an in-memory and a SQLite implementation.
package kv

import (
	"context"
	"errors"
)

// MaxGetManyKeys bounds the number of keys a single GetMany call may request.
const MaxGetManyKeys = 10

var (
	// ErrConflict indicates that at least one check of an atomic operation failed.
	ErrConflict = errors.New("kv: commit conflict")
	// ErrTooManyKeys indicates a GetMany call exceeded MaxGetManyKeys.
	ErrTooManyKeys = errors.New("kv: too many keys in batched read")
	// ErrNotCounter indicates AddUnsigned targeted a key holding a non-counter value.
	ErrNotCounter = errors.New("kv: value is not an unsigned counter")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("kv: store closed")
)

// Versionstamp identifies the commit that last wrote a key. Zero means absent.
type Versionstamp uint64

// Entry is a key with its value and versionstamp. A zero Versionstamp marks a missing key.
type Entry struct {
	Key          Key
	Value        []byte
	Versionstamp Versionstamp
}

// Exists reports whether the entry was found.
func (e Entry) Exists() bool {
	return e.Versionstamp != 0
}

// Consistency selects the read consistency for batched reads.
type Consistency int

const (
	// ConsistencyStrong reads the latest committed state.
	ConsistencyStrong Consistency = iota
	// ConsistencyEventual allows stale reads.
	ConsistencyEventual
)

// ReadOptions tunes GetMany.
type ReadOptions struct {
	Consistency Consistency
}

// ListOptions tunes Scan. A zero Limit means no limit.
type ListOptions struct {
	Reverse bool
	Limit   int
	Offset  int
}

// Store is an ordered key-value store with atomic, optimistically checked commits.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, error)
	GetMany(ctx context.Context, keys []Key, opts ReadOptions) ([]Entry, error)
	// Scan visits entries sharing prefix in key order. Returning false from fn stops the scan.
	Scan(ctx context.Context, prefix Key, opts ListOptions, fn func(Entry) bool) error
	// Commit applies the operation atomically, returning ErrConflict when a check fails.
	Commit(ctx context.Context, op *AtomicOperation) (Versionstamp, error)
	Close() error
}

// MutationKind enumerates the mutations an AtomicOperation may carry.
type MutationKind int

const (
	MutationSet MutationKind = iota + 1
	MutationDelete
	MutationAddUnsigned
)

// Mutation is a single write inside an AtomicOperation.
type Mutation struct {
	Kind  MutationKind
	Key   Key
	Value []byte
	Delta uint64
}

// Check pins the expected versionstamp of a key. Versionstamp zero expects the key to be absent.
type Check struct {
	Key          Key
	Versionstamp Versionstamp
}

// AtomicOperation batches checks and mutations into one all-or-nothing commit.
type AtomicOperation struct {
	checks    []Check
	mutations []Mutation
}

// NewAtomicOperation returns an empty operation.
func NewAtomicOperation() *AtomicOperation {
	return &AtomicOperation{}
}

// Check adds an optimistic precondition on key.
func (op *AtomicOperation) Check(key Key, versionstamp Versionstamp) *AtomicOperation {
	op.checks = append(op.checks, Check{Key: key, Versionstamp: versionstamp})
	return op
}

// Set writes value at key unconditionally.
func (op *AtomicOperation) Set(key Key, value []byte) *AtomicOperation {
	op.mutations = append(op.mutations, Mutation{Kind: MutationSet, Key: key, Value: value})
	return op
}

// Delete removes key unconditionally.
func (op *AtomicOperation) Delete(key Key) *AtomicOperation {
	op.mutations = append(op.mutations, Mutation{Kind: MutationDelete, Key: key})
	return op
}

// InsertIfAbsent writes value at key only if the key does not exist at commit time.
func (op *AtomicOperation) InsertIfAbsent(key Key, value []byte) *AtomicOperation {
	return op.Check(key, 0).Set(key, value)
}

// AddUnsigned adds delta into the unsigned 64-bit accumulator at key, wrapping on overflow.
func (op *AtomicOperation) AddUnsigned(key Key, delta uint64) *AtomicOperation {
	op.mutations = append(op.mutations, Mutation{Kind: MutationAddUnsigned, Key: key, Delta: delta})
	return op
}

// Checks returns the registered checks.
func (op *AtomicOperation) Checks() []Check {
	return op.checks
}

// Mutations returns the registered mutations in order.
func (op *AtomicOperation) Mutations() []Mutation {
	return op.mutations
}

// Empty reports whether the operation carries no mutations.
func (op *AtomicOperation) Empty() bool {
	return len(op.mutations) == 0
}
