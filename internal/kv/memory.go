package kv

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
)

const memoryTreeDegree = 32

var _ btree.Item = memoryItem{}

type memoryItem struct {
	key          Key
	value        []byte
	versionstamp Versionstamp
}

// Less orders items by key bytes.
func (i memoryItem) Less(other btree.Item) bool {
	return bytes.Compare(i.key, other.(memoryItem).key) < 0
}

// MemoryStore is an in-process Store backed by an ordered B-tree. It holds no data across
// restarts and is intended for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	tree    *btree.BTree
	version Versionstamp
	closed  bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tree: btree.New(memoryTreeDegree)}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, ErrClosed
	}
	return s.getLocked(key), nil
}

func (s *MemoryStore) GetMany(ctx context.Context, keys []Key, _ ReadOptions) ([]Entry, error) {
	if len(keys) > MaxGetManyKeys {
		return nil, ErrTooManyKeys
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries := make([]Entry, len(keys))
	for index, key := range keys {
		entries[index] = s.getLocked(key)
	}
	return entries, nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix Key, opts ListOptions, fn func(Entry) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	// Collect under the lock and call fn outside it so callbacks may use the store.
	var collected []Entry
	skipped := 0
	visit := func(item btree.Item) bool {
		entry := item.(memoryItem)
		if !entry.key.HasPrefix(prefix) {
			return false
		}
		if skipped < opts.Offset {
			skipped++
			return true
		}
		collected = append(collected, entry.toEntry())
		return opts.Limit <= 0 || len(collected) < opts.Limit
	}
	if opts.Reverse {
		end := prefixEnd(prefix)
		if end == nil {
			s.tree.Descend(visit)
		} else {
			s.tree.DescendLessOrEqual(memoryItem{key: end}, func(item btree.Item) bool {
				if bytes.Equal(item.(memoryItem).key, end) {
					return true
				}
				return visit(item)
			})
		}
	} else {
		s.tree.AscendGreaterOrEqual(memoryItem{key: prefix}, visit)
	}
	s.mu.RUnlock()

	for _, entry := range collected {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(entry) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Commit(ctx context.Context, op *AtomicOperation) (Versionstamp, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	for _, check := range op.Checks() {
		if s.getLocked(check.Key).Versionstamp != check.Versionstamp {
			observeCommit(backendMemory, ErrConflict)
			return 0, ErrConflict
		}
	}

	staged, err := stageMutations(op.Mutations(), func(key Key) ([]byte, bool, error) {
		entry := s.getLocked(key)
		return entry.Value, entry.Exists(), nil
	})
	if err != nil {
		observeCommit(backendMemory, err)
		return 0, err
	}

	s.version++
	for _, write := range staged {
		if write.deleted {
			s.tree.Delete(memoryItem{key: write.key})
			continue
		}
		s.tree.ReplaceOrInsert(memoryItem{key: write.key, value: write.value, versionstamp: s.version})
	}
	observeCommit(backendMemory, nil)
	return s.version, nil
}

// Close releases the tree. Subsequent calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tree = btree.New(memoryTreeDegree)
	return nil
}

func (s *MemoryStore) getLocked(key Key) Entry {
	item := s.tree.Get(memoryItem{key: key})
	if item == nil {
		return Entry{Key: key}
	}
	return item.(memoryItem).toEntry()
}

func (i memoryItem) toEntry() Entry {
	return Entry{
		Key:          append(Key(nil), i.key...),
		Value:        append([]byte(nil), i.value...),
		Versionstamp: i.versionstamp,
	}
}
