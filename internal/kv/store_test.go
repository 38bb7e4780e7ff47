package kv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type storeFactory func(t *testing.T) Store

func storeBackends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": mustSQLiteStore,
	}
}

func mustSQLiteStore(t *testing.T) Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "kv.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(SQLiteModels()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewSQLiteStore(database)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func forEachBackend(t *testing.T, run func(t *testing.T, store Store)) {
	for name, factory := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			run(t, factory(t))
		})
	}
}

func mustCommit(t *testing.T, store Store, op *AtomicOperation) Versionstamp {
	t.Helper()
	versionstamp, err := store.Commit(context.Background(), op)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	return versionstamp
}

func TestStoreGetAbsentKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		entry, err := store.Get(context.Background(), Tuple(Int(1), Int(1)))
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if entry.Exists() || entry.Value != nil {
			t.Fatalf("expected absent entry, got %+v", entry)
		}
	})
}

func TestStoreCommitStampsIncreasingVersions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		key := Tuple(Int(1), String("alpha"))
		first := mustCommit(t, store, NewAtomicOperation().Set(key, []byte("one")))
		second := mustCommit(t, store, NewAtomicOperation().Set(key, []byte("two")))
		if second <= first {
			t.Fatalf("expected increasing versionstamps, got %d then %d", first, second)
		}
		entry, err := store.Get(context.Background(), key)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if string(entry.Value) != "two" || entry.Versionstamp != second {
			t.Fatalf("unexpected entry %+v", entry)
		}
	})
}

func TestStoreCheckRejectsStaleVersion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		key := Tuple(Int(2), Int(10))
		other := Tuple(Int(2), Int(11))
		stale := mustCommit(t, store, NewAtomicOperation().Set(key, []byte("v1")))
		mustCommit(t, store, NewAtomicOperation().Set(key, []byte("v2")))

		_, err := store.Commit(context.Background(), NewAtomicOperation().
			Check(key, stale).
			Set(key, []byte("v3")).
			Set(other, []byte("side-effect")))
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		entry, _ := store.Get(context.Background(), other)
		if entry.Exists() {
			t.Fatalf("rejected commit must not write any key")
		}
		current, _ := store.Get(context.Background(), key)
		if string(current.Value) != "v2" {
			t.Fatalf("expected value to remain v2, got %q", current.Value)
		}
	})
}

func TestStoreInsertIfAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		key := Tuple(Int(8), Int(1), Int(1700000000000))
		mustCommit(t, store, NewAtomicOperation().InsertIfAbsent(key, []byte("first")))
		_, err := store.Commit(context.Background(), NewAtomicOperation().InsertIfAbsent(key, []byte("second")))
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict on occupied key, got %v", err)
		}
		entry, _ := store.Get(context.Background(), key)
		if string(entry.Value) != "first" {
			t.Fatalf("expected first value to survive, got %q", entry.Value)
		}
	})
}

func TestStoreDeletedKeyCannotSatisfyOldCheck(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		key := Tuple(Int(3), String("coupon"))
		original := mustCommit(t, store, NewAtomicOperation().Set(key, []byte("x")))
		mustCommit(t, store, NewAtomicOperation().Delete(key))
		mustCommit(t, store, NewAtomicOperation().Set(key, []byte("y")))
		_, err := store.Commit(context.Background(), NewAtomicOperation().Check(key, original).Delete(key))
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected conflict against recreated key, got %v", err)
		}
	})
}

func TestStoreAddUnsignedWraps(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		key := Tuple(Int(6), Int(1), Int(2), Int(7))
		mustCommit(t, store, NewAtomicOperation().AddUnsigned(key, EncodeDelta(1)))
		mustCommit(t, store, NewAtomicOperation().AddUnsigned(key, EncodeDelta(1)))
		mustCommit(t, store, NewAtomicOperation().AddUnsigned(key, EncodeDelta(-1)))
		entry, err := store.Get(context.Background(), key)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		count, err := DecodeCounter(entry.Value)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected count 1, got %d", count)
		}

		mustCommit(t, store, NewAtomicOperation().
			AddUnsigned(key, EncodeDelta(-1)).
			AddUnsigned(key, EncodeDelta(-1)))
		entry, _ = store.Get(context.Background(), key)
		count, _ = DecodeCounter(entry.Value)
		if count != -1 {
			t.Fatalf("expected wrapped count -1, got %d", count)
		}
	})
}

func TestStoreAddUnsignedRejectsForeignValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		key := Tuple(Int(6), Int(9))
		mustCommit(t, store, NewAtomicOperation().Set(key, []byte(`{"a":1}`)))
		_, err := store.Commit(context.Background(), NewAtomicOperation().AddUnsigned(key, 1))
		if !errors.Is(err, ErrNotCounter) {
			t.Fatalf("expected ErrNotCounter, got %v", err)
		}
	})
}

func TestStoreGetManyPreservesOrderAndLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		present := Tuple(Int(4), Int(100))
		missing := Tuple(Int(4), Int(101))
		mustCommit(t, store, NewAtomicOperation().Set(present, []byte(`{"subject_id":1}`)))

		entries, err := store.GetMany(context.Background(), []Key{missing, present}, ReadOptions{Consistency: ConsistencyEventual})
		if err != nil {
			t.Fatalf("get many failed: %v", err)
		}
		if len(entries) != 2 || entries[0].Exists() || !entries[1].Exists() {
			t.Fatalf("unexpected entries %+v", entries)
		}

		tooMany := make([]Key, MaxGetManyKeys+1)
		for index := range tooMany {
			tooMany[index] = Tuple(Int(4), Int(int64(index)))
		}
		if _, err := store.GetMany(context.Background(), tooMany, ReadOptions{}); !errors.Is(err, ErrTooManyKeys) {
			t.Fatalf("expected ErrTooManyKeys, got %v", err)
		}
	})
}

func TestStoreScanOrderingAndPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		op := NewAtomicOperation()
		for score := int64(1); score <= 5; score++ {
			op.Set(Tuple(Int(6), Int(1), Int(2), Int(score)), []byte(fmt.Sprintf("%d", score)))
		}
		op.Set(Tuple(Int(6), Int(1), Int(3), Int(1)), []byte("other-episode"))
		op.Set(Tuple(Int(7), Int(1)), []byte("other-tag"))
		mustCommit(t, store, op)

		prefix := Tuple(Int(6), Int(1), Int(2))
		collect := func(opts ListOptions) []string {
			var values []string
			err := store.Scan(context.Background(), prefix, opts, func(entry Entry) bool {
				values = append(values, string(entry.Value))
				return true
			})
			if err != nil {
				t.Fatalf("scan failed: %v", err)
			}
			return values
		}

		assertValues(t, collect(ListOptions{}), "1", "2", "3", "4", "5")
		assertValues(t, collect(ListOptions{Reverse: true}), "5", "4", "3", "2", "1")
		assertValues(t, collect(ListOptions{Limit: 2, Offset: 1}), "2", "3")
		assertValues(t, collect(ListOptions{Reverse: true, Limit: 2, Offset: 1}), "4", "3")
		assertValues(t, collect(ListOptions{Offset: 10}))

		var stopped []string
		_ = store.Scan(context.Background(), prefix, ListOptions{}, func(entry Entry) bool {
			stopped = append(stopped, string(entry.Value))
			return len(stopped) < 2
		})
		assertValues(t, stopped, "1", "2")
	})
}

func TestStoreScanReverseWithMaximalPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		prefix := Tuple(Int(-1))
		mustCommit(t, store, NewAtomicOperation().
			Set(prefix.Append(Int(1)), []byte("a")).
			Set(prefix.Append(Int(2)), []byte("b")))
		var values []string
		if err := store.Scan(context.Background(), prefix, ListOptions{Reverse: true}, func(entry Entry) bool {
			values = append(values, string(entry.Value))
			return true
		}); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		assertValues(t, values, "b", "a")
	})
}

func assertValues(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
