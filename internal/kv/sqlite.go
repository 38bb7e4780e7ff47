package kv

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	sequenceRowID      = 1
	columnEntryKey     = "entry_key"
	queryEntryKey      = columnEntryKey + " = ?"
	queryEntryKeyIn    = columnEntryKey + " IN ?"
	queryEntryKeyFrom  = columnEntryKey + " >= ?"
	queryEntryKeyUntil = columnEntryKey + " < ?"
)

var errMissingDatabase = errors.New("kv: database handle is required")

// SQLiteEntry is the row backing one key of the SQLite store.
type SQLiteEntry struct {
	EntryKey     []byte `gorm:"column:entry_key;primaryKey"`
	Value        []byte `gorm:"column:value;not null"`
	Versionstamp uint64 `gorm:"column:versionstamp;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SQLiteEntry) TableName() string {
	return "kv_entries"
}

// SQLiteSequence holds the last versionstamp handed out. It has exactly one row.
type SQLiteSequence struct {
	ID   int    `gorm:"column:id;primaryKey"`
	Last uint64 `gorm:"column:last_versionstamp;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SQLiteSequence) TableName() string {
	return "kv_sequence"
}

// SQLiteModels lists the models a SQLite store needs migrated.
func SQLiteModels() []interface{} {
	return []interface{}{&SQLiteEntry{}, &SQLiteSequence{}}
}

// SQLiteStore is a durable Store on top of a GORM SQLite connection. BLOB keys compare
// bytewise in SQLite, so the table's primary-key order is the tuple order.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore wraps a migrated database and seeds the versionstamp sequence.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	seed := SQLiteSequence{ID: sequenceRowID}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("kv: seed sequence: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (Entry, error) {
	return readEntry(s.db.WithContext(ctx), key)
}

func (s *SQLiteStore) GetMany(ctx context.Context, keys []Key, _ ReadOptions) ([]Entry, error) {
	if len(keys) > MaxGetManyKeys {
		return nil, ErrTooManyKeys
	}
	if len(keys) == 0 {
		return []Entry{}, nil
	}
	args := make([]interface{}, len(keys))
	for index, key := range keys {
		args[index] = []byte(key)
	}
	var rows []SQLiteEntry
	if err := s.db.WithContext(ctx).Where(queryEntryKeyIn, args).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("kv: sqlite get many: %w", err)
	}
	found := make(map[string]SQLiteEntry, len(rows))
	for _, row := range rows {
		found[string(row.EntryKey)] = row
	}
	entries := make([]Entry, len(keys))
	for index, key := range keys {
		row, ok := found[string(key)]
		if !ok {
			entries[index] = Entry{Key: key}
			continue
		}
		entries[index] = row.toEntry()
	}
	return entries, nil
}

// Scan streams matching rows; fn must not call back into the store while the scan is open.
func (s *SQLiteStore) Scan(ctx context.Context, prefix Key, opts ListOptions, fn func(Entry) bool) error {
	query := s.db.WithContext(ctx).Model(&SQLiteEntry{})
	if len(prefix) > 0 {
		query = query.Where(queryEntryKeyFrom, []byte(prefix))
	}
	if end := prefixEnd(prefix); end != nil {
		query = query.Where(queryEntryKeyUntil, []byte(end))
	}
	if opts.Reverse {
		query = query.Order(columnEntryKey + " DESC")
	} else {
		query = query.Order(columnEntryKey + " ASC")
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Offset + opts.Limit)
	}

	rows, err := query.Rows()
	if err != nil {
		return fmt.Errorf("kv: sqlite scan: %w", err)
	}
	defer rows.Close()

	skipped := 0
	for rows.Next() {
		var row SQLiteEntry
		if err := s.db.ScanRows(rows, &row); err != nil {
			return fmt.Errorf("kv: sqlite scan row: %w", err)
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		if !fn(row.toEntry()) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("kv: sqlite scan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Commit(ctx context.Context, op *AtomicOperation) (Versionstamp, error) {
	var committed Versionstamp
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, check := range op.Checks() {
			entry, err := readEntry(tx, check.Key)
			if err != nil {
				return err
			}
			if entry.Versionstamp != check.Versionstamp {
				return ErrConflict
			}
		}

		staged, err := stageMutations(op.Mutations(), func(key Key) ([]byte, bool, error) {
			entry, err := readEntry(tx, key)
			if err != nil {
				return nil, false, err
			}
			return entry.Value, entry.Exists(), nil
		})
		if err != nil {
			return err
		}

		if err := tx.Model(&SQLiteSequence{}).
			Where("id = ?", sequenceRowID).
			Update("last_versionstamp", gorm.Expr("last_versionstamp + 1")).Error; err != nil {
			return fmt.Errorf("kv: sqlite advance sequence: %w", err)
		}
		var sequence SQLiteSequence
		if err := tx.Where("id = ?", sequenceRowID).Take(&sequence).Error; err != nil {
			return fmt.Errorf("kv: sqlite read sequence: %w", err)
		}
		committed = Versionstamp(sequence.Last)

		for _, write := range staged {
			if write.deleted {
				if err := tx.Where(queryEntryKey, []byte(write.key)).Delete(&SQLiteEntry{}).Error; err != nil {
					return fmt.Errorf("kv: sqlite delete %s: %w", write.key, err)
				}
				continue
			}
			row := SQLiteEntry{EntryKey: []byte(write.key), Value: write.value, Versionstamp: sequence.Last}
			if row.Value == nil {
				row.Value = []byte{}
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: columnEntryKey}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "versionstamp"}),
			}).Create(&row).Error; err != nil {
				return fmt.Errorf("kv: sqlite write %s: %w", write.key, err)
			}
		}
		return nil
	})
	observeCommit(backendSQLite, err)
	if err != nil {
		return 0, err
	}
	return committed, nil
}

// Close closes the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func readEntry(db *gorm.DB, key Key) (Entry, error) {
	var row SQLiteEntry
	err := db.Where(queryEntryKey, []byte(key)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{Key: key}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("kv: sqlite get %s: %w", key, err)
	}
	return row.toEntry(), nil
}

func (row SQLiteEntry) toEntry() Entry {
	return Entry{
		Key:          Key(row.EntryKey),
		Value:        row.Value,
		Versionstamp: Versionstamp(row.Versionstamp),
	}
}
