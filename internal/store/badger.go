package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

const (
	recordPrefix   = "rec/"
	queuePrefix    = "queue/"
	conflictPrefix = "conflict/"
	appDataPrefix  = "app/"
)

// BadgerStore implements Store on an embedded badger database. One logical
// partition per business table plus sync_queue, conflicts and app_data
// partitions, separated by key prefixes.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(cfg config.StorageConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	logger.Log.Info("Local store opened",
		zap.String("path", cfg.Path),
		zap.Bool("inMemory", cfg.InMemory),
	)

	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func recordKey(table, id string) []byte {
	return []byte(recordPrefix + table + "/" + id)
}

func (s *BadgerStore) PutRecord(rec *Record) error {
	return s.setJSON(recordKey(rec.Table, rec.ID), rec)
}

func (s *BadgerStore) GetRecord(table, id string) (*Record, error) {
	var rec Record
	found, err := s.getJSON(recordKey(table, id), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerStore) GetAllRecords(table string) ([]*Record, error) {
	var records []*Record
	err := s.scan([]byte(recordPrefix+table+"/"), func(val []byte) error {
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		records = append(records, &rec)
		return nil
	})
	return records, err
}

func (s *BadgerStore) GetUnsynced(table string) ([]*Record, error) {
	all, err := s.GetAllRecords(table)
	if err != nil {
		return nil, err
	}
	var unsynced []*Record
	for _, rec := range all {
		if rec.SyncState != StateSynced {
			unsynced = append(unsynced, rec)
		}
	}
	return unsynced, nil
}

func (s *BadgerStore) MarkSynced(table, id string) error {
	rec, err := s.GetRecord(table, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.SyncState = StateSynced
	return s.PutRecord(rec)
}

func (s *BadgerStore) DeleteRecord(table, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(table, id))
	})
}

func (s *BadgerStore) Clear(table string) error {
	return s.clearPrefix([]byte(recordPrefix + table + "/"))
}

func (s *BadgerStore) ClearAll() error {
	for _, prefix := range []string{recordPrefix, queuePrefix, conflictPrefix, appDataPrefix} {
		if err := s.clearPrefix([]byte(prefix)); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) PutQueueEntry(entry *QueueEntry) error {
	return s.setJSON([]byte(queuePrefix+entry.ID), entry)
}

func (s *BadgerStore) GetQueueEntry(id string) (*QueueEntry, error) {
	var entry QueueEntry
	found, err := s.getJSON([]byte(queuePrefix+id), &entry)
	if err != nil || !found {
		return nil, err
	}
	return &entry, nil
}

// QueueEntries returns pending entries for a table, oldest intent first.
// An empty table name returns the whole queue.
func (s *BadgerStore) QueueEntries(table string) ([]*QueueEntry, error) {
	prefix := queuePrefix
	if table != "" {
		prefix = queuePrefix + table + ":"
	}
	var entries []*QueueEntry
	err := s.scan([]byte(prefix), func(val []byte) error {
		var entry QueueEntry
		if err := json.Unmarshal(val, &entry); err != nil {
			return err
		}
		entries = append(entries, &entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries, nil
}

func (s *BadgerStore) DeleteQueueEntry(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(queuePrefix + id))
	})
}

func (s *BadgerStore) DeleteQueueEntryIf(id string, enqueuedAt time.Time) (bool, error) {
	key := []byte(queuePrefix + id)
	matched := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var entry QueueEntry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return err
		}
		if !entry.EnqueuedAt.Equal(enqueuedAt) {
			return nil
		}
		matched = true
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent write replaced the entry mid-transaction.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return matched, nil
}

func (s *BadgerStore) CreateConflict(conflict *Conflict) error {
	return s.setJSON([]byte(conflictPrefix+conflict.ID), conflict)
}

func (s *BadgerStore) GetConflict(id string) (*Conflict, error) {
	var c Conflict
	found, err := s.getJSON([]byte(conflictPrefix+id), &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (s *BadgerStore) ListConflicts() ([]*Conflict, error) {
	var conflicts []*Conflict
	err := s.scan([]byte(conflictPrefix), func(val []byte) error {
		var c Conflict
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		conflicts = append(conflicts, &c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}

func (s *BadgerStore) DeleteConflict(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(conflictPrefix + id))
	})
}

func (s *BadgerStore) SetAppData(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode app data %q: %w", key, err)
	}
	return s.setJSON([]byte(appDataPrefix+key), &AppData{
		Key:       key,
		Value:     raw,
		Timestamp: time.Now(),
	})
}

func (s *BadgerStore) GetAppData(key string, out any) (bool, error) {
	var data AppData
	found, err := s.getJSON([]byte(appDataPrefix+key), &data)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data.Value, out); err != nil {
		return false, fmt.Errorf("failed to decode app data %q: %w", key, err)
	}
	return true, nil
}

func (s *BadgerStore) setJSON(key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	})
}

func (s *BadgerStore) getJSON(key []byte, out any) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) scan(prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) clearPrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
