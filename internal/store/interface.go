package store

import "time"

// Store is the durable local persistence layer. All writes are committed
// before the call returns; failures here are the fatal kind (storage
// exhaustion or corruption), never connectivity.
type Store interface {
	// Records
	PutRecord(rec *Record) error
	GetRecord(table, id string) (*Record, error)
	GetAllRecords(table string) ([]*Record, error)
	GetUnsynced(table string) ([]*Record, error)
	MarkSynced(table, id string) error
	DeleteRecord(table, id string) error
	Clear(table string) error
	ClearAll() error

	// Sync queue
	PutQueueEntry(entry *QueueEntry) error
	GetQueueEntry(id string) (*QueueEntry, error)
	QueueEntries(table string) ([]*QueueEntry, error)
	DeleteQueueEntry(id string) error
	// DeleteQueueEntryIf removes the entry only while its EnqueuedAt still
	// matches, in one transaction. It reports whether the entry was removed;
	// a mismatch means a newer intent replaced it and it must stay queued.
	DeleteQueueEntryIf(id string, enqueuedAt time.Time) (bool, error)

	// Conflicts
	CreateConflict(conflict *Conflict) error
	GetConflict(id string) (*Conflict, error)
	ListConflicts() ([]*Conflict, error)
	DeleteConflict(id string) error

	// Generic app data
	SetAppData(key string, value any) error
	GetAppData(key string, out any) (bool, error)

	Close() error
}
