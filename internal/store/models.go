package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type SyncState string

const (
	StateLocalOnly SyncState = "LOCAL_ONLY"
	StateSyncing   SyncState = "SYNCING"
	StateSynced    SyncState = "SYNCED"
	StateConflict  SyncState = "CONFLICT"
)

// Record is one logical business entity instance plus its sync metadata.
// The payload schema is owned by callers; the engine treats it as opaque.
type Record struct {
	Table        string         `json:"table"`
	ID           string         `json:"id"`
	Payload      map[string]any `json:"payload"`
	LastModified time.Time      `json:"last_modified"`
	Version      int64          `json:"version"`
	Checksum     string         `json:"checksum"`
	SyncState    SyncState      `json:"sync_state"`
	Operation    Operation      `json:"operation"`
}

// Tombstone reports whether the record is a pending soft delete.
func (r *Record) Tombstone() bool {
	return r.Operation == OpDelete
}

// QueueEntry is one outstanding intent to apply an operation to the remote
// backend. Its ID is deterministic per (table, id), which is what enforces
// the at-most-one-live-entry invariant: a newer store() on the same key
// overwrites the entry instead of appending a second one.
type QueueEntry struct {
	ID            string         `json:"id"`
	Table         string         `json:"table"`
	RecordID      string         `json:"record_id"`
	Operation     Operation      `json:"operation"`
	Payload       map[string]any `json:"payload"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	RetryCount    int            `json:"retry_count"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
}

func QueueEntryID(table, id string) string {
	return table + ":" + id
}

type ConflictType string

const (
	ConflictTimestamp ConflictType = "timestamp"
	ConflictVersion   ConflictType = "version"
	ConflictContent   ConflictType = "content"
)

// Conflict records a divergence between the local and remote version of the
// same (table, id) that the active policy could not resolve automatically.
type Conflict struct {
	ID         string       `json:"id"`
	Table      string       `json:"table"`
	RecordID   string       `json:"record_id"`
	Local      Record       `json:"local"`
	Remote     Record       `json:"remote"`
	Type       ConflictType `json:"type"`
	DetectedAt time.Time    `json:"detected_at"`
}

type AppData struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// Checksum digests a payload over its canonical JSON encoding (map keys are
// sorted by encoding/json), so payloads that encode equal compare equal.
// The last_modified bookkeeping column is excluded: it is stamped by the
// engine on push, and a differing stamp must not defeat the no-op merge
// short-circuit.
func Checksum(payload map[string]any) string {
	if _, ok := payload["last_modified"]; ok {
		stripped := make(map[string]any, len(payload)-1)
		for k, v := range payload {
			if k != "last_modified" {
				stripped[k] = v
			}
		}
		payload = stripped
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "invalid-checksum"
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum)
}
