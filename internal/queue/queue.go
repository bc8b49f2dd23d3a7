package queue

import (
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// Queue is the ordered, deduplicated log of pending local mutations, backed
// by the local store's sync_queue partition. At most one live entry exists
// per (table, id): a newer Enqueue on the same key supersedes the old entry.
type Queue struct {
	store      store.Store
	maxRetries int
	baseDelay  time.Duration
}

func New(st store.Store, maxRetries int, baseDelay time.Duration) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Queue{
		store:      st,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Enqueue upserts the pending intent for (table, id). Latest intent wins:
// payload, operation and timestamp replace whatever was queued before, and
// retry bookkeeping starts over.
func (q *Queue) Enqueue(table, id string, op store.Operation, payload map[string]any) error {
	now := time.Now()
	entry := &store.QueueEntry{
		ID:            store.QueueEntryID(table, id),
		Table:         table,
		RecordID:      id,
		Operation:     op,
		Payload:       payload,
		EnqueuedAt:    now,
		RetryCount:    0,
		NextAttemptAt: now,
	}
	if err := q.store.PutQueueEntry(entry); err != nil {
		return err
	}
	logger.Log.Debug("Enqueued mutation",
		zap.String("table", table),
		zap.String("id", id),
		zap.String("operation", string(op)),
	)
	return nil
}

// PeekPending returns every pending entry for the table, oldest first.
func (q *Queue) PeekPending(table string) ([]*store.QueueEntry, error) {
	return q.store.QueueEntries(table)
}

// Due returns pending entries whose backoff window has elapsed.
func (q *Queue) Due(table string, now time.Time) ([]*store.QueueEntry, error) {
	entries, err := q.store.QueueEntries(table)
	if err != nil {
		return nil, err
	}
	due := entries[:0]
	for _, e := range entries {
		if !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	return due, nil
}

func (q *Queue) Entry(entryID string) (*store.QueueEntry, error) {
	return q.store.GetQueueEntry(entryID)
}

// Ack retires the entry after a confirmed remote acknowledgment, but only
// while it is still the intent that was pushed: a store() landing mid-push
// replaces the entry, and that newer intent must stay queued. enqueuedAt is
// the pushed entry's timestamp; Ack reports whether the entry was retired.
func (q *Queue) Ack(entryID string, enqueuedAt time.Time) (bool, error) {
	return q.store.DeleteQueueEntryIf(entryID, enqueuedAt)
}

// Nack records a failed push attempt: retry count, last error, and the next
// backoff window. The entry stays queued; past the retry cap it is still
// never dropped, only surfaced through PendingCount and LastError.
func (q *Queue) Nack(entryID string, cause error) error {
	entry, err := q.store.GetQueueEntry(entryID)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	entry.RetryCount++
	if cause != nil {
		entry.LastError = cause.Error()
	}
	entry.NextAttemptAt = time.Now().Add(q.backoff(entry.RetryCount))
	return q.store.PutQueueEntry(entry)
}

// Exhausted reports whether the entry has burned through its visible retry
// attempts.
func (q *Queue) Exhausted(entry *store.QueueEntry) bool {
	return entry.RetryCount >= q.maxRetries
}

func (q *Queue) PendingCount(table string) (int, error) {
	entries, err := q.store.QueueEntries(table)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// backoff doubles per attempt from the base delay, capped at the delay that
// the final visible attempt would use.
func (q *Queue) backoff(retries int) time.Duration {
	delay := q.baseDelay
	for i := 1; i < retries && i < q.maxRetries; i++ {
		delay *= 2
	}
	return delay
}
