package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/cache"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/network"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

// Syncer orchestrates the bidirectional reconciliation for one table at a
// time: push queued local mutations, then pull the remote snapshot, invoking
// the resolver where both sides changed. Runs for the same table never
// overlap; a request arriving while one is active is coalesced into it.
type Syncer struct {
	store     store.Store
	queue     *queue.Queue
	backend   remote.Backend
	monitor   *network.Monitor
	prober    *network.Prober
	resolver  *Resolver
	cache     *cache.Cache
	policyFor func(table string) Policy
	timeout   time.Duration
	pullLimit int

	mu     gosync.Mutex
	active map[string]bool
}

func NewSyncer(
	st store.Store,
	q *queue.Queue,
	backend remote.Backend,
	monitor *network.Monitor,
	prober *network.Prober,
	resolver *Resolver,
	readCache *cache.Cache,
	policyFor func(table string) Policy,
	timeout time.Duration,
	pullLimit int,
) *Syncer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if pullLimit <= 0 {
		pullLimit = 1000
	}
	return &Syncer{
		store:     st,
		queue:     q,
		backend:   backend,
		monitor:   monitor,
		prober:    prober,
		resolver:  resolver,
		cache:     readCache,
		policyFor: policyFor,
		timeout:   timeout,
		pullLimit: pullLimit,
		active:    make(map[string]bool),
	}
}

func (s *Syncer) tryAcquire(table string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[table] {
		return false
	}
	s.active[table] = true
	return true
}

func (s *Syncer) release(table string) {
	s.mu.Lock()
	delete(s.active, table)
	s.mu.Unlock()
}

// Sync runs one reconciliation cycle for the table. Remote failures never
// abort the cycle for other entries; they are collected into the result and
// retried by the queue's backoff policy.
func (s *Syncer) Sync(ctx context.Context, table string, dir Direction) Result {
	res := Result{Success: true, Errors: []string{}}

	if !s.tryAcquire(table) {
		res.Success = false
		res.Errors = append(res.Errors, ErrSyncInProgress.Error())
		return res
	}
	defer s.release(table)

	if !s.monitor.IsOnline() {
		res.Success = false
		res.Errors = append(res.Errors, "device is offline")
		return res
	}
	if !s.prober.IsBackendResponsive(ctx) {
		res.Success = false
		res.Errors = append(res.Errors, ErrRemoteUnreachable.Error())
		return res
	}

	// One remote read up front: it feeds divergence detection during the
	// push phase and is applied afterwards as the pull phase. Writes still
	// happen push-first, so a freshly pulled remote copy cannot mask an
	// unsynced local edit made in the same cycle.
	var rows []map[string]any
	if dir == DirectionRemoteToLocal || dir == DirectionBidirectional {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		var err error
		rows, err = s.backend.SelectAll(opCtx, table, s.pullLimit)
		cancel()
		if err != nil {
			rows = nil
			res.Errors = append(res.Errors, fmt.Sprintf("failed to pull %s: %v", table, err))
		}
	}

	deleted := make(map[string]bool)
	if dir == DirectionLocalToRemote || dir == DirectionBidirectional {
		s.push(ctx, table, snapshotByID(rows), deleted, &res)
	}
	if dir == DirectionRemoteToLocal || dir == DirectionBidirectional {
		s.pull(table, rows, deleted, &res)
	}

	if len(res.Errors) > 0 {
		res.Success = false
	}
	s.recordLastSync(table)

	logger.Log.Info("Sync cycle finished",
		zap.String("table", table),
		zap.String("direction", string(dir)),
		zap.Int("localToRemote", res.LocalToRemote),
		zap.Int("remoteToLocal", res.RemoteToLocal),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("errors", len(res.Errors)),
	)
	return res
}

func (s *Syncer) push(ctx context.Context, table string, snapshot map[string]map[string]any, deleted map[string]bool, res *Result) {
	// Only entries past their backoff window; a nacked entry sits the cycle
	// out until its next attempt comes due.
	entries, err := s.queue.Due(table, time.Now())
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("failed to read sync queue: %v", err))
		return
	}

	for _, entry := range entries {
		if s.reconcileBeforePush(table, entry, snapshot, res) {
			continue
		}
		if err := s.PushEntry(ctx, entry); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s/%s: %v", entry.Table, entry.RecordID, err))
			continue
		}
		if entry.Operation == store.OpDelete {
			deleted[entry.RecordID] = true
		}
		res.LocalToRemote++
	}
}

// reconcileBeforePush guards a queued intent against a remote row that
// changed after the local edit. A blind upsert would let a stale local write
// clobber a genuinely newer remote one; instead the divergence goes through
// the resolver first. Returns true when the entry must not be pushed.
func (s *Syncer) reconcileBeforePush(table string, entry *store.QueueEntry, snapshot map[string]map[string]any, res *Result) bool {
	if snapshot == nil {
		return false
	}
	row, ok := snapshot[entry.RecordID]
	if !ok {
		return false
	}
	local, err := s.store.GetRecord(table, entry.RecordID)
	if err != nil || local == nil {
		return false
	}

	remoteRec := remoteRecord(table, entry.RecordID, row)
	if remoteRec.Checksum == local.Checksum || !remoteRec.LastModified.After(local.LastModified) {
		return false
	}

	winner, conflict := s.resolver.Merge(local, remoteRec, s.policyFor(table))
	if conflict != nil {
		if err := s.store.CreateConflict(conflict); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("conflict write %s/%s: %v", table, entry.RecordID, err))
			return true
		}
		s.setRecordState(table, entry.RecordID, store.StateConflict)
		res.Conflicts++
		return true
	}
	if winner.SyncState != store.StateSynced {
		// Local side won; push it.
		return false
	}

	// Remote won: retire the queued intent first, and only the exact intent
	// this decision was made against. A store() racing in between keeps its
	// newer entry and the resolution is abandoned.
	acked, err := s.queue.Ack(entry.ID, entry.EnqueuedAt)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("queue ack %s/%s: %v", table, entry.RecordID, err))
		return true
	}
	if !acked {
		return true
	}
	if err := s.store.PutRecord(winner); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("local write %s/%s: %v", table, entry.RecordID, err))
		return true
	}
	s.cache.Invalidate(table, entry.RecordID)
	res.RemoteToLocal++
	return true
}

// PushEntry applies one queued mutation to the remote backend, stamping
// last_modified at push time. Success acks the entry and marks the record
// synced; failure nacks it and, for a definitive rejection past the retry
// cap, escalates to a content conflict instead of retrying forever.
func (s *Syncer) PushEntry(ctx context.Context, entry *store.QueueEntry) error {
	s.setRecordState(entry.Table, entry.RecordID, store.StateSyncing)

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stamp := time.Now().UTC()
	var err error
	switch entry.Operation {
	case store.OpCreate:
		err = s.backend.Insert(opCtx, entry.Table, stampedRow(entry, stamp))
	case store.OpUpdate:
		err = s.backend.Update(opCtx, entry.Table, entry.RecordID, stampedRow(entry, stamp))
	case store.OpDelete:
		err = s.backend.Delete(opCtx, entry.Table, entry.RecordID)
	default:
		err = &remote.RejectedError{
			Op:    string(entry.Operation),
			Table: entry.Table,
			Err:   fmt.Errorf("unknown operation"),
		}
	}

	if err != nil {
		s.setRecordState(entry.Table, entry.RecordID, store.StateLocalOnly)
		if nackErr := s.queue.Nack(entry.ID, err); nackErr != nil {
			logger.Log.Error("Failed to nack queue entry",
				zap.String("entry", entry.ID), zap.Error(nackErr))
		}
		if remote.IsRejected(err) {
			s.maybeEscalate(entry, err)
		}
		return err
	}

	acked, ackErr := s.queue.Ack(entry.ID, entry.EnqueuedAt)
	if ackErr != nil {
		return ackErr
	}
	if !acked {
		// A newer intent replaced this entry while the push was in flight.
		// It stays queued, its record stays pending, and the remote copy is
		// corrected by the newer intent's own push.
		s.setRecordState(entry.Table, entry.RecordID, store.StateLocalOnly)
		logger.Log.Debug("Push superseded in flight",
			zap.String("table", entry.Table),
			zap.String("id", entry.RecordID),
		)
		return nil
	}

	if entry.Operation == store.OpDelete {
		// Tombstone confirmed remotely; safe to purge.
		if delErr := s.store.DeleteRecord(entry.Table, entry.RecordID); delErr != nil {
			return delErr
		}
	} else {
		rec, getErr := s.store.GetRecord(entry.Table, entry.RecordID)
		if getErr != nil {
			return getErr
		}
		if rec != nil {
			rec.SyncState = store.StateSynced
			rec.LastModified = stamp
			if putErr := s.store.PutRecord(rec); putErr != nil {
				return putErr
			}
		}
	}

	s.cache.Invalidate(entry.Table, entry.RecordID)
	logger.Log.Debug("Pushed mutation",
		zap.String("table", entry.Table),
		zap.String("id", entry.RecordID),
		zap.String("operation", string(entry.Operation)),
	)
	return nil
}

// maybeEscalate turns a repeatedly rejected entry into a content conflict.
// The entry itself stays queued so it is never silently dropped.
func (s *Syncer) maybeEscalate(entry *store.QueueEntry, cause error) {
	fresh, err := s.queue.Entry(entry.ID)
	if err != nil || fresh == nil || !s.queue.Exhausted(fresh) {
		return
	}

	existing, err := s.store.ListConflicts()
	if err != nil {
		return
	}
	for _, c := range existing {
		if c.Table == entry.Table && c.RecordID == entry.RecordID {
			return
		}
	}

	local, err := s.store.GetRecord(entry.Table, entry.RecordID)
	if err != nil || local == nil {
		return
	}

	conflict := NewContentConflict(local, cause.Error())
	if err := s.store.CreateConflict(conflict); err != nil {
		logger.Log.Error("Failed to record escalated conflict", zap.Error(err))
		return
	}
	s.setRecordState(entry.Table, entry.RecordID, store.StateConflict)
	logger.Log.Warn("Escalated rejected push to conflict",
		zap.String("table", entry.Table),
		zap.String("id", entry.RecordID),
		zap.Int("retries", fresh.RetryCount),
	)
}

func (s *Syncer) pull(table string, rows []map[string]any, deleted map[string]bool, res *Result) {
	for _, row := range rows {
		id, ok := rowID(row)
		if !ok {
			continue
		}
		if deleted[id] {
			// The snapshot predates a delete pushed this cycle; the row is
			// already gone on both sides.
			continue
		}
		remoteRec := remoteRecord(table, id, row)

		local, err := s.store.GetRecord(table, id)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("local read %s/%s: %v", table, id, err))
			return
		}

		switch {
		case local == nil:
			// New on the remote side; hydrate without a queue entry.
			if err := s.store.PutRecord(remoteRec); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("local write %s/%s: %v", table, id, err))
				return
			}
			res.RemoteToLocal++

		case local.SyncState == store.StateConflict:
			// Already awaiting manual resolution.

		case local.Tombstone() && local.SyncState != store.StateSynced:
			// Pending delete; the remote row will go on the next push.

		case local.SyncState == store.StateSynced:
			// The snapshot predates this cycle's pushes; only adopt rows
			// that are genuinely newer than the local copy.
			if local.Checksum != remoteRec.Checksum && remoteRec.LastModified.After(local.LastModified) {
				if err := s.store.PutRecord(remoteRec); err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("local write %s/%s: %v", table, id, err))
					return
				}
				s.cache.Invalidate(table, id)
				res.RemoteToLocal++
			}

		default:
			// Both sides changed since the last reconciliation.
			winner, conflict := s.resolver.Merge(local, remoteRec, s.policyFor(table))
			if conflict != nil {
				if err := s.store.CreateConflict(conflict); err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("conflict write %s/%s: %v", table, id, err))
					return
				}
				s.setRecordState(table, id, store.StateConflict)
				res.Conflicts++
				continue
			}
			if winner.SyncState == store.StateSynced {
				// Remote won (or contents matched): retire the pending
				// intent, unless a newer one landed since this record was
				// read, in which case both stay as they are.
				entry, err := s.queue.Entry(store.QueueEntryID(table, id))
				if err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("queue read %s/%s: %v", table, id, err))
					return
				}
				if entry != nil {
					acked, err := s.queue.Ack(entry.ID, entry.EnqueuedAt)
					if err != nil {
						res.Errors = append(res.Errors, fmt.Sprintf("queue ack %s/%s: %v", table, id, err))
						return
					}
					if !acked {
						continue
					}
				}
				if err := s.store.PutRecord(winner); err != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("local write %s/%s: %v", table, id, err))
					return
				}
				s.cache.Invalidate(table, id)
				res.RemoteToLocal++
			}
			// Local won: the record stays pending and the push phase
			// carries it out.
		}
	}
}

// ForcePull replaces the local view of the table with the remote snapshot,
// marking everything synced. Pending local intents are left queued.
func (s *Syncer) ForcePull(ctx context.Context, table string) (int, error) {
	if !s.tryAcquire(table) {
		return 0, ErrSyncInProgress
	}
	defer s.release(table)

	if !s.prober.IsBackendResponsive(ctx) {
		return 0, ErrRemoteUnreachable
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.backend.SelectAll(opCtx, table, s.pullLimit)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, row := range rows {
		id, ok := rowID(row)
		if !ok {
			continue
		}
		if err := s.store.PutRecord(remoteRecord(table, id, row)); err != nil {
			return count, err
		}
		count++
	}

	s.cache.InvalidateTable(table)
	s.recordLastSync(table)
	return count, nil
}

func (s *Syncer) setRecordState(table, id string, state store.SyncState) {
	rec, err := s.store.GetRecord(table, id)
	if err != nil || rec == nil {
		return
	}
	rec.SyncState = state
	if err := s.store.PutRecord(rec); err != nil {
		logger.Log.Error("Failed to update record state",
			zap.String("table", table), zap.String("id", id), zap.Error(err))
	}
}

func (s *Syncer) recordLastSync(table string) {
	now := time.Now()
	if err := s.store.SetAppData(lastSyncKey(table), now); err != nil {
		logger.Log.Error("Failed to record last sync time", zap.Error(err))
		return
	}
	_ = s.store.SetAppData(lastSyncKey(""), now)
}

func stampedRow(entry *store.QueueEntry, stamp time.Time) map[string]any {
	row := make(map[string]any, len(entry.Payload)+2)
	for k, v := range entry.Payload {
		row[k] = v
	}
	row["id"] = entry.RecordID
	row["last_modified"] = stamp.Format(time.RFC3339Nano)
	return row
}

func snapshotByID(rows []map[string]any) map[string]map[string]any {
	if rows == nil {
		return nil
	}
	byID := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		if id, ok := rowID(row); ok {
			byID[id] = row
		}
	}
	return byID
}

func rowID(row map[string]any) (string, bool) {
	switch id := row["id"].(type) {
	case string:
		return id, id != ""
	case []byte:
		return string(id), len(id) > 0
	default:
		return "", false
	}
}

// remoteRecord wraps a pulled row into a synced record. Version is advisory
// and not authoritative across devices, so a pulled row resets it to 1.
func remoteRecord(table, id string, row map[string]any) *store.Record {
	return &store.Record{
		Table:        table,
		ID:           id,
		Payload:      row,
		LastModified: rowLastModified(row),
		Version:      1,
		Checksum:     store.Checksum(row),
		SyncState:    store.StateSynced,
		Operation:    store.OpUpdate,
	}
}

func rowLastModified(row map[string]any) time.Time {
	switch v := row["last_modified"].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
