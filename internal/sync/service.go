package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/cache"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/network"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

// Service is the offline-first façade callers talk to. Local writes always
// succeed or fail on storage alone; the network is never on the write path.
// All collaborators are injected so instances stay isolated and testable.
type Service struct {
	cfg      *config.Config
	store    store.Store
	queue    *queue.Queue
	cache    *cache.Cache
	monitor  *network.Monitor
	prober   *network.Prober
	backend  remote.Backend
	resolver *Resolver
	syncer   *Syncer

	offline     atomic.Bool
	unsubscribe func()
	pushes      gosync.WaitGroup
}

func NewService(cfg *config.Config, st store.Store, backend remote.Backend, monitor *network.Monitor) *Service {
	q := queue.New(st, cfg.Sync.MaxRetries, cfg.Sync.GetRetryBaseDelay())
	readCache := cache.New(cfg.Sync.GetCacheTTL())
	prober := network.NewProber(backend, monitor, cfg.Network.GetProberTimeout())
	resolver := NewResolver()

	policyFor := func(table string) Policy {
		return ParsePolicy(cfg.Sync.PolicyFor(table))
	}

	s := &Service{
		cfg:      cfg,
		store:    st,
		queue:    q,
		cache:    readCache,
		monitor:  monitor,
		prober:   prober,
		backend:  backend,
		resolver: resolver,
		syncer: NewSyncer(st, q, backend, monitor, prober, resolver, readCache,
			policyFor, cfg.Sync.GetSyncTimeout(), cfg.Sync.PullLimit),
	}

	// Reconnection kicks off a full background sync, picking up whatever
	// queued up while offline.
	s.unsubscribe = monitor.Subscribe(func(st network.Status) {
		if st.Online && !s.offline.Load() {
			logger.Log.Info("Network back online, starting sync")
			go s.SyncAll(context.Background())
		}
	})

	return s
}

func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.pushes.Wait()
}

// Store writes locally, enqueues the sync intent, and schedules a detached
// push. It reports "local-only": the remote side catches up out of band, and
// connectivity problems never surface here. The only returned errors are
// local storage failures, which are fatal and the caller's to retry.
func (s *Service) Store(ctx context.Context, table, id string, payload map[string]any, op store.Operation) (StoreResult, error) {
	return s.storeRecord(ctx, table, id, payload, op, nil)
}

// CompareAndStore is Store with a stale-write guard: the write only goes
// through if the record's current version still matches expectedVersion,
// otherwise ErrStaleWrite is returned and nothing changes.
func (s *Service) CompareAndStore(ctx context.Context, table, id string, payload map[string]any, op store.Operation, expectedVersion int64) (StoreResult, error) {
	return s.storeRecord(ctx, table, id, payload, op, &expectedVersion)
}

func (s *Service) storeRecord(ctx context.Context, table, id string, payload map[string]any, op store.Operation, expectedVersion *int64) (StoreResult, error) {
	prev, err := s.store.GetRecord(table, id)
	if err != nil {
		return StoreResult{Success: false, Source: "failed", Error: err.Error()},
			fmt.Errorf("local read failed: %w", err)
	}

	var version int64 = 1
	if prev != nil {
		if expectedVersion != nil && prev.Version != *expectedVersion {
			return StoreResult{Success: false, Source: "failed", Error: ErrStaleWrite.Error()},
				fmt.Errorf("%w: have %d, expected %d", ErrStaleWrite, prev.Version, *expectedVersion)
		}
		version = prev.Version + 1
	} else if expectedVersion != nil && *expectedVersion != 0 {
		return StoreResult{Success: false, Source: "failed", Error: ErrStaleWrite.Error()},
			fmt.Errorf("%w: record does not exist", ErrStaleWrite)
	}

	data := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data["id"] = id

	rec := &store.Record{
		Table:        table,
		ID:           id,
		Payload:      data,
		LastModified: time.Now(),
		Version:      version,
		Checksum:     store.Checksum(data),
		SyncState:    store.StateLocalOnly,
		Operation:    op,
	}

	if err := s.store.PutRecord(rec); err != nil {
		return StoreResult{Success: false, Source: "failed", Error: err.Error()},
			fmt.Errorf("%w: %v", ErrLocalWrite, err)
	}
	// Supersedes any pending entry for this key: latest intent wins.
	if err := s.queue.Enqueue(table, id, op, data); err != nil {
		return StoreResult{Success: false, Source: "failed", Error: err.Error()},
			fmt.Errorf("%w: %v", ErrLocalWrite, err)
	}
	s.cache.Invalidate(table, id)

	// Detached push; its failure is absorbed and retried on the next sync
	// window, never surfaced to this caller.
	if !s.offline.Load() {
		s.pushes.Add(1)
		go s.tryPush(store.QueueEntryID(table, id))
	}

	logger.Log.Debug("Stored locally",
		zap.String("table", table),
		zap.String("id", id),
		zap.String("operation", string(op)),
	)
	return StoreResult{Success: true, Source: "local-only"}, nil
}

func (s *Service) tryPush(entryID string) {
	defer s.pushes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Sync.GetSyncTimeout())
	defer cancel()

	if s.offline.Load() || !s.prober.IsBackendResponsive(ctx) {
		logger.Log.Debug("Backend not responsive, mutation stays queued",
			zap.String("entry", entryID))
		return
	}

	entry, err := s.queue.Entry(entryID)
	if err != nil || entry == nil {
		// Superseded or already acked by a concurrent sync run.
		return
	}
	if err := s.syncer.PushEntry(ctx, entry); err != nil {
		logger.Log.Debug("Detached push failed, will retry",
			zap.String("entry", entryID), zap.Error(err))
	}
}

// Retrieve reads the cache, then the local store, and, when the backend is
// responsive, the remote table as well, merging the two views. The reported
// source tells the caller which layers answered.
func (s *Service) Retrieve(ctx context.Context, table, id string) (RetrieveResult, error) {
	now := time.Now()
	key := cache.Key(table, id)

	if recs, ok := s.cache.Get(key); ok {
		return RetrieveResult{Data: payloads(recs), Source: "cache", Timestamp: now}, nil
	}

	localRecs, err := s.localRecords(table, id)
	if err != nil {
		return RetrieveResult{}, fmt.Errorf("local read failed: %w", err)
	}

	var remoteRows []map[string]any
	remoteOK := false
	if !s.offline.Load() && s.monitor.IsOnline() && s.prober.IsBackendResponsive(ctx) {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.Sync.GetSyncTimeout())
		rows, rerr := s.backend.SelectAll(opCtx, table, s.cfg.Sync.PullLimit)
		cancel()
		if rerr != nil {
			logger.Log.Debug("Remote read failed, using local data",
				zap.String("table", table), zap.Error(rerr))
		} else {
			if id != "" {
				rows = filterRowsByID(rows, id)
			}
			remoteRows = rows
			remoteOK = true
		}
	}

	var merged []*store.Record
	var source string
	switch {
	case len(localRecs) > 0 && remoteOK:
		merged = s.mergeView(table, localRecs, remoteRows)
		source = "hybrid"
	case remoteOK:
		merged = make([]*store.Record, 0, len(remoteRows))
		for _, row := range remoteRows {
			if rid, ok := rowID(row); ok {
				merged = append(merged, remoteRecord(table, rid, row))
			}
		}
		source = "remote"
	default:
		merged = localRecs
		source = "local"
	}

	s.cache.Set(key, merged)
	return RetrieveResult{Data: payloads(merged), Source: source, Timestamp: now}, nil
}

func (s *Service) localRecords(table, id string) ([]*store.Record, error) {
	if id != "" {
		rec, err := s.store.GetRecord(table, id)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Tombstone() {
			return nil, nil
		}
		return []*store.Record{rec}, nil
	}

	all, err := s.store.GetAllRecords(table)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, rec := range all {
		if !rec.Tombstone() {
			live = append(live, rec)
		}
	}
	return live, nil
}

// mergeView combines the two reads for display without persisting anything;
// reconciliation proper happens in the sync cycle. A pair the manual policy
// cannot decide shows the remote side.
func (s *Service) mergeView(table string, local []*store.Record, remoteRows []map[string]any) []*store.Record {
	policy := ParsePolicy(s.cfg.Sync.PolicyFor(table))

	byID := make(map[string]*store.Record, len(remoteRows))
	order := make([]string, 0, len(remoteRows))
	for _, row := range remoteRows {
		id, ok := rowID(row)
		if !ok {
			continue
		}
		byID[id] = remoteRecord(table, id, row)
		order = append(order, id)
	}

	for _, loc := range local {
		rem, exists := byID[loc.ID]
		if !exists {
			// Local-only record still pending its first push.
			byID[loc.ID] = loc
			order = append(order, loc.ID)
			continue
		}
		winner, conflict := s.resolver.Merge(loc, rem, policy)
		if conflict != nil {
			continue
		}
		byID[loc.ID] = winner
	}

	merged := make([]*store.Record, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	return merged
}

// SyncNow runs one sync cycle for the table in the given direction.
func (s *Service) SyncNow(ctx context.Context, table string, dir Direction) Result {
	if s.offline.Load() {
		return Result{Success: false, Errors: []string{"offline mode is forced"}}
	}
	return s.syncer.Sync(ctx, table, dir)
}

// SyncAll runs a bidirectional cycle over every configured table.
func (s *Service) SyncAll(ctx context.Context) Result {
	total := Result{Success: true, Errors: []string{}}
	for _, table := range s.cfg.Sync.TableNames() {
		res := s.SyncNow(ctx, table, DirectionBidirectional)
		total.LocalToRemote += res.LocalToRemote
		total.RemoteToLocal += res.RemoteToLocal
		total.Conflicts += res.Conflicts
		total.Errors = append(total.Errors, res.Errors...)
	}
	total.Success = len(total.Errors) == 0
	return total
}

// ForcePull replaces the local view of the table with the remote snapshot.
func (s *Service) ForcePull(ctx context.Context, table string) (int, error) {
	if s.offline.Load() {
		return 0, ErrRemoteUnreachable
	}
	return s.syncer.ForcePull(ctx, table)
}

func (s *Service) SyncStatus() (Status, error) {
	pending, err := s.queue.PendingCount("")
	if err != nil {
		return Status{}, err
	}
	conflicts, err := s.store.ListConflicts()
	if err != nil {
		return Status{}, err
	}
	unsynced := 0
	for _, table := range s.cfg.Sync.TableNames() {
		recs, err := s.store.GetUnsynced(table)
		if err != nil {
			return Status{}, err
		}
		unsynced += len(recs)
	}

	st := Status{Pending: pending, Unsynced: unsynced, Conflicts: len(conflicts)}
	var last time.Time
	if found, err := s.store.GetAppData(lastSyncKey(""), &last); err == nil && found {
		st.LastSync = &last
	}
	return st, nil
}

func (s *Service) ListConflicts() ([]*store.Conflict, error) {
	return s.store.ListConflicts()
}

// ResolveConflict applies the caller's choice, stores the resolved payload as
// a fresh local mutation (which re-enters the push pipeline), and retires the
// conflict.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, choice Choice) error {
	conflict, err := s.store.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if conflict == nil {
		return ErrConflictNotFound
	}

	resolved, err := s.resolver.Resolve(conflict, choice)
	if err != nil {
		return err
	}

	if _, err := s.Store(ctx, conflict.Table, conflict.RecordID, resolved, store.OpUpdate); err != nil {
		return err
	}
	if err := s.store.DeleteConflict(conflictID); err != nil {
		return err
	}

	logger.Log.Info("Conflict resolved",
		zap.String("table", conflict.Table),
		zap.String("id", conflict.RecordID),
		zap.String("choice", string(choice)),
	)
	return nil
}

func (s *Service) ClearCache() {
	s.cache.Clear()
}

// ClearLocal drops the local records of one table, or every local partition
// including the queue and conflicts when table is empty. Per-table clears
// leave queued intents alone; entries carry their own payload and still push.
func (s *Service) ClearLocal(table string) error {
	if table == "" {
		if err := s.store.ClearAll(); err != nil {
			return err
		}
		s.cache.Clear()
		logger.Log.Warn("Cleared all local data")
		return nil
	}
	if err := s.store.Clear(table); err != nil {
		return err
	}
	s.cache.InvalidateTable(table)
	logger.Log.Info("Cleared local table", zap.String("table", table))
	return nil
}

// SetOfflineMode forces local-only behavior for testing and ops. While
// forced, detached pushes and sync runs are suppressed and the monitor
// reports offline.
func (s *Service) SetOfflineMode(offline bool) {
	s.offline.Store(offline)
	s.monitor.SetForcedOffline(offline)
}

func (s *Service) NetworkStatus() network.Status {
	return s.monitor.Status()
}

func payloads(recs []*store.Record) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, payloadOf(rec))
	}
	return out
}

func filterRowsByID(rows []map[string]any, id string) []map[string]any {
	filtered := rows[:0]
	for _, row := range rows {
		if rid, ok := rowID(row); ok && rid == id {
			filtered = append(filtered, row)
		}
	}
	return filtered
}
