package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/cache"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/network"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

// fakeBackend is an in-memory remote.Backend with scriptable failures.
// Upsert semantics match the real backend: replayed pushes never duplicate.
type fakeBackend struct {
	mu      gosync.Mutex
	tables  map[string]map[string]map[string]any
	pingErr error
	opErr   error
	inserts int
	updates int
	deletes int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tables: make(map[string]map[string]map[string]any)}
}

func errUnreachable() error {
	return fmt.Errorf("%w: dial tcp: connection refused", remote.ErrUnreachable)
}

func errRejected(table string) error {
	return &remote.RejectedError{Op: "insert", Table: table, Err: errors.New("constraint violation")}
}

func (f *fakeBackend) table(name string) map[string]map[string]any {
	if f.tables[name] == nil {
		f.tables[name] = make(map[string]map[string]any)
	}
	return f.tables[name]
}

func (f *fakeBackend) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) setOpErr(err error) {
	f.mu.Lock()
	f.opErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) seed(table, id string, row map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row["id"] = id
	f.table(table)[id] = row
}

func (f *fakeBackend) row(table, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table(table)[id]
}

func (f *fakeBackend) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.table(table))
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeBackend) Insert(ctx context.Context, table string, row map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opErr != nil {
		return f.opErr
	}
	f.inserts++
	id, _ := row["id"].(string)
	f.table(table)[id] = row
	return nil
}

func (f *fakeBackend) Update(ctx context.Context, table, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opErr != nil {
		return f.opErr
	}
	f.updates++
	row := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		row[k] = v
	}
	row["id"] = id
	f.table(table)[id] = row
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opErr != nil {
		return f.opErr
	}
	f.deletes++
	delete(f.table(table), id)
	return nil
}

func (f *fakeBackend) SelectAll(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opErr != nil {
		return nil, f.opErr
	}
	rows := make([]map[string]any, 0, len(f.table(table)))
	for _, row := range f.table(table) {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		li, _ := rows[i]["last_modified"].(string)
		lj, _ := rows[j]["last_modified"].(string)
		return li > lj
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeBackend) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			Tables:             []config.TableConfig{{Name: "orders"}, {Name: "clients"}},
			ConflictResolution: "latest-wins",
			MaxRetries:         3,
			RetryBaseDelay:     "10ms",
			SyncTimeout:        "2s",
			PullLimit:          100,
			CacheTTL:           "1m",
		},
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBadgerStore(config.StorageConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestMonitor(t *testing.T) *network.Monitor {
	t.Helper()
	m := network.NewMonitor(config.NetworkConfig{})
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

type syncerFixture struct {
	syncer  *Syncer
	store   store.Store
	queue   *queue.Queue
	cache   *cache.Cache
	backend *fakeBackend
}

func newSyncerFixture(t *testing.T, policy Policy) *syncerFixture {
	return newSyncerFixtureOpts(t, policy, 3, 10*time.Millisecond)
}

func newSyncerFixtureRetries(t *testing.T, policy Policy, maxRetries int) *syncerFixture {
	return newSyncerFixtureOpts(t, policy, maxRetries, 10*time.Millisecond)
}

func newSyncerFixtureOpts(t *testing.T, policy Policy, maxRetries int, baseDelay time.Duration) *syncerFixture {
	t.Helper()
	st := newTestStore(t)
	backend := newFakeBackend()
	q := queue.New(st, maxRetries, baseDelay)
	c := cache.New(time.Minute)
	monitor := newTestMonitor(t)
	prober := network.NewProber(backend, monitor, time.Second)

	syncer := NewSyncer(st, q, backend, monitor, prober, NewResolver(), c,
		func(string) Policy { return policy }, 2*time.Second, 100)

	return &syncerFixture{syncer: syncer, store: st, queue: q, cache: c, backend: backend}
}

// storePending seeds a local record with a matching queue entry, the way the
// façade's write path does.
func (f *syncerFixture) storePending(t *testing.T, table, id string, payload map[string]any, op store.Operation, modified time.Time) {
	t.Helper()
	data := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data["id"] = id
	require.NoError(t, f.store.PutRecord(&store.Record{
		Table:        table,
		ID:           id,
		Payload:      data,
		LastModified: modified,
		Version:      1,
		Checksum:     store.Checksum(data),
		SyncState:    store.StateLocalOnly,
		Operation:    op,
	}))
	require.NoError(t, f.queue.Enqueue(table, id, op, data))
}
