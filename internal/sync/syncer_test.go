package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/store"
)

func TestSyncPushesQueuedCreate(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpCreate, time.Now())

	res := f.syncer.Sync(context.Background(), "orders", DirectionBidirectional)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.LocalToRemote)

	row := f.backend.row("orders", "o1")
	require.NotNil(t, row)
	assert.EqualValues(t, 120, row["total"])
	assert.NotEmpty(t, row["last_modified"])

	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StateSynced, rec.SyncState)

	pending, err := f.queue.PendingCount("orders")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSyncRefusesWhenDeviceOffline(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpCreate, time.Now())
	f.syncer.monitor.SetForcedOffline(true)

	res := f.syncer.Sync(context.Background(), "orders", DirectionBidirectional)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "offline")

	assert.Zero(t, f.backend.rowCount("orders"))
	pending, _ := f.queue.PendingCount("orders")
	assert.Equal(t, 1, pending)
}

func TestSyncRefusesWhenBackendUnresponsive(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpCreate, time.Now())
	f.backend.setPingErr(errUnreachable())

	res := f.syncer.Sync(context.Background(), "orders", DirectionBidirectional)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "not responsive")

	// Untouched queue: no attempt was burned.
	entry, err := f.queue.Entry(store.QueueEntryID("orders", "o1"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Zero(t, entry.RetryCount)
}

func TestSyncPushFailureNacksAndContinues(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpCreate, time.Now())
	f.storePending(t, "orders", "o2", map[string]any{"total": 80}, store.OpCreate, time.Now())
	f.backend.setOpErr(errUnreachable())

	res := f.syncer.Sync(context.Background(), "orders", DirectionLocalToRemote)
	assert.False(t, res.Success)
	assert.Len(t, res.Errors, 2, "one failure must not stop the rest of the queue")

	for _, id := range []string{"o1", "o2"} {
		entry, err := f.queue.Entry(store.QueueEntryID("orders", id))
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, 1, entry.RetryCount)
		assert.Contains(t, entry.LastError, "unreachable")
		assert.True(t, entry.NextAttemptAt.After(entry.EnqueuedAt))

		rec, err := f.store.GetRecord("orders", id)
		require.NoError(t, err)
		assert.Equal(t, store.StateLocalOnly, rec.SyncState)
	}
}

func TestRejectedPushEscalatesToConflict(t *testing.T) {
	f := newSyncerFixtureRetries(t, PolicyLatestWins, 1)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpCreate, time.Now())
	f.backend.setOpErr(errRejected("orders"))

	res := f.syncer.Sync(context.Background(), "orders", DirectionLocalToRemote)
	assert.False(t, res.Success)

	conflicts, err := f.store.ListConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, store.ConflictContent, conflicts[0].Type)
	assert.Contains(t, conflicts[0].Remote.Payload["rejection"], "constraint violation")

	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, store.StateConflict, rec.SyncState)

	// Escalation never drops the entry.
	entry, err := f.queue.Entry(store.QueueEntryID("orders", "o1"))
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestPullHydratesNewRemoteRows(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	f.backend.seed("clients", "c1", map[string]any{"name": "Ama", "last_modified": stamp})
	f.backend.seed("clients", "c2", map[string]any{"name": "Kofi", "last_modified": stamp})

	res := f.syncer.Sync(context.Background(), "clients", DirectionRemoteToLocal)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 2, res.RemoteToLocal)

	rec, err := f.store.GetRecord("clients", "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Ama", rec.Payload["name"])
	assert.Equal(t, store.StateSynced, rec.SyncState)

	// Hydrated rows never queue an echo back to the remote.
	pending, _ := f.queue.PendingCount("clients")
	assert.Zero(t, pending)
}

func TestLatestWinsRemoteNewerSupersedesStalePush(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	base := time.Now().Add(-time.Hour)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpUpdate, base)
	f.backend.seed("orders", "o1", map[string]any{
		"total":         150,
		"last_modified": base.Add(30 * time.Minute).UTC().Format(time.RFC3339Nano),
	})

	res := f.syncer.Sync(context.Background(), "orders", DirectionBidirectional)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.RemoteToLocal)
	assert.Zero(t, res.LocalToRemote)

	// The stale local edit never reached the remote.
	assert.Zero(t, f.backend.inserts)
	assert.Zero(t, f.backend.updates)
	assert.Equal(t, 150, f.backend.row("orders", "o1")["total"])

	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	assert.EqualValues(t, 150, rec.Payload["total"])
	assert.Equal(t, store.StateSynced, rec.SyncState)

	pending, _ := f.queue.PendingCount("orders")
	assert.Zero(t, pending)
}

func TestLatestWinsLocalNewerPushes(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	base := time.Now().Add(-time.Hour)
	f.backend.seed("orders", "o1", map[string]any{
		"total":         150,
		"last_modified": base.UTC().Format(time.RFC3339Nano),
	})
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpUpdate, base.Add(30*time.Minute))

	res := f.syncer.Sync(context.Background(), "orders", DirectionBidirectional)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.LocalToRemote)

	assert.EqualValues(t, 120, f.backend.row("orders", "o1")["total"])

	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	assert.EqualValues(t, 120, rec.Payload["total"])
	assert.Equal(t, store.StateSynced, rec.SyncState)
}

func TestManualPolicyRecordsConflictAndHoldsEntry(t *testing.T) {
	f := newSyncerFixture(t, PolicyManual)
	base := time.Now().Add(-time.Hour)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpUpdate, base)
	f.backend.seed("orders", "o1", map[string]any{
		"total":         150,
		"last_modified": base.Add(time.Minute).UTC().Format(time.RFC3339Nano),
	})

	res := f.syncer.Sync(context.Background(), "orders", DirectionBidirectional)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.Conflicts)

	conflicts, err := f.store.ListConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "o1", conflicts[0].RecordID)

	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, store.StateConflict, rec.SyncState)

	// Neither side moves until the conflict is resolved.
	assert.Equal(t, 150, f.backend.row("orders", "o1")["total"])
	pending, _ := f.queue.PendingCount("orders")
	assert.Equal(t, 1, pending)
}

func TestDeletePushPurgesTombstone(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	base := time.Now().Add(-time.Hour)
	f.backend.seed("orders", "o1", map[string]any{
		"total":         150,
		"last_modified": base.UTC().Format(time.RFC3339Nano),
	})
	f.storePending(t, "orders", "o1", map[string]any{"total": 150}, store.OpDelete, time.Now())

	res := f.syncer.Sync(context.Background(), "orders", DirectionBidirectional)
	require.True(t, res.Success, "errors: %v", res.Errors)

	assert.Nil(t, f.backend.row("orders", "o1"))
	assert.Equal(t, 1, f.backend.deletes)

	// The tombstone is purged after the remote ack and the pull phase must
	// not resurrect it from the pre-push snapshot.
	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	pending, _ := f.queue.PendingCount("orders")
	assert.Zero(t, pending)
}

func TestPushSupersededInFlightKeepsNewerIntent(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpCreate, time.Now())

	pushed, err := f.queue.Entry(store.QueueEntryID("orders", "o1"))
	require.NoError(t, err)
	require.NotNil(t, pushed)

	// A new write lands while the first push is in flight.
	time.Sleep(time.Millisecond)
	f.storePending(t, "orders", "o1", map[string]any{"total": 200}, store.OpUpdate, time.Now())

	require.NoError(t, f.syncer.PushEntry(context.Background(), pushed))

	// The newer intent survives; the stale ack must not retire it.
	entry, err := f.queue.Entry(store.QueueEntryID("orders", "o1"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.EqualValues(t, 200, entry.Payload["total"])

	pending, err := f.queue.PendingCount("orders")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// The record stays pending rather than being marked synced against a
	// remote copy that still holds the old payload.
	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StateLocalOnly, rec.SyncState)
	assert.EqualValues(t, 200, rec.Payload["total"])

	// The newer intent's own push corrects the remote side.
	require.NoError(t, f.syncer.PushEntry(context.Background(), entry))
	assert.EqualValues(t, 200, f.backend.row("orders", "o1")["total"])
	pending, err = f.queue.PendingCount("orders")
	require.NoError(t, err)
	assert.Zero(t, pending)
	rec, err = f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, store.StateSynced, rec.SyncState)
}

func TestSupersededDeleteDoesNotPurgeRecord(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpDelete, time.Now())

	pushed, err := f.queue.Entry(store.QueueEntryID("orders", "o1"))
	require.NoError(t, err)

	// The record is re-created while the delete push is in flight.
	time.Sleep(time.Millisecond)
	f.storePending(t, "orders", "o1", map[string]any{"total": 300}, store.OpCreate, time.Now())

	require.NoError(t, f.syncer.PushEntry(context.Background(), pushed))

	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	require.NotNil(t, rec, "a superseded delete ack must not purge the re-created record")
	assert.EqualValues(t, 300, rec.Payload["total"])

	pending, err := f.queue.PendingCount("orders")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestPushRespectsBackoffWindow(t *testing.T) {
	f := newSyncerFixtureOpts(t, PolicyLatestWins, 3, time.Hour)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpCreate, time.Now())
	f.backend.setOpErr(errUnreachable())

	res := f.syncer.Sync(context.Background(), "orders", DirectionLocalToRemote)
	assert.False(t, res.Success)

	// The backend recovers, but the entry's next attempt is an hour out;
	// the following cycle must leave it alone.
	f.backend.setOpErr(nil)
	res = f.syncer.Sync(context.Background(), "orders", DirectionLocalToRemote)
	assert.True(t, res.Success, "errors: %v", res.Errors)
	assert.Zero(t, res.LocalToRemote)
	assert.Zero(t, f.backend.inserts)
	pending, err := f.queue.PendingCount("orders")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// Once the window elapses the entry is pushed again.
	entry, err := f.queue.Entry(store.QueueEntryID("orders", "o1"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	entry.NextAttemptAt = time.Now().Add(-time.Second)
	require.NoError(t, f.store.PutQueueEntry(entry))

	res = f.syncer.Sync(context.Background(), "orders", DirectionLocalToRemote)
	assert.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.LocalToRemote)
	assert.Equal(t, 1, f.backend.inserts)
}

func TestPushEntryReplayIsIdempotent(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpCreate, time.Now())

	entry, err := f.queue.Entry(store.QueueEntryID("orders", "o1"))
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, f.syncer.PushEntry(context.Background(), entry))
	require.NoError(t, f.syncer.PushEntry(context.Background(), entry))

	assert.Equal(t, 1, f.backend.rowCount("orders"))
}

func TestPullShortCircuitWithDriverTypedRows(t *testing.T) {
	// database/sql scans text columns back as strings; same-content rows must
	// still short-circuit as a no-op even under the manual policy.
	f := newSyncerFixture(t, PolicyManual)
	base := time.Now().Add(-time.Hour)
	f.storePending(t, "clients", "c1", map[string]any{"name": "Ama", "phone": "0244"}, store.OpUpdate, base)
	f.backend.seed("clients", "c1", map[string]any{
		"name":          "Ama",
		"phone":         "0244",
		"last_modified": base.Add(time.Minute).UTC().Format(time.RFC3339Nano),
	})

	res := f.syncer.Sync(context.Background(), "clients", DirectionRemoteToLocal)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Zero(t, res.Conflicts)

	conflicts, err := f.store.ListConflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	rec, err := f.store.GetRecord("clients", "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StateSynced, rec.SyncState)

	pending, err := f.queue.PendingCount("clients")
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, f.backend.inserts)
	assert.Zero(t, f.backend.updates)
}

func TestChecksumTypeMismatchFallsBackToPolicy(t *testing.T) {
	// A numeric payload against a string column value is a real divergence,
	// not a no-op; it goes through the policy like any other difference.
	f := newSyncerFixture(t, PolicyLatestWins)
	base := time.Now().Add(-time.Hour)
	f.backend.seed("orders", "o1", map[string]any{
		"total":         "120",
		"last_modified": base.UTC().Format(time.RFC3339Nano),
	})
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpUpdate, base.Add(time.Minute))

	res := f.syncer.Sync(context.Background(), "orders", DirectionBidirectional)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, 1, res.LocalToRemote)
	assert.Zero(t, res.Conflicts)

	assert.EqualValues(t, 120, f.backend.row("orders", "o1")["total"])
	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	assert.Equal(t, store.StateSynced, rec.SyncState)
}

func TestSyncCoalescesPerTable(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	require.True(t, f.syncer.tryAcquire("orders"))
	defer f.syncer.release("orders")

	res := f.syncer.Sync(context.Background(), "orders", DirectionBidirectional)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ErrSyncInProgress.Error(), res.Errors[0])

	// Another table is unaffected.
	other := f.syncer.Sync(context.Background(), "clients", DirectionBidirectional)
	assert.True(t, other.Success)
}

func TestForcePullReplacesLocalView(t *testing.T) {
	f := newSyncerFixture(t, PolicyLatestWins)
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	f.backend.seed("orders", "o1", map[string]any{"total": 150, "last_modified": stamp})
	f.backend.seed("orders", "o2", map[string]any{"total": 90, "last_modified": stamp})
	f.storePending(t, "orders", "o1", map[string]any{"total": 120}, store.OpUpdate, time.Now())

	count, err := f.syncer.ForcePull(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rec, err := f.store.GetRecord("orders", "o1")
	require.NoError(t, err)
	assert.EqualValues(t, 150, rec.Payload["total"])
	assert.Equal(t, store.StateSynced, rec.SyncState)

	// Pending intents survive a forced pull.
	pending, _ := f.queue.PendingCount("orders")
	assert.Equal(t, 1, pending)
}
