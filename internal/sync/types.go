package sync

import (
	"errors"
	"time"

	"offline-sync-service/internal/store"
)

// Policy selects how a local/remote divergence is resolved.
type Policy string

const (
	// PolicyLocalWins keeps the local payload outright.
	PolicyLocalWins Policy = "local-wins"
	// PolicyRemoteWins discards local changes once remote has a newer
	// confirmed write.
	PolicyRemoteWins Policy = "remote-wins"
	// PolicyLatestWins compares last-modified timestamps; the greater one
	// wins, ties go to remote for determinism. Timestamps come from
	// independent device clocks, so skew can make an older edit win.
	PolicyLatestWins Policy = "latest-wins"
	// PolicyManual resolves nothing; a Conflict is recorded for the caller.
	PolicyManual Policy = "manual"
)

func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case PolicyLocalWins, PolicyRemoteWins, PolicyLatestWins, PolicyManual:
		return Policy(s)
	default:
		return PolicyLatestWins
	}
}

type Direction string

const (
	DirectionLocalToRemote Direction = "local-to-remote"
	DirectionRemoteToLocal Direction = "remote-to-local"
	DirectionBidirectional Direction = "bidirectional"
)

// Choice is an explicit caller decision on a recorded conflict. ChoiceMerge
// shallow-merges remote as the base with local fields overlaid.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceMerge  Choice = "merge"
)

// Result reports one sync run for a table.
type Result struct {
	Success       bool     `json:"success"`
	LocalToRemote int      `json:"local_to_remote"`
	RemoteToLocal int      `json:"remote_to_local"`
	Conflicts     int      `json:"conflicts"`
	Errors        []string `json:"errors"`
}

// StoreResult reports where a store() landed. Source is "local-only" until a
// later push confirms the remote side; the write path itself never waits on
// the network.
type StoreResult struct {
	Success bool   `json:"success"`
	Source  string `json:"source"`
	Error   string `json:"error,omitempty"`
}

type RetrieveResult struct {
	Data      []map[string]any `json:"data"`
	Source    string           `json:"source"`
	Timestamp time.Time        `json:"timestamp"`
}

type Status struct {
	Pending   int        `json:"pending"`
	Unsynced  int        `json:"unsynced"`
	Conflicts int        `json:"conflicts"`
	LastSync  *time.Time `json:"last_sync"`
}

var (
	// ErrLocalWrite marks a fatal local storage failure (exhaustion,
	// corruption). Unlike connectivity problems it is surfaced to the caller.
	ErrLocalWrite = errors.New("local write failed")
	// ErrRemoteUnreachable is the soft failure: device offline or backend
	// probe failed. It never fails a store(); the queue retries later.
	ErrRemoteUnreachable = errors.New("remote backend is not responsive")
	// ErrSyncInProgress means a run for the table is already active; the
	// request is coalesced into it.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrStaleWrite means the record changed between the caller's read and
	// write (version mismatch).
	ErrStaleWrite = errors.New("record changed since read")
	// ErrConflictNotFound is returned when resolving an unknown conflict id.
	ErrConflictNotFound = errors.New("conflict not found")
)

// lastSyncKey is the app_data key tracking the last successful sync per
// table; the bare key tracks the engine-wide one.
func lastSyncKey(table string) string {
	if table == "" {
		return "last_sync"
	}
	return "last_sync:" + table
}

func payloadOf(rec *store.Record) map[string]any {
	if rec == nil {
		return nil
	}
	return rec.Payload
}
