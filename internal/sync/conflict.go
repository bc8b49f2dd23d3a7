package sync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// Resolver applies the active conflict policy to a local/remote pair of the
// same record.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Merge resolves local against remote under the given policy. It returns the
// winning record, or a Conflict when the policy defers to the caller. Equal
// checksums short-circuit: there is nothing to merge, the record is synced.
func (r *Resolver) Merge(local, remote *store.Record, policy Policy) (*store.Record, *store.Conflict) {
	if local.Checksum == remote.Checksum {
		synced := *remote
		synced.SyncState = store.StateSynced
		return &synced, nil
	}

	switch policy {
	case PolicyLocalWins:
		winner := *local
		return &winner, nil

	case PolicyRemoteWins:
		winner := *remote
		winner.SyncState = store.StateSynced
		return &winner, nil

	case PolicyManual:
		conflict := &store.Conflict{
			ID:         uuid.New().String(),
			Table:      local.Table,
			RecordID:   local.ID,
			Local:      *local,
			Remote:     *remote,
			Type:       conflictType(local, remote),
			DetectedAt: time.Now(),
		}
		logger.Log.Info("Conflict recorded",
			zap.String("table", local.Table),
			zap.String("id", local.ID),
			zap.String("type", string(conflict.Type)),
		)
		return nil, conflict

	default: // latest-wins
		if local.LastModified.After(remote.LastModified) {
			winner := *local
			return &winner, nil
		}
		// Ties fall to remote for determinism.
		winner := *remote
		winner.SyncState = store.StateSynced
		return &winner, nil
	}
}

// Resolve applies an explicit caller choice to a recorded conflict and
// returns the payload to persist and push.
func (r *Resolver) Resolve(conflict *store.Conflict, choice Choice) (map[string]any, error) {
	switch choice {
	case ChoiceLocal:
		return conflict.Local.Payload, nil
	case ChoiceRemote:
		return conflict.Remote.Payload, nil
	case ChoiceMerge:
		merged := make(map[string]any, len(conflict.Remote.Payload)+len(conflict.Local.Payload))
		for k, v := range conflict.Remote.Payload {
			merged[k] = v
		}
		for k, v := range conflict.Local.Payload {
			merged[k] = v
		}
		return merged, nil
	default:
		return nil, fmt.Errorf("unknown resolution choice %q", choice)
	}
}

// NewContentConflict escalates a repeatedly rejected push for manual
// intervention instead of retrying the identical payload forever.
func NewContentConflict(local *store.Record, lastError string) *store.Conflict {
	remote := *local
	remote.Payload = map[string]any{"rejection": lastError}
	return &store.Conflict{
		ID:         uuid.New().String(),
		Table:      local.Table,
		RecordID:   local.ID,
		Local:      *local,
		Remote:     remote,
		Type:       store.ConflictContent,
		DetectedAt: time.Now(),
	}
}

func conflictType(local, remote *store.Record) store.ConflictType {
	if !local.LastModified.Equal(remote.LastModified) {
		return store.ConflictTimestamp
	}
	if local.Version != remote.Version {
		return store.ConflictVersion
	}
	return store.ConflictContent
}
