package remote

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnreachable marks a network-level failure: the backend process never
// answered. These are always retried.
var ErrUnreachable = errors.New("remote backend unreachable")

// RejectedError marks a definitive answer from the backend that refuses the
// operation (validation, permission, constraint). The backend is alive, so
// blind retries with an identical payload are pointless.
type RejectedError struct {
	Op    string
	Table string
	Err   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected %s on %s: %v", e.Op, e.Table, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// Backend is the authoritative remote side of the engine. Rows carry a
// last_modified column maintained by this engine on write, and Insert/Update
// must be idempotent upserts keyed by id: a replayed push after a
// timeout-then-retry must not duplicate the row.
type Backend interface {
	Insert(ctx context.Context, table string, row map[string]any) error
	Update(ctx context.Context, table, id string, patch map[string]any) error
	Delete(ctx context.Context, table, id string) error
	// SelectAll returns up to limit rows, most recently modified first.
	SelectAll(ctx context.Context, table string, limit int) ([]map[string]any, error)
	// Ping is the cheap liveness query used by the reachability prober.
	Ping(ctx context.Context) error
	Close() error
}
