// Package state persists actor snapshots behind a versioned Store interface
// with optimistic concurrency: every write bumps a monotonically increasing
// version, and SaveIfVersion commits only when the caller's expected version
// still matches.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// State is one persisted actor snapshot.
type State struct {
	// ID is the actor identifier the snapshot belongs to.
	ID string

	// Type is the registered type name of the snapshot, used by the
	// caller to decode Data.
	Type string

	// Data is the encoded snapshot payload.
	Data []byte

	// Version starts at 1 on first save and increases by exactly one on
	// every successful write.
	Version uint64

	// UpdatedAt is when the snapshot was last written.
	UpdatedAt time.Time
}

// VersionConflictError reports a failed compare-and-set: the stored version
// no longer matched the caller's expectation.
type VersionConflictError struct {
	// Expected is the version the caller based its write on.
	Expected uint64

	// Actual is the version found in the store. Zero means the snapshot
	// no longer exists.
	Actual uint64
}

// Error implements the error interface.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, actual %d",
		e.Expected, e.Actual)
}

// Transform produces the next snapshot payload from the current one, or an
// error to abort the update. The current snapshot is None when the actor has
// no persisted state yet.
type Transform func(current fn.Option[State]) ([]byte, error)

// Store is the persistence interface consumed by stateful actors. All
// implementations must make SaveIfVersion an atomic compare-and-set.
type Store interface {
	// Load returns the snapshot for id with the given type name, or None
	// when nothing is persisted.
	Load(ctx context.Context, id, stateType string) (fn.Option[State],
		error)

	// Save writes the snapshot unconditionally and returns the new
	// version.
	Save(ctx context.Context, id, stateType string,
		data []byte) (uint64, error)

	// SaveIfVersion writes the snapshot only if the stored version still
	// equals expected, returning the new version. Expected zero means
	// the caller believes no snapshot exists yet. On mismatch a
	// *VersionConflictError is returned.
	SaveIfVersion(ctx context.Context, id, stateType string, data []byte,
		expected uint64) (uint64, error)

	// Delete removes the snapshot for id. Deleting an absent snapshot is
	// not an error.
	Delete(ctx context.Context, id string) error

	// Exists reports whether a snapshot is persisted for id.
	Exists(ctx context.Context, id string) (bool, error)

	// Update atomically applies transform to the current snapshot and
	// persists the result, returning the stored state.
	Update(ctx context.Context, id, stateType string,
		transform Transform) (State, error)
}
