package state

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/db"
)

// SQLStore is the sqlite-backed Store. All writes run inside a serializable
// transaction through the retrying executor, which is what makes
// SaveIfVersion an atomic compare-and-set.
type SQLStore struct {
	db       *db.BaseDB
	executor *db.TransactionExecutor[*sql.Tx]
	now      func() time.Time
}

// SQLOption customizes a SQLStore.
type SQLOption func(*SQLStore)

// WithSQLClock injects the time source, for deterministic tests.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		s.now = now
	}
}

// NewSQLStore creates a Store backed by the given database handle.
func NewSQLStore(baseDB *db.BaseDB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db: baseDB,
		executor: db.NewTransactionExecutor(
			baseDB, func(tx *sql.Tx) *sql.Tx { return tx },
		),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// A compile time check to ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, id,
	stateType string) (fn.Option[State], error) {

	row := s.db.QueryRowContext(ctx,
		"SELECT data, version, updated_at_ms FROM actor_state "+
			"WHERE id = ? AND state_type = ?",
		id, stateType,
	)

	st := State{ID: id, Type: stateType}
	var updatedAtMS int64
	err := row.Scan(&st.Data, &st.Version, &updatedAtMS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fn.None[State](), nil

	case err != nil:
		return fn.None[State](), db.MapSQLError(err)
	}

	st.UpdatedAt = time.UnixMilli(updatedAtMS)

	return fn.Some(st), nil
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, id, stateType string,
	data []byte) (uint64, error) {

	var version uint64
	err := s.executor.ExecTx(
		ctx, db.WriteTxOption(), func(tx *sql.Tx) error {
			var err error
			version, err = s.writeTx(tx, id, stateType, data)
			return err
		},
	)
	if err != nil {
		return 0, err
	}

	return version, nil
}

// SaveIfVersion implements Store.
func (s *SQLStore) SaveIfVersion(ctx context.Context, id, stateType string,
	data []byte, expected uint64) (uint64, error) {

	var version uint64
	err := s.executor.ExecTx(
		ctx, db.WriteTxOption(), func(tx *sql.Tx) error {
			actual, err := currentVersionTx(tx, id)
			if err != nil {
				return err
			}
			if actual != expected {
				return &VersionConflictError{
					Expected: expected,
					Actual:   actual,
				}
			}

			version, err = s.writeTx(tx, id, stateType, data)
			return err
		},
	)
	if err != nil {
		return 0, err
	}

	return version, nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM actor_state WHERE id = ?", id,
	)

	return db.MapSQLError(err)
}

// Exists implements Store.
func (s *SQLStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM actor_state WHERE id = ?", id,
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil

	case err != nil:
		return false, db.MapSQLError(err)
	}

	return true, nil
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, id, stateType string,
	transform Transform) (State, error) {

	var result State
	err := s.executor.ExecTx(
		ctx, db.WriteTxOption(), func(tx *sql.Tx) error {
			current := fn.None[State]()

			st := State{ID: id, Type: stateType}
			var updatedAtMS int64
			err := tx.QueryRowContext(ctx,
				"SELECT data, version, updated_at_ms "+
					"FROM actor_state WHERE id = ? "+
					"AND state_type = ?",
				id, stateType,
			).Scan(&st.Data, &st.Version, &updatedAtMS)
			switch {
			case err == nil:
				st.UpdatedAt = time.UnixMilli(updatedAtMS)
				current = fn.Some(st)

			case !errors.Is(err, sql.ErrNoRows):
				return err
			}

			data, err := transform(current)
			if err != nil {
				return err
			}

			version, err := s.writeTx(tx, id, stateType, data)
			if err != nil {
				return err
			}

			result = State{
				ID:        id,
				Type:      stateType,
				Data:      data,
				Version:   version,
				UpdatedAt: s.now(),
			}

			return nil
		},
	)
	if err != nil {
		return State{}, err
	}

	return result, nil
}

// writeTx stores the snapshot with the next version inside tx.
func (s *SQLStore) writeTx(tx *sql.Tx, id, stateType string,
	data []byte) (uint64, error) {

	actual, err := currentVersionTx(tx, id)
	if err != nil {
		return 0, err
	}
	next := actual + 1

	_, err = tx.Exec(
		"INSERT INTO actor_state (id, state_type, data, version, "+
			"updated_at_ms) VALUES (?, ?, ?, ?, ?) "+
			"ON CONFLICT (id) DO UPDATE SET "+
			"state_type = excluded.state_type, "+
			"data = excluded.data, "+
			"version = excluded.version, "+
			"updated_at_ms = excluded.updated_at_ms",
		id, stateType, data, next, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}

	return next, nil
}

// currentVersionTx returns the stored version for id inside tx, zero when no
// snapshot exists.
func currentVersionTx(tx *sql.Tx, id string) (uint64, error) {
	var version uint64
	err := tx.QueryRow(
		"SELECT version FROM actor_state WHERE id = ?", id,
	).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil

	case err != nil:
		return 0, err
	}

	return version, nil
}
