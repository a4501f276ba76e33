package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/db"
	"github.com/roasbeef/lattice/internal/transport"
)

// SQLRegistry is the sqlite-backed ServiceRegistry, sharing the lattice
// database with the state store. Liveness is evaluated in SQL against the
// stored heartbeat timestamps.
type SQLRegistry struct {
	db  *db.BaseDB
	now func() time.Time
}

// SQLOption customizes a SQLRegistry.
type SQLOption func(*SQLRegistry)

// WithSQLClock injects the time source, for deterministic tests.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(r *SQLRegistry) {
		r.now = now
	}
}

// NewSQLRegistry creates a registry backed by the given database handle.
func NewSQLRegistry(baseDB *db.BaseDB, opts ...SQLOption) *SQLRegistry {
	r := &SQLRegistry{db: baseDB, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// A compile time check to ensure SQLRegistry implements ServiceRegistry.
var _ ServiceRegistry = (*SQLRegistry)(nil)

// liveClause filters out registrations whose TTL lapsed. Bind the current
// unix milliseconds once for it.
const liveClause = "(ttl_ms IS NULL OR last_heartbeat_ms + ttl_ms >= ?)"

// Register implements ServiceRegistry.
func (r *SQLRegistry) Register(ctx context.Context, actorID string,
	endpoint transport.Endpoint, metadata map[string]string,
	ttl fn.Option[time.Duration]) error {

	md, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	var ttlMS sql.NullInt64
	ttl.WhenSome(func(d time.Duration) {
		ttlMS = sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
	})

	nowMS := r.now().UnixMilli()
	_, err = r.db.ExecContext(ctx,
		"INSERT INTO service_registry (actor_id, host, port, "+
			"metadata, ttl_ms, registered_at_ms, "+
			"last_heartbeat_ms) VALUES (?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (actor_id, host, port) DO UPDATE SET "+
			"metadata = excluded.metadata, "+
			"ttl_ms = excluded.ttl_ms, "+
			"registered_at_ms = excluded.registered_at_ms, "+
			"last_heartbeat_ms = excluded.last_heartbeat_ms",
		actorID, endpoint.Host, endpoint.Port, string(md), ttlMS,
		nowMS, nowMS,
	)

	return db.MapSQLError(err)
}

// Deregister implements ServiceRegistry.
func (r *SQLRegistry) Deregister(ctx context.Context, actorID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM service_registry WHERE actor_id = ?", actorID,
	)

	return db.MapSQLError(err)
}

// Resolve implements ServiceRegistry.
func (r *SQLRegistry) Resolve(ctx context.Context,
	actorID string) (fn.Option[transport.Endpoint], error) {

	endpoints, err := r.ResolveAll(ctx, actorID)
	if err != nil || len(endpoints) == 0 {
		return fn.None[transport.Endpoint](), err
	}

	return fn.Some(endpoints[0]), nil
}

// ResolveAll implements ServiceRegistry.
func (r *SQLRegistry) ResolveAll(ctx context.Context,
	actorID string) ([]transport.Endpoint, error) {

	rows, err := r.db.QueryContext(ctx,
		"SELECT host, port FROM service_registry "+
			"WHERE actor_id = ? AND "+liveClause+
			" ORDER BY host, port",
		actorID, r.now().UnixMilli(),
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	defer rows.Close()

	var endpoints []transport.Endpoint
	for rows.Next() {
		var endpoint transport.Endpoint
		if err := rows.Scan(
			&endpoint.Host, &endpoint.Port,
		); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}

	return endpoints, rows.Err()
}

// List implements ServiceRegistry.
func (r *SQLRegistry) List(ctx context.Context,
	prefix string) ([]Registration, error) {

	rows, err := r.db.QueryContext(ctx,
		"SELECT actor_id, host, port, metadata, ttl_ms, "+
			"registered_at_ms, last_heartbeat_ms "+
			"FROM service_registry "+
			"WHERE actor_id LIKE ? || '%' AND "+liveClause+
			" ORDER BY actor_id, host, port",
		prefix, r.now().UnixMilli(),
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		var (
			reg             Registration
			md              string
			ttlMS           sql.NullInt64
			registeredAtMS  int64
			lastHeartbeatMS int64
		)
		err := rows.Scan(
			&reg.ActorID, &reg.Endpoint.Host, &reg.Endpoint.Port,
			&md, &ttlMS, &registeredAtMS, &lastHeartbeatMS,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal(
			[]byte(md), &reg.Metadata,
		); err != nil {
			return nil, err
		}
		if ttlMS.Valid {
			reg.TTL = fn.Some(
				time.Duration(ttlMS.Int64) * time.Millisecond,
			)
		}
		reg.RegisteredAt = time.UnixMilli(registeredAtMS)
		reg.LastHeartbeat = time.UnixMilli(lastHeartbeatMS)

		regs = append(regs, reg)
	}

	return regs, rows.Err()
}

// Heartbeat implements ServiceRegistry.
func (r *SQLRegistry) Heartbeat(ctx context.Context, actorID string) error {
	nowMS := r.now().UnixMilli()

	// Only live registrations can be refreshed; an expired one has to
	// register again.
	res, err := r.db.ExecContext(ctx,
		"UPDATE service_registry SET last_heartbeat_ms = ? "+
			"WHERE actor_id = ? AND "+liveClause,
		nowMS, actorID, nowMS,
	)
	if err != nil {
		return db.MapSQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotRegistered
	}

	return nil
}
