// Package sqlite provides a SQLite-backed row store for single-node and
// development deployments. It implements the same lock, heartbeat, event and
// retention contracts as the Postgres store; timestamps are stored as unix
// milliseconds and taken from the injected clock.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/ashita-ai/junban/internal/eventlog"
	"github.com/ashita-ai/junban/internal/model"
)

//go:embed schema.sql
var schema string

// Store persists scheduler and event-log state in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for lease and heartbeat math.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens (creating if needed) the database at path and applies the schema.
// path ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single writer connection serialises appends, and keeps a :memory:
	// database from being split across connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TryAcquireLock claims agentName for nodeID unless a live lease exists.
func (s *Store) TryAcquireLock(ctx context.Context, agentName, nodeID string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_locks (agent_name, locked_by, lock_acquired, lock_expiry)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (agent_name) DO UPDATE
		   SET locked_by = excluded.locked_by,
		       lock_acquired = excluded.lock_acquired,
		       lock_expiry = excluded.lock_expiry
		 WHERE agent_locks.lock_expiry <= ?`,
		agentName, nodeID, toMillis(now), toMillis(now.Add(ttl)), toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: acquire lock %s: %w", agentName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: acquire lock %s: %w", agentName, err)
	}
	return n == 1, nil
}

// ReleaseLock deletes nodeID's lease, or keeps it for hold past the store's
// clock if hold is positive.
func (s *Store) ReleaseLock(ctx context.Context, agentName, nodeID string, hold time.Duration) error {
	var err error
	if hold <= 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM agent_locks WHERE agent_name = ? AND locked_by = ?`, agentName, nodeID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE agent_locks SET lock_expiry = ? WHERE agent_name = ? AND locked_by = ?`,
			toMillis(s.now().Add(hold)), agentName, nodeID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: release lock %s: %w", agentName, err)
	}
	return nil
}

// ListLocks returns every lock row ordered by agent name.
func (s *Store) ListLocks(ctx context.Context) ([]model.AgentLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, locked_by, lock_acquired, lock_expiry FROM agent_locks ORDER BY agent_name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list locks: %w", err)
	}
	defer rows.Close()

	var out []model.AgentLock
	for rows.Next() {
		var l model.AgentLock
		var acquired, expiry int64
		if err := rows.Scan(&l.AgentName, &l.LockedBy, &acquired, &expiry); err != nil {
			return nil, fmt.Errorf("sqlite: scan lock: %w", err)
		}
		l.LockAcquired, l.LockExpiry = fromMillis(acquired), fromMillis(expiry)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Heartbeat upserts the node's row with last_seen = now.
func (s *Store) Heartbeat(ctx context.Context, hb model.NodeHeartbeat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_heartbeats (node_id, last_seen, started_at, version, shard_regex)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (node_id) DO UPDATE
		   SET last_seen = excluded.last_seen,
		       version = excluded.version,
		       shard_regex = excluded.shard_regex`,
		hb.NodeID, toMillis(s.now()), toMillis(hb.StartedAt), hb.Version, hb.ShardRegex,
	)
	if err != nil {
		return fmt.Errorf("sqlite: heartbeat %s: %w", hb.NodeID, err)
	}
	return nil
}

// ListLiveNodes returns IDs of nodes seen within ttl.
func (s *Store) ListLiveNodes(ctx context.Context, ttl time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id FROM node_heartbeats WHERE last_seen > ? ORDER BY node_id`,
		toMillis(s.now().Add(-ttl)))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list live nodes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan node id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListNodes returns every heartbeat row.
func (s *Store) ListNodes(ctx context.Context) ([]model.NodeHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, last_seen, started_at, version, shard_regex FROM node_heartbeats ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list nodes: %w", err)
	}
	defer rows.Close()

	var out []model.NodeHeartbeat
	for rows.Next() {
		var n model.NodeHeartbeat
		var seen, started int64
		if err := rows.Scan(&n.NodeID, &seen, &started, &n.Version, &n.ShardRegex); err != nil {
			return nil, fmt.Errorf("sqlite: scan node: %w", err)
		}
		n.LastSeen, n.StartedAt = fromMillis(seen), fromMillis(started)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ReapStaleNodes deletes heartbeat rows older than ttl.
func (s *Store) ReapStaleNodes(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM node_heartbeats WHERE last_seen <= ?`, toMillis(s.now().Add(-ttl)))
	if err != nil {
		return 0, fmt.Errorf("sqlite: reap stale nodes: %w", err)
	}
	return res.RowsAffected()
}

// AppendEvents writes records if the aggregate's head equals expectedVersion.
// Transactions begin IMMEDIATE, so the version read and the write cannot
// interleave with another writer.
func (s *Store) AppendEvents(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, records []model.EventRecord) (int64, error) {
	if len(records) == 0 {
		return expectedVersion, nil
	}
	newVersion := expectedVersion + int64(len(records))
	now := toMillis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin append tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM event_aggregates WHERE aggregate_type = ? AND aggregate_id = ?`,
		aggregateType, aggregateID,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
		if expectedVersion == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO event_aggregates (aggregate_type, aggregate_id, version, last_change_timestamp)
				 VALUES (?, ?, 0, ?)`,
				aggregateType, aggregateID, now,
			); err != nil {
				return 0, s.appendErr(aggregateType, aggregateID, err)
			}
		}
	case err != nil:
		return 0, fmt.Errorf("sqlite: read aggregate version: %w", err)
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("sqlite: append %s/%s: expected version %d, head is %d: %w",
			aggregateType, aggregateID, expectedVersion, current, eventlog.ErrConcurrentModification)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, aggregate_type, aggregate_id, sequence, originating_version,
		                     event_type, payload, service_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare insert event: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		id := r.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		payload := string(r.Payload)
		if payload == "" {
			payload = "{}"
		}
		if _, err := stmt.ExecContext(ctx,
			id.String(), aggregateType, aggregateID, r.Sequence, r.OriginatingVersion,
			r.EventType, payload, r.ServiceVersion, toMillis(r.CreatedAt),
		); err != nil {
			return 0, s.appendErr(aggregateType, aggregateID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE event_aggregates SET version = ?, last_change_timestamp = ?
		 WHERE aggregate_type = ? AND aggregate_id = ?`,
		newVersion, now, aggregateType, aggregateID,
	); err != nil {
		return 0, fmt.Errorf("sqlite: advance aggregate version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit append: %w", err)
	}
	return newVersion, nil
}

func (s *Store) appendErr(aggregateType, aggregateID string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("sqlite: append %s/%s: %w", aggregateType, aggregateID, eventlog.ErrConcurrentModification)
	}
	return fmt.Errorf("sqlite: append %s/%s: %w", aggregateType, aggregateID, err)
}

// ListEvents returns the aggregate's records ordered by sequence.
func (s *Store) ListEvents(ctx context.Context, aggregateType, aggregateID string) ([]model.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_type, aggregate_id, sequence, originating_version,
		        event_type, payload, service_version, created_at
		 FROM events WHERE aggregate_type = ? AND aggregate_id = ?
		 ORDER BY sequence ASC`,
		aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()

	out := []model.EventRecord{}
	for rows.Next() {
		var r model.EventRecord
		var id, payload string
		var created int64
		if err := rows.Scan(&id, &r.AggregateType, &r.AggregateID, &r.Sequence, &r.OriginatingVersion,
			&r.EventType, &payload, &r.ServiceVersion, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse event id %q: %w", id, err)
		}
		r.Payload = []byte(payload)
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAggregates returns the newest-changed streams, optionally of one type.
func (s *Store) ListAggregates(ctx context.Context, aggregateType string, limit int) ([]model.AggregateInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT aggregate_type, aggregate_id, version, last_change_timestamp
		 FROM event_aggregates
		 WHERE ? = '' OR aggregate_type = ?
		 ORDER BY last_change_timestamp DESC
		 LIMIT ?`,
		aggregateType, aggregateType, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list aggregates: %w", err)
	}
	defer rows.Close()

	var out []model.AggregateInfo
	for rows.Next() {
		var a model.AggregateInfo
		var changed int64
		if err := rows.Scan(&a.AggregateType, &a.AggregateID, &a.Version, &changed); err != nil {
			return nil, fmt.Errorf("sqlite: scan aggregate: %w", err)
		}
		a.LastChangeTimestamp = fromMillis(changed)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAggregatesOlderThan removes aggregates last changed before cutoff.
func (s *Store) DeleteAggregatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_aggregates WHERE last_change_timestamp < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete aggregates: %w", err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
