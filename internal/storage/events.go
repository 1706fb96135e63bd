package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/junban/internal/eventlog"
	"github.com/ashita-ai/junban/internal/model"
)

var eventColumns = []string{
	"id", "aggregate_type", "aggregate_id", "sequence", "originating_version",
	"event_type", "payload", "service_version", "created_at",
}

// AppendEvents writes records to the aggregate if its head version equals
// expectedVersion. The head row is locked FOR UPDATE for the whole
// transaction, so concurrent writers serialise and the loser sees a version
// mismatch (eventlog.ErrConcurrentModification) with nothing written.
// Returns the new head version.
func (db *DB) AppendEvents(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, records []model.EventRecord) (int64, error) {
	if len(records) == 0 {
		return expectedVersion, nil
	}
	newVersion := expectedVersion + int64(len(records))

	err := WithRetry(ctx, defaultRetries, defaultBaseDelay, func() error {
		return db.appendTx(ctx, aggregateType, aggregateID, expectedVersion, newVersion, records)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("storage: append %s/%s: %w", aggregateType, aggregateID, eventlog.ErrConcurrentModification)
		}
		return 0, err
	}
	return newVersion, nil
}

func (db *DB) appendTx(ctx context.Context, aggregateType, aggregateID string, expectedVersion, newVersion int64, records []model.EventRecord) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO event_aggregates (aggregate_type, aggregate_id, version, last_change_timestamp)
		 VALUES ($1, $2, 0, now())
		 ON CONFLICT DO NOTHING`,
		aggregateType, aggregateID,
	); err != nil {
		return fmt.Errorf("storage: ensure aggregate: %w", err)
	}

	var current int64
	if err := tx.QueryRow(ctx,
		`SELECT version FROM event_aggregates
		 WHERE aggregate_type = $1 AND aggregate_id = $2
		 FOR UPDATE`,
		aggregateType, aggregateID,
	).Scan(&current); err != nil {
		return fmt.Errorf("storage: lock aggregate: %w", err)
	}
	if current != expectedVersion {
		return fmt.Errorf("storage: append %s/%s: expected version %d, head is %d: %w",
			aggregateType, aggregateID, expectedVersion, current, eventlog.ErrConcurrentModification)
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		payload := r.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		rows[i] = []any{
			r.ID, aggregateType, aggregateID, r.Sequence, r.OriginatingVersion,
			r.EventType, string(payload), r.ServiceVersion, r.CreatedAt,
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"events"}, eventColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("storage: copy events: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE event_aggregates SET version = $3, last_change_timestamp = now()
		 WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID, newVersion,
	); err != nil {
		return fmt.Errorf("storage: advance aggregate version: %w", err)
	}

	// Delivered on commit only.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`,
		ChannelEvents, aggregateType+"/"+aggregateID+":"+strconv.FormatInt(newVersion, 10),
	); err != nil {
		return fmt.Errorf("storage: notify append: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit append: %w", err)
	}
	return nil
}

// ListEvents returns every record of the aggregate ordered by sequence.
// A missing aggregate yields an empty slice.
func (db *DB) ListEvents(ctx context.Context, aggregateType, aggregateID string) ([]model.EventRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, aggregate_type, aggregate_id, sequence, originating_version,
		        event_type, payload, service_version, created_at
		 FROM events
		 WHERE aggregate_type = $1 AND aggregate_id = $2
		 ORDER BY sequence ASC`,
		aggregateType, aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	out := []model.EventRecord{}
	for rows.Next() {
		var r model.EventRecord
		var payload []byte
		if err := rows.Scan(
			&r.ID, &r.AggregateType, &r.AggregateID, &r.Sequence, &r.OriginatingVersion,
			&r.EventType, &payload, &r.ServiceVersion, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAggregate returns the head of one event stream, or ErrNotFound.
func (db *DB) GetAggregate(ctx context.Context, aggregateType, aggregateID string) (model.AggregateInfo, error) {
	var a model.AggregateInfo
	err := db.pool.QueryRow(ctx,
		`SELECT aggregate_type, aggregate_id, version, last_change_timestamp
		 FROM event_aggregates WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID,
	).Scan(&a.AggregateType, &a.AggregateID, &a.Version, &a.LastChangeTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, fmt.Errorf("storage: aggregate %s/%s: %w", aggregateType, aggregateID, ErrNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("storage: get aggregate: %w", err)
	}
	return a, nil
}

// ListAggregates returns the most recently changed streams of aggregateType
// (all types if empty), newest first. limit <= 0 defaults to 100.
func (db *DB) ListAggregates(ctx context.Context, aggregateType string, limit int) ([]model.AggregateInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT aggregate_type, aggregate_id, version, last_change_timestamp
		 FROM event_aggregates
		 WHERE $1 = '' OR aggregate_type = $1
		 ORDER BY last_change_timestamp DESC
		 LIMIT $2`,
		aggregateType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list aggregates: %w", err)
	}
	defer rows.Close()

	var out []model.AggregateInfo
	for rows.Next() {
		var a model.AggregateInfo
		if err := rows.Scan(&a.AggregateType, &a.AggregateID, &a.Version, &a.LastChangeTimestamp); err != nil {
			return nil, fmt.Errorf("storage: scan aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAggregatesOlderThan removes every aggregate, events included via
// ON DELETE CASCADE, whose last change is before cutoff.
func (db *DB) DeleteAggregatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM event_aggregates WHERE last_change_timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete aggregates older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}
