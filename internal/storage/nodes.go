package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/junban/internal/model"
)

// Heartbeat upserts the node's row and stamps last_seen with the database clock.
func (db *DB) Heartbeat(ctx context.Context, hb model.NodeHeartbeat) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO node_heartbeats (node_id, last_seen, started_at, version, shard_regex)
		 VALUES ($1, now(), $2, $3, $4)
		 ON CONFLICT (node_id) DO UPDATE
		   SET last_seen = now(),
		       version = EXCLUDED.version,
		       shard_regex = EXCLUDED.shard_regex`,
		hb.NodeID, hb.StartedAt, hb.Version, hb.ShardRegex,
	)
	if err != nil {
		return fmt.Errorf("storage: heartbeat %s: %w", hb.NodeID, err)
	}
	return nil
}

// ListLiveNodes returns the IDs of nodes seen within ttl, ordered by ID.
func (db *DB) ListLiveNodes(ctx context.Context, ttl time.Duration) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT node_id FROM node_heartbeats
		 WHERE last_seen > now() - make_interval(secs => $1)
		 ORDER BY node_id`,
		ttl.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list live nodes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan node id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListNodes returns every heartbeat row, live or stale.
func (db *DB) ListNodes(ctx context.Context) ([]model.NodeHeartbeat, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT node_id, last_seen, started_at, version, shard_regex
		 FROM node_heartbeats ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list nodes: %w", err)
	}
	defer rows.Close()

	var out []model.NodeHeartbeat
	for rows.Next() {
		var n model.NodeHeartbeat
		if err := rows.Scan(&n.NodeID, &n.LastSeen, &n.StartedAt, &n.Version, &n.ShardRegex); err != nil {
			return nil, fmt.Errorf("storage: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ReapStaleNodes deletes heartbeat rows older than ttl and returns how many.
func (db *DB) ReapStaleNodes(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM node_heartbeats WHERE last_seen <= now() - make_interval(secs => $1)`,
		ttl.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reap stale nodes: %w", err)
	}
	return tag.RowsAffected(), nil
}
