package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/junban/internal/model"
)

// TryAcquireLock claims agentName for nodeID for ttl. The claim is a single
// conditional upsert: an absent row is inserted, an expired row is
// overwritten, and a live row (held by anyone, including nodeID) is left
// untouched. Timestamps come from the database clock so nodes with skewed
// clocks still agree on expiry. It reports whether this call won the lease.
func (db *DB) TryAcquireLock(ctx context.Context, agentName, nodeID string, ttl time.Duration) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO agent_locks (agent_name, locked_by, lock_acquired, lock_expiry)
		 VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		 ON CONFLICT (agent_name) DO UPDATE
		   SET locked_by = EXCLUDED.locked_by,
		       lock_acquired = EXCLUDED.lock_acquired,
		       lock_expiry = EXCLUDED.lock_expiry
		 WHERE agent_locks.lock_expiry <= now()`,
		agentName, nodeID, ttl.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: acquire lock %s: %w", agentName, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock gives up nodeID's claim on agentName. A zero hold deletes the
// row so any node may claim it on its next tick; otherwise the row is kept
// with lock_expiry = now() + hold on the database clock, which stops other
// nodes running the agent before its next interval. Rows owned by another
// node are never touched.
func (db *DB) ReleaseLock(ctx context.Context, agentName, nodeID string, hold time.Duration) error {
	var err error
	if hold <= 0 {
		_, err = db.pool.Exec(ctx,
			`DELETE FROM agent_locks WHERE agent_name = $1 AND locked_by = $2`,
			agentName, nodeID,
		)
	} else {
		_, err = db.pool.Exec(ctx,
			`UPDATE agent_locks SET lock_expiry = now() + make_interval(secs => $3)
			 WHERE agent_name = $1 AND locked_by = $2`,
			agentName, nodeID, hold.Seconds(),
		)
	}
	if err != nil {
		return fmt.Errorf("storage: release lock %s: %w", agentName, err)
	}
	return nil
}

// ListLocks returns every lock row, live or expired, ordered by agent name.
func (db *DB) ListLocks(ctx context.Context) ([]model.AgentLock, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_name, locked_by, lock_acquired, lock_expiry
		 FROM agent_locks ORDER BY agent_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list locks: %w", err)
	}
	defer rows.Close()

	var out []model.AgentLock
	for rows.Next() {
		var l model.AgentLock
		if err := rows.Scan(&l.AgentName, &l.LockedBy, &l.LockAcquired, &l.LockExpiry); err != nil {
			return nil, fmt.Errorf("storage: scan lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
