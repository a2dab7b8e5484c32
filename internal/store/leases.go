package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/syncengine/internal/models"
)

// ErrLeaseNotFound is returned when no lease row exists for a worker.
var ErrLeaseNotFound = errors.New("worker lease not found")

// ErrNotLeader is returned by TryAcquireLeaderLease when another worker
// already holds an unexpired leader lease.
var ErrNotLeader = errors.New("another worker holds the leader lease")

// coordinatorLeaseRow is the fixed single row the leader-election lease
// lives in; unlike per-worker leases this row is contended for directly.
const coordinatorLeaseRow = "coordinator"

// TryAcquireLeaderLease attempts to claim or renew the single leader lease
// row. It succeeds if the row is unclaimed, already held by workerID, or
// its holder has missed ttl — implementing lease-based leader election
// without a separate distributed-lock service.
func TryAcquireLeaderLease(ctx context.Context, pool *pgxpool.Pool, workerID string, ttl time.Duration) (generation int64, err error) {
	err = pool.QueryRow(ctx, `
		INSERT INTO coordinator_lease (name, worker_id, heartbeat_at, generation)
		VALUES ($1, $2, now(), 1)
		ON CONFLICT (name) DO UPDATE SET
			worker_id = CASE
				WHEN coordinator_lease.worker_id = $2 OR coordinator_lease.heartbeat_at < now() - make_interval(secs => $3)
				THEN $2
				ELSE coordinator_lease.worker_id
			END,
			heartbeat_at = CASE
				WHEN coordinator_lease.worker_id = $2 OR coordinator_lease.heartbeat_at < now() - make_interval(secs => $3)
				THEN now()
				ELSE coordinator_lease.heartbeat_at
			END,
			generation = CASE
				WHEN coordinator_lease.worker_id = $2 THEN coordinator_lease.generation
				WHEN coordinator_lease.heartbeat_at < now() - make_interval(secs => $3)
				THEN coordinator_lease.generation + 1
				ELSE coordinator_lease.generation
			END
		RETURNING (CASE WHEN worker_id = $2 THEN generation ELSE -1 END)
	`, coordinatorLeaseRow, workerID, ttl.Seconds()).Scan(&generation)
	if err != nil {
		return 0, fmt.Errorf("acquire leader lease: %w", err)
	}
	if generation < 0 {
		return 0, ErrNotLeader
	}
	return generation, nil
}

// UpsertWorkerLease records the current account assignment and heartbeat
// timestamp for a worker, used by the coordinator to detect failed peers.
func UpsertWorkerLease(ctx context.Context, pool *pgxpool.Pool, l *models.WorkerLease) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO worker_leases (worker_id, heartbeat_at, account_ids, generation)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (worker_id) DO UPDATE SET
			heartbeat_at = EXCLUDED.heartbeat_at,
			account_ids = EXCLUDED.account_ids,
			generation = EXCLUDED.generation
	`, l.WorkerID, l.HeartbeatAt, l.AccountIDs, l.Generation)
	if err != nil {
		return fmt.Errorf("upsert worker lease: %w", err)
	}
	return nil
}

// ListWorkerLeases returns every known worker lease, used by the leader to
// compute the consistent-hash ring membership and detect expired peers.
func ListWorkerLeases(ctx context.Context, pool *pgxpool.Pool) ([]*models.WorkerLease, error) {
	rows, err := pool.Query(ctx, `SELECT worker_id, heartbeat_at, account_ids, generation FROM worker_leases`)
	if err != nil {
		return nil, fmt.Errorf("list worker leases: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkerLease
	for rows.Next() {
		var l models.WorkerLease
		if err := rows.Scan(&l.WorkerID, &l.HeartbeatAt, &l.AccountIDs, &l.Generation); err != nil {
			return nil, fmt.Errorf("scan worker lease: %w", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker leases: %w", err)
	}
	return out, nil
}

// DeleteWorkerLease removes a worker's lease row, e.g. on graceful
// shutdown, so its accounts are immediately eligible for reassignment
// instead of waiting out the TTL.
func DeleteWorkerLease(ctx context.Context, pool *pgxpool.Pool, workerID string) error {
	_, err := pool.Exec(ctx, `DELETE FROM worker_leases WHERE worker_id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("delete worker lease: %w", err)
	}
	return nil
}

// GetWorkerLease fetches a single worker's lease row.
func GetWorkerLease(ctx context.Context, pool *pgxpool.Pool, workerID string) (*models.WorkerLease, error) {
	var l models.WorkerLease
	err := pool.QueryRow(ctx, `
		SELECT worker_id, heartbeat_at, account_ids, generation FROM worker_leases WHERE worker_id = $1
	`, workerID).Scan(&l.WorkerID, &l.HeartbeatAt, &l.AccountIDs, &l.Generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker lease: %w", err)
	}
	return &l, nil
}
