package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/syncengine/internal/models"
)

// ErrAccountNotFound is returned when a requested account row does not exist.
var ErrAccountNotFound = errors.New("account not found")

// InsertAccount creates a new account row in the state given by a.State and
// returns its assigned ID.
func InsertAccount(ctx context.Context, pool *pgxpool.Pool, a *models.Account) (int64, error) {
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (
			grant_id, imap_host, imap_port, tls_mode,
			smtp_host, smtp_port, application_id, state, backfill_horizon
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		a.GrantID, a.IMAPHost, a.IMAPPort, a.TLSMode,
		a.SMTPHost, a.SMTPPort, a.ApplicationID, a.State, a.BackfillHorizon,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

// GetAccount fetches one account by its internal ID.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, id int64) (*models.Account, error) {
	var a models.Account
	err := pool.QueryRow(ctx, `
		SELECT id, grant_id, imap_host, imap_port, tls_mode,
		       smtp_host, smtp_port, application_id, state, backfill_horizon,
		       last_sync_at, last_error, worker_id, assignment_generation
		FROM accounts WHERE id = $1
	`, id).Scan(
		&a.ID, &a.GrantID, &a.IMAPHost, &a.IMAPPort, &a.TLSMode,
		&a.SMTPHost, &a.SMTPPort, &a.ApplicationID, &a.State, &a.BackfillHorizon,
		&a.LastSyncAt, &a.LastError, &a.WorkerID, &a.AssignmentGeneration,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// ListSyncableAccounts returns every account in the active state, the set
// the Cluster Coordinator distributes across Worker Processes.
func ListSyncableAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, grant_id, imap_host, imap_port, tls_mode,
		       smtp_host, smtp_port, application_id, state, backfill_horizon,
		       last_sync_at, last_error, worker_id, assignment_generation
		FROM accounts WHERE state = $1
		ORDER BY id
	`, models.AccountActive)
	if err != nil {
		return nil, fmt.Errorf("list syncable accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(
			&a.ID, &a.GrantID, &a.IMAPHost, &a.IMAPPort, &a.TLSMode,
			&a.SMTPHost, &a.SMTPPort, &a.ApplicationID, &a.State, &a.BackfillHorizon,
			&a.LastSyncAt, &a.LastError, &a.WorkerID, &a.AssignmentGeneration,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// ListAccountsForWorker returns every syncable account currently assigned
// to workerID, the set a Worker Process reconciles its running
// Supervisors against.
func ListAccountsForWorker(ctx context.Context, pool *pgxpool.Pool, workerID string) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, grant_id, imap_host, imap_port, tls_mode,
		       smtp_host, smtp_port, application_id, state, backfill_horizon,
		       last_sync_at, last_error, worker_id, assignment_generation
		FROM accounts WHERE state = $1 AND worker_id = $2
		ORDER BY id
	`, models.AccountActive, workerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for worker: %w", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(
			&a.ID, &a.GrantID, &a.IMAPHost, &a.IMAPPort, &a.TLSMode,
			&a.SMTPHost, &a.SMTPPort, &a.ApplicationID, &a.State, &a.BackfillHorizon,
			&a.LastSyncAt, &a.LastError, &a.WorkerID, &a.AssignmentGeneration,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts for worker: %w", err)
	}
	return out, nil
}

// SetAccountState transitions an account's lifecycle state, recording
// lastErr when moving into auth_error.
func SetAccountState(ctx context.Context, pool *pgxpool.Pool, id int64, state models.AccountState, lastErr string) error {
	_, err := pool.Exec(ctx, `
		UPDATE accounts SET state = $2, last_error = $3 WHERE id = $1
	`, id, state, lastErr)
	if err != nil {
		return fmt.Errorf("set account state: %w", err)
	}
	return nil
}

// SetAccountWorker records which worker currently owns the account, or
// clears ownership when workerID is nil. Every change bumps the
// assignment generation so a worker that was assigned the account under
// an earlier generation can detect it has been superseded.
func SetAccountWorker(ctx context.Context, pool *pgxpool.Pool, id int64, workerID *string) error {
	_, err := pool.Exec(ctx, `
		UPDATE accounts
		SET worker_id = $2, assignment_generation = assignment_generation + 1
		WHERE id = $1
	`, id, workerID)
	if err != nil {
		return fmt.Errorf("set account worker: %w", err)
	}
	return nil
}

// TouchAccountSync updates last_sync_at to now for heartbeat/progress
// reporting.
func TouchAccountSync(ctx context.Context, pool *pgxpool.Pool, id int64) error {
	_, err := pool.Exec(ctx, `UPDATE accounts SET last_sync_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch account sync: %w", err)
	}
	return nil
}
