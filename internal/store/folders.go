package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/syncengine/internal/models"
)

// ErrFolderNotFound is returned when a requested folder row does not exist.
var ErrFolderNotFound = errors.New("folder not found")

// UpsertFolder creates the folder row on first sight or updates its UIDNEXT
// on subsequent syncs. uid_validity keeps the value recorded when the row
// was created; a UIDVALIDITY change goes through ResetForUIDValidityChange.
// It never overwrites State or LastSyncedUID — those belong to the sync
// state machine, not to folder discovery.
func UpsertFolder(ctx context.Context, pool *pgxpool.Pool, f *models.Folder) (int64, error) {
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO folders (account_id, name, uid_validity, uid_next, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, name) DO UPDATE SET
			uid_next = EXCLUDED.uid_next
		RETURNING id
	`, f.AccountID, f.Name, f.UIDValidity, f.UIDNext, models.FolderNew).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert folder: %w", err)
	}
	return id, nil
}

// GetFolder fetches one folder by ID.
func GetFolder(ctx context.Context, pool *pgxpool.Pool, id int64) (*models.Folder, error) {
	var f models.Folder
	err := pool.QueryRow(ctx, `
		SELECT id, account_id, name, uid_validity, uid_next, highest_mod_seq,
		       last_exists, state, last_synced_uid, last_poll_at, last_error
		FROM folders WHERE id = $1
	`, id).Scan(
		&f.ID, &f.AccountID, &f.Name, &f.UIDValidity, &f.UIDNext, &f.HighestModSeq,
		&f.LastExists, &f.State, &f.LastSyncedUID, &f.LastPollAt, &f.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return &f, nil
}

// ListFoldersForAccount returns every folder tracked for an account,
// including ones awaiting backfill or marked failed/orphaned.
func ListFoldersForAccount(ctx context.Context, pool *pgxpool.Pool, accountID int64) ([]*models.Folder, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, account_id, name, uid_validity, uid_next, highest_mod_seq,
		       last_exists, state, last_synced_uid, last_poll_at, last_error
		FROM folders WHERE account_id = $1
		ORDER BY name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var out []*models.Folder
	for rows.Next() {
		var f models.Folder
		if err := rows.Scan(
			&f.ID, &f.AccountID, &f.Name, &f.UIDValidity, &f.UIDNext, &f.HighestModSeq,
			&f.LastExists, &f.State, &f.LastSyncedUID, &f.LastPollAt, &f.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return out, nil
}

// SetFolderState transitions a folder's sync state machine state.
func SetFolderState(ctx context.Context, pool *pgxpool.Pool, id int64, state models.FolderState, lastErr string) error {
	_, err := pool.Exec(ctx, `
		UPDATE folders SET state = $2, last_error = $3, last_poll_at = now() WHERE id = $1
	`, id, state, lastErr)
	if err != nil {
		return fmt.Errorf("set folder state: %w", err)
	}
	return nil
}

// AdvanceBackfill persists the new backfill high-water mark after a batch
// commits, so a restart resumes from LastSyncedUID instead of re-scanning.
func AdvanceBackfill(ctx context.Context, pool *pgxpool.Pool, id int64, lastSyncedUID uint32) error {
	_, err := pool.Exec(ctx, `
		UPDATE folders SET last_synced_uid = $2, last_poll_at = now() WHERE id = $1
	`, id, lastSyncedUID)
	if err != nil {
		return fmt.Errorf("advance backfill: %w", err)
	}
	return nil
}

// AdvanceBackfillTx is AdvanceBackfill run inside tx, so a batch's message
// upserts, webhook enqueues, and high-water mark advance commit as one
// atomic unit — a crash between them resumes the batch instead of
// re-emitting or silently dropping its events.
func AdvanceBackfillTx(ctx context.Context, tx pgx.Tx, id int64, lastSyncedUID uint32) error {
	_, err := tx.Exec(ctx, `
		UPDATE folders SET last_synced_uid = $2, last_poll_at = now() WHERE id = $1
	`, id, lastSyncedUID)
	if err != nil {
		return fmt.Errorf("advance backfill: %w", err)
	}
	return nil
}

// SetFolderStateTx is SetFolderState run inside tx.
func SetFolderStateTx(ctx context.Context, tx pgx.Tx, id int64, state models.FolderState, lastErr string) error {
	_, err := tx.Exec(ctx, `
		UPDATE folders SET state = $2, last_error = $3, last_poll_at = now() WHERE id = $1
	`, id, state, lastErr)
	if err != nil {
		return fmt.Errorf("set folder state: %w", err)
	}
	return nil
}

// ResetForUIDValidityChange purges a folder's position so the Unit restarts
// backfill from scratch, per the invariant-violation recovery policy.
func ResetForUIDValidityChange(ctx context.Context, pool *pgxpool.Pool, id int64, newUIDValidity, newUIDNext uint32) error {
	_, err := pool.Exec(ctx, `
		UPDATE folders SET
			uid_validity = $2,
			uid_next = $3,
			last_synced_uid = NULL,
			highest_mod_seq = NULL,
			state = $4
		WHERE id = $1
	`, id, newUIDValidity, newUIDNext, models.FolderBackfilling)
	if err != nil {
		return fmt.Errorf("reset folder for uidvalidity change: %w", err)
	}
	return nil
}

// UpdateHighestModSeq records the CONDSTORE high-water mark after a
// successful delta sync.
func UpdateHighestModSeq(ctx context.Context, pool *pgxpool.Pool, id int64, modSeq uint64) error {
	_, err := pool.Exec(ctx, `UPDATE folders SET highest_mod_seq = $2 WHERE id = $1`, id, modSeq)
	if err != nil {
		return fmt.Errorf("update highest mod seq: %w", err)
	}
	return nil
}
