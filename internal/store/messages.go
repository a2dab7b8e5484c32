package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/syncengine/internal/models"
)

// ErrMessageNotFound is returned when a requested message index entry does
// not exist.
var ErrMessageNotFound = errors.New("message index entry not found")

// UpsertMessage inserts or updates a message index entry, keyed by
// (folder_id, uid). Re-syncing a UID already indexed (e.g. after a restart)
// updates Flags without disturbing FirstSeenAt, which backs the
// idempotent-restart invariant. An empty incoming ThreadID keeps the
// stored one, so reconcile passes that skip thread computation don't
// erase ids assigned during backfill.
func UpsertMessage(ctx context.Context, tx pgx.Tx, m *models.MessageIndexEntry) (bool, error) {
	var inserted bool
	err := tx.QueryRow(ctx, `
		INSERT INTO message_index (
			account_id, folder_id, uid, internal_date,
			from_addrs, to_addrs, cc_addrs, bcc_addrs,
			subject, message_id, in_reply_to, references_ids,
			size_bytes, flags, thread_id, first_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		ON CONFLICT (folder_id, uid) DO UPDATE SET
			flags = EXCLUDED.flags,
			thread_id = COALESCE(NULLIF(EXCLUDED.thread_id, ''), message_index.thread_id)
		RETURNING (xmax = 0) AS inserted
	`,
		m.AccountID, m.FolderID, m.UID, m.InternalDate,
		m.From, m.To, m.Cc, m.Bcc,
		m.Subject, m.MessageID, m.InReplyTo, m.References,
		m.Size, m.Flags, m.ThreadID,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert message index entry: %w", err)
	}
	return inserted, nil
}

// GetMessageByUID fetches one message index entry by folder and UID.
func GetMessageByUID(ctx context.Context, pool *pgxpool.Pool, folderID int64, uid uint32) (*models.MessageIndexEntry, error) {
	var m models.MessageIndexEntry
	err := pool.QueryRow(ctx, `
		SELECT account_id, folder_id, uid, internal_date,
		       from_addrs, to_addrs, cc_addrs, bcc_addrs,
		       subject, message_id, in_reply_to, references_ids,
		       size_bytes, flags, thread_id, first_seen_at
		FROM message_index WHERE folder_id = $1 AND uid = $2
	`, folderID, uid).Scan(
		&m.AccountID, &m.FolderID, &m.UID, &m.InternalDate,
		&m.From, &m.To, &m.Cc, &m.Bcc,
		&m.Subject, &m.MessageID, &m.InReplyTo, &m.References,
		&m.Size, &m.Flags, &m.ThreadID, &m.FirstSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message by uid: %w", err)
	}
	return &m, nil
}

// HighestSyncedUID returns the highest UID already indexed for a folder, or
// 0 if none. Backfill resumes from the folder's LastSyncedUID, not from
// this value.
func HighestSyncedUID(ctx context.Context, pool *pgxpool.Pool, folderID int64) (uint32, error) {
	var uid *uint32
	err := pool.QueryRow(ctx, `
		SELECT max(uid) FROM message_index WHERE folder_id = $1
	`, folderID).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("highest synced uid: %w", err)
	}
	if uid == nil {
		return 0, nil
	}
	return *uid, nil
}

// UIDsInFolder returns every UID currently indexed for a folder. The
// live-sync reconciliation pass reads FolderFlags instead.
func UIDsInFolder(ctx context.Context, pool *pgxpool.Pool, folderID int64) (map[uint32]struct{}, error) {
	rows, err := pool.Query(ctx, `SELECT uid FROM message_index WHERE folder_id = $1`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list folder uids: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]struct{})
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan uid: %w", err)
		}
		out[uid] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uids: %w", err)
	}
	return out, nil
}

// FolderFlags returns the flag set currently indexed for every UID in a
// folder, used by the live-sync reconciliation pass to decide which
// messages actually changed (and so deserve a message.updated event) and
// which UIDs the server has expunged.
func FolderFlags(ctx context.Context, pool *pgxpool.Pool, folderID int64) (map[uint32][]string, error) {
	rows, err := pool.Query(ctx, `SELECT uid, flags FROM message_index WHERE folder_id = $1`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list folder flags: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32][]string)
	for rows.Next() {
		var uid uint32
		var flags []string
		if err := rows.Scan(&uid, &flags); err != nil {
			return nil, fmt.Errorf("scan folder flags: %w", err)
		}
		out[uid] = flags
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folder flags: %w", err)
	}
	return out, nil
}

// DeleteMessage removes a message index entry following a server-side
// expunge, leaving a tombstone so a later consistency check can tell a
// deliberately removed UID apart from one the index silently lost.
func DeleteMessage(ctx context.Context, tx pgx.Tx, folderID int64, uid uint32) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO expunge_tombstones (folder_id, uid)
		VALUES ($1, $2)
		ON CONFLICT (folder_id, uid) DO NOTHING
	`, folderID, uid)
	if err != nil {
		return fmt.Errorf("record expunge tombstone: %w", err)
	}
	_, err = tx.Exec(ctx, `DELETE FROM message_index WHERE folder_id = $1 AND uid = $2`, folderID, uid)
	if err != nil {
		return fmt.Errorf("delete message index entry: %w", err)
	}
	return nil
}

// ListTombstones returns every expunged UID recorded for a folder.
func ListTombstones(ctx context.Context, pool *pgxpool.Pool, folderID int64) (map[uint32]struct{}, error) {
	rows, err := pool.Query(ctx, `SELECT uid FROM expunge_tombstones WHERE folder_id = $1`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]struct{})
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		out[uid] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tombstones: %w", err)
	}
	return out, nil
}

// PurgeFolderMessages drops every indexed message and tombstone for a
// folder, used when a UIDVALIDITY change invalidates every UID the folder
// previously recorded and backfill must restart from scratch.
func PurgeFolderMessages(ctx context.Context, tx pgx.Tx, folderID int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM expunge_tombstones WHERE folder_id = $1`, folderID); err != nil {
		return fmt.Errorf("purge folder tombstones: %w", err)
	}
	_, err := tx.Exec(ctx, `DELETE FROM message_index WHERE folder_id = $1`, folderID)
	if err != nil {
		return fmt.Errorf("purge folder messages: %w", err)
	}
	return nil
}
