package syncunit

import (
	"context"
	"fmt"
	"sort"

	"github.com/vdavid/syncengine/internal/imapconn"
	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/threading"
	"github.com/vdavid/syncengine/internal/webhook"
)

// backfillStart returns the lowest UID the unit should enumerate from,
// honoring a nil (resume from scratch) or already-advanced LastSyncedUID
// and the account's backfill horizon (nil means "all history").
func backfillStart(f *models.Folder, horizon *int) uint32 {
	if f.LastSyncedUID != nil {
		return *f.LastSyncedUID + 1
	}
	if horizon == nil || *horizon <= 0 {
		return 1
	}
	if f.UIDNext <= uint32(*horizon) {
		return 1
	}
	return f.UIDNext - uint32(*horizon)
}

// runBackfillBatch fetches and commits one batch of up to batchSize
// messages starting at fromUID, returning the highest UID it committed
// and whether the folder has now caught up to UIDNext-1.
func (u *Unit) runBackfillBatch(ctx context.Context, conn *imapconn.Conn, fromUID uint32, batchSize int) (highWater uint32, caughtUp bool, err error) {
	toUID := fromUID + uint32(batchSize) - 1
	if toUID >= u.folder.UIDNext-1 {
		toUID = u.folder.UIDNext - 1
		caughtUp = true
	}
	if fromUID > toUID {
		return fromUID - 1, true, nil
	}

	msgs, err := fetchUIDRange(conn.Client(), fromUID, toUID)
	if err != nil {
		return 0, false, fmt.Errorf("fetch backfill batch: %w", err)
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Uid < msgs[j].Uid })

	caps, _ := conn.Capabilities()
	roots := u.serverThreadRoots(conn, caps)

	entries := make([]*models.MessageIndexEntry, 0, len(msgs))
	for _, m := range msgs {
		e := ToIndexEntry(u.account.ID, u.folder.ID, m)
		AssignThreadID(e, roots)
		entries = append(entries, e)
		if e.UID > highWater {
			highWater = e.UID
		}
	}
	if highWater < toUID {
		highWater = toUID
	}

	tx, err := u.deps.DB.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin backfill batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		inserted, err := store.UpsertMessage(ctx, tx, e)
		if err != nil {
			return 0, false, fmt.Errorf("upsert backfill message: %w", err)
		}
		if inserted {
			object, err := webhook.MessageObject(u.account.ID, u.folder.Name, e)
			if err != nil {
				return 0, false, fmt.Errorf("render message.created payload: %w", err)
			}
			if err := webhook.EnqueueForAccount(ctx, tx, u.account.ID, models.TriggerMessageCreated, object); err != nil {
				return 0, false, fmt.Errorf("enqueue message.created: %w", err)
			}
		}
	}

	if err := store.AdvanceBackfillTx(ctx, tx, u.folder.ID, highWater); err != nil {
		return 0, false, fmt.Errorf("advance backfill: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit backfill batch: %w", err)
	}

	return highWater, caughtUp, nil
}

// serverThreadRoots runs UID THREAD REFERENCES once per selected mailbox
// when the server advertises it, nil otherwise so callers fall back to the
// subject/participant heuristic.
func (u *Unit) serverThreadRoots(conn *imapconn.Conn, caps map[string]bool) map[uint32]uint32 {
	if !threading.SupportsReferencesThread(caps) {
		return nil
	}
	roots, err := threading.RootByUID(conn.Client())
	if err != nil {
		u.log.Warn().Err(err).Msg("UID THREAD REFERENCES failed, falling back to subject heuristic")
		return nil
	}
	return roots
}
