package syncunit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"

	"github.com/vdavid/syncengine/internal/imapconn"
	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/webhook"
)

// reconcileLive brings the local index up to date with the server for a
// folder already in FolderLive: new messages since the last known UID, and
// a comparison of the server's current UID set against the local index for
// flag changes and expunges. When the session advertises CONDSTORE the
// unit prefers the incremental path: an unchanged HIGHESTMODSEQ skips the
// whole pass, and otherwise UID SEARCH MODSEQ narrows the flag-change
// fetch to just the messages the server says moved. Without CONDSTORE,
// every locally known UID is re-fetched and diffed; both paths feed the
// same flag comparison, so they produce the same event set on an
// identical mailbox.
func (u *Unit) reconcileLive(ctx context.Context, conn *imapconn.Conn, status *imap.MailboxStatus) error {
	modSeq := highestModSeqOf(status)
	caps, _ := conn.Capabilities()
	condstore := caps["CONDSTORE"] && modSeq != 0

	if condstore && u.folder.HighestModSeq != nil && modSeq == *u.folder.HighestModSeq {
		return nil
	}

	if err := u.syncAdditions(ctx, conn); err != nil {
		return err
	}

	var delta []uint32
	haveDelta := false
	if condstore && u.folder.HighestModSeq != nil {
		uids, err := conn.SearchChangedSince(*u.folder.HighestModSeq)
		if err != nil {
			u.log.Warn().Err(err).Msg("UID SEARCH MODSEQ failed, falling back to full reconcile")
		} else {
			delta, haveDelta = uids, true
		}
	}

	if err := u.syncExistingUIDs(ctx, conn, delta, haveDelta); err != nil {
		return err
	}

	if modSeq != 0 {
		if err := store.UpdateHighestModSeq(ctx, u.deps.DB, u.folder.ID, modSeq); err != nil {
			return fmt.Errorf("persist highest modseq: %w", err)
		}
		u.folder.HighestModSeq = &modSeq
	}
	return nil
}

// syncAdditions fetches every UID above the folder's backfill high-water
// mark and upserts them, emitting message.created for each — the "new
// mail arrived" half of the live loop.
func (u *Unit) syncAdditions(ctx context.Context, conn *imapconn.Conn) error {
	from := uint32(1)
	if u.folder.LastSyncedUID != nil {
		from = *u.folder.LastSyncedUID + 1
	}
	if from >= u.folder.UIDNext {
		return nil
	}

	msgs, err := fetchUIDRange(conn.Client(), from, u.folder.UIDNext-1)
	if err != nil {
		return fmt.Errorf("fetch new messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Uid < msgs[j].Uid })

	caps, _ := conn.Capabilities()
	roots := u.serverThreadRoots(conn, caps)

	tx, err := u.deps.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin addition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var highWater uint32
	for _, m := range msgs {
		e := ToIndexEntry(u.account.ID, u.folder.ID, m)
		AssignThreadID(e, roots)
		if e.UID > highWater {
			highWater = e.UID
		}

		inserted, err := store.UpsertMessage(ctx, tx, e)
		if err != nil {
			return fmt.Errorf("upsert new message: %w", err)
		}
		if inserted {
			object, err := webhook.MessageObject(u.account.ID, u.folder.Name, e)
			if err != nil {
				return fmt.Errorf("render message.created payload: %w", err)
			}
			if err := webhook.EnqueueForAccount(ctx, tx, u.account.ID, models.TriggerMessageCreated, object); err != nil {
				return fmt.Errorf("enqueue message.created: %w", err)
			}
		}
	}

	if err := store.AdvanceBackfillTx(ctx, tx, u.folder.ID, highWater); err != nil {
		return fmt.Errorf("advance high water: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit additions: %w", err)
	}
	u.folder.LastSyncedUID = &highWater
	return nil
}

// syncExistingUIDs diffs the server's current UID set (bounded to UIDs the
// unit already knows about) against the local index, detecting expunges
// and flag-only changes. With haveDelta set, delta is the CONDSTORE
// UID SEARCH MODSEQ result and only those messages are fetched; without
// it every locally known UID still on the server is fetched — the
// fallback path. message.updated fires only for messages whose flag set
// actually differs from the indexed one, so an uneventful reconcile round
// emits nothing either way.
func (u *Unit) syncExistingUIDs(ctx context.Context, conn *imapconn.Conn, delta []uint32, haveDelta bool) error {
	localFlags, err := store.FolderFlags(ctx, u.deps.DB, u.folder.ID)
	if err != nil {
		return fmt.Errorf("list local flags: %w", err)
	}
	if len(localFlags) == 0 {
		return nil
	}

	criteria := imap.NewSearchCriteria()
	seqSet := new(imap.SeqSet)
	for uid := range localFlags {
		seqSet.AddNum(uid)
	}
	criteria.Uid = seqSet

	serverUIDs, err := conn.Client().UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("uid search existing: %w", err)
	}
	onServer := make(map[uint32]struct{}, len(serverUIDs))
	for _, uid := range serverUIDs {
		onServer[uid] = struct{}{}
	}

	var expunged []uint32
	for uid := range localFlags {
		if _, ok := onServer[uid]; !ok {
			expunged = append(expunged, uid)
		}
	}

	fetched, err := fetchUIDs(conn.Client(), reconcileFetchSet(serverUIDs, localFlags, delta, haveDelta))
	if err != nil {
		return fmt.Errorf("fetch existing uids: %w", err)
	}
	var changed []*imap.Message
	for _, m := range fetched {
		if known, ok := localFlags[m.Uid]; !ok || !sameFlagSet(known, m.Flags) {
			changed = append(changed, m)
		}
	}

	if len(expunged) == 0 && len(changed) == 0 {
		return nil
	}

	tx, err := u.deps.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, uid := range expunged {
		if err := store.DeleteMessage(ctx, tx, u.folder.ID, uid); err != nil {
			return fmt.Errorf("delete expunged message: %w", err)
		}
	}

	for _, m := range changed {
		e := ToIndexEntry(u.account.ID, u.folder.ID, m)
		e.ThreadID = "" // empty keeps the stored id, per UpsertMessage
		inserted, err := store.UpsertMessage(ctx, tx, e)
		if err != nil {
			return fmt.Errorf("upsert reconciled message: %w", err)
		}
		if inserted {
			continue
		}
		object, err := webhook.MessageObject(u.account.ID, u.folder.Name, e)
		if err != nil {
			return fmt.Errorf("render message.updated payload: %w", err)
		}
		if err := webhook.EnqueueForAccount(ctx, tx, u.account.ID, models.TriggerMessageUpdated, object); err != nil {
			return fmt.Errorf("enqueue message.updated: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reconcile: %w", err)
	}
	return nil
}

// reconcileFetchSet decides which already-known UIDs a reconcile round
// fetches for flag comparison. On the CONDSTORE path only the UIDs the
// server reported changed (and that are both locally indexed and still
// present) are fetched; on the fallback path every locally known UID the
// server still has is fetched. Both feed the same flag diff downstream.
func reconcileFetchSet(serverUIDs []uint32, localFlags map[uint32][]string, delta []uint32, haveDelta bool) []uint32 {
	if !haveDelta {
		return serverUIDs
	}

	onServer := make(map[uint32]struct{}, len(serverUIDs))
	for _, uid := range serverUIDs {
		onServer[uid] = struct{}{}
	}

	var out []uint32
	for _, uid := range delta {
		if _, ok := localFlags[uid]; !ok {
			continue
		}
		if _, ok := onServer[uid]; !ok {
			continue
		}
		out = append(out, uid)
	}
	return out
}

// sameFlagSet compares two IMAP flag lists as sets, ignoring order and
// the \Recent session flag, which toggles per session without meaning a
// real change.
func sameFlagSet(a, b []string) bool {
	normalize := func(flags []string) map[string]struct{} {
		set := make(map[string]struct{}, len(flags))
		for _, f := range flags {
			if strings.EqualFold(f, imap.RecentFlag) {
				continue
			}
			set[strings.ToLower(f)] = struct{}{}
		}
		return set
	}
	as, bs := normalize(a), normalize(b)
	if len(as) != len(bs) {
		return false
	}
	for f := range as {
		if _, ok := bs[f]; !ok {
			return false
		}
	}
	return true
}

// contendedIdleHold bounds how long a unit may pin a pooled session in
// IDLE while sibling folders are queued for one, so an account with more
// folders than sessions timeshares the set instead of starving it.
const contendedIdleHold = time.Minute

// idleOnce borrows a pooled session, selects the folder, and blocks in
// IDLE until a server notification, the hold expires, or a drop,
// returning control to the caller's reconcile-then-idle loop either way.
// The session comes from the same capacity-bounded per-account set as
// every other command, so idling never opens sessions beyond the cap.
func (u *Unit) idleOnce(ctx context.Context) error {
	conn, release, err := u.deps.Pool.Borrow(ctx, u.account)
	if err != nil {
		return fmt.Errorf("borrow session for idle: %w", err)
	}
	defer release()

	if _, err := conn.Client().Select(u.folder.Name, false); err != nil {
		return fmt.Errorf("select for idle: %w", err)
	}

	hold := u.deps.Config.IMAPIdleRenewal
	if u.deps.Pool.HasWaiters(u.account.ID) {
		hold = contendedIdleHold
	}
	idleCtx, cancel := context.WithTimeout(ctx, hold)
	defer cancel()

	updates, errc := imapconn.Idle(idleCtx, conn, hold)
	select {
	case <-ctx.Done():
		<-errc // DONE must be on the wire before the session is released
		return ctx.Err()
	case <-idleCtx.Done():
		<-errc
		return nil
	case _, ok := <-updates:
		if !ok {
			return <-errc
		}
		cancel()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}
