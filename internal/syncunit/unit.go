// Package syncunit implements the Folder Sync Unit: the state machine
// that owns one (account, folder) pair end to end — initial backfill,
// live delta reconciliation, and the IDLE wait between deltas — and the
// IMAP-to-message-index translation it runs on every fetch.
package syncunit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vdavid/syncengine/internal/imapconn"
	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/syncerr"
	"github.com/vdavid/syncengine/internal/telemetry"
	"github.com/vdavid/syncengine/internal/webhook"
)

// maxConsecutiveProtocolErrors is how many KindProtocol failures in a row
// move a folder to FolderFailed instead of retrying.
const maxConsecutiveProtocolErrors = 3

// Dependencies bundles everything a Unit needs that isn't specific to the
// one (account, folder) pair it owns.
type Dependencies struct {
	Pool   *imapconn.Pool
	DB     *pgxpool.Pool
	Config UnitConfig
}

// UnitConfig carries the subset of the process configuration a Unit reads
// on every loop iteration.
type UnitConfig struct {
	BackfillBatchSize int
	IMAPIdleRenewal   time.Duration
}

// Unit owns the sync lifecycle of one folder for one account: discovery,
// backfill, and the reconcile/IDLE loop, persisting its position after
// every batch so a restart resumes instead of re-emitting events.
type Unit struct {
	account *models.Account
	folder  *models.Folder
	deps    Dependencies
	log     zerolog.Logger

	consecutiveProtocolErrors int
}

// New builds a Unit for one (account, folder) pair.
func New(account *models.Account, folder *models.Folder, deps Dependencies, log zerolog.Logger) *Unit {
	return &Unit{
		account: account,
		folder:  folder,
		deps:    deps,
		log:     telemetry.ForFolder(log, account.ID, folder.Name),
	}
}

// Run drives the folder's state machine until ctx is canceled or the
// folder reaches FolderFailed. The Account Supervisor is responsible for
// restarting a Unit that returns a non-nil, non-context error.
func (u *Unit) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := u.step(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if kind, ok := syncerr.KindOf(err); ok && kind == syncerr.KindProtocol {
				u.consecutiveProtocolErrors++
				if u.consecutiveProtocolErrors >= maxConsecutiveProtocolErrors {
					u.failFolder(ctx, err)
					return err
				}
				u.log.Warn().Err(err).Int("consecutive", u.consecutiveProtocolErrors).Msg("protocol error, retrying")
				continue
			}
			return err
		}
		u.consecutiveProtocolErrors = 0
	}
}

// step runs exactly one iteration appropriate to the folder's current
// state: discovery for FolderNew, one backfill batch for
// FolderBackfilling, or one reconcile-then-idle round for FolderLive.
func (u *Unit) step(ctx context.Context) error {
	switch u.folder.State {
	case models.FolderNew:
		return u.discover(ctx)
	case models.FolderBackfilling:
		return u.backfillStep(ctx)
	case models.FolderLive:
		return u.liveStep(ctx)
	case models.FolderFailed, models.FolderOrphaned:
		<-ctx.Done()
		return ctx.Err()
	default:
		return fmt.Errorf("unit: unknown folder state %q", u.folder.State)
	}
}

// discover selects the mailbox for the first time, records its
// UIDVALIDITY/UIDNEXT, and transitions to FolderBackfilling (or straight
// to FolderLive for an empty-history folder).
func (u *Unit) discover(ctx context.Context) error {
	conn, release, err := u.deps.Pool.Borrow(ctx, u.account)
	if err != nil {
		return syncerr.ForFolder(syncerr.KindTransientNetwork, u.account.ID, u.folder.ID, err)
	}
	defer release()

	status, err := conn.Client().Select(u.folder.Name, false)
	if err != nil {
		return u.classifySelectError(ctx, conn, err)
	}

	u.folder.UIDValidity = status.UidValidity
	u.folder.UIDNext = status.UidNext

	nextState := models.FolderBackfilling
	if !u.folder.NeedsBackfill() {
		nextState = models.FolderLive
	}

	id, err := store.UpsertFolder(ctx, u.deps.DB, u.folder)
	if err != nil {
		return syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
	}
	u.folder.ID = id
	if err := store.SetFolderState(ctx, u.deps.DB, u.folder.ID, nextState, ""); err != nil {
		return syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
	}
	u.setState(nextState)
	return nil
}

// backfillStep runs one batch of the ascending-UID enumeration, checking
// for a UIDVALIDITY change first since a long backfill can span a server
// restart that invalidates the folder's identity mid-run.
func (u *Unit) backfillStep(ctx context.Context) error {
	conn, release, err := u.deps.Pool.Borrow(ctx, u.account)
	if err != nil {
		return syncerr.ForFolder(syncerr.KindTransientNetwork, u.account.ID, u.folder.ID, err)
	}
	defer release()

	status, err := conn.Client().Select(u.folder.Name, false)
	if err != nil {
		return u.classifySelectError(ctx, conn, err)
	}
	changed, err := u.handleUIDValidity(ctx, status)
	if err != nil || changed {
		return err
	}
	u.folder.UIDNext = status.UidNext

	from := backfillStart(u.folder, u.account.BackfillHorizon)
	highWater, caughtUp, err := u.runBackfillBatch(ctx, conn, from, u.deps.Config.BackfillBatchSize)
	if err != nil {
		return syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
	}
	u.folder.LastSyncedUID = &highWater

	if caughtUp {
		if err := store.SetFolderState(ctx, u.deps.DB, u.folder.ID, models.FolderLive, ""); err != nil {
			return syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
		}
		u.setState(models.FolderLive)
	}
	return nil
}

// liveStep reconciles the folder against the server once and then blocks
// in IDLE until the next notification, timeout, or drop.
func (u *Unit) liveStep(ctx context.Context) error {
	conn, release, err := u.deps.Pool.Borrow(ctx, u.account)
	if err != nil {
		return syncerr.ForFolder(syncerr.KindTransientNetwork, u.account.ID, u.folder.ID, err)
	}
	status, err := conn.Client().Select(u.folder.Name, false)
	if err != nil {
		classified := u.classifySelectError(ctx, conn, err)
		release()
		return classified
	}
	changed, err := u.handleUIDValidity(ctx, status)
	if err != nil || changed {
		release()
		return err
	}
	u.folder.UIDNext = status.UidNext

	err = u.reconcileLive(ctx, conn, status)
	release()
	if err != nil {
		return syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
	}

	if err := u.idleOnce(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return syncerr.ForFolder(syncerr.KindTransientNetwork, u.account.ID, u.folder.ID, err)
	}
	return nil
}

// handleUIDValidity detects a server-side UIDVALIDITY change against a
// folder that has already been discovered once, purging the local index
// and restarting backfill from scratch per the invariant-violation
// recovery policy. It reports changed=true when it performed a reset, so
// the caller skips the rest of its step and lets the next iteration pick
// up from FolderBackfilling.
func (u *Unit) handleUIDValidity(ctx context.Context, status *imap.MailboxStatus) (bool, error) {
	if u.folder.UIDValidity == 0 || status.UidValidity == u.folder.UIDValidity {
		return false, nil
	}

	u.log.Warn().
		Uint32("old_uid_validity", u.folder.UIDValidity).
		Uint32("new_uid_validity", status.UidValidity).
		Msg("UIDVALIDITY changed, purging folder index")

	tx, err := u.deps.DB.Begin(ctx)
	if err != nil {
		return true, syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
	}
	defer tx.Rollback(ctx)

	if err := store.PurgeFolderMessages(ctx, tx, u.folder.ID); err != nil {
		return true, syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
	}
	object, err := webhook.FolderUpdatedObject(u.account.ID, u.folder.Name, "uidvalidity_change")
	if err != nil {
		return true, fmt.Errorf("render folder.updated payload: %w", err)
	}
	if err := webhook.EnqueueForAccount(ctx, tx, u.account.ID, models.TriggerFolderUpdated, object); err != nil {
		return true, syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return true, syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
	}

	if err := store.ResetForUIDValidityChange(ctx, u.deps.DB, u.folder.ID, status.UidValidity, status.UidNext); err != nil {
		return true, syncerr.ForFolder(syncerr.KindDatabase, u.account.ID, u.folder.ID, err)
	}

	u.folder.UIDValidity = status.UidValidity
	u.folder.UIDNext = status.UidNext
	u.folder.LastSyncedUID = nil
	u.folder.HighestModSeq = nil
	u.setState(models.FolderBackfilling)
	return true, nil
}

// classifySelectError tags a failed SELECT: a mailbox the server reports
// as gone is re-checked against the live mailbox list — confirmed absent
// means the folder was deleted or renamed server-side, so it moves to
// FolderOrphaned and a folder.updated event tells the tenant. Everything
// else is a transient-or-protocol failure the caller's retry loop handles.
func (u *Unit) classifySelectError(ctx context.Context, conn *imapconn.Conn, err error) error {
	if isMailboxGone(err) && !u.folderStillListed(conn) {
		u.orphanFolder(ctx, err)
		return syncerr.ForFolder(syncerr.KindProtocol, u.account.ID, u.folder.ID, err)
	}
	return syncerr.ForFolder(syncerr.KindTransientNetwork, u.account.ID, u.folder.ID, err)
}

// folderStillListed re-runs LIST for this folder's exact name. A SELECT
// can fail NONEXISTENT transiently during a server-side rename; only a
// folder absent from LIST is treated as really gone.
func (u *Unit) folderStillListed(conn *imapconn.Conn) bool {
	raw := make(chan *imap.MailboxInfo, 4)
	done := make(chan error, 1)
	go func() { done <- conn.Client().List("", u.folder.Name, raw) }()

	found := false
	for m := range raw {
		if m.Name == u.folder.Name {
			found = true
		}
	}
	if err := <-done; err != nil {
		// Can't tell; err on the side of keeping the folder.
		return true
	}
	return found
}

// orphanFolder records the orphaned state and emits folder.updated with
// reason deleted, in one transaction so the tenant notification cannot be
// lost between the two writes.
func (u *Unit) orphanFolder(ctx context.Context, cause error) {
	tx, err := u.deps.DB.Begin(ctx)
	if err != nil {
		u.log.Error().Err(err).Msg("begin orphan tx")
		return
	}
	defer tx.Rollback(ctx)

	if err := store.SetFolderStateTx(ctx, tx, u.folder.ID, models.FolderOrphaned, cause.Error()); err != nil {
		u.log.Error().Err(err).Msg("persist orphaned state")
		return
	}
	object, err := webhook.FolderUpdatedObject(u.account.ID, u.folder.Name, "deleted")
	if err != nil {
		u.log.Error().Err(err).Msg("render folder.updated payload")
		return
	}
	if err := webhook.EnqueueForAccount(ctx, tx, u.account.ID, models.TriggerFolderUpdated, object); err != nil {
		u.log.Error().Err(err).Msg("enqueue folder.updated")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		u.log.Error().Err(err).Msg("commit orphan tx")
		return
	}

	u.setState(models.FolderOrphaned)
}

func (u *Unit) failFolder(ctx context.Context, cause error) {
	if err := store.SetFolderState(ctx, u.deps.DB, u.folder.ID, models.FolderFailed, cause.Error()); err != nil {
		u.log.Error().Err(err).Msg("failed to persist failed state")
	}
	u.setState(models.FolderFailed)
}

// setState moves the in-memory folder state and keeps the per-state
// gauge balanced across the transition.
func (u *Unit) setState(next models.FolderState) {
	if u.folder.State == next {
		return
	}
	if u.folder.State != "" {
		telemetry.FoldersByState.WithLabelValues(string(u.folder.State)).Dec()
	}
	u.folder.State = next
	telemetry.FoldersByState.WithLabelValues(string(next)).Inc()
}
