// Package supervisor implements the Account Supervisor: the component
// that discovers an account's folders, starts one Folder Sync Unit per
// folder, and restarts a unit that exits with a transient error while
// quiescing the whole account on an authentication failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-imap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vdavid/syncengine/internal/imapconn"
	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/syncerr"
	"github.com/vdavid/syncengine/internal/syncunit"
	"github.com/vdavid/syncengine/internal/telemetry"
	"github.com/vdavid/syncengine/internal/webhook"
)

// Config bundles the Supervisor's tuning knobs, sourced from
// internal/config.
type Config struct {
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackfillBatchSize int
	IMAPIdleRenewal   time.Duration
	DiscoveryInterval time.Duration
}

// Supervisor owns every Folder Sync Unit for one account: it discovers
// folders via LIST, starts a Unit per folder, and restarts any Unit whose
// Run returns an error, applying exponential backoff so a persistently
// broken folder doesn't spin the IMAP connection pool.
type Supervisor struct {
	account *models.Account
	db      *pgxpool.Pool
	imap    *imapconn.Pool
	cfg     Config
	log     zerolog.Logger

	mu      sync.Mutex
	folders map[int64]context.CancelFunc

	// authc receives the first authentication failure surfaced by any
	// folder unit, waking Run to quiesce the whole account.
	authc chan error

	connected bool
}

// New builds a Supervisor for one account. It does not start discovering
// folders until Run is called.
func New(account *models.Account, db *pgxpool.Pool, pool *imapconn.Pool, cfg Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		account: account,
		db:      db,
		imap:    pool,
		cfg:     cfg,
		log:     telemetry.ForAccount(log, account.ID),
		folders: make(map[int64]context.CancelFunc),
		authc:   make(chan error, 1),
	}
}

// Run discovers folders on an interval and keeps one Unit goroutine alive
// per discovered folder until ctx is canceled, at which point every
// folder's Unit is stopped before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.stopAll()

	ticker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer ticker.Stop()

	if err := s.discover(ctx); err != nil {
		switch kindOf(err) {
		case syncerr.KindAuth:
			return s.quiesce(ctx, err)
		case syncerr.KindCoordinatorSplit:
			return s.yield(err)
		}
		s.log.Warn().Err(err).Msg("initial folder discovery failed, will retry")
	} else {
		s.markConnected(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.authc:
			return s.quiesce(ctx, err)
		case <-ticker.C:
			if err := s.discover(ctx); err != nil {
				switch kindOf(err) {
				case syncerr.KindAuth:
					return s.quiesce(ctx, err)
				case syncerr.KindCoordinatorSplit:
					return s.yield(err)
				}
				s.log.Warn().Err(err).Msg("folder discovery failed")
			} else {
				s.markConnected(ctx)
			}
		}
	}
}

func kindOf(err error) syncerr.Kind {
	if kind, ok := syncerr.KindOf(err); ok {
		return kind
	}
	return ""
}

// markConnected emits account.connected and records the sync timestamp
// the first time discovery succeeds for this Supervisor's lifetime, so a
// tenant learns its grant is live as soon as the IMAP dialogue works.
func (s *Supervisor) markConnected(ctx context.Context) {
	if s.connected {
		if err := store.TouchAccountSync(ctx, s.db, s.account.ID); err != nil {
			s.log.Warn().Err(err).Msg("touch account sync timestamp")
		}
		return
	}

	object, err := webhook.AccountObject(s.account.ID, s.account.GrantID, "")
	if err != nil {
		s.log.Error().Err(err).Msg("render account.connected payload")
		return
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("begin account.connected enqueue")
		return
	}
	defer tx.Rollback(ctx)
	if err := webhook.EnqueueForAccount(ctx, tx, s.account.ID, models.TriggerAccountConnected, object); err != nil {
		s.log.Error().Err(err).Msg("enqueue account.connected")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.log.Error().Err(err).Msg("commit account.connected enqueue")
		return
	}

	s.connected = true
	if err := store.TouchAccountSync(ctx, s.db, s.account.ID); err != nil {
		s.log.Warn().Err(err).Msg("touch account sync timestamp")
	}
}

// yield stops all units and returns without an account state change: the
// coordinator has handed this account to another worker, and the other
// worker's Supervisor owns it now.
func (s *Supervisor) yield(cause error) error {
	s.log.Info().Err(cause).Msg("yielding account to newer assignment")
	s.imap.RemoveAccount(s.account.ID)
	return nil
}

// discover lists every mailbox on the server, upserts a Folder row for
// each one not already tracked, and starts a Unit goroutine for any
// folder that doesn't already have one running. Before touching the
// server it re-checks the account's assignment generation: a bump means
// the coordinator has reassigned the account since this Supervisor
// started, and acting on it anyway would race the new owner.
func (s *Supervisor) discover(ctx context.Context) error {
	current, err := store.GetAccount(ctx, s.db, s.account.ID)
	if err != nil {
		return syncerr.ForAccount(syncerr.KindDatabase, s.account.ID, err)
	}
	if current.AssignmentGeneration > s.account.AssignmentGeneration {
		return syncerr.ForAccount(syncerr.KindCoordinatorSplit, s.account.ID,
			fmt.Errorf("assignment generation %d superseded by %d", s.account.AssignmentGeneration, current.AssignmentGeneration))
	}

	conn, release, err := s.imap.Borrow(ctx, s.account)
	if err != nil {
		return fmt.Errorf("borrow session for discovery: %w", err)
	}
	defer release()

	mailboxes := make(chan *imapMailboxInfo, 16)
	done := make(chan error, 1)
	go func() { done <- listMailboxes(conn, mailboxes) }()

	var names []string
	for m := range mailboxes {
		names = append(names, m.name)
	}
	if err := <-done; err != nil {
		return syncerr.ForAccount(syncerr.KindTransientNetwork, s.account.ID, fmt.Errorf("list mailboxes: %w", err))
	}

	for _, name := range names {
		folder := &models.Folder{AccountID: s.account.ID, Name: name, State: models.FolderNew}
		id, err := store.UpsertFolder(ctx, s.db, folder)
		if err != nil {
			s.log.Error().Err(err).Str("folder", name).Msg("upsert folder during discovery")
			continue
		}
		folder.ID = id

		s.mu.Lock()
		_, running := s.folders[id]
		s.mu.Unlock()
		if running {
			continue
		}

		f, err := store.GetFolder(ctx, s.db, id)
		if err != nil {
			s.log.Error().Err(err).Str("folder", name).Msg("reload folder after discovery upsert")
			continue
		}
		s.startFolder(ctx, f)
	}
	return nil
}

// startFolder launches a goroutine that runs the folder's Unit to
// completion, then retries with exponential backoff for as long as the
// Supervisor itself is running.
func (s *Supervisor) startFolder(parent context.Context, f *models.Folder) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.folders[f.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.folders, f.ID)
			s.mu.Unlock()
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.BackoffInitial
		b.MaxInterval = s.cfg.BackoffMax
		b.Multiplier = 2
		b.RandomizationFactor = 1
		b.MaxElapsedTime = 0

		for {
			if ctx.Err() != nil {
				return
			}

			u := syncunit.New(s.account, f, syncunit.Dependencies{
				Pool: s.imap,
				DB:   s.db,
				Config: syncunit.UnitConfig{
					BackfillBatchSize: s.cfg.BackfillBatchSize,
					IMAPIdleRenewal:   s.cfg.IMAPIdleRenewal,
				},
			}, s.log)

			err := u.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			if kindOf(err) == syncerr.KindAuth {
				select {
				case s.authc <- err:
				default:
				}
				return
			}
			if f.State == models.FolderFailed || f.State == models.FolderOrphaned {
				s.log.Error().Err(err).Str("folder", f.Name).Msg("folder sync unit stopped permanently")
				return
			}

			wait := b.NextBackOff()
			s.log.Warn().Err(err).Str("folder", f.Name).Dur("retry_in", wait).Msg("folder sync unit exited, restarting")

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// quiesce moves the account into auth_error, emits
// account.invalid_credentials, stops every running Unit, and returns the
// triggering error so the Worker knows this Supervisor will not restart
// on its own; re-provisioning the account is what brings it back.
func (s *Supervisor) quiesce(ctx context.Context, cause error) error {
	s.log.Error().Err(cause).Msg("account authentication failed, quiescing")

	if err := store.SetAccountState(ctx, s.db, s.account.ID, models.AccountAuthError, cause.Error()); err != nil {
		s.log.Error().Err(err).Msg("failed to persist auth_error state")
	}

	object, err := webhook.AccountObject(s.account.ID, s.account.GrantID, "invalid_credentials")
	if err == nil {
		tx, txErr := s.db.Begin(ctx)
		if txErr == nil {
			if err := webhook.EnqueueForAccount(ctx, tx, s.account.ID, models.TriggerAccountInvalidCreds, object); err != nil {
				s.log.Error().Err(err).Msg("enqueue account.invalid_credentials")
				tx.Rollback(ctx)
			} else if err := tx.Commit(ctx); err != nil {
				s.log.Error().Err(err).Msg("commit account.invalid_credentials enqueue")
			}
		}
	}

	s.imap.RemoveAccount(s.account.ID)
	return cause
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.folders {
		cancel()
		delete(s.folders, id)
	}
}

// imapMailboxInfo is the subset of an IMAP LIST response a discovery pass
// needs.
type imapMailboxInfo struct {
	name string
}

// listMailboxes runs LIST "" "*" against the selected account's session,
// skipping mailboxes flagged \Noselect (folders that exist only to hold
// child mailboxes and can never be the target of a SELECT).
func listMailboxes(conn *imapconn.Conn, out chan<- *imapMailboxInfo) error {
	defer close(out)

	raw := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() { done <- conn.Client().List("", "*", raw) }()

	for m := range raw {
		if isNoSelect(m.Attributes) {
			continue
		}
		out <- &imapMailboxInfo{name: m.Name}
	}
	return <-done
}

func isNoSelect(attrs []string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, `\Noselect`) {
			return true
		}
	}
	return false
}
