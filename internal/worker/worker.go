// Package worker implements the Worker Process: the component that hosts
// a bounded number of Account Supervisors, reports a heartbeat lease to
// the store so the Cluster Coordinator can detect failure, and applies
// whatever account assignment the coordinator (or, in single-process
// mode, the worker itself) decides it should own.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vdavid/syncengine/internal/config"
	"github.com/vdavid/syncengine/internal/imapconn"
	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/supervisor"
	"github.com/vdavid/syncengine/internal/telemetry"
)

// Config bundles the Worker's tuning knobs, sourced from internal/config.
type Config struct {
	Mode                  config.ProcessMode
	SupervisorCap         int
	HeartbeatInterval     time.Duration
	LeaseTTL              time.Duration
	ReconcileInterval     time.Duration
	ShutdownGraceDeadline time.Duration
	Supervisor            supervisor.Config
}

// Worker hosts Account Supervisors up to Config.SupervisorCap and keeps a
// worker_leases row alive so the Cluster Coordinator (or, running
// single-process, nothing) can observe it's alive and what it owns.
type Worker struct {
	ID   string
	db   *pgxpool.Pool
	pool *imapconn.Pool
	cfg  Config
	log  zerolog.Logger

	heartbeatFailures int

	mu          sync.Mutex
	supervisors map[int64]*runningSupervisor
	// assigned maps each owned account to the assignment generation it
	// was started under, so a coordinator reassignment (which bumps the
	// generation) is detectable even when the account comes back to this
	// same worker.
	assigned map[int64]int64
}

// New builds a Worker with a random identity. The identity is used as the
// worker_leases primary key and as accounts.worker_id, so it must be
// stable for the lifetime of the process but need not survive a restart.
func New(db *pgxpool.Pool, pool *imapconn.Pool, cfg Config, log zerolog.Logger) *Worker {
	id := uuid.NewString()
	return &Worker{
		ID:          id,
		db:          db,
		pool:        pool,
		cfg:         cfg,
		log:         telemetry.ForWorker(log, id),
		supervisors: make(map[int64]*runningSupervisor),
		assigned:    make(map[int64]int64),
	}
}

// Run starts the heartbeat loop and blocks until ctx is canceled, at
// which point it stops every Supervisor, waits up to
// ShutdownGraceDeadline for them to exit, and deletes its lease row so
// its accounts become immediately eligible for reassignment.
func (w *Worker) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	reconcile := time.NewTicker(w.cfg.ReconcileInterval)
	defer reconcile.Stop()

	if err := w.heartbeat(ctx); err != nil {
		return err
	}
	w.reconcileAssignment(ctx)

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case <-heartbeat.C:
			if err := w.heartbeat(ctx); err != nil {
				return err
			}
		case <-reconcile.C:
			w.reconcileAssignment(ctx)
		}
	}
}

// reconcileAssignment reads this worker's current account assignment —
// every active account in single-process mode, or the accounts the
// Cluster Coordinator has assigned to this worker ID in cluster mode —
// and applies it via ApplyAssignment.
func (w *Worker) reconcileAssignment(ctx context.Context) {
	var accounts []*models.Account
	var err error
	if w.cfg.Mode == config.ModeCluster {
		accounts, err = store.ListAccountsForWorker(ctx, w.db, w.ID)
	} else {
		accounts, err = store.ListSyncableAccounts(ctx, w.db)
	}
	if err != nil {
		w.log.Error().Err(err).Msg("load account assignment")
		return
	}

	byID := make(map[int64]*models.Account, len(accounts))
	ids := make([]int64, 0, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
		ids = append(ids, a.ID)
	}

	// An account whose assignment generation moved past the one we
	// started it under has been reassigned (possibly away and back);
	// the running Supervisor is superseded and must be replaced.
	w.mu.Lock()
	var superseded []int64
	for id, heldGen := range w.assigned {
		if a, ok := byID[id]; ok && a.AssignmentGeneration > heldGen {
			superseded = append(superseded, id)
		}
	}
	w.mu.Unlock()
	for _, id := range superseded {
		w.log.Info().Int64("account_id", id).Msg("assignment generation superseded, restarting supervisor")
		w.stopAccount(id)
	}

	w.ApplyAssignment(ctx, ids, func(id int64) (*models.Account, error) {
		if a, ok := byID[id]; ok {
			return a, nil
		}
		return store.GetAccount(ctx, w.db, id)
	})
}

// maxConsecutiveHeartbeatFailures is how many heartbeat writes may fail
// in a row before the database is considered unrecoverable and the
// worker exits. Past this point the lease has expired anyway and the
// coordinator has already given the accounts away.
const maxConsecutiveHeartbeatFailures = 5

// heartbeat persists the worker's current account assignment and
// liveness timestamp. It returns an error only once the database has
// been unreachable long enough that continuing would mean syncing
// accounts this worker no longer owns.
func (w *Worker) heartbeat(ctx context.Context) error {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.assigned))
	for id := range w.assigned {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	w.mu.Lock()
	var generation int64 = 1
	for _, gen := range w.assigned {
		if gen > generation {
			generation = gen
		}
	}
	w.mu.Unlock()

	telemetry.CoordinatorLeasesHeld.Set(float64(len(ids)))
	lease := &models.WorkerLease{
		WorkerID:    w.ID,
		HeartbeatAt: time.Now(),
		AccountIDs:  ids,
		Generation:  generation,
	}
	if err := store.UpsertWorkerLease(ctx, w.db, lease); err != nil {
		w.heartbeatFailures++
		w.log.Error().Err(err).Int("consecutive", w.heartbeatFailures).Msg("upsert worker lease")
		if w.heartbeatFailures >= maxConsecutiveHeartbeatFailures {
			return fmt.Errorf("worker lease heartbeat failed %d times in a row: %w", w.heartbeatFailures, err)
		}
		return nil
	}
	w.heartbeatFailures = 0
	return nil
}

// ApplyAssignment starts a Supervisor for every newly assigned account and
// stops one for every account no longer assigned, reconciling toward
// exactly the given set. Called by reconcileAssignment on every reconcile
// tick, in both modes, with the assignment read from the database.
func (w *Worker) ApplyAssignment(ctx context.Context, accountIDs []int64, lookup func(int64) (*models.Account, error)) {
	want := make(map[int64]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		want[id] = struct{}{}
	}

	w.mu.Lock()
	var toStop []int64
	for id := range w.assigned {
		if _, ok := want[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	var toStart []int64
	for id := range want {
		if _, ok := w.assigned[id]; !ok {
			toStart = append(toStart, id)
		}
	}
	w.mu.Unlock()

	for _, id := range toStop {
		w.stopAccount(id)
	}
	for _, id := range toStart {
		account, err := lookup(id)
		if err != nil {
			w.log.Error().Err(err).Int64("account_id", id).Msg("load account for assignment")
			continue
		}
		w.startAccount(ctx, account)
	}
}

// runningSupervisor ties a supervisor goroutine to its cancel func so an
// exiting goroutine can tell whether the map entry is still its own or
// belongs to a successor started after a restart.
type runningSupervisor struct {
	cancel context.CancelFunc
}

func (w *Worker) startAccount(parent context.Context, account *models.Account) {
	w.mu.Lock()
	if len(w.supervisors) >= w.cfg.SupervisorCap {
		w.mu.Unlock()
		w.log.Warn().Int64("account_id", account.ID).Msg("supervisor cap reached, deferring account")
		return
	}
	ctx, cancel := context.WithCancel(parent)
	handle := &runningSupervisor{cancel: cancel}
	w.supervisors[account.ID] = handle
	w.assigned[account.ID] = account.AssignmentGeneration
	w.mu.Unlock()

	s := supervisor.New(account, w.db, w.pool, w.cfg.Supervisor, w.log)
	go func() {
		if err := s.Run(ctx); err != nil {
			w.log.Warn().Err(err).Int64("account_id", account.ID).Msg("account supervisor exited")
		}
		w.mu.Lock()
		if w.supervisors[account.ID] == handle {
			delete(w.supervisors, account.ID)
			delete(w.assigned, account.ID)
		}
		w.mu.Unlock()
	}()
}

func (w *Worker) stopAccount(accountID int64) {
	w.mu.Lock()
	handle, ok := w.supervisors[accountID]
	delete(w.supervisors, accountID)
	delete(w.assigned, accountID)
	w.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

func (w *Worker) shutdown() error {
	w.mu.Lock()
	handles := make([]*runningSupervisor, 0, len(w.supervisors))
	for _, h := range w.supervisors {
		handles = append(handles, h)
	}
	w.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		for {
			w.mu.Lock()
			n := len(w.supervisors)
			w.mu.Unlock()
			if n == 0 {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGraceDeadline):
		w.log.Warn().Msg("shutdown grace deadline exceeded, some supervisors may not have stopped cleanly")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.DeleteWorkerLease(ctx, w.db, w.ID); err != nil {
		w.log.Error().Err(err).Msg("delete worker lease on shutdown")
	}
	return nil
}

// LeasesHeld reports how many accounts this worker currently owns, for
// the /healthz reporter.
func (w *Worker) LeasesHeld() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.assigned)
}
