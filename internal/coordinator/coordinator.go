// Package coordinator implements the Cluster Coordinator: leader election
// over a single contended lease row, and, while holding it, distribution
// of every syncable account across the live worker fleet using a
// consistent-hash ring with bounded load so losing or adding a worker
// reshuffles only a fraction of accounts instead of all of them.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vdavid/syncengine/internal/controlplane"
	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/telemetry"
)

// Config bundles the Coordinator's tuning knobs, sourced from
// internal/config.
type Config struct {
	WorkerID          string
	RebalanceInterval time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
}

// Coordinator runs the leader-election and rebalance loop for one worker
// process. Every process in cluster mode runs a Coordinator; only the one
// that wins the lease actually performs a rebalance pass each tick.
type Coordinator struct {
	db     *pgxpool.Pool
	cfg    Config
	log    zerolog.Logger
	notify *controlplane.Hub

	isLeader bool
}

// New builds a Coordinator for a worker process. notify may be nil, in
// which case rebalances simply aren't broadcast anywhere.
func New(db *pgxpool.Pool, cfg Config, log zerolog.Logger, notify *controlplane.Hub) *Coordinator {
	return &Coordinator{db: db, cfg: cfg, log: log, notify: notify}
}

// Run attempts to acquire or renew the leader lease every RebalanceInterval
// until ctx is canceled, rebalancing the account-to-worker assignment on
// every tick where it holds the lease.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	_, err := store.TryAcquireLeaderLease(ctx, c.db, c.cfg.WorkerID, c.cfg.LeaseTTL)
	switch {
	case err == nil:
		c.isLeader = true
	case err == store.ErrNotLeader:
		c.isLeader = false
		telemetry.CoordinatorIsLeader.Set(0)
		return
	default:
		c.log.Error().Err(err).Msg("acquire leader lease")
		c.isLeader = false
		telemetry.CoordinatorIsLeader.Set(0)
		return
	}

	telemetry.CoordinatorIsLeader.Set(1)
	if err := c.rebalance(ctx); err != nil {
		c.log.Error().Err(err).Msg("rebalance accounts")
	}
}

// rebalance loads every syncable account and every live worker lease,
// assigns each account to a worker via the bounded-load ring, and
// persists any assignment that changed. Workers that have missed two
// heartbeats are excluded from the ring, so their accounts flow to live
// workers on the very next tick instead of waiting for a human to notice.
func (c *Coordinator) rebalance(ctx context.Context) error {
	accounts, err := store.ListSyncableAccounts(ctx, c.db)
	if err != nil {
		return err
	}
	leases, err := store.ListWorkerLeases(ctx, c.db)
	if err != nil {
		return err
	}

	now := time.Now()
	var live []string
	for _, l := range leases {
		if !l.Expired(now, c.cfg.HeartbeatInterval) {
			live = append(live, l.WorkerID)
		}
	}
	// The leader's own worker is always a candidate even before its first
	// heartbeat lands, so a freshly elected leader doesn't orphan every
	// account for one rebalance interval.
	if !contains(live, c.cfg.WorkerID) {
		live = append(live, c.cfg.WorkerID)
	}
	if len(live) == 0 {
		return nil
	}

	r := newRing(live)
	load := make(map[string]int, len(live))
	var changed int

	for _, a := range accounts {
		key := accountKey(a)
		worker, ok := r.assign(key, load, len(accounts), len(live))
		if !ok {
			continue
		}
		load[worker]++

		if a.WorkerID != nil && *a.WorkerID == worker {
			continue
		}
		if err := store.SetAccountWorker(ctx, c.db, a.ID, &worker); err != nil {
			c.log.Error().Err(err).Int64("account_id", a.ID).Msg("assign account to worker")
			continue
		}
		changed++
	}

	if changed > 0 {
		telemetry.CoordinatorRebalancesTotal.Add(float64(changed))
		c.log.Info().Int("reassigned", changed).Int("workers", len(live)).Msg("rebalanced account assignment")
		if c.notify != nil {
			c.notify.Broadcast(rebalanceNotification(changed, len(live)))
		}
	}
	return nil
}

func rebalanceNotification(reassigned, workers int) []byte {
	msg, err := json.Marshal(struct {
		Type       string `json:"type"`
		Reassigned int    `json:"reassigned"`
		Workers    int    `json:"workers"`
	}{Type: "rebalance", Reassigned: reassigned, Workers: workers})
	if err != nil {
		return []byte(`{"type":"rebalance"}`)
	}
	return msg
}

// IsLeader reports whether this process currently holds the coordinator
// lease, for the /healthz reporter.
func (c *Coordinator) IsLeader() bool {
	return c.isLeader
}

func accountKey(a *models.Account) string {
	return a.GrantID
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
