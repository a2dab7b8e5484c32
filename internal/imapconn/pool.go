package imapconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/syncerr"
	"github.com/vdavid/syncengine/internal/telemetry"
)

// capacityPenalty is how long new session opens against a host are
// paused after it rejects a dial for having too many connections.
const capacityPenalty = 30 * time.Second

// isCapacityError matches the response text servers use when a user or
// host has hit its simultaneous-connection limit. There is no
// machine-readable code for this in RFC 3501, so substring matching is
// the portable option.
func isCapacityError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "TOO MANY SIMULTANEOUS") ||
		strings.Contains(msg, "TOO MANY CONNECTIONS") ||
		strings.Contains(msg, "MAXIMUM NUMBER OF CONNECTIONS") ||
		strings.Contains(msg, "[LIMIT]")
}

// CredentialProvider resolves an account's decrypted IMAP username and
// secret at dial time, so the pool itself never holds decrypted
// credentials longer than a single dial.
type CredentialProvider interface {
	IMAPCredentials(ctx context.Context, accountID int64) (username, secret string, err error)
}

// Pool hands out pooled IMAP sessions keyed by account. Each account
// gets its own accountSet capped at Capacity sessions; every use of a
// session — SELECT/FETCH/SEARCH work and IDLE waits alike — borrows from
// that one bounded set, so an account with more folders than sessions
// timeshares instead of opening more. A background goroutine evicts
// sessions idle past IdleTTL.
type Pool struct {
	credentials CredentialProvider
	limiters    *HostLimiters
	log         zerolog.Logger

	capacity    int
	idleTTL     time.Duration
	healthCheck time.Duration
	dialTimeout time.Duration

	mu   sync.RWMutex
	sets map[int64]*accountSet

	cleanupCancel context.CancelFunc
}

// Config bundles the Pool's tuning knobs, sourced from internal/config.
type Config struct {
	Capacity                int
	IdleTTL                 time.Duration
	HealthCheckAfter        time.Duration
	DialTimeout             time.Duration
	MaxConcurrentPerHost    int
	MaxNewConnPerSecPerHost float64
}

// NewPool builds a Pool and starts its idle-session reaper.
func NewPool(cfg Config, credentials CredentialProvider, log zerolog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		credentials:   credentials,
		limiters:      NewHostLimiters(cfg.MaxConcurrentPerHost, cfg.MaxNewConnPerSecPerHost),
		log:           log,
		capacity:      cfg.Capacity,
		idleTTL:       cfg.IdleTTL,
		healthCheck:   cfg.HealthCheckAfter,
		dialTimeout:   cfg.DialTimeout,
		sets:          make(map[int64]*accountSet),
		cleanupCancel: cancel,
	}
	go p.reapIdleLoop(ctx)
	return p
}

// Close stops the reaper and logs out every pooled session.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, set := range p.sets {
		set.closeAll()
		delete(p.sets, id)
	}
}

func (p *Pool) getOrCreateSet(accountID int64) *accountSet {
	p.mu.RLock()
	set, ok := p.sets[accountID]
	p.mu.RUnlock()
	if ok {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.sets[accountID]; ok {
		return set
	}
	set = newAccountSet(p.capacity)
	p.sets[accountID] = set
	return set
}

// Borrow returns a ready worker Conn for the account, reusing a pooled
// session when one is healthy and free, or dialing a new one bounded by
// both the account's own capacity and the host-wide rate limiter. release
// must be called exactly once when the caller is finished with the Conn.
func (p *Pool) Borrow(ctx context.Context, account *models.Account) (conn *Conn, release func(), err error) {
	set := p.getOrCreateSet(account.ID)

	c, rel, err := set.acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("await account session slot: %w", err)
	}
	if c != nil {
		if c.state() == HealthHealthy {
			if c.idleFor() < p.healthCheck || c.noop() {
				c.touch()
				return c, rel, nil
			}
		}
		// Dead or failed health check: drop it and fall through to dial fresh.
		c.closeSession()
		c.Unlock()
		rel()
		set.remove(c)
	}

	releaseSlot, err := set.reserveSlot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("await account session slot: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			releaseSlot()
		}
	}()

	c, err = p.dialAccount(ctx, account)
	if err != nil {
		return nil, nil, err
	}

	c.Lock()
	set.add(c)
	ok = true
	return c, func() {
		c.Unlock()
		releaseSlot()
	}, nil
}

// dialAccount opens and authenticates a new session for account, gated
// by the host's new-connection rate and concurrent-session bound. The
// host slot stays held for the session's whole lifetime and is given
// back by closeSession, so a host's concurrent-session count reflects
// real open sessions, not in-flight dials.
func (p *Pool) dialAccount(ctx context.Context, account *models.Account) (*Conn, error) {
	if err := p.limiters.AwaitDial(ctx, account.IMAPHost); err != nil {
		return nil, fmt.Errorf("await dial rate limit: %w", err)
	}
	hostRelease, err := p.limiters.AcquireSlot(ctx, account.IMAPHost)
	if err != nil {
		return nil, fmt.Errorf("acquire host slot: %w", err)
	}

	username, secret, err := p.credentials.IMAPCredentials(ctx, account.ID)
	if err != nil {
		hostRelease()
		return nil, syncerr.ForAccount(syncerr.KindAuth, account.ID, err)
	}

	c, err := dial(account, username, secret, p.dialTimeout)
	if err != nil {
		hostRelease()
		if isCapacityError(err) {
			p.limiters.PenalizeHost(account.IMAPHost, capacityPenalty)
			telemetry.IMAPReconnectsTotal.WithLabelValues("server_capacity").Inc()
			return nil, syncerr.ForAccount(syncerr.KindServerCapacity, account.ID, err)
		}
		var rejected *loginRejectedError
		if errors.As(err, &rejected) {
			telemetry.IMAPReconnectsTotal.WithLabelValues("auth_failure").Inc()
			return nil, syncerr.ForAccount(syncerr.KindAuth, account.ID, err)
		}
		telemetry.IMAPReconnectsTotal.WithLabelValues("dial_failure").Inc()
		return nil, syncerr.ForAccount(syncerr.KindTransientNetwork, account.ID, err)
	}

	host := account.IMAPHost
	telemetry.IMAPSessionsOpen.WithLabelValues(host).Inc()
	c.onClose = func() {
		hostRelease()
		telemetry.IMAPSessionsOpen.WithLabelValues(host).Dec()
	}
	return c, nil
}

// HasWaiters reports whether another borrower is currently blocked on
// the account's session capacity, used by Folder Sync Units to shorten
// an IDLE hold so sibling folders get a turn.
func (p *Pool) HasWaiters(accountID int64) bool {
	p.mu.RLock()
	set, ok := p.sets[accountID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return set.hasWaiters()
}

// RemoveAccount discards every pooled session for an account, used when
// the Account Supervisor yields or the account is disabled.
func (p *Pool) RemoveAccount(accountID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.sets[accountID]; ok {
		set.closeAll()
		delete(p.sets, accountID)
	}
}
