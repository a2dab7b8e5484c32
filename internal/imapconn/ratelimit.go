package imapconn

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiter bounds how aggressively the sync engine opens new sessions
// and how many sessions it holds open at once against a single IMAP server — a fleet
// of Account Supervisors hammering one mail provider would otherwise look
// like abuse from that provider's point of view.
type hostLimiter struct {
	newConnections *rate.Limiter
	concurrent     chan struct{}

	mu           sync.Mutex
	penaltyUntil time.Time
}

// HostLimiters hands out a hostLimiter per IMAP hostname, creating one on
// first use.
type HostLimiters struct {
	mu               sync.Mutex
	limiters         map[string]*hostLimiter
	maxConcurrent    int
	maxNewConnPerSec float64
}

// NewHostLimiters builds a registry bounding, per host, the number of
// concurrent sessions and the rate of new session opens.
func NewHostLimiters(maxConcurrent int, maxNewConnPerSec float64) *HostLimiters {
	return &HostLimiters{
		limiters:         make(map[string]*hostLimiter),
		maxConcurrent:    maxConcurrent,
		maxNewConnPerSec: maxNewConnPerSec,
	}
}

func (h *HostLimiters) forHost(host string) *hostLimiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.limiters[host]
	if ok {
		return l
	}
	l = &hostLimiter{
		newConnections: rate.NewLimiter(rate.Limit(h.maxNewConnPerSec), 1),
		concurrent:     make(chan struct{}, h.maxConcurrent),
	}
	h.limiters[host] = l
	return l
}

// AwaitDial blocks until it is safe to open a new session against host,
// respecting the new-connection rate, any active capacity penalty, and
// the caller-supplied cancellation.
func (h *HostLimiters) AwaitDial(ctx context.Context, host string) error {
	l := h.forHost(host)

	l.mu.Lock()
	wait := time.Until(l.penaltyUntil)
	l.mu.Unlock()
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return l.newConnections.Wait(ctx)
}

// PenalizeHost pauses new session opens against host for d, used when the
// server answers a dial with a too-many-connections rejection. Borrowers
// already waiting simply dial later; nothing surfaces to the tenant.
func (h *HostLimiters) PenalizeHost(host string, d time.Duration) {
	l := h.forHost(host)
	l.mu.Lock()
	if until := time.Now().Add(d); until.After(l.penaltyUntil) {
		l.penaltyUntil = until
	}
	l.mu.Unlock()
}

// AcquireSlot reserves one of host's concurrent-session slots, blocking
// until one frees up or ctx is canceled. The returned release function
// must be called exactly once.
func (h *HostLimiters) AcquireSlot(ctx context.Context, host string) (release func(), err error) {
	l := h.forHost(host)
	select {
	case l.concurrent <- struct{}{}:
		return func() { <-l.concurrent }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
