// Package imapconn manages pooled IMAP sessions: dialing, authentication,
// health checking, and per-host rate limiting, wrapping
// github.com/emersion/go-imap/client. Sessions are keyed by account and
// capacity-bounded, since commercial IMAP servers cap simultaneous
// sessions per user.
package imapconn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/vdavid/syncengine/internal/models"
)

// Health is the last-observed liveness of a Conn.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDead
)

// Conn wraps one authenticated IMAP session with a mutex for safe
// hand-off between pool borrowers. Commands are serialized on the
// session: whoever holds the lock owns the whole dialogue.
type Conn struct {
	client   *client.Client
	mu       sync.Mutex
	lastUsed time.Time
	host     string

	// onClose releases resources attached at dial time (the host
	// limiter's concurrent-session slot, the open-sessions gauge). Run
	// exactly once, however many times the Conn is closed.
	onClose   func()
	closeOnce sync.Once
}

func (c *Conn) Lock()   { c.mu.Lock() }
func (c *Conn) Unlock() { c.mu.Unlock() }

// TryLock attempts to acquire the lock without blocking.
func (c *Conn) TryLock() bool { return c.mu.TryLock() }

// Client returns the underlying IMAP client. The caller must hold the lock.
func (c *Conn) Client() *client.Client { return c.client }

func (c *Conn) touch()                 { c.lastUsed = time.Now() }
func (c *Conn) idleFor() time.Duration { return time.Since(c.lastUsed) }

// state reports the protocol-level health of the session. The caller must
// hold the lock.
func (c *Conn) state() Health {
	switch c.client.State() {
	case imap.AuthenticatedState, imap.SelectedState:
		return HealthHealthy
	default:
		return HealthDead
	}
}

// noop issues a NOOP to confirm liveness after an idle period. The caller
// must hold the lock.
func (c *Conn) noop() bool {
	return c.client.Noop() == nil
}

// loginRejectedError marks a LOGIN the server explicitly refused, so the
// dialer can report an auth failure instead of a transient one.
type loginRejectedError struct {
	addr string
	err  error
}

func (e *loginRejectedError) Error() string {
	return fmt.Sprintf("login %s rejected: %v", e.addr, e.err)
}

func (e *loginRejectedError) Unwrap() error { return e.err }

// closeSession logs the session out and releases whatever was attached
// at dial time. Safe to call on an already-dead session.
func (c *Conn) closeSession() {
	_ = c.client.Logout()
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// Capabilities reports the server capabilities the session negotiated,
// used by internal/threading to decide whether THREAD=REFERENCES or
// CONDSTORE is available. The caller must hold the lock.
func (c *Conn) Capabilities() (map[string]bool, error) {
	caps, err := c.client.Capability()
	if err != nil {
		return nil, fmt.Errorf("fetch capabilities: %w", err)
	}
	return caps, nil
}

// dial opens a TCP/TLS connection and authenticates against an account,
// per the account's TLSMode and a bounded dial timeout.
func dial(account *models.Account, username, secret string, dialTimeout time.Duration) (*Conn, error) {
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	dialer := &net.Dialer{Timeout: dialTimeout}

	var c *client.Client
	var err error
	switch account.TLSMode {
	case models.TLSModeTLS:
		c, err = client.DialWithDialerTLS(dialer, addr, nil)
	case models.TLSModeStartTLS:
		c, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			err = c.StartTLS(nil)
		}
	default:
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := c.Login(username, secret); err != nil {
		_ = c.Logout()
		var status *imap.ErrStatusResp
		if errors.As(err, &status) {
			// The server answered and said no: bad credentials, not a
			// transport problem.
			return nil, &loginRejectedError{addr: addr, err: err}
		}
		return nil, fmt.Errorf("login %s: %w", addr, err)
	}

	return &Conn{client: c, lastUsed: time.Now(), host: account.IMAPHost}, nil
}
