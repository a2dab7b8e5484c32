package imapconn

import (
	"context"
	"sync"
	"sync/atomic"
)

// accountSet manages the pooled worker Conns for one account, bounded to
// at most capacity concurrently open sessions via a semaphore.
type accountSet struct {
	mu        sync.Mutex
	conns     []*Conn
	semaphore chan struct{}
	waiters   atomic.Int32
}

func newAccountSet(capacity int) *accountSet {
	return &accountSet{semaphore: make(chan struct{}, capacity)}
}

// acquire returns an idle, locked Conn from the set if one exists. It
// returns nil if the set has room for a new Conn but none are currently
// free; the caller is then responsible for dialing one and calling add.
// It blocks until a semaphore slot is available or ctx is canceled.
func (s *accountSet) acquire(ctx context.Context) (*Conn, func(), error) {
	if err := s.takeSlot(ctx); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conns {
		if c.TryLock() {
			c.touch()
			return c, func() {
				c.Unlock()
				<-s.semaphore
			}, nil
		}
	}

	<-s.semaphore
	return nil, func() {}, nil
}

// reserveSlot blocks until a semaphore slot is free for dialing a new
// Conn, returning a release function to be called if dialing fails or
// once the new Conn is added and locked.
func (s *accountSet) reserveSlot(ctx context.Context) (func(), error) {
	if err := s.takeSlot(ctx); err != nil {
		return nil, err
	}
	return func() { <-s.semaphore }, nil
}

// takeSlot acquires one capacity slot, counting itself as a waiter while
// blocked so holders (an IDLE in particular) can tell someone is queued.
func (s *accountSet) takeSlot(ctx context.Context) error {
	select {
	case s.semaphore <- struct{}{}:
		return nil
	default:
	}

	s.waiters.Add(1)
	defer s.waiters.Add(-1)
	select {
	case s.semaphore <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *accountSet) hasWaiters() bool {
	return s.waiters.Load() > 0
}

func (s *accountSet) add(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = append(s.conns, c)
}

func (s *accountSet) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.conns {
		if existing == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func (s *accountSet) snapshot() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, len(s.conns))
	copy(out, s.conns)
	return out
}

// closeAll logs out every Conn in the set: one it can lock immediately is
// closed under its lock, and one currently borrowed is closed without
// taking the lock.
func (s *accountSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.TryLock() {
			c.closeSession()
			c.Unlock()
		} else {
			c.closeSession()
		}
	}
	s.conns = nil
}
