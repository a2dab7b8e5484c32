package imapconn

import (
	"context"
	"time"
)

// reapIdleLoop periodically evicts worker Conns that have sat unused past
// IdleTTL, freeing the underlying TCP connection instead of holding it
// open indefinitely against the server's connection-count limits.
func (p *Pool) reapIdleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.RLock()
	sets := make(map[int64]*accountSet, len(p.sets))
	for id, set := range p.sets {
		sets[id] = set
	}
	p.mu.RUnlock()

	for _, set := range sets {
		for _, c := range set.snapshot() {
			if !c.TryLock() {
				continue
			}
			if c.idleFor() > p.idleTTL {
				c.closeSession()
				c.Unlock()
				set.remove(c)
				continue
			}
			c.Unlock()
		}
	}
}
