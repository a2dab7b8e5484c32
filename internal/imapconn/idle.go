package imapconn

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// Idle issues IMAP IDLE against conn's selected mailbox and streams server
// updates on the returned channel until ctx is canceled or the session
// errs out. It restarts the IDLE command every renewal interval — RFC 2177
// recommends ending IDLE before 29 minutes, and most servers enforce it —
// so the caller never needs to think about the cap itself.
//
// The caller must hold conn's lock for the duration of the call and
// release it itself once the IDLE dialogue is over; on a terminal error
// errCh receives exactly one value before both channels close.
func Idle(ctx context.Context, conn *Conn, renewal time.Duration) (updates <-chan imapclient.Update, errCh <-chan error) {
	updateCh := make(chan imapclient.Update, 16)
	errc := make(chan error, 1)

	go func() {
		c := conn.client
		// Detach the update channel before closing it, or the client
		// would panic sending a later unilateral update to a closed
		// channel once the session is back in the pool.
		defer close(errc)
		defer close(updateCh)
		defer func() { c.Updates = nil }()

		c.Updates = updateCh
		idleClient := idle.NewClient(c)

		for {
			roundCtx, cancelRound := context.WithTimeout(ctx, renewal)
			stop := make(chan struct{})
			done := make(chan error, 1)

			go func() { done <- idleClient.IdleWithFallback(stop, 0) }()

			select {
			case <-ctx.Done():
				close(stop)
				<-done
				cancelRound()
				return
			case <-roundCtx.Done():
				close(stop)
				<-done
				cancelRound()
				continue
			case err := <-done:
				cancelRound()
				if err != nil {
					errc <- err
					return
				}
			}
		}
	}()

	return updateCh, errc
}
