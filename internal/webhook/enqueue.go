package webhook

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
)

// EnqueueForAccount fans an event for kind out to every enabled
// subscription that wants it, inserting one Webhook Delivery row per
// subscription inside tx. Called from the same transaction that commits
// the triggering Message Index or Folder state change, giving exactly-once
// enqueue per event as required by the durable-outbox invariant.
func EnqueueForAccount(ctx context.Context, tx pgx.Tx, accountID int64, kind models.TriggerKind, object []byte) error {
	subs, err := store.ListSubscriptionsForAccountTx(ctx, tx, accountID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Subscribes(kind) {
			continue
		}
		if _, err := store.EnqueueDelivery(ctx, tx, &models.WebhookDelivery{
			SubscriptionID: sub.ID,
			AccountID:      accountID,
			Kind:           kind,
			Payload:        object,
		}); err != nil {
			return fmt.Errorf("enqueue delivery for subscription %d: %w", sub.ID, err)
		}
	}
	return nil
}
