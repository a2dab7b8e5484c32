package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/syncengine/internal/models"
)

// ErrDeliveryNotFound is returned when a requested delivery row does not
// exist.
var ErrDeliveryNotFound = errors.New("webhook delivery not found")

// ErrSubscriptionNotFound is returned when a requested subscription row
// does not exist.
var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// GetSubscription fetches one subscription by ID, used by the Dispatcher
// to resolve the target URL and signing secret for a claimed delivery.
func GetSubscription(ctx context.Context, pool *pgxpool.Pool, id int64) (*models.WebhookSubscription, error) {
	var s models.WebhookSubscription
	var kinds []string
	err := pool.QueryRow(ctx, `
		SELECT id, application_id, target_url, signing_secret, trigger_kinds, enabled
		FROM webhook_subscriptions WHERE id = $1
	`, id).Scan(&s.ID, &s.ApplicationID, &s.TargetURL, &s.SigningSecret, &kinds, &s.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	for _, k := range kinds {
		s.TriggerKinds = append(s.TriggerKinds, models.TriggerKind(k))
	}
	return &s, nil
}

// ListSubscriptionsForAccount returns every enabled subscription belonging
// to the application that owns accountID.
func ListSubscriptionsForAccount(ctx context.Context, pool *pgxpool.Pool, accountID int64) ([]*models.WebhookSubscription, error) {
	rows, err := pool.Query(ctx, `
		SELECT s.id, s.application_id, s.target_url, s.signing_secret, s.trigger_kinds, s.enabled
		FROM webhook_subscriptions s
		JOIN accounts a ON a.application_id = s.application_id
		WHERE a.id = $1 AND s.enabled = true
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for account: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookSubscription
	for rows.Next() {
		var s models.WebhookSubscription
		var kinds []string
		if err := rows.Scan(&s.ID, &s.ApplicationID, &s.TargetURL, &s.SigningSecret, &kinds, &s.Enabled); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		for _, k := range kinds {
			s.TriggerKinds = append(s.TriggerKinds, models.TriggerKind(k))
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// EnqueueDelivery inserts a pending webhook delivery row within tx, so it
// commits atomically with whatever message-index or folder-state change
// triggered it — the durable outbox pattern that makes enqueue exactly-once.
// EventSeq is drawn from a per-account counter row locked within the same
// transaction, giving (account, subscription) pairs a strictly
// non-decreasing delivery order without a separate sequence object per
// account.
func EnqueueDelivery(ctx context.Context, tx pgx.Tx, d *models.WebhookDelivery) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		INSERT INTO account_event_counters (account_id, next_seq)
		VALUES ($1, 1)
		ON CONFLICT (account_id) DO UPDATE SET next_seq = account_event_counters.next_seq + 1
		RETURNING next_seq
	`, d.AccountID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("assign event sequence: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (
			subscription_id, account_id, event_seq, kind, payload,
			attempt_count, next_attempt_at, state
		) VALUES ($1, $2, $3, $4, $5, 0, now(), $6)
		RETURNING id
	`, d.SubscriptionID, d.AccountID, seq, d.Kind, d.Payload, models.DeliveryPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue webhook delivery: %w", err)
	}
	return id, nil
}

// ListSubscriptionsForAccountTx is ListSubscriptionsForAccount run inside an
// existing transaction, so webhook enqueue can see subscription rows
// consistently with the message-index write it commits alongside.
func ListSubscriptionsForAccountTx(ctx context.Context, tx pgx.Tx, accountID int64) ([]*models.WebhookSubscription, error) {
	rows, err := tx.Query(ctx, `
		SELECT s.id, s.application_id, s.target_url, s.signing_secret, s.trigger_kinds, s.enabled
		FROM webhook_subscriptions s
		JOIN accounts a ON a.application_id = s.application_id
		WHERE a.id = $1 AND s.enabled = true
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for account: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookSubscription
	for rows.Next() {
		var s models.WebhookSubscription
		var kinds []string
		if err := rows.Scan(&s.ID, &s.ApplicationID, &s.TargetURL, &s.SigningSecret, &kinds, &s.Enabled); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		for _, k := range kinds {
			s.TriggerKinds = append(s.TriggerKinds, models.TriggerKind(k))
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

// ClaimDueDeliveries atomically selects and leases a batch of due
// deliveries for dispatch, enforcing the per-(account, subscription)
// ordering invariant at the SQL level: a delivery is only eligible if no
// earlier-event-seq pending delivery exists for the same
// (account_id, subscription_id) pair. FOR UPDATE SKIP LOCKED lets multiple
// Dispatcher instances across the worker fleet poll the same table without
// double-claiming a row. The claimed rows' next_attempt_at is pushed out by
// lease so a crash mid-HTTP-call simply lets the row become due again
// after the lease expires, rather than blocking it forever.
func ClaimDueDeliveries(ctx context.Context, pool *pgxpool.Pool, limit int, lease time.Duration) ([]*models.WebhookDelivery, error) {
	rows, err := pool.Query(ctx, `
		UPDATE webhook_deliveries d
		SET next_attempt_at = now() + make_interval(secs => $2)
		FROM (
			SELECT wd.id FROM webhook_deliveries wd
			WHERE wd.state = $3 AND wd.next_attempt_at <= now()
			AND NOT EXISTS (
				SELECT 1 FROM webhook_deliveries e
				WHERE e.account_id = wd.account_id
				  AND e.subscription_id = wd.subscription_id
				  AND e.event_seq < wd.event_seq
				  AND e.state = $3
			)
			ORDER BY wd.account_id, wd.subscription_id
			LIMIT $1
			FOR UPDATE OF wd SKIP LOCKED
		) claimed
		WHERE d.id = claimed.id
		RETURNING d.id, d.subscription_id, d.account_id, d.event_seq, d.kind, d.payload,
		          d.attempt_count, d.next_attempt_at, d.state, d.last_status, d.last_error, d.created_at
	`, limit, lease.Seconds(), models.DeliveryPending)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(
			&d.ID, &d.SubscriptionID, &d.AccountID, &d.EventSeq, &d.Kind, &d.Payload,
			&d.AttemptCount, &d.NextAttemptAt, &d.State, &d.LastStatus, &d.LastError, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed delivery: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed deliveries: %w", err)
	}
	return out, nil
}

// DueDeliveries returns pending/retrying deliveries whose NextAttemptAt has
// elapsed, ordered by (account_id, subscription_id, event_seq) so the
// dispatcher preserves per-(account,subscription) ordering.
func DueDeliveries(ctx context.Context, pool *pgxpool.Pool, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, subscription_id, account_id, event_seq, kind, payload,
		       attempt_count, next_attempt_at, state, last_status, last_error, created_at
		FROM webhook_deliveries
		WHERE state = $1 AND next_attempt_at <= now()
		ORDER BY account_id, subscription_id, event_seq
		LIMIT $2
	`, models.DeliveryPending, limit)
	if err != nil {
		return nil, fmt.Errorf("due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(
			&d.ID, &d.SubscriptionID, &d.AccountID, &d.EventSeq, &d.Kind, &d.Payload,
			&d.AttemptCount, &d.NextAttemptAt, &d.State, &d.LastStatus, &d.LastError, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// RecordDeliverySuccess marks a delivery delivered after a 2xx response.
func RecordDeliverySuccess(ctx context.Context, pool *pgxpool.Pool, id int64, status int) error {
	_, err := pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET state = $2, last_status = $3, attempt_count = attempt_count + 1
		WHERE id = $1
	`, id, models.DeliveryDelivered, status)
	if err != nil {
		return fmt.Errorf("record delivery success: %w", err)
	}
	return nil
}

// RecordDeliveryFailure schedules the next retry (or marks the delivery
// permanently_failed / expired) after a failed attempt.
func RecordDeliveryFailure(ctx context.Context, pool *pgxpool.Pool, id int64, status int, lastErr string, nextAttempt time.Time, terminal models.DeliveryState) error {
	state := models.DeliveryPending
	if terminal != "" {
		state = terminal
	}
	_, err := pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET state = $2, last_status = $3, last_error = $4,
		    next_attempt_at = $5, attempt_count = attempt_count + 1
		WHERE id = $1
	`, id, state, status, lastErr, nextAttempt)
	if err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	return nil
}

// GetDelivery fetches one delivery row by ID.
func GetDelivery(ctx context.Context, pool *pgxpool.Pool, id int64) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := pool.QueryRow(ctx, `
		SELECT id, subscription_id, account_id, event_seq, kind, payload,
		       attempt_count, next_attempt_at, state, last_status, last_error, created_at
		FROM webhook_deliveries WHERE id = $1
	`, id).Scan(
		&d.ID, &d.SubscriptionID, &d.AccountID, &d.EventSeq, &d.Kind, &d.Payload,
		&d.AttemptCount, &d.NextAttemptAt, &d.State, &d.LastStatus, &d.LastError, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return &d, nil
}
