package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/telemetry"
)

// Config bundles the Dispatcher's tuning knobs, sourced from
// internal/config.
type Config struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	HTTPTimeout    time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

// Dispatcher polls due Webhook Delivery rows and POSTs them to their
// subscription's target URL, retrying on transient failures and honoring
// the per-(account, subscription) ordering invariant via
// store.ClaimDueDeliveries.
type Dispatcher struct {
	pool *pgxpool.Pool
	http *http.Client
	cfg  Config
	log  zerolog.Logger
}

// New builds a Dispatcher. The HTTP client's timeout is set to
// cfg.HTTPTimeout so a stalled tenant endpoint cannot pin a dispatch slot
// indefinitely.
func New(pool *pgxpool.Pool, cfg Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		pool: pool,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:  cfg,
		log:  log,
	}
}

// Run polls for due deliveries every PollInterval until ctx is canceled,
// dispatching each claimed batch concurrently — cross-(account,subscription)
// deliveries have no ordering requirement, so there is no reason to
// serialize the HTTP calls themselves.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	lease := d.cfg.HTTPTimeout + 10*time.Second
	due, err := store.ClaimDueDeliveries(ctx, d.pool, d.cfg.BatchSize, lease)
	if err != nil {
		d.log.Error().Err(err).Msg("claim due webhook deliveries")
		return
	}
	telemetry.WebhookDeliveryPending.Set(float64(len(due)))

	for _, delivery := range due {
		go d.dispatchOne(ctx, delivery)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, delivery *models.WebhookDelivery) {
	start := time.Now()
	defer func() { telemetry.WebhookDeliveryDuration.Observe(time.Since(start).Seconds()) }()

	sub, err := store.GetSubscription(ctx, d.pool, delivery.SubscriptionID)
	if err != nil {
		d.log.Error().Err(err).Int64("delivery_id", delivery.ID).Msg("load subscription for delivery")
		return
	}

	body, err := Envelope(delivery.ID, delivery.Kind, sub.ApplicationID, delivery.CreatedAt.Unix(), delivery.Payload)
	if err != nil {
		d.log.Error().Err(err).Int64("delivery_id", delivery.ID).Msg("render webhook envelope")
		return
	}

	status, postErr := d.post(ctx, sub.TargetURL, sub.SigningSecret, body)
	d.record(ctx, delivery, sub, status, postErr)
}

func (d *Dispatcher) post(ctx context.Context, url, secret string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(secret, body))

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// record applies the terminal-state policy from the error-handling design:
// 2xx delivers, 4xx other than 408/429 fails permanently, everything else
// (5xx, 408, 429, network error) retries up to MaxAttempts before
// expiring.
func (d *Dispatcher) record(ctx context.Context, delivery *models.WebhookDelivery, sub *models.WebhookSubscription, status int, postErr error) {
	attempt := delivery.AttemptCount + 1

	switch {
	case postErr == nil && status >= 200 && status < 300:
		telemetry.WebhookDeliveryAttemptsTotal.WithLabelValues("delivered").Inc()
		if err := store.RecordDeliverySuccess(ctx, d.pool, delivery.ID, status); err != nil {
			d.log.Error().Err(err).Int64("delivery_id", delivery.ID).Msg("record delivery success")
		}
		return

	case postErr == nil && status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		telemetry.WebhookDeliveryAttemptsTotal.WithLabelValues("permanently_failed").Inc()
		d.log.Warn().Int64("delivery_id", delivery.ID).Str("subscription_url", sub.TargetURL).
			Int("status", status).Msg("webhook permanently failed")
		if err := store.RecordDeliveryFailure(ctx, d.pool, delivery.ID, status, "non-retryable status", time.Time{}, models.DeliveryPermanentlyFailed); err != nil {
			d.log.Error().Err(err).Int64("delivery_id", delivery.ID).Msg("record delivery failure")
		}
		return
	}

	lastErr := "retryable status"
	if postErr != nil {
		lastErr = postErr.Error()
	}

	if attempt >= d.cfg.MaxAttempts {
		telemetry.WebhookDeliveryAttemptsTotal.WithLabelValues("expired").Inc()
		d.log.Warn().Int64("delivery_id", delivery.ID).Str("subscription_url", sub.TargetURL).
			Int("attempts", attempt).Msg("webhook delivery expired after max attempts")
		if err := store.RecordDeliveryFailure(ctx, d.pool, delivery.ID, status, lastErr, time.Time{}, models.DeliveryExpired); err != nil {
			d.log.Error().Err(err).Int64("delivery_id", delivery.ID).Msg("record delivery expiry")
		}
		return
	}

	telemetry.WebhookDeliveryAttemptsTotal.WithLabelValues("retry").Inc()
	next := time.Now().Add(backoffDuration(delivery.AttemptCount, d.cfg.BackoffInitial, d.cfg.BackoffMax))
	if err := store.RecordDeliveryFailure(ctx, d.pool, delivery.ID, status, lastErr, next, ""); err != nil {
		d.log.Error().Err(err).Int64("delivery_id", delivery.ID).Msg("record delivery retry")
	}
}

// backoffDuration computes the jittered interval before the (attempt+1)th
// delivery attempt, using the same exponential-backoff-with-jitter
// machinery the Account Supervisor uses for unit restarts.
func backoffDuration(attempt int, base, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
