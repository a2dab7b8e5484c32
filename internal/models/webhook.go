package models

import "time"

// TriggerKind names a webhook event kind a tenant application can subscribe
// to.
type TriggerKind string

const (
	TriggerMessageCreated      TriggerKind = "message.created"
	TriggerMessageUpdated      TriggerKind = "message.updated"
	TriggerFolderUpdated       TriggerKind = "folder.updated"
	TriggerAccountConnected    TriggerKind = "account.connected"
	TriggerAccountInvalidCreds TriggerKind = "account.invalid_credentials"
)

// WebhookSubscription is a tenant application's registered delivery target.
type WebhookSubscription struct {
	ID            int64
	ApplicationID string
	TargetURL     string
	SigningSecret string
	TriggerKinds  []TriggerKind
	Enabled       bool
}

// Subscribes reports whether the subscription wants events of kind.
func (s WebhookSubscription) Subscribes(kind TriggerKind) bool {
	if !s.Enabled {
		return false
	}
	for _, k := range s.TriggerKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DeliveryState is the terminal/non-terminal lifecycle of a WebhookDelivery.
type DeliveryState string

const (
	DeliveryPending           DeliveryState = "pending"
	DeliveryDelivered         DeliveryState = "delivered"
	DeliveryExpired           DeliveryState = "expired"
	DeliveryPermanentlyFailed DeliveryState = "permanently_failed"
)

// IsTerminal reports whether the state is a terminal state that must never
// be retried again.
func (s DeliveryState) IsTerminal() bool {
	return s == DeliveryDelivered || s == DeliveryExpired || s == DeliveryPermanentlyFailed
}

// WebhookDelivery is one (subscription, event) pair. EventSeq is assigned
// monotonically per account at enqueue time and is what gives deliveries to
// the same (account, subscription) their non-decreasing order.
type WebhookDelivery struct {
	ID             int64
	SubscriptionID int64
	AccountID      int64
	EventSeq       int64

	Kind    TriggerKind
	Payload []byte

	AttemptCount  int
	NextAttemptAt time.Time
	State         DeliveryState

	LastStatus int
	LastError  string

	CreatedAt time.Time
}
