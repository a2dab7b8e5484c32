// Package webhook implements the durable outbound delivery pipeline:
// building trigger payloads, signing them, enqueueing one delivery row per
// subscribed tenant application, and a Dispatcher that polls due rows and
// POSTs them with retry and per-(account,subscription) ordering.
package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/vdavid/syncengine/internal/models"
)

// envelope is the outbound JSON body shape, mimicking the hosted
// email-infrastructure API the core's external surface imitates.
type envelope struct {
	ID            int64              `json:"id"`
	Type          models.TriggerKind `json:"type"`
	CreatedAt     int64              `json:"created_at"`
	ApplicationID string             `json:"application_id"`
	Object        json.RawMessage    `json:"object"`
}

// messageCreatedObject is the `object` payload for message.created and
// message.updated triggers.
type messageCreatedObject struct {
	AccountID    int64    `json:"account_id"`
	MessageID    string   `json:"message_id"`
	ThreadID     string   `json:"thread_id"`
	Folder       string   `json:"folder"`
	Subject      string   `json:"subject"`
	From         []string `json:"from"`
	To           []string `json:"to"`
	Cc           []string `json:"cc,omitempty"`
	Bcc          []string `json:"bcc,omitempty"`
	Participants []string `json:"participants"`
	Flags        []string `json:"flags"`
	InternalDate int64    `json:"internal_date"`
}

// folderUpdatedObject is the `object` payload for folder.updated.
type folderUpdatedObject struct {
	AccountID int64  `json:"account_id"`
	Folder    string `json:"folder"`
	Reason    string `json:"reason"`
}

// accountObject is the `object` payload for account.connected and
// account.invalid_credentials.
type accountObject struct {
	AccountID int64  `json:"account_id"`
	GrantID   string `json:"grant_id"`
	Reason    string `json:"reason,omitempty"`
}

// MessageObject renders a message.created/message.updated trigger body for
// one message index entry in one folder.
func MessageObject(accountID int64, folderName string, m *models.MessageIndexEntry) ([]byte, error) {
	return json.Marshal(messageCreatedObject{
		AccountID:    accountID,
		MessageID:    fmt.Sprintf("%d:%d:%d", accountID, m.FolderID, m.UID),
		ThreadID:     m.ThreadID,
		Folder:       folderName,
		Subject:      m.Subject,
		From:         m.From,
		To:           m.To,
		Cc:           m.Cc,
		Bcc:          m.Bcc,
		Participants: m.Participants(),
		Flags:        m.Flags,
		InternalDate: m.InternalDate.Unix(),
	})
}

// FolderUpdatedObject renders a folder.updated trigger body.
func FolderUpdatedObject(accountID int64, folderName, reason string) ([]byte, error) {
	return json.Marshal(folderUpdatedObject{AccountID: accountID, Folder: folderName, Reason: reason})
}

// AccountObject renders an account.connected/account.invalid_credentials
// trigger body.
func AccountObject(accountID int64, grantID, reason string) ([]byte, error) {
	return json.Marshal(accountObject{AccountID: accountID, GrantID: grantID, Reason: reason})
}

// Envelope wraps an already-rendered object payload with the delivery's id,
// kind, and timing, ready for HMAC signing and POSTing. createdAt is passed
// in rather than computed with time.Now so callers stay testable.
func Envelope(deliveryID int64, kind models.TriggerKind, applicationID string, createdAtUnix int64, object []byte) ([]byte, error) {
	return json.Marshal(envelope{
		ID:            deliveryID,
		Type:          kind,
		CreatedAt:     createdAtUnix,
		ApplicationID: applicationID,
		Object:        object,
	})
}
