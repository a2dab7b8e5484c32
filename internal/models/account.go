// Package models holds the durable row types shared by internal/store and
// the subsystems that operate on them.
package models

import "time"

// AccountState is the lifecycle state of an Account.
type AccountState string

const (
	AccountProvisioning AccountState = "provisioning"
	AccountActive       AccountState = "active"
	AccountAuthError    AccountState = "auth_error"
	AccountDisabled     AccountState = "disabled"
	AccountDeleted      AccountState = "deleted"
)

// TLSMode controls how imapconn dials the server.
type TLSMode string

const (
	TLSModeTLS      TLSMode = "tls"
	TLSModeStartTLS TLSMode = "starttls"
	TLSModeInsecure TLSMode = "none"
)

// Account is a tenant-owned mailbox connection. Credentials are never stored
// on this struct; they are retrieved through a CredentialProvider keyed by ID.
type Account struct {
	ID int64
	// GrantID is the tenant-facing opaque identifier returned by the
	// provisioning API; ID is only ever used internally.
	GrantID string

	IMAPHost string
	IMAPPort int
	TLSMode  TLSMode

	SMTPHost string
	SMTPPort int

	ApplicationID string
	State         AccountState

	// BackfillHorizon is nil for "all history", or the number of most
	// recent messages per folder to backfill.
	BackfillHorizon *int

	LastSyncAt *time.Time
	LastError  string
	WorkerID   *string

	// AssignmentGeneration is bumped by the Cluster Coordinator on every
	// reassignment. A worker holding an older generation than the row's
	// current one has been superseded and must yield the account.
	AssignmentGeneration int64
}

// IsSyncable reports whether the account should currently own running
// Folder Sync Units.
func (a Account) IsSyncable() bool {
	return a.State == AccountActive
}
