// Package syncerr defines the closed set of tagged error kinds that flow
// between the sync engine's layers, in place of sentinel string matching or
// panics: a Unit, Supervisor, Pool, or Dispatcher inspects Kind to decide
// its recovery policy instead of inspecting an error's text.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a SyncError for recovery-policy dispatch. Each constant's
// doc says where that kind is handled and what the handler does with it.
type Kind string

const (
	// KindTransientNetwork covers TCP resets, dial timeouts, and read/write
	// deadline trips. Handled by a Folder Sync Unit: backoff and restart,
	// no tenant-visible event.
	KindTransientNetwork Kind = "transient_network"

	// KindAuth covers IMAP LOGIN/AUTHENTICATE failures and expired OAuth
	// tokens. Handled by the Account Supervisor: move the account to
	// auth_error, emit account.invalid_credentials, quiesce its units.
	KindAuth Kind = "auth"

	// KindProtocol covers malformed or unexpected server responses.
	// Handled by the Unit: log, drop the session, reopen; three
	// consecutive occurrences move the folder to failed.
	KindProtocol Kind = "protocol"

	// KindInvariantViolation covers a server-side UIDVALIDITY change.
	// Handled by the Unit: purge the folder's index and restart backfill.
	KindInvariantViolation Kind = "invariant_violation"

	// KindServerCapacity covers IMAP "too many simultaneous connections"
	// responses. Handled by the Pool: back off opening new sessions
	// against that host and retry the borrower.
	KindServerCapacity Kind = "server_capacity"

	// KindDatabase covers transaction commit conflicts and other storage
	// errors. The Unit does not retry these itself: it returns them, and
	// the Supervisor restarts the Unit with backoff.
	KindDatabase Kind = "database"

	// KindCoordinatorSplit covers a stale Worker Lease generation
	// observed mid-operation. Handled by the Supervisor: voluntarily
	// yield the account.
	KindCoordinatorSplit Kind = "coordinator_split"
)

// SyncError is a Kind-tagged error carrying the underlying cause and, where
// relevant, the account/folder it occurred against.
type SyncError struct {
	Kind      Kind
	AccountID int64
	FolderID  int64
	Err       error
}

func (e *SyncError) Error() string {
	if e.FolderID != 0 {
		return fmt.Sprintf("%s: account=%d folder=%d: %v", e.Kind, e.AccountID, e.FolderID, e.Err)
	}
	if e.AccountID != 0 {
		return fmt.Sprintf("%s: account=%d: %v", e.Kind, e.AccountID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// New wraps err as a SyncError of the given kind with no account/folder
// context attached.
func New(kind Kind, err error) *SyncError {
	return &SyncError{Kind: kind, Err: err}
}

// ForAccount wraps err as a SyncError scoped to accountID.
func ForAccount(kind Kind, accountID int64, err error) *SyncError {
	return &SyncError{Kind: kind, AccountID: accountID, Err: err}
}

// ForFolder wraps err as a SyncError scoped to a specific folder within an
// account.
func ForFolder(kind Kind, accountID, folderID int64, err error) *SyncError {
	return &SyncError{Kind: kind, AccountID: accountID, FolderID: folderID, Err: err}
}

// Is reports whether err is a *SyncError of the given kind, unwrapping
// through any wrapper chain.
func Is(err error, kind Kind) bool {
	var se *SyncError
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}

// KindOf extracts the Kind of err if it is (or wraps) a *SyncError, and
// reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var se *SyncError
	if !errors.As(err, &se) {
		return "", false
	}
	return se.Kind, true
}
