package models

import "time"

// FolderState is the local sync state of a Folder, as driven by the
// syncunit state machine.
type FolderState string

const (
	FolderNew         FolderState = "new"
	FolderBackfilling FolderState = "backfilling"
	FolderLive        FolderState = "live"
	FolderFailed      FolderState = "failed"
	FolderOrphaned    FolderState = "orphaned"
)

// Folder is one IMAP mailbox tracked for a given Account.
type Folder struct {
	ID        int64
	AccountID int64
	Name      string

	UIDValidity uint32
	UIDNext     uint32
	// HighestModSeq is nil when the server does not support CONDSTORE.
	HighestModSeq *uint64
	LastExists    uint32

	State FolderState

	// LastSyncedUID is the backfill high-water mark: the highest UID that
	// has been committed to the message index. Persisted after every
	// batch so a restart resumes without re-emitting events.
	LastSyncedUID *uint32

	LastPollAt *time.Time
	LastError  string
}

// NeedsBackfill reports whether there is still backfill work left (UIDs
// above LastSyncedUID and below UIDNEXT, walked in ascending order) before
// the folder can enter FolderLive.
func (f Folder) NeedsBackfill() bool {
	if f.UIDNext <= 1 {
		return false
	}
	if f.LastSyncedUID == nil {
		return true
	}
	return *f.LastSyncedUID < f.UIDNext-1
}
