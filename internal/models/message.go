package models

import "time"

// MessageIndexEntry is the metadata the core persists for one IMAP message.
// The message body is never stored: only the header/envelope fields needed
// to populate a webhook payload.
type MessageIndexEntry struct {
	AccountID int64
	FolderID  int64
	UID       uint32

	InternalDate time.Time

	From []string
	To   []string
	Cc   []string
	Bcc  []string

	Subject    string
	MessageID  string
	InReplyTo  string
	References []string

	Size  uint32
	Flags []string

	ThreadID string

	FirstSeenAt time.Time
}

// Participants returns the deduplicated set of addresses across From/To/Cc,
// used both for thread-id computation and webhook payloads.
func (m MessageIndexEntry) Participants() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range [][]string{m.From, m.To, m.Cc} {
		for _, addr := range group {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
