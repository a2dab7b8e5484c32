package syncunit

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/emersion/go-imap"

	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/threading"
)

// referencesSection requests just the References header field, so a
// backfill or delta fetch threads a message without pulling its body.
func referencesSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"References"},
		},
		Peek: true,
	}
}

var msgIDToken = regexp.MustCompile(`<[^<>]+>`)

// parseReferences extracts the ordered list of message-ids from a raw
// "References: <a> <b>" header blob as returned by referencesSection.
func parseReferences(raw string) []string {
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return nil
	}
	return msgIDToken.FindAllString(raw[idx+1:], -1)
}

// readHeaderBlob drains the literal go-imap hands back for a fetched
// header section into a plain string.
func readHeaderBlob(msg *imap.Message, section *imap.BodySectionName) string {
	lit := msg.GetBody(section)
	if lit == nil {
		return ""
	}
	var sb strings.Builder
	scanner := bufio.NewScanner(lit)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte(' ')
	}
	return sb.String()
}

// addressesOf renders an ENVELOPE address list as plain "mailbox@host"
// strings, dropping entries go-imap could not parse a mailbox/host for
// (e.g. group syntax markers).
func addressesOf(addrs []*imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil || a.MailboxName == "" || a.HostName == "" {
			continue
		}
		out = append(out, a.MailboxName+"@"+a.HostName)
	}
	return out
}

// ToIndexEntry converts one fetched IMAP message into the row persisted in
// the Message Index. It does not assign ThreadID — that is filled in by
// AssignThreadID once the batch's server thread roots (if any) are known.
func ToIndexEntry(accountID, folderID int64, msg *imap.Message) *models.MessageIndexEntry {
	e := &models.MessageIndexEntry{
		AccountID:    accountID,
		FolderID:     folderID,
		UID:          msg.Uid,
		InternalDate: msg.InternalDate,
		Size:         msg.Size,
		Flags:        msg.Flags,
	}

	if env := msg.Envelope; env != nil {
		e.Subject = env.Subject
		e.MessageID = env.MessageId
		e.InReplyTo = env.InReplyTo
		e.From = addressesOf(env.From)
		e.To = addressesOf(env.To)
		e.Cc = addressesOf(env.Cc)
		e.Bcc = addressesOf(env.Bcc)
	}

	e.References = parseReferences(readHeaderBlob(msg, referencesSection()))
	return e
}

// AssignThreadID computes an entry's ThreadID: the server-side
// THREAD=REFERENCES root when roots is non-nil (keyed by UID), else the
// normalized-subject/participant-set fallback key.
func AssignThreadID(e *models.MessageIndexEntry, roots map[uint32]uint32) {
	if roots != nil {
		if root, ok := roots[e.UID]; ok {
			e.ThreadID = threading.StableID(root)
			return
		}
	}
	key := threading.FallbackKey(e.Subject, e.From, e.To, e.Cc)
	e.ThreadID = threading.FallbackStableID(key)
}
