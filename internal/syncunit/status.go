package syncunit

import (
	"strings"

	"github.com/emersion/go-imap"
)

// isMailboxGone reports whether a failed SELECT was rejected because the
// mailbox no longer exists on the server, based on the tagged NO response
// text IMAP servers conventionally use (RFC 3501 does not mandate a
// machine-readable code for this, so a substring match is the portable
// option across server implementations).
func isMailboxGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "NONEXISTENT") ||
		strings.Contains(msg, "DOES NOT EXIST") ||
		strings.Contains(msg, "NO SUCH MAILBOX") ||
		strings.Contains(msg, "MAILBOX DOESN'T EXIST")
}

// highestModSeqOf extracts the CONDSTORE HIGHESTMODSEQ value from a
// SELECT/STATUS response's extension data, returning 0 when the server
// did not report one (no CONDSTORE support, or an empty mailbox that has
// never been modified).
func highestModSeqOf(status *imap.MailboxStatus) uint64 {
	if status == nil || status.Items == nil {
		return 0
	}
	v, ok := status.Items[imap.StatusItem("HIGHESTMODSEQ")]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case uint32:
		return uint64(n)
	case int:
		return uint64(n)
	default:
		return 0
	}
}
