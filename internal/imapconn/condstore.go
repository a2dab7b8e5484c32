package imapconn

import (
	"fmt"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/responses"
)

// searchChangedSinceCommand is a raw UID SEARCH MODSEQ <n> command, the
// CONDSTORE (RFC 7162) query for every message whose modification
// sequence moved past n. go-imap's SearchCriteria has no MODSEQ field,
// so the command is assembled the same way the IDLE and THREAD extension
// clients assemble theirs.
type searchChangedSinceCommand struct {
	modSeq uint64
}

func (cmd *searchChangedSinceCommand) Command() *imap.Command {
	return &imap.Command{
		Name: "UID SEARCH",
		Arguments: []interface{}{
			imap.RawString("MODSEQ"),
			imap.RawString(strconv.FormatUint(cmd.modSeq, 10)),
		},
	}
}

// SearchChangedSince returns the UIDs of every message in the selected
// mailbox changed (flags or otherwise) since modSeq. Callers must hold
// the lock and must have checked the session advertises CONDSTORE.
func (c *Conn) SearchChangedSince(modSeq uint64) ([]uint32, error) {
	res := new(responses.Search)
	status, err := c.client.Execute(&searchChangedSinceCommand{modSeq: modSeq}, res)
	if err != nil {
		return nil, fmt.Errorf("uid search modseq: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("uid search modseq: %w", err)
	}
	return res.Ids, nil
}
