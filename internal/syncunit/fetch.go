package syncunit

import (
	"fmt"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
)

// fetchItems is the attribute set fetched for every backfill/delta
// batch: ENVELOPE, INTERNALDATE, FLAGS, RFC822.SIZE, a BODYSTRUCTURE
// summary, and the raw References header for threading. Bodies are never
// fetched.
func fetchItems() []imap.FetchItem {
	return []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchInternalDate,
		imap.FetchFlags,
		imap.FetchRFC822Size,
		imap.FetchBodyStructure,
		imap.FetchUid,
		referencesSection().FetchItem(),
	}
}

// fetchUIDs runs a single UID FETCH for the given UID set against the
// currently selected mailbox on c, returning messages in whatever order
// the server yields them — callers sort by UID themselves.
func fetchUIDs(c *imapclient.Client, uids []uint32) ([]*imap.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(seqSet, fetchItems(), messages) }()

	var out []*imap.Message
	for msg := range messages {
		out = append(out, msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("uid fetch: %w", err)
	}
	return out, nil
}

// fetchUIDRange is fetchUIDs for the contiguous UID range "from:to", used
// for backfill batches, which walk UIDs in ascending order rather than
// newest-first, and for the live pass's fetch of additions (last synced
// UID+1 through UIDNEXT-1). The range always has an explicit upper bound.
func fetchUIDRange(c *imapclient.Client, from, to uint32) ([]*imap.Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, to)

	messages := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(seqSet, fetchItems(), messages) }()

	var out []*imap.Message
	for msg := range messages {
		out = append(out, msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("uid fetch range: %w", err)
	}
	return out, nil
}
