// Package threading computes a stable thread id for each message, using
// the IMAP THREAD=REFERENCES extension when the server advertises it and
// falling back to a normalized-subject/participant-set heuristic when it
// doesn't.
package threading

import (
	"fmt"
	"strconv"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// SupportsReferencesThread reports whether caps (as returned by
// Conn.Capabilities) advertises THREAD=REFERENCES.
func SupportsReferencesThread(caps map[string]bool) bool {
	return caps["THREAD=REFERENCES"]
}

// RootByUID runs the server-side UID THREAD REFERENCES command against the
// currently selected mailbox and returns, for every UID it covers, the UID
// of its thread's root message — the stable id this package assigns to
// every member of that thread.
func RootByUID(c *client.Client) (map[uint32]uint32, error) {
	threadClient := sortthread.NewThreadClient(c)

	threads, err := threadClient.UidThread(sortthread.References, imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("UID THREAD REFERENCES: %w", err)
	}

	roots := make(map[uint32]uint32)
	for _, t := range threads {
		assignRoot(t, 0, roots)
	}
	return roots, nil
}

// assignRoot walks a sortthread.Thread tree, assigning every member the
// UID of the tree's top-level node.
func assignRoot(t *sortthread.Thread, root uint32, roots map[uint32]uint32) {
	if t == nil {
		return
	}
	if t.Id != 0 {
		if root == 0 {
			root = t.Id
		}
		roots[t.Id] = root
	}
	for _, child := range t.Children {
		assignRoot(child, root, roots)
	}
}

// StableID renders a thread-root UID as the string id persisted on
// MessageIndexEntry.ThreadID.
func StableID(rootUID uint32) string {
	return "ref:" + strconv.FormatUint(uint64(rootUID), 10)
}
