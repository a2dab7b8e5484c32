package threading

import (
	"regexp"
	"sort"
	"strings"
)

// replyPrefix matches one leading reply/forward marker: Re, Fwd, Fw, or Aw
// (case-insensitive), with an optional bracketed reply counter immediately
// after, followed by a colon or by whitespace, e.g. "Re[2]:", "Fwd:" or
// "Fw ". A word that merely starts with one of them ("Regarding") is kept.
var replyPrefix = regexp.MustCompile(`(?i)^(re|fwd|fw|aw)(\[\d+\])?(:\s*|\s+)`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeSubject folds a message subject to the form used as the
// fallback thread key when the server has no THREAD=REFERENCES support:
// lowercased, every leading reply/forward marker stripped (there may be
// more than one, e.g. "Re: Fwd: hello"), then whitespace trimmed and
// interior runs collapsed to a single space.
func NormalizeSubject(subject string) string {
	s := strings.ToLower(subject)
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = strings.TrimSpace(s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return s
}

// ParticipantKey builds the fallback thread key's participant component:
// the sorted, deduplicated, lowercased union of From, To, and Cc addresses.
func ParticipantKey(from, to, cc []string) string {
	seen := make(map[string]struct{}, len(from)+len(to)+len(cc))
	for _, group := range [][]string{from, to, cc} {
		for _, addr := range group {
			a := strings.ToLower(strings.TrimSpace(addr))
			if a == "" {
				continue
			}
			seen[a] = struct{}{}
		}
	}

	addrs := make([]string, 0, len(seen))
	for a := range seen {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

// FallbackKey combines the normalized subject and participant set into the
// key used to bucket messages into a thread when the server offers no
// THREAD=REFERENCES support. Two messages with the same key and no
// References/In-Reply-To link are considered part of the same thread.
func FallbackKey(subject string, from, to, cc []string) string {
	return NormalizeSubject(subject) + "|" + ParticipantKey(from, to, cc)
}

// FallbackStableID renders a fallback key as the string id persisted on
// MessageIndexEntry.ThreadID, distinguishable from a THREAD=REFERENCES id.
func FallbackStableID(key string) string {
	return "subj:" + key
}
