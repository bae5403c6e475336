package timeline

import (
	"strings"
	"time"
)

// DefaultMatchWindow bounds the fuzzy match between an unconfirmed local
// entry and its server echo. Tunable through MatcherOptions.
const DefaultMatchWindow = 5 * time.Second

type MatcherOptions struct {
	Window time.Duration // defaults to DefaultMatchWindow
}

// Matcher computes whether an incoming entry is a re-delivery of one the
// timeline already holds. Exact IDs (including the nested contract and
// itinerary IDs) are definitive; entries still awaiting server
// confirmation additionally match by content and time proximity, which is
// how an optimistic placeholder recognizes its echo.
type Matcher struct {
	window time.Duration
}

func NewMatcher(opts MatcherOptions) *Matcher {
	window := opts.Window
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Matcher{window: window}
}

// FindMatch returns the index of the existing entry the candidate
// duplicates, or -1 when the candidate is new.
func (m *Matcher) FindMatch(candidate Entry, entries []Entry) int {
	for i, existing := range entries {
		if existing.isSynthetic() {
			continue
		}
		if exactMatch(candidate, existing) {
			return i
		}
	}
	for i, existing := range entries {
		if !existing.Unconfirmed || existing.isSynthetic() {
			continue
		}
		if m.fuzzyMatch(candidate, existing) {
			return i
		}
	}
	return -1
}

func (m *Matcher) IsDuplicate(candidate Entry, entries []Entry) bool {
	return m.FindMatch(candidate, entries) >= 0
}

func exactMatch(candidate, existing Entry) bool {
	if candidate.ID != "" && candidate.ID == existing.ID {
		return true
	}
	if candidate.Contract != nil && existing.Contract != nil &&
		candidate.Contract.ID != "" && candidate.Contract.ID == existing.Contract.ID {
		return true
	}
	if candidate.Itinerary != nil && existing.Itinerary != nil &&
		candidate.Itinerary.ID != "" && candidate.Itinerary.ID == existing.Itinerary.ID {
		return true
	}
	return false
}

// fuzzyMatch recognizes a server echo of a not-yet-acknowledged local
// entry. The sender must be compatible; within that, plain text matches
// on normalized content within the window, and an attachment matches on
// its name+size signature, or on the window alone for voice notes whose
// generated names differ per source.
func (m *Matcher) fuzzyMatch(candidate, existing Entry) bool {
	if candidate.Kind != existing.Kind {
		return false
	}
	switch candidate.Kind {
	case KindContract, KindItinerary:
		// Nested IDs are the only stable identity for these; exactMatch
		// already covered them.
		return false
	}
	if !senderCompatible(candidate, existing) {
		return false
	}
	if !withinWindow(candidate.CreatedAt, existing.CreatedAt, m.window) {
		return false
	}
	if candidate.Attachment != nil && existing.Attachment != nil {
		if candidate.Attachment.Signature() == existing.Attachment.Signature() {
			return true
		}
		if candidate.Attachment.IsVoice() && existing.Attachment.IsVoice() {
			return true
		}
	}
	ct := normalizeText(candidate.Text)
	et := normalizeText(existing.Text)
	return ct != "" && ct == et
}

// senderCompatible reports whether two entries could plausibly share an
// author. A conflicting resolved direction or a conflicting sender
// identity rules a fuzzy match out: a remote message that happens to
// repeat the local text must not be absorbed into the placeholder. Absent
// fields stay permissive, since echoes often carry less identity than the
// local write.
func senderCompatible(a, b Entry) bool {
	if a.Direction != "" && b.Direction != "" && a.Direction != b.Direction {
		return false
	}
	if a.Sender.ID != "" && b.Sender.ID != "" && a.Sender.ID != b.Sender.ID {
		return false
	}
	if a.Sender.Username != "" && b.Sender.Username != "" &&
		!strings.EqualFold(a.Sender.Username, b.Sender.Username) {
		return false
	}
	return true
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	if a.IsZero() || b.IsZero() {
		return false
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < window
}

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
