package timeline

import "time"

// ItineraryStatus is the submission lifecycle state.
//
// Legal transitions: pending -> approved, pending -> rejected, and
// pending -> edit_requested -> pending (a resubmission cycles back).
type ItineraryStatus string

const (
	ItineraryPending       ItineraryStatus = "pending"
	ItineraryApproved      ItineraryStatus = "approved"
	ItineraryRejected      ItineraryStatus = "rejected"
	ItineraryEditRequested ItineraryStatus = "edit_requested"
)

// Itinerary is the single owned copy of a submission's state, nested in
// exactly one timeline entry and mutated in place.
type Itinerary struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Location    string          `json:"location,omitempty"`
	Status      ItineraryStatus `json:"status"`
	Attachment  *Attachment     `json:"attachment,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ItineraryUpdate is one status report about a submission, from any source.
type ItineraryUpdate struct {
	Status        ItineraryStatus
	Authoritative bool
}

// Advance applies a reported transition with the same discipline as the
// contract machine: forward-only unless the report is authoritative.
func (it *Itinerary) Advance(next ItineraryStatus, authoritative bool) bool {
	if !isKnownItineraryStatus(next) {
		return false
	}
	if !authoritative && !canItineraryAdvance(it.Status, next) {
		return false
	}
	if it.Status == next {
		return false
	}
	it.Status = next
	return true
}

// Merge folds a later update into a pending one.
func (u ItineraryUpdate) Merge(next ItineraryUpdate) ItineraryUpdate {
	if next.Authoritative {
		return next
	}
	if next.Status != "" && canItineraryAdvance(u.Status, next.Status) {
		u.Status = next.Status
	}
	return u
}

func canItineraryAdvance(cur, next ItineraryStatus) bool {
	switch cur {
	case ItineraryPending, "":
		return next == ItineraryApproved || next == ItineraryRejected || next == ItineraryEditRequested
	case ItineraryEditRequested:
		return next == ItineraryPending
	default:
		return false
	}
}

func isKnownItineraryStatus(s ItineraryStatus) bool {
	switch s {
	case ItineraryPending, ItineraryApproved, ItineraryRejected, ItineraryEditRequested:
		return true
	default:
		return false
	}
}
