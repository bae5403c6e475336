package timeline

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

type StoreOptions struct {
	Resolver *Resolver
	Matcher  *Matcher
	OnChange func(snapshot []Entry) // fired after every mutation that changed state
}

// Store is the ordered, deduplicated sequence of one conversation's
// entries. Every input source (push channel, REST bulk load, optimistic
// local writes) goes through InsertOrReconcile, so there is exactly one
// invariant-preserving mutation path.
//
// The store is not safe for concurrent use; the owning session serializes
// access.
type Store struct {
	resolver *Resolver
	matcher  *Matcher
	onChange func([]Entry)
	entries  []Entry
}

func NewStore(opts StoreOptions) *Store {
	matcher := opts.Matcher
	if matcher == nil {
		matcher = NewMatcher(MatcherOptions{})
	}
	return &Store{
		resolver: opts.Resolver,
		matcher:  matcher,
		onChange: opts.OnChange,
	}
}

func (s *Store) Len() int {
	return len(s.entries)
}

// Snapshot returns the entries in timeline order. The slice is a copy; the
// nested Contract/Itinerary objects are the owned originals.
func (s *Store) Snapshot() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// InsertOrReconcile runs the entry through direction resolution and
// duplicate matching, then either merges it into the entry it duplicates
// or inserts it at its sorted position. Returns the ID the entry ended up
// with and whether it was merged into an existing one.
func (s *Store) InsertOrReconcile(e Entry) (string, bool) {
	if !e.isSynthetic() && s.resolver != nil {
		e.Direction = s.resolver.ResolveDirection(e.Sender, e.CreatedAt)
	}
	if e.Direction == "" {
		e.Direction = DirectionReceived
	}

	if idx := s.matcher.FindMatch(e, s.entries); idx >= 0 {
		id, changed := s.reconcile(idx, e)
		if changed {
			s.notify()
		}
		return id, true
	}

	s.insertSorted(e)
	s.notify()
	return e.ID, false
}

// Replace swaps in a full authoritative history, re-resolved and
// re-sorted. This is the recovery path after a missed push window; every
// record still passes through InsertOrReconcile so re-deliveries inside
// the batch collapse too.
func (s *Store) Replace(entries []Entry) {
	s.entries = s.entries[:0]
	for _, e := range entries {
		e.Unconfirmed = false
		if !e.isSynthetic() && s.resolver != nil {
			e.Direction = s.resolver.ResolveDirection(e.Sender, e.CreatedAt)
		}
		if e.Direction == "" {
			e.Direction = DirectionReceived
		}
		if idx := s.matcher.FindMatch(e, s.entries); idx >= 0 {
			s.reconcile(idx, e)
			continue
		}
		s.entries = append(s.entries, e)
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.Before(s.entries[j].CreatedAt)
	})
	s.notify()
}

// Confirm replaces an optimistic placeholder's identity with the
// server-assigned one and corrects its timestamp to the authoritative
// value. Used when the send request's own response echoes the record.
func (s *Store) Confirm(localID, serverID string, serverTime time.Time) bool {
	idx := s.indexOf(localID)
	if idx < 0 {
		return false
	}
	e := s.entries[idx]
	if serverID != "" {
		e.ID = serverID
	}
	if !serverTime.IsZero() {
		e.CreatedAt = serverTime
	}
	e.Unconfirmed = false
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	s.insertSorted(e)
	s.notify()
	return true
}

// Remove deletes an entry. Only used to roll back a failed optimistic
// write; server-confirmed entries are never removed.
func (s *Store) Remove(id string) bool {
	idx := s.indexOf(id)
	if idx < 0 {
		return false
	}
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	s.notify()
	return true
}

// UpdateContract applies a status report to the contract entry holding the
// given contract ID. Reports whether anything changed.
func (s *Store) UpdateContract(contractID string, u ContractUpdate) bool {
	c := s.FindContract(contractID)
	if c == nil {
		return false
	}
	if !c.Apply(u) {
		return false
	}
	s.notify()
	return true
}

// UpdateItinerary applies a status report to the itinerary entry holding
// the given submission ID.
func (s *Store) UpdateItinerary(itineraryID string, u ItineraryUpdate) bool {
	it := s.FindItinerary(itineraryID)
	if it == nil {
		return false
	}
	if !it.Advance(u.Status, u.Authoritative) {
		return false
	}
	s.notify()
	return true
}

// FindContract returns the owned contract object for the given ID, or nil.
func (s *Store) FindContract(contractID string) *Contract {
	entry, ok := lo.Find(s.entries, func(e Entry) bool {
		return e.Contract != nil && e.Contract.ID == contractID
	})
	if !ok {
		return nil
	}
	return entry.Contract
}

// FindItinerary returns the owned itinerary object for the given ID, or nil.
func (s *Store) FindItinerary(itineraryID string) *Itinerary {
	entry, ok := lo.Find(s.entries, func(e Entry) bool {
		return e.Itinerary != nil && e.Itinerary.ID == itineraryID
	})
	if !ok {
		return nil
	}
	return entry.Itinerary
}

// reconcile merges a duplicate delivery into the entry at idx. A confirmed
// delivery matching an unconfirmed placeholder promotes it in place:
// server ID replaces the local one and the timestamp is corrected. Nested
// contract/itinerary state folds in under the forward-only rule. A
// delivery carrying nothing new is dropped.
func (s *Store) reconcile(idx int, incoming Entry) (string, bool) {
	existing := s.entries[idx]
	changed := false

	if existing.Unconfirmed && !incoming.Unconfirmed {
		if incoming.ID != "" && incoming.ID != existing.ID {
			existing.ID = incoming.ID
			changed = true
		}
		if !incoming.CreatedAt.IsZero() && !incoming.CreatedAt.Equal(existing.CreatedAt) {
			existing.CreatedAt = incoming.CreatedAt
			changed = true
		}
		if existing.Sender.IsZero() && !incoming.Sender.IsZero() {
			existing.Sender = incoming.Sender
			changed = true
		}
		if existing.Attachment != nil && incoming.Attachment != nil && incoming.Attachment.URL != "" {
			existing.Attachment.URL = incoming.Attachment.URL
			changed = true
		}
		existing.Unconfirmed = false
		changed = true
	}

	if existing.Contract != nil && incoming.Contract != nil {
		if mergeContract(existing.Contract, incoming.Contract) {
			changed = true
		}
	}
	if existing.Itinerary != nil && incoming.Itinerary != nil {
		if mergeItinerary(existing.Itinerary, incoming.Itinerary) {
			changed = true
		}
	}

	if !changed {
		return existing.ID, false
	}

	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	s.insertSorted(existing)
	return existing.ID, true
}

func mergeContract(dst, src *Contract) bool {
	changed := dst.Apply(ContractUpdate{Status: src.Status, PaymentURL: src.PaymentURL})
	if dst.Title == "" && src.Title != "" {
		dst.Title = src.Title
		changed = true
	}
	if dst.Amount.IsZero() && !src.Amount.IsZero() {
		dst.Amount = src.Amount
		changed = true
	}
	return changed
}

func mergeItinerary(dst, src *Itinerary) bool {
	changed := dst.Advance(src.Status, false)
	if dst.Title == "" && src.Title != "" {
		dst.Title = src.Title
		changed = true
	}
	if dst.Description == "" && src.Description != "" {
		dst.Description = src.Description
		changed = true
	}
	return changed
}

// insertSorted keeps entries ascending by CreatedAt, ties broken by
// insertion order.
func (s *Store) insertSorted(e Entry) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].CreatedAt.After(e.CreatedAt)
	})
	s.entries = append(s.entries, Entry{})
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = e
}

func (s *Store) indexOf(id string) int {
	for i, e := range s.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange(s.Snapshot())
	}
}
