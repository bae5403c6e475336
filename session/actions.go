package session

import (
	"context"
	"fmt"

	"github.com/Nardo758/Traveloure-Platform-sub001/internal/wire"
	"github.com/Nardo758/Traveloure-Platform-sub001/timeline"
)

// AcceptContract advances the contract optimistically, then runs the
// request. On failure the status reverts to its pre-action value (a local
// rollback, no network involved). On success the authoritative response
// is folded in; if the payment URL is still missing, a deferred refetch
// picks it up once the backend has computed it.
func (s *Session) AcceptContract(ctx context.Context, contractID string) error {
	return s.decideContract(ctx, contractID, timeline.ContractAccepted)
}

// RejectContract rejects the contract with the same optimistic/rollback
// discipline as AcceptContract.
func (s *Session) RejectContract(ctx context.Context, contractID string) error {
	return s.decideContract(ctx, contractID, timeline.ContractRejected)
}

func (s *Session) decideContract(ctx context.Context, contractID string, target timeline.ContractStatus) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	c := s.store.FindContract(contractID)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("contract %s is not in this conversation", contractID)
	}
	prev := c.Status
	if prev == "" {
		prev = timeline.ContractPending
	}
	changed := s.store.UpdateContract(contractID, timeline.ContractUpdate{Status: target})
	if changed && s.onContractAdvanced != nil {
		cb := s.onContractAdvanced
		status, url := c.Status, c.PaymentURL
		s.queueSignalLocked(func() { cb(contractID, status, url) })
	}
	s.unlockAndNotify()

	var raw wire.RawContract
	var err error
	switch target {
	case timeline.ContractAccepted:
		raw, err = s.api.AcceptContract(ctx, contractID)
	default:
		raw, err = s.api.RejectContract(ctx, contractID)
	}
	if err != nil {
		s.mu.Lock()
		if changed && !s.closed {
			s.store.UpdateContract(contractID, timeline.ContractUpdate{Status: prev, Authoritative: true})
			s.log.Warn("contract_action_rolled_back", "contract_id", contractID, "status", string(prev))
		}
		s.unlockAndNotify()
		return fmt.Errorf("%s contract: %w", target, err)
	}

	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.closed {
		return nil
	}
	s.applyContractUpdateLocked(contractID, timeline.ContractUpdate{
		Status:        wire.NormalizeContractStatus(raw.Status, raw.IsAccepted),
		PaymentURL:    raw.PaymentURL,
		Authoritative: true,
	}, true)
	return nil
}

// PaymentURL resolves a contract's payment URL: the machine state first
// (the single owned copy also nested in the timeline entry), then an
// explicit request to the backend. The URL sticks once learned.
func (s *Session) PaymentURL(ctx context.Context, contractID string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	c := s.store.FindContract(contractID)
	if c == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("contract %s is not in this conversation", contractID)
	}
	if c.PaymentURL != "" {
		url := c.PaymentURL
		s.mu.Unlock()
		return url, nil
	}
	if !c.IsAccepted {
		s.mu.Unlock()
		return "", fmt.Errorf("contract %s has no payment url: accept it first", contractID)
	}
	s.mu.Unlock()

	url, err := s.api.RequestPayment(ctx, contractID)
	if err != nil {
		return "", fmt.Errorf("request payment url: %w", err)
	}
	if url == "" {
		return "", fmt.Errorf("payment url for contract %s is not ready yet", contractID)
	}
	s.mu.Lock()
	defer s.unlockAndNotify()
	if !s.closed {
		s.applyContractUpdateLocked(contractID, timeline.ContractUpdate{PaymentURL: url}, false)
	}
	return url, nil
}

// ApproveItinerary approves a submission. The approval signal and the
// contract status re-check fire only once the request succeeds; the push
// echo of the same approval is then a no-op under the forward-only rule.
func (s *Session) ApproveItinerary(ctx context.Context, itineraryID string) error {
	return s.decideItinerary(ctx, itineraryID, timeline.ItineraryApproved)
}

// RejectItinerary rejects a submission.
func (s *Session) RejectItinerary(ctx context.Context, itineraryID string) error {
	return s.decideItinerary(ctx, itineraryID, timeline.ItineraryRejected)
}

// RequestItineraryEdit sends the submission back for changes; its machine
// cycles to pending again when the expert resubmits.
func (s *Session) RequestItineraryEdit(ctx context.Context, itineraryID string) error {
	return s.decideItinerary(ctx, itineraryID, timeline.ItineraryEditRequested)
}

func (s *Session) decideItinerary(ctx context.Context, itineraryID string, target timeline.ItineraryStatus) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	it := s.store.FindItinerary(itineraryID)
	if it == nil {
		s.mu.Unlock()
		return fmt.Errorf("itinerary %s is not in this conversation", itineraryID)
	}
	prev := it.Status
	if prev == "" {
		prev = timeline.ItineraryPending
	}
	changed := s.store.UpdateItinerary(itineraryID, timeline.ItineraryUpdate{Status: target})
	s.unlockAndNotify()

	if err := s.api.DecideItinerary(ctx, itineraryID, target); err != nil {
		s.mu.Lock()
		if changed && !s.closed {
			s.store.UpdateItinerary(itineraryID, timeline.ItineraryUpdate{Status: prev, Authoritative: true})
			s.log.Warn("itinerary_action_rolled_back", "itinerary_id", itineraryID, "status", string(prev))
		}
		s.unlockAndNotify()
		return fmt.Errorf("%s itinerary: %w", target, err)
	}

	if target == timeline.ItineraryApproved {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			if s.onItineraryApproved != nil {
				s.onItineraryApproved(itineraryID)
			}
			s.scheduleContractRefetch()
		}
	}
	return nil
}
