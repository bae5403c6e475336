package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Nardo758/Traveloure-Platform-sub001/timeline"
)

// EventKind is the normalized event taxonomy every source is reduced to.
type EventKind string

const (
	EventMessage         EventKind = "message"
	EventContractNew     EventKind = "contract_new"
	EventContractStatus  EventKind = "contract_status"
	EventItineraryNew    EventKind = "itinerary_new"
	EventItineraryStatus EventKind = "itinerary_status"
	EventError           EventKind = "error"
)

// Event is the single shape the timeline pipeline consumes, regardless of
// whether the record arrived over the push channel or from a REST fetch.
// Entry is set for the three _new kinds; the status kinds carry the target
// ID and the reported state instead.
type Event struct {
	Kind           EventKind
	ConversationID string

	Entry *timeline.Entry

	ContractID      string
	ContractStatus  timeline.ContractStatus
	PaymentURL      string
	ItineraryID     string
	ItineraryStatus timeline.ItineraryStatus

	// Authoritative marks ground-truth state from a REST refetch, which
	// may override the forward-only transition rule.
	Authoritative bool

	Err string
}

// pushFrame is the envelope the push channel wraps every delivery in.
type pushFrame struct {
	Type    string     `json:"type"`
	ChatID  FlexID     `json:"chat_id,omitempty"`
	Message *RawRecord `json:"message,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Push frame types as emitted by the transport.
const (
	frameChatMessage        = "chat_message"
	frameNewContract        = "new_contract"
	frameContractAccepted   = "contract_accepted"
	frameContractRejected   = "contract_rejected"
	frameContractPaid       = "contract_payment_success"
	frameNewItinerary       = "new_submit_itinerary"
	frameItineraryAccepted  = "submit_itinerary_accepted"
	frameItineraryRejected  = "submit_itinerary_rejected"
	frameItineraryEditAsked = "submit_itinerary_edit_requested"
	frameError              = "error"
)

// DecodeFrame normalizes one push channel frame. now anchors timestamps
// the payload omits or garbles. Frames of unknown type return an error;
// frames missing identity fields still normalize (the resolver's safe
// default handles attribution), since dropping a message is worse than
// misclassifying its direction.
func DecodeFrame(data []byte, now time.Time) (Event, error) {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, fmt.Errorf("decode push frame: %w", err)
	}
	ev := Event{ConversationID: frame.ChatID.String()}

	if frame.Type == frameError {
		ev.Kind = EventError
		ev.Err = frame.Error
		return ev, nil
	}
	if frame.Message == nil {
		return Event{}, fmt.Errorf("push frame %q has no message body", frame.Type)
	}
	rec := *frame.Message

	switch frame.Type {
	case frameChatMessage:
		if rec.ItinerarySubmit != nil {
			// Itinerary submissions ride both a dedicated frame and a
			// chat_message duplicate; the dedicated frame wins.
			return EventFromRecord(rec, now), nil
		}
		ev.Kind = EventMessage
		entry := EntryFromRecord(rec, now)
		ev.Entry = &entry
	case frameNewContract:
		ev.Kind = EventContractNew
		entry := EntryFromRecord(rec, now)
		ev.Entry = &entry
	case frameContractAccepted:
		ev.Kind = EventContractStatus
		ev.ContractID = statusTargetID(rec)
		ev.ContractStatus = timeline.ContractAccepted
		ev.PaymentURL = rec.PaymentURL
	case frameContractRejected:
		ev.Kind = EventContractStatus
		ev.ContractID = statusTargetID(rec)
		ev.ContractStatus = timeline.ContractRejected
	case frameContractPaid:
		ev.Kind = EventContractStatus
		ev.ContractID = statusTargetID(rec)
		ev.ContractStatus = timeline.ContractPaid
		ev.PaymentURL = rec.PaymentURL
	case frameNewItinerary:
		ev.Kind = EventItineraryNew
		entry := EntryFromRecord(rec, now)
		ev.Entry = &entry
	case frameItineraryAccepted:
		ev.Kind = EventItineraryStatus
		ev.ItineraryID = rec.ID.String()
		ev.ItineraryStatus = timeline.ItineraryApproved
	case frameItineraryRejected:
		ev.Kind = EventItineraryStatus
		ev.ItineraryID = rec.ID.String()
		ev.ItineraryStatus = timeline.ItineraryRejected
	case frameItineraryEditAsked:
		ev.Kind = EventItineraryStatus
		ev.ItineraryID = rec.ID.String()
		ev.ItineraryStatus = timeline.ItineraryEditRequested
	default:
		return Event{}, fmt.Errorf("unknown push frame type %q", frame.Type)
	}
	return ev, nil
}

// EventFromRecord normalizes a standalone record (a history row or a send
// echo) into the event its shape implies.
func EventFromRecord(rec RawRecord, now time.Time) Event {
	entry := EntryFromRecord(rec, now)
	ev := Event{Entry: &entry}
	switch entry.Kind {
	case timeline.KindContract:
		ev.Kind = EventContractNew
	case timeline.KindItinerary:
		ev.Kind = EventItineraryNew
	default:
		ev.Kind = EventMessage
	}
	return ev
}

// EntryFromRecord converts a raw record into the timeline's tagged entry
// shape. Direction is left unset; the store's resolver owns attribution.
func EntryFromRecord(rec RawRecord, now time.Time) timeline.Entry {
	e := timeline.Entry{
		ID:        rec.ID.String(),
		Kind:      timeline.KindMessage,
		Text:      rec.Message,
		Sender:    senderRef(rec),
		CreatedAt: ParseTime(rec.CreatedAt, now),
	}
	if rec.Attachment != nil {
		e.Attachment = &timeline.Attachment{
			Name: rec.Attachment.Name,
			Size: rec.Attachment.Size,
			MIME: rec.Attachment.Type,
			URL:  rec.Attachment.URL,
		}
	}
	if rec.Contract != nil {
		e.Kind = timeline.KindContract
		e.Contract = contractFromRaw(*rec.Contract, e.CreatedAt)
	}
	if rec.ItinerarySubmit != nil {
		e.Kind = timeline.KindItinerary
		e.Itinerary = itineraryFromRaw(*rec.ItinerarySubmit, e.CreatedAt)
	}
	return e
}

func contractFromRaw(raw RawContract, fallbackTime time.Time) *timeline.Contract {
	c := &timeline.Contract{
		ID:         raw.ID.String(),
		Title:      raw.Title,
		Amount:     raw.Amount,
		Status:     NormalizeContractStatus(raw.Status, raw.IsAccepted),
		PaymentURL: raw.PaymentURL,
		CreatedAt:  ParseTime(raw.CreatedAt, fallbackTime),
	}
	if raw.Sender != nil {
		c.Sender = senderRefFromRaw(*raw.Sender)
	}
	c.IsAccepted = c.Status == timeline.ContractAccepted || c.Status == timeline.ContractPaid
	c.IsPaid = c.Status == timeline.ContractPaid
	return c
}

func itineraryFromRaw(raw RawItinerary, fallbackTime time.Time) *timeline.Itinerary {
	it := &timeline.Itinerary{
		ID:          raw.ID.String(),
		Title:       raw.Title,
		Description: raw.Description,
		Location:    raw.Location,
		Status:      NormalizeItineraryStatus(raw.Status),
		CreatedAt:   ParseTime(raw.CreatedAt, fallbackTime),
	}
	if raw.Attachment != nil {
		it.Attachment = &timeline.Attachment{
			Name: raw.Attachment.Name,
			Size: raw.Attachment.Size,
			MIME: raw.Attachment.Type,
			URL:  raw.Attachment.URL,
		}
	}
	return it
}

// NormalizeContractStatus maps a wire status string onto the machine's
// state set, tolerating absent values via the is_accepted flag.
func NormalizeContractStatus(s string, isAccepted bool) timeline.ContractStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted":
		return timeline.ContractAccepted
	case "rejected":
		return timeline.ContractRejected
	case "paid":
		return timeline.ContractPaid
	case "pending", "":
		if isAccepted {
			return timeline.ContractAccepted
		}
		return timeline.ContractPending
	default:
		return timeline.ContractPending
	}
}

// NormalizeItineraryStatus maps a wire status string onto the machine's
// state set. The transport reports approvals as "accepted".
func NormalizeItineraryStatus(s string) timeline.ItineraryStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "approved":
		return timeline.ItineraryApproved
	case "rejected":
		return timeline.ItineraryRejected
	case "edit_requested":
		return timeline.ItineraryEditRequested
	default:
		return timeline.ItineraryPending
	}
}

// statusTargetID extracts the contract a status frame refers to; sources
// put it in contract_id or reuse the record id.
func statusTargetID(rec RawRecord) string {
	if rec.ContractID != "" {
		return rec.ContractID.String()
	}
	return rec.ID.String()
}

func senderRef(rec RawRecord) timeline.SenderRef {
	if rec.Sender != nil {
		return senderRefFromRaw(*rec.Sender)
	}
	return timeline.SenderRef{
		ID:       rec.SenderID.String(),
		Username: rec.SenderName,
	}
}

func senderRefFromRaw(raw RawSender) timeline.SenderRef {
	return timeline.SenderRef{
		ID:          raw.ID.String(),
		Username:    raw.Username,
		DisplayName: raw.Name,
		Email:       raw.Email,
		FirstName:   raw.FirstName,
		LastName:    raw.LastName,
	}
}
