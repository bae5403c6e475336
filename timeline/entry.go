package timeline

import (
	"strconv"
	"strings"
	"time"
)

// Direction classifies an entry relative to the local user.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// EntryKind discriminates the conversation entry union.
type EntryKind string

const (
	KindMessage   EntryKind = "message"
	KindContract  EntryKind = "contract"
	KindItinerary EntryKind = "itinerary"
)

// SenderRef is a partial identity bag. Any subset of fields may be present
// depending on where the record came from (push payload, REST row, or a
// local write), so nothing here may be treated as required.
type SenderRef struct {
	ID          string `json:"id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
}

func (s SenderRef) IsZero() bool {
	return s == SenderRef{}
}

// Identifiers returns every non-empty identity string carried by the ref.
func (s SenderRef) Identifiers() []string {
	out := make([]string, 0, 5)
	for _, v := range []string{s.Username, s.DisplayName, s.Email, s.FirstName, s.LastName} {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// Attachment describes a file or voice payload referenced by an entry.
// Storage of the bytes themselves is a collaborator concern.
type Attachment struct {
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	MIME string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Signature is the stable identity used when matching an attachment echo
// against a recently sent local attachment.
func (a Attachment) Signature() string {
	return a.Name + ":" + strconv.FormatInt(a.Size, 10)
}

func (a Attachment) IsVoice() bool {
	return strings.HasPrefix(a.MIME, "audio/")
}

// Entry is one unit in a conversation timeline. Exactly one of the three
// variants applies: a plain message (Kind == KindMessage), a contract offer
// (Contract != nil), or an itinerary submission (Itinerary != nil).
//
// ID is stable once server-confirmed; before confirmation it is a locally
// generated placeholder and Unconfirmed is true. CreatedAt is authoritative
// only once confirmed.
type Entry struct {
	ID          string      `json:"id"`
	Kind        EntryKind   `json:"kind"`
	Text        string      `json:"text,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	Sender      SenderRef   `json:"sender"`
	CreatedAt   time.Time   `json:"created_at"`
	Direction   Direction   `json:"direction"`
	Unconfirmed bool        `json:"unconfirmed,omitempty"`
	Contract    *Contract   `json:"contract,omitempty"`
	Itinerary   *Itinerary  `json:"itinerary,omitempty"`
}

// WelcomeEntryID marks the synthetic greeting seeded into an empty
// conversation. It never collides with server IDs and is skipped by
// fuzzy matching.
const WelcomeEntryID = "welcome"

func (e Entry) isSynthetic() bool {
	return e.ID == WelcomeEntryID
}
