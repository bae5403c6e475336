// Package wire decodes the raw, duck-typed records the REST API and the
// push channel deliver and normalizes them into the tagged entry shape the
// timeline consumes. The same logical record arrives in different shapes
// depending on the source; nothing downstream of this package branches on
// shape.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FlexID tolerates IDs serialized as JSON strings or numbers, which the
// sources mix freely.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string {
	return string(f)
}

// RawSender is the sender descriptor as delivered. Any subset of fields
// may be present.
type RawSender struct {
	ID        FlexID `json:"id,omitempty"`
	Username  string `json:"username,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type RawAttachment struct {
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

type RawContract struct {
	ID         FlexID          `json:"id,omitempty"`
	Title      string          `json:"title,omitempty"`
	Amount     decimal.Decimal `json:"amount,omitempty"`
	Status     string          `json:"status,omitempty"`
	IsAccepted bool            `json:"is_accepted,omitempty"`
	PaymentURL string          `json:"payment_url,omitempty"`
	Sender     *RawSender      `json:"sender,omitempty"`
	CreatedAt  string          `json:"created_at,omitempty"`
}

type RawItinerary struct {
	ID          FlexID         `json:"id,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Location    string         `json:"location,omitempty"`
	Status      string         `json:"status,omitempty"`
	Attachment  *RawAttachment `json:"attachment,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
}

// RawRecord is one history row or push message body. Which fields are
// populated depends on both the record's variant and its source: the
// sender may arrive nested or as a bare sender_id, status reports carry
// contract_id at the top level, and so on.
type RawRecord struct {
	ID              FlexID         `json:"id,omitempty"`
	Message         string         `json:"message,omitempty"`
	Sender          *RawSender     `json:"sender,omitempty"`
	SenderID        FlexID         `json:"sender_id,omitempty"`
	SenderName      string         `json:"sender_name,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
	Attachment      *RawAttachment `json:"attachment,omitempty"`
	Contract        *RawContract   `json:"contract,omitempty"`
	ItinerarySubmit *RawItinerary  `json:"itinerary_submit,omitempty"`
	ContractID      FlexID         `json:"contract_id,omitempty"`
	PaymentURL      string         `json:"payment_url,omitempty"`
	Status          string         `json:"status,omitempty"`
}

// timeLayouts are tried in order when parsing created_at values; sources
// disagree on precision and offset formatting.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses a created_at value, falling back to the given instant
// when the field is missing or unparseable. A bad timestamp must not drop
// the record.
func ParseTime(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}
