package timeline

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractStatus is the contract lifecycle state.
//
// Legal transitions: pending -> accepted -> paid, and pending -> rejected.
// paid and rejected are terminal.
type ContractStatus string

const (
	ContractPending  ContractStatus = "pending"
	ContractAccepted ContractStatus = "accepted"
	ContractRejected ContractStatus = "rejected"
	ContractPaid     ContractStatus = "paid"
)

// Contract is the single owned copy of an offer's state. It is nested in
// exactly one timeline entry and mutated in place; no shadow copies.
type Contract struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Amount     decimal.Decimal `json:"amount"`
	Status     ContractStatus  `json:"status"`
	IsAccepted bool            `json:"is_accepted"`
	IsPaid     bool            `json:"is_paid"`
	PaymentURL string          `json:"payment_url,omitempty"`
	Sender     SenderRef       `json:"sender"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ContractUpdate is one status report about a contract, from any source.
// An empty PaymentURL means the source carried no URL, not a cleared one.
type ContractUpdate struct {
	Status        ContractStatus
	PaymentURL    string
	Authoritative bool
}

// Advance applies a reported transition. A non-authoritative report is
// applied only when it moves the state forward along the legal path, which
// makes stale or duplicate push reports harmless. An authoritative report
// (a REST refetch) is ground truth and may set any state.
//
// Reports true when the status changed.
func (c *Contract) Advance(next ContractStatus, authoritative bool) bool {
	if !isKnownContractStatus(next) {
		return false
	}
	if !authoritative && !canContractAdvance(c.Status, next) {
		return false
	}
	if c.Status == next {
		c.syncFlags()
		return false
	}
	c.Status = next
	c.syncFlags()
	return true
}

// SetPaymentURL refines the payment URL. The URL is sticky: once non-empty
// it may only be replaced by another non-empty value, never cleared.
func (c *Contract) SetPaymentURL(url string) bool {
	if url == "" || c.PaymentURL == url {
		return false
	}
	c.PaymentURL = url
	return true
}

// Apply folds a full update into the contract. Reports true when either
// the status or the payment URL changed.
func (c *Contract) Apply(u ContractUpdate) bool {
	advanced := false
	if u.Status != "" {
		advanced = c.Advance(u.Status, u.Authoritative)
	}
	urlChanged := c.SetPaymentURL(u.PaymentURL)
	return advanced || urlChanged
}

// Merge folds a later update into a pending one, keeping the more advanced
// status and any payment URL. Used when a status report arrives before the
// contract entry itself has materialized.
func (u ContractUpdate) Merge(next ContractUpdate) ContractUpdate {
	out := u
	if next.Authoritative {
		out = next
		if out.PaymentURL == "" {
			out.PaymentURL = u.PaymentURL
		}
		return out
	}
	if next.Status != "" && canContractAdvance(out.Status, next.Status) {
		out.Status = next.Status
	}
	if next.PaymentURL != "" {
		out.PaymentURL = next.PaymentURL
	}
	return out
}

func (c *Contract) syncFlags() {
	c.IsAccepted = c.Status == ContractAccepted || c.Status == ContractPaid
	c.IsPaid = c.Status == ContractPaid
}

func canContractAdvance(cur, next ContractStatus) bool {
	switch cur {
	case ContractPending, "":
		return next == ContractAccepted || next == ContractRejected || next == ContractPaid
	case ContractAccepted:
		return next == ContractPaid
	default:
		return false
	}
}

func isKnownContractStatus(s ContractStatus) bool {
	switch s {
	case ContractPending, ContractAccepted, ContractRejected, ContractPaid:
		return true
	default:
		return false
	}
}
