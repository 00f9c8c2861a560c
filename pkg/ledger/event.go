// Package ledger implements the append-only event log: every resource-
// consuming action becomes one immutable JSON line. Event IDs increase
// monotonically and append order equals ID order.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmptyPrincipal is returned when an event has no principal.
	ErrEmptyPrincipal = errors.New("ledger: principal_id must not be empty")
	// ErrEmptyResourceType is returned when an event has no resource type.
	ErrEmptyResourceType = errors.New("ledger: resource_type must not be empty")
	// ErrNegativeQuantity is returned when an event quantity is negative.
	ErrNegativeQuantity = errors.New("ledger: quantity must not be negative")
	// ErrNegativeCost is returned when an event cost is negative.
	ErrNegativeCost = errors.New("ledger: cost must not be negative")
	// ErrAppendFailed is returned when an append could not be completed
	// after retries. Callers treat this as fatal for the mutation.
	ErrAppendFailed = errors.New("ledger: append failed after retries")
)

// Event is one immutable record of resource consumption. Quantity and
// cost are decimals serialized as exact text.
type Event struct {
	EventID      uint64            `json:"event_id"`
	PrincipalID  string            `json:"principal_id"`
	Timestamp    time.Time         `json:"timestamp"`
	ResourceType string            `json:"resource_type"`
	Quantity     decimal.Decimal   `json:"quantity"`
	Cost         decimal.Decimal   `json:"cost"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// ChargeID links back to the provisional charge this event settles.
	ChargeID string `json:"provisional_charge_id,omitempty"`
}

// Validate rejects events that must never reach the log.
func (e *Event) Validate() error {
	if e.PrincipalID == "" {
		return ErrEmptyPrincipal
	}
	if e.ResourceType == "" {
		return ErrEmptyResourceType
	}
	if e.Quantity.IsNegative() {
		return ErrNegativeQuantity
	}
	if e.Cost.IsNegative() {
		return ErrNegativeCost
	}
	return nil
}
