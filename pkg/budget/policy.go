// Package budget implements multi-policy budget enforcement with
// fail-closed behavior: missing policies, internal errors, and exact
// limit hits all deny.
package budget

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPolicyNotFound is returned when a policy ID does not exist.
	ErrPolicyNotFound = errors.New("budget: policy not found")
	// ErrNonPositiveLimit is returned when a policy limit is zero or negative.
	ErrNonPositiveLimit = errors.New("budget: limit must be positive")
	// ErrDelegationNotParent is returned when a policy claims delegation
	// from a principal that is not the owner's actual parent.
	ErrDelegationNotParent = errors.New("budget: delegation only allowed from the owning principal's parent")
)

// Policy is a spending limit applied to a principal over a time window.
type Policy struct {
	ID              string          `json:"id"`
	PrincipalID     string          `json:"principal_id"`
	Limit           decimal.Decimal `json:"limit"`
	Currency        string          `json:"currency"`
	Window          Window          `json:"time_window"`
	WindowType      WindowType      `json:"window_type"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	DelegatedFromID string          `json:"delegated_from_principal_id,omitempty"`
}

// CreatePolicyRequest carries the inputs for creating a policy.
type CreatePolicyRequest struct {
	PrincipalID     string
	Limit           decimal.Decimal
	Currency        string
	Window          Window
	WindowType      WindowType
	DelegatedFromID string
}
