// Package mandate issues and validates signed authority tokens. A
// mandate is a time-bounded authorization one principal grants another,
// signed ES256 with the issuer's key from the principal registry.
// Revocation is terminal and may cascade to delegated descendants.
package mandate

import (
	"errors"
	"time"

	"github.com/gobwas/glob"
	"github.com/golang-jwt/jwt/v5"
)

// Audience is the expected aud claim on every mandate token.
const Audience = "caracal-core"

// DefaultValidity applies when an issue request names no validity.
const DefaultValidity = time.Hour

var (
	// ErrBadSignature is returned when a token signature does not verify.
	ErrBadSignature = errors.New("mandate: signature verification failed")
	// ErrExpired is returned when a mandate's expiry has passed.
	ErrExpired = errors.New("mandate: expired")
	// ErrUnknownIssuer is returned when the kid names no known principal.
	ErrUnknownIssuer = errors.New("mandate: unknown issuer")
	// ErrMalformed is returned when a token cannot be parsed or carries
	// an impossible claim.
	ErrMalformed = errors.New("mandate: malformed token")
	// ErrMissingClaim is returned when a required claim is absent.
	ErrMissingClaim = errors.New("mandate: missing required claim")
	// ErrRevoked is returned when the mandate has been revoked.
	ErrRevoked = errors.New("mandate: revoked")
	// ErrAudience is returned when the aud claim does not match.
	ErrAudience = errors.New("mandate: audience mismatch")
	// ErrScopeDenied is returned when the mandate does not permit the
	// requested action or resource.
	ErrScopeDenied = errors.New("mandate: scope denied")
	// ErrDelegationTooDeep is returned when a delegation chain exceeds
	// an ancestor's maximum depth.
	ErrDelegationTooDeep = errors.New("mandate: delegation depth exceeded")
	// ErrDelegationDenied is returned when the issuer does not hold the
	// named parent mandate.
	ErrDelegationDenied = errors.New("mandate: issuer does not hold parent mandate")
	// ErrNotFound is returned when a mandate record does not exist.
	ErrNotFound = errors.New("mandate: not found")
)

// Claims is the payload of a mandate token.
type Claims struct {
	jwt.RegisteredClaims
	SpendingLimit      string   `json:"spendingLimit,omitempty"`
	Currency           string   `json:"currency,omitempty"`
	AllowedOperations  []string `json:"allowedOperations"`
	AllowedResources   []string `json:"allowedResources"`
	MaxDelegationDepth int      `json:"maxDelegationDepth"`
	BudgetCategory     string   `json:"budgetCategory,omitempty"`
	ParentMandateID    string   `json:"parentMandateId,omitempty"`
}

// Record is the stored side of an issued mandate. It carries the claim
// material the gateway needs without re-parsing the token, plus the
// revocation state.
type Record struct {
	ID                 string     `json:"id"`
	IssuerID           string     `json:"issuer_principal_id"`
	SubjectID          string     `json:"subject_principal_id"`
	IssuedAt           time.Time  `json:"issued_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	SpendingLimit      string     `json:"spending_limit,omitempty"`
	Currency           string     `json:"currency,omitempty"`
	Operations         []string   `json:"allowed_operations"`
	Resources          []string   `json:"allowed_resources"`
	MaxDelegationDepth int        `json:"max_delegation_depth"`
	BudgetCategory     string     `json:"budget_category,omitempty"`
	ParentID           string     `json:"parent_mandate_id,omitempty"`
	ClaimsHash         string     `json:"claims_hash"`
	Revoked            bool       `json:"revoked"`
	RevokedReason      string     `json:"revoked_reason,omitempty"`
	RevokedBy          string     `json:"revoked_by,omitempty"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Operations = append([]string(nil), r.Operations...)
	cp.Resources = append([]string(nil), r.Resources...)
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

// permitsOperation reports whether action appears in the allow list.
func permitsOperation(allowed []string, action string) bool {
	for _, op := range allowed {
		if op == action {
			return true
		}
	}
	return false
}

// permitsResource matches resource against glob patterns with ':' as
// the segment separator: '*' spans one segment, '**' spans any number.
func permitsResource(patterns []string, resource string) bool {
	for _, p := range patterns {
		g, err := glob.Compile(p, ':')
		if err != nil {
			continue
		}
		if g.Match(resource) {
			return true
		}
	}
	return false
}
