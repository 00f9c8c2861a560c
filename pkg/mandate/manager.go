package mandate

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caracal-dev/caracal/pkg/persist"
)

// iatSkew is the tolerated future clock skew on issued-at.
const iatSkew = 60 * time.Second

// IssueRequest describes a mandate to issue.
type IssueRequest struct {
	IssuerID           string
	SubjectID          string
	Operations         []string
	Resources          []string
	Validity           time.Duration
	MaxDelegationDepth int
	SpendingLimit      decimal.Decimal
	Currency           string
	BudgetCategory     string
	ParentMandateID    string
}

// Manager owns the mandate record table and performs issuance,
// validation, scope authorization, and revocation. It holds a
// non-owning reference to the principal registry for key lookup.
type Manager struct {
	mu        sync.RWMutex
	byID      map[string]*Record
	children  map[string][]string
	directory Directory
	store     *persist.SnapshotStore
	clock     func() time.Time
	logger    *slog.Logger
}

// NewManager opens (or creates) a mandate table persisted at path.
func NewManager(path string, dir Directory) (*Manager, error) {
	snap, err := persist.NewSnapshotStore(path, -1)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		byID:      make(map[string]*Record),
		children:  make(map[string][]string),
		directory: dir,
		store:     snap,
		clock:     time.Now,
		logger:    slog.Default().With("component", "mandate_manager"),
	}
	var records []*Record
	if _, err := snap.Load(&records); err != nil {
		return nil, err
	}
	for _, r := range records {
		m.byID[r.ID] = r
		if r.ParentID != "" {
			m.children[r.ParentID] = append(m.children[r.ParentID], r.ID)
		}
	}
	return m, nil
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) snapshotLocked() error {
	records := make([]*Record, 0, len(m.byID))
	for _, r := range m.byID {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].IssuedAt.Before(records[j].IssuedAt) })
	return m.store.Save(records)
}

// Issue signs a new mandate and stores its record. A delegated mandate
// names a parent; the issuer must be the parent's subject and the
// parent must still be live with delegation headroom.
func (m *Manager) Issue(req IssueRequest) (string, *Record, error) {
	issuer := m.directory.Get(req.IssuerID)
	if issuer == nil {
		return "", nil, fmt.Errorf("%w: issuer %s", ErrUnknownIssuer, req.IssuerID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	if req.ParentMandateID != "" {
		parent, ok := m.byID[req.ParentMandateID]
		if !ok {
			return "", nil, fmt.Errorf("%w: parent %s", ErrNotFound, req.ParentMandateID)
		}
		if parent.Revoked {
			return "", nil, fmt.Errorf("%w: parent %s", ErrRevoked, parent.ID)
		}
		if now.After(parent.ExpiresAt) {
			return "", nil, fmt.Errorf("%w: parent %s", ErrExpired, parent.ID)
		}
		if parent.SubjectID != req.IssuerID {
			return "", nil, fmt.Errorf("%w: %s", ErrDelegationDenied, req.ParentMandateID)
		}
		if parent.MaxDelegationDepth < 1 {
			return "", nil, fmt.Errorf("%w: parent %s permits no delegation", ErrDelegationTooDeep, parent.ID)
		}
	}

	validity := req.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    req.IssuerID,
			Subject:   req.SubjectID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		Currency:           req.Currency,
		AllowedOperations:  append([]string(nil), req.Operations...),
		AllowedResources:   append([]string(nil), req.Resources...),
		MaxDelegationDepth: req.MaxDelegationDepth,
		BudgetCategory:     req.BudgetCategory,
		ParentMandateID:    req.ParentMandateID,
	}
	if req.SpendingLimit.IsPositive() {
		claims.SpendingLimit = req.SpendingLimit.String()
	}

	token, err := signToken(claims, issuer)
	if err != nil {
		return "", nil, err
	}
	hash, err := canonicalClaimsHash(claims)
	if err != nil {
		return "", nil, err
	}

	rec := &Record{
		ID:                 claims.ID,
		IssuerID:           req.IssuerID,
		SubjectID:          req.SubjectID,
		IssuedAt:           now,
		ExpiresAt:          now.Add(validity),
		SpendingLimit:      claims.SpendingLimit,
		Currency:           req.Currency,
		Operations:         append([]string(nil), req.Operations...),
		Resources:          append([]string(nil), req.Resources...),
		MaxDelegationDepth: req.MaxDelegationDepth,
		BudgetCategory:     req.BudgetCategory,
		ParentID:           req.ParentMandateID,
		ClaimsHash:         hash,
	}
	m.byID[rec.ID] = rec
	if rec.ParentID != "" {
		m.children[rec.ParentID] = append(m.children[rec.ParentID], rec.ID)
	}
	if err := m.snapshotLocked(); err != nil {
		delete(m.byID, rec.ID)
		if rec.ParentID != "" {
			ids := m.children[rec.ParentID]
			m.children[rec.ParentID] = ids[:len(ids)-1]
		}
		return "", nil, err
	}

	m.logger.Info("mandate issued",
		"mandate_id", rec.ID, "issuer", rec.IssuerID, "subject", rec.SubjectID,
		"parent", rec.ParentID, "expires_at", rec.ExpiresAt)
	return token, rec.clone(), nil
}

// Validate verifies a token end to end: signature, structure, time
// bounds, audience, and revocation. Each failure keeps a distinct
// error kind so callers can map it precisely.
func (m *Manager) Validate(raw string) (*Claims, error) {
	claims, err := parseToken(raw, m.directory)
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}
	if claims.Issuer == "" {
		return nil, fmt.Errorf("%w: iss", ErrMissingClaim)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: exp", ErrMissingClaim)
	}
	audOK := false
	for _, aud := range claims.Audience {
		if aud == Audience {
			audOK = true
			break
		}
	}
	if !audOK {
		return nil, fmt.Errorf("%w: want %q", ErrAudience, Audience)
	}
	if now.After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: at %s", ErrExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	if claims.IssuedAt != nil && claims.IssuedAt.Time.After(now.Add(iatSkew)) {
		return nil, fmt.Errorf("%w: issued in the future", ErrMalformed)
	}

	m.mu.RLock()
	rec, ok := m.byID[claims.ID]
	revoked := ok && rec.Revoked
	m.mu.RUnlock()
	if revoked {
		return nil, fmt.Errorf("%w: %s", ErrRevoked, claims.ID)
	}
	return claims, nil
}

// Get returns the record with the given ID, or nil.
func (m *Manager) Get(id string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.byID[id]; ok {
		return r.clone()
	}
	return nil
}

// ListAll returns every record in issuance order.
func (m *Manager) ListAll() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.byID))
	for _, r := range m.byID {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// Authorize checks that the mandate permits (action, resource) and that
// every ancestor in the delegation chain does too, within its depth
// allowance. The chain fails on any revoked or expired ancestor.
func (m *Manager) Authorize(rec *Record, action, resource string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authorizeLocked(rec.Operations, rec.Resources, rec.ParentID, action, resource)
}

// AuthorizeClaims is Authorize for a validated token's claim set.
func (m *Manager) AuthorizeClaims(claims *Claims, action, resource string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authorizeLocked(claims.AllowedOperations, claims.AllowedResources, claims.ParentMandateID, action, resource)
}

func (m *Manager) authorizeLocked(ops, res []string, parentID, action, resource string) error {
	if !permitsOperation(ops, action) {
		return fmt.Errorf("%w: operation %q not allowed", ErrScopeDenied, action)
	}
	if !permitsResource(res, resource) {
		return fmt.Errorf("%w: resource %q not allowed", ErrScopeDenied, resource)
	}

	now := m.clock().UTC()
	seen := map[string]bool{}
	hop := 1
	for parentID != "" {
		if seen[parentID] {
			return fmt.Errorf("%w: delegation cycle at %s", ErrMalformed, parentID)
		}
		seen[parentID] = true

		parent, ok := m.byID[parentID]
		if !ok {
			return fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		if parent.Revoked {
			return fmt.Errorf("%w: ancestor %s", ErrRevoked, parent.ID)
		}
		if now.After(parent.ExpiresAt) {
			return fmt.Errorf("%w: ancestor %s", ErrExpired, parent.ID)
		}
		if hop > parent.MaxDelegationDepth {
			return fmt.Errorf("%w: depth %d over ancestor %s limit %d",
				ErrDelegationTooDeep, hop, parent.ID, parent.MaxDelegationDepth)
		}
		if !permitsOperation(parent.Operations, action) || !permitsResource(parent.Resources, resource) {
			return fmt.Errorf("%w: ancestor %s does not permit (%s, %s)",
				ErrScopeDenied, parent.ID, action, resource)
		}
		parentID = parent.ParentID
		hop++
	}
	return nil
}

// Revoke marks the mandate revoked with reason and revoker. Revoking
// an already-revoked mandate is a logged no-op. With cascade, every
// delegated descendant is revoked in the same pass.
func (m *Manager) Revoke(id, reason, revokerID string, cascade bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := m.clock().UTC()
	changed := m.revokeTreeLocked(rec, reason, revokerID, now, cascade)
	if changed == 0 {
		m.logger.Debug("mandate already revoked", "mandate_id", id)
		return nil
	}
	if err := m.snapshotLocked(); err != nil {
		return err
	}
	m.logger.Info("mandate revoked",
		"mandate_id", id, "revoked_by", revokerID, "cascade", cascade, "count", changed)
	return nil
}

func (m *Manager) revokeTreeLocked(rec *Record, reason, revokerID string, now time.Time, cascade bool) int {
	changed := 0
	if !rec.Revoked {
		rec.Revoked = true
		rec.RevokedReason = reason
		rec.RevokedBy = revokerID
		t := now
		rec.RevokedAt = &t
		changed++
	}
	if !cascade {
		return changed
	}
	for _, childID := range m.children[rec.ID] {
		if child, ok := m.byID[childID]; ok {
			changed += m.revokeTreeLocked(child, reason, revokerID, now, cascade)
		}
	}
	return changed
}
