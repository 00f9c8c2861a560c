package budget

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/caracal-dev/caracal/pkg/persist"
	"github.com/caracal-dev/caracal/pkg/principal"
)

// Directory is the read-only view of the principal registry the policy
// store needs for existence and parentage checks.
type Directory interface {
	Get(id string) *principal.Principal
}

// policySchema validates the persisted policy snapshot on load, so a
// hand-edited or damaged file is rejected before it can poison the
// in-memory state.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "principal_id", "limit", "currency", "time_window", "window_type", "active", "created_at"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "principal_id": {"type": "string", "minLength": 1},
      "limit": {"type": "string", "pattern": "^-?[0-9]+(\\.[0-9]+)?$"},
      "currency": {"type": "string", "minLength": 1},
      "time_window": {"enum": ["hourly", "daily", "weekly", "monthly"]},
      "window_type": {"enum": ["rolling", "calendar"]},
      "active": {"type": "boolean"},
      "created_at": {"type": "string"},
      "delegated_from_principal_id": {"type": "string"}
    }
  }
}`

var compiledPolicySchema = jsonschema.MustCompileString("policy.schema.json", policySchema)

// Store owns all policy records. Persistence follows the same atomic
// snapshot discipline as the principal registry.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]*Policy
	byPrincipal map[string][]*Policy
	directory   Directory
	store       *persist.SnapshotStore
	clock       func() time.Time
	logger      *slog.Logger
}

// NewStore opens (or creates) a policy store persisted at path. The
// directory is a non-owning reference used for existence checks.
func NewStore(path string, dir Directory) (*Store, error) {
	snap, err := persist.NewSnapshotStore(path, -1)
	if err != nil {
		return nil, err
	}
	s := &Store{
		byID:        make(map[string]*Policy),
		byPrincipal: make(map[string][]*Policy),
		directory:   dir,
		store:       snap,
		clock:       time.Now,
		logger:      slog.Default().With("component", "policy_store"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) load() error {
	var raw json.RawMessage
	found, err := s.store.Load(&raw)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("budget: decode policy file: %w", err)
	}
	if err := compiledPolicySchema.Validate(doc); err != nil {
		return fmt.Errorf("budget: policy file failed schema validation: %w", err)
	}

	var records []*Policy
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("budget: decode policies: %w", err)
	}
	for _, p := range records {
		s.byID[p.ID] = p
		s.byPrincipal[p.PrincipalID] = append(s.byPrincipal[p.PrincipalID], p)
	}
	for _, list := range s.byPrincipal {
		sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	}
	return nil
}

func (s *Store) snapshotLocked() error {
	records := make([]*Policy, 0, len(s.byID))
	for _, p := range s.byID {
		records = append(records, p)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return s.store.Save(records)
}

// Create validates and persists a new policy. Currency mismatches and
// inverted cross-window limits are warned about, never rejected.
func (s *Store) Create(req CreatePolicyRequest) (*Policy, error) {
	if !req.Limit.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrNonPositiveLimit, req.Limit)
	}
	if _, _, err := WindowBounds(req.Window, req.WindowType, time.Now()); err != nil {
		return nil, err
	}

	owner := s.directory.Get(req.PrincipalID)
	if owner == nil {
		return nil, fmt.Errorf("%w: %s", principal.ErrNotFound, req.PrincipalID)
	}
	if req.DelegatedFromID != "" && req.DelegatedFromID != owner.ParentID {
		return nil, fmt.Errorf("%w: %s is not the parent of %s",
			ErrDelegationNotParent, req.DelegatedFromID, req.PrincipalID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.warnOnAnomalies(req)

	p := &Policy{
		ID:              uuid.NewString(),
		PrincipalID:     req.PrincipalID,
		Limit:           req.Limit,
		Currency:        req.Currency,
		Window:          req.Window,
		WindowType:      req.WindowType,
		Active:          true,
		CreatedAt:       s.clock().UTC(),
		DelegatedFromID: req.DelegatedFromID,
	}
	s.byID[p.ID] = p
	s.byPrincipal[p.PrincipalID] = append(s.byPrincipal[p.PrincipalID], p)

	if err := s.snapshotLocked(); err != nil {
		delete(s.byID, p.ID)
		list := s.byPrincipal[p.PrincipalID]
		s.byPrincipal[p.PrincipalID] = list[:len(list)-1]
		return nil, err
	}

	s.logger.Info("policy created", "policy_id", p.ID, "principal_id", p.PrincipalID,
		"limit", p.Limit, "currency", p.Currency, "window", p.Window, "window_type", p.WindowType)
	cp := *p
	return &cp, nil
}

// warnOnAnomalies logs when the new policy disagrees with existing
// active policies on the same principal; callers hold the lock.
func (s *Store) warnOnAnomalies(req CreatePolicyRequest) {
	for _, existing := range s.byPrincipal[req.PrincipalID] {
		if !existing.Active {
			continue
		}
		if existing.Currency != req.Currency {
			s.logger.Warn("policy currency differs from existing active policy",
				"principal_id", req.PrincipalID,
				"existing_currency", existing.Currency, "new_currency", req.Currency)
		}
		newRank, oldRank := windowRank(req.Window), windowRank(existing.Window)
		if newRank < oldRank && req.Limit.GreaterThan(existing.Limit) {
			s.logger.Warn("shorter-window limit exceeds longer-window limit",
				"principal_id", req.PrincipalID,
				"new_window", req.Window, "new_limit", req.Limit,
				"existing_window", existing.Window, "existing_limit", existing.Limit)
		}
		if oldRank < newRank && existing.Limit.GreaterThan(req.Limit) {
			s.logger.Warn("shorter-window limit exceeds longer-window limit",
				"principal_id", req.PrincipalID,
				"new_window", req.Window, "new_limit", req.Limit,
				"existing_window", existing.Window, "existing_limit", existing.Limit)
		}
	}
}

// Get returns the policy with the given ID, or nil.
func (s *Store) Get(id string) *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byID[id]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// GetForPrincipal returns the active policies for a principal in
// creation order.
func (s *Store) GetForPrincipal(principalID string) []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.byPrincipal[principalID] {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// ListDelegatedFrom returns all policies delegated from a parent.
func (s *Store) ListDelegatedFrom(parentID string) []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.byID {
		if p.DelegatedFromID == parentID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Revoke deactivates a policy. Revocation is idempotent.
func (s *Store) Revoke(policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[policyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	if !p.Active {
		return nil
	}
	p.Active = false
	if err := s.snapshotLocked(); err != nil {
		p.Active = true
		return err
	}
	s.logger.Info("policy revoked", "policy_id", policyID, "principal_id", p.PrincipalID)
	return nil
}

// zeroIfNegative clamps a remaining-budget figure for display.
func zeroIfNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
