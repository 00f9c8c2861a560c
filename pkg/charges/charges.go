// Package charges reserves budget during the gap between a budget
// decision and the moment actual cost is known. Reservations carry a
// TTL; a background reaper releases whatever settlement forgot.
package charges

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caracal-dev/caracal/pkg/persist"
)

var (
	// ErrChargeNotFound is returned when a charge ID does not exist.
	ErrChargeNotFound = errors.New("charges: charge not found")
	// ErrNonPositiveAmount is returned when a reservation amount is not positive.
	ErrNonPositiveAmount = errors.New("charges: amount must be positive")
	// ErrEmptyPrincipal is returned when a reservation has no principal.
	ErrEmptyPrincipal = errors.New("charges: principal_id must not be empty")
)

// Defaults for reservation TTLs and the reaper cadence.
const (
	DefaultTTL       = 5 * time.Minute
	DefaultMaxTTL    = time.Hour
	DefaultInterval  = time.Minute
	DefaultBatchSize = 1000
)

// Charge is a short-lived budget reservation pending settlement.
type Charge struct {
	ID           string          `json:"id"`
	PrincipalID  string          `json:"principal_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Released     bool            `json:"released"`
	FinalEventID uint64          `json:"final_event_id,omitempty"`
}

// Manager owns the reservation table. Released is monotone: once a
// charge is released it never counts toward budget again.
type Manager struct {
	mu        sync.RWMutex
	byID      map[string]*Charge
	maxTTL    time.Duration
	batchSize int
	store     *persist.SnapshotStore
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxTTL overrides the hard TTL ceiling (default one hour).
func WithMaxTTL(d time.Duration) Option {
	return func(m *Manager) { m.maxTTL = d }
}

// WithBatchSize overrides the reaper batch size.
func WithBatchSize(n int) Option {
	return func(m *Manager) { m.batchSize = n }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager opens (or creates) a charge table persisted at path.
func NewManager(path string, opts ...Option) (*Manager, error) {
	snap, err := persist.NewSnapshotStore(path, -1)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		byID:      make(map[string]*Charge),
		maxTTL:    DefaultMaxTTL,
		batchSize: DefaultBatchSize,
		store:     snap,
		clock:     time.Now,
		logger:    slog.Default().With("component", "charge_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	var records []*Charge
	if _, err := snap.Load(&records); err != nil {
		return nil, err
	}
	for _, c := range records {
		m.byID[c.ID] = c
	}
	return m, nil
}

func (m *Manager) snapshotLocked() error {
	records := make([]*Charge, 0, len(m.byID))
	for _, c := range m.byID {
		records = append(records, c)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return m.store.Save(records)
}

// Create reserves amount for the principal. A zero ttl uses the
// default; requests above the ceiling are capped and logged, not
// rejected.
func (m *Manager) Create(principalID string, amount decimal.Decimal, currency string, ttl time.Duration) (*Charge, error) {
	if principalID == "" {
		return nil, ErrEmptyPrincipal
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrNonPositiveAmount, amount)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > m.maxTTL {
		m.logger.Warn("requested TTL above ceiling, capping",
			"principal_id", principalID, "requested", ttl, "ceiling", m.maxTTL)
		ttl = m.maxTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	c := &Charge{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Amount:      amount,
		Currency:    currency,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	m.byID[c.ID] = c
	if err := m.snapshotLocked(); err != nil {
		delete(m.byID, c.ID)
		return nil, err
	}
	cp := *c
	return &cp, nil
}

// Release settles a charge, optionally linking the final ledger event.
// Releasing an already-released charge is a logged no-op; the original
// link is never overwritten.
func (m *Manager) Release(chargeID string, finalEventID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byID[chargeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChargeNotFound, chargeID)
	}
	if c.Released {
		m.logger.Debug("charge already released", "charge_id", chargeID)
		return nil
	}
	c.Released = true
	c.FinalEventID = finalEventID
	if err := m.snapshotLocked(); err != nil {
		c.Released = false
		c.FinalEventID = 0
		return err
	}
	return nil
}

// Get returns the charge with the given ID, or nil.
func (m *Manager) Get(chargeID string) *Charge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.byID[chargeID]; ok {
		cp := *c
		return &cp
	}
	return nil
}

// ActiveFor returns the principal's unreleased, unexpired charges.
func (m *Manager) ActiveFor(principalID string) []*Charge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock().UTC()
	var out []*Charge
	for _, c := range m.byID {
		if c.PrincipalID == principalID && !c.Released && c.ExpiresAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ReservedBudget sums the amounts of the principal's active charges.
func (m *Manager) ReservedBudget(principalID string) decimal.Decimal {
	total := decimal.Zero
	for _, c := range m.ActiveFor(principalID) {
		total = total.Add(c.Amount)
	}
	return total
}

// ExpiredUnreleasedCount reports charges the reaper has not yet caught,
// for observability. An empty principalID counts across all principals.
func (m *Manager) ExpiredUnreleasedCount(principalID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock().UTC()
	count := 0
	for _, c := range m.byID {
		if principalID != "" && c.PrincipalID != principalID {
			continue
		}
		if !c.Released && !c.ExpiresAt.After(now) {
			count++
		}
	}
	return count
}

// ReapExpired releases expired charges in batches, returning the number
// released in this pass.
func (m *Manager) ReapExpired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	released := 0
	for _, c := range m.byID {
		if released >= m.batchSize {
			break
		}
		if !c.Released && !c.ExpiresAt.After(now) {
			c.Released = true
			released++
		}
	}
	if released == 0 {
		return 0, nil
	}
	if err := m.snapshotLocked(); err != nil {
		return released, err
	}
	m.logger.Info("reaped expired charges", "count", released)
	return released, nil
}
