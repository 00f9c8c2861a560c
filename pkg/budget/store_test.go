package budget_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-dev/caracal/pkg/budget"
	"github.com/caracal-dev/caracal/pkg/principal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	registry *principal.Registry
	store    *budget.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	reg, err := principal.NewRegistry(filepath.Join(dir, "principals.json"))
	require.NoError(t, err)
	store, err := budget.NewStore(filepath.Join(dir, "policies.json"), reg)
	require.NoError(t, err)
	return &fixture{registry: reg, store: store}
}

func (f *fixture) principal(t *testing.T, name, parentID string) *principal.Principal {
	t.Helper()
	p, err := f.registry.Register(principal.RegisterRequest{Name: name, ParentID: parentID})
	require.NoError(t, err)
	return p
}

func TestStore_CreateAndGet(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "agent", "")

	pol, err := f.store.Create(budget.CreatePolicyRequest{
		PrincipalID: p.ID,
		Limit:       dec("100.00"),
		Currency:    "USD",
		Window:      budget.WindowDaily,
		WindowType:  budget.WindowCalendar,
	})
	require.NoError(t, err)
	assert.True(t, pol.Active)

	got := f.store.Get(pol.ID)
	require.NotNil(t, got)
	assert.Equal(t, "100", got.Limit.String())

	active := f.store.GetForPrincipal(p.ID)
	require.Len(t, active, 1)
	assert.Equal(t, pol.ID, active[0].ID)
}

func TestStore_CreateValidation(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "agent", "")

	_, err := f.store.Create(budget.CreatePolicyRequest{
		PrincipalID: p.ID, Limit: decimal.Zero, Currency: "USD",
		Window: budget.WindowDaily, WindowType: budget.WindowCalendar,
	})
	assert.ErrorIs(t, err, budget.ErrNonPositiveLimit)

	_, err = f.store.Create(budget.CreatePolicyRequest{
		PrincipalID: p.ID, Limit: dec("10"), Currency: "USD",
		Window: "quarterly", WindowType: budget.WindowCalendar,
	})
	assert.ErrorIs(t, err, budget.ErrInvalidPolicy)

	_, err = f.store.Create(budget.CreatePolicyRequest{
		PrincipalID: "ghost", Limit: dec("10"), Currency: "USD",
		Window: budget.WindowDaily, WindowType: budget.WindowCalendar,
	})
	assert.ErrorIs(t, err, principal.ErrNotFound)
}

func TestStore_DelegationOnlyFromParent(t *testing.T) {
	f := newFixture(t)
	parent := f.principal(t, "parent", "")
	stranger := f.principal(t, "stranger", "")
	child := f.principal(t, "child", parent.ID)

	_, err := f.store.Create(budget.CreatePolicyRequest{
		PrincipalID: child.ID, Limit: dec("10"), Currency: "USD",
		Window: budget.WindowDaily, WindowType: budget.WindowCalendar,
		DelegatedFromID: stranger.ID,
	})
	assert.ErrorIs(t, err, budget.ErrDelegationNotParent)

	pol, err := f.store.Create(budget.CreatePolicyRequest{
		PrincipalID: child.ID, Limit: dec("10"), Currency: "USD",
		Window: budget.WindowDaily, WindowType: budget.WindowCalendar,
		DelegatedFromID: parent.ID,
	})
	require.NoError(t, err)

	delegated := f.store.ListDelegatedFrom(parent.ID)
	require.Len(t, delegated, 1)
	assert.Equal(t, pol.ID, delegated[0].ID)
}

func TestStore_CurrencyMismatchWarnsNotRejects(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "agent", "")

	_, err := f.store.Create(budget.CreatePolicyRequest{
		PrincipalID: p.ID, Limit: dec("100"), Currency: "USD",
		Window: budget.WindowDaily, WindowType: budget.WindowCalendar,
	})
	require.NoError(t, err)

	// Different currency is accepted (warned, not rejected).
	_, err = f.store.Create(budget.CreatePolicyRequest{
		PrincipalID: p.ID, Limit: dec("100"), Currency: "EUR",
		Window: budget.WindowWeekly, WindowType: budget.WindowCalendar,
	})
	require.NoError(t, err)
	assert.Len(t, f.store.GetForPrincipal(p.ID), 2)
}

func TestStore_RevokeIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.principal(t, "agent", "")
	pol, err := f.store.Create(budget.CreatePolicyRequest{
		PrincipalID: p.ID, Limit: dec("100"), Currency: "USD",
		Window: budget.WindowDaily, WindowType: budget.WindowCalendar,
	})
	require.NoError(t, err)

	require.NoError(t, f.store.Revoke(pol.ID))
	require.NoError(t, f.store.Revoke(pol.ID))
	assert.Empty(t, f.store.GetForPrincipal(p.ID))

	assert.ErrorIs(t, f.store.Revoke("missing"), budget.ErrPolicyNotFound)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	reg, err := principal.NewRegistry(filepath.Join(dir, "principals.json"))
	require.NoError(t, err)
	p, err := reg.Register(principal.RegisterRequest{Name: "agent"})
	require.NoError(t, err)

	path := filepath.Join(dir, "policies.json")
	s1, err := budget.NewStore(path, reg)
	require.NoError(t, err)
	pol, err := s1.Create(budget.CreatePolicyRequest{
		PrincipalID: p.ID, Limit: dec("42.50"), Currency: "USD",
		Window: budget.WindowMonthly, WindowType: budget.WindowRolling,
	})
	require.NoError(t, err)

	s2, err := budget.NewStore(path, reg)
	require.NoError(t, err)
	got := s2.Get(pol.ID)
	require.NotNil(t, got)
	assert.Equal(t, "42.5", got.Limit.String())
	assert.Equal(t, budget.WindowMonthly, got.Window)
}

func TestStore_RejectsDamagedSnapshot(t *testing.T) {
	dir := t.TempDir()
	reg, err := principal.NewRegistry(filepath.Join(dir, "principals.json"))
	require.NoError(t, err)

	path := filepath.Join(dir, "policies.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"x"}]`), 0o600))

	_, err = budget.NewStore(path, reg)
	assert.Error(t, err)
}
