package budget_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-dev/caracal/pkg/budget"
	"github.com/caracal-dev/caracal/pkg/charges"
	"github.com/caracal-dev/caracal/pkg/ledger"
	"github.com/caracal-dev/caracal/pkg/principal"
)

type evalFixture struct {
	registry  *principal.Registry
	policies  *budget.Store
	writer    *ledger.Writer
	query     *ledger.Query
	charges   *charges.Manager
	evaluator *budget.Evaluator
	agent     *principal.Principal
	now       time.Time
}

func newEvalFixture(t *testing.T) *evalFixture {
	t.Helper()
	dir := t.TempDir()
	now := time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)

	reg, err := principal.NewRegistry(filepath.Join(dir, "principals.json"))
	require.NoError(t, err)
	agent, err := reg.Register(principal.RegisterRequest{Name: "agent"})
	require.NoError(t, err)

	policies, err := budget.NewStore(filepath.Join(dir, "policies.json"), reg)
	require.NoError(t, err)

	logPath := filepath.Join(dir, "ledger.jsonl")
	writer, err := ledger.NewWriter(logPath)
	require.NoError(t, err)
	writer.WithClock(func() time.Time { return now })

	mgr, err := charges.NewManager(filepath.Join(dir, "charges.json"),
		charges.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	query := ledger.NewQuery(logPath)
	return &evalFixture{
		registry:  reg,
		policies:  policies,
		writer:    writer,
		query:     query,
		charges:   mgr,
		evaluator: budget.NewEvaluator(policies, query, mgr),
		agent:     agent,
		now:       now,
	}
}

func (f *evalFixture) policy(t *testing.T, limit string, w budget.Window, wt budget.WindowType) *budget.Policy {
	t.Helper()
	pol, err := f.policies.Create(budget.CreatePolicyRequest{
		PrincipalID: f.agent.ID,
		Limit:       dec(limit),
		Currency:    "USD",
		Window:      w,
		WindowType:  wt,
	})
	require.NoError(t, err)
	return pol
}

func (f *evalFixture) spend(t *testing.T, cost string) uint64 {
	t.Helper()
	id, err := f.writer.Append(&ledger.Event{
		PrincipalID:  f.agent.ID,
		ResourceType: "api_call",
		Quantity:     decimal.NewFromInt(1),
		Cost:         dec(cost),
		Currency:     "USD",
	})
	require.NoError(t, err)
	return id
}

func TestEvaluator_NoPolicyFailsClosed(t *testing.T) {
	f := newEvalFixture(t)

	d, err := f.evaluator.Check(f.agent.ID, decimal.Zero, f.now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "no active policy")
}

// Scenario: happy-path budget consumption with a reservation that is
// settled by a metering event, then a follow-up check.
func TestEvaluator_HappyPathConsumption(t *testing.T) {
	f := newEvalFixture(t)
	f.policy(t, "100.00", budget.WindowDaily, budget.WindowCalendar)

	d, err := f.evaluator.Check(f.agent.ID, dec("17.50"), f.now)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.NotNil(t, d.Charge)
	assert.Equal(t, "82.5", d.Remaining.String())
	assert.Equal(t, "USD", d.Currency)
	require.Len(t, d.Breakdown, 1)
	assert.True(t, d.Breakdown[0].Passed)

	// Meter the actual cost and settle the reservation.
	eventID, err := f.writer.Append(&ledger.Event{
		PrincipalID:  f.agent.ID,
		ResourceType: "api_call",
		Quantity:     decimal.NewFromInt(1),
		Cost:         dec("17.50"),
		Currency:     "USD",
		ChargeID:     d.Charge.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), eventID)
	require.NoError(t, f.charges.Release(d.Charge.ID, eventID))
	assert.True(t, f.charges.Get(d.Charge.ID).Released)

	// A plain check now sees the spend but no reservation.
	d2, err := f.evaluator.Check(f.agent.ID, decimal.Zero, f.now)
	require.NoError(t, err)
	assert.True(t, d2.Allowed)
	assert.Equal(t, "82.5", d2.Remaining.String())
	assert.Nil(t, d2.Charge)
}

// Scenario: a spend exactly at the limit denies: the comparison is
// strict, equality is over budget.
func TestEvaluator_DenyAtExactLimit(t *testing.T) {
	f := newEvalFixture(t)
	pol := f.policy(t, "100.00", budget.WindowDaily, budget.WindowCalendar)
	f.spend(t, "100.00")

	d, err := f.evaluator.Check(f.agent.ID, decimal.Zero, f.now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, pol.ID, d.FailedPolicyID)
	assert.Contains(t, d.Reason, pol.ID)
	assert.True(t, d.Remaining.IsZero())
}

// Scenario: with several policies the tightest one wins; the denial
// names the first failing policy in creation order.
func TestEvaluator_MultiPolicyTightestWins(t *testing.T) {
	f := newEvalFixture(t)
	f.policy(t, "100.00", budget.WindowDaily, budget.WindowCalendar)
	tight := f.policy(t, "50.00", budget.WindowDaily, budget.WindowCalendar)
	f.spend(t, "30.00")

	d, err := f.evaluator.Check(f.agent.ID, dec("25.00"), f.now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, tight.ID, d.FailedPolicyID)
	// Remaining = min over failed policies of limit - spent - reserved.
	assert.Equal(t, "20", d.Remaining.String())
	require.Len(t, d.Breakdown, 2)
	assert.True(t, d.Breakdown[0].Passed)
	assert.False(t, d.Breakdown[1].Passed)

	// No reservation is created on a denial.
	assert.True(t, f.charges.ReservedBudget(f.agent.ID).IsZero())
}

func TestEvaluator_ReservationsCountTowardBudget(t *testing.T) {
	f := newEvalFixture(t)
	f.policy(t, "100.00", budget.WindowDaily, budget.WindowCalendar)

	d1, err := f.evaluator.Check(f.agent.ID, dec("60.00"), f.now)
	require.NoError(t, err)
	require.True(t, d1.Allowed)

	// The outstanding reservation blocks a second large estimate.
	d2, err := f.evaluator.Check(f.agent.ID, dec("50.00"), f.now)
	require.NoError(t, err)
	assert.False(t, d2.Allowed)

	// Releasing the charge frees the budget.
	require.NoError(t, f.charges.Release(d1.Charge.ID, 0))
	d3, err := f.evaluator.Check(f.agent.ID, dec("50.00"), f.now)
	require.NoError(t, err)
	assert.True(t, d3.Allowed)
}

func TestEvaluator_SpendOutsideWindowIgnored(t *testing.T) {
	f := newEvalFixture(t)
	f.policy(t, "10.00", budget.WindowHourly, budget.WindowRolling)

	// Spend two hours ago is outside the rolling hourly window.
	old := f.now.Add(-2 * time.Hour)
	_, err := f.writer.Append(&ledger.Event{
		PrincipalID:  f.agent.ID,
		ResourceType: "api_call",
		Quantity:     decimal.NewFromInt(1),
		Cost:         dec("9.99"),
		Currency:     "USD",
		Timestamp:    old,
	})
	require.NoError(t, err)

	d, err := f.evaluator.Check(f.agent.ID, dec("5.00"), f.now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

type failingSpendReader struct{}

func (failingSpendReader) SumCost(string, time.Time, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, assert.AnError
}

func TestEvaluator_LedgerErrorFailsClosed(t *testing.T) {
	f := newEvalFixture(t)
	f.policy(t, "100.00", budget.WindowDaily, budget.WindowCalendar)

	ev := budget.NewEvaluator(f.policies, failingSpendReader{}, f.charges)
	d, err := ev.Check(f.agent.ID, dec("1.00"), f.now)
	assert.Error(t, err)
	require.NotNil(t, d)
	assert.False(t, d.Allowed)
}
