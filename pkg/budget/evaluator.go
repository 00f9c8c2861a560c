package budget

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caracal-dev/caracal/pkg/charges"
)

// SpendReader is the slice of the ledger query the evaluator needs.
type SpendReader interface {
	SumCost(principalID string, start, end time.Time) (decimal.Decimal, error)
}

// ChargeReserver is the slice of the provisional charge manager the
// evaluator needs: current reservations plus the ability to create one.
type ChargeReserver interface {
	ReservedBudget(principalID string) decimal.Decimal
	Create(principalID string, amount decimal.Decimal, currency string, ttl time.Duration) (*charges.Charge, error)
}

// PolicyUtilization is the per-policy breakdown exposed on every
// decision, so callers can render utilization reports.
type PolicyUtilization struct {
	PolicyID    string          `json:"policy_id"`
	Window      Window          `json:"time_window"`
	WindowType  WindowType      `json:"window_type"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Limit       decimal.Decimal `json:"limit"`
	Spent       decimal.Decimal `json:"spent"`
	Reserved    decimal.Decimal `json:"reserved"`
	Remaining   decimal.Decimal `json:"remaining"`
	Passed      bool            `json:"passed"`
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed        bool                `json:"allowed"`
	Reason         string              `json:"reason"`
	FailedPolicyID string              `json:"failed_policy_id,omitempty"`
	Remaining      decimal.Decimal     `json:"remaining"`
	Currency       string              `json:"currency,omitempty"`
	Breakdown      []PolicyUtilization `json:"breakdown,omitempty"`
	Charge         *charges.Charge     `json:"charge,omitempty"`
}

// Evaluator runs multi-policy budget checks. Every uncertain path
// denies: no active policy, ledger errors, reservation errors.
type Evaluator struct {
	policies *Store
	spend    SpendReader
	reserver ChargeReserver
	logger   *slog.Logger
}

// NewEvaluator wires the evaluator to its collaborators.
func NewEvaluator(policies *Store, spend SpendReader, reserver ChargeReserver) *Evaluator {
	return &Evaluator{
		policies: policies,
		spend:    spend,
		reserver: reserver,
		logger:   slog.Default().With("component", "budget_evaluator"),
	}
}

// Check evaluates every active policy on the principal at the reference
// time. A zero estimate performs a plain check; a positive estimate
// additionally creates a provisional charge when all policies pass.
// Equality with the limit denies: a policy passes only while
// spent + reserved + estimate < limit.
func (e *Evaluator) Check(principalID string, estimate decimal.Decimal, ref time.Time) (*Decision, error) {
	if ref.IsZero() {
		ref = time.Now()
	}
	ref = ref.UTC()

	active := e.policies.GetForPrincipal(principalID)
	if len(active) == 0 {
		return &Decision{
			Allowed:   false,
			Reason:    "no active policy for principal",
			Remaining: decimal.Zero,
		}, nil
	}

	reserved := e.reserver.ReservedBudget(principalID)

	var (
		breakdown   []PolicyUtilization
		firstFailed *Policy
		denyReason  string
		currency    string
	)

	for _, pol := range active {
		start, end, err := WindowBounds(pol.Window, pol.WindowType, ref)
		if err != nil {
			// Fail closed on a malformed stored policy.
			e.logger.Error("window computation failed", "policy_id", pol.ID, "error", err)
			return &Decision{Allowed: false, Reason: "internal error during budget check"}, err
		}
		spent, err := e.spend.SumCost(principalID, start, end)
		if err != nil {
			e.logger.Error("ledger sum failed, denying", "policy_id", pol.ID, "error", err)
			return &Decision{Allowed: false, Reason: "internal error during budget check"}, err
		}

		prospective := spent.Add(reserved).Add(estimate)
		passed := prospective.LessThan(pol.Limit)
		headroom := pol.Limit.Sub(spent).Sub(reserved)

		breakdown = append(breakdown, PolicyUtilization{
			PolicyID:    pol.ID,
			Window:      pol.Window,
			WindowType:  pol.WindowType,
			WindowStart: start,
			WindowEnd:   end,
			Limit:       pol.Limit,
			Spent:       spent,
			Reserved:    reserved,
			Remaining:   zeroIfNegative(headroom),
			Passed:      passed,
		})
		if currency == "" {
			currency = pol.Currency
		}

		if !passed && firstFailed == nil {
			firstFailed = pol
			denyReason = fmt.Sprintf("budget exceeded: policy %s (%s %s) limit %s, spent %s, reserved %s, estimated %s",
				pol.ID, pol.Window, pol.WindowType, pol.Limit, spent, reserved, estimate)
		}
	}

	if firstFailed != nil {
		// Remaining = min over failed policies of limit - spent - reserved.
		minFailed := minHeadroom(breakdown, false)
		return &Decision{
			Allowed:        false,
			Reason:         denyReason,
			FailedPolicyID: firstFailed.ID,
			Remaining:      zeroIfNegative(minFailed),
			Currency:       currency,
			Breakdown:      breakdown,
		}, nil
	}

	dec := &Decision{
		Allowed: true,
		Reason:  "within budget",
		// Remaining = min over all policies of limit - spent - reserved - estimate.
		Remaining: zeroIfNegative(minHeadroom(breakdown, true).Sub(estimate)),
		Currency:  currency,
		Breakdown: breakdown,
	}

	if estimate.IsPositive() {
		charge, err := e.reserver.Create(principalID, estimate, currency, 0)
		if err != nil {
			// Fail closed: an unreservable estimate must not pass.
			e.logger.Error("provisional charge creation failed, denying", "principal_id", principalID, "error", err)
			return &Decision{Allowed: false, Reason: "internal error during budget check"}, err
		}
		dec.Charge = charge
	}
	return dec, nil
}

// minHeadroom returns the minimum limit-spent-reserved over the
// breakdown, restricted to failed policies unless all is set.
func minHeadroom(breakdown []PolicyUtilization, all bool) decimal.Decimal {
	var min decimal.Decimal
	first := true
	for _, u := range breakdown {
		if !all && u.Passed {
			continue
		}
		headroom := u.Limit.Sub(u.Spent).Sub(u.Reserved)
		if first || headroom.LessThan(min) {
			min = headroom
			first = false
		}
	}
	return min
}
