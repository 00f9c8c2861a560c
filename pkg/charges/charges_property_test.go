//go:build property
// +build property

package charges_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/caracal-dev/caracal/pkg/charges"
)

// Property: releasing a charge any number of times leaves the same
// state as releasing it once, and the reserved budget always equals
// the sum of the still-active charges.
func TestReleaseIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated release is a no-op", prop.ForAll(
		func(cents int64, releases int) bool {
			mgr, err := charges.NewManager(filepath.Join(t.TempDir(), "charges.json"))
			if err != nil {
				return false
			}

			charge, err := mgr.Create("prin-1", decimal.New(cents, -2), "USD", time.Minute)
			if err != nil {
				return false
			}

			for i := 0; i < releases; i++ {
				if err := mgr.Release(charge.ID, 42); err != nil {
					return false
				}
			}

			if releases > 0 && !mgr.ReservedBudget("prin-1").IsZero() {
				return false
			}
			return true
		},
		gen.Int64Range(1, 1_000_000),
		gen.IntRange(0, 5),
	))

	properties.Property("reserved budget is the sum of active charges", prop.ForAll(
		func(amounts []int64) bool {
			mgr, err := charges.NewManager(filepath.Join(t.TempDir(), "charges.json"))
			if err != nil {
				return false
			}

			want := decimal.Zero
			for _, c := range amounts {
				amount := decimal.New(c, -2)
				if _, err := mgr.Create("prin-1", amount, "USD", time.Minute); err != nil {
					return false
				}
				want = want.Add(amount)
			}
			return mgr.ReservedBudget("prin-1").Equal(want)
		},
		gen.SliceOf(gen.Int64Range(1, 1_000_000)),
	))

	properties.TestingRun(t)
}
