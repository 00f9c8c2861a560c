//go:build property
// +build property

// Property-based tests for the append-only usage log: event IDs are
// strictly monotonic and SumCost agrees with the appended costs.
package ledger_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/caracal-dev/caracal/pkg/ledger"
)

func TestEventIDMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("assigned event IDs strictly increase", prop.ForAll(
		func(cents []int64) bool {
			writer, err := ledger.NewWriter(filepath.Join(t.TempDir(), "usage.log"))
			if err != nil {
				return false
			}

			var last uint64
			for _, c := range cents {
				if c < 0 {
					c = -c
				}
				id, err := writer.Append(&ledger.Event{
					PrincipalID:  "prin-1",
					ResourceType: "api_call",
					Quantity:     1,
					Cost:         decimal.New(c, -2),
					Currency:     "USD",
				})
				if err != nil {
					return false
				}
				if id <= last {
					return false
				}
				last = id
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 1_000_000)),
	))

	properties.TestingRun(t)
}

func TestSumCostConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("SumCost equals the sum of appended costs", prop.ForAll(
		func(cents []int64) bool {
			path := filepath.Join(t.TempDir(), "usage.log")
			writer, err := ledger.NewWriter(path)
			if err != nil {
				return false
			}
			writer.WithClock(func() time.Time { return now })

			want := decimal.Zero
			for _, c := range cents {
				cost := decimal.New(c, -2)
				if _, err := writer.Append(&ledger.Event{
					PrincipalID:  "prin-1",
					ResourceType: "api_call",
					Quantity:     1,
					Cost:         cost,
					Currency:     "USD",
				}); err != nil {
					return false
				}
				want = want.Add(cost)
			}

			got, err := ledger.NewQuery(path).SumCost("prin-1", now.Add(-time.Hour), now.Add(time.Hour))
			if err != nil {
				return false
			}
			return got.Equal(want)
		},
		gen.SliceOf(gen.Int64Range(0, 1_000_000)),
	))

	properties.TestingRun(t)
}
