//go:build property
// +build property

package budget_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/caracal-dev/caracal/pkg/budget"
)

var allWindows = []budget.Window{
	budget.WindowHourly, budget.WindowDaily, budget.WindowWeekly, budget.WindowMonthly,
}

// Property: for any reference time, window bounds form a non-empty
// interval ending at (rolling) or enclosing (calendar) the reference.
func TestWindowBoundsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Reference times up to year 2100.
	refGen := gen.Int64Range(0, 4_102_444_800).Map(func(sec int64) time.Time {
		return time.Unix(sec, 0).UTC()
	})

	properties.Property("rolling windows end exactly at the reference", prop.ForAll(
		func(ref time.Time, wi int) bool {
			w := allWindows[wi%len(allWindows)]
			start, end, err := budget.WindowBounds(w, budget.WindowRolling, ref)
			if err != nil {
				return false
			}
			return start.Before(end) && end.Equal(ref.UTC())
		},
		refGen,
		gen.IntRange(0, len(allWindows)-1),
	))

	properties.Property("calendar windows contain the reference", prop.ForAll(
		func(ref time.Time, wi int) bool {
			w := allWindows[wi%len(allWindows)]
			start, end, err := budget.WindowBounds(w, budget.WindowCalendar, ref)
			if err != nil {
				return false
			}
			ref = ref.UTC()
			return start.Before(end) && !ref.Before(start) && !end.Before(ref)
		},
		refGen,
		gen.IntRange(0, len(allWindows)-1),
	))

	properties.Property("unknown windows are rejected", prop.ForAll(
		func(name string) bool {
			_, _, err := budget.WindowBounds(budget.Window("x-"+name), budget.WindowRolling, time.Now())
			return err != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
