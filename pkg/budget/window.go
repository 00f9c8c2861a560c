package budget

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPolicy is returned for unknown window or window-type values.
var ErrInvalidPolicy = errors.New("budget: invalid policy")

// Window is the length of a budget period.
type Window string

const (
	WindowHourly  Window = "hourly"
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

// WindowType selects how the period is anchored.
type WindowType string

const (
	// WindowRolling slides backward from the reference time.
	WindowRolling WindowType = "rolling"
	// WindowCalendar aligns to the enclosing calendar boundary in UTC.
	WindowCalendar WindowType = "calendar"
)

// WindowBounds computes the (start, end] interval for a policy window at
// the given reference time. End is always the reference time. Monthly
// rolling windows use a 30-day approximation.
func WindowBounds(w Window, wt WindowType, ref time.Time) (start, end time.Time, err error) {
	ref = ref.UTC()
	switch wt {
	case WindowRolling:
		var span time.Duration
		switch w {
		case WindowHourly:
			span = time.Hour
		case WindowDaily:
			span = 24 * time.Hour
		case WindowWeekly:
			span = 7 * 24 * time.Hour
		case WindowMonthly:
			span = 30 * 24 * time.Hour
		default:
			return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown window %q", ErrInvalidPolicy, w)
		}
		return ref.Add(-span), ref, nil

	case WindowCalendar:
		switch w {
		case WindowHourly:
			start = ref.Truncate(time.Hour)
		case WindowDaily:
			start = time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
		case WindowWeekly:
			midnight := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
			// time.Weekday numbers Sunday as 0; shift to Monday-anchored weeks.
			offset := (int(midnight.Weekday()) + 6) % 7
			start = midnight.AddDate(0, 0, -offset)
		case WindowMonthly:
			start = time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
		default:
			return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown window %q", ErrInvalidPolicy, w)
		}
		return start, ref, nil

	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown window type %q", ErrInvalidPolicy, wt)
	}
}

// windowRank orders windows from shortest to longest for the
// cross-window limit sanity warning.
func windowRank(w Window) int {
	switch w {
	case WindowHourly:
		return 0
	case WindowDaily:
		return 1
	case WindowWeekly:
		return 2
	case WindowMonthly:
		return 3
	default:
		return -1
	}
}
