package charges_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-dev/caracal/pkg/charges"
)

func newManager(t *testing.T, opts ...charges.Option) *charges.Manager {
	t.Helper()
	m, err := charges.NewManager(filepath.Join(t.TempDir(), "charges.json"), opts...)
	require.NoError(t, err)
	return m
}

func TestManager_CreateDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(t, charges.WithClock(func() time.Time { return now }))

	c, err := m.Create("p1", decimal.RequireFromString("17.50"), "USD", 0)
	require.NoError(t, err)
	assert.False(t, c.Released)
	assert.Equal(t, now, c.CreatedAt)
	assert.Equal(t, now.Add(charges.DefaultTTL), c.ExpiresAt)
	assert.True(t, c.ExpiresAt.After(c.CreatedAt))
}

func TestManager_CreateCapsTTL(t *testing.T) {
	now := time.Now().UTC()
	m := newManager(t,
		charges.WithClock(func() time.Time { return now }),
		charges.WithMaxTTL(10*time.Minute))

	c, err := m.Create("p1", decimal.NewFromInt(1), "USD", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), c.ExpiresAt)
}

func TestManager_CreateValidation(t *testing.T) {
	m := newManager(t)

	_, err := m.Create("", decimal.NewFromInt(1), "USD", 0)
	assert.ErrorIs(t, err, charges.ErrEmptyPrincipal)

	_, err = m.Create("p1", decimal.Zero, "USD", 0)
	assert.ErrorIs(t, err, charges.ErrNonPositiveAmount)

	_, err = m.Create("p1", decimal.NewFromInt(-5), "USD", 0)
	assert.ErrorIs(t, err, charges.ErrNonPositiveAmount)
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	m := newManager(t)
	c, err := m.Create("p1", decimal.NewFromInt(10), "USD", 0)
	require.NoError(t, err)

	require.NoError(t, m.Release(c.ID, 42))
	got := m.Get(c.ID)
	assert.True(t, got.Released)
	assert.Equal(t, uint64(42), got.FinalEventID)

	// Second release is a no-op and never rewrites the event link.
	require.NoError(t, m.Release(c.ID, 99))
	got = m.Get(c.ID)
	assert.True(t, got.Released)
	assert.Equal(t, uint64(42), got.FinalEventID)

	assert.ErrorIs(t, m.Release("missing", 0), charges.ErrChargeNotFound)
}

func TestManager_ReservedBudget(t *testing.T) {
	now := time.Now().UTC()
	clock := &now
	m := newManager(t, charges.WithClock(func() time.Time { return *clock }))

	_, err := m.Create("p1", decimal.RequireFromString("5.25"), "USD", time.Minute)
	require.NoError(t, err)
	c2, err := m.Create("p1", decimal.RequireFromString("2.75"), "USD", time.Minute)
	require.NoError(t, err)
	_, err = m.Create("other", decimal.NewFromInt(100), "USD", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "8", m.ReservedBudget("p1").String())

	// Released charges stop counting.
	require.NoError(t, m.Release(c2.ID, 0))
	assert.Equal(t, "5.25", m.ReservedBudget("p1").String())

	// Expired charges stop counting even before the reaper runs.
	later := now.Add(2 * time.Minute)
	clock = &later
	assert.True(t, m.ReservedBudget("p1").IsZero())
	assert.Equal(t, 1, m.ExpiredUnreleasedCount("p1"))
}

func TestManager_ReapExpired(t *testing.T) {
	now := time.Now().UTC()
	clock := &now
	m := newManager(t, charges.WithClock(func() time.Time { return *clock }))

	c1, _ := m.Create("p1", decimal.NewFromInt(1), "USD", time.Minute)
	c2, _ := m.Create("p1", decimal.NewFromInt(2), "USD", time.Hour)

	later := now.Add(5 * time.Minute)
	clock = &later

	n, err := m.ReapExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, m.Get(c1.ID).Released)
	assert.False(t, m.Get(c2.ID).Released)
	assert.Equal(t, 0, m.ExpiredUnreleasedCount(""))

	// Nothing left to reap.
	n, err = m.ReapExpired()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "charges.json")

	m1, err := charges.NewManager(path)
	require.NoError(t, err)
	c, err := m1.Create("p1", decimal.RequireFromString("3.33"), "USD", time.Hour)
	require.NoError(t, err)

	m2, err := charges.NewManager(path)
	require.NoError(t, err)
	got := m2.Get(c.ID)
	require.NotNil(t, got)
	assert.Equal(t, "3.33", got.Amount.String())
	assert.False(t, got.Released)
}

func TestReaper_StopsOnCancel(t *testing.T) {
	now := time.Now().UTC()
	clock := &now
	m := newManager(t, charges.WithClock(func() time.Time { return *clock }))
	_, err := m.Create("p1", decimal.NewFromInt(1), "USD", time.Millisecond)
	require.NoError(t, err)

	later := now.Add(time.Second)
	clock = &later

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	reaper := charges.NewReaper(m, 5*time.Millisecond)
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return m.ExpiredUnreleasedCount("") == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on cancellation")
	}
}
