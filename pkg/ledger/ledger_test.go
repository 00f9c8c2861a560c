package ledger_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caracal-dev/caracal/pkg/ledger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEvent(principal, resource, qty, cost string) *ledger.Event {
	return &ledger.Event{
		PrincipalID:  principal,
		ResourceType: resource,
		Quantity:     dec(qty),
		Cost:         dec(cost),
		Currency:     "USD",
	}
}

func TestWriter_AppendAssignsMonotonicIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	w, err := ledger.NewWriter(path)
	require.NoError(t, err)

	var last uint64
	for i := 0; i < 5; i++ {
		id, err := w.Append(newEvent("p1", "tokens", "1", "0.10"))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, uint64(5), last)
}

func TestWriter_Validation(t *testing.T) {
	w, err := ledger.NewWriter(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)

	_, err = w.Append(newEvent("", "tokens", "1", "1"))
	assert.ErrorIs(t, err, ledger.ErrEmptyPrincipal)

	_, err = w.Append(newEvent("p1", "", "1", "1"))
	assert.ErrorIs(t, err, ledger.ErrEmptyResourceType)

	_, err = w.Append(newEvent("p1", "tokens", "-1", "1"))
	assert.ErrorIs(t, err, ledger.ErrNegativeQuantity)

	_, err = w.Append(newEvent("p1", "tokens", "1", "-1"))
	assert.ErrorIs(t, err, ledger.ErrNegativeCost)
}

func TestWriter_RecoversNextIDFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	w1, err := ledger.NewWriter(path)
	require.NoError(t, err)
	_, err = w1.Append(newEvent("p1", "tokens", "1", "1"))
	require.NoError(t, err)
	id2, err := w1.Append(newEvent("p1", "tokens", "1", "1"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), id2)

	w2, err := ledger.NewWriter(path)
	require.NoError(t, err)
	id3, err := w2.Append(newEvent("p1", "tokens", "1", "1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id3)
}

func TestWriter_ToleratesPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	w1, err := ledger.NewWriter(path)
	require.NoError(t, err)
	_, err = w1.Append(newEvent("p1", "tokens", "1", "2.50"))
	require.NoError(t, err)

	// Simulate a crash mid-append: a truncated JSON line at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":2,"principal_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := ledger.NewWriter(path)
	require.NoError(t, err)
	id, err := w2.Append(newEvent("p1", "tokens", "1", "1.00"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	// The query layer skips the damaged line.
	q := ledger.NewQuery(path)
	events, err := q.GetEvents(ledger.Filter{PrincipalID: "p1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestQuery_FiltersAndSums(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	base := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	now := base
	w, err := ledger.NewWriter(path)
	require.NoError(t, err)
	w.WithClock(func() time.Time { return now })

	_, err = w.Append(newEvent("p1", "tokens", "100", "3.00"))
	require.NoError(t, err)
	now = base.Add(time.Hour)
	_, err = w.Append(newEvent("p1", "bytes_out", "2048", "0.50"))
	require.NoError(t, err)
	now = base.Add(2 * time.Hour)
	_, err = w.Append(newEvent("p2", "tokens", "10", "1.25"))
	require.NoError(t, err)

	q := ledger.NewQuery(path)

	byResource, err := q.GetEvents(ledger.Filter{ResourceType: "tokens"})
	require.NoError(t, err)
	assert.Len(t, byResource, 2)

	sum, err := q.SumCost("p1", base.Add(-time.Minute), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "3.5", sum.String())

	// Window excludes the second p1 event.
	sum, err = q.SumCost("p1", base.Add(-time.Minute), base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "3", sum.String())

	agg, err := q.AggregateByPrincipal(base.Add(-time.Minute), base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "3.5", agg["p1"].String())
	assert.Equal(t, "1.25", agg["p2"].String())
}

type fakeHierarchy map[string][]string

func (h fakeHierarchy) ChildrenIDs(id string) []string { return h[id] }

func TestQuery_SumWithDescendants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	w, err := ledger.NewWriter(path)
	require.NoError(t, err)

	_, err = w.Append(newEvent("root", "tokens", "1", "1.00"))
	require.NoError(t, err)
	_, err = w.Append(newEvent("child", "tokens", "1", "2.00"))
	require.NoError(t, err)
	_, err = w.Append(newEvent("grandchild", "tokens", "1", "4.00"))
	require.NoError(t, err)
	_, err = w.Append(newEvent("unrelated", "tokens", "1", "8.00"))
	require.NoError(t, err)

	h := fakeHierarchy{"root": {"child"}, "child": {"grandchild"}}
	start, end := time.Time{}, time.Now().Add(time.Hour)

	sums, err := ledger.NewQuery(path).SumWithDescendants("root", start, end, h)
	require.NoError(t, err)
	assert.Len(t, sums, 3)
	assert.Equal(t, "1", sums["root"].String())
	assert.Equal(t, "2", sums["child"].String())
	assert.Equal(t, "4", sums["grandchild"].String())

	tree, err := ledger.NewQuery(path).SpendingBreakdown("root", start, end, h)
	require.NoError(t, err)
	assert.Equal(t, "7", tree.TotalWithDescendants.String())
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "6", tree.Children[0].TotalWithDescendants.String())
}

func TestWriter_ArchiveMirror(t *testing.T) {
	dir := t.TempDir()
	archive, err := ledger.OpenSQLArchive(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	defer archive.Close()

	w, err := ledger.NewWriter(filepath.Join(dir, "ledger.jsonl"))
	require.NoError(t, err)
	w.WithArchive(archive)

	_, err = w.Append(newEvent("p1", "tokens", "1", "2.25"))
	require.NoError(t, err)
	_, err = w.Append(newEvent("p1", "tokens", "1", "0.75"))
	require.NoError(t, err)

	sum, err := archive.SumCost(t.Context(), "p1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "3", sum.String())
}
