package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Hierarchy is the slice of the principal registry the query layer
// needs for descendant aggregation.
type Hierarchy interface {
	ChildrenIDs(id string) []string
}

// Query is a read-only view over the log. It never modifies the file;
// malformed lines (partial appends at the tail) are skipped with a
// warning, not fatal.
type Query struct {
	path   string
	logger *slog.Logger
}

// NewQuery opens a read-only view over the log at path.
func NewQuery(path string) *Query {
	return &Query{
		path:   path,
		logger: slog.Default().With("component", "ledger_query", "path", path),
	}
}

// Filter narrows GetEvents. Zero values mean "no constraint".
type Filter struct {
	PrincipalID  string
	ResourceType string
	Start        time.Time
	End          time.Time
}

func (f Filter) matches(ev *Event) bool {
	if f.PrincipalID != "" && ev.PrincipalID != f.PrincipalID {
		return false
	}
	if f.ResourceType != "" && ev.ResourceType != f.ResourceType {
		return false
	}
	ts := ev.Timestamp.UTC()
	if !f.Start.IsZero() && ts.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ts.After(f.End) {
		return false
	}
	return true
}

// GetEvents sequentially scans the log and returns matching events in
// append order.
func (q *Query) GetEvents(f Filter) ([]*Event, error) {
	var out []*Event
	err := q.scan(func(ev *Event) {
		if f.matches(ev) {
			out = append(out, ev)
		}
	})
	return out, err
}

func (q *Query) scan(visit func(*Event)) error {
	file, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: open log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			q.logger.Warn("skipping malformed ledger line", "line", lineNo, "error", err)
			continue
		}
		visit(&ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ledger: scan log: %w", err)
	}
	return nil
}

// SumCost totals the principal's cost within (start, end].
func (q *Query) SumCost(principalID string, start, end time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	err := q.scan(func(ev *Event) {
		if (Filter{PrincipalID: principalID, Start: start, End: end}).matches(ev) {
			total = total.Add(ev.Cost)
		}
	})
	return total, err
}

// AggregateByPrincipal totals cost per principal within the window.
func (q *Query) AggregateByPrincipal(start, end time.Time) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	err := q.scan(func(ev *Event) {
		if (Filter{Start: start, End: end}).matches(ev) {
			out[ev.PrincipalID] = out[ev.PrincipalID].Add(ev.Cost)
		}
	})
	return out, err
}

// SumWithDescendants totals spending for the principal and every
// transitive descendant, keyed by principal ID. Principals with no
// spending in the window appear with a zero total.
func (q *Query) SumWithDescendants(principalID string, start, end time.Time, h Hierarchy) (map[string]decimal.Decimal, error) {
	ids := map[string]bool{principalID: true}
	var walk func(string)
	walk = func(cur string) {
		for _, child := range h.ChildrenIDs(cur) {
			if !ids[child] {
				ids[child] = true
				walk(child)
			}
		}
	}
	walk(principalID)

	out := make(map[string]decimal.Decimal, len(ids))
	for id := range ids {
		out[id] = decimal.Zero
	}
	err := q.scan(func(ev *Event) {
		if !ids[ev.PrincipalID] {
			return
		}
		if (Filter{Start: start, End: end}).matches(ev) {
			out[ev.PrincipalID] = out[ev.PrincipalID].Add(ev.Cost)
		}
	})
	return out, err
}

// BreakdownNode is one principal's subtree in a spending report.
type BreakdownNode struct {
	PrincipalID          string           `json:"principal_id"`
	OwnSpent             decimal.Decimal  `json:"own_spent"`
	Children             []*BreakdownNode `json:"children,omitempty"`
	TotalWithDescendants decimal.Decimal  `json:"total_with_descendants"`
}

// SpendingBreakdown builds the recursive spending tree rooted at the
// principal for the window.
func (q *Query) SpendingBreakdown(principalID string, start, end time.Time, h Hierarchy) (*BreakdownNode, error) {
	spent, err := q.SumWithDescendants(principalID, start, end, h)
	if err != nil {
		return nil, err
	}

	var build func(id string) *BreakdownNode
	build = func(id string) *BreakdownNode {
		node := &BreakdownNode{
			PrincipalID: id,
			OwnSpent:    spent[id],
		}
		node.TotalWithDescendants = node.OwnSpent
		for _, child := range h.ChildrenIDs(id) {
			sub := build(child)
			node.Children = append(node.Children, sub)
			node.TotalWithDescendants = node.TotalWithDescendants.Add(sub.TotalWithDescendants)
		}
		return node
	}
	return build(principalID), nil
}
