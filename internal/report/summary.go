// Package report aggregates persisted bills into sales reports.
package report

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-billing/internal/bill"
)

// GroupBy selects the summary key.
type GroupBy string

const (
	ByDay      GroupBy = "day"
	ByMonth    GroupBy = "month"
	ByCustomer GroupBy = "customer"
	ByCategory GroupBy = "category"
)

// ErrUnknownGroupBy is returned for an unsupported grouping.
var ErrUnknownGroupBy = errors.New("report: unknown group_by")

// ParseGroupBy accepts the GroupBy names case-insensitively. Empty means day.
func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return ByDay, nil
	case ByDay, ByMonth, ByCustomer, ByCategory:
		return g, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownGroupBy, s)
	}
}

// Group is one summary row.
type Group struct {
	Key   string          `json:"key"`
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

// Summarize sums grand totals and counts bills per group, sorted by key.
// Category grouping sums line totals (pre-tax) and counts line items. Date
// keys use each bill's stored timestamp as is.
func Summarize(records []bill.Record, by GroupBy) ([]Group, error) {
	acc := map[string]*Group{}
	add := func(key string, amount decimal.Decimal) {
		g, ok := acc[key]
		if !ok {
			g = &Group{Key: key, Total: decimal.Zero}
			acc[key] = g
		}
		g.Total = g.Total.Add(amount)
		g.Count++
	}
	switch by {
	case ByDay:
		for _, r := range records {
			add(r.CreatedAt.Format("2006-01-02"), r.Totals.GrandTotal)
		}
	case ByMonth:
		for _, r := range records {
			add(r.CreatedAt.Format("2006-01"), r.Totals.GrandTotal)
		}
	case ByCustomer:
		for _, r := range records {
			add(r.CustomerKey(), r.Totals.GrandTotal)
		}
	case ByCategory:
		for _, row := range bill.Flatten(records...) {
			add(row.Category, row.LineTotal)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroupBy, by)
	}
	out := make([]Group, 0, len(acc))
	for _, g := range acc {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
