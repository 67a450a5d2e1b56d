package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Uncategorized groups products that have no category mapping.
const Uncategorized = "uncategorized"

// Cart maps a product name to the requested quantity.
type Cart map[string]int

// PriceTable maps a product name to its unit price.
type PriceTable map[string]decimal.Decimal

// Totals aggregates computed pricing components. Values are exact; use
// Rounded for display.
type Totals struct {
	Subtotal   decimal.Decimal            `json:"subtotal"`
	Tax        decimal.Decimal            `json:"tax"`
	GrandTotal decimal.Decimal            `json:"grand_total"`
	Categories map[string]decimal.Decimal `json:"categories,omitempty"`
}

// Compute calculates bill totals for the cart. Lines with a non-positive
// quantity are ignored and products missing from the price table price at
// zero. categories may be nil, in which case every line is uncategorized.
func Compute(cart Cart, prices PriceTable, categories map[string]string, taxRate decimal.Decimal) Totals {
	byCategory := make(map[string]decimal.Decimal)
	subtotal := decimal.Zero
	for product, qty := range cart {
		if qty <= 0 {
			continue
		}
		line := LineTotal(qty, prices[product])
		category := CategoryOf(categories, product)
		byCategory[category] = byCategory[category].Add(line)
		subtotal = subtotal.Add(line)
	}
	tax := subtotal.Mul(taxRate)
	return Totals{
		Subtotal:   subtotal,
		Tax:        tax,
		GrandTotal: subtotal.Add(tax),
		Categories: byCategory,
	}
}

// LineTotal returns qty * price.
func LineTotal(qty int, price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(qty)))
}

// CategoryOf resolves the category for product, defaulting to Uncategorized.
func CategoryOf(categories map[string]string, product string) string {
	if c, ok := categories[product]; ok && c != "" {
		return c
	}
	return Uncategorized
}

// Rounded returns a copy with every amount rounded half away from zero to two
// decimal places.
func (t Totals) Rounded() Totals {
	out := Totals{
		Subtotal:   t.Subtotal.Round(2),
		Tax:        t.Tax.Round(2),
		GrandTotal: t.GrandTotal.Round(2),
	}
	if len(t.Categories) > 0 {
		out.Categories = make(map[string]decimal.Decimal, len(t.Categories))
		for k, v := range t.Categories {
			out.Categories[k] = v.Round(2)
		}
	}
	return out
}

// CategoryNames lists the categories present in the totals in sorted order.
func (t Totals) CategoryNames() []string {
	names := make([]string, 0, len(t.Categories))
	for name := range t.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasItems reports whether at least one cart line has a positive quantity.
func (c Cart) HasItems() bool {
	for _, qty := range c {
		if qty > 0 {
			return true
		}
	}
	return false
}
