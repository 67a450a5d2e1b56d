// Package inventory keeps the on-hand stock derived from billed quantities.
package inventory

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/obs"
)

// Item is the stock record for one product.
type Item struct {
	Product        string    `json:"product"`
	QuantityOnHand int       `json:"quantity_on_hand"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Records maps product name to its stock record.
type Records map[string]Item

// Clone returns an independent copy.
func (r Records) Clone() Records {
	out := make(Records, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Sorted returns the records ordered by product name.
func (r Records) Sorted() []Item {
	items := make([]Item, 0, len(r))
	for _, v := range r {
		items = append(items, v)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Product < items[j].Product })
	return items
}

// Quantities returns product to on-hand quantity.
func (r Records) Quantities() map[string]int {
	out := make(map[string]int, len(r))
	for k, v := range r {
		out[k] = v.QuantityOnHand
	}
	return out
}

// Ledger applies billed quantities to stock.
type Ledger struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

// ApplyBill returns a copy of inv with each billed quantity subtracted.
// Stock never goes below zero: an underflow is floored, logged and counted.
// Products missing from inv are created at zero. Applying the same bill twice
// decrements twice.
func (l Ledger) ApplyBill(rec bill.Record, inv Records) Records {
	out := inv.Clone()
	now := l.now()
	for _, li := range rec.LineItems {
		if li.Quantity <= 0 {
			continue
		}
		item, ok := out[li.Product]
		if !ok {
			item = Item{Product: li.Product}
		}
		remaining := item.QuantityOnHand - li.Quantity
		if remaining < 0 {
			l.Logger.Warn().
				Str("bill_number", rec.BillNumber).
				Str("product", li.Product).
				Int("on_hand", item.QuantityOnHand).
				Int("billed", li.Quantity).
				Msg("inventory underflow floored at zero")
			if obs.InventoryUnderflowTotal != nil {
				obs.InventoryUnderflowTotal.WithLabelValues(li.Product).Inc()
			}
			remaining = 0
		}
		item.QuantityOnHand = remaining
		item.LastUpdated = now
		out[li.Product] = item
	}
	return out
}

// Restock returns a copy of inv with qty units added to product.
func (l Ledger) Restock(inv Records, product string, qty int) Records {
	out := inv.Clone()
	item, ok := out[product]
	if !ok {
		item = Item{Product: product}
	}
	item.QuantityOnHand += qty
	if item.QuantityOnHand < 0 {
		item.QuantityOnHand = 0
	}
	item.LastUpdated = l.now()
	out[product] = item
	return out
}

// Seed builds a starting inventory of qty units for each product.
func (l Ledger) Seed(products []string, qty int) Records {
	now := l.now()
	out := make(Records, len(products))
	for _, p := range products {
		out[p] = Item{Product: p, QuantityOnHand: qty, LastUpdated: now}
	}
	return out
}
