// Package bill defines the persisted bill record and its assembly from a
// priced cart.
package bill

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-billing/internal/pricing"
)

// Customer identifies who a bill was issued to.
type Customer struct {
	Name  string `json:"customer_name" validate:"required,max=120"`
	Phone string `json:"phone_number" validate:"required,max=32"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// LineItem is one product line. UnitPrice is a copy of the price at billing time.
type LineItem struct {
	Product   string          `json:"product"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Record is an immutable bill. Corrections are new records whose Corrects
// field references the original bill number.
type Record struct {
	BillNumber string `json:"bill_number"`
	Customer
	CreatedAt time.Time      `json:"created_at"`
	LineItems []LineItem     `json:"line_items"`
	Totals    pricing.Totals `json:"totals"`
	Corrects  string         `json:"corrects,omitempty"`
}

// Assemble builds a record from a cart and its computed totals. It is pure:
// the caller supplies the bill number and timestamp.
func Assemble(cart pricing.Cart, customer Customer, prices pricing.PriceTable, categories map[string]string, totals pricing.Totals, number string, now time.Time) (Record, error) {
	if !cart.HasItems() {
		return Record{}, EmptyCart()
	}
	items := make([]LineItem, 0, len(cart))
	for product, qty := range cart {
		if qty <= 0 {
			continue
		}
		price := prices[product]
		items = append(items, LineItem{
			Product:   product,
			Category:  pricing.CategoryOf(categories, product),
			UnitPrice: price,
			Quantity:  qty,
			LineTotal: pricing.LineTotal(qty, price),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].Product < items[j].Product
	})
	return Record{
		BillNumber: number,
		Customer: Customer{
			Name:  strings.TrimSpace(customer.Name),
			Phone: strings.TrimSpace(customer.Phone),
			Email: strings.TrimSpace(customer.Email),
		},
		CreatedAt: now,
		LineItems: items,
		Totals:    totals,
	}, nil
}

// Validate checks the structural invariants of a record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.BillNumber) == "" {
		return fmt.Errorf("bill: record has no bill number")
	}
	if len(r.LineItems) == 0 {
		return EmptyCart()
	}
	sum := decimal.Zero
	for _, li := range r.LineItems {
		if li.Quantity <= 0 {
			return fmt.Errorf("bill %s: line %q has non-positive quantity %d", r.BillNumber, li.Product, li.Quantity)
		}
		sum = sum.Add(li.LineTotal)
	}
	if !sum.Equal(r.Totals.Subtotal) {
		return fmt.Errorf("bill %s: line totals %s do not match subtotal %s", r.BillNumber, sum, r.Totals.Subtotal)
	}
	return nil
}

// Quantities returns the billed quantity per product.
func (r Record) Quantities() map[string]int {
	out := make(map[string]int, len(r.LineItems))
	for _, li := range r.LineItems {
		out[li.Product] += li.Quantity
	}
	return out
}

// CustomerKey identifies a customer across bills by name and phone.
func (r Record) CustomerKey() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.Phone)
}
