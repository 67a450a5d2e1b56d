package report

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/inventory"
)

// Overview holds headline sales figures.
type Overview struct {
	Bills           int             `json:"bills"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Revenue         decimal.Decimal `json:"revenue"`
	AverageSale     decimal.Decimal `json:"average_sale"`
	UniqueCustomers int             `json:"unique_customers"`
}

// BuildOverview totals every record.
func BuildOverview(records []bill.Record) Overview {
	o := Overview{Subtotal: decimal.Zero, Tax: decimal.Zero, Revenue: decimal.Zero, AverageSale: decimal.Zero}
	customers := map[string]struct{}{}
	for _, r := range records {
		o.Bills++
		o.Subtotal = o.Subtotal.Add(r.Totals.Subtotal)
		o.Tax = o.Tax.Add(r.Totals.Tax)
		o.Revenue = o.Revenue.Add(r.Totals.GrandTotal)
		customers[r.CustomerKey()] = struct{}{}
	}
	o.UniqueCustomers = len(customers)
	o.AverageSale = average(o.Revenue, o.Bills)
	return o
}

// CustomerStat is one row of the customer report.
type CustomerStat struct {
	Customer     string          `json:"customer"`
	Name         string          `json:"customer_name"`
	Phone        string          `json:"phone_number"`
	Orders       int             `json:"orders"`
	TotalSpent   decimal.Decimal `json:"total_spent"`
	AverageOrder decimal.Decimal `json:"average_order"`
	LastOrder    time.Time       `json:"last_order"`
}

// Customers returns per-customer totals ordered by spend, highest first.
func Customers(records []bill.Record) []CustomerStat {
	acc := map[string]*CustomerStat{}
	for _, r := range records {
		key := r.CustomerKey()
		c, ok := acc[key]
		if !ok {
			c = &CustomerStat{Customer: key, Name: r.Name, Phone: r.Phone, TotalSpent: decimal.Zero}
			acc[key] = c
		}
		c.Orders++
		c.TotalSpent = c.TotalSpent.Add(r.Totals.GrandTotal)
		if r.CreatedAt.After(c.LastOrder) {
			c.LastOrder = r.CreatedAt
		}
	}
	out := make([]CustomerStat, 0, len(acc))
	for _, c := range acc {
		c.AverageOrder = average(c.TotalSpent, c.Orders)
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].TotalSpent.Cmp(out[j].TotalSpent); cmp != 0 {
			return cmp > 0
		}
		return out[i].Customer < out[j].Customer
	})
	return out
}

// ProductStat is quantity and revenue sold for one product.
type ProductStat struct {
	Product  string          `json:"product"`
	Category string          `json:"category"`
	Quantity int             `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
}

// TopProducts ranks products by revenue. limit <= 0 returns all.
func TopProducts(records []bill.Record, limit int) []ProductStat {
	acc := map[string]*ProductStat{}
	for _, row := range bill.Flatten(records...) {
		p, ok := acc[row.Product]
		if !ok {
			p = &ProductStat{Product: row.Product, Category: row.Category, Revenue: decimal.Zero}
			acc[row.Product] = p
		}
		p.Quantity += row.Quantity
		p.Revenue = p.Revenue.Add(row.LineTotal)
	}
	out := make([]ProductStat, 0, len(acc))
	for _, p := range acc {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].Revenue.Cmp(out[j].Revenue); cmp != 0 {
			return cmp > 0
		}
		return out[i].Product < out[j].Product
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// WeekdayStat is revenue for one day of the week.
type WeekdayStat struct {
	Day     string          `json:"day"`
	Bills   int             `json:"bills"`
	Revenue decimal.Decimal `json:"revenue"`
}

var weekOrder = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday}

// ByWeekday returns all seven days, Monday first.
func ByWeekday(records []bill.Record) []WeekdayStat {
	acc := make(map[time.Weekday]*WeekdayStat, 7)
	out := make([]WeekdayStat, 7)
	for i, d := range weekOrder {
		out[i] = WeekdayStat{Day: d.String(), Revenue: decimal.Zero}
		acc[d] = &out[i]
	}
	for _, r := range records {
		s := acc[r.CreatedAt.Weekday()]
		s.Bills++
		s.Revenue = s.Revenue.Add(r.Totals.GrandTotal)
	}
	return out
}

// Movement compares sold quantity with current stock for one product.
type Movement struct {
	Product     string    `json:"product"`
	Sold        int       `json:"sold"`
	OnHand      int       `json:"on_hand"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
}

// InventoryMovement joins billed quantities with the inventory, ordered by
// quantity sold, highest first.
func InventoryMovement(records []bill.Record, inv inventory.Records) []Movement {
	acc := map[string]*Movement{}
	get := func(p string) *Movement {
		m, ok := acc[p]
		if !ok {
			m = &Movement{Product: p}
			acc[p] = m
		}
		return m
	}
	for _, r := range records {
		for p, q := range r.Quantities() {
			get(p).Sold += q
		}
	}
	for p, item := range inv {
		m := get(p)
		m.OnHand = item.QuantityOnHand
		m.LastUpdated = item.LastUpdated
	}
	out := make([]Movement, 0, len(acc))
	for _, m := range acc {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sold != out[j].Sold {
			return out[i].Sold > out[j].Sold
		}
		return out[i].Product < out[j].Product
	})
	return out
}

func average(total decimal.Decimal, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(n))).Round(2)
}
