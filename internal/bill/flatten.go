package bill

import (
	"time"

	"github.com/shopspring/decimal"
)

// FlatLine is one line item denormalized with its bill header, the shape of
// the line-item collection used for reporting.
type FlatLine struct {
	BillNumber   string          `json:"bill_number"`
	CreatedAt    time.Time       `json:"created_at"`
	CustomerName string          `json:"customer_name"`
	PhoneNumber  string          `json:"phone_number"`
	Product      string          `json:"product"`
	Category     string          `json:"category"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

// Key is unique per bill line.
func (f FlatLine) Key() string {
	return f.BillNumber + "/" + f.Product
}

// Flatten expands records into one row per line item, preserving order.
func Flatten(records ...Record) []FlatLine {
	var out []FlatLine
	for _, r := range records {
		for _, li := range r.LineItems {
			out = append(out, FlatLine{
				BillNumber:   r.BillNumber,
				CreatedAt:    r.CreatedAt,
				CustomerName: r.Name,
				PhoneNumber:  r.Phone,
				Product:      li.Product,
				Category:     li.Category,
				UnitPrice:    li.UnitPrice,
				Quantity:     li.Quantity,
				LineTotal:    li.LineTotal,
			})
		}
	}
	return out
}
