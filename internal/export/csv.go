package export

import (
	"io"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/noah-isme/toko-billing/internal/bill"
)

type csvLine struct {
	BillNumber   string `csv:"bill_number"`
	CreatedAt    string `csv:"created_at"`
	CustomerName string `csv:"customer_name"`
	PhoneNumber  string `csv:"phone_number"`
	Category     string `csv:"category"`
	Product      string `csv:"product"`
	Quantity     string `csv:"quantity"`
	UnitPrice    string `csv:"unit_price"`
	LineTotal    string `csv:"line_total"`
}

// LinesCSV writes one CSV row per flattened line item with a header row.
func LinesCSV(w io.Writer, rows []bill.FlatLine) error {
	out := make([]*csvLine, 0, len(rows))
	for _, r := range rows {
		out = append(out, &csvLine{
			BillNumber:   r.BillNumber,
			CreatedAt:    r.CreatedAt.Format(time.RFC3339),
			CustomerName: r.CustomerName,
			PhoneNumber:  r.PhoneNumber,
			Category:     r.Category,
			Product:      r.Product,
			Quantity:     strconv.Itoa(r.Quantity),
			UnitPrice:    r.UnitPrice.StringFixed(2),
			LineTotal:    r.LineTotal.StringFixed(2),
		})
	}
	return gocsv.Marshal(&out, w)
}
