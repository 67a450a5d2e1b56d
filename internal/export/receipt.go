// Package export renders bills and reports into receipts, workbooks and CSV.
package export

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-billing/internal/bill"
)

const (
	receiptWidth      = 60
	receiptDateLayout = "02-01-2006 15:04:05"
	receiptTitle      = "GROCERY BILLING SYSTEM"
	receiptFooter     = "Thank you for shopping with us!"
)

// Receipt renders the fixed-width text bill. Lines are grouped under their
// upper-cased category heading in record order.
func Receipt(rec bill.Record, currency string, taxRate decimal.Decimal) string {
	var b strings.Builder
	rule := func(ch string) { b.WriteString(strings.Repeat(ch, receiptWidth) + "\n") }
	line := func(format string, args ...any) { fmt.Fprintf(&b, format+"\n", args...) }

	rule("=")
	line("%s%s", strings.Repeat(" ", (receiptWidth-len(receiptTitle))/2), receiptTitle)
	rule("=")
	line("Bill Number: %s", rec.BillNumber)
	line("Date: %s", rec.CreatedAt.Format(receiptDateLayout))
	line("Customer Name: %s", rec.Name)
	line("Phone Number: %s", rec.Phone)
	if rec.Corrects != "" {
		line("Corrects: %s", rec.Corrects)
	}
	rule("-")
	line("%-30s%-10s%-10s%-10s", "Item", "Qty", "Price", "Total")
	rule("-")

	current := ""
	for _, item := range rec.LineItems {
		if item.Category != current {
			current = item.Category
			line("%s:", strings.ToUpper(current))
		}
		line("%-30s%-10d%-10s%-10s", item.Product, item.Quantity, item.UnitPrice.StringFixed(2), item.LineTotal.StringFixed(2))
	}

	totals := rec.Totals.Rounded()
	rule("-")
	line("%-40s%-20s", "Subtotal:", currency+totals.Subtotal.StringFixed(2))
	line("%-40s%-20s", fmt.Sprintf("Tax (%s%%):", TaxPercent(taxRate)), currency+totals.Tax.StringFixed(2))
	line("%-40s%-20s", "Total:", currency+totals.GrandTotal.StringFixed(2))
	rule("-")
	line("%s", receiptFooter)
	rule("=")
	return b.String()
}

// TaxPercent formats a fractional rate as a percentage without trailing zeros.
func TaxPercent(rate decimal.Decimal) string {
	return rate.Mul(decimal.NewFromInt(100)).String()
}
