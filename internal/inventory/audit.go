package inventory

import (
	"sort"
	"time"

	"github.com/noah-isme/toko-billing/internal/bill"
)

// Pending is a persisted bill whose stock decrement was never confirmed.
type Pending struct {
	BillNumber string         `json:"bill_number"`
	CreatedAt  time.Time      `json:"created_at"`
	Quantities map[string]int `json:"quantities"`
}

// AuditReport summarizes bills that may not be reflected in stock.
type AuditReport struct {
	CheckedAt   time.Time      `json:"checked_at"`
	Bills       int            `json:"bills"`
	Pending     []Pending      `json:"pending"`
	Unreflected map[string]int `json:"unreflected"`
}

// Audit lists bills older than grace that have no applied marker. It never
// mutates stock; a crash between saving a bill and saving its decrement
// leaves stock over-counted and shows up here.
func Audit(bills []bill.Record, applied map[string]time.Time, now time.Time, grace time.Duration) AuditReport {
	report := AuditReport{CheckedAt: now, Bills: len(bills), Unreflected: map[string]int{}}
	for _, rec := range bills {
		if _, ok := applied[rec.BillNumber]; ok {
			continue
		}
		if grace > 0 && now.Sub(rec.CreatedAt) < grace {
			continue
		}
		qty := rec.Quantities()
		report.Pending = append(report.Pending, Pending{BillNumber: rec.BillNumber, CreatedAt: rec.CreatedAt, Quantities: qty})
		for p, q := range qty {
			report.Unreflected[p] += q
		}
	}
	sort.Slice(report.Pending, func(i, j int) bool {
		return report.Pending[i].BillNumber < report.Pending[j].BillNumber
	})
	return report
}
