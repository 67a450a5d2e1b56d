package billing

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/storage"
)

const dateLayout = "2006-01-02"

// BillFilter narrows the bill list. Zero fields match everything. Text
// matches are case-insensitive substrings; ranges are inclusive.
type BillFilter struct {
	// Number matches part of the bill number.
	Number   string
	Customer string
	// Phone must match exactly.
	Phone    string
	From     time.Time
	To       time.Time
	MinTotal *decimal.Decimal
	MaxTotal *decimal.Decimal
}

// ParseBillFilter reads q, customer, phone, from, to, min_total and
// max_total. Dates are YYYY-MM-DD calendar days.
func ParseBillFilter(q url.Values) (BillFilter, error) {
	f := BillFilter{
		Number:   strings.TrimSpace(q.Get("q")),
		Customer: strings.TrimSpace(q.Get("customer")),
		Phone:    strings.TrimSpace(q.Get("phone")),
	}
	verr := &bill.ValidationError{}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			verr.Add(p.name, "must be a date in YYYY-MM-DD format")
			continue
		}
		*p.dst = d
	}
	for _, p := range []struct {
		name string
		dst  **decimal.Decimal
	}{{"min_total", &f.MinTotal}, {"max_total", &f.MaxTotal}} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			verr.Add(p.name, "must be a non-negative amount")
			continue
		}
		*p.dst = &v
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		verr.Add("to", "must not be before from")
	}
	if f.MinTotal != nil && f.MaxTotal != nil && f.MaxTotal.LessThan(*f.MinTotal) {
		verr.Add("max_total", "must not be below min_total")
	}
	return f, verr.OrNil()
}

// Match reports whether rec passes every set criterion. The date range
// compares the calendar day of CreatedAt in its own location.
func (f BillFilter) Match(rec bill.Record) bool {
	if f.Number != "" && !containsFold(rec.BillNumber, f.Number) {
		return false
	}
	if f.Customer != "" && !containsFold(rec.Name, f.Customer) {
		return false
	}
	if f.Phone != "" && rec.Phone != f.Phone {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		y, m, d := rec.CreatedAt.Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if !f.From.IsZero() && day.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && day.After(f.To) {
			return false
		}
	}
	total := rec.Totals.GrandTotal
	if f.MinTotal != nil && total.LessThan(*f.MinTotal) {
		return false
	}
	if f.MaxTotal != nil && total.GreaterThan(*f.MaxTotal) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// Search returns stored bills matching f, newest first.
func (s *Service) Search(ctx context.Context, f BillFilter) ([]bill.Record, storage.Outcome, error) {
	recs, out, err := s.Bills(ctx)
	if err != nil {
		return nil, out, err
	}
	matched := recs[:0]
	for _, rec := range recs {
		if f.Match(rec) {
			matched = append(matched, rec)
		}
	}
	return matched, out, nil
}
