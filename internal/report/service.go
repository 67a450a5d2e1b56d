package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/inventory"
	"github.com/noah-isme/toko-billing/internal/storage"
)

// BillSource loads the persisted bill history.
type BillSource interface {
	LoadBills(ctx context.Context) ([]bill.Record, storage.Outcome, error)
}

// InventorySource loads the current inventory.
type InventorySource interface {
	LoadInventory(ctx context.Context) (inventory.Records, storage.Outcome, error)
}

// Range restricts reports to bills created in [From, To). Zero bounds are open.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

func (r Range) key() string {
	format := func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	}
	return format(r.From) + "~" + format(r.To)
}

// Filter keeps the records created inside the range.
func (r Range) Filter(records []bill.Record) []bill.Record {
	if r.From.IsZero() && r.To.IsZero() {
		return records
	}
	out := make([]bill.Record, 0, len(records))
	for _, rec := range records {
		if r.contains(rec.CreatedAt) {
			out = append(out, rec)
		}
	}
	return out
}

// Service computes reports from the persisted history with Redis caching.
type Service struct {
	Bills     BillSource
	Inventory InventorySource
	Cache     *Cache
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func cacheKey(parts ...any) string {
	formatted := make([]string, 0, len(parts))
	for _, part := range parts {
		formatted = append(formatted, fmt.Sprint(part))
	}
	return strings.Join(formatted, ":")
}

// Invalidate drops every cached report. Called after a bill is saved.
func (s *Service) Invalidate(ctx context.Context) {
	if s == nil {
		return
	}
	if err := s.Cache.Bump(ctx); err != nil {
		s.Logger.Warn().Err(err).Msg("report cache invalidation failed")
	}
}

// Records returns the bills inside the range, uncached.
func (s *Service) Records(ctx context.Context, rng Range) ([]bill.Record, error) {
	if s == nil || s.Bills == nil {
		return nil, errors.New("report service not configured")
	}
	records, _, err := s.Bills.LoadBills(ctx)
	if err != nil {
		return nil, err
	}
	return rng.Filter(records), nil
}

// Summary groups bills by the requested key.
func (s *Service) Summary(ctx context.Context, rng Range, by GroupBy) ([]Group, error) {
	return cached(ctx, s, cacheKey("summary", by, rng.key()), rng, func(records []bill.Record) ([]Group, error) {
		return Summarize(records, by)
	})
}

// Overview returns the headline figures.
func (s *Service) Overview(ctx context.Context, rng Range) (Overview, error) {
	return cached(ctx, s, cacheKey("overview", rng.key()), rng, func(records []bill.Record) (Overview, error) {
		return BuildOverview(records), nil
	})
}

// Customers returns per-customer totals.
func (s *Service) Customers(ctx context.Context, rng Range) ([]CustomerStat, error) {
	return cached(ctx, s, cacheKey("customers", rng.key()), rng, func(records []bill.Record) ([]CustomerStat, error) {
		return Customers(records), nil
	})
}

// TopProducts ranks products by revenue.
func (s *Service) TopProducts(ctx context.Context, rng Range, limit int) ([]ProductStat, error) {
	if limit <= 0 {
		limit = 10
	}
	return cached(ctx, s, cacheKey("top", limit, rng.key()), rng, func(records []bill.Record) ([]ProductStat, error) {
		return TopProducts(records, limit), nil
	})
}

// Weekdays returns revenue per day of week.
func (s *Service) Weekdays(ctx context.Context, rng Range) ([]WeekdayStat, error) {
	return cached(ctx, s, cacheKey("weekdays", rng.key()), rng, func(records []bill.Record) ([]WeekdayStat, error) {
		return ByWeekday(records), nil
	})
}

// RFM scores customers as of now.
func (s *Service) RFM(ctx context.Context, rng Range) ([]RFMScore, error) {
	asOf := s.now()
	return cached(ctx, s, cacheKey("rfm", asOf.Format("2006-01-02"), rng.key()), rng, func(records []bill.Record) ([]RFMScore, error) {
		return RFM(Customers(records), asOf)
	})
}

// Forecast projects daily revenue for the next days.
func (s *Service) Forecast(ctx context.Context, rng Range, days int) (Forecast, error) {
	return cached(ctx, s, cacheKey("forecast", days, rng.key()), rng, func(records []bill.Record) (Forecast, error) {
		return BuildForecast(records, days)
	})
}

// InventoryMovement compares billed quantities with stock on hand. Not cached
// since restocks do not invalidate the report cache.
func (s *Service) InventoryMovement(ctx context.Context, rng Range) ([]Movement, error) {
	if s == nil || s.Inventory == nil {
		return nil, errors.New("report service not configured")
	}
	records, err := s.Records(ctx, rng)
	if err != nil {
		return nil, err
	}
	inv, _, err := s.Inventory.LoadInventory(ctx)
	if err != nil {
		return nil, err
	}
	return InventoryMovement(records, inv), nil
}

func cached[T any](ctx context.Context, s *Service, key string, rng Range, compute func([]bill.Record) (T, error)) (T, error) {
	var zero T
	if s == nil || s.Bills == nil {
		return zero, errors.New("report service not configured")
	}
	gen, err := s.Cache.Generation(ctx)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("report cache unavailable")
	}
	full := cacheKey("rp", gen, key)
	if err == nil {
		var hit T
		if ok, err := s.Cache.GetJSON(ctx, full, &hit); err == nil && ok {
			return hit, nil
		}
	}
	records, err := s.Records(ctx, rng)
	if err != nil {
		return zero, err
	}
	value, err := compute(records)
	if err != nil {
		return zero, err
	}
	if err := s.Cache.SetJSON(ctx, full, value); err != nil {
		s.Logger.Debug().Err(err).Str("key", full).Msg("report cache store failed")
	}
	return value, nil
}
