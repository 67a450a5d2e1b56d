package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/inventory"
	"github.com/noah-isme/toko-billing/internal/obs"
	"github.com/noah-isme/toko-billing/internal/resilience"
)

// DefaultPrimaryTimeout bounds every primary call.
const DefaultPrimaryTimeout = 5 * time.Second

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	// Primary is optional. Without it every call goes to Fallback.
	Primary  Store
	Fallback Store
	Timeout  time.Duration
	Breaker  *resilience.Breaker
	Logger   zerolog.Logger
}

// Gateway routes reads and writes to the primary store and falls back to the
// local store when the primary fails. It never reconciles fallback data back
// into the primary.
type Gateway struct {
	primary  Store
	fallback Store
	timeout  time.Duration
	breaker  *resilience.Breaker
	logger   zerolog.Logger
}

// NewGateway validates cfg and returns a gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Fallback == nil {
		return nil, errors.New("storage: fallback store is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultPrimaryTimeout
	}
	return &Gateway{
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		timeout:  timeout,
		breaker:  cfg.Breaker,
		logger:   cfg.Logger.With().Str("component", "storage").Logger(),
	}, nil
}

// SaveBill inserts a bill keyed by its number. A taken number yields
// ErrIdentifierCollision and is never retried against the fallback.
func (g *Gateway) SaveBill(ctx context.Context, rec bill.Record) (Outcome, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode bill: %w", err)
	}
	out, err := g.write(ctx, "save_bill", func(ctx context.Context, s Store) error {
		return s.Insert(ctx, CollectionBills, rec.BillNumber, body)
	})
	if err == nil && obs.BillsSavedTotal != nil {
		obs.BillsSavedTotal.WithLabelValues(out.Store).Inc()
	}
	return out, err
}

// SaveLineItems stores the flattened rows of a bill.
func (g *Gateway) SaveLineItems(ctx context.Context, rows []bill.FlatLine) (Outcome, error) {
	bodies := make(map[string][]byte, len(rows))
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		body, err := json.Marshal(row)
		if err != nil {
			return Outcome{}, fmt.Errorf("encode line item: %w", err)
		}
		keys = append(keys, row.Key())
		bodies[row.Key()] = body
	}
	return g.write(ctx, "save_line_items", func(ctx context.Context, s Store) error {
		for _, k := range keys {
			if err := s.Upsert(ctx, CollectionLineItems, k, bodies[k]); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveInventory upserts every entry of records.
func (g *Gateway) SaveInventory(ctx context.Context, records inventory.Records) (Outcome, error) {
	items := records.Sorted()
	bodies := make([][]byte, 0, len(items))
	for _, item := range items {
		body, err := json.Marshal(item)
		if err != nil {
			return Outcome{}, fmt.Errorf("encode inventory: %w", err)
		}
		bodies = append(bodies, body)
	}
	return g.write(ctx, "save_inventory", func(ctx context.Context, s Store) error {
		for i, item := range items {
			if err := s.Upsert(ctx, CollectionInventory, item.Product, bodies[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkInventoryApplied records that a bill's stock decrement was persisted.
func (g *Gateway) MarkInventoryApplied(ctx context.Context, billNumber string, at time.Time) (Outcome, error) {
	body, err := json.Marshal(AppliedMarker{BillNumber: billNumber, AppliedAt: at})
	if err != nil {
		return Outcome{}, err
	}
	return g.write(ctx, "mark_applied", func(ctx context.Context, s Store) error {
		return s.Upsert(ctx, CollectionInventoryApplied, billNumber, body)
	})
}

// AppliedMarker is stored once a bill's inventory decrement is saved.
type AppliedMarker struct {
	BillNumber string    `json:"bill_number"`
	AppliedAt  time.Time `json:"applied_at"`
}

// LoadBills returns every stored bill.
func (g *Gateway) LoadBills(ctx context.Context) ([]bill.Record, Outcome, error) {
	docs, out, err := g.read(ctx, CollectionBills)
	if err != nil {
		return nil, out, err
	}
	recs, err := decodeAll[bill.Record](g.logger, out.Store, CollectionBills, docs)
	return recs, out, err
}

// FindBill returns the bill with the given number or ErrNotFound.
func (g *Gateway) FindBill(ctx context.Context, number string) (bill.Record, Outcome, error) {
	recs, out, err := g.LoadBills(ctx)
	if err != nil {
		return bill.Record{}, out, err
	}
	for _, rec := range recs {
		if rec.BillNumber == number {
			return rec, out, nil
		}
	}
	return bill.Record{}, out, fmt.Errorf("bill %s: %w", number, ErrNotFound)
}

// LoadLineItems returns every stored line item row.
func (g *Gateway) LoadLineItems(ctx context.Context) ([]bill.FlatLine, Outcome, error) {
	docs, out, err := g.read(ctx, CollectionLineItems)
	if err != nil {
		return nil, out, err
	}
	rows, err := decodeAll[bill.FlatLine](g.logger, out.Store, CollectionLineItems, docs)
	return rows, out, err
}

// LoadInventory returns the stock records keyed by product.
func (g *Gateway) LoadInventory(ctx context.Context) (inventory.Records, Outcome, error) {
	docs, out, err := g.read(ctx, CollectionInventory)
	if err != nil {
		return nil, out, err
	}
	items, err := decodeAll[inventory.Item](g.logger, out.Store, CollectionInventory, docs)
	if err != nil {
		return nil, out, err
	}
	recs := make(inventory.Records, len(items))
	for _, item := range items {
		recs[item.Product] = item
	}
	return recs, out, nil
}

// LoadAppliedMarkers returns the bill numbers whose inventory was applied.
func (g *Gateway) LoadAppliedMarkers(ctx context.Context) (map[string]time.Time, Outcome, error) {
	docs, out, err := g.read(ctx, CollectionInventoryApplied)
	if err != nil {
		return nil, out, err
	}
	markers, err := decodeAll[AppliedMarker](g.logger, out.Store, CollectionInventoryApplied, docs)
	if err != nil {
		return nil, out, err
	}
	applied := make(map[string]time.Time, len(markers))
	for _, m := range markers {
		applied[m.BillNumber] = m.AppliedAt
	}
	return applied, out, nil
}

// PingPrimary probes the primary store.
func (g *Gateway) PingPrimary(ctx context.Context, timeout time.Duration) error {
	if g.primary == nil {
		return errors.New("primary store not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.primary.Ping(ctx)
}

// PrimaryBreakerState reports the breaker guarding the primary store.
func (g *Gateway) PrimaryBreakerState() resilience.State {
	return g.breaker.State()
}

// HasPrimary reports whether a primary store is configured.
func (g *Gateway) HasPrimary() bool {
	return g.primary != nil
}

// PingFallback probes the fallback store.
func (g *Gateway) PingFallback(ctx context.Context) error {
	return g.fallback.Ping(ctx)
}

func (g *Gateway) write(ctx context.Context, op string, fn func(context.Context, Store) error) (Outcome, error) {
	ctx, span := otel.Tracer("storage.gateway").Start(ctx, "storage."+op)
	defer span.End()

	primaryErr := g.tryPrimary(ctx, op, fn)
	switch {
	case primaryErr == nil:
		span.SetAttributes(attribute.String("storage.store", g.primary.Name()))
		return Outcome{Store: g.primary.Name()}, nil
	case errors.Is(primaryErr, ErrDuplicateKey):
		span.SetAttributes(attribute.String("storage.store", g.primary.Name()))
		return Outcome{Store: g.primary.Name()}, fmt.Errorf("%s: %w", op, ErrIdentifierCollision)
	}

	out := g.fallbackOutcome(primaryErr)
	span.SetAttributes(attribute.String("storage.store", out.Store), attribute.Bool("storage.fallback", out.UsedFallback))
	if err := fn(ctx, g.fallback); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return out, fmt.Errorf("%s: %w", op, ErrIdentifierCollision)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, fmt.Errorf("%s on %s: %w", op, g.fallback.Name(), err)
	}
	return out, nil
}

func (g *Gateway) read(ctx context.Context, collection string) ([]Document, Outcome, error) {
	ctx, span := otel.Tracer("storage.gateway").Start(ctx, "storage.load")
	defer span.End()
	span.SetAttributes(attribute.String("storage.collection", collection))

	var docs []Document
	primaryErr := g.tryPrimary(ctx, "load_"+collection, func(ctx context.Context, s Store) error {
		var err error
		docs, err = s.LoadAll(ctx, collection)
		return err
	})
	if primaryErr == nil {
		return docs, Outcome{Store: g.primary.Name()}, nil
	}

	out := g.fallbackOutcome(primaryErr)
	docs, err := g.fallback.LoadAll(ctx, collection)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, out, fmt.Errorf("load %s from %s: %w", collection, g.fallback.Name(), err)
	}
	return docs, out, nil
}

// tryPrimary runs fn against the primary under the gateway timeout and the
// breaker. A duplicate key is the caller's problem, not a primary failure.
func (g *Gateway) tryPrimary(ctx context.Context, op string, fn func(context.Context, Store) error) error {
	if g.primary == nil {
		return errNoPrimary
	}
	err := g.breaker.Guard(ctx, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(pctx, g.primary)
	}, func(err error) bool { return errors.Is(err, ErrDuplicateKey) })
	if err != nil && !errors.Is(err, ErrDuplicateKey) {
		g.logger.Warn().Err(err).Str("op", op).Str("primary", g.primary.Name()).Msg("primary store failed, using fallback")
		if obs.StorageFallbackTotal != nil {
			obs.StorageFallbackTotal.WithLabelValues(op).Inc()
		}
	}
	return err
}

func (g *Gateway) fallbackOutcome(primaryErr error) Outcome {
	out := Outcome{Store: g.fallback.Name()}
	if g.primary != nil {
		out.UsedFallback = true
		if primaryErr != nil {
			out.PrimaryError = primaryErr.Error()
		}
	}
	return out
}

var errNoPrimary = errors.New("storage: primary store not configured")

func decodeAll[T any](logger zerolog.Logger, store, collection string, docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	var lastErr error
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			lastErr = err
			continue
		}
		out = append(out, v)
	}
	if skipped := len(docs) - len(out); skipped > 0 {
		if len(out) == 0 {
			return nil, &CorruptionError{Store: store, Collection: collection, Lines: len(docs), Err: lastErr}
		}
		logger.Warn().Err(lastErr).Str("store", store).Str("collection", collection).Int("skipped", skipped).Msg("skipped undecodable records")
		if obs.CorruptRecordsSkippedTotal != nil {
			obs.CorruptRecordsSkippedTotal.WithLabelValues(collection).Add(float64(skipped))
		}
	}
	return out, nil
}
