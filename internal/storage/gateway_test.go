package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/inventory"
	"github.com/noah-isme/toko-billing/internal/lock"
	"github.com/noah-isme/toko-billing/internal/pricing"
	"github.com/noah-isme/toko-billing/internal/resilience"
	"github.com/noah-isme/toko-billing/internal/storage"
	"github.com/noah-isme/toko-billing/internal/storage/filestore"
)

// memStore is an in-memory Store whose calls can be made to fail or hang.
type memStore struct {
	name  string
	fail  error
	hang  bool
	mu    sync.Mutex
	calls int
	data  map[string][]storage.Document
}

func newMem(name string) *memStore {
	return &memStore{name: name, data: map[string][]storage.Document{}}
}

func (m *memStore) Name() string { return m.name }

func (m *memStore) enter(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	hang, fail := m.hang, m.fail
	m.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return fail
}

func (m *memStore) Insert(ctx context.Context, collection, key string, body []byte) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.data[collection] {
		if d.Key == key {
			return storage.ErrDuplicateKey
		}
	}
	m.data[collection] = append(m.data[collection], storage.Document{Key: key, Body: body})
	return nil
}

func (m *memStore) Upsert(ctx context.Context, collection, key string, body []byte) error {
	if err := m.enter(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.data[collection] {
		if d.Key == key {
			m.data[collection][i].Body = body
			return nil
		}
	}
	m.data[collection] = append(m.data[collection], storage.Document{Key: key, Body: body})
	return nil
}

func (m *memStore) LoadAll(ctx context.Context, collection string) ([]storage.Document, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Document(nil), m.data[collection]...), nil
}

func (m *memStore) Ping(ctx context.Context) error { return m.enter(ctx) }

func (m *memStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func sampleBill(t *testing.T, number string) bill.Record {
	t.Helper()
	prices := pricing.PriceTable{"Rice": decimal.NewFromInt(50), "Cola": decimal.NewFromInt(40)}
	cats := map[string]string{"Rice": "Groceries", "Cola": "Drinks"}
	cart := pricing.Cart{"Rice": 2, "Cola": 1}
	rec, err := bill.Assemble(cart, bill.Customer{Name: "Asha", Phone: "98765"}, prices, cats,
		pricing.Compute(cart, prices, cats, decimal.RequireFromString("0.18")), number, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return rec
}

func gateway(t *testing.T, primary storage.Store, fallback storage.Store, breaker *resilience.Breaker) *storage.Gateway {
	t.Helper()
	g, err := storage.NewGateway(storage.GatewayConfig{
		Primary:  primary,
		Fallback: fallback,
		Timeout:  50 * time.Millisecond,
		Breaker:  breaker,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return g
}

func TestNewGatewayRequiresFallback(t *testing.T) {
	_, err := storage.NewGateway(storage.GatewayConfig{Primary: newMem("primary")})
	require.Error(t, err)
}

func TestSaveBillUsesPrimary(t *testing.T) {
	primary, fallback := newMem("primary"), newMem("fallback")
	g := gateway(t, primary, fallback, nil)

	out, err := g.SaveBill(context.Background(), sampleBill(t, "BILL-20240501-1000"))
	require.NoError(t, err)
	require.Equal(t, storage.Outcome{Store: "primary"}, out)
	require.Empty(t, out.Notice())
	require.Zero(t, fallback.callCount())

	recs, out, err := g.LoadBills(context.Background())
	require.NoError(t, err)
	require.Equal(t, "primary", out.Store)
	require.Len(t, recs, 1)
	require.Equal(t, "165.20", recs[0].Totals.GrandTotal.StringFixed(2))
}

func TestFallbackOnPrimaryFailure(t *testing.T) {
	primary, fallback := newMem("primary"), newMem("fallback")
	primary.fail = errors.New("connection refused")
	g := gateway(t, primary, fallback, nil)

	out, err := g.SaveBill(context.Background(), sampleBill(t, "BILL-20240501-1000"))
	require.NoError(t, err)
	require.True(t, out.UsedFallback)
	require.Equal(t, "fallback", out.Store)
	require.Equal(t, "saved to fallback storage", out.Notice())
	require.Contains(t, out.PrimaryError, "connection refused")
	require.Len(t, fallback.data[storage.CollectionBills], 1)
}

func TestFallbackSavesWhileRedisIsDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	fallback := filestore.New(t.TempDir(), zerolog.Nop())
	fallback.Guard = lock.Locker{R: client, MaxWait: time.Second}
	primary := newMem("primary")
	primary.fail = errors.New("connection refused")
	g := gateway(t, primary, fallback, nil)

	mr.Close()

	out, err := g.SaveBill(context.Background(), sampleBill(t, "BILL-20240501-1000"))
	require.NoError(t, err)
	require.True(t, out.UsedFallback)
	require.Equal(t, "fallback", out.Store)

	recs, _, err := g.LoadBills(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "BILL-20240501-1000", recs[0].BillNumber)
}

func TestFallbackOnPrimaryTimeout(t *testing.T) {
	primary, fallback := newMem("primary"), newMem("fallback")
	primary.hang = true
	g := gateway(t, primary, fallback, nil)

	start := time.Now()
	out, err := g.SaveBill(context.Background(), sampleBill(t, "BILL-20240501-1000"))
	require.NoError(t, err)
	require.True(t, out.UsedFallback)
	require.Less(t, time.Since(start), time.Second)
}

func TestNoPrimaryIsNotAFallback(t *testing.T) {
	fallback := newMem("fallback")
	g := gateway(t, nil, fallback, nil)

	out, err := g.SaveBill(context.Background(), sampleBill(t, "BILL-20240501-1000"))
	require.NoError(t, err)
	require.Equal(t, "fallback", out.Store)
	require.False(t, out.UsedFallback)
	require.False(t, g.HasPrimary())
}

func TestDuplicateNumberIsCollision(t *testing.T) {
	primary, fallback := newMem("primary"), newMem("fallback")
	g := gateway(t, primary, fallback, resilience.NewBreaker(1, 0.5, time.Minute))
	ctx := context.Background()

	_, err := g.SaveBill(ctx, sampleBill(t, "BILL-20240501-1000"))
	require.NoError(t, err)
	_, err = g.SaveBill(ctx, sampleBill(t, "BILL-20240501-1000"))
	require.ErrorIs(t, err, storage.ErrIdentifierCollision)
	require.Zero(t, fallback.callCount())
	require.Equal(t, resilience.Closed, g.PrimaryBreakerState())

	fallbackOnly := gateway(t, nil, fallback, nil)
	_, err = fallbackOnly.SaveBill(ctx, sampleBill(t, "BILL-20240501-2000"))
	require.NoError(t, err)
	_, err = fallbackOnly.SaveBill(ctx, sampleBill(t, "BILL-20240501-2000"))
	require.ErrorIs(t, err, storage.ErrIdentifierCollision)
}

func TestBreakerSkipsKnownBadPrimary(t *testing.T) {
	primary, fallback := newMem("primary"), newMem("fallback")
	primary.fail = errors.New("auth failed")
	g := gateway(t, primary, fallback, resilience.NewBreaker(1, 0.5, time.Minute).WithTarget("test_primary"))
	ctx := context.Background()

	_, err := g.SaveBill(ctx, sampleBill(t, "BILL-20240501-1000"))
	require.NoError(t, err)
	require.Equal(t, resilience.Open, g.PrimaryBreakerState())

	out, err := g.SaveBill(ctx, sampleBill(t, "BILL-20240501-2000"))
	require.NoError(t, err)
	require.True(t, out.UsedFallback)
	require.Contains(t, out.PrimaryError, "circuit breaker open")
	require.Equal(t, 1, primary.callCount())
}

func TestLoadToleratesSomeCorruptDocuments(t *testing.T) {
	fallback := newMem("fallback")
	good, err := json.Marshal(sampleBill(t, "BILL-20240501-1000"))
	require.NoError(t, err)
	fallback.data[storage.CollectionBills] = []storage.Document{
		{Key: "a", Body: good},
		{Key: "b", Body: json.RawMessage(`{"totals":"oops"}`)},
	}
	g := gateway(t, nil, fallback, nil)

	recs, _, err := g.LoadBills(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	fallback.data[storage.CollectionBills] = fallback.data[storage.CollectionBills][1:]
	_, _, err = g.LoadBills(context.Background())
	require.ErrorIs(t, err, storage.ErrCorruption)
	var cerr *storage.CorruptionError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, storage.CollectionBills, cerr.Collection)
}

func TestFindBill(t *testing.T) {
	g := gateway(t, nil, newMem("fallback"), nil)
	ctx := context.Background()
	_, err := g.SaveBill(ctx, sampleBill(t, "BILL-20240501-1000"))
	require.NoError(t, err)

	rec, _, err := g.FindBill(ctx, "BILL-20240501-1000")
	require.NoError(t, err)
	require.Equal(t, "Asha", rec.Name)

	_, _, err = g.FindBill(ctx, "BILL-20240501-9999")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInventoryAndMarkersOnFileFallback(t *testing.T) {
	fs := filestore.New(t.TempDir(), zerolog.Nop())
	primary := newMem("primary")
	primary.fail = errors.New("down")
	g := gateway(t, primary, fs, nil)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	inv := inventory.Records{
		"Rice": {Product: "Rice", QuantityOnHand: 5, LastUpdated: now},
		"Cola": {Product: "Cola", QuantityOnHand: 0, LastUpdated: now},
	}
	out, err := g.SaveInventory(ctx, inv)
	require.NoError(t, err)
	require.True(t, out.UsedFallback)

	inv["Rice"] = inventory.Item{Product: "Rice", QuantityOnHand: 3, LastUpdated: now}
	_, err = g.SaveInventory(ctx, inv)
	require.NoError(t, err)

	loaded, _, err := g.LoadInventory(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"Rice": 3, "Cola": 0}, loaded.Quantities())

	_, err = g.MarkInventoryApplied(ctx, "BILL-20240501-1000", now)
	require.NoError(t, err)
	applied, _, err := g.LoadAppliedMarkers(ctx)
	require.NoError(t, err)
	require.True(t, applied["BILL-20240501-1000"].Equal(now))

	_, err = g.SaveLineItems(ctx, bill.Flatten(sampleBill(t, "BILL-20240501-1000")))
	require.NoError(t, err)
	rows, _, err := g.LoadLineItems(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, g.PingFallback(ctx))
	require.Error(t, g.PingPrimary(ctx, 10*time.Millisecond))
}
