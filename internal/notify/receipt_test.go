package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/notify"
	"github.com/noah-isme/toko-billing/internal/pricing"
	"github.com/noah-isme/toko-billing/internal/queue"
	"github.com/noah-isme/toko-billing/internal/storage"
)

type finder map[string]bill.Record

func (f finder) FindBill(_ context.Context, number string) (bill.Record, storage.Outcome, error) {
	rec, ok := f[number]
	if !ok {
		return bill.Record{}, storage.Outcome{}, storage.ErrNotFound
	}
	return rec, storage.Outcome{Store: "fallback"}, nil
}

type failingSender struct{}

func (failingSender) Send(context.Context, notify.Message) error { return errors.New("relay refused") }

var taxRate = decimal.RequireFromString("0.18")

func sampleBill(t *testing.T) bill.Record {
	t.Helper()
	prices := pricing.PriceTable{"Rice": decimal.NewFromInt(50), "Cola": decimal.NewFromInt(40)}
	cats := map[string]string{"Rice": "Groceries", "Cola": "Drinks"}
	cart := pricing.Cart{"Rice": 2, "Cola": 1}
	rec, err := bill.Assemble(cart, bill.Customer{Name: "Asha", Phone: "98765", Email: "asha@example.com"}, prices, cats,
		pricing.Compute(cart, prices, cats, taxRate), "BILL-20240501-1234", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return rec
}

func TestReceiptWorkerSendsRenderedReceipt(t *testing.T) {
	rec := sampleBill(t)
	outbox := &notify.InMemoryEmail{}
	w := &notify.ReceiptWorker{Bills: finder{rec.BillNumber: rec}, Sender: outbox, Currency: "₹", TaxRate: taxRate, Logger: zerolog.Nop()}

	payload, err := json.Marshal(notify.ReceiptTask{BillNumber: rec.BillNumber, Email: "asha@example.com"})
	require.NoError(t, err)
	require.NoError(t, w.Handle(context.Background(), queue.Task{Kind: notify.ReceiptTaskKind, Payload: payload}))

	sent := outbox.Sent()
	require.Len(t, sent, 1)
	msg := sent[0]
	require.Equal(t, "asha@example.com", msg.To)
	require.Equal(t, "Your Bill Receipt - BILL-20240501-1234", msg.Subject)
	require.Contains(t, msg.Text, "Dear Asha")
	require.Contains(t, msg.Text, "Total:")
	require.Contains(t, msg.Text, "₹165.20")
	require.Len(t, msg.Attachments, 2)
	require.Equal(t, "BILL-20240501-1234.xlsx", msg.Attachments[1].Name)
	require.NotEmpty(t, msg.Attachments[1].Data)
}

func TestReceiptWorkerErrors(t *testing.T) {
	rec := sampleBill(t)
	ctx := context.Background()

	missing := &notify.ReceiptWorker{Bills: finder{}, Sender: &notify.InMemoryEmail{}, Logger: zerolog.Nop()}
	err := missing.Deliver(ctx, notify.ReceiptTask{BillNumber: rec.BillNumber, Email: "a@b.c"})
	require.ErrorIs(t, err, storage.ErrNotFound)

	failing := &notify.ReceiptWorker{Bills: finder{rec.BillNumber: rec}, Sender: failingSender{}, Logger: zerolog.Nop()}
	err = failing.Deliver(ctx, notify.ReceiptTask{BillNumber: rec.BillNumber, Email: "a@b.c"})
	require.ErrorContains(t, err, "relay refused")

	// undecodable payloads are dropped rather than retried
	require.NoError(t, failing.Handle(ctx, queue.Task{Payload: []byte("not json")}))

	var unset *notify.ReceiptWorker
	require.Error(t, unset.Deliver(ctx, notify.ReceiptTask{}))
}

func TestNotifierEnqueuesOncePerBill(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	n := &notify.ReceiptNotifier{Queue: queue.Enqueuer{R: client, Prefix: "bill"}, Logger: zerolog.Nop()}
	ctx := context.Background()
	require.NoError(t, n.NotifyReceipt(ctx, "BILL-20240501-1234", "Asha@Example.com"))
	require.NoError(t, n.NotifyReceipt(ctx, "BILL-20240501-1234", "asha@example.com"))
	require.NoError(t, n.NotifyReceipt(ctx, "BILL-20240501-1235", "  "))

	size, err := client.ZCard(ctx, "bill:queue:"+notify.ReceiptTaskKind).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, size)
}

func TestNotifierQueueToWorker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rec := sampleBill(t)
	outbox := &notify.InMemoryEmail{}
	rw := &notify.ReceiptWorker{Bills: finder{rec.BillNumber: rec}, Sender: outbox, Currency: "₹", TaxRate: taxRate, Logger: zerolog.Nop()}
	n := &notify.ReceiptNotifier{Queue: queue.Enqueuer{R: client, Prefix: "bill"}, Logger: zerolog.Nop()}
	require.NoError(t, n.NotifyReceipt(context.Background(), rec.BillNumber, rec.Email))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := queue.Worker{
		R:           client,
		Prefix:      "bill",
		Kind:        notify.ReceiptTaskKind,
		Concurrency: 1,
		Logger:      zerolog.Nop(),
		Handler:     rw.Handle,
	}
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(outbox.Sent()) == 1 }, 2*time.Second, 20*time.Millisecond)
	cancel()
	<-done
	require.True(t, strings.HasSuffix(outbox.Sent()[0].Subject, rec.BillNumber))
}

func TestNotifierDeliversInlineWithoutRedis(t *testing.T) {
	rec := sampleBill(t)
	outbox := &notify.InMemoryEmail{}
	n := &notify.ReceiptNotifier{
		Inline: &notify.ReceiptWorker{Bills: finder{rec.BillNumber: rec}, Sender: outbox, Currency: "₹", TaxRate: taxRate, Logger: zerolog.Nop()},
		Logger: zerolog.Nop(),
	}
	require.NoError(t, n.NotifyReceipt(context.Background(), rec.BillNumber, rec.Email))
	require.Eventually(t, func() bool { return len(outbox.Sent()) == 1 }, time.Second, 10*time.Millisecond)

	require.Error(t, (&notify.ReceiptNotifier{}).NotifyReceipt(context.Background(), rec.BillNumber, rec.Email))
}
