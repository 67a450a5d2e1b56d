package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/export"
	"github.com/noah-isme/toko-billing/internal/obs"
	"github.com/noah-isme/toko-billing/internal/queue"
	"github.com/noah-isme/toko-billing/internal/storage"
)

// ReceiptTaskKind is the queue kind for receipt emails.
const ReceiptTaskKind = "receipt-email"

// ReceiptTask is the queued payload.
type ReceiptTask struct {
	BillNumber string `json:"bill_number"`
	Email      string `json:"email"`
}

// BillFinder loads a persisted bill.
type BillFinder interface {
	FindBill(ctx context.Context, number string) (bill.Record, storage.Outcome, error)
}

// ReceiptNotifier queues receipt emails. Without a queue it delivers in the
// background through Inline.
type ReceiptNotifier struct {
	Queue       queue.Enqueuer
	MaxAttempts int
	Inline      *ReceiptWorker
	Logger      zerolog.Logger
}

// NotifyReceipt schedules the receipt for billNumber to email. It never
// blocks on delivery.
func (n *ReceiptNotifier) NotifyReceipt(ctx context.Context, billNumber, email string) error {
	if n == nil {
		return nil
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}
	task := ReceiptTask{BillNumber: billNumber, Email: email}
	if n.Queue.R == nil {
		if n.Inline == nil {
			return errors.New("receipt delivery not configured")
		}
		go func() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := n.Inline.Deliver(dctx, task); err != nil {
				n.Logger.Warn().Err(err).Str("bill_number", billNumber).Msg("inline receipt delivery failed")
			}
		}()
		return nil
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	maxAttempts := n.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return n.Queue.Enqueue(ctx, queue.Task{
		Kind:           ReceiptTaskKind,
		Payload:        payload,
		IdempotencyKey: billNumber + ":" + strings.ToLower(email),
		MaxAttempts:    maxAttempts,
	})
}

// ReceiptWorker renders and sends receipts.
type ReceiptWorker struct {
	Bills    BillFinder
	Sender   EmailSender
	Currency string
	TaxRate  decimal.Decimal
	Logger   zerolog.Logger
}

// Handle is the queue.Worker handler for ReceiptTaskKind.
func (w *ReceiptWorker) Handle(ctx context.Context, t queue.Task) error {
	var task ReceiptTask
	if err := json.Unmarshal(t.Payload, &task); err != nil {
		// malformed payloads never succeed; drop them
		w.Logger.Error().Err(err).Msg("invalid receipt task payload")
		return nil
	}
	err := w.Deliver(ctx, task)
	if err != nil {
		w.Logger.Warn().Err(err).Str("bill_number", task.BillNumber).Int("attempt", t.Attempt).Msg("receipt delivery failed")
	}
	return err
}

// Deliver loads the bill and emails the text receipt with the bill workbook
// attached.
func (w *ReceiptWorker) Deliver(ctx context.Context, task ReceiptTask) error {
	if w == nil || w.Bills == nil || w.Sender == nil {
		return errors.New("receipt worker not configured")
	}
	rec, _, err := w.Bills.FindBill(ctx, task.BillNumber)
	if err != nil {
		record("failed")
		return fmt.Errorf("load bill: %w", err)
	}
	msg, err := ReceiptMessage(rec, task.Email, w.Currency, w.TaxRate)
	if err != nil {
		record("failed")
		return err
	}
	if err := w.Sender.Send(ctx, msg); err != nil {
		record("failed")
		return fmt.Errorf("send receipt: %w", err)
	}
	record("sent")
	w.Logger.Info().Str("bill_number", rec.BillNumber).Msg("receipt sent")
	return nil
}

// ReceiptMessage builds the customer email for rec.
func ReceiptMessage(rec bill.Record, to, currency string, taxRate decimal.Decimal) (Message, error) {
	f, err := export.BillWorkbook(rec)
	if err != nil {
		return Message{}, fmt.Errorf("render workbook: %w", err)
	}
	var buf bytes.Buffer
	if err := export.WriteWorkbook(&buf, f); err != nil {
		return Message{}, fmt.Errorf("render workbook: %w", err)
	}
	body := fmt.Sprintf("Dear %s,\n\nThank you for your purchase. Please find your bill receipt (Bill #%s) below and attached.\n\n%s\nIf you have any questions about your purchase, please contact our customer service.\n\nBest regards,\nThe Grocery Store Team\n",
		rec.Name, rec.BillNumber, export.Receipt(rec, currency, taxRate))
	return Message{
		To:      to,
		Subject: "Your Bill Receipt - " + rec.BillNumber,
		Text:    body,
		Attachments: []Attachment{
			{Name: rec.BillNumber + ".txt", ContentType: "text/plain; charset=utf-8", Data: []byte(export.Receipt(rec, currency, taxRate))},
			{Name: rec.BillNumber + ".xlsx", ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Data: buf.Bytes()},
		},
	}, nil
}

func record(result string) {
	if obs.ReceiptDeliveriesTotal != nil {
		obs.ReceiptDeliveriesTotal.WithLabelValues(result).Inc()
	}
}
