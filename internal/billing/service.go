package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/billid"
	"github.com/noah-isme/toko-billing/internal/catalog"
	"github.com/noah-isme/toko-billing/internal/common"
	"github.com/noah-isme/toko-billing/internal/export"
	"github.com/noah-isme/toko-billing/internal/inventory"
	"github.com/noah-isme/toko-billing/internal/obs"
	"github.com/noah-isme/toko-billing/internal/pricing"
	"github.com/noah-isme/toko-billing/internal/storage"
)

// DefaultMaxIDAttempts bounds bill number regeneration after collisions.
const DefaultMaxIDAttempts = 3

// MasterWorkbook is the ledger file name under the export directory.
const MasterWorkbook = "bills.xlsx"

var (
	// ErrIdentifierExhausted is returned when every generated bill number
	// collided with a stored one.
	ErrIdentifierExhausted = errors.New("billing: could not allocate a unique bill number")
	// ErrNotConfigured is returned by a Service missing its store or catalog.
	ErrNotConfigured = errors.New("billing service not configured")
)

// Store is the persistence the service needs. *storage.Gateway satisfies it.
type Store interface {
	SaveBill(ctx context.Context, rec bill.Record) (storage.Outcome, error)
	SaveLineItems(ctx context.Context, rows []bill.FlatLine) (storage.Outcome, error)
	LoadBills(ctx context.Context) ([]bill.Record, storage.Outcome, error)
	FindBill(ctx context.Context, number string) (bill.Record, storage.Outcome, error)
	LoadInventory(ctx context.Context) (inventory.Records, storage.Outcome, error)
	SaveInventory(ctx context.Context, records inventory.Records) (storage.Outcome, error)
	MarkInventoryApplied(ctx context.Context, billNumber string, at time.Time) (storage.Outcome, error)
	LoadAppliedMarkers(ctx context.Context) (map[string]time.Time, storage.Outcome, error)
}

// IDSource hands out candidate bill numbers.
type IDSource interface {
	Next() string
}

// ReportInvalidator drops cached reports after a new bill.
type ReportInvalidator interface {
	Invalidate(ctx context.Context)
}

// ReceiptNotifier schedules receipt delivery.
type ReceiptNotifier interface {
	NotifyReceipt(ctx context.Context, billNumber, email string) error
}

// Service orchestrates checkout.
type Service struct {
	Store         Store
	Catalog       *catalog.Catalog
	IDs           IDSource
	Ledger        inventory.Ledger
	Validator     *validator.Validate
	TaxRate       decimal.Decimal
	MaxIDAttempts int
	DefaultStock  int
	// ExportDir receives the master ledger workbook; empty disables it.
	ExportDir string
	Reports   ReportInvalidator
	Receipts  ReceiptNotifier
	Logger    zerolog.Logger
	Now       func() time.Time

	// mu serializes inventory read-modify-write and master workbook appends.
	mu sync.Mutex
}

// Quote is a priced session that was not persisted.
type Quote struct {
	LineItems []bill.LineItem `json:"line_items"`
	Totals    pricing.Totals  `json:"totals"`
}

// Result describes a completed checkout.
type Result struct {
	Record    bill.Record     `json:"bill"`
	Totals    pricing.Totals  `json:"totals"`
	Bill      storage.Outcome `json:"bill_outcome"`
	Inventory storage.Outcome `json:"inventory_outcome"`
	Notices   []string        `json:"notices,omitempty"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) maxIDAttempts() int {
	if s.MaxIDAttempts <= 0 {
		return DefaultMaxIDAttempts
	}
	return s.MaxIDAttempts
}

func (s *Service) ready() error {
	if s == nil || s.Store == nil || s.Catalog == nil || s.IDs == nil {
		return ErrNotConfigured
	}
	return nil
}

// Quote validates and prices sess without persisting anything.
func (s *Service) Quote(sess Session) (Quote, error) {
	if s == nil || s.Catalog == nil {
		return Quote{}, ErrNotConfigured
	}
	sess = sess.Normalize()
	if err := s.validate(sess); err != nil {
		return Quote{}, err
	}
	prices, cats := s.Catalog.PriceTable(), s.Catalog.CategoryIndex()
	totals := pricing.Compute(sess.Cart, prices, cats, s.TaxRate)
	rec, err := bill.Assemble(sess.Cart, sess.Customer, prices, cats, totals, "", s.now())
	if err != nil {
		return Quote{}, err
	}
	return Quote{LineItems: rec.LineItems, Totals: totals.Rounded()}, nil
}

// Checkout prices sess, stores the bill under a fresh number and applies the
// stock decrement. Only validation and bill persistence failures are errors;
// everything after the bill is saved degrades to notices.
func (s *Service) Checkout(ctx context.Context, sess Session) (Result, error) {
	return s.issue(ctx, sess, "")
}

// Correct issues a new bill that supersedes original. The original record
// is left untouched.
func (s *Service) Correct(ctx context.Context, original string, sess Session) (Result, error) {
	if err := s.ready(); err != nil {
		return Result{}, err
	}
	if !billid.Valid(original) {
		return Result{}, common.NewAppError("INVALID_BILL_NUMBER", "bill number must look like BILL-YYYYMMDD-NNNN", http.StatusBadRequest, nil)
	}
	prev, _, err := s.Store.FindBill(ctx, original)
	if err != nil {
		return Result{}, err
	}
	if sess.Customer.Name == "" && sess.Customer.Phone == "" {
		sess.Customer = prev.Customer
	}
	return s.issue(ctx, sess, prev.BillNumber)
}

func (s *Service) issue(ctx context.Context, sess Session, corrects string) (Result, error) {
	if err := s.ready(); err != nil {
		return Result{}, err
	}
	ctx, span := otel.Tracer("billing").Start(ctx, "billing.checkout")
	defer span.End()

	sess = sess.Normalize()
	if err := s.validate(sess); err != nil {
		return Result{}, err
	}
	prices, cats := s.Catalog.PriceTable(), s.Catalog.CategoryIndex()
	totals := pricing.Compute(sess.Cart, prices, cats, s.TaxRate)

	rec, out, err := s.save(ctx, sess, prices, cats, totals, corrects)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("bill.number", rec.BillNumber), attribute.String("storage.store", out.Store))
	log := s.Logger.With().Str("bill_number", rec.BillNumber).Logger()

	res := Result{Record: rec, Totals: totals.Rounded(), Bill: out}
	res.notice(out.Notice())
	if missing := unpriced(sess.Cart, prices); len(missing) > 0 {
		log.Warn().Strs("products", missing).Msg("products without a price billed at zero")
		res.notice("billed at zero price: " + strings.Join(missing, ", "))
	}

	if _, err := s.Store.SaveLineItems(ctx, bill.Flatten(rec)); err != nil {
		log.Warn().Err(err).Msg("line items not saved")
	}

	res.Inventory, err = s.applyInventory(ctx, rec)
	if err != nil {
		log.Error().Err(err).Msg("inventory not updated")
		res.notice("inventory not updated: " + err.Error())
	} else {
		res.notice(res.Inventory.Notice())
	}

	if s.Reports != nil {
		s.Reports.Invalidate(ctx)
	}
	if err := s.appendMaster(rec); err != nil {
		log.Warn().Err(err).Msg("master workbook not updated")
	}
	if s.Receipts != nil && rec.Email != "" {
		if err := s.Receipts.NotifyReceipt(ctx, rec.BillNumber, rec.Email); err != nil {
			log.Warn().Err(err).Msg("receipt not scheduled")
		}
	}
	log.Info().Str("store", out.Store).Str("total", res.Totals.GrandTotal.StringFixed(2)).Msg("bill issued")
	return res, nil
}

// save assembles and inserts the bill, drawing a new number on each
// collision.
func (s *Service) save(ctx context.Context, sess Session, prices pricing.PriceTable, cats map[string]string, totals pricing.Totals, corrects string) (bill.Record, storage.Outcome, error) {
	attempts := s.maxIDAttempts()
	for i := 1; i <= attempts; i++ {
		rec, err := bill.Assemble(sess.Cart, sess.Customer, prices, cats, totals, s.IDs.Next(), s.now())
		if err != nil {
			return bill.Record{}, storage.Outcome{}, err
		}
		rec.Corrects = corrects
		if err := rec.Validate(); err != nil {
			return bill.Record{}, storage.Outcome{}, err
		}
		out, err := s.Store.SaveBill(ctx, rec)
		if err == nil {
			return rec, out, nil
		}
		if !errors.Is(err, storage.ErrIdentifierCollision) {
			return bill.Record{}, out, err
		}
		if obs.BillIDCollisionsTotal != nil {
			obs.BillIDCollisionsTotal.Inc()
		}
		s.Logger.Warn().Str("bill_number", rec.BillNumber).Int("attempt", i).Msg("bill number collision")
	}
	return bill.Record{}, storage.Outcome{}, fmt.Errorf("%w after %d attempts", ErrIdentifierExhausted, attempts)
}

func (s *Service) applyInventory(ctx context.Context, rec bill.Record) (storage.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, err := s.inventory(ctx)
	if err != nil {
		return storage.Outcome{}, err
	}
	out, err := s.Store.SaveInventory(ctx, s.ledger().ApplyBill(rec, inv))
	if err != nil {
		return out, err
	}
	if _, err := s.Store.MarkInventoryApplied(ctx, rec.BillNumber, s.now()); err != nil {
		s.Logger.Warn().Err(err).Str("bill_number", rec.BillNumber).Msg("inventory marker not saved")
	}
	return out, nil
}

// inventory loads stock, seeding it from the catalog when nothing is stored.
func (s *Service) inventory(ctx context.Context) (inventory.Records, error) {
	inv, _, err := s.Store.LoadInventory(ctx)
	if err != nil {
		return nil, err
	}
	if len(inv) == 0 {
		inv = s.ledger().Seed(s.Catalog.Products(), s.DefaultStock)
		s.Logger.Info().Int("products", len(inv)).Int("quantity", s.DefaultStock).Msg("seeded inventory")
	}
	return inv, nil
}

// Inventory returns the current stock, seeded when empty.
func (s *Service) Inventory(ctx context.Context) (inventory.Records, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.inventory(ctx)
}

// Restock adds qty units of product and persists the result.
func (s *Service) Restock(ctx context.Context, product string, qty int) (inventory.Item, storage.Outcome, error) {
	if err := s.ready(); err != nil {
		return inventory.Item{}, storage.Outcome{}, err
	}
	verr := &bill.ValidationError{}
	if _, _, ok := s.Catalog.Lookup(product); !ok {
		verr.Add("product", "is not in the catalog")
	}
	if qty <= 0 {
		verr.Add("quantity", "must be positive")
	}
	if err := verr.OrNil(); err != nil {
		return inventory.Item{}, storage.Outcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, err := s.inventory(ctx)
	if err != nil {
		return inventory.Item{}, storage.Outcome{}, err
	}
	inv = s.ledger().Restock(inv, product, qty)
	out, err := s.Store.SaveInventory(ctx, inv)
	if err != nil {
		return inventory.Item{}, out, err
	}
	if s.Reports != nil {
		s.Reports.Invalidate(ctx)
	}
	return inv[product], out, nil
}

// Bills returns stored bills, newest first.
func (s *Service) Bills(ctx context.Context) ([]bill.Record, storage.Outcome, error) {
	if err := s.ready(); err != nil {
		return nil, storage.Outcome{}, err
	}
	recs, out, err := s.Store.LoadBills(ctx)
	if err != nil {
		return nil, out, err
	}
	sortNewestFirst(recs)
	return recs, out, nil
}

// Find returns one bill by number.
func (s *Service) Find(ctx context.Context, number string) (bill.Record, error) {
	if err := s.ready(); err != nil {
		return bill.Record{}, err
	}
	rec, _, err := s.Store.FindBill(ctx, number)
	return rec, err
}

// Audit lists persisted bills older than grace whose stock decrement was
// never confirmed. It does not change stock.
func (s *Service) Audit(ctx context.Context, grace time.Duration) (inventory.AuditReport, error) {
	if err := s.ready(); err != nil {
		return inventory.AuditReport{}, err
	}
	bills, _, err := s.Store.LoadBills(ctx)
	if err != nil {
		return inventory.AuditReport{}, err
	}
	applied, _, err := s.Store.LoadAppliedMarkers(ctx)
	if err != nil {
		return inventory.AuditReport{}, err
	}
	report := inventory.Audit(bills, applied, s.now(), grace)
	if len(report.Pending) > 0 {
		s.Logger.Warn().Int("pending", len(report.Pending)).Interface("unreflected", report.Unreflected).Msg("bills without inventory decrement")
	}
	return report, nil
}

func (s *Service) appendMaster(rec bill.Record) error {
	if s.ExportDir == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return export.AppendMaster(filepath.Join(s.ExportDir, MasterWorkbook), rec)
}

func (s *Service) ledger() inventory.Ledger {
	l := s.Ledger
	if l.Now == nil {
		l.Now = s.now
	}
	return l
}

func (s *Service) validate(sess Session) error {
	return sess.Validate(s.Validator)
}

// unpriced lists billed products missing from the price table. They are
// billed at zero rather than rejected.
func unpriced(cart pricing.Cart, prices pricing.PriceTable) []string {
	var out []string
	for product, qty := range cart {
		if _, ok := prices[product]; qty > 0 && !ok {
			out = append(out, product)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Result) notice(msg string) {
	if msg == "" || slices.Contains(r.Notices, msg) {
		return
	}
	r.Notices = append(r.Notices, msg)
}

func sortNewestFirst(recs []bill.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].BillNumber > recs[j].BillNumber
	})
}
