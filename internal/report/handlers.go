package report

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/common"
	"github.com/noah-isme/toko-billing/internal/export"
	"github.com/noah-isme/toko-billing/internal/storage"
)

// Handler exposes report read endpoints.
type Handler struct {
	Svc *Service
}

// Summary groups bills by ?group_by=day|month|customer|category.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	by, err := ParseGroupBy(r.URL.Query().Get("group_by"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	rows, err := h.Svc.Summary(r.Context(), rng, by)
	respond(w, rows, err)
}

// Overview returns headline sales figures.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	out, err := h.Svc.Overview(r.Context(), rng)
	respond(w, out, err)
}

// Customers returns per-customer totals.
func (h *Handler) Customers(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	rows, err := h.Svc.Customers(r.Context(), rng)
	respond(w, rows, err)
}

// TopProducts returns the best selling products by revenue.
func (h *Handler) TopProducts(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	limit := common.AtoiDefault(r.URL.Query().Get("limit"), 10)
	rows, err := h.Svc.TopProducts(r.Context(), rng, limit)
	respond(w, rows, err)
}

// Weekdays returns revenue per day of week.
func (h *Handler) Weekdays(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	rows, err := h.Svc.Weekdays(r.Context(), rng)
	respond(w, rows, err)
}

// RFM returns customer segments.
func (h *Handler) RFM(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	rows, err := h.Svc.RFM(r.Context(), rng)
	respond(w, rows, err)
}

// Forecast projects revenue for ?days= (default 7).
func (h *Handler) Forecast(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	days := common.AtoiDefault(r.URL.Query().Get("days"), 7)
	out, err := h.Svc.Forecast(r.Context(), rng, days)
	respond(w, out, err)
}

// InventoryMovement compares sold quantities with stock on hand.
func (h *Handler) InventoryMovement(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	rows, err := h.Svc.InventoryMovement(r.Context(), rng)
	respond(w, rows, err)
}

// Workbook downloads summary, customer and product sheets as xlsx.
func (h *Handler) Workbook(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	daily, err := h.Svc.Summary(ctx, rng, ByDay)
	if err != nil {
		writeError(w, err)
		return
	}
	customers, err := h.Svc.Customers(ctx, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	products, err := h.Svc.TopProducts(ctx, rng, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	sheets := []export.Sheet{
		{Name: "Summary", Headers: []string{"Date", "Bills", "Total"}},
		{Name: "Customers", Headers: []string{"Customer", "Orders", "Total Spent", "Average Order", "Last Order"}},
		{Name: "Products", Headers: []string{"Product", "Category", "Quantity", "Revenue"}},
	}
	for _, g := range daily {
		sheets[0].Rows = append(sheets[0].Rows, []any{g.Key, g.Count, g.Total.InexactFloat64()})
	}
	for _, c := range customers {
		sheets[1].Rows = append(sheets[1].Rows, []any{c.Customer, c.Orders, c.TotalSpent.InexactFloat64(), c.AverageOrder.InexactFloat64(), c.LastOrder.Format(time.RFC3339)})
	}
	for _, p := range products {
		sheets[2].Rows = append(sheets[2].Rows, []any{p.Product, p.Category, p.Quantity, p.Revenue.InexactFloat64()})
	}
	if forecast, err := h.Svc.Forecast(ctx, rng, 7); err == nil {
		fs := export.Sheet{Name: "Forecast", Headers: []string{"Date", "Projected Revenue"}}
		for _, d := range forecast.Projected {
			fs.Rows = append(fs.Rows, []any{d.Date, d.Revenue})
		}
		sheets = append(sheets, fs)
	}
	f, err := export.ReportWorkbook(sheets)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="report-%s.xlsx"`, h.Svc.now().Format("20060102")))
	if err := export.WriteWorkbook(w, f); err != nil {
		h.Svc.Logger.Error().Err(err).Msg("write report workbook")
	}
}

// LinesCSV downloads every billed line item as CSV.
func (h *Handler) LinesCSV(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeFrom(w, r)
	if !ok {
		return
	}
	records, err := h.Svc.Records(r.Context(), rng)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="bill-lines.csv"`)
	if err := export.LinesCSV(w, bill.Flatten(records...)); err != nil {
		h.Svc.Logger.Error().Err(err).Msg("write line export")
	}
}

// rangeFrom reads ?from= and ?to= as RFC3339 timestamps or dates. A date
// bound for to includes that whole day.
func (h *Handler) rangeFrom(w http.ResponseWriter, r *http.Request) (Range, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "REPORTS_NOT_CONFIGURED", "report service not configured", nil)
		return Range{}, false
	}
	q := r.URL.Query()
	var rng Range
	if raw := q.Get("from"); raw != "" {
		t, _, err := parseBound(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid from date", nil)
			return Range{}, false
		}
		rng.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, dateOnly, err := parseBound(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid to date", nil)
			return Range{}, false
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		rng.To = t
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && !rng.From.Before(rng.To) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "from must be before to", nil)
		return Range{}, false
	}
	return rng, true
}

func parseBound(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, false, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	return t, true, err
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": v})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownGroupBy):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, ErrInsufficientData):
		common.JSONError(w, http.StatusUnprocessableEntity, "INSUFFICIENT_DATA", err.Error(), nil)
	case errors.Is(err, storage.ErrCorruption):
		common.JSONError(w, http.StatusInternalServerError, "STORAGE_CORRUPT", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "REPORT_ERROR", err.Error(), nil)
	}
}
