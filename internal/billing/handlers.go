package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/common"
	"github.com/noah-isme/toko-billing/internal/export"
	"github.com/noah-isme/toko-billing/internal/security"
	"github.com/noah-isme/toko-billing/internal/storage"
)

// Handler exposes bills and stock over HTTP.
type Handler struct {
	Svc      *Service
	Currency string
	// AuditGrace hides bills younger than this from the audit endpoint.
	AuditGrace time.Duration
}

// Quote handles POST /api/v1/bills/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	sess, ok := decodeSession(w, r)
	if !ok {
		return
	}
	q, err := h.Svc.Quote(sess)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": q})
}

// Create handles POST /api/v1/bills.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	sess, ok := decodeSession(w, r)
	if !ok {
		return
	}
	res, err := h.Svc.Checkout(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, res)
}

// Correct handles POST /api/v1/bills/{number}/corrections.
func (h *Handler) Correct(w http.ResponseWriter, r *http.Request) {
	sess, ok := decodeSession(w, r)
	if !ok {
		return
	}
	res, err := h.Svc.Correct(r.Context(), chi.URLParam(r, "number"), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, res)
}

// List handles GET /api/v1/bills. Query filters: q (bill number), customer,
// phone, from, to, min_total and max_total.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseBillFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	recs, out, err := h.Svc.Search(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	page, perPage := common.ParsePagination(r, 20, 100)
	p := common.Pagination{Page: page, PerPage: perPage, TotalItems: len(recs)}
	start, end := p.Window()
	w.Header().Set("X-Storage-Store", out.Store)
	common.JSON(w, http.StatusOK, map[string]any{"data": recs[start:end], "pagination": p})
}

// Get handles GET /api/v1/bills/{number}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.Find(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rec})
}

// Receipt handles GET /api/v1/bills/{number}/receipt.
func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.Find(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(export.Receipt(rec, h.Currency, h.Svc.TaxRate)))
}

// Workbook handles GET /api/v1/bills/{number}/export.xlsx.
func (h *Handler) Workbook(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.Find(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := export.BillWorkbook(rec)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.BillNumber+".xlsx"))
	if err := export.WriteWorkbook(w, f); err != nil {
		h.Svc.Logger.Error().Err(err).Str("bill_number", rec.BillNumber).Msg("write bill workbook")
	}
}

// Inventory handles GET /api/v1/inventory.
func (h *Handler) Inventory(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Svc.Inventory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": inv.Sorted()})
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

// Restock handles POST /api/v1/inventory/{product}/restock.
func (h *Handler) Restock(w http.ResponseWriter, r *http.Request) {
	var req restockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	item, out, err := h.Svc.Restock(r.Context(), chi.URLParam(r, "product"), req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Storage-Store", out.Store)
	common.JSON(w, http.StatusOK, map[string]any{"data": item, "notice": out.Notice()})
}

// Audit handles GET /api/v1/inventory/audit.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Svc.Audit(r.Context(), h.AuditGrace)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": report})
}

func decodeSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	var sess Session
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sess); err != nil {
		if security.IsTooLarge(err) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
			return Session{}, false
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", map[string]any{"error": err.Error()})
		return Session{}, false
	}
	return sess, true
}

func writeResult(w http.ResponseWriter, res Result) {
	w.Header().Set("X-Bill-Number", res.Record.BillNumber)
	w.Header().Set("X-Storage-Store", res.Bill.Store)
	common.JSON(w, http.StatusCreated, map[string]any{"data": res})
}

func writeError(w http.ResponseWriter, err error) {
	var verr *bill.ValidationError
	switch {
	case errors.As(err, &verr):
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "validation failed", verr.Fields)
	case errors.Is(err, storage.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "bill not found", nil)
	case errors.Is(err, storage.ErrCorruption):
		common.JSONError(w, http.StatusInternalServerError, "STORAGE_CORRUPT", err.Error(), nil)
	case errors.Is(err, ErrIdentifierExhausted):
		common.JSONError(w, http.StatusServiceUnavailable, "BILL_ID_EXHAUSTED", err.Error(), nil)
	case errors.Is(err, ErrNotConfigured):
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	case common.WriteAppError(w, err):
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}
