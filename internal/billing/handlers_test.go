package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/billing"
	"github.com/noah-isme/toko-billing/internal/storage"
)

func router(f fixture) http.Handler {
	h := &billing.Handler{Svc: f.svc, Currency: "₹"}
	r := chi.NewRouter()
	r.Post("/api/v1/bills/quote", h.Quote)
	r.Post("/api/v1/bills", h.Create)
	r.Get("/api/v1/bills", h.List)
	r.Get("/api/v1/bills/{number}", h.Get)
	r.Get("/api/v1/bills/{number}/receipt", h.Receipt)
	r.Get("/api/v1/bills/{number}/export.xlsx", h.Workbook)
	r.Post("/api/v1/bills/{number}/corrections", h.Correct)
	r.Get("/api/v1/inventory", h.Inventory)
	r.Get("/api/v1/inventory/audit", h.Audit)
	r.Post("/api/v1/inventory/{product}/restock", h.Restock)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

type errorBody struct {
	Error struct {
		Code    string          `json:"code"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

const cartBody = `{"customer":{"customer_name":"Asha","phone_number":"98765"},"cart":{"Rice":2,"Cola":1}}`

func TestCreateBillHandler(t *testing.T) {
	f := newFixture(t, nil, nil)
	h := router(f)

	rr := do(t, h, http.MethodPost, "/api/v1/bills", cartBody)
	require.Equal(t, http.StatusCreated, rr.Code)
	number := rr.Header().Get("X-Bill-Number")
	require.NotEmpty(t, number)
	require.Equal(t, "fallback", rr.Header().Get("X-Storage-Store"))

	var created struct {
		Data struct {
			Totals struct {
				GrandTotal string `json:"grand_total"`
			} `json:"totals"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Equal(t, "165.2", created.Data.Totals.GrandTotal)

	rr = do(t, h, http.MethodGet, "/api/v1/bills/"+number, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/bills/"+number+"/receipt", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain"))
	require.Contains(t, rr.Body.String(), "Bill Number: "+number)
	require.Contains(t, rr.Body.String(), "₹165.20")

	rr = do(t, h, http.MethodGet, "/api/v1/bills/"+number+"/export.xlsx", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Disposition"), number+".xlsx")
	require.NotZero(t, rr.Body.Len())

	rr = do(t, h, http.MethodGet, "/api/v1/bills?page=1&limit=10", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Data       []json.RawMessage `json:"data"`
		Pagination struct {
			TotalItems int `json:"total_items"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, 1, list.Pagination.TotalItems)

	rr = do(t, h, http.MethodPost, "/api/v1/bills/"+number+"/corrections", `{"cart":{"Rice":1}}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.NotEqual(t, number, rr.Header().Get("X-Bill-Number"))
}

func TestListBillsFilters(t *testing.T) {
	ids := &seqIDs{ids: []string{"BILL-20240501-1000", "BILL-20240503-2000", "BILL-20240510-3000"}}
	f := newFixture(t, nil, ids)
	ctx := context.Background()
	checkout := func(at time.Time, customer bill.Customer, cart map[string]int) {
		f.svc.Now = func() time.Time { return at }
		_, err := f.svc.Checkout(ctx, billing.Session{Customer: customer, Cart: cart})
		require.NoError(t, err)
	}
	checkout(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), bill.Customer{Name: "Asha", Phone: "98765"}, map[string]int{"Rice": 2, "Cola": 1})
	checkout(time.Date(2024, 5, 3, 18, 0, 0, 0, time.UTC), bill.Customer{Name: "Ravi Kumar", Phone: "12345"}, map[string]int{"Cola": 1})
	checkout(time.Date(2024, 5, 10, 23, 30, 0, 0, time.UTC), bill.Customer{Name: "asha patel", Phone: "555"}, map[string]int{"Rice": 4})

	h := router(f)
	list := func(query string) []string {
		t.Helper()
		rr := do(t, h, http.MethodGet, "/api/v1/bills?"+query, "")
		require.Equal(t, http.StatusOK, rr.Code, query)
		var body struct {
			Data []struct {
				BillNumber string `json:"bill_number"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		numbers := make([]string, 0, len(body.Data))
		for _, rec := range body.Data {
			numbers = append(numbers, rec.BillNumber)
		}
		return numbers
	}

	cases := []struct {
		query string
		want  []string
	}{
		{"", []string{"BILL-20240510-3000", "BILL-20240503-2000", "BILL-20240501-1000"}},
		{"customer=ASHA", []string{"BILL-20240510-3000", "BILL-20240501-1000"}},
		{"q=0503", []string{"BILL-20240503-2000"}},
		{"from=2024-05-02&to=2024-05-10", []string{"BILL-20240510-3000", "BILL-20240503-2000"}},
		{"to=2024-05-01", []string{"BILL-20240501-1000"}},
		{"min_total=100&max_total=200", []string{"BILL-20240501-1000"}},
		{"max_total=47.20", []string{"BILL-20240503-2000"}},
		{"customer=asha&min_total=200", []string{"BILL-20240510-3000"}},
		{"phone=12345", []string{"BILL-20240503-2000"}},
		{"customer=nobody", []string{}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, list(tc.query), tc.query)
	}

	for _, query := range []string{"from=05-01-2024", "min_total=abc", "min_total=-1", "min_total=300&max_total=100", "from=2024-05-10&to=2024-05-01"} {
		rr := do(t, h, http.MethodGet, "/api/v1/bills?"+query, "")
		require.Equal(t, http.StatusBadRequest, rr.Code, query)
		require.Equal(t, "VALIDATION_FAILED", decodeError(t, rr).Error.Code, query)
	}
}

func TestQuoteHandler(t *testing.T) {
	h := router(newFixture(t, nil, nil))
	rr := do(t, h, http.MethodPost, "/api/v1/bills/quote", cartBody)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"subtotal":"140"`)
}

func TestBillHandlerErrors(t *testing.T) {
	f := newFixture(t, nil, nil)
	h := router(f)

	rr := do(t, h, http.MethodPost, "/api/v1/bills", `{"customer":{"customer_name":"","phone_number":"1"},"cart":{"Rice":-1}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeError(t, rr)
	require.Equal(t, "VALIDATION_FAILED", body.Error.Code)
	require.Contains(t, string(body.Error.Details), "customer_name")

	rr = do(t, h, http.MethodPost, "/api/v1/bills", `{"cart":`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "BAD_REQUEST", decodeError(t, rr).Error.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/bills/BILL-20240501-0000", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "NOT_FOUND", decodeError(t, rr).Error.Code)

	require.NoError(t, os.WriteFile(f.fs.Path(storage.CollectionBills), []byte("garbage\n"), 0o644))
	rr = do(t, h, http.MethodGet, "/api/v1/bills", "")
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "STORAGE_CORRUPT", decodeError(t, rr).Error.Code)
}

func TestBillIDExhaustedHandler(t *testing.T) {
	f := newFixture(t, nil, &seqIDs{ids: []string{"BILL-20240501-1000"}})
	h := router(f)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/v1/bills", cartBody).Code)

	rr := do(t, h, http.MethodPost, "/api/v1/bills", cartBody)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "BILL_ID_EXHAUSTED", decodeError(t, rr).Error.Code)
}

func TestInventoryHandlers(t *testing.T) {
	h := router(newFixture(t, nil, nil))

	rr := do(t, h, http.MethodPost, "/api/v1/inventory/Rice/restock", `{"quantity":4}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"quantity_on_hand":14`)

	rr = do(t, h, http.MethodPost, "/api/v1/inventory/Rice/restock", `{"quantity":0}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/v1/inventory", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var inv struct {
		Data []struct {
			Product  string `json:"product"`
			Quantity int    `json:"quantity_on_hand"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &inv))
	require.Len(t, inv.Data, 2)
	require.Equal(t, "Cola", inv.Data[0].Product)
	require.Equal(t, 14, inv.Data[1].Quantity)

	rr = do(t, h, http.MethodGet, "/api/v1/inventory/audit", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"bills":0`)
}

func TestUnconfiguredHandler(t *testing.T) {
	h := &billing.Handler{}
	rr := httptest.NewRecorder()
	h.List(rr, httptest.NewRequest(http.MethodGet, "/api/v1/bills", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}
