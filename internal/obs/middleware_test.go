package obs_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/obs"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("toko", []float64{1, 10}, registry)
	handler := obs.HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bills", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/api/v1/bills"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	total := testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodPost, "/api/v1/bills", "201"))
	require.Equal(t, 1.0, total)
	require.NotZero(t, testutil.CollectAndCount(metrics.ReqDur))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.InFlight))
}

func TestRequestLoggerIncludesBillFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	handler := obs.RequestLogger{Logger: logger}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(obs.HeaderBillNumber, "BILL-20240101-1234")
		w.Header().Set(obs.HeaderStorageStore, "fallback")
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/bills", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "http_request", entry["message"])
	require.Equal(t, "BILL-20240101-1234", entry["bill_number"])
	require.Equal(t, "fallback", entry["storage"])
	require.Equal(t, float64(http.StatusCreated), entry["status"])
	require.Equal(t, "warn", entry["level"], "fallback writes are logged as warnings")
}

func TestRequestLoggerSharesRequestIDWithHandlers(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	handler := middleware.RequestID(obs.RequestLogger{Logger: logger}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("handler_line")
		w.WriteHeader(http.StatusServiceUnavailable)
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/bills", nil))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var inner, outer map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &inner))
	require.NoError(t, json.Unmarshal(lines[1], &outer))
	require.Equal(t, "handler_line", inner["message"])
	require.NotEmpty(t, inner["request_id"])
	require.Equal(t, inner["request_id"], outer["request_id"])
	require.Equal(t, "error", outer["level"])
}

func TestDomainMetricsRegisterOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs.MustRegisterDomainMetrics("toko_test", registry)
	obs.MustRegisterDomainMetrics("toko_test", registry)
	require.NotNil(t, obs.BillsSavedTotal)
	obs.BillsSavedTotal.WithLabelValues("primary").Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(obs.BillsSavedTotal.WithLabelValues("primary")))
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 10, 250}, obs.ParseBucketsCSV("250, 10,abc,5,-1,10"))
	require.Empty(t, obs.ParseBucketsCSV(""))
}
