package app

import (
	"crypto/subtle"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/toko-billing/internal/billing"
	"github.com/noah-isme/toko-billing/internal/catalog"
	"github.com/noah-isme/toko-billing/internal/common"
	"github.com/noah-isme/toko-billing/internal/health"
	"github.com/noah-isme/toko-billing/internal/obs"
	"github.com/noah-isme/toko-billing/internal/queue"
	"github.com/noah-isme/toko-billing/internal/ratelimit"
	"github.com/noah-isme/toko-billing/internal/report"
	"github.com/noah-isme/toko-billing/internal/security"
)

// RouterOptions toggles the optional middleware layers.
type RouterOptions struct {
	Tracing     bool
	HTTPMetrics *obs.HTTPMetrics
}

// NewRouter mounts every HTTP route on a chi router.
func NewRouter(d *Dependencies, opts RouterOptions) http.Handler {
	cfg := d.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if opts.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if opts.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: opts.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: d.Logger}.Middleware)
	r.Use(security.Headers{Enable: cfg.HTTP.SecurityHeaders, EnableHSTS: cfg.HTTP.EnableHSTS}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", common.IdempotencyHeader},
		ExposedHeaders: []string{"X-Bill-Number", "X-Storage-Store", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(security.BodyLimit{Max: cfg.HTTP.MaxBodyBytes}.Middleware)

	if cfg.Obs.EnablePrometheus && d.MetricsRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.MetricsRegistry, promhttp.HandlerOpts{}))
	}
	if cfg.Obs.EnablePprof {
		r.Mount("/debug/pprof", basicAuth(newPprofMux(), cfg.HTTP.AdminUser, cfg.HTTP.AdminPass))
	}

	healthHandler := health.Handler{
		Checker:        health.Probes{Store: d.Store, Redis: d.Redis},
		PrimaryTimeout: cfg.Storage.PrimaryTimeout,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	bills := &billing.Handler{Svc: d.Billing, Currency: cfg.Pricing.CurrencySymbol, AuditGrace: cfg.AuditGrace}
	reports := &report.Handler{Svc: d.Reports}
	catalogHandler := &catalog.Handler{Catalog: d.Catalog}
	admin := &queue.AdminHandler{
		Queue:             d.Notifier.Queue,
		Logger:            obs.Component(d.Logger, "queue-admin"),
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}
	idem := common.Idem{R: d.Redis, TTL: cfg.IdempotencyTTL, Prefix: cfg.QueuePrefix}
	throttle := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: d.Redis, Prefix: cfg.QueuePrefix + ":", Window: time.Minute, Max: cfg.HTTP.BillWritesPerMinute},
		Logger:  obs.Component(d.Logger, "ratelimit"),
	}
	writes := chi.Chain(throttle.Middleware, idem.Middleware)

	r.Route("/api/v1", func(v chi.Router) {
		v.Get("/catalog", catalogHandler.Tree)

		v.Route("/bills", func(b chi.Router) {
			b.Get("/", bills.List)
			b.With(writes...).Post("/", bills.Create)
			b.Post("/quote", bills.Quote)
			b.Get("/{number}", bills.Get)
			b.Get("/{number}/receipt", bills.Receipt)
			b.Get("/{number}/export.xlsx", bills.Workbook)
			b.With(writes...).Post("/{number}/corrections", bills.Correct)
		})

		v.Route("/inventory", func(i chi.Router) {
			i.Get("/", bills.Inventory)
			i.Get("/audit", bills.Audit)
			i.With(writes...).Post("/{product}/restock", bills.Restock)
		})

		v.Route("/reports", func(rp chi.Router) {
			rp.Get("/summary", reports.Summary)
			rp.Get("/overview", reports.Overview)
			rp.Get("/customers", reports.Customers)
			rp.Get("/top-products", reports.TopProducts)
			rp.Get("/weekdays", reports.Weekdays)
			rp.Get("/rfm", reports.RFM)
			rp.Get("/forecast", reports.Forecast)
			rp.Get("/inventory-movement", reports.InventoryMovement)
			rp.Get("/export.xlsx", reports.Workbook)
			rp.Get("/lines.csv", reports.LinesCSV)
		})

		v.Route("/admin/queue", func(a chi.Router) {
			a.Use(func(next http.Handler) http.Handler {
				return basicAuth(next, cfg.HTTP.AdminUser, cfg.HTTP.AdminPass)
			})
			a.Get("/stats", admin.Stats)
			a.Get("/dlq", admin.ListDLQ)
			a.Post("/replay", admin.ReplayDLQ)
		})
	})

	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	return mux
}

func basicAuth(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin credentials required", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
