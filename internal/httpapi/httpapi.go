package httpapi

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/service"
	"kasirledger/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	logger        *zap.Logger
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger.Named("http"),
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.withSecurityHeaders)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleCashier, domain.RoleAdmin))
			r.Get("/products", a.handleListProducts)
			r.Get("/products/barcode/{barcode}", a.handleProductByBarcode)
			r.Get("/products/{id}/stock", a.handleProductStock)
			r.Post("/sales", a.handleCreateSale)
			r.Post("/sales/stock-check", a.handleStockCheck)
			r.Get("/sales/{id}", a.handleGetSale)
			r.Get("/stock/logs", a.handleStockLogs)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))
			r.Post("/sale-items/{id}/refund", a.handleRefund)
			r.Post("/stock/lots", a.handleAddLot)
			r.Post("/stock/lots/bulk", a.handleAddLotsBulk)
			r.Post("/stock/lots/{id}/adjust", a.handleAdjustLot)
			r.Delete("/stock/lots/{id}", a.handleDeleteLot)
			r.Post("/reports/daily", a.handleGenerateReport)
			r.Get("/reports/daily", a.handleListReports)
			r.Get("/reports/daily/{id}", a.handleGetReport)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// organizationOf returns the tenant carried by the verified token.
func organizationOf(r *http.Request) string {
	actor, _ := service.ActorFromContext(r.Context())
	return actor.OrganizationID
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	products, err := a.service.ListProducts(r.Context(), organizationOf(r), query.Get("q"), parsePositiveLimit(query.Get("limit"), 50, 200))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleProductByBarcode(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProductByBarcode(r.Context(), organizationOf(r), chi.URLParam(r, "barcode"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleProductStock(w http.ResponseWriter, r *http.Request) {
	stock, err := a.service.GetProductStock(r.Context(), organizationOf(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stock)
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CreateSale(r.Context(), organizationOf(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleStockCheck(w http.ResponseWriter, r *http.Request) {
	var req domain.StockCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CheckStock(r.Context(), organizationOf(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), organizationOf(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleStockLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.StockLogFilter{
		ProductID:     strings.TrimSpace(query.Get("product_id")),
		LotID:         strings.TrimSpace(query.Get("lot_id")),
		Type:          domain.StockLogType(strings.ToUpper(strings.TrimSpace(query.Get("type")))),
		ReferenceType: domain.ReferenceType(strings.ToLower(strings.TrimSpace(query.Get("reference_type")))),
		ReferenceID:   strings.TrimSpace(query.Get("reference_id")),
		SaleItemID:    strings.TrimSpace(query.Get("sale_item_id")),
		Limit:         parsePositiveLimit(query.Get("limit"), 100, 500),
	}
	var err error
	if filter.From, err = parseTimeParam("from", query.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.To, err = parseTimeParam("to", query.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	logs, err := a.service.GetStockLogs(r.Context(), organizationOf(r), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:refund:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	resp, err := a.service.RefundSaleItem(r.Context(), organizationOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleAddLot(w http.ResponseWriter, r *http.Request) {
	var req domain.AddStockLotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	lot, err := a.service.AddStockLot(r.Context(), organizationOf(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"lot": lot})
}

func (a *API) handleAddLotsBulk(w http.ResponseWriter, r *http.Request) {
	var req domain.AddStockBulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	lots, err := a.service.AddStockBulk(r.Context(), organizationOf(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"lots": lots})
}

func (a *API) handleAdjustLot(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustLotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	lot, err := a.service.AdjustStockLot(r.Context(), organizationOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lot": lot})
}

func (a *API) handleDeleteLot(w http.ResponseWriter, r *http.Request) {
	var req domain.DeleteLotRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.DeleteStockLot(r.Context(), organizationOf(r), chi.URLParam(r, "id"), req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	var req domain.GenerateReportRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := a.service.GenerateDailyReport(r.Context(), organizationOf(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"report": report})
}

func (a *API) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := a.service.ListDailyReports(r.Context(), organizationOf(r), parsePositiveLimit(r.URL.Query().Get("limit"), 30, 366))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (a *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.GetDailyReport(r.Context(), organizationOf(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))) {
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]any{"report": report})
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=daily-report-%s.csv", report.ReportEndTime.Format("20060102-150405")))
		w.WriteHeader(http.StatusOK)
		if err := writeDailyReportCSV(w, report); err != nil {
			a.requestLogger(r).Warn("csv export interrupted", zap.Error(err))
		}
	default:
		writeError(w, http.StatusBadRequest, errors.New("format must be json or csv"))
	}
}

func (a *API) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Body != nil && r.Method != http.MethodGet {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", time.Since(startedAt)),
		}
		if status >= http.StatusInternalServerError {
			a.requestLogger(r).Error("request", fields...)
			return
		}
		a.requestLogger(r).Info("request", fields...)
	})
}

func (a *API) requestLogger(r *http.Request) *zap.Logger {
	return a.logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
}

// writeServiceError maps service sentinels onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrAlreadyRefunded):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, err)
	default:
		a.requestLogger(r).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeDailyReportCSV(w io.Writer, report domain.DailyReport) error {
	rows := [][]string{
		{"section", "key", "value"},
		{"window", "report_start_time", report.ReportStartTime.Format(time.RFC3339Nano)},
		{"window", "report_end_time", report.ReportEndTime.Format(time.RFC3339Nano)},
		{"summary", "total_sales", report.TotalSales.StringFixed(2)},
		{"summary", "total_refunds", report.TotalRefunds.StringFixed(2)},
		{"summary", "total_cost", report.TotalCost.StringFixed(2)},
		{"summary", "gross_profit", report.GrossProfit.StringFixed(2)},
		{"summary", "sale_count", strconv.Itoa(report.SaleCount)},
		{"summary", "refund_count", strconv.Itoa(report.RefundCount)},
		{"payment", "cash_sales", report.CashSales.StringFixed(2)},
		{"payment", "card_sales", report.CardSales.StringFixed(2)},
		{"cash", "cash_counted", nullMoney(report.CashCounted)},
		{"cash", "cash_variance", nullMoney(report.CashVariance)},
		{"meta", "notes", report.Notes},
		{"meta", "created_by", report.CreatedBy},
	}

	writer := csv.NewWriter(w)
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func nullMoney(value decimal.NullDecimal) string {
	if !value.Valid {
		return ""
	}
	return value.Decimal.StringFixed(2)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeJSON variant for endpoints whose body may be omitted.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseTimeParam(name string, raw string) (*time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp", name)
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry driver or SQL detail.
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
