/*
handlers.go - HTTP API handlers for the vending analytics service

PURPOSE:
  Exposes the reconstruction pipeline and the sales statistics via REST.
  Handles HTTP request/response, JSON serialization, and delegates to the
  store, pipeline and analytics layers.

ENDPOINTS:
  Statistics:
    GET  /api/stats/overview   Totals + payment breakdown for a date window
    GET  /api/stats/brands     Per-brand grouping with share percentages
    GET  /api/stats/packages   Per-product grouping with share percentages
    GET  /api/stats/daily      Per-day rollup for the last N days

  Transactions:
    GET  /api/transactions     Reconstructed transactions, filtered

  Motors:
    GET  /api/motors           Health report of every motor
    GET  /api/motors/{id}      One motor's report plus recent sales

  Ingestion:
    POST /api/import           Import an event payload from the request body
    POST /api/fetch            Trigger a machine download in the background
    GET  /api/fetch/status     Download manager state
    GET  /api/fetch/events     SSE stream of download progress

  Admin:
    POST /api/admin/backfill       Repair null event-to-transaction links
    POST /api/admin/update-brands  Assign brands to unresolved sales
    POST /api/admin/cache/refresh  Drop the analytics cache
    GET  /api/admin/cache/stats    Cache hit/miss counters
    POST /api/admin/cache/cleanup  Evict expired cache entries

  Service:
    GET  /api/dashboard        Landing-view payload in one call
    GET  /api/status           Watermarks, counters, cache stats
    GET  /api/health           Service + machine reachability

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input (bad dates, bad motor id, undecodable payload)
  - 404: Unknown motor
  - 409: Import or fetch already in flight
  - 500: Internal errors

SEE ALSO:
  - dto.go: Composite response shapes
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sleli/tecnotouch/analytics"
	"github.com/sleli/tecnotouch/client"
	"github.com/sleli/tecnotouch/machine"
	"github.com/sleli/tecnotouch/pipeline"
	"github.com/sleli/tecnotouch/store/sqlite"
)

// maxImportBody caps POST /api/import payloads (a season of events is a few
// megabytes).
const maxImportBody = 32 << 20

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Importer  *pipeline.Importer
	Analytics *analytics.Service
	Machine   *client.Client
	Fetcher   *Fetcher
	Broker    *Broker
	Log       zerolog.Logger
}

// NewHandler creates a handler with the given dependencies.
func NewHandler(store *sqlite.Store, imp *pipeline.Importer, an *analytics.Service,
	mc *client.Client, fetcher *Fetcher, broker *Broker, log zerolog.Logger) *Handler {
	return &Handler{
		Store:     store,
		Importer:  imp,
		Analytics: an,
		Machine:   mc,
		Fetcher:   fetcher,
		Broker:    broker,
		Log:       log,
	}
}

// =============================================================================
// STATISTICS HANDLERS
// =============================================================================

// GetOverview returns headline totals for an optional date window.
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dateWindow(w, r)
	if !ok {
		return
	}
	stats, err := h.Store.StatisticsOverview(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute overview", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetBrandStats returns the per-brand grouping for an optional date window.
func (h *Handler) GetBrandStats(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dateWindow(w, r)
	if !ok {
		return
	}
	stats, err := h.Store.StatisticsByBrand(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute brand statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetPackageStats returns the per-product grouping for an optional window.
func (h *Handler) GetPackageStats(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dateWindow(w, r)
	if !ok {
		return
	}
	stats, err := h.Store.StatisticsByPackage(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute package statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetDailySummary returns the per-day rollup. ?days= bounds the lookback.
func (h *Handler) GetDailySummary(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid days parameter", err)
			return
		}
		days = n
	}
	summary, err := h.Store.DailySummary(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute daily summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListTransactions returns reconstructed transactions, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	from, to, ok := dateWindow(w, r)
	if !ok {
		return
	}

	f := sqlite.TransactionFilter{
		DateFrom:      from,
		DateTo:        to,
		PaymentMethod: r.URL.Query().Get("payment_method"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter", err)
			return
		}
		f.Limit = n
	}

	list, err := h.Store.ListTransactions(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}
	if list == nil {
		list = []sqlite.TransactionRow{}
	}
	writeJSON(w, http.StatusOK, list)
}

// =============================================================================
// MOTOR HANDLERS
// =============================================================================

// ListMotors returns the health report of every known motor.
func (h *Handler) ListMotors(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Analytics.MotorReports(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute motor reports", err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// GetMotor returns one motor's report with its newest sales.
func (h *Handler) GetMotor(w http.ResponseWriter, r *http.Request) {
	motorID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid motor id", err)
		return
	}

	report, err := h.Analytics.MotorReport(r.Context(), motorID)
	if err != nil {
		if errors.Is(err, machine.ErrMotorNotFound) {
			writeError(w, http.StatusNotFound, "Motor not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to compute motor report", err)
		return
	}

	sales, err := h.Store.MotorRecentSales(r.Context(), motorID, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load recent sales", err)
		return
	}
	if sales == nil {
		sales = []sqlite.SaleRow{}
	}
	writeJSON(w, http.StatusOK, MotorDetailDTO{MotorReport: *report, RecentSales: sales})
}

// =============================================================================
// INGESTION HANDLERS
// =============================================================================

// ImportEvents imports an event payload posted in the request body. The body
// accepts both payload shapes the machine produces.
func (h *Handler) ImportEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	events, err := client.DecodeEvents(body)
	if err != nil {
		if errors.Is(err, machine.ErrNoEvents) {
			writeJSON(w, http.StatusOK, ImportResponse{Message: "no events in payload"})
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to decode event payload", err)
		return
	}

	summary, err := h.Importer.Import(r.Context(), events)
	if err != nil {
		if errors.Is(err, machine.ErrImportBusy) {
			writeError(w, http.StatusConflict, "Import already in progress", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Import failed", err)
		return
	}

	if summary.NewSales > 0 || summary.FinalizedTransactions > 0 {
		h.Analytics.FlushCache()
	}
	writeJSON(w, http.StatusOK, ImportResponse{Summary: summary})
}

// fetchRequest optionally narrows the download window.
type fetchRequest struct {
	DateFrom string `json:"date_from"` // "2006-01-02"
	DateTo   string `json:"date_to"`
}

// TriggerFetch starts a background machine download. Default window is the
// last 7 days through today.
func (h *Handler) TriggerFetch(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	from, to := now.AddDate(0, 0, -7), now

	if r.ContentLength > 0 {
		var req fetchRequest
		if err := decodeJSONBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		var err error
		if from, err = parseDateOr(req.DateFrom, from); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date_from", err)
			return
		}
		if to, err = parseDateOr(req.DateTo, to); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date_to", err)
			return
		}
	}

	runID, err := h.Fetcher.Start(from, to)
	if err != nil {
		if errors.Is(err, machine.ErrImportBusy) {
			writeError(w, http.StatusConflict, "Fetch already in progress", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to start fetch", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// GetFetchStatus reports the download manager state.
func (h *Handler) GetFetchStatus(w http.ResponseWriter, r *http.Request) {
	running, lastRun := h.Fetcher.Status()
	writeJSON(w, http.StatusOK, FetchStatusDTO{Running: running, LastRun: lastRun})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerBackfill repairs null event-to-transaction links.
func (h *Handler) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	linked, err := h.Importer.Backfill(r.Context())
	if err != nil {
		if errors.Is(err, machine.ErrImportBusy) {
			writeError(w, http.StatusConflict, "Import already in progress", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Backfill failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"linked_events": linked})
}

// UpdateBrands assigns brand ids to sales that predate brand resolution.
func (h *Handler) UpdateBrands(w http.ResponseWriter, r *http.Request) {
	updated, err := h.Store.UpdateMissingBrands(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Brand update failed", err)
		return
	}
	h.Analytics.FlushCache()
	writeJSON(w, http.StatusOK, map[string]int{"updated_sales": updated})
}

// RefreshCache drops the analytics cache so the next read recomputes.
func (h *Handler) RefreshCache(w http.ResponseWriter, r *http.Request) {
	h.Analytics.FlushCache()
	writeJSON(w, http.StatusOK, map[string]string{"message": "analytics cache flushed"})
}

// GetCacheStats reports the analytics cache counters.
func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Analytics.CacheStats())
}

// CleanupCache evicts expired analytics cache entries.
func (h *Handler) CleanupCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.Analytics.SweepCache()})
}

// =============================================================================
// SERVICE HANDLERS
// =============================================================================

// GetDashboard assembles the landing view in one call.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	today := time.Now().Format("2006-01-02")
	overview, err := h.Store.StatisticsOverview(r.Context(), today, today)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute overview", err)
		return
	}

	reports, err := h.Analytics.MotorReports(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute motor reports", err)
		return
	}

	dto := DashboardDTO{
		Today:         overview,
		Motors:        reports,
		MachineOnline: h.Machine.Ping(r.Context()) == nil,
	}
	if e, err := h.Store.GetStatus(r.Context(), sqlite.StatusLastDownload); err == nil && e != nil {
		dto.LastDownload = &e.Value
	}
	if e, err := h.Store.GetStatus(r.Context(), sqlite.StatusLastEventDate); err == nil && e != nil {
		dto.LastEventDate = &e.Value
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetStatus reports service-internal state for operators.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.Store.CountEvents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count events", err)
		return
	}

	running, _ := h.Fetcher.Status()
	dto := StatusDTO{
		EventCount:   count,
		CacheStats:   h.Analytics.CacheStats(),
		FetchRunning: running,
	}
	for key, dst := range map[string]**string{
		sqlite.StatusLastDownload:  &dto.LastDownload,
		sqlite.StatusLastEventDate: &dto.LastEventDate,
		sqlite.StatusMachineIP:     &dto.MachineIP,
	} {
		if e, err := h.Store.GetStatus(r.Context(), key); err == nil && e != nil {
			*dst = &e.Value
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetHealth probes the service and the machine. The machine probe is cached
// for a few minutes inside the client, so dashboards can poll freely.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	dto := HealthDTO{ServiceOK: true}
	if err := h.Machine.Ping(r.Context()); err != nil {
		dto.MachineError = err.Error()
	} else {
		dto.MachineOnline = true
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

// dateWindow validates the optional date_from/date_to query parameters.
func dateWindow(w http.ResponseWriter, r *http.Request) (from, to string, ok bool) {
	from = r.URL.Query().Get("date_from")
	to = r.URL.Query().Get("date_to")
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD", err)
			return "", "", false
		}
	}
	return from, to, true
}

func parseDateOr(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseInLocation("2006-01-02", s, time.Local)
}

func decodeJSONBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := errorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
