package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/spendwatch/shield"
	"github.com/hazyhaar/spendwatch/spending"
)

// errRefreshRunning is returned when a refresh is requested while one runs.
var errRefreshRunning = errors.New("a refresh is already running")

// api serves the spending query interface over HTTP.
type api struct {
	svc    *spending.Service
	logger *slog.Logger

	// base outlives requests: a refresh started over HTTP runs until done
	// or until the process shuts down.
	base    context.Context
	running atomic.Bool
	wg      sync.WaitGroup
}

func newAPI(base context.Context, svc *spending.Service, logger *slog.Logger) *api {
	return &api{svc: svc, logger: logger, base: base}
}

// routes mounts /health, /metrics, /mcp (when given) and /api/… on a chi
// router behind the shield stack.
func (a *api) routes(rl *shield.RateLimiter, metrics http.Handler, mcpHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	if mcpHandler != nil {
		r.Handle("/mcp", mcpHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/councils", a.listCouncils)
		r.Post("/councils", a.upsertCouncil)
		r.Get("/councils/{id}", a.getCouncil)
		r.Get("/sources", a.listSources)
		r.Post("/sources", a.upsertSource)
		r.Get("/sources/{id}", a.getSource)
		r.Get("/payments", a.queryPayments)
		r.Get("/spend", a.spendAggregate)
		r.Get("/anomalies", a.queryAnomalies)
		r.Get("/anomalies/{id}", a.getAnomaly)
		r.Post("/anomalies/{id}/status", a.setAnomalyStatus)
		r.Get("/suppliers", a.listSuppliers)
		r.Get("/rejected", a.rejectedRows)
		r.Get("/refresh-runs", a.refreshRuns)
		r.Post("/refresh", a.startRefresh)
		r.Mount("/feedback", http.StripPrefix("/api/feedback", a.svc.FeedbackHandler()))
	})
	return r
}

// --- Registry ---

func (a *api) listCouncils(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListCouncils(r.Context(), queryBool(r, "active"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, list)
}

func (a *api) upsertCouncil(w http.ResponseWriter, r *http.Request) {
	var c spending.Council
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, 400, err)
		return
	}
	if err := a.svc.UpsertCouncil(r.Context(), &c); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	got, err := a.svc.GetCouncil(r.Context(), c.ID)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, got)
}

func (a *api) getCouncil(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.GetCouncil(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, c)
}

func (a *api) listSources(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListSources(r.Context(), queryBool(r, "active"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, list)
}

func (a *api) upsertSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CouncilID string `json:"council_id"`
		Endpoint  string `json:"endpoint"`
		Format    string `json:"format"`
		Hints     string `json:"hints"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	src := &spending.Source{CouncilID: req.CouncilID, Endpoint: req.Endpoint, Format: req.Format, HintsJSON: req.Hints}
	created, err := a.svc.UpsertSource(r.Context(), src)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	code := 200
	if created {
		code = 201
	}
	writeJSON(w, code, src)
}

func (a *api) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := a.svc.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, src)
}

// --- Queries ---

func (a *api) queryPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := a.svc.QueryPayments(r.Context(), spending.PaymentFilter{
		CouncilID:  q.Get("council_id"),
		SupplierID: q.Get("supplier_id"),
		ProjectRef: q.Get("project_ref"),
		From:       q.Get("from"),
		To:         q.Get("to"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, page)
}

func (a *api) spendAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := a.svc.SpendAggregate(r.Context(), spending.AggregateFilter{
		GroupBy:   q.Get("group_by"),
		CouncilID: q.Get("council_id"),
		From:      q.Get("from"),
		To:        q.Get("to"),
		Limit:     queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, rows)
}

func (a *api) queryAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var minSeverity float64
	if s := q.Get("min_severity"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			writeError(w, 400, errors.New("min_severity must be a number"))
			return
		}
		minSeverity = v
	}
	page, err := a.svc.QueryAnomalies(r.Context(), spending.AnomalyFilter{
		CouncilID:   q.Get("council_id"),
		SupplierID:  q.Get("supplier_id"),
		Detector:    q.Get("detector"),
		MinSeverity: minSeverity,
		Status:      q.Get("status"),
		Limit:       queryInt(r, "limit", 50),
		Offset:      queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, page)
}

func (a *api) getAnomaly(w http.ResponseWriter, r *http.Request) {
	an, err := a.svc.GetAnomaly(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, an)
}

func (a *api) setAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.svc.SetAnomalyStatus(r.Context(), id, req.Status); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	an, err := a.svc.GetAnomaly(r.Context(), id)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, an)
}

func (a *api) listSuppliers(w http.ResponseWriter, r *http.Request) {
	page, err := a.svc.ListSuppliers(r.Context(), spending.SupplierFilter{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, page)
}

func (a *api) rejectedRows(w http.ResponseWriter, r *http.Request) {
	rows, err := a.svc.RejectedRows(r.Context(), r.URL.Query().Get("council_id"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, rows)
}

func (a *api) refreshRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.svc.RefreshRuns(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, 200, runs)
}

// startRefresh launches a refresh in the background and returns 202. The
// report lands in /api/refresh-runs when the run finishes.
func (a *api) startRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Councils []string `json:"councils"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
	}
	if !a.running.CompareAndSwap(false, true) {
		writeError(w, 409, errRefreshRunning)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.running.Store(false)
		rep, err := a.svc.RunRefresh(a.base, req.Councils)
		if err != nil {
			a.logger.Error("refresh failed", "error", err)
			return
		}
		a.logger.Info("refresh finished", "run_id", rep.RunID, "succeeded", rep.Succeeded, "failed", len(rep.Failed))
	}()
	writeJSON(w, 202, map[string]string{"status": "started"})
}

// wait blocks until a background refresh started over HTTP returns.
func (a *api) wait() { a.wg.Wait() }

// --- Helpers ---

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch spending.ErrorKind(err) {
	case "ValidationError":
		return 400
	case "NotFound":
		return 404
	case "DataIntegrityError":
		return 409
	case "Timeout":
		return 504
	default:
		return 500
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
