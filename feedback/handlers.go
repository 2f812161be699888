package feedback

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Handler returns an http.Handler serving the feedback endpoints. The caller
// strips the mount prefix:
//
//	r.Mount("/api/feedback", http.StripPrefix("/api/feedback", w.Handler()))
//
// POST /  {"project_ref": "...", "text": "..."} → {"id": "..."}
// GET  /?project_ref=...&limit=N                → [Entry]
func (w *Widget) Handler() http.Handler {
	return http.HandlerFunc(func(wr http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "" {
			http.NotFound(wr, r)
			return
		}
		switch r.Method {
		case http.MethodPost:
			w.handleSubmit(wr, r)
		case http.MethodGet:
			w.handleList(wr, r)
		default:
			wr.Header().Set("Allow", "GET, POST")
			jsonErr(wr, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (w *Widget) handleSubmit(wr http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(wr, r.Body, 32*1024)

	var req struct {
		ProjectRef string `json:"project_ref"`
		Text       string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(wr, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := w.Submit(r.Context(), req.ProjectRef, req.Text)
	switch {
	case errors.Is(err, ErrUnknownProject), errors.Is(err, ErrInvalidText):
		jsonErr(wr, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		jsonErr(wr, "internal error", http.StatusInternalServerError)
		return
	}

	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(http.StatusCreated)
	json.NewEncoder(wr).Encode(map[string]string{"id": id})
}

func (w *Widget) handleList(wr http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("project_ref")
	if ref == "" {
		jsonErr(wr, "project_ref is required", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := w.List(r.Context(), ref, limit)
	if err != nil {
		jsonErr(wr, "internal error", http.StatusInternalServerError)
		return
	}
	wr.Header().Set("Content-Type", "application/json")
	json.NewEncoder(wr).Encode(entries)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
