package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mcules/dstore/internal/auth"
	"github.com/mcules/dstore/internal/httpx"
	"github.com/mcules/dstore/internal/journal"
	"github.com/mcules/dstore/internal/model"
)

// AdminHandler serves /health, /metrics and /journal. With an admin token
// set, everything but /health needs it as a bearer token.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/journal", s.handleJournal)

	guard := auth.NewBearer(s.opts.AdminToken, "/health")
	h := httpx.CORS{}.Wrap(guard.Middleware(mux))
	return httpx.Logging(h, "/health", "/metrics")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := "ok"
	code := http.StatusOK
	select {
	case <-s.done:
		st, code = "stopped", http.StatusServiceUnavailable
	default:
	}
	writeJSON(w, code, map[string]any{"status": st, "stats": s.Stats()})
}

// handleJournal lists lifecycle events, newest first. Query parameters:
// model (optional id filter) and limit (default 100).
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		entries []journal.Entry
		err     error
	)
	if v := r.URL.Query().Get("model"); v != "" {
		id, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			http.Error(w, "bad model id", http.StatusBadRequest)
			return
		}
		entries, err = s.journal.ListByModel(r.Context(), model.ModelID(id), limit)
	} else {
		entries, err = s.journal.List(r.Context(), limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
