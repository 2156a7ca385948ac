// Package feed serves the audit chain's HTTP API and WebSocket live feed.
//
// The HTTP surface maps 1:1 onto the core operations:
//
//   - GET  /health       — liveness check
//   - GET  /api/head     — chain head for an organisation
//   - GET  /api/entries  — filtered entry query (newest first)
//   - GET  /api/verify   — on-demand chain verification report
//   - POST /api/append   — append a new entry
//   - GET  /ws           — live feed of appended entries and
//     verification reports
//
// The feed is a thin wrapper: all chain semantics live in the audit
// package; this package only translates HTTP to core calls.
package feed

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/brightbeamsuk/inteLMS-sub002/internal/audit"
	"github.com/brightbeamsuk/inteLMS-sub002/internal/store"
)

// Options holds the dependencies injected into the feed server.
type Options struct {
	Appender *audit.Appender
	Verifier *audit.Verifier
	Store    *store.SQLite
}

// Server serves the REST API and the WebSocket live feed.
type Server struct {
	appender *audit.Appender
	verifier *audit.Verifier
	store    *store.SQLite
	wsHub    *wsHub
}

// New creates a feed server with the given dependencies and starts the
// WebSocket broadcast hub.
func New(opts Options) *Server {
	s := &Server{
		appender: opts.Appender,
		verifier: opts.Verifier,
		store:    opts.Store,
		wsHub:    newWSHub(),
	}
	go s.wsHub.run()
	return s
}

// SetAppender installs the appender after construction. The appender's
// OnAppend callback typically points back at BroadcastEntry, so the two
// are wired in stages.
func (s *Server) SetAppender(a *audit.Appender) {
	s.appender = a
}

// Handler returns the HTTP handler for all feed routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/head", s.handleHead)
	mux.HandleFunc("/api/entries", s.handleEntries)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/append", s.handleAppend)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// feedMessage is the envelope broadcast to WebSocket clients.
type feedMessage struct {
	Type string `json:"type"` // "entry" or "verification"
	Data any    `json:"data"`
}

// BroadcastEntry pushes a freshly appended entry to all feed clients.
// Wire this as the appender's OnAppend callback. Non-blocking.
func (s *Server) BroadcastEntry(e audit.Entry) {
	s.broadcast(feedMessage{Type: "entry", Data: e})
}

// BroadcastReport pushes a chain verification report to all feed
// clients. Non-blocking.
func (s *Server) BroadcastReport(r *audit.ChainReport) {
	s.broadcast(feedMessage{Type: "verification", Data: r})
}

func (s *Server) broadcast(msg feedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal feed message", "error", err)
		return
	}
	s.wsHub.broadcast(data)
}

// --- REST handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHead returns the chain head for an organisation.
// GET /api/head?org=<id>
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	org, ok := requireOrg(w, r)
	if !ok {
		return
	}

	head, err := s.store.GetChainHead(r.Context(), org)
	if errors.Is(err, audit.ErrNotFound) {
		http.Error(w, "no chain for organisation", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("feed: loading chain head failed", "organisation", org, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

// handleEntries returns filtered entries, newest first.
// GET /api/entries?org=<id>&category=&outcome=&resource=&correlation=&limit=
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	org, ok := requireOrg(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.store.Query(r.Context(), org, store.QueryParams{
		Category:      q.Get("category"),
		Outcome:       q.Get("outcome"),
		Resource:      q.Get("resource"),
		CorrelationID: q.Get("correlation"),
		Limit:         limit,
	})
	if err != nil {
		slog.Error("feed: entry query failed", "organisation", org, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleVerify runs a full chain verification and returns the report.
// GET /api/verify?org=<id>
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	org, ok := requireOrg(w, r)
	if !ok {
		return
	}

	report, err := s.verifier.VerifyChain(r.Context(), org, audit.ListOptions{})
	if err != nil {
		slog.Error("feed: verification failed", "organisation", org, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.BroadcastReport(report)
	writeJSON(w, http.StatusOK, report)
}

// handleAppend appends a new entry.
// POST /api/append with an audit request JSON body.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req audit.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	receipt, err := s.appender.Append(r.Context(), req)
	if err != nil {
		var encErr *audit.EncodingError
		var contention *audit.ContentionError
		switch {
		case errors.As(err, &encErr):
			http.Error(w, encErr.Error(), http.StatusBadRequest)
		case errors.As(err, &contention):
			// The outcome is uncertain — the caller may retry later.
			http.Error(w, contention.Error(), http.StatusConflict)
		default:
			slog.Error("feed: append failed", "organisation", req.OrganisationID, "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func requireOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return "", false
	}
	org := r.URL.Query().Get("org")
	if org == "" {
		http.Error(w, "missing org parameter", http.StatusBadRequest)
		return "", false
	}
	return org, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("feed: writing response failed", "error", err)
	}
}
