// Package api exposes the REST surface: price history, market
// outcomes, market lookups, and the identity exchange. The trading
// path itself lives on the WebSocket gateway.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/minutex/exchange-engine/internal/auth"
	"github.com/minutex/exchange-engine/internal/lifecycle"
	"github.com/minutex/exchange-engine/internal/metrics"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/store"
)

const (
	maxHistoryLimit  = 500
	maxOutcomesLimit = 50

	// New accounts start with play-money balance.
	startingBalanceCents = 1000_00
)

// Server bundles the HTTP handlers and their dependencies.
type Server struct {
	store     store.Store
	lifecycle *lifecycle.Controller
	verifier  *auth.Verifier
	staticDir string
	wsHandler http.HandlerFunc
}

// NewServer creates the HTTP server surface.
func NewServer(st store.Store, lc *lifecycle.Controller, verifier *auth.Verifier, staticDir string, wsHandler http.HandlerFunc) *Server {
	return &Server{
		store:     st,
		lifecycle: lc,
		verifier:  verifier,
		staticDir: staticDir,
		wsHandler: wsHandler,
	}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router(corsOrigin string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	if s.wsHandler != nil {
		r.Get("/ws", s.wsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/history", s.getHistory)
		r.Get("/outcomes", s.getOutcomes)
		r.Get("/markets", s.getMarkets)
		r.Get("/market/{slug}", s.getMarket)
		r.Post("/auth/telegram", s.postAuthTelegram)
	})

	if s.staticDir != "" {
		s.mountStatic(r)
	}
	return r
}

func (s *Server) mountStatic(r chi.Router) {
	fs := http.FileServer(http.Dir(s.staticDir))
	index := filepath.Join(s.staticDir, "index.html")

	r.Get("/market/{slug}", func(w http.ResponseWriter, req *http.Request) {
		// SPA route: the chart UI resolves the slug client-side.
		http.ServeFile(w, req, index)
	})
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		path := filepath.Join(s.staticDir, filepath.Clean(req.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, req)
			return
		}
		http.ServeFile(w, req, index)
	})
}

func limitParam(req *http.Request, def, max int) int {
	raw := req.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

type historyRow struct {
	Price     float64 `json:"price"`
	Sources   int     `json:"sources"`
	Timestamp int64   `json:"timestamp"`
}

func (s *Server) getHistory(w http.ResponseWriter, req *http.Request) {
	limit := limitParam(req, 100, maxHistoryLimit)
	ticks, err := s.store.PriceHistory(req.Context(), limit)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	rows := make([]historyRow, len(ticks))
	for i, t := range ticks {
		rows[i] = historyRow{Price: t.Price, Sources: t.Sources, Timestamp: t.Timestamp}
	}
	writeJSON(w, rows)
}

func (s *Server) getOutcomes(w http.ResponseWriter, req *http.Request) {
	limit := limitParam(req, 20, maxOutcomesLimit)
	markets, err := s.store.RecentOutcomes(req.Context(), limit)
	if err != nil {
		writeError(w, "failed to load outcomes", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, markets)
}

func (s *Server) getMarkets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.lifecycle.Markets())
}

func (s *Server) getMarket(w http.ResponseWriter, req *http.Request) {
	slugParam := chi.URLParam(req, "slug")
	m, err := s.lifecycle.MarketBySlug(req.Context(), slugParam)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, m)
}

// postAuthTelegram verifies an identity claim and mints the session
// token the WebSocket auth message presents.
func (s *Server) postAuthTelegram(w http.ResponseWriter, req *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(req.Body).Decode(&raw); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			// Telegram sends id and auth_date as JSON numbers.
			fields[k] = strconv.FormatInt(int64(val), 10)
		default:
			fields[k] = fmt.Sprintf("%v", val)
		}
	}

	userID, authDate, err := s.verifier.VerifyClaim(fields)
	if err != nil {
		writeError(w, "identity verification failed", http.StatusUnauthorized)
		return
	}

	u := &model.User{
		ID:        userID,
		Username:  fields["username"],
		FirstName: fields["first_name"],
		PhotoURL:  fields["photo_url"],
		Balance:   startingBalanceCents,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertUser(req.Context(), u); err != nil {
		slog.Error("user upsert failed", "user", userID, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"user": map[string]string{
			"id":        u.ID,
			"username":  u.Username,
			"firstName": u.FirstName,
			"photoURL":  u.PhotoURL,
			"balance":   model.Dollars(u.Balance),
		},
		"token":    s.verifier.SessionToken(userID, authDate),
		"authDate": strconv.FormatInt(authDate, 10),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
