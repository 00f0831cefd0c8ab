package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.io/infrasutra/listingrelay/internal/metrics"
	"github.io/infrasutra/listingrelay/internal/pagination"
	"github.io/infrasutra/listingrelay/internal/pipeline"
	"github.io/infrasutra/listingrelay/internal/sse"
	"github.io/infrasutra/listingrelay/internal/store"
)

const streamPing = 20 * time.Second

// Runner starts manual runs and clears mailboxes.
type Runner interface {
	RunAccount(ctx context.Context, accountID string, mode pipeline.Mode) (*pipeline.RunSummary, error)
	ClearMailbox(ctx context.Context, accountID string) (int64, error)
}

type History interface {
	List(ctx context.Context, accountID string, opts store.ListOptions) ([]store.LedgerEntry, int32, error)
	Stats(ctx context.Context, accountID string, now time.Time) (store.LedgerStats, error)
}

type Accounts interface {
	LoadAccount(ctx context.Context, id string) (store.Account, error)
}

// Checker is a named readiness probe.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Runner   Runner
	History  History
	Accounts Accounts
	Hub      *sse.Hub
	Checks   []Checker
	// Token guards /api. Empty leaves it open.
	Token string
}

type Server struct {
	deps   Deps
	logger *zap.Logger
	router chi.Router
	now    func() time.Time
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger, now: time.Now}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metrics.HTTPMiddleware)
	r.Use(s.requestLog)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/accounts/{id}", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(s.requireAccount)
		r.Get("/postings", s.handlePostings)
		r.Get("/stats", s.handleStats)
		r.Post("/run", s.handleRun)
		r.Delete("/mailbox", s.handleClearMailbox)
		r.Get("/stream", s.handleStream)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.Token)) != 1 {
				s.respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := s.deps.Accounts.LoadAccount(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "account not found")
			return
		}
		if err != nil {
			s.logger.Error("load account", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "unable to load account")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePostings(w http.ResponseWriter, r *http.Request) {
	params := pagination.FromQuery(r.URL.Query())
	entries, total, err := s.deps.History.List(r.Context(), chi.URLParam(r, "id"), params.ListOptions())
	if err != nil {
		s.logger.Error("list postings", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "unable to list postings")
		return
	}
	items := make([]posting, 0, len(entries))
	for _, e := range entries {
		items = append(items, toPosting(e))
	}
	s.respondJSON(w, http.StatusOK, postingsResponse{Items: items, Meta: params.Meta(total)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.History.Stats(r.Context(), chi.URLParam(r, "id"), s.now())
	if err != nil {
		s.logger.Error("posting stats", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "unable to compute stats")
		return
	}
	s.respondJSON(w, http.StatusOK, statsResponse{
		Total:     stats.Total,
		Published: stats.Published,
		Failed:    stats.Failed,
		LastWeek:  stats.LastWeek,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Runner.RunAccount(r.Context(), chi.URLParam(r, "id"), pipeline.ModeManual)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil && summary == nil:
		s.logger.Error("manual run", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "run failed")
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleClearMailbox(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Runner.ClearMailbox(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, pipeline.ErrRunInProgress) {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("clear mailbox", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "unable to clear mailbox")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.deps.Hub.Subscribe(chi.URLParam(r, "id"))
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(streamPing)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: posting\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.deps.Checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			s.respondText(w, http.StatusServiceUnavailable, c.Name+" unavailable")
			return
		}
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

type posting struct {
	ID          int64   `json:"id"`
	MessageID   string  `json:"messageId"`
	Subject     string  `json:"subject"`
	Title       string  `json:"title"`
	SourceURL   string  `json:"sourceUrl,omitempty"`
	RawPrice    *int    `json:"rawPrice"`
	FinalPrice  *int    `json:"finalPrice"`
	Published   bool    `json:"published"`
	PublishedAt *string `json:"publishedAt,omitempty"`
	Error       string  `json:"error,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

type postingsResponse struct {
	Items []posting       `json:"items"`
	Meta  pagination.Meta `json:"meta"`
}

type statsResponse struct {
	Total     int64 `json:"total"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	LastWeek  int64 `json:"lastWeek"`
}

func toPosting(e store.LedgerEntry) posting {
	p := posting{
		ID:         e.ID,
		MessageID:  e.MessageID,
		Subject:    e.Subject,
		Title:      e.Title,
		SourceURL:  e.SourceURL,
		RawPrice:   e.RawPrice,
		FinalPrice: e.FinalPrice,
		Published:  e.Published,
		Error:      e.Error,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.PublishedAt != nil {
		at := e.PublishedAt.UTC().Format(time.RFC3339)
		p.PublishedAt = &at
	}
	return p
}
