package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-arndt/voicepool/internal/config"
)

type Server struct {
	cfg     *config.Config
	manager SessionService
	pool    PoolStats
	history HistoryLister
	events  EventReader
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(cfg *config.Config, mgr SessionService, pool PoolStats, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		pool:    pool,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// SetHistory enables GET /history.
func (s *Server) SetHistory(h HistoryLister) { s.history = h }

// SetEvents enables GET /events.
func (s *Server) SetEvents(e EventReader) { s.events = e }

func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.authMiddleware(s.requestIDMiddleware(s.mux)))
}

func (s *Server) routes() {
	// Session routes
	s.mux.HandleFunc("POST /connect", s.handleConnect)
	s.mux.HandleFunc("GET /status/{id}", s.handleStatus)
	s.mux.HandleFunc("POST /disconnect/{id}", s.handleDisconnect)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /wake/{id}", s.handleWake)
	s.mux.HandleFunc("POST /sleep/{id}", s.handleSleep)

	// Worker callback
	s.mux.HandleFunc("POST /report/{id}", s.handleReport)

	// Operator routes
	s.mux.HandleFunc("GET /pool", s.handlePool)
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /events", s.handleEvents)

	// Health check (no auth)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.cfg.Metrics.Enabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
}
