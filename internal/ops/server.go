// Package ops exposes the local control surface over HTTP: status
// inspection, the manual kill switch, and emergency flatten. It is a
// control plane, not a dashboard; every response is JSON.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rvgupta/volsentry/internal/store"
)

// Status is the engine snapshot served on /api/status.
type Status struct {
	Mode         string             `json:"mode"`
	Halted       bool               `json:"halted"`
	HaltReason   string             `json:"halt_reason,omitempty"`
	TradesToday  int                `json:"trades_today"`
	LiveTrades   int                `json:"live_trades"`
	DailyPnL     float64            `json:"daily_pnl"`
	Buckets      map[string]Bucket  `json:"buckets"`
	KillSwitch   bool               `json:"kill_switch"`
	KillOrigin   string             `json:"kill_origin,omitempty"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// Bucket is one capital bucket's usage in the status payload.
type Bucket struct {
	Limit     float64 `json:"limit"`
	Used      float64 `json:"used"`
	Available float64 `json:"available"`
}

// Controller is the engine surface the ops server drives.
type Controller interface {
	Status() Status
	EmergencyFlatten(ctx context.Context) error
}

// Server is the control HTTP server.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	controller Controller
	st         *store.Store
	logger     *logrus.Logger
	addr       string
	authToken  string
}

// Config configures the ops server.
type Config struct {
	ListenAddr string
	AuthToken  string
}

func NewServer(cfg Config, controller Controller, st *store.Store, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:     chi.NewRouter(),
		controller: controller,
		st:         st,
		logger:     logger,
		addr:       cfg.ListenAddr,
		authToken:  cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Post("/api/kill-switch", s.handleKillSwitch)
	s.router.Post("/api/flatten", s.handleFlatten)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Auth-Token") != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("ops server listening on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.controller.Status()
	status.GeneratedAt = time.Now()

	tripped, origin, err := s.st.KillSwitch()
	if err != nil {
		s.logger.WithError(err).Error("reading kill switch")
	} else {
		status.KillSwitch = tripped
		status.KillOrigin = origin
	}
	s.writeJSON(w, status)
}

type killSwitchRequest struct {
	Action string `json:"action"` // trip | reset
}

// handleKillSwitch flips the manual kill switch. The watchdog consumes
// the flag on its next cycle; this handler never places orders itself.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "trip":
		if err := s.st.TripKillSwitch("manual"); err != nil {
			s.logger.WithError(err).Error("tripping kill switch")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		s.logger.Warn("manual kill switch tripped via ops API")
	case "reset":
		if err := s.st.ResetKillSwitch(); err != nil {
			s.logger.WithError(err).Error("resetting kill switch")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		s.logger.Warn("kill switch reset via ops API")
	default:
		http.Error(w, "action must be 'trip' or 'reset'", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"result": "ok", "action": req.Action})
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("emergency flatten requested via ops API")
	if err := s.controller.EmergencyFlatten(r.Context()); err != nil {
		s.logger.WithError(err).Error("emergency flatten failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"result": "flattened"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response")
	}
}
