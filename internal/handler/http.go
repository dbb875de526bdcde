package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcade-points/internal/auth"
	"github.com/arcade-points/internal/domain"
	"github.com/arcade-points/internal/service"
	"github.com/arcade-points/internal/websocket"
)

// Checker is a dependency pinged by the readiness endpoint
type Checker interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the points API
type Handler struct {
	scoring      *service.ScoringService
	verification *service.VerificationService
	hub          *websocket.Hub
	verifier     *auth.Verifier
	checks       map[string]Checker
	metricsPath  string
	logger       *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	scoring *service.ScoringService,
	verification *service.VerificationService,
	hub *websocket.Hub,
	verifier *auth.Verifier,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		scoring:      scoring,
		verification: verification,
		hub:          hub,
		verifier:     verifier,
		checks:       make(map[string]Checker),
		logger:       logger,
	}
}

// AddReadinessCheck registers a dependency for /ready
func (h *Handler) AddReadinessCheck(name string, c Checker) {
	h.checks[name] = c
}

// ExposeMetrics serves the default Prometheus registry at path
func (h *Handler) ExposeMetrics(path string) {
	h.metricsPath = path
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	if h.metricsPath != "" {
		r.Handle(h.metricsPath, promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.verifier, h.logger))

		// WebSocket endpoint
		if h.hub != nil {
			r.Get("/ws", h.HandleWebSocket)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.Compress(5))

			r.Post("/scores", h.RecordPlayResult)
			r.Get("/scores/me", h.GetAggregate)
			r.Get("/progress/{gameID}", h.GetProgress)
			r.Get("/history", h.GetHistory)
			r.Get("/referrals/{code}", h.LookupReferral)

			r.Get("/me", h.CurrentUser)
			r.Post("/email/verification/send", h.SendVerificationCode)
			r.Post("/email/verification/verify", h.VerifyCode)

			r.Get("/leaderboard/top", h.GetTop)
			r.Get("/leaderboard/me", h.GetPlayerRank)
		})
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// statusBySentinel maps domain errors to HTTP statuses, first match wins
var statusBySentinel = []struct {
	err    error
	status int
}{
	{domain.ErrUnauthenticated, http.StatusUnauthorized},
	{domain.ErrInvalidRequest, http.StatusBadRequest},
	{domain.ErrInvalidGameID, http.StatusBadRequest},
	{domain.ErrInvalidLevel, http.StatusBadRequest},
	{domain.ErrInvalidDifficulty, http.StatusBadRequest},
	{domain.ErrInvalidCode, http.StatusBadRequest},
	{domain.ErrNoEmail, http.StatusBadRequest},
	{domain.ErrNoActiveCode, http.StatusBadRequest},
	{domain.ErrCodeExpired, http.StatusBadRequest},
	{domain.ErrTooManyAttempts, http.StatusBadRequest},
	{domain.ErrReferralNotFound, http.StatusNotFound},
	{domain.ErrPlayerNotFound, http.StatusNotFound},
	{domain.ErrNotFound, http.StatusNotFound},
	{domain.ErrLeaderboardDown, http.StatusServiceUnavailable},
	{domain.ErrDependencyFailure, http.StatusBadGateway},
}

// writeServiceError translates a service error into a response. Messages of
// known errors are shown to the user; anything else is logged and hidden.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var cooldown *domain.CooldownError
	if errors.As(err, &cooldown) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(cooldown.Wait.Seconds()))))
		h.writeError(w, http.StatusTooManyRequests, cooldown)
		return
	}
	var wrong *domain.WrongCodeError
	if errors.As(err, &wrong) {
		h.writeError(w, http.StatusBadRequest, wrong)
		return
	}

	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			if s.status >= http.StatusInternalServerError {
				h.logger.Warn(op+" failed", "error", err)
			}
			h.writeError(w, s.status, s.err)
			return
		}
	}

	h.logger.Error(op+" failed", "error", err)
	h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck pings every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	ready := true
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = "unavailable"
			ready = false
			continue
		}
		status[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{Success: false, Data: status, Error: "not ready"})
		return
	}
	status["status"] = "ready"
	h.writeSuccess(w, status)
}

// playResultRequest is the body of POST /scores
type playResultRequest struct {
	GameID         string `json:"game_id"`
	Level          int    `json:"level"`
	Difficulty     string `json:"difficulty"`
	Won            bool   `json:"won"`
	PointsOverride *int64 `json:"points_override,omitempty"`
}

// RecordPlayResult handles a finished round reported by a game
func (h *Handler) RecordPlayResult(w http.ResponseWriter, r *http.Request) {
	var req playResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	difficulty, err := domain.ParseDifficulty(req.Difficulty)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := h.scoring.RecordPlayResult(r.Context(), auth.CallerFromContext(r.Context()), domain.PlayResult{
		GameID:         req.GameID,
		Level:          req.Level,
		Difficulty:     difficulty,
		Won:            req.Won,
		PointsOverride: req.PointsOverride,
	})
	if err != nil {
		h.writeServiceError(w, "record play result", err)
		return
	}

	h.writeSuccess(w, outcome)
}

// GetAggregate returns the caller's points and counters
func (h *Handler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	score, err := h.scoring.GetAggregate(r.Context(), auth.CallerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, "get aggregate", err)
		return
	}
	h.writeSuccess(w, score)
}

// GetProgress returns the caller's progress in one game
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.scoring.GetProgress(r.Context(), auth.CallerFromContext(r.Context()), chi.URLParam(r, "gameID"))
	if err != nil {
		h.writeServiceError(w, "get progress", err)
		return
	}
	h.writeSuccess(w, progress)
}

// GetHistory returns the caller's recent rewards
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.scoring.GetHistory(r.Context(), auth.CallerFromContext(r.Context()), queryInt(r, "limit"))
	if err != nil {
		h.writeServiceError(w, "get history", err)
		return
	}
	h.writeSuccess(w, entries)
}

// LookupReferral resolves a referral code
func (h *Handler) LookupReferral(w http.ResponseWriter, r *http.Request) {
	owner, err := h.scoring.LookupReferral(r.Context(), auth.CallerFromContext(r.Context()), chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, "lookup referral", err)
		return
	}
	h.writeSuccess(w, owner)
}

// CurrentUser returns the caller's account
func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.verification.CurrentUser(r.Context(), auth.CallerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, "current user", err)
		return
	}
	h.writeSuccess(w, user)
}

// SendVerificationCode mails a fresh code to the caller
func (h *Handler) SendVerificationCode(w http.ResponseWriter, r *http.Request) {
	if err := h.verification.SendCode(r.Context(), auth.CallerFromContext(r.Context())); err != nil {
		h.writeServiceError(w, "send verification code", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "sent"})
}

type verifyCodeRequest struct {
	Code string `json:"code"`
}

// VerifyCode checks a submitted code
func (h *Handler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.verification.VerifyCode(r.Context(), auth.CallerFromContext(r.Context()), req.Code); err != nil {
		h.writeServiceError(w, "verify code", err)
		return
	}
	h.writeSuccess(w, map[string]bool{"verified": true})
}

// GetTop returns the top players by total points
func (h *Handler) GetTop(w http.ResponseWriter, r *http.Request) {
	update, err := h.scoring.TopPlayers(r.Context(), queryInt(r, "limit"))
	if err != nil {
		h.writeServiceError(w, "get top", err)
		return
	}
	h.writeSuccess(w, update)
}

// GetPlayerRank returns the caller's rank
func (h *Handler) GetPlayerRank(w http.ResponseWriter, r *http.Request) {
	entry, err := h.scoring.PlayerRank(r.Context(), auth.CallerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, "get player rank", err)
		return
	}
	h.writeSuccess(w, entry)
}

// queryInt returns 0 when the parameter is missing or malformed, which the
// services treat as "use the default"
func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}
