package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appCollab "github.com/multiedit/multiedit/internal/application/collab"
	appSession "github.com/multiedit/multiedit/internal/application/session"
	domainSession "github.com/multiedit/multiedit/internal/domain/session"
	"github.com/multiedit/multiedit/internal/health"
	"github.com/multiedit/multiedit/internal/metrics"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	sessionSvc *appSession.Service
	collabSvc  *appCollab.Service
	checker    *health.Checker
	metrics    *metrics.Metrics
	relay      http.Handler
	relayPath  string
	logger     zerolog.Logger
}

// Options are the optional parts of the HTTP surface.
type Options struct {
	Metrics   *metrics.Metrics
	Relay     http.Handler
	RelayPath string
}

func NewServer(
	sessionSvc *appSession.Service,
	collabSvc *appCollab.Service,
	checker *health.Checker,
	opts Options,
	logger zerolog.Logger,
) *Server {
	if opts.RelayPath == "" {
		opts.RelayPath = "/v1/relay"
	}
	return &Server{
		sessionSvc: sessionSvc,
		collabSvc:  collabSvc,
		checker:    checker,
		metrics:    opts.Metrics,
		relay:      opts.Relay,
		relayPath:  opts.RelayPath,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/health", s.health)
	r.Get("/health/live", s.liveness)

	// The relay upgrades to a long-lived websocket, so it stays outside the
	// request timeout.
	if s.relay != nil {
		r.Method(http.MethodGet, s.relayPath, s.relay)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/v1/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Get("/{sessionId}", s.getSession)
			r.Delete("/{sessionId}", s.closeSession)
			r.Post("/{sessionId}/join", s.joinSession)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePeer)
				r.Post("/{sessionId}/leave", s.leaveSession)
				r.Post("/{sessionId}/heartbeat", s.heartbeat)
				r.Get("/{sessionId}/document", s.getDocument)
				r.With(s.requireEditor).Post("/{sessionId}/document/ops", s.applyOp)
				r.Get("/{sessionId}/connection-request", s.connectionRequest)
			})
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondServiceError maps domain errors to HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domainSession.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domainSession.ErrExpired):
		respondError(w, http.StatusGone, "EXPIRED", err.Error())
	case errors.Is(err, domainSession.ErrCapacityExceeded):
		respondError(w, http.StatusServiceUnavailable, "CAPACITY_EXCEEDED", err.Error())
	case errors.Is(err, domainSession.ErrAlreadyJoined), errors.Is(err, domainSession.ErrVersionConflict):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, domainSession.ErrNotParticipant):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, domainSession.ErrInvalidPeer), errors.Is(err, domainSession.ErrInvalidRole):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
