package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/agentworkforce/groupsync/internal/logging"
	"github.com/agentworkforce/groupsync/internal/membersync"
	"github.com/agentworkforce/groupsync/internal/queue"
)

const headerRequestID = "X-Request-ID"

// Syncer runs the on-demand syncs.
type Syncer interface {
	SyncUser(ctx context.Context, username string) (membersync.Result, error)
	SyncGroup(ctx context.Context, groupID string) (membersync.Result, error)
}

type Drainer interface {
	Drain(ctx context.Context) membersync.DrainStats
}

type ServerConfig struct {
	// UsernameHeader names the header the fronting proxy puts the
	// authenticated username in.
	UsernameHeader       string
	AllowedRedirectHosts []string
	InternalHMACSecret   string
	InternalMaxSkew      time.Duration
	RateLimitMax         int
	RateLimitWindow      time.Duration
	MaxBodyBytes         int64
}

type Deps struct {
	Syncer  Syncer
	Drainer Drainer
	// Queue receives change notifications posted to the internal route.
	// Queues that cannot publish make the route answer 501.
	Queue  queue.ChangeQueue
	Events *EventHub
	Logger *slog.Logger
}

type Server struct {
	deps    Deps
	cfg     ServerConfig
	logger  *slog.Logger
	limiter *rateLimiter
	replay  *replayGuard
	router  chi.Router
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if strings.TrimSpace(cfg.UsernameHeader) == "" {
		cfg.UsernameHeader = "x-username"
	}
	if cfg.InternalMaxSkew <= 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	hosts := make([]string, 0, len(cfg.AllowedRedirectHosts))
	for _, host := range cfg.AllowedRedirectHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			hosts = append(hosts, host)
		}
	}
	cfg.AllowedRedirectHosts = hosts
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if deps.Events == nil {
		deps.Events = NewEventHub(0)
	}
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		limiter: newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		replay:  newReplayGuard(cfg.InternalMaxSkew),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/v1/sync/user", s.handleSyncUserHeader)

	r.Group(func(r chi.Router) {
		r.Use(s.requireInternal)
		r.Post("/v1/sync/users/{username}", s.handleSyncUser)
		r.Post("/v1/sync/groups/drain", s.handleDrain)
		r.Post("/v1/sync/groups/{groupId}", s.handleSyncGroup)
		r.Post("/v1/internal/change-events", s.handleChangeEvent)
		r.Get("/v1/events", s.handleEvents)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", requestIDFrom(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", requestIDFrom(r.Context()))
	})
	return r
}

// handleSyncUserHeader serves the browser-facing sync. The fronting proxy
// authenticates the user and forwards the username in a header.
func (s *Server) handleSyncUserHeader(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	username := strings.TrimSpace(r.Header.Get(s.cfg.UsernameHeader))
	if username == "" {
		writeMessage(w, http.StatusBadRequest, "Bad Request. Please provide username in HTTP header with key "+s.cfg.UsernameHeader)
		return
	}
	location := ""
	host := strings.TrimSpace(r.Header.Get("X-Forwarded-Host"))
	redirectPath := r.URL.Query().Get("redirectPath")
	if host != "" && redirectPath != "" {
		if !s.redirectAllowed(host) {
			writeError(w, http.StatusForbidden, "forbidden", "redirect host is not allowed", requestID)
			return
		}
		if !strings.HasPrefix(redirectPath, "/") {
			redirectPath = "/" + redirectPath
		}
		location = "https://" + host + redirectPath
	}
	if !s.limiter.allow(strings.ToLower(username), time.Now().UTC()) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many sync requests", requestID)
		return
	}

	logger := s.requestLogger(r)
	if _, err := s.deps.Syncer.SyncUser(r.Context(), username); err != nil {
		logger.ErrorContext(r.Context(), "sync user failed", "user", username, "error", logging.SanitizeError(err))
		writeMessage(w, http.StatusUnprocessableEntity, "Unable to sync user.")
		return
	}
	if location != "" {
		http.Redirect(w, r, location, http.StatusFound)
		return
	}
	writeMessage(w, http.StatusOK, username+" was synchronized successfully")
}

func (s *Server) handleSyncUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	result, err := s.deps.Syncer.SyncUser(r.Context(), username)
	if err != nil {
		s.writeSyncError(w, r, "sync user failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"username": strings.TrimSpace(username), "result": result})
}

func (s *Server) handleSyncGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupId")
	result, err := s.deps.Syncer.SyncGroup(r.Context(), groupID)
	if err != nil {
		s.writeSyncError(w, r, "sync group failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groupId": strings.TrimSpace(groupID), "result": result})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drainer == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "no change queue consumer configured", requestIDFrom(r.Context()))
		return
	}
	stats := s.deps.Drainer.Drain(r.Context())
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleChangeEvent(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())
	publisher, ok := s.deps.Queue.(queue.Publisher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_implemented", "change queue does not accept published events", requestID)
		return
	}
	body, ok := s.readRequestBody(w, r, requestID)
	if !ok {
		return
	}
	env, err := membersync.InspectNotification(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), requestID)
		return
	}
	id, err := publisher.Publish(r.Context(), string(body))
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), requestID)
		default:
			s.requestLogger(r).ErrorContext(r.Context(), "publish change event failed", "error", logging.SanitizeError(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to queue change event", requestID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":      id,
		"action":  env.Action,
		"groupId": env.GroupID,
	})
}

func (s *Server) writeSyncError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	requestID := requestIDFrom(r.Context())
	detail := logging.SanitizeError(err)
	switch {
	case errors.Is(err, membersync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", detail, requestID)
	case errors.Is(err, membersync.ErrUnknownUser):
		writeError(w, http.StatusUnprocessableEntity, "unknown_user", detail, requestID)
	case errors.Is(err, membersync.ErrIgnoredGroup):
		writeError(w, http.StatusConflict, "ignored_group", detail, requestID)
	case errors.Is(err, membersync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", detail, requestID)
	default:
		s.requestLogger(r).ErrorContext(r.Context(), msg, "error", detail)
		writeError(w, http.StatusBadGateway, "sync_failed", "sync failed; see service logs", requestID)
	}
}

func (s *Server) redirectAllowed(host string) bool {
	if len(s.cfg.AllowedRedirectHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range s.cfg.AllowedRedirectHosts {
		if host == allowed {
			return true
		}
	}
	return false
}

// requireInternal authenticates service-to-service calls with the shared
// HMAC secret. The body is restored for the handler after verification.
func (s *Server) requireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFrom(r.Context())
		if s.cfg.InternalHMACSecret == "" {
			writeError(w, http.StatusServiceUnavailable, "internal_disabled", "internal routes are disabled", requestID)
			return
		}
		body, ok := s.readRequestBody(w, r, requestID)
		if !ok {
			return
		}
		now := time.Now().UTC()
		timestamp := r.Header.Get(headerTimestamp)
		signature := r.Header.Get(headerSignature)
		if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, r.Method, r.URL.Path, body, now, s.cfg.InternalMaxSkew); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, requestID)
			return
		}
		if !s.replay.mark(timestamp, signature, now) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", requestID)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	return logging.WithRequestID(s.logger, requestIDFrom(r.Context()))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.requestLogger(r).InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, requestID string) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", requestID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", requestID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, map[string]any{
		"code":      code,
		"message":   message,
		"requestId": requestID,
	})
}
