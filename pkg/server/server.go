// Package server exposes the session pool over an OpenAI-compatible HTTP
// facade: chat completions, health, pool status, metrics, and administrative
// session management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/raka/chatpool/internal/metrics"
	"github.com/raka/chatpool/pkg/driver"
	"github.com/raka/chatpool/pkg/pool"
)

// SessionPool is the slice of the pool API the facade consumes.
type SessionPool interface {
	Enqueue(prompt string, opts pool.EnqueueOptions) (<-chan pool.Result, error)
	Status() pool.PoolStatus
	CreateSession(ctx context.Context) (string, error)
	RotateSession(ctx context.Context, id string) error
}

// Options configures the HTTP facade.
type Options struct {
	Host      string
	Port      int
	ModelName string
}

// Server is the HTTP facade over the session pool.
type Server struct {
	options Options
	pool    SessionPool
	metrics *metrics.Metrics
	logger  zerolog.Logger
	server  *http.Server

	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates the facade.
func NewServer(options Options, p SessionPool, m *metrics.Metrics, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8765
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.ModelName == "" {
		options.ModelName = "chatpool"
	}
	if p == nil {
		return nil, fmt.Errorf("session pool is required")
	}

	return &Server{
		options:   options,
		pool:      p,
		metrics:   m,
		logger:    logger.With().Str("component", "server").Logger(),
		startTime: time.Now(),
	}, nil
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", s.withCORS(s.handleChatCompletions))
	mux.HandleFunc("/v1/models", s.withCORS(s.handleModels))
	mux.HandleFunc("/health", s.withCORS(s.handleHealth))
	mux.HandleFunc("/api/health", s.withCORS(s.handleHealth))
	mux.HandleFunc("/status", s.withCORS(s.handleStatus))
	mux.HandleFunc("/admin/sessions", s.withCORS(s.handleAdminSessions))
	mux.HandleFunc("/admin/sessions/", s.withCORS(s.handleAdminSession))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: mux,
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop gracefully stops the server, waiting for in-flight requests.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	// A shutdown signal can arrive before Start ever ran.
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}

// withCORS handles preflight and decorates responses with the permissive CORS
// headers the browser extension clients rely on.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			s.writeError(w, http.StatusServiceUnavailable, "server is shutting down", "unavailable")
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		next(w, r)
	}
}

// handleChatCompletions serves POST /v1/chat/completions: the message list is
// flattened into one prompt, enqueued on the pool, and the completion result
// is wrapped in the OpenAI response shape.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request")
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "invalid_request")
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request")
		return
	}

	prompt := FlattenMessages(req.Messages)

	resultCh, err := s.pool.Enqueue(prompt, pool.EnqueueOptions{
		Priority: pool.ParsePriority(req.Priority),
		Timeout:  time.Duration(req.Timeout) * time.Millisecond,
	})
	if err != nil {
		status, kind := classifyError(err)
		s.writeError(w, status, err.Error(), kind)
		return
	}

	result := <-resultCh
	if !result.Success {
		status, kind := classifyError(result.Err)
		s.writeError(w, status, result.Err.Error(), kind)
		return
	}

	model := req.Model
	if model == "" {
		model = s.options.ModelName
	}

	promptTokens := EstimateTokens(prompt)
	completionTokens := EstimateTokens(result.Text)

	resp := ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: result.Text},
				FinishReason: "stop",
			},
		},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleModels serves GET /v1/models with the single advertised model.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request")
		return
	}

	s.writeJSON(w, http.StatusOK, ModelList{
		Object: "list",
		Data: []ModelInfo{
			{
				ID:      s.options.ModelName,
				Object:  "model",
				Created: s.startTime.Unix(),
				OwnedBy: "chatpool",
			},
		},
	})
}

// handleHealth serves the liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
		"service":   "chatpool",
	})
}

// handleStatus serves the aggregate pool view.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request")
		return
	}

	s.writeJSON(w, http.StatusOK, s.pool.Status())
}

// handleAdminSessions serves POST /admin/sessions: force-create a session.
func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request")
		return
	}

	id, err := s.pool.CreateSession(r.Context())
	if err != nil {
		status, kind := classifyError(err)
		s.writeError(w, status, err.Error(), kind)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

// handleAdminSession serves DELETE /admin/sessions/{id}: force-rotate.
func (s *Server) handleAdminSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "session id required", "invalid_request")
		return
	}

	if err := s.pool.RotateSession(r.Context(), id); err != nil {
		status, kind := classifyError(err)
		s.writeError(w, status, err.Error(), kind)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"rotated": id})
}

// classifyError maps pool and driver failures onto HTTP status codes:
// timeout 408, capacity and rate limiting 429, auth and unknown-session 401,
// everything else 500.
func classifyError(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, "internal_error"
	case errors.Is(err, pool.ErrExtractionTimeout):
		return http.StatusRequestTimeout, "timeout"
	case errors.Is(err, pool.ErrQueueFull), errors.Is(err, pool.ErrPoolAtCapacity):
		return http.StatusTooManyRequests, "capacity"
	case errors.Is(err, driver.ErrRateLimited), errors.Is(err, driver.ErrCaptchaBlocked):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, driver.ErrLoginRequired), errors.Is(err, pool.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, kind string) {
	s.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Message: message, Type: kind}})
}
