package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raka/chatpool/pkg/driver"
	"github.com/raka/chatpool/pkg/pool"
)

// stubPool scripts the pool API for handler tests.
type stubPool struct {
	enqueueErr error
	result     pool.Result
	status     pool.PoolStatus

	lastPrompt string
	lastOpts   pool.EnqueueOptions
}

func (s *stubPool) Enqueue(prompt string, opts pool.EnqueueOptions) (<-chan pool.Result, error) {
	s.lastPrompt = prompt
	s.lastOpts = opts
	if s.enqueueErr != nil {
		return nil, s.enqueueErr
	}
	ch := make(chan pool.Result, 1)
	ch <- s.result
	close(ch)
	return ch, nil
}

func (s *stubPool) Status() pool.PoolStatus { return s.status }

func (s *stubPool) CreateSession(ctx context.Context) (string, error) { return "sess-1", nil }

func (s *stubPool) RotateSession(ctx context.Context, id string) error {
	if id == "missing" {
		return pool.ErrSessionNotFound
	}
	return nil
}

func newTestServer(t *testing.T, p SessionPool) *Server {
	t.Helper()
	srv, err := NewServer(Options{}, p, nil, zerolog.Nop())
	require.NoError(t, err)
	return srv
}

func postCompletion(t *testing.T, srv *Server, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.handleChatCompletions(rec, req)
	return rec
}

func TestChatCompletionSuccess(t *testing.T) {
	stub := &stubPool{result: pool.Result{
		Success:      true,
		Text:         "hello there",
		SessionID:    "sess-1",
		ResponseTime: 120 * time.Millisecond,
	}}
	srv := newTestServer(t, stub)

	rec := postCompletion(t, srv, ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		Priority: "high",
		Timeout:  30000,
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatCompletionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "chatpool", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)

	assert.Equal(t, "User: hi\n\nAssistant: ", stub.lastPrompt)
	assert.Equal(t, pool.PriorityHigh, stub.lastOpts.Priority)
	assert.Equal(t, 30*time.Second, stub.lastOpts.Timeout)
}

func TestChatCompletionEmptyMessages(t *testing.T) {
	srv := newTestServer(t, &stubPool{})

	rec := postCompletion(t, srv, ChatCompletionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"extraction timeout", pool.ErrExtractionTimeout, http.StatusRequestTimeout},
		{"queue full", pool.ErrQueueFull, http.StatusTooManyRequests},
		{"pool at capacity", pool.ErrPoolAtCapacity, http.StatusTooManyRequests},
		{"rate limited", driver.ErrRateLimited, http.StatusTooManyRequests},
		{"captcha", driver.ErrCaptchaBlocked, http.StatusTooManyRequests},
		{"login required", driver.ErrLoginRequired, http.StatusUnauthorized},
		{"session not found", pool.ErrSessionNotFound, http.StatusUnauthorized},
		{"injection failed", pool.ErrInjectionFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubPool{result: pool.Result{Success: false, Err: tt.err}}
			srv := newTestServer(t, stub)

			rec := postCompletion(t, srv, ChatCompletionRequest{
				Messages: []ChatMessage{{Role: "user", Content: "hi"}},
			})
			require.Equal(t, tt.want, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestChatCompletionEnqueueRejection(t *testing.T) {
	stub := &stubPool{enqueueErr: pool.ErrQueueFull}
	srv := newTestServer(t, stub)

	rec := postCompletion(t, srv, ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestChatCompletionMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &stubPool{})

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	srv.handleChatCompletions(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestModelsEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubPool{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.handleModels(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var list ModelList
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "chatpool", list.Data[0].ID)
}

func TestStatusEndpoint(t *testing.T) {
	stub := &stubPool{status: pool.PoolStatus{PoolSize: 2, MaxPoolSize: 3, QueueLength: 1}}
	srv := newTestServer(t, stub)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status pool.PoolStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, 2, status.PoolSize)
	assert.Equal(t, 1, status.QueueLength)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubPool{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestAdminCreateSession(t *testing.T) {
	srv := newTestServer(t, &stubPool{})

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions", nil)
	rec := httptest.NewRecorder()
	srv.handleAdminSessions(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "sess-1", body["sessionId"])
}

func TestAdminRotateSession(t *testing.T) {
	srv := newTestServer(t, &stubPool{})

	req := httptest.NewRequest(http.MethodDelete, "/admin/sessions/sess-1", nil)
	rec := httptest.NewRecorder()
	srv.handleAdminSession(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/admin/sessions/missing", nil)
	rec = httptest.NewRecorder()
	srv.handleAdminSession(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &stubPool{})

	handler := srv.withCORS(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run on preflight")
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStopBeforeStart(t *testing.T) {
	srv := newTestServer(t, &stubPool{})

	// A shutdown signal can land before Start ever ran.
	require.NoError(t, srv.Stop())
}

func TestRejectsDuringShutdown(t *testing.T) {
	srv := newTestServer(t, &stubPool{})
	srv.isShuttingDown = true

	handler := srv.withCORS(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run during shutdown")
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
