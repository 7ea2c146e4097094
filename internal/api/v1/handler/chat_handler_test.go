package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"app/internal/middleware"
	"app/internal/model"
	"app/internal/service"
	"app/internal/stream"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type fakeChatService struct {
	chatResult *service.ChatResult
	chatErr    *service.ChatError
	session    *service.StreamSession
	startErr   *service.ChatError

	lastChatReq         service.ChatRequest
	finalized           bool
	finalizeContent     string
	finalizeInterrupted bool
}

func (f *fakeChatService) Chat(ctx context.Context, req service.ChatRequest) (*service.ChatResult, *service.ChatError) {
	f.lastChatReq = req
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return f.chatResult, nil
}

func (f *fakeChatService) StartStream(ctx context.Context, req service.ChatRequest) (*service.StreamSession, *service.ChatError) {
	f.lastChatReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.session, nil
}

func (f *fakeChatService) FinalizeStream(ctx context.Context, session *service.StreamSession, content string, interrupted bool) *service.ChatResult {
	f.finalized = true
	f.finalizeContent = content
	f.finalizeInterrupted = interrupted
	return &service.ChatResult{
		Response:       content,
		ConversationID: session.Conversation.ID,
		CreditsUsed:    1,
	}
}

func withUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.UserContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

func newChatTestMux(svc service.ChatService, streamer *stream.Streamer, authMw func(http.Handler) http.Handler) *http.ServeMux {
	if streamer == nil {
		streamer = stream.NewStreamer(stream.Config{}, zerolog.Nop())
	}
	h := NewChatHandler(svc, streamer, validator.New(validator.WithRequiredStructEnabled()), zerolog.Nop())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, authMw)
	return mux
}

func postChat(t *testing.T, mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestChatHandlerBufferedSuccess(t *testing.T) {
	sqlQuery := "SELECT 1"
	svc := &fakeChatService{chatResult: &service.ChatResult{
		Response:         "Voici vos ventes",
		SQLQuery:         &sqlQuery,
		ConversationID:   "conv-1",
		CreditsUsed:      3,
		RemainingCredits: 7,
	}}
	mux := newChatTestMux(svc, nil, withUser("u1"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"Bonjour"}],"pharmacy_id":"PS-001"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["response"] != "Voici vos ventes" {
		t.Errorf("unexpected response field: %v", resp["response"])
	}
	if resp["conversationId"] != "conv-1" {
		t.Errorf("unexpected conversationId: %v", resp["conversationId"])
	}
	if resp["creditsUsed"] != float64(3) || resp["remainingCredits"] != float64(7) {
		t.Errorf("unexpected credit fields: %v / %v", resp["creditsUsed"], resp["remainingCredits"])
	}
	if svc.lastChatReq.UserID != "u1" || svc.lastChatReq.PharmacyID != "PS-001" {
		t.Errorf("service received wrong identity: %+v", svc.lastChatReq)
	}
}

func TestChatHandlerLegacyShape(t *testing.T) {
	svc := &fakeChatService{chatResult: &service.ChatResult{Response: "ok", ConversationID: "conv-1"}}
	mux := newChatTestMux(svc, nil, withUser("u1"))

	rec := postChat(t, mux, `{"query":"Bonjour","userId":"u1","codePs":"PS-001"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(svc.lastChatReq.Messages) != 1 || svc.lastChatReq.Messages[0].Content != "Bonjour" {
		t.Errorf("legacy query not folded into messages: %+v", svc.lastChatReq.Messages)
	}
	if svc.lastChatReq.PharmacyID != "PS-001" {
		t.Errorf("legacy codePs not folded: %q", svc.lastChatReq.PharmacyID)
	}
}

func TestChatHandlerUnauthorized(t *testing.T) {
	svc := &fakeChatService{}
	mux := newChatTestMux(svc, nil, passthrough)

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"Bonjour"}]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestChatHandlerUserMismatch(t *testing.T) {
	svc := &fakeChatService{}
	mux := newChatTestMux(svc, nil, withUser("u1"))

	rec := postChat(t, mux, `{"query":"Bonjour","userId":"someone-else","codePs":"PS-001"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatHandlerMethodNotAllowed(t *testing.T) {
	mux := newChatTestMux(&fakeChatService{}, nil, withUser("u1"))
	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestChatHandlerInvalidJSON(t *testing.T) {
	mux := newChatTestMux(&fakeChatService{}, nil, withUser("u1"))
	rec := postChat(t, mux, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChatHandlerCreditsDenied(t *testing.T) {
	svc := &fakeChatService{chatErr: &service.ChatError{
		Kind:   service.CodeCreditsExhausted,
		Status: http.StatusPaymentRequired,
		Credits: &service.CreditsError{
			Code:       service.CodeInsufficientCredits,
			Message:    "Crédits insuffisants pour cette opération.",
			Required:   3,
			Available:  1,
			Suggestion: "Veuillez recharger votre compte.",
		},
	}}
	mux := newChatTestMux(svc, nil, withUser("u1"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"Bonjour"}],"pharmacy_id":"PS-001"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["type"] != "CREDITS_ERROR" {
		t.Errorf("expected CREDITS_ERROR type, got %v", resp["type"])
	}
	if resp["code"] != "INSUFFICIENT_CREDITS" {
		t.Errorf("unexpected code: %v", resp["code"])
	}
	if resp["required"] != float64(3) || resp["available"] != float64(1) {
		t.Errorf("unexpected amounts: %v / %v", resp["required"], resp["available"])
	}
}

func TestChatHandlerAgentFailureShape(t *testing.T) {
	svc := &fakeChatService{chatErr: &service.ChatError{
		Kind:    service.CodeAgentError,
		Status:  http.StatusInternalServerError,
		Message: "Failed to connect to the agent service",
		Body:    `{"detail":"model overloaded","api_key":"sk-live123"}`,
	}}
	mux := newChatTestMux(svc, nil, withUser("u1"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"Bonjour"}],"pharmacy_id":"PS-001"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Failed to connect to the agent service") {
		t.Errorf("expected the documented failure message, got %s", rec.Body.String())
	}
	// The raw upstream body never reaches the client on the buffered path.
	if strings.Contains(rec.Body.String(), "model overloaded") || strings.Contains(rec.Body.String(), "sk-live123") {
		t.Errorf("upstream body must not be echoed: %s", rec.Body.String())
	}
}

func streamSession(dial func(ctx context.Context) (io.ReadCloser, error)) *service.StreamSession {
	return &service.StreamSession{
		Conversation:  &model.Conversation{ID: "conv-1"},
		Authorization: &service.StreamingAuthorization{ID: "auth-1", EstimatedCredits: 1},
		Dial:          dial,
	}
}

func TestChatHandlerStreaming(t *testing.T) {
	sse := "data: {\"content\":\"Bon\"}\n\ndata: {\"content\":\"jour\",\"done\":true}\n\n"
	svc := &fakeChatService{session: streamSession(func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(sse)), nil
	})}
	mux := newChatTestMux(svc, nil, withUser("u1"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"Bonjour"}],"pharmacy_id":"PS-001","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", ct)
	}
	if got := rec.Header().Get("X-Conversation-Id"); got != "conv-1" {
		t.Errorf("conversation id header missing, got %q", got)
	}
	if rec.Body.String() != sse {
		t.Errorf("relayed body differs from upstream: %q", rec.Body.String())
	}
	if !svc.finalized {
		t.Fatal("finalize must run after the relay")
	}
	if svc.finalizeContent != "Bonjour" {
		t.Errorf("assistant content not re-assembled, got %q", svc.finalizeContent)
	}
	if svc.finalizeInterrupted {
		t.Error("clean stream must not be marked interrupted")
	}
}

func TestChatHandlerStreamingAgentError(t *testing.T) {
	svc := &fakeChatService{session: streamSession(func(ctx context.Context) (io.ReadCloser, error) {
		return nil, &service.AgentError{StatusCode: 500, Body: `boom: gateway rejected token=sk-live123`}
	})}
	mux := newChatTestMux(svc, nil, withUser("u1"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"Bonjour"}],"pharmacy_id":"PS-001","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("SSE errors are delivered in-band over 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AGENT_ERROR") {
		t.Errorf("expected an SSE error event, got %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("upstream detail must be forwarded, got %q", rec.Body.String())
	}
	// Credential-looking substrings are scrubbed before the event ships.
	if strings.Contains(rec.Body.String(), "sk-live123") {
		t.Errorf("secrets must not reach the client: %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "[REDACTED]") {
		t.Errorf("expected a redaction marker, got %q", rec.Body.String())
	}
	if svc.finalized {
		t.Error("nothing was generated, settlement must be skipped")
	}
}

func TestChatHandlerStreamingPoolFull(t *testing.T) {
	streamer := stream.NewStreamer(stream.Config{MaxConnections: 1}, zerolog.Nop())
	blocker, err := streamer.Open(context.Background(), func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("")), nil
	})
	if err != nil {
		t.Fatalf("occupying the only slot failed: %v", err)
	}
	defer blocker.Close()

	svc := &fakeChatService{session: streamSession(func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("")), nil
	})}
	mux := newChatTestMux(svc, streamer, withUser("u1"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"Bonjour"}],"pharmacy_id":"PS-001","stream":true}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the pool is full, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "STREAM_INTERRUPTED") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	if svc.finalized {
		t.Error("settlement must be skipped when no relay opened")
	}
}

func TestChatHandlerStreamingUnavailable(t *testing.T) {
	svc := &fakeChatService{session: streamSession(func(ctx context.Context) (io.ReadCloser, error) {
		return nil, service.ErrAgentUnavailable
	})}
	mux := newChatTestMux(svc, nil, withUser("u1"))

	rec := postChat(t, mux, `{"messages":[{"role":"user","content":"Bonjour"}],"pharmacy_id":"PS-001","stream":true}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "AGENT_UNAVAILABLE") {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Failed to connect to the agent service") {
		t.Errorf("expected the documented failure message, got %s", rec.Body.String())
	}
}
