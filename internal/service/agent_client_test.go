package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func testAgentRequest() AgentRequest {
	return AgentRequest{
		Messages:          []AgentMessage{{Role: "user", Content: "Bonjour"}},
		DBID:              "db-1",
		LiteLLMVirtualKey: "vk-1",
		AgentCommJWT:      "tok",
		Model:             "gpt-4o-mini",
		Temperature:       0.2,
		MaxTokens:         4096,
	}
}

func TestAgentClientChat(t *testing.T) {
	var received AgentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chifa" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(AgentResponse{Response: "Salut"})
	}))
	defer server.Close()

	client := NewAgentClient(server.URL, "secret", 5*time.Second, zerolog.Nop())
	resp, err := client.Chat(context.Background(), testAgentRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Response != "Salut" {
		t.Errorf("unexpected response: %q", resp.Response)
	}
	if received.Stream {
		t.Error("buffered chat must not request streaming")
	}
	if received.DBID != "db-1" || received.LiteLLMVirtualKey != "vk-1" {
		t.Errorf("credentials not forwarded: %+v", received)
	}
}

func TestAgentClientChatUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"bad payload"}`))
	}))
	defer server.Close()

	client := NewAgentClient(server.URL, "secret", 5*time.Second, zerolog.Nop())
	_, err := client.Chat(context.Background(), testAgentRequest())

	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected AgentError, got %v", err)
	}
	if agentErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422, got %d", agentErr.StatusCode)
	}
	if agentErr.Body != `{"detail":"bad payload"}` {
		t.Errorf("upstream body not preserved: %q", agentErr.Body)
	}
}

func TestAgentClientChatUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewAgentClient(server.URL, "secret", 5*time.Second, zerolog.Nop())
	_, err := client.Chat(context.Background(), testAgentRequest())
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}
}

// A hung agent must not hold the request open past the configured bound.
func TestAgentClientChatTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		server.Close()
	}()

	client := NewAgentClient(server.URL, "secret", 50*time.Millisecond, zerolog.Nop())
	_, err := client.Chat(context.Background(), testAgentRequest())
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable on timeout, got %v", err)
	}
}

func TestAgentClientStreamChatConnectTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		server.Close()
	}()

	client := NewAgentClient(server.URL, "secret", 50*time.Millisecond, zerolog.Nop())
	_, err := client.StreamChat(context.Background(), testAgentRequest())
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable when headers never arrive, got %v", err)
	}
}

func TestAgentClientStreamChat(t *testing.T) {
	var received AgentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"content\":\"Bon\"}\n\ndata: {\"content\":\"jour\",\"done\":true}\n\n"))
	}))
	defer server.Close()

	client := NewAgentClient(server.URL, "secret", 5*time.Second, zerolog.Nop())
	body, err := client.StreamChat(context.Background(), testAgentRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer body.Close()

	if !received.Stream {
		t.Error("stream chat must request streaming")
	}

	reader := bufio.NewReader(body)
	first, err := ParseSSEChunk(reader)
	if err != nil {
		t.Fatalf("parsing first chunk: %v", err)
	}
	if first["content"] != "Bon" {
		t.Errorf("unexpected first chunk: %+v", first)
	}
	second, err := ParseSSEChunk(reader)
	if err != nil {
		t.Fatalf("parsing second chunk: %v", err)
	}
	if second["done"] != true {
		t.Errorf("expected done flag, got %+v", second)
	}
}

func TestAgentClientStreamChatUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewAgentClient(server.URL, "secret", 5*time.Second, zerolog.Nop())
	_, err := client.StreamChat(context.Background(), testAgentRequest())

	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected AgentError, got %v", err)
	}
	if agentErr.Body != "boom" {
		t.Errorf("unexpected body: %q", agentErr.Body)
	}
}

func TestSignCommToken(t *testing.T) {
	client := NewAgentClient("http://agent", "comm-secret", 5*time.Second, zerolog.Nop())
	signed, err := client.SignCommToken("user-1", "PS-001")
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}

	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return []byte("comm-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("parsing token: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatal("expected map claims")
	}
	if claims["sub"] != "user-1" {
		t.Errorf("unexpected sub: %v", claims["sub"])
	}
	if claims["code_ps"] != "PS-001" {
		t.Errorf("unexpected code_ps: %v", claims["code_ps"])
	}
	if claims["iss"] != "chifa-backend" {
		t.Errorf("unexpected iss: %v", claims["iss"])
	}
	if _, hasExp := claims["exp"]; !hasExp {
		t.Error("token must expire")
	}
}

func TestParseSSEChunk(t *testing.T) {
	t.Run("skips comments and blank lines", func(t *testing.T) {
		reader := bufio.NewReader(strings.NewReader(": keep-alive\n\ndata: {\"content\":\"ok\"}\n\n"))
		chunk, err := ParseSSEChunk(reader)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if chunk["content"] != "ok" {
			t.Errorf("unexpected chunk: %+v", chunk)
		}
	})

	t.Run("data followed by EOF", func(t *testing.T) {
		reader := bufio.NewReader(strings.NewReader("data: {\"done\":true}\n"))
		chunk, err := ParseSSEChunk(reader)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if chunk["done"] != true {
			t.Errorf("unexpected chunk: %+v", chunk)
		}
	})

	t.Run("empty stream returns EOF", func(t *testing.T) {
		reader := bufio.NewReader(strings.NewReader(""))
		if _, err := ParseSSEChunk(reader); err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	})

	t.Run("invalid json is an error", func(t *testing.T) {
		reader := bufio.NewReader(strings.NewReader("data: not-json\n\n"))
		if _, err := ParseSSEChunk(reader); err == nil {
			t.Error("expected a parse error")
		}
	})
}
