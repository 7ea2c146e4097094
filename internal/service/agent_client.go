package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"app/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var (
	// ErrAgentUnavailable is returned when the agent service cannot be
	// reached at all (network failure or timeout).
	ErrAgentUnavailable = errors.New("agent service unavailable")
	// ErrAgentEmptyBody is returned when the agent replied 200 but sent no
	// body to relay.
	ErrAgentEmptyBody = errors.New("agent returned empty response body")
)

// AgentError is a non-2xx reply from the agent service; the body is kept so
// the relay can forward it to the client.
type AgentError struct {
	StatusCode int
	Body       string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent service returned status %d: %s", e.StatusCode, e.Body)
}

// AgentMessage is one turn of the history forwarded to the agent.
type AgentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentRequest is the outbound payload for the LangGraph agent service.
type AgentRequest struct {
	Messages          []AgentMessage `json:"messages"`
	DBID              string         `json:"db_id"`
	LiteLLMVirtualKey string         `json:"litellm_virtual_key"`
	AgentCommJWT      string         `json:"agent_comm_jwt_secret"`
	Model             string         `json:"model"`
	Temperature       float64        `json:"temperature"`
	MaxTokens         int            `json:"max_tokens"`
	Stream            bool           `json:"stream"`
}

// AgentResponse is the buffered reply shape.
type AgentResponse struct {
	Response string           `json:"response"`
	SQLQuery *string          `json:"sql_query,omitempty"`
	Results  model.SQLResults `json:"results,omitempty"`
}

type AgentClient interface {
	// Chat awaits the full JSON reply.
	Chat(ctx context.Context, req AgentRequest) (*AgentResponse, error)
	// StreamChat returns the response body as soon as headers arrive; the
	// caller owns closing it.
	StreamChat(ctx context.Context, req AgentRequest) (io.ReadCloser, error)
	// SignCommToken mints the short-lived JWT that authenticates this
	// service to the agent on behalf of a pharmacy.
	SignCommToken(userID, codePS string) (string, error)
}

type agentClient struct {
	baseURL        string
	commSecret     string
	requestTimeout time.Duration
	client         *http.Client
	logger         zerolog.Logger
}

func NewAgentClient(baseURL, commSecret string, requestTimeout time.Duration, logger zerolog.Logger) AgentClient {
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	return &agentClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		commSecret:     commSecret,
		requestTimeout: requestTimeout,
		client: &http.Client{
			// No overall timeout: streaming bodies stay open for as long as
			// the agent keeps generating. The wait for upstream headers is
			// still bounded, so a hung agent surfaces as ErrAgentUnavailable
			// instead of holding the request forever.
			Transport: &http.Transport{ResponseHeaderTimeout: requestTimeout},
		},
		logger: logger.With().Str("service", "AgentClient").Logger(),
	}
}

func (c *agentClient) SignCommToken(userID, codePS string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     userID,
		"code_ps": codePS,
		"iss":     "chifa-backend",
		"iat":     now.Unix(),
		"exp":     now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.commSecret))
	if err != nil {
		return "", fmt.Errorf("signing agent comm token: %w", err)
	}
	return signed, nil
}

func (c *agentClient) do(ctx context.Context, req AgentRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling agent request: %w", err)
	}

	url := fmt.Sprintf("%s/chifa", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("creating agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Error().Err(err).Msg("Agent service request failed")
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	return resp, nil
}

func (c *agentClient) Chat(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	req.Stream = false
	// A buffered call is bounded end to end; the deadline behaves like a
	// client abort.
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn().Err(closeErr).Msg("Failed to close agent response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			c.logger.Warn().Err(readErr).Int("status_code", resp.StatusCode).Msg("Failed to read error body from agent service")
			return nil, &AgentError{StatusCode: resp.StatusCode}
		}
		c.logger.Error().
			Int("status_code", resp.StatusCode).
			Str("error_body", string(bodyBytes)).
			Msg("Agent service returned error")
		return nil, &AgentError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var agentResp AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&agentResp); err != nil {
		return nil, fmt.Errorf("decoding agent response: %w", err)
	}
	return &agentResp, nil
}

func (c *agentClient) StreamChat(ctx context.Context, req AgentRequest) (io.ReadCloser, error) {
	req.Stream = true
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &AgentError{StatusCode: resp.StatusCode}
		}
		c.logger.Error().
			Int("status_code", resp.StatusCode).
			Str("error_body", string(bodyBytes)).
			Msg("Agent service returned error")
		return nil, &AgentError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, ErrAgentEmptyBody
	}

	return resp.Body, nil
}

// ParseSSEChunk parses a single SSE chunk from the stream.
// SSE format: "data: <json>\n\n" where blank line separates events.
// Handles comments (lines starting with ":") and empty lines.
func ParseSSEChunk(reader *bufio.Reader) (map[string]interface{}, error) {
	var dataLine string
	foundData := false

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if foundData {
					// Data followed by EOF instead of a blank line is valid
					break
				}
				return nil, io.EOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line indicates end of SSE event
		if len(line) == 0 {
			if foundData {
				break
			}
			continue
		}

		// Skip comments (SSE spec allows comments starting with ":")
		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			dataLine = line[6:]
			foundData = true
			continue
		}

		if foundData {
			break
		}
	}

	if !foundData {
		return nil, fmt.Errorf("no data line found in SSE chunk")
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(dataLine), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling SSE data %q: %w", dataLine, err)
	}

	return result, nil
}
