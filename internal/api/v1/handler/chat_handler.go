package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/service"
	"app/internal/stream"
	"app/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type ChatHandler struct {
	chatService service.ChatService
	streamer    *stream.Streamer
	validate    *validator.Validate
	logger      zerolog.Logger
}

func NewChatHandler(chatService service.ChatService, streamer *stream.Streamer, validate *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		streamer:    streamer,
		validate:    validate,
		logger:      logger,
	}
}

func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/chat", authMw(http.HandlerFunc(h.handleChat)))
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeErrorDTO(w http.ResponseWriter, status int, code, message string, logger zerolog.Logger) {
	writeJSON(w, status, dto.ErrorDTO{Error: dto.ErrorBodyDTO{Code: code, Message: message}}, logger)
}

// writeChatError maps an orchestration failure to the right HTTP shape.
// Credit denials get the 402 payload the frontend's upgrade dialog expects.
func (h *ChatHandler) writeChatError(w http.ResponseWriter, chatErr *service.ChatError) {
	if chatErr.Credits != nil {
		writeJSON(w, http.StatusPaymentRequired, dto.CreditsErrorDTO{
			Type:       "CREDITS_ERROR",
			Code:       string(chatErr.Credits.Code),
			Message:    chatErr.Credits.Message,
			Required:   chatErr.Credits.Required,
			Available:  chatErr.Credits.Available,
			Suggestion: chatErr.Credits.Suggestion,
		}, h.logger)
		return
	}
	// The upstream body stays server-side (it is already logged); clients get
	// the documented message, scrubbed of anything credential-looking.
	writeErrorDTO(w, chatErr.Status, string(chatErr.Kind), util.Redact(chatErr.Message), h.logger)
}

// handleChat godoc
// @Summary Send a chat message
// @Description Sends a message to the pharmacy assistant. With stream=false the full response is returned as JSON; with stream=true the response is relayed as Server-Sent Events with the conversation id in the X-Conversation-Id header. Accepts both the current request shape and the legacy query/userId/codePs fields.
// @Tags chat
// @Accept json
// @Produce json
// @Param request body dto.ChatRequestDTO true "Chat request"
// @Success 200 {object} dto.ChatResponseDTO
// @Failure 400 {object} dto.ErrorDTO "Invalid payload"
// @Failure 401 {object} dto.ErrorDTO "Unauthorized"
// @Failure 402 {object} dto.CreditsErrorDTO "Credits exhausted"
// @Failure 403 {object} dto.ErrorDTO "Identity or pharmacy mismatch"
// @Failure 500 {object} dto.ErrorDTO "Agent failure or internal error"
// @Failure 503 {object} dto.ErrorDTO "Too many concurrent streams"
// @Router /chat [post]
func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorDTO(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed", h.logger)
		return
	}

	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		writeErrorDTO(w, http.StatusUnauthorized, "UNAUTHORIZED", "User ID not found in context", h.logger)
		return
	}

	var req dto.ChatRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorDTO(w, http.StatusBadRequest, "BAD_REQUEST", util.Redact("Invalid JSON payload: "+err.Error()), h.logger)
		return
	}
	req.Normalize()

	if err := h.validate.Struct(&req); err != nil {
		writeErrorDTO(w, http.StatusBadRequest, "BAD_REQUEST", util.Redact("Validation failed: "+err.Error()), h.logger)
		return
	}

	// The body may carry a user id (legacy clients always send one); it must
	// match the authenticated subject.
	if req.UserID != "" && req.UserID != userID {
		writeErrorDTO(w, http.StatusForbidden, "FORBIDDEN", "User ID does not match authenticated user", h.logger)
		return
	}

	messages := make([]service.AgentMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = service.AgentMessage{Role: m.Role, Content: m.Content}
	}

	chatReq := service.ChatRequest{
		UserID:         userID,
		PharmacyID:     req.PharmacyID,
		ConversationID: req.ConversationID,
		Messages:       messages,
		Model:          req.Model,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
	}

	if req.Stream != nil && *req.Stream {
		h.streamChat(w, r, chatReq)
		return
	}
	h.bufferedChat(w, r, chatReq)
}

func (h *ChatHandler) bufferedChat(w http.ResponseWriter, r *http.Request, req service.ChatRequest) {
	result, chatErr := h.chatService.Chat(r.Context(), req)
	if chatErr != nil {
		h.writeChatError(w, chatErr)
		return
	}

	writeJSON(w, http.StatusOK, dto.ChatResponseDTO{
		Response:         result.Response,
		SQLQuery:         result.SQLQuery,
		SQLResults:       result.SQLResults,
		ConversationID:   result.ConversationID,
		CreditsUsed:      result.CreditsUsed,
		RemainingCredits: result.RemainingCredits,
	}, h.logger)
}

func (h *ChatHandler) streamChat(w http.ResponseWriter, r *http.Request, req service.ChatRequest) {
	session, chatErr := h.chatService.StartStream(r.Context(), req)
	if chatErr != nil {
		h.writeChatError(w, chatErr)
		return
	}

	// Non-2xx upstream replies are permanent: retrying would re-bill the
	// agent for the same denial.
	var agentErr *service.AgentError
	dial := func(ctx context.Context) (io.ReadCloser, error) {
		body, err := session.Dial(ctx)
		if err != nil {
			var ae *service.AgentError
			if errors.As(err, &ae) {
				agentErr = ae
				return nil, fmt.Errorf("agent error: %w", stream.ErrPermanent)
			}
		}
		return body, err
	}

	relay, err := h.streamer.Open(r.Context(), dial)
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrTooManyStreams):
			writeErrorDTO(w, http.StatusServiceUnavailable, "STREAM_INTERRUPTED", "Too many concurrent streams", h.logger)
		case agentErr != nil:
			// Upstream answered with an error status. Report it as a single
			// SSE event so streaming clients parse it, and skip settlement:
			// nothing was generated.
			h.writeSSEError(w, session.Conversation.ID, agentErr.Body)
		case errors.Is(err, service.ErrAgentEmptyBody):
			writeErrorDTO(w, http.StatusInternalServerError, "AGENT_UNAVAILABLE", "Agent returned an empty stream", h.logger)
		default:
			writeErrorDTO(w, http.StatusInternalServerError, "AGENT_UNAVAILABLE", "Failed to connect to the agent service", h.logger)
		}
		return
	}
	defer func() {
		if closeErr := relay.Close(); closeErr != nil {
			h.logger.Warn().Err(closeErr).Msg("Failed to close stream session")
		}
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorDTO(w, http.StatusInternalServerError, "STREAM_INTERRUPTED", "Streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set("X-Conversation-Id", session.Conversation.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Everything relayed to the client is also captured so the assistant
	// turn can be re-assembled for persistence and billing.
	var capture bytes.Buffer
	guard := &monitorWriter{
		w:       io.MultiWriter(w, &capture),
		monitor: session.Monitor,
		ctx:     r.Context(),
	}

	metrics, relayErr := relay.Copy(r.Context(), guard, flusher)
	interrupted := relayErr != nil
	if interrupted && !errors.Is(relayErr, context.Canceled) {
		h.logger.Error().Err(relayErr).Str("conversation_id", session.Conversation.ID).Msg("Stream relay interrupted")
	}

	content := extractStreamContent(&capture)

	// The request context dies with the client connection; settlement still
	// has to run.
	finalizeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result := h.chatService.FinalizeStream(finalizeCtx, session, content, interrupted)

	h.logger.Info().
		Str("conversation_id", session.Conversation.ID).
		Int64("bytes", metrics.BytesTransferred).
		Int("chunks", metrics.ChunkCount).
		Int("retries", metrics.RetryCount).
		Dur("duration", metrics.Duration).
		Float64("throughput_bps", metrics.Throughput()).
		Int("credits_used", result.CreditsUsed).
		Msg("Stream completed")
}

func (h *ChatHandler) writeSSEError(w http.ResponseWriter, conversationID, body string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Conversation-Id", conversationID)
	w.WriteHeader(http.StatusOK)

	message := util.Redact(body)
	if message == "" {
		message = "agent service returned an error"
	}
	payload, err := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    "AGENT_ERROR",
			"message": message,
		},
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal SSE error event")
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		h.logger.Error().Err(err).Msg("Failed to write SSE error event")
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// monitorWriter feeds the streaming credits monitor one credit per started
// kilobyte and aborts the relay once the account cannot cover more output.
type monitorWriter struct {
	w          io.Writer
	monitor    *service.StreamingCreditsMonitor
	ctx        context.Context
	byteCount  int
	nextCharge int
}

func (mw *monitorWriter) Write(p []byte) (int, error) {
	n, err := mw.w.Write(p)
	if err != nil {
		return n, err
	}
	mw.byteCount += n
	for mw.byteCount >= mw.nextCharge+service.LongResponseThreshold {
		mw.nextCharge += service.LongResponseThreshold
		mw.monitor.RecordCreditsConsumed(1)
		if mw.monitor.IsApproachingLimit(1.0) && !mw.monitor.CanContinueStreaming(mw.ctx) {
			return n, fmt.Errorf("stream exceeded available credits")
		}
	}
	return n, nil
}

// extractStreamContent re-assembles the assistant's text from the captured
// SSE bytes. Events without a content field are skipped.
func extractStreamContent(captured *bytes.Buffer) string {
	reader := bufio.NewReader(bytes.NewReader(captured.Bytes()))
	var full bytes.Buffer
	for {
		chunk, err := service.ParseSSEChunk(reader)
		if err != nil {
			break
		}
		if content, ok := chunk["content"].(string); ok {
			full.WriteString(content)
		}
		if done, _ := chunk["done"].(bool); done {
			break
		}
	}
	return full.String()
}
