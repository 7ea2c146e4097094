package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/repository"
	"app/internal/service"

	"github.com/rs/zerolog"
)

type ConversationHandler struct {
	conversationService service.ConversationService
	logger              zerolog.Logger
}

func NewConversationHandler(conversationService service.ConversationService, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		logger:              logger,
	}
}

func (h *ConversationHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/conversations", authMw(http.HandlerFunc(h.handleConversations)))
	mux.Handle("/conversations/", authMw(http.HandlerFunc(h.handleConversation)))
}

// handleConversations godoc
// @Summary List conversations
// @Description Lists the caller's active conversations, most recently updated first.
// @Tags conversations
// @Produce json
// @Param limit query int false "Maximum number of conversations to return" default(50)
// @Param offset query int false "Number of conversations to skip" default(0)
// @Success 200 {array} dto.ConversationResponseDTO
// @Failure 401 {object} dto.ErrorDTO "Unauthorized"
// @Router /conversations [get]
func (h *ConversationHandler) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		writeErrorDTO(w, http.StatusUnauthorized, "UNAUTHORIZED", "User ID not found in context", h.logger)
		return
	}
	if r.Method != http.MethodGet {
		writeErrorDTO(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed", h.logger)
		return
	}

	limit := 50
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	convs, err := h.conversationService.ListConversations(r.Context(), userID, limit, offset)
	if err != nil {
		writeErrorDTO(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list conversations", h.logger)
		return
	}

	resp := make([]dto.ConversationResponseDTO, len(convs))
	for i := range convs {
		resp[i] = dto.NewConversationResponseDTO(&convs[i])
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

func (h *ConversationHandler) handleConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		writeErrorDTO(w, http.StatusUnauthorized, "UNAUTHORIZED", "User ID not found in context", h.logger)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.getConversation(w, r, parts[0], userID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.archiveConversation(w, r, parts[0], userID)
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodGet:
		h.listMessages(w, r, parts[0], userID)
	default:
		http.NotFound(w, r)
	}
}

// getConversation godoc
// @Summary Get a conversation
// @Description Retrieves a conversation owned by the caller.
// @Tags conversations
// @Produce json
// @Param conversationId path string true "Conversation ID"
// @Success 200 {object} dto.ConversationResponseDTO
// @Failure 404 {object} dto.ErrorDTO "Conversation not found"
// @Router /conversations/{conversationId} [get]
func (h *ConversationHandler) getConversation(w http.ResponseWriter, r *http.Request, conversationID, userID string) {
	conv, err := h.conversationService.GetConversation(r.Context(), conversationID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			writeErrorDTO(w, http.StatusNotFound, "BAD_REQUEST", "Conversation not found", h.logger)
			return
		}
		writeErrorDTO(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to get conversation", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewConversationResponseDTO(conv), h.logger)
}

// archiveConversation godoc
// @Summary Archive a conversation
// @Description Archives a conversation. Archived conversations no longer appear in listings and cannot receive new messages.
// @Tags conversations
// @Param conversationId path string true "Conversation ID"
// @Success 204 {string} string "No Content"
// @Failure 404 {object} dto.ErrorDTO "Conversation not found"
// @Router /conversations/{conversationId} [delete]
func (h *ConversationHandler) archiveConversation(w http.ResponseWriter, r *http.Request, conversationID, userID string) {
	if err := h.conversationService.ArchiveConversation(r.Context(), conversationID, userID); err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			writeErrorDTO(w, http.StatusNotFound, "BAD_REQUEST", "Conversation not found", h.logger)
			return
		}
		writeErrorDTO(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to archive conversation", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listMessages godoc
// @Summary List messages in a conversation
// @Description Retrieves the latest messages of a conversation in chronological order (oldest first).
// @Tags conversations
// @Produce json
// @Param conversationId path string true "Conversation ID"
// @Param limit query int false "Maximum number of messages to return" default(100)
// @Success 200 {array} dto.MessageResponseDTO
// @Failure 404 {object} dto.ErrorDTO "Conversation not found"
// @Router /conversations/{conversationId}/messages [get]
func (h *ConversationHandler) listMessages(w http.ResponseWriter, r *http.Request, conversationID, userID string) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	messages, err := h.conversationService.ListMessages(r.Context(), conversationID, userID, limit)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			writeErrorDTO(w, http.StatusNotFound, "BAD_REQUEST", "Conversation not found", h.logger)
			return
		}
		writeErrorDTO(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list messages", h.logger)
		return
	}

	resp := make([]dto.MessageResponseDTO, len(messages))
	for i := range messages {
		resp[i] = dto.NewMessageResponseDTO(&messages[i])
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}
