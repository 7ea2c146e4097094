package handler

import (
	"net/http"
	"strconv"
	"strings"

	"app/internal/api/v1/dto"
	"app/internal/service"

	"github.com/rs/zerolog"
)

// DLQHandler exposes the settlement dead letter queue to operators.
type DLQHandler struct {
	dlqService service.DLQService
	logger     zerolog.Logger
}

func NewDLQHandler(dlqService service.DLQService, logger zerolog.Logger) *DLQHandler {
	return &DLQHandler{
		dlqService: dlqService,
		logger:     logger,
	}
}

func (h *DLQHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/admin/dlq", authMw(http.HandlerFunc(h.listMessages)))
	mux.Handle("/admin/dlq/", authMw(http.HandlerFunc(h.handleMessage)))
}

// listMessages godoc
// @Summary List dead letter messages
// @Description Lists settlement jobs that exhausted their retries, filtered by status. Requires a service_role token.
// @Tags admin
// @Produce json
// @Param status query string false "Status filter" default(pending)
// @Param limit query int false "Maximum number of messages to return" default(50)
// @Success 200 {array} dto.DeadLetterMessageDTO
// @Router /admin/dlq [get]
func (h *DLQHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorDTO(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed", h.logger)
		return
	}

	status := r.URL.Query().Get("status")
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil {
			limit = parsed
		}
	}

	msgs, err := h.dlqService.List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list dead letter messages")
		writeErrorDTO(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list dead letter messages", h.logger)
		return
	}

	resp := make([]dto.DeadLetterMessageDTO, len(msgs))
	for i := range msgs {
		resp[i] = dto.NewDeadLetterMessageDTO(&msgs[i])
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}

// handleMessage routes /admin/dlq/{id}/requeue and /admin/dlq/{id}/resolve.
func (h *DLQHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorDTO(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed", h.logger)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/dlq/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id, action := parts[0], parts[1]

	var err error
	switch action {
	case "requeue":
		err = h.dlqService.Requeue(r.Context(), id)
	case "resolve":
		err = h.dlqService.Resolve(r.Context(), id)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Str("action", action).Msg("Dead letter action failed")
		writeErrorDTO(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
