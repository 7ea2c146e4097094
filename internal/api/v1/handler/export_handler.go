package handler

import (
	"encoding/json"
	"net/http"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type ExportHandler struct {
	exportService service.ExportService
	validate      *validator.Validate
	logger        zerolog.Logger
}

func NewExportHandler(exportService service.ExportService, validate *validator.Validate, logger zerolog.Logger) *ExportHandler {
	return &ExportHandler{
		exportService: exportService,
		validate:      validate,
		logger:        logger,
	}
}

func (h *ExportHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/exports", authMw(http.HandlerFunc(h.createExport)))
}

// createExport godoc
// @Summary Export SQL results
// @Description Writes the SQL results of an assistant message to object storage and returns a short-lived download link. Costs one credit.
// @Tags exports
// @Accept json
// @Produce json
// @Param request body dto.ExportRequestDTO true "Export request"
// @Success 200 {object} dto.ExportResponseDTO
// @Failure 400 {object} dto.ErrorDTO "Invalid payload or message has no results"
// @Failure 401 {object} dto.ErrorDTO "Unauthorized"
// @Failure 402 {object} dto.CreditsErrorDTO "Credits exhausted"
// @Router /exports [post]
func (h *ExportHandler) createExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		writeErrorDTO(w, http.StatusUnauthorized, "UNAUTHORIZED", "User ID not found in context", h.logger)
		return
	}
	if r.Method != http.MethodPost {
		writeErrorDTO(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed", h.logger)
		return
	}

	var req dto.ExportRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorDTO(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON payload: "+err.Error(), h.logger)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeErrorDTO(w, http.StatusBadRequest, "BAD_REQUEST", "Validation failed: "+err.Error(), h.logger)
		return
	}

	result, chatErr := h.exportService.ExportMessageResults(r.Context(), userID, req.ConversationID, req.MessageID, req.Format)
	if chatErr != nil {
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
		writeErrorDTO(w, chatErr.Status, string(chatErr.Kind), chatErr.Message, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, dto.ExportResponseDTO{
		StoragePath:      result.StoragePath,
		DownloadURL:      result.DownloadURL,
		Format:           result.Format,
		RowCount:         result.RowCount,
		CreditsUsed:      result.CreditsUsed,
		RemainingCredits: result.RemainingCredits,
	}, h.logger)
}
