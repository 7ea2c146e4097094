package handler

import (
	"net/http"
	"strconv"

	"app/internal/api/v1/dto"
	"app/internal/middleware"
	"app/internal/service"

	"github.com/rs/zerolog"
)

type CreditsHandler struct {
	creditsService service.CreditsService
	logger         zerolog.Logger
}

func NewCreditsHandler(creditsService service.CreditsService, logger zerolog.Logger) *CreditsHandler {
	return &CreditsHandler{
		creditsService: creditsService,
		logger:         logger,
	}
}

func (h *CreditsHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/credits/balance", authMw(http.HandlerFunc(h.getBalance)))
	mux.Handle("/credits/transactions", authMw(http.HandlerFunc(h.listTransactions)))
}

// getBalance godoc
// @Summary Get credit balance
// @Description Returns the caller's credit ledger state. A demo ledger row is created on first access.
// @Tags credits
// @Produce json
// @Success 200 {object} dto.CreditsBalanceDTO
// @Failure 401 {object} dto.ErrorDTO "Unauthorized"
// @Failure 500 {object} dto.ErrorDTO "Failed to load balance"
// @Router /credits/balance [get]
func (h *CreditsHandler) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		writeErrorDTO(w, http.StatusUnauthorized, "UNAUTHORIZED", "User ID not found in context", h.logger)
		return
	}
	if r.Method != http.MethodGet {
		writeErrorDTO(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "Method not allowed", h.logger)
		return
	}

	credits, err := h.creditsService.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load credit balance")
		writeErrorDTO(w, http.StatusInternalServerError, "CREDITS_UNAVAILABLE", "Failed to load credit balance", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewCreditsBalanceDTO(credits), h.logger)
}

// listTransactions godoc
// @Summary List credit transactions
// @Description Returns the caller's most recent credit debits, newest first.
// @Tags credits
// @Produce json
// @Param limit query int false "Maximum number of transactions to return" default(50)
// @Success 200 {array} dto.CreditTransactionDTO
// @Failure 401 {object} dto.ErrorDTO "Unauthorized"
// @Failure 500 {object} dto.ErrorDTO "Failed to list transactions"
// @Router /credits/transactions [get]
func (h *CreditsHandler) listTransactions(w http.ResponseWriter, r *http.Request) {
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
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	transactions, err := h.creditsService.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list credit transactions")
		writeErrorDTO(w, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to list transactions", h.logger)
		return
	}

	resp := make([]dto.CreditTransactionDTO, len(transactions))
	for i := range transactions {
		resp[i] = dto.NewCreditTransactionDTO(&transactions[i])
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}
