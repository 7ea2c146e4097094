package service

import (
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable error kind exposed to clients, so they
// can distinguish "upgrade needed" from "try again later".
type ErrorCode string

const (
	CodeUnauthorized             ErrorCode = "UNAUTHORIZED"
	CodeBadRequest               ErrorCode = "BAD_REQUEST"
	CodeForbidden                ErrorCode = "FORBIDDEN"
	CodeCreditsExhausted         ErrorCode = "CREDITS_EXHAUSTED"
	CodeInsufficientCredits      ErrorCode = "INSUFFICIENT_CREDITS"
	CodeDemoLimitReached         ErrorCode = "DEMO_LIMIT_REACHED"
	CodeDailyLimitReached        ErrorCode = "DAILY_LIMIT_REACHED"
	CodeCreditsUnavailable       ErrorCode = "CREDITS_UNAVAILABLE"
	CodeAgentUnavailable         ErrorCode = "AGENT_UNAVAILABLE"
	CodeAgentError               ErrorCode = "AGENT_ERROR"
	CodeDatabaseError            ErrorCode = "DATABASE_ERROR"
	CodeConversationCreateFailed ErrorCode = "CONVERSATION_CREATE_FAILED"
	CodeStreamInterrupted        ErrorCode = "STREAM_INTERRUPTED"
	CodeStreamTimeout            ErrorCode = "STREAM_TIMEOUT"
	CodeStreamParseError         ErrorCode = "STREAM_PARSE_ERROR"
	CodeUnknown                  ErrorCode = "UNKNOWN"
)

// CreditsError is a usage-policy denial. Messages are user-facing and
// localized to French; Suggestion tells the client what the user can do.
type CreditsError struct {
	Code       ErrorCode
	Message    string
	Required   int
	Available  int
	Suggestion string
}

func (e *CreditsError) Error() string {
	if e.Required > 0 {
		return fmt.Sprintf("%s: %s (required=%d available=%d)", e.Code, e.Message, e.Required, e.Available)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newInsufficientCreditsError(required, available int) *CreditsError {
	return &CreditsError{
		Code:       CodeInsufficientCredits,
		Message:    "Crédits insuffisants pour cette opération.",
		Required:   required,
		Available:  available,
		Suggestion: "Veuillez recharger votre compte ou passer à un forfait supérieur.",
	}
}

func newDemoLimitError(required, available int) *CreditsError {
	return &CreditsError{
		Code:       CodeDemoLimitReached,
		Message:    "Vous avez atteint la limite de messages de votre compte démo.",
		Required:   required,
		Available:  available,
		Suggestion: "Passez à un forfait payant pour continuer à utiliser l'assistant.",
	}
}

func newDailyLimitError() *CreditsError {
	return &CreditsError{
		Code:       CodeDailyLimitReached,
		Message:    "Vous avez atteint la limite quotidienne de messages du mode démo.",
		Suggestion: "Réessayez demain ou passez à un forfait payant.",
	}
}

func newCreditsUnavailableError() *CreditsError {
	return &CreditsError{
		Code:       CodeCreditsUnavailable,
		Message:    "Impossible de vérifier votre solde de crédits.",
		Suggestion: "Veuillez réessayer dans quelques instants.",
	}
}

// ChatError is an orchestration failure carrying the HTTP status the caller
// should receive and, for upstream agent errors, the upstream payload.
type ChatError struct {
	Kind    ErrorCode
	Status  int
	Message string
	Body    string
	Credits *CreditsError
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func chatErrorf(kind ErrorCode, status int, format string, args ...any) *ChatError {
	return &ChatError{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

func creditsChatError(ce *CreditsError) *ChatError {
	return &ChatError{
		Kind:    CodeCreditsExhausted,
		Status:  http.StatusPaymentRequired,
		Message: ce.Message,
		Credits: ce,
	}
}
