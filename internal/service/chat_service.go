package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

const conversationTitleMaxLength = 80

// SideEffectOutcome classifies how a post-response side effect ended. Only
// conversation creation is fatal; everything after the agent reply is logged
// and swallowed so a billed response is never withheld over bookkeeping.
type SideEffectOutcome string

const (
	SideEffectCommitted      SideEffectOutcome = "committed"
	SideEffectFailedNonFatal SideEffectOutcome = "failed_non_fatal"
	SideEffectFailedFatal    SideEffectOutcome = "failed_fatal"
)

// SideEffectResult records one bookkeeping step of a chat exchange.
type SideEffectResult struct {
	Name    string
	Outcome SideEffectOutcome
	Err     error
}

// ChatRequest is a normalized inbound chat exchange. Messages holds the
// history with the new user message last.
type ChatRequest struct {
	UserID         string
	PharmacyID     string
	ConversationID *string
	Messages       []AgentMessage
	Model          string
	Temperature    float64
	MaxTokens      int
}

// LatestUserMessage returns the content of the last user-role message.
func (r ChatRequest) LatestUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ChatResult is a completed buffered exchange.
type ChatResult struct {
	Response         string
	SQLQuery         *string
	SQLResults       model.SQLResults
	ConversationID   string
	CreditsUsed      int
	RemainingCredits int
	SideEffects      []SideEffectResult
}

// StreamSession carries the state of one authorized stream between
// StartStream and FinalizeStream. Dial opens the upstream connection; the
// relay owns calling it so connection retries happen inside the relay.
type StreamSession struct {
	Request       ChatRequest
	Conversation  *model.Conversation
	Authorization *StreamingAuthorization
	Monitor       *StreamingCreditsMonitor
	Dial          func(ctx context.Context) (io.ReadCloser, error)
	StartedAt     time.Time
}

type ChatService interface {
	// Chat runs the full buffered exchange: authorize, call the agent,
	// settle credits, persist both turns.
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, *ChatError)
	// StartStream authorizes the exchange and prepares the upstream dial.
	// The caller relays via session.Dial and must call FinalizeStream
	// afterwards.
	StartStream(ctx context.Context, req ChatRequest) (*StreamSession, *ChatError)
	// FinalizeStream settles credits and persists both turns once the relay
	// finished. interrupted marks streams that died mid-flight; their
	// partial output is still billed and persisted, but an interruption
	// before any output is a no-op.
	FinalizeStream(ctx context.Context, session *StreamSession, responseContent string, interrupted bool) *ChatResult
}

type chatService struct {
	conversationRepo repository.ConversationRepository
	profileRepo      repository.ProfileRepository
	credits          CreditsService
	secrets          SecretSource
	agent            AgentClient
	settlement       SettlementEnqueuer
	defaultModel     string
	logger           zerolog.Logger
	now              func() time.Time
}

func NewChatService(
	conversationRepo repository.ConversationRepository,
	profileRepo repository.ProfileRepository,
	credits CreditsService,
	secrets SecretSource,
	agent AgentClient,
	settlement SettlementEnqueuer,
	defaultModel string,
	logger zerolog.Logger,
) ChatService {
	return &chatService{
		conversationRepo: conversationRepo,
		profileRepo:      profileRepo,
		credits:          credits,
		secrets:          secrets,
		agent:            agent,
		settlement:       settlement,
		defaultModel:     defaultModel,
		logger:           logger.With().Str("service", "ChatService").Logger(),
		now:              time.Now,
	}
}

// authorize validates the request shape, the caller's pharmacy binding, and
// builds the outbound agent request minus the stream flag.
func (s *chatService) authorize(ctx context.Context, req *ChatRequest) (*AgentRequest, *ChatError) {
	if len(req.Messages) == 0 || strings.TrimSpace(req.LatestUserMessage()) == "" {
		return nil, chatErrorf(CodeBadRequest, http.StatusBadRequest, "message content is required")
	}
	if req.PharmacyID == "" {
		return nil, chatErrorf(CodeBadRequest, http.StatusBadRequest, "pharmacy id is required")
	}

	profile, err := s.profileRepo.GetProfile(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return nil, chatErrorf(CodeForbidden, http.StatusForbidden, "no profile for user")
		}
		s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to load profile")
		return nil, chatErrorf(CodeDatabaseError, http.StatusInternalServerError, "failed to load profile")
	}
	if profile.CodePS != req.PharmacyID {
		s.logger.Warn().
			Str("user_id", req.UserID).
			Str("requested_pharmacy", req.PharmacyID).
			Str("profile_pharmacy", profile.CodePS).
			Msg("Pharmacy mismatch")
		return nil, chatErrorf(CodeForbidden, http.StatusForbidden, "user does not belong to this pharmacy")
	}
	if profile.PharmacyStatus != "active" {
		return nil, chatErrorf(CodeForbidden, http.StatusForbidden, "pharmacy account is not active")
	}

	creds, err := s.secrets.GetPharmacyCredentials(ctx, req.PharmacyID)
	if err != nil {
		if errors.Is(err, repository.ErrPharmacySecretNotFound) {
			return nil, chatErrorf(CodeForbidden, http.StatusForbidden, "pharmacy has no agent credentials provisioned")
		}
		s.logger.Error().Err(err).Str("code_ps", req.PharmacyID).Msg("Failed to load pharmacy credentials")
		return nil, chatErrorf(CodeDatabaseError, http.StatusInternalServerError, "failed to load pharmacy credentials")
	}

	commJWT, err := s.agent.SignCommToken(req.UserID, req.PharmacyID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to sign agent comm token")
		return nil, chatErrorf(CodeUnknown, http.StatusInternalServerError, "failed to prepare agent request")
	}

	if req.Model == "" {
		req.Model = s.defaultModel
	}
	if req.Temperature == 0 {
		req.Temperature = 0.2
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 4096
	}

	return &AgentRequest{
		Messages:          req.Messages,
		DBID:              creds.DBID,
		LiteLLMVirtualKey: creds.LiteLLMVirtualKey,
		AgentCommJWT:      commJWT,
		Model:             req.Model,
		Temperature:       req.Temperature,
		MaxTokens:         req.MaxTokens,
	}, nil
}

// resolveConversation loads the referenced conversation or creates a fresh
// one. Creation failure is the one fatal post-authorization error: without a
// conversation row nothing downstream can be attributed.
func (s *chatService) resolveConversation(ctx context.Context, req ChatRequest) (*model.Conversation, *ChatError) {
	if req.ConversationID != nil && *req.ConversationID != "" {
		conv, err := s.conversationRepo.GetConversation(ctx, *req.ConversationID, req.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrConversationNotFound) {
				return nil, chatErrorf(CodeBadRequest, http.StatusBadRequest, "conversation not found")
			}
			s.logger.Error().Err(err).Str("conversation_id", *req.ConversationID).Msg("Failed to load conversation")
			return nil, chatErrorf(CodeDatabaseError, http.StatusInternalServerError, "failed to load conversation")
		}
		return conv, nil
	}

	title := deriveConversationTitle(req.LatestUserMessage())
	conv, err := s.conversationRepo.CreateConversation(ctx, req.UserID, req.PharmacyID, title, req.Model)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to create conversation")
		return nil, chatErrorf(CodeConversationCreateFailed, http.StatusInternalServerError, "failed to create conversation")
	}
	return conv, nil
}

func deriveConversationTitle(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexAny(title, "\r\n"); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > conversationTitleMaxLength {
		title = title[:conversationTitleMaxLength]
	}
	if title == "" {
		title = "Nouvelle conversation"
	}
	return title
}

// persistUserMessage stores the inbound turn. Best-effort: a missing user
// message degrades history, not the exchange.
func (s *chatService) persistUserMessage(ctx context.Context, conversationID, content string) (*string, SideEffectResult) {
	msg := &model.Message{
		ConversationID: conversationID,
		Role:           "user",
		Content:        content,
	}
	if err := s.conversationRepo.CreateMessage(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to persist user message")
		return nil, SideEffectResult{Name: "persist_user_message", Outcome: SideEffectFailedNonFatal, Err: err}
	}
	return &msg.ID, SideEffectResult{Name: "persist_user_message", Outcome: SideEffectCommitted}
}

func (s *chatService) persistAssistantMessage(ctx context.Context, msg *model.Message) (*string, SideEffectResult) {
	if err := s.conversationRepo.CreateMessage(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to persist assistant message")
		return nil, SideEffectResult{Name: "persist_assistant_message", Outcome: SideEffectFailedNonFatal, Err: err}
	}
	return &msg.ID, SideEffectResult{Name: "persist_assistant_message", Outcome: SideEffectCommitted}
}

func (s *chatService) touchConversation(ctx context.Context, conversationID string) SideEffectResult {
	if err := s.conversationRepo.TouchConversation(ctx, conversationID); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to touch conversation")
		return SideEffectResult{Name: "touch_conversation", Outcome: SideEffectFailedNonFatal, Err: err}
	}
	return SideEffectResult{Name: "touch_conversation", Outcome: SideEffectCommitted}
}

// settleCredits debits after the response is already in hand. Failure is
// non-fatal: the job goes to the settlement queue and the reply still ships.
func (s *chatService) settleCredits(ctx context.Context, job SettlementJob, streaming bool) (int, SideEffectResult) {
	var result ConsumeResult
	if streaming {
		result = s.credits.ConsumeStreamingCredits(ctx, job.UserID, job.Credits, job.OperationType, job.AuthorizationID, job.Metadata, job.ConversationID, job.MessageID)
	} else {
		result = s.credits.ConsumeCredits(ctx, job.UserID, job.Credits, job.OperationType, job.Metadata, job.ConversationID, job.MessageID)
	}
	if result.Success {
		return result.RemainingCredits, SideEffectResult{Name: "consume_credits", Outcome: SideEffectCommitted}
	}

	err := error(result.Err)
	s.logger.Error().
		Str("user_id", job.UserID).
		Int("credits", job.Credits).
		Str("code", string(result.Err.Code)).
		Msg("Post-response credit consumption failed; deferring to settlement queue")

	if s.settlement != nil {
		job.Reason = string(result.Err.Code)
		if enqErr := s.settlement.Enqueue(ctx, job); enqErr != nil {
			s.logger.Error().Err(enqErr).Str("user_id", job.UserID).Msg("Failed to enqueue settlement job")
		}
	}
	return 0, SideEffectResult{Name: "consume_credits", Outcome: SideEffectFailedNonFatal, Err: err}
}

func (s *chatService) Chat(ctx context.Context, req ChatRequest) (*ChatResult, *ChatError) {
	agentReq, chatErr := s.authorize(ctx, &req)
	if chatErr != nil {
		return nil, chatErr
	}

	userMessage := req.LatestUserMessage()
	estimated := CalculateChatCredits(userMessage, DetectSQL(userMessage), false)
	check := s.credits.CheckCreditsAvailable(ctx, req.UserID, estimated)
	if !check.Available {
		return nil, creditsChatError(check.Err)
	}

	conv, chatErr := s.resolveConversation(ctx, req)
	if chatErr != nil {
		return nil, chatErr
	}

	start := s.now()
	agentResp, err := s.agent.Chat(ctx, *agentReq)
	if err != nil {
		var agentErr *AgentError
		if errors.As(err, &agentErr) {
			return nil, &ChatError{
				Kind:    CodeAgentError,
				Status:  http.StatusInternalServerError,
				Message: "Failed to connect to the agent service",
				Body:    agentErr.Body,
			}
		}
		return nil, chatErrorf(CodeAgentUnavailable, http.StatusInternalServerError, "Failed to connect to the agent service")
	}
	processingTime := s.now().Sub(start)

	// Nothing is persisted until the agent answered: a failed call must not
	// leave a half-written exchange behind.
	var sideEffects []SideEffectResult
	userMsgID, effect := s.persistUserMessage(ctx, conv.ID, userMessage)
	sideEffects = append(sideEffects, effect)

	sqlQuery := agentResp.SQLQuery
	if sqlQuery == nil {
		sqlQuery = ExtractSQLQuery(agentResp.Response)
	}
	hasSQL := sqlQuery != nil || DetectSQL(agentResp.Response) || DetectSQL(userMessage)
	actual := CalculateChatCredits(userMessage, hasSQL, false)

	remaining, effect := s.settleCredits(ctx, SettlementJob{
		UserID:         req.UserID,
		Credits:        actual,
		OperationType:  operationTypeFor(hasSQL),
		ConversationID: &conv.ID,
		MessageID:      userMsgID,
		Metadata: model.TransactionMetadata{
			"message_length":  len(userMessage),
			"response_length": len(agentResp.Response),
			"has_sql":         hasSQL,
			"processing_ms":   processingTime.Milliseconds(),
		},
	}, false)
	sideEffects = append(sideEffects, effect)

	assistantMsg := &model.Message{
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        agentResp.Response,
		SQLQuery:       sqlQuery,
		SQLResults:     agentResp.Results,
		CreditsUsed:    actual,
		ProcessingMs:   processingTime.Milliseconds(),
	}
	_, effect = s.persistAssistantMessage(ctx, assistantMsg)
	sideEffects = append(sideEffects, effect)
	sideEffects = append(sideEffects, s.touchConversation(ctx, conv.ID))

	return &ChatResult{
		Response:         agentResp.Response,
		SQLQuery:         sqlQuery,
		SQLResults:       agentResp.Results,
		ConversationID:   conv.ID,
		CreditsUsed:      actual,
		RemainingCredits: remaining,
		SideEffects:      sideEffects,
	}, nil
}

func (s *chatService) StartStream(ctx context.Context, req ChatRequest) (*StreamSession, *ChatError) {
	agentReq, chatErr := s.authorize(ctx, &req)
	if chatErr != nil {
		return nil, chatErr
	}

	userMessage := req.LatestUserMessage()
	if ce := s.credits.ValidateStreamingPermissions(ctx, req.UserID, userMessage); ce != nil {
		return nil, creditsChatError(ce)
	}
	auth, ce := s.credits.PreAuthorizeStreamingCredits(ctx, req.UserID, userMessage)
	if ce != nil {
		return nil, creditsChatError(ce)
	}

	conv, chatErr := s.resolveConversation(ctx, req)
	if chatErr != nil {
		return nil, chatErr
	}

	dial := func(dialCtx context.Context) (io.ReadCloser, error) {
		return s.agent.StreamChat(dialCtx, *agentReq)
	}

	// Messages are persisted in FinalizeStream: a stream that never opens
	// must leave no trace in the conversation.
	return &StreamSession{
		Request:       req,
		Conversation:  conv,
		Authorization: auth,
		Monitor:       s.credits.NewStreamingMonitor(req.UserID, auth.EstimatedCredits),
		Dial:          dial,
		StartedAt:     s.now(),
	}, nil
}

func (s *chatService) FinalizeStream(ctx context.Context, session *StreamSession, responseContent string, interrupted bool) *ChatResult {
	req := session.Request
	userMessage := req.LatestUserMessage()
	processingTime := s.now().Sub(session.StartedAt)

	// An abort before any output reached the client consumes nothing and
	// persists nothing.
	if interrupted && responseContent == "" {
		return &ChatResult{ConversationID: session.Conversation.ID}
	}

	sqlQuery := ExtractSQLQuery(responseContent)
	hasSQL := sqlQuery != nil || DetectSQL(responseContent) || DetectSQL(userMessage)
	actual := CalculateStreamingCredits(userMessage, responseContent, hasSQL, processingTime)

	metadata := model.TransactionMetadata{
		"message_length":  len(userMessage),
		"response_length": len(responseContent),
		"has_sql":         hasSQL,
		"processing_ms":   processingTime.Milliseconds(),
	}
	if interrupted {
		metadata["interrupted"] = true
	}

	var sideEffects []SideEffectResult
	userMsgID, effect := s.persistUserMessage(ctx, session.Conversation.ID, userMessage)
	sideEffects = append(sideEffects, effect)

	remaining, effect := s.settleCredits(ctx, SettlementJob{
		UserID:          req.UserID,
		Credits:         actual,
		OperationType:   operationTypeFor(hasSQL),
		AuthorizationID: session.Authorization.ID,
		ConversationID:  &session.Conversation.ID,
		MessageID:       userMsgID,
		Metadata:        metadata,
	}, true)
	sideEffects = append(sideEffects, effect)

	if responseContent != "" {
		assistantMsg := &model.Message{
			ConversationID: session.Conversation.ID,
			Role:           "assistant",
			Content:        responseContent,
			SQLQuery:       sqlQuery,
			CreditsUsed:    actual,
			ProcessingMs:   processingTime.Milliseconds(),
		}
		_, effect = s.persistAssistantMessage(ctx, assistantMsg)
		sideEffects = append(sideEffects, effect)
	}
	sideEffects = append(sideEffects, s.touchConversation(ctx, session.Conversation.ID))

	return &ChatResult{
		Response:         responseContent,
		SQLQuery:         sqlQuery,
		ConversationID:   session.Conversation.ID,
		CreditsUsed:      actual,
		RemainingCredits: remaining,
		SideEffects:      sideEffects,
	}
}

func operationTypeFor(hasSQL bool) model.OperationType {
	if hasSQL {
		return model.OperationSQLQuery
	}
	return model.OperationChat
}
