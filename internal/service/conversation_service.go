package service

import (
	"context"
	"errors"
	"fmt"

	"app/internal/model"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

type ConversationService interface {
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
	ArchiveConversation(ctx context.Context, conversationID, userID string) error
	ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]model.Message, error)
}

type conversationService struct {
	repo   repository.ConversationRepository
	logger zerolog.Logger
}

func NewConversationService(repo repository.ConversationRepository, logger zerolog.Logger) ConversationService {
	return &conversationService{
		repo:   repo,
		logger: logger.With().Str("service", "ConversationService").Logger(),
	}
}

func (s *conversationService) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	convs, err := s.repo.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list conversations")
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

func (s *conversationService) GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return conv, nil
}

func (s *conversationService) ArchiveConversation(ctx context.Context, conversationID, userID string) error {
	if err := s.repo.ArchiveConversation(ctx, conversationID, userID); err != nil {
		if !errors.Is(err, repository.ErrConversationNotFound) {
			s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to archive conversation")
		}
		return err
	}
	return nil
}

func (s *conversationService) ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]model.Message, error) {
	messages, err := s.repo.ListMessages(ctx, conversationID, userID, limit)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return nil, err
		}
		s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to list messages")
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return messages, nil
}
