package service

import (
	"context"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
)

type ChatStore interface {
	Append(ctx context.Context, projectID domain.ProjectID, sender domain.User, body string) (*domain.ChatMessage, error)
	ListByProject(ctx context.Context, projectID domain.ProjectID, after string, limit int) ([]domain.ChatMessage, string, error)
}

const maxHistoryPage = 500

type ChatService struct {
	store    ChatStore
	maxRunes int
}

func NewChatService(store ChatStore, maxRunes int) *ChatService {
	if maxRunes <= 0 {
		maxRunes = domain.DefaultMaxBodyRunes
	}
	return &ChatService{store: store, maxRunes: maxRunes}
}

// Validate — те же проверки, что и в Send, без обращения к хранилищу.
func (s *ChatService) Validate(body string) (string, error) {
	return domain.NormalizeBody(body, s.maxRunes)
}

// Send валидирует тело и сохраняет сообщение. Пустое тело в хранилище не попадает.
func (s *ChatService) Send(ctx context.Context, projectID domain.ProjectID, sender domain.User, body string) (*domain.ChatMessage, error) {
	text, err := domain.NormalizeBody(body, s.maxRunes)
	if err != nil {
		return nil, err
	}
	return s.store.Append(ctx, projectID, sender, text)
}

// History — сообщения проекта по возрастанию времени. limit <= 0 — вся история.
func (s *ChatService) History(ctx context.Context, projectID domain.ProjectID, after string, limit int) ([]domain.ChatMessage, string, error) {
	if limit > maxHistoryPage {
		limit = maxHistoryPage
	}
	return s.store.ListByProject(ctx, projectID, after, limit)
}
