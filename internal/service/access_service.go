package service

import (
	"context"
	"fmt"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
)

type ProjectRepository interface {
	Exists(ctx context.Context, id domain.ProjectID) (bool, error)
	HasAccess(ctx context.Context, id domain.ProjectID, userID domain.UserID) (bool, error)
}

// AccessService отвечает, может ли пользователь читать и писать в чат проекта:
// владелец или участник.
type AccessService struct {
	projects ProjectRepository
}

func NewAccessService(projects ProjectRepository) *AccessService {
	return &AccessService{projects: projects}
}

func (s *AccessService) ProjectExists(ctx context.Context, id domain.ProjectID) (bool, error) {
	return s.projects.Exists(ctx, id)
}

func (s *AccessService) HasAccess(ctx context.Context, id domain.ProjectID, userID domain.UserID) (bool, error) {
	return s.projects.HasAccess(ctx, id, userID)
}

// Authorize проверяет существование проекта, затем доступ.
// Возвращает domain.ErrProjectNotFound или domain.ErrPermissionDenied.
func (s *AccessService) Authorize(ctx context.Context, id domain.ProjectID, userID domain.UserID) error {
	exists, err := s.projects.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("projects.Exists: %w", err)
	}
	if !exists {
		return domain.ErrProjectNotFound
	}

	ok, err := s.projects.HasAccess(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("projects.HasAccess: %w", err)
	}
	if !ok {
		return domain.ErrPermissionDenied
	}
	return nil
}
