package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
	"github.com/cwrk-planet/chat-gateway/internal/security"
)

type UserRepository interface {
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
}

type TokenVerifier interface {
	ParseAndValidate(tokenStr string) (*security.AccessClaims, error)
}

// IdentityService превращает bearer-токен в публичный профиль пользователя.
type IdentityService struct {
	verifier TokenVerifier
	users    UserRepository
}

func NewIdentityService(verifier TokenVerifier, users UserRepository) *IdentityService {
	return &IdentityService{verifier: verifier, users: users}
}

func (s *IdentityService) Resolve(ctx context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, domain.ErrUnauthenticated
	}
	claims, err := s.verifier.ParseAndValidate(token)
	if err != nil {
		slog.Debug("identity.resolve: token rejected", slog.Any("err", err))
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	uid, err := security.SubjectAsUserID(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	u, err := s.users.GetByID(ctx, uid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %d not found", domain.ErrUnauthenticated, uid)
		}
		return nil, fmt.Errorf("users.GetByID: %w", err)
	}
	return u, nil
}

// Authenticate — то же самое для входящего HTTP/WS запроса.
func (s *IdentityService) Authenticate(r *http.Request) (*domain.User, error) {
	return s.Resolve(r.Context(), security.BearerToken(r))
}
