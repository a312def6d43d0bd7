package postgres

import (
	"context"
	"errors"

	"github.com/cwrk-planet/chat-gateway/internal/domain"

	"github.com/jackc/pgx/v5"
)

type UserRepository struct {
	q querier
}

func NewUserRepository(q querier) *UserRepository {
	return &UserRepository{q: q}
}

func (r *UserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var (
		uid            int64
		email          string
		githubUsername string
	)
	err := r.q.QueryRow(ctx, queryGetUserByID, int64(id)).Scan(&uid, &email, &githubUsername)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &domain.User{
		ID:             domain.UserID(uid),
		Email:          email,
		GithubUsername: githubUsername,
	}, nil
}
