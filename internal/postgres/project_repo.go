package postgres

import (
	"context"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
)

type ProjectRepository struct {
	q querier
}

func NewProjectRepository(q querier) *ProjectRepository {
	return &ProjectRepository{q: q}
}

func (r *ProjectRepository) Exists(ctx context.Context, id domain.ProjectID) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, queryProjectExists, int64(id)).Scan(&exists)
	return exists, err
}

func (r *ProjectRepository) HasAccess(ctx context.Context, id domain.ProjectID, userID domain.UserID) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx, queryProjectHasAccess, int64(id), int64(userID)).Scan(&ok)
	return ok, err
}
