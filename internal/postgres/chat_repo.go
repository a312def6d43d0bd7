package postgres

import (
	"context"
	"fmt"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
)

type ChatRepository struct {
	q querier
}

func NewChatRepository(q querier) *ChatRepository {
	return &ChatRepository{q: q}
}

// Append сохраняет сообщение; id и timestamp назначает база.
func (r *ChatRepository) Append(ctx context.Context, projectID domain.ProjectID, sender domain.User, body string) (*domain.ChatMessage, error) {
	m := domain.ChatMessage{
		ProjectID: projectID,
		Sender:    sender,
		Body:      body,
	}
	if err := r.q.QueryRow(ctx, queryAppendMessage, int64(sender.ID), int64(projectID), body).Scan(&m.ID, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return &m, nil
}

// ListByProject возвращает историю проекта по возрастанию (timestamp, id).
// limit <= 0 — без ограничения.
func (r *ChatRepository) ListByProject(ctx context.Context, projectID domain.ProjectID, after string, limit int) ([]domain.ChatMessage, string, error) {
	cur, err := DecodeCursor(after, projectID)
	if err != nil {
		return nil, "", err
	}

	var createdAt, id, lim any
	if cur != nil {
		createdAt = cur.CreatedAt
		id = cur.ID
	}
	if limit > 0 {
		lim = limit
	}

	rows, err := r.q.Query(ctx, queryListMessages, int64(projectID), createdAt, id, lim)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]domain.ChatMessage, 0, 32)
	for rows.Next() {
		var (
			m        domain.ChatMessage
			pid, uid int64
		)
		if err := rows.Scan(
			&m.ID,
			&pid,
			&m.Body,
			&m.CreatedAt,
			&uid,
			&m.Sender.Email,
			&m.Sender.GithubUsername,
		); err != nil {
			return nil, "", err
		}
		m.ProjectID = domain.ProjectID(pid)
		m.Sender.ID = domain.UserID(uid)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if limit > 0 && len(out) == limit {
		last := out[len(out)-1]
		c, err := EncodeCursor(Cursor{ProjectID: projectID, CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return nil, "", err
		}
		next = c
	}
	return out, next, nil
}
