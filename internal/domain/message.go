package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const DefaultMaxBodyRunes = 4000

type ChatMessage struct {
	ID        int64     `db:"id"`
	ProjectID ProjectID `db:"project_id"`
	Sender    User      `db:"sender"`
	Body      string    `db:"message"`
	CreatedAt time.Time `db:"timestamp"`
}

// NormalizeBody обрезает пробелы и проверяет тело сообщения до сохранения.
// maxRunes <= 0 отключает проверку длины.
func NormalizeBody(body string, maxRunes int) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyMessage
	}
	if maxRunes > 0 && utf8.RuneCountInString(body) > maxRunes {
		return "", ErrMessageTooLong
	}
	return body, nil
}
