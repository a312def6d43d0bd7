package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
)

type ErrorCode string

// Коды ошибок, которые клиент получает в событии {"type":"error"}.
const (
	CodeAuthRequired     ErrorCode = "AUTH_REQUIRED"
	CodeProjectNotFound  ErrorCode = "PROJECT_NOT_FOUND"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidJSON      ErrorCode = "INVALID_JSON"
	CodeEmptyMessage     ErrorCode = "EMPTY_MESSAGE"
	CodeMessageTooLong   ErrorCode = "MESSAGE_TOO_LONG"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

var codeText = map[ErrorCode]string{
	CodeAuthRequired:     "Authentication required",
	CodeProjectNotFound:  "Project does not exist",
	CodePermissionDenied: "You do not have access to this project",
	CodeInvalidJSON:      "Invalid JSON payload",
	CodeEmptyMessage:     "Message cannot be empty",
	CodeMessageTooLong:   "Message is too long",
	CodeRateLimited:      "Too many messages, slow down",
	CodeInternal:         "Message could not be processed, try again",
}

// Fatal — после этих ошибок сервер закрывает соединение.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeAuthRequired, CodeProjectNotFound, CodePermissionDenied:
		return true
	}
	return false
}

// Event — закрытый набор исходящих событий; реализации есть только в этом пакете.
type Event interface {
	event()
}

type ConnectionSuccess struct {
	User domain.User
}

type ChatMessage struct {
	Message domain.ChatMessage
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (ConnectionSuccess) event() {}
func (ChatMessage) event()       {}
func (Error) event()             {}

func NewError(code ErrorCode) Error {
	return Error{Code: code, Message: codeText[code]}
}

// --- wire ---

const (
	typeConnectionSuccess = "connection_success"
	typeChatMessage       = "chat_message"
	typeError             = "error"
)

type userFrame struct {
	ID             int64  `json:"id"`
	Email          string `json:"email"`
	GithubUsername string `json:"github_username"`
}

type connectionSuccessFrame struct {
	Type string    `json:"type"`
	User userFrame `json:"user"`
}

type chatMessageFrame struct {
	Type      string    `json:"type"`
	ID        int64     `json:"id"`
	Sender    userFrame `json:"sender"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp"`
}

type errorFrame struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func toUserFrame(u domain.User) userFrame {
	return userFrame{ID: int64(u.ID), Email: u.Email, GithubUsername: u.GithubUsername}
}

// FormatTimestamp — ISO-8601 в UTC, как в истории сообщений.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Encode сериализует событие для отправки в сокет.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case ConnectionSuccess:
		return json.Marshal(connectionSuccessFrame{
			Type: typeConnectionSuccess,
			User: toUserFrame(e.User),
		})
	case ChatMessage:
		return json.Marshal(chatMessageFrame{
			Type:      typeChatMessage,
			ID:        e.Message.ID,
			Sender:    toUserFrame(e.Message.Sender),
			Message:   e.Message.Body,
			Timestamp: FormatTimestamp(e.Message.CreatedAt),
		})
	case Error:
		return json.Marshal(errorFrame{
			Type:    typeError,
			Code:    e.Code,
			Message: e.Message,
		})
	default:
		return nil, fmt.Errorf("ws: unknown event %T", ev)
	}
}

// --- inbound ---

var errBadEnvelope = errors.New("message must be a string")

type inboundFrame struct {
	Message json.RawMessage `json:"message"`
}

// decodeInbound разбирает {"message": string}. Отсутствующее или null поле
// даёт пустую строку (дальше это EMPTY_MESSAGE), нестроковое — ошибку формата.
func decodeInbound(data []byte) (string, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return "", err
	}
	if len(in.Message) == 0 || string(in.Message) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(in.Message, &text); err != nil {
		return "", errBadEnvelope
	}
	return text, nil
}
