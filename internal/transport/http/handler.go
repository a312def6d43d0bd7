package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
	httpmw "github.com/cwrk-planet/chat-gateway/internal/transport/http/middleware"
	"github.com/cwrk-planet/chat-gateway/internal/transport/ws"
	"github.com/cwrk-planet/chat-gateway/pkg/logger"
)

type HistoryService interface {
	History(ctx context.Context, projectID domain.ProjectID, after string, limit int) ([]domain.ChatMessage, string, error)
}

type AccessChecker interface {
	Authorize(ctx context.Context, projectID domain.ProjectID, userID domain.UserID) error
}

type Handler struct {
	history HistoryService
	access  AccessChecker
}

func NewHandler(history HistoryService, access AccessChecker) *Handler {
	return &Handler{history: history, access: access}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, domain.ErrProjectNotFound):
		return http.StatusNotFound, "project not found"
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden, "you do not have access to this project"
	case errors.Is(err, domain.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid cursor"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// GET /api/chat/messages?project_id=&limit=&after=
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID, ok := domain.ParseProjectID(q.Get("project_id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "project_id is required"})
		return
	}

	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	user := httpmw.UserFromCtx(r.Context())
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return
	}

	if err := h.access.Authorize(r.Context(), projectID, user.ID); err != nil {
		h.fail(w, r, "handler.ListMessages.Authorize", err)
		return
	}

	items, next, err := h.history.History(r.Context(), projectID, q.Get("after"), limit)
	if err != nil {
		h.fail(w, r, "handler.ListMessages", err)
		return
	}

	resp := ChatHistoryResponse{Messages: make([]ChatMessageItem, 0, len(items)), NextCursor: next}
	for _, m := range items {
		resp.Messages = append(resp.Messages, ChatMessageItem{
			ID:        m.ID,
			ProjectID: int64(m.ProjectID),
			Sender: SenderItem{
				ID:             int64(m.Sender.ID),
				Email:          m.Sender.Email,
				GithubUsername: m.Sender.GithubUsername,
			},
			Message:   m.Body,
			Timestamp: ws.FormatTimestamp(m.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(op, "err", err)
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}
