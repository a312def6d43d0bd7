package http

type ErrorResponse struct {
	Error string `json:"error"`
}

type SenderItem struct {
	ID             int64  `json:"id"`
	Email          string `json:"email"`
	GithubUsername string `json:"github_username"`
}

type ChatMessageItem struct {
	ID        int64      `json:"id"`
	ProjectID int64      `json:"project_id"`
	Sender    SenderItem `json:"sender"`
	Message   string     `json:"message"`
	Timestamp string     `json:"timestamp"`
}

type ChatHistoryResponse struct {
	Messages   []ChatMessageItem `json:"messages"`
	NextCursor string            `json:"next_cursor,omitempty"`
}
