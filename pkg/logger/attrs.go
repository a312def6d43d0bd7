package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

func ensureInstanceID(v string) string {
	if v != "" {
		return v
	}
	hn, _ := os.Hostname()
	return hn + "-" + uuid.NewString()[:8]
}

func commonAttrs(cfg Config) []slog.Attr {
	return []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.Time("started_at", time.Now()),
	}
}

// ForSession — логгер одной ws-сессии.
func ForSession(base *slog.Logger, sessionID string, projectID, userID int64) *slog.Logger {
	if base == nil {
		base = L()
	}
	return base.With(
		slog.String("session_id", sessionID),
		slog.Int64("project_id", projectID),
		slog.Int64("user_id", userID),
	)
}
