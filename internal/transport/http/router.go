package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	httpmw "github.com/cwrk-planet/chat-gateway/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Handler        *Handler
	Auth           httpmw.Authenticator
	WS             http.HandlerFunc
	DB             Pinger // nil — /readyz всегда 200
	AllowedOrigins []string
	Logger         *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(httpmw.WithRequestLogger(d.Logger))
	r.Use(httpmw.RequestLogger)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// WS: авторизация внутри сессии, после апгрейда
	r.Get("/ws/chat/{projectID}", d.WS)

	r.Group(func(pr chi.Router) {
		pr.Use(httpmw.Auth(d.Auth))
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		pr.Get("/api/chat/messages", d.Handler.ListMessages)
	})

	// health
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.DB.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "database unavailable"})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
