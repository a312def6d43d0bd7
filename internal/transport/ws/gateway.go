package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
	"github.com/cwrk-planet/chat-gateway/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type Authenticator interface {
	Authenticate(r *http.Request) (*domain.User, error)
}

type AccessChecker interface {
	Authorize(ctx context.Context, projectID domain.ProjectID, userID domain.UserID) error
}

type ChatSender interface {
	// Validate нормализует тело без записи: пустое или слишком длинное — ошибка.
	Validate(body string) (string, error)
	Send(ctx context.Context, projectID domain.ProjectID, sender domain.User, body string) (*domain.ChatMessage, error)
}

// Fanout доставляет закодированное событие всем сессиям комнаты:
// локально (Registry) или через брокер (relay.Redis).
type Fanout interface {
	Publish(ctx context.Context, projectID domain.ProjectID, payload []byte) error
}

type Config struct {
	SendBuffer      int
	WriteWait       time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	StoreTimeout    time.Duration
	RateLimit       float64 // сообщений в секунду на сессию, 0 — без ограничения
	RateBurst       int
	AllowedOrigins  []string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
	return c
}

type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader

	auth     Authenticator
	access   AccessChecker
	chat     ChatSender
	registry *Registry
	fanout   Fanout
	rooms    *roomLocks

	log *slog.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewGateway: fanout == nil — рассылка напрямую через registry.
func NewGateway(cfg Config, auth Authenticator, access AccessChecker, chat ChatSender, registry *Registry, fanout Fanout, log *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	if fanout == nil {
		fanout = registry
	}
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		cfg:      cfg,
		auth:     auth,
		access:   access,
		chat:     chat,
		registry: registry,
		fanout:   fanout,
		rooms:    newRoomLocks(),
		log:      log,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) Registry() *Registry { return g.registry }

// WS endpoint: GET /ws/chat/{projectID}?token=...
// Транспорт принимается всегда; ошибки доступа приходят кадром error и закрытием.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !g.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	rawProjectID := chi.URLParam(r, "projectID")

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}

	s := newSession(conn, g.cfg, g.log)
	s.onClose = func(s *Session) { g.registry.Leave(s.projectID, s.id) }
	defer s.close()

	if !g.handshake(r, s, rawProjectID) {
		return
	}

	go s.writePump()
	g.readLoop(r.Context(), s)

	s.close()
	<-s.writerDone
	s.log.Info("ws session closed", slog.Int("drop_code", s.DropCode()))
}

func (g *Gateway) handshake(r *http.Request, s *Session, rawProjectID string) bool {
	_ = s.transition(StateAuthenticating)

	user, err := g.auth.Authenticate(r)
	if err != nil || user == nil {
		s.log.Info("ws auth rejected", slog.Any("err", err))
		g.fail(s, CodeAuthRequired)
		return false
	}
	s.user = user
	_ = s.transition(StateAuthorized)

	projectID, ok := domain.ParseProjectID(rawProjectID)
	if !ok {
		g.fail(s, CodeProjectNotFound)
		return false
	}
	s.projectID = projectID
	s.log = logger.ForSession(g.log, s.id, int64(projectID), int64(user.ID))

	if err := g.access.Authorize(r.Context(), projectID, user.ID); err != nil {
		code := authorizeCode(err)
		if code == CodeInternal {
			s.log.Error("ws authorize failed", slog.Any("err", err))
		} else {
			s.log.Info("ws access rejected", slog.String("code", string(code)))
		}
		g.fail(s, code)
		return false
	}

	// connection_success ставится в очередь до Join: первый кадр сессии всегда он
	data, err := Encode(ConnectionSuccess{User: *user})
	if err != nil {
		g.fail(s, CodeInternal)
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		s.closeConn(closeGoingAway, "server shutting down")
		return false
	}
	if err := s.transition(StateJoined); err != nil {
		return false
	}
	s.Deliver(data)
	g.registry.Join(projectID, s)
	s.log.Info("ws session joined")
	return true
}

// fail — ошибка до входа в комнату: кадр error и закрытие с policy violation.
func (g *Gateway) fail(s *Session, code ErrorCode) {
	_ = s.writeDirect(NewError(code))
	closeCode := closePolicy
	if code == CodeInternal {
		closeCode = closeInternal
	}
	s.closeConn(closeCode, string(code))
	s.close()
}

func (g *Gateway) readLoop(ctx context.Context, s *Session) {
	conn := s.conn
	readWait := 2 * g.cfg.PingInterval

	conn.SetReadLimit(g.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("ws read failed", slog.Any("err", err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		g.handleFrame(ctx, s, data)
	}
}

// handleFrame обрабатывает один входящий кадр. Кадры сессии идут строго по очереди.
// Лимит расходуется только на сообщения, прошедшие валидацию.
func (g *Gateway) handleFrame(ctx context.Context, s *Session, data []byte) {
	body, err := decodeInbound(data)
	if err != nil {
		s.reply(NewError(CodeInvalidJSON))
		return
	}
	body, err = g.chat.Validate(body)
	if err != nil {
		s.reply(NewError(sendCode(err)))
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.reply(NewError(CodeRateLimited))
		return
	}

	sctx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	defer cancel()

	// запись и рассылка одного проекта не перемежаются
	unlock := g.rooms.lock(s.projectID)
	defer unlock()

	msg, err := g.chat.Send(sctx, s.projectID, *s.user, body)
	if err != nil {
		code := sendCode(err)
		if code == CodeInternal {
			s.log.Error("ws message store failed", slog.Any("err", err))
		}
		s.reply(NewError(code))
		return
	}

	payload, err := Encode(ChatMessage{Message: *msg})
	if err != nil {
		s.log.Error("ws encode failed", slog.Any("err", err))
		s.reply(NewError(CodeInternal))
		return
	}
	if err := g.fanout.Publish(sctx, s.projectID, payload); err != nil {
		// сообщение уже в истории: раздаём хотя бы своему инстансу, иначе повтор клиента даст дубль
		s.log.Error("ws publish failed, local fan-out only", slog.Int64("message_id", msg.ID), slog.Any("err", err))
		g.registry.Broadcast(s.projectID, payload)
	}
}

// Shutdown отключает все сессии с going-away и ждёт их завершения.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	members := g.registry.Close()
	for _, m := range members {
		m.Drop(closeGoingAway, "server shutting down")
	}
	g.log.Info("ws gateway shutting down", slog.Int("sessions", len(members)))

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func authorizeCode(err error) ErrorCode {
	switch {
	case errors.Is(err, domain.ErrProjectNotFound):
		return CodeProjectNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		return CodePermissionDenied
	default:
		return CodeInternal
	}
}

func sendCode(err error) ErrorCode {
	switch {
	case errors.Is(err, domain.ErrEmptyMessage):
		return CodeEmptyMessage
	case errors.Is(err, domain.ErrMessageTooLong):
		return CodeMessageTooLong
	default:
		return CodeInternal
	}
}
