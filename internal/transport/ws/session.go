package ws

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwrk-planet/chat-gateway/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorized
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorized:
		return "authorized"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// допустимые переходы; в Closed можно попасть из любого состояния
var transitions = map[State]State{
	StateConnecting:     StateAuthenticating,
	StateAuthenticating: StateAuthorized,
	StateAuthorized:     StateJoined,
}

const (
	closeTryAgainLater = websocket.CloseTryAgainLater
	closeGoingAway     = websocket.CloseGoingAway
	closePolicy        = websocket.ClosePolicyViolation
	closeInternal      = websocket.CloseInternalServerErr
)

// Session — одно живое соединение. Принадлежит Gateway на время соединения.
type Session struct {
	id   string
	conn *websocket.Conn
	cfg  Config
	log  *slog.Logger

	projectID domain.ProjectID // фиксируется один раз до Joined
	user      *domain.User

	limiter *rate.Limiter

	mu    sync.Mutex
	state State

	send       chan []byte
	done       chan struct{} // закрыт, когда сессия в Closed
	writerDone chan struct{}

	closeOnce sync.Once
	dropOnce  sync.Once
	dropCode  atomic.Int32 // код, с которым сервер сам отключил сессию
	onClose   func(*Session)
}

func newSession(conn *websocket.Conn, cfg Config, log *slog.Logger) *Session {
	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		cfg:        cfg,
		state:      StateConnecting,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.log = log.With(slog.String("session_id", s.id))
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ProjectID() domain.ProjectID { return s.projectID }

func (s *Session) User() *domain.User { return s.user }

// DropCode — close-код серверного отключения, 0 если сессию закрыл клиент.
func (s *Session) DropCode() int { return int(s.dropCode.Load()) }

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return fmt.Errorf("session %s: %s -> %s: already closed", s.id, s.state, to)
	}
	if to != StateClosed && transitions[s.state] != to {
		return fmt.Errorf("session %s: illegal transition %s -> %s", s.id, s.state, to)
	}
	s.state = to
	return nil
}

// Deliver — неблокирующая постановка в очередь; работает только в Joined.
func (s *Session) Deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateJoined {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Drop закрывает соединение асинхронно; чтение упадёт, и сработает штатная очистка.
func (s *Session) Drop(code int, reason string) {
	if s.State() == StateClosed {
		return
	}
	s.dropOnce.Do(func() {
		s.dropCode.Store(int32(code))
		go func() {
			s.log.Warn("ws session dropped", slog.Int("code", code), slog.String("reason", reason))
			s.closeConn(code, reason)
		}()
	})
}

// writeDirect пишет кадр из горутины сессии до запуска writePump.
func (s *Session) writeDirect(ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// reply — событие только этой сессии через её очередь.
func (s *Session) reply(ev Event) {
	data, err := Encode(ev)
	if err != nil {
		s.log.Error("ws encode failed", slog.Any("err", err))
		return
	}
	if !s.Deliver(data) {
		s.Drop(closeTryAgainLater, "send buffer overflow")
	}
}

func (s *Session) closeConn(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
	_ = s.conn.Close()
}

// close переводит сессию в Closed ровно один раз. Сессия из комнаты сначала
// снимается с регистрации, и только потом состояние становится терминальным.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.State() == StateJoined && s.onClose != nil {
			s.onClose(s)
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		close(s.writerDone)
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug("ws write failed", slog.Any("err", err))
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
