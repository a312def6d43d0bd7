package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
	"github.com/cwrk-planet/chat-gateway/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = domain.User{ID: 1, Email: "alice@x.io", GithubUsername: "alice"}
	bob   = domain.User{ID: 2, Email: "bob@x.io", GithubUsername: "bob"}
	carol = domain.User{ID: 3, Email: "carol@x.io", GithubUsername: "carol"}
)

type tokenAuth map[string]domain.User

func (a tokenAuth) Authenticate(r *http.Request) (*domain.User, error) {
	u, ok := a[r.URL.Query().Get("token")]
	if !ok {
		return nil, domain.ErrUnauthenticated
	}
	return &u, nil
}

type memberships map[domain.ProjectID][]domain.UserID

func (m memberships) Authorize(_ context.Context, pid domain.ProjectID, uid domain.UserID) error {
	members, ok := m[pid]
	if !ok {
		return domain.ErrProjectNotFound
	}
	for _, id := range members {
		if id == uid {
			return nil
		}
	}
	return domain.ErrPermissionDenied
}

type memStore struct {
	mu   sync.Mutex
	fail bool
	msgs []domain.ChatMessage
	// afterCommit вызывается после записи, вне мьютекса хранилища
	afterCommit func(m domain.ChatMessage)
}

func (s *memStore) Append(_ context.Context, pid domain.ProjectID, sender domain.User, body string) (*domain.ChatMessage, error) {
	s.mu.Lock()
	if s.fail {
		s.mu.Unlock()
		return nil, errors.New("db is down")
	}
	m := domain.ChatMessage{
		ID:        int64(len(s.msgs) + 1),
		ProjectID: pid,
		Sender:    sender,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	s.msgs = append(s.msgs, m)
	hook := s.afterCommit
	s.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return &m, nil
}

func (s *memStore) ListByProject(_ context.Context, pid domain.ProjectID, _ string, _ int) ([]domain.ChatMessage, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatMessage
	for _, m := range s.msgs {
		if m.ProjectID == pid {
			out = append(out, m)
		}
	}
	return out, "", nil
}

func (s *memStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type failingFanout struct {
	calls atomic.Int32
}

func (f *failingFanout) Publish(context.Context, domain.ProjectID, []byte) error {
	f.calls.Add(1)
	return errors.New("redis: connection refused")
}

type testEnv struct {
	srv     *httptest.Server
	gw      *Gateway
	store   *memStore
	chat    *service.ChatService
	reg     *Registry
	baseURL string
}

func newTestEnv(t *testing.T, cfg Config, maxRunes int) *testEnv {
	t.Helper()
	return newTestEnvWith(t, cfg, maxRunes, &memStore{}, nil)
}

func newTestEnvWith(t *testing.T, cfg Config, maxRunes int, store *memStore, fanout Fanout) *testEnv {
	t.Helper()

	chat := service.NewChatService(store, maxRunes)
	reg := NewRegistry()
	auth := tokenAuth{"ta": alice, "tb": bob, "tc": carol}
	access := memberships{
		7: {alice.ID, bob.ID},
		8: {carol.ID},
	}
	gw := NewGateway(cfg, auth, access, chat, reg, fanout, nil)

	r := chi.NewRouter()
	r.Get("/ws/chat/{projectID}", gw.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:     srv,
		gw:      gw,
		store:   store,
		chat:    chat,
		reg:     reg,
		baseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (e *testEnv) dial(t *testing.T, project, token string) *websocket.Conn {
	t.Helper()
	url := e.baseURL + "/ws/chat/" + project
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join подключается и дочитывает connection_success.
func (e *testEnv) join(t *testing.T, project, token string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, project, token)
	ev := readEvent(t, conn)
	require.Equal(t, "connection_success", ev["type"], ev)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
}

func TestGateway_HandshakeRejections(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)

	tests := []struct {
		name    string
		project string
		token   string
		code    string
	}{
		{"no token", "7", "", "AUTH_REQUIRED"},
		{"bad token", "7", "nope", "AUTH_REQUIRED"},
		{"missing project", "999", "ta", "PROJECT_NOT_FOUND"},
		{"non numeric project", "abc", "ta", "PROJECT_NOT_FOUND"},
		{"not a member", "7", "tc", "PERMISSION_DENIED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(t, tt.project, tt.token)

			ev := readEvent(t, conn)
			assert.Equal(t, "error", ev["type"])
			assert.Equal(t, tt.code, ev["code"])
			assert.NotEmpty(t, ev["message"])

			expectClose(t, conn, websocket.ClosePolicyViolation)
		})
	}
	assert.Equal(t, 0, env.reg.Rooms())
}

func TestGateway_ConnectionSuccess(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)

	conn := env.dial(t, "7", "ta")
	ev := readEvent(t, conn)

	assert.Equal(t, "connection_success", ev["type"])
	user := ev["user"].(map[string]any)
	assert.EqualValues(t, 1, user["id"])
	assert.Equal(t, "alice@x.io", user["email"])
	assert.Equal(t, "alice", user["github_username"])
	assert.Equal(t, 1, env.reg.Count(7))
}

func TestGateway_BroadcastToRoomIncludingSender(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)

	a := env.join(t, "7", "ta")
	b := env.join(t, "7", "tb")
	c := env.join(t, "8", "tc")

	send(t, a, `{"message":"  hello team  "}`)

	fromA := readRaw(t, a)
	fromB := readRaw(t, b)
	assert.Equal(t, fromA, fromB, "every member gets an identical frame")

	var ev map[string]any
	require.NoError(t, json.Unmarshal(fromA, &ev))
	assert.Equal(t, "chat_message", ev["type"])
	assert.Equal(t, "hello team", ev["message"])
	assert.EqualValues(t, 1, ev["id"])
	assert.Equal(t, "alice", ev["sender"].(map[string]any)["github_username"])
	_, err := time.Parse(time.RFC3339Nano, ev["timestamp"].(string))
	assert.NoError(t, err)

	// другой проект ничего не получает
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = c.ReadMessage()
	assert.Error(t, err)
}

func TestGateway_RecoverableErrors(t *testing.T) {
	env := newTestEnv(t, Config{}, 10)

	a := env.join(t, "7", "ta")
	b := env.join(t, "7", "tb")

	cases := []struct {
		raw  string
		code string
	}{
		{`{not json`, "INVALID_JSON"},
		{`{"message":123}`, "INVALID_JSON"},
		{`{"message":"   "}`, "EMPTY_MESSAGE"},
		{`{}`, "EMPTY_MESSAGE"},
		{`{"message":null}`, "EMPTY_MESSAGE"},
		{`{"message":"far too long for ten"}`, "MESSAGE_TOO_LONG"},
	}
	for _, tc := range cases {
		send(t, a, tc.raw)
		ev := readEvent(t, a)
		assert.Equal(t, "error", ev["type"], tc.raw)
		assert.Equal(t, tc.code, ev["code"], tc.raw)
	}
	assert.Zero(t, env.store.count())

	// соединение живо, а B ничего не получал до этого сообщения
	send(t, a, `{"message":"ok"}`)
	assert.Equal(t, "chat_message", readEvent(t, a)["type"])
	evB := readEvent(t, b)
	assert.Equal(t, "chat_message", evB["type"])
	assert.Equal(t, "ok", evB["message"])
}

func TestGateway_StoreFailure(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)

	a := env.join(t, "7", "ta")
	b := env.join(t, "7", "tb")

	env.store.setFail(true)
	send(t, a, `{"message":"lost"}`)
	ev := readEvent(t, a)
	assert.Equal(t, "INTERNAL_ERROR", ev["code"])

	env.store.setFail(false)
	send(t, a, `{"message":"kept"}`)
	readEvent(t, a)
	assert.Equal(t, "kept", readEvent(t, b)["message"])
}

func TestGateway_RateLimited(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 0.01, RateBurst: 1}, 0)

	a := env.join(t, "7", "ta")

	send(t, a, `{"message":"one"}`)
	assert.Equal(t, "chat_message", readEvent(t, a)["type"])

	send(t, a, `{"message":"two"}`)
	ev := readEvent(t, a)
	assert.Equal(t, "RATE_LIMITED", ev["code"])
	assert.Equal(t, 1, env.store.count())
}

func TestGateway_DisconnectLeavesRoom(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)

	a := env.join(t, "7", "ta")
	b := env.join(t, "7", "tb")
	require.Equal(t, 2, env.reg.Count(7))

	_ = a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = a.Close()
	require.Eventually(t, func() bool { return env.reg.Count(7) == 1 }, 3*time.Second, 10*time.Millisecond)

	_ = b.Close()
	require.Eventually(t, func() bool { return env.reg.Rooms() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestGateway_HistoryMatchesLiveOrder(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)

	a := env.join(t, "7", "ta")
	b := env.join(t, "7", "tb")

	var live []string
	for _, text := range []string{"first", "second", "third"} {
		send(t, a, `{"message":"`+text+`"}`)
		readEvent(t, a)
		live = append(live, readEvent(t, b)["message"].(string))
	}
	send(t, b, `{"message":"fourth"}`)
	readEvent(t, b)
	live = append(live, readEvent(t, a)["message"].(string))

	hist, _, err := env.chat.History(context.Background(), 7, "", 0)
	require.NoError(t, err)
	var stored []string
	for _, m := range hist {
		stored = append(stored, m.Body)
	}
	assert.Equal(t, live, stored)
}

func TestGateway_Shutdown(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)

	a := env.join(t, "7", "ta")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))

	expectClose(t, a, websocket.CloseGoingAway)
	assert.Equal(t, 0, env.reg.Rooms())

	_, resp, err := websocket.DefaultDialer.Dial(env.baseURL+"/ws/chat/7?token=ta", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_CheckOrigin(t *testing.T) {
	g := NewGateway(Config{AllowedOrigins: []string{"app.example.com"}}, nil, nil, nil, NewRegistry(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws/chat/1", nil)
	assert.True(t, g.checkOrigin(req), "no Origin header")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, g.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, g.checkOrigin(req))
}

func TestGateway_InvalidFramesDoNotSpendRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 0.01, RateBurst: 1}, 5)

	a := env.join(t, "7", "ta")

	cases := []struct {
		raw  string
		code string
	}{
		{`{"message":"   "}`, "EMPTY_MESSAGE"},
		{`{"message":"   "}`, "EMPTY_MESSAGE"},
		{`{"message":"too long"}`, "MESSAGE_TOO_LONG"},
		{`{not json`, "INVALID_JSON"},
	}
	for _, tc := range cases {
		send(t, a, tc.raw)
		assert.Equal(t, tc.code, readEvent(t, a)["code"], tc.raw)
	}

	send(t, a, `{"message":"one"}`)
	ev := readEvent(t, a)
	assert.Equal(t, "chat_message", ev["type"], ev)

	send(t, a, `{"message":"two"}`)
	assert.Equal(t, "RATE_LIMITED", readEvent(t, a)["code"])
	assert.Equal(t, 1, env.store.count())
}

func TestGateway_ConcurrentSendersSeeCommitOrder(t *testing.T) {
	store := &memStore{}
	committed := make(chan struct{}, 1)
	store.afterCommit = func(m domain.ChatMessage) {
		if m.Body == "first" {
			committed <- struct{}{}
			time.Sleep(300 * time.Millisecond)
		}
	}
	env := newTestEnvWith(t, Config{}, 0, store, nil)

	a := env.join(t, "7", "ta")
	b := env.join(t, "7", "tb")

	send(t, a, `{"message":"first"}`)
	select {
	case <-committed:
	case <-time.After(3 * time.Second):
		t.Fatal("first message was not stored")
	}
	time.Sleep(50 * time.Millisecond)
	send(t, b, `{"message":"second"}`)

	liveOf := func(conn *websocket.Conn) []string {
		var out []string
		for i := 0; i < 2; i++ {
			ev := readEvent(t, conn)
			require.Equal(t, "chat_message", ev["type"], ev)
			out = append(out, ev["message"].(string))
		}
		return out
	}
	liveA := liveOf(a)
	liveB := liveOf(b)

	hist, _, err := env.chat.History(context.Background(), 7, "", 0)
	require.NoError(t, err)
	var stored []string
	for _, m := range hist {
		stored = append(stored, m.Body)
	}
	assert.Equal(t, []string{"first", "second"}, stored)
	assert.Equal(t, stored, liveA)
	assert.Equal(t, stored, liveB)
	assert.Zero(t, env.gw.rooms.len())
}

func TestGateway_PublishFailureFallsBackToLocalRoom(t *testing.T) {
	fanout := &failingFanout{}
	env := newTestEnvWith(t, Config{}, 0, &memStore{}, fanout)

	a := env.join(t, "7", "ta")
	b := env.join(t, "7", "tb")

	send(t, a, `{"message":"stored"}`)
	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, "chat_message", ev["type"], ev)
		assert.Equal(t, "stored", ev["message"])
		assert.EqualValues(t, 1, ev["id"])
	}

	// отправителю не приходит INTERNAL_ERROR: следующий кадр снова chat_message
	send(t, a, `{"message":"again"}`)
	ev := readEvent(t, a)
	assert.Equal(t, "chat_message", ev["type"], ev)
	assert.Equal(t, "again", ev["message"])

	assert.Equal(t, 2, env.store.count())
	assert.EqualValues(t, 2, fanout.calls.Load())
}

func TestGateway_SlowConsumerIsDropped(t *testing.T) {
	env := newTestEnv(t, Config{SendBuffer: 1, WriteWait: 300 * time.Millisecond}, 0)

	a := env.join(t, "7", "ta")
	env.join(t, "7", "tb") // дальше B ничего не читает
	require.Equal(t, 2, env.reg.Count(7))

	var slow *Session
	for _, m := range env.reg.snapshot(7) {
		if s := m.(*Session); s.User().ID == bob.ID {
			slow = s
		}
	}
	require.NotNil(t, slow)

	_ = a.SetReadDeadline(time.Time{})
	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			_, data, err := a.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}()
	next := func() []byte {
		select {
		case data, ok := <-frames:
			require.True(t, ok, "healthy member was disconnected")
			return data
		case <-time.After(3 * time.Second):
			t.Fatal("healthy member stopped receiving")
		}
		return nil
	}

	// сокет B забивается, его очередь на один кадр переполняется
	big := bytes.Repeat([]byte("x"), 1<<20)
	for i := 0; i < 200 && env.reg.Count(7) == 2; i++ {
		env.reg.Broadcast(7, big)
		next()
	}
	require.Eventually(t, func() bool { return env.reg.Count(7) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, websocket.CloseTryAgainLater, slow.DropCode())
	assert.Equal(t, StateClosed, slow.State())

	send(t, a, `{"message":"still here"}`)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(next(), &ev))
	assert.Equal(t, "chat_message", ev["type"])
	assert.Equal(t, "still here", ev["message"])
	assert.Equal(t, 1, env.reg.Count(7))
}
