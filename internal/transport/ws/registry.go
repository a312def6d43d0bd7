package ws

import (
	"context"
	"sync"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
)

// Member — участник комнаты с точки зрения рассылки.
type Member interface {
	ID() string
	// Deliver кладёт payload в очередь отправки и не блокируется.
	// false — участник не может принять сообщение (закрыт или переполнен).
	Deliver(payload []byte) bool
	// Drop просит участника отключиться. Не блокируется, повторные вызовы безопасны.
	Drop(code int, reason string)
}

type room struct {
	mu      sync.RWMutex
	members map[string]Member
}

// Registry — projectID -> набор подключённых сессий. Единственный механизм рассылки.
// Глобальная блокировка держится только на время поиска/изменения карты,
// рассылка идёт по снимку участников без блокировок.
type Registry struct {
	mu    sync.Mutex
	rooms map[domain.ProjectID]*room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.ProjectID]*room)}
}

// Join идемпотентен: повторное добавление той же сессии ничего не меняет.
func (r *Registry) Join(projectID domain.ProjectID, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[projectID]
	if !ok {
		rm = &room{members: make(map[string]Member)}
		r.rooms[projectID] = rm
	}
	rm.mu.Lock()
	rm.members[m.ID()] = m
	rm.mu.Unlock()
}

// Leave убирает сессию; пустая комната удаляется сразу.
func (r *Registry) Leave(projectID domain.ProjectID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[projectID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, sessionID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, projectID)
	}
}

// Broadcast доставляет payload всем участникам комнаты, включая отправителя.
// Участник, не принявший сообщение, отключается сам; ошибка наружу не уходит.
// Возвращает число успешных доставок.
func (r *Registry) Broadcast(projectID domain.ProjectID, payload []byte) int {
	members := r.snapshot(projectID)

	delivered := 0
	for _, m := range members {
		if m.Deliver(payload) {
			delivered++
			continue
		}
		m.Drop(closeTryAgainLater, "send buffer overflow")
	}
	return delivered
}

// Publish — локальная рассылка без внешнего брокера.
func (r *Registry) Publish(_ context.Context, projectID domain.ProjectID, payload []byte) error {
	r.Broadcast(projectID, payload)
	return nil
}

func (r *Registry) snapshot(projectID domain.ProjectID) []Member {
	r.mu.Lock()
	rm, ok := r.rooms[projectID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m)
	}
	return out
}

// Count — сколько сессий сейчас в комнате проекта.
func (r *Registry) Count(projectID domain.ProjectID) int {
	r.mu.Lock()
	rm, ok := r.rooms[projectID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// Rooms — число непустых комнат.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close очищает все комнаты и возвращает бывших участников,
// чтобы вызывающий мог их отключить.
func (r *Registry) Close() []Member {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[domain.ProjectID]*room)
	r.mu.Unlock()

	var out []Member
	for _, rm := range rooms {
		rm.mu.RLock()
		for _, m := range rm.members {
			out = append(out, m)
		}
		rm.mu.RUnlock()
	}
	return out
}
