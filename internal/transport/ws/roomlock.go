package ws

import (
	"sync"

	"github.com/cwrk-planet/chat-gateway/internal/domain"
)

// roomLocks — мьютекс на проект. Запись сообщения и рассылка идут под ним,
// поэтому участники видят сообщения в порядке фиксации в хранилище.
// Запись удаляется, когда её никто не держит и не ждёт.
type roomLocks struct {
	mu    sync.Mutex
	locks map[domain.ProjectID]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[domain.ProjectID]*roomLock)}
}

func (l *roomLocks) lock(projectID domain.ProjectID) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[projectID]
	if !ok {
		rl = &roomLock{}
		l.locks[projectID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, projectID)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
