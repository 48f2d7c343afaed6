package negotiation

import (
	"sync"
	"sync/atomic"

	"github.com/arzzra/callcore/pkg/media"
)

// Role роль стороны в согласовании. Фиксируется при создании сессии.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unknown"
	}
}

// State состояние согласования одной сессии.
//
// Все переходы выполняет Engine. Снаружи доступны только чтение и Close.
type State struct {
	sessionID string
	localID   string
	remoteID  string
	role      Role

	mu             sync.Mutex
	conn           media.Connection
	tracksAttached bool
	localStarted   bool
	localApplied   bool
	remoteApplied  bool
	pending        []media.ICECandidate

	closed atomic.Bool
}

// NewState создает состояние для сессии sessionID между localID и remoteID
func NewState(sessionID, localID, remoteID string, role Role) *State {
	return &State{
		sessionID: sessionID,
		localID:   localID,
		remoteID:  remoteID,
		role:      role,
	}
}

func (s *State) SessionID() string { return s.sessionID }
func (s *State) Role() Role        { return s.role }

// Pending копия очереди удаленных кандидатов, ожидающих удаленного описания
func (s *State) Pending() []media.ICECandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.ICECandidate(nil), s.pending...)
}

func (s *State) RemoteApplied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteApplied
}

func (s *State) LocalApplied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localApplied
}

func (s *State) Closed() bool { return s.closed.Load() }

// Close помечает состояние закрытым и очищает очередь кандидатов.
// Соединение закрывает владелец. Повторный вызов ничего не делает.
func (s *State) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}
