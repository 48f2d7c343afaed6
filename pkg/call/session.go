package call

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/negotiation"
)

// session единственная активная сессия контроллера. Все поля защищены
// мьютексом контроллера.
type session struct {
	id     string
	gen    uint64
	role   negotiation.Role
	remote RemoteParty
	neg    *negotiation.State

	// ctx отменяется при завершении, прерывая операции в полете
	ctx    context.Context
	cancel context.CancelFunc

	// offer удаленное предложение, хранится до AnswerCall
	offer *media.SessionDescription

	conn         media.Connection
	localStream  media.Stream
	remoteStream media.Stream
	localReady   bool
	remoteReady  bool
	muted        map[media.TrackKind]bool

	answering      bool
	answerReceived bool
	answerApplied  bool
	transportUp    bool
	// remoteKnows удаленная сторона знает о сессии, при завершении ей нужен Bye
	remoteKnows bool
	ended       bool

	createdAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	reason      EndReason

	ringTimer *time.Timer

	// sendMu упорядочивает offer/answer и Bye этой сессии. Берется без мьютекса
	// контроллера.
	sendMu sync.Mutex
}

func (s *session) duration() time.Duration {
	if s.connectedAt.IsZero() || s.endedAt.IsZero() {
		return 0
	}
	return s.endedAt.Sub(s.connectedAt)
}

// Snapshot копия состояния текущей сессии
type Snapshot struct {
	ID           string
	Status       Status
	Role         negotiation.Role
	RemoteParty  RemoteParty
	LocalStream  media.Stream
	RemoteStream media.Stream
	// PendingCandidates удаленные кандидаты, ждущие удаленного описания
	PendingCandidates []media.ICECandidate
	CreatedAt         time.Time
	ConnectedAt       time.Time
	EndedAt           time.Time
	EndReason         EndReason
}

// Duration длительность разговора. Для идущего вызова считается до now.
func (s Snapshot) Duration(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.ConnectedAt)
}

// earlyCandidates кандидаты, пришедшие раньше своего offer. Отправитель
// начинает trickle сразу после offer, и при доставке через разные пути
// кандидат может обогнать offer. Хранятся только для одной сессии.
type earlyCandidates struct {
	sessionID string
	cands     []media.ICECandidate
}

func (e *earlyCandidates) add(sessionID string, c media.ICECandidate, limit int) bool {
	if e.sessionID != sessionID {
		e.sessionID = sessionID
		e.cands = nil
	}
	if len(e.cands) >= limit {
		return false
	}
	e.cands = append(e.cands, c)
	return true
}

func (e *earlyCandidates) take(sessionID string) []media.ICECandidate {
	if e.sessionID != sessionID {
		e.reset()
		return nil
	}
	out := e.cands
	e.reset()
	return out
}

func (e *earlyCandidates) reset() {
	e.sessionID = ""
	e.cands = nil
}
