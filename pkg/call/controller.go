// Package call управление жизненным циклом одного аудио/видео вызова.
//
// Controller согласует три независимых асинхронных процесса: захват
// локального медиа, доставку сигнализации и согласование соединения, и
// сводит их к простой машине состояний
//
//	Idle -> Outgoing | Incoming -> Connected -> Ended -> Idle
//
// с глаголами MakeCall, AnswerCall, RejectCall и EndCall.
//
// Одновременно существует не более одной сессии. Каждый асинхронный шаг
// проверяет, что его сессия еще жива: результат, пришедший после
// завершения, отбрасывается, а созданные им ресурсы сразу освобождаются.
//
// Под мьютексом контроллера не выполняются вызовы медиа движка и сети.
// Завершение сессии меняет состояние под мьютексом и возвращает функцию
// очистки, которая закрывает соединение, освобождает поток и отправляет Bye
// уже после снятия мьютекса.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/callcore/pkg/eventbus"
	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/negotiation"
	"github.com/arzzra/callcore/pkg/signaling"
)

// Controller машина состояний вызова и его публичный API
type Controller struct {
	cfg      Config
	media    media.Engine
	sig      signaling.Channel
	neg      *negotiation.Engine
	bus      *eventbus.Bus[Event]
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time

	mu         sync.Mutex
	fsm        *fsm.FSM
	sess       *session
	gen        uint64
	resetTimer *time.Timer
	early      earlyCandidates
	closed     bool
}

// Option настройка Controller
type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithObserver наблюдатель жизненного цикла, например metrics.Collector
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// New создает контроллер и подписывается на входящие сообщения sig
func New(cfg Config, m media.Engine, sig signaling.Channel, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil || sig == nil {
		return nil, fmt.Errorf("call: media engine and signaling channel are required")
	}

	c := &Controller{
		cfg:      cfg,
		media:    m,
		sig:      sig,
		logger:   log.Logger.With().Str("module", "call").Logger(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("self", cfg.SelfID).Logger()

	c.bus = eventbus.New[Event](eventbus.WithLogger(c.logger))
	c.neg = negotiation.New(m, sig,
		negotiation.WithLogger(c.logger),
		negotiation.WithSendTimeout(cfg.SignalTimeout),
	)
	c.initFSM()
	sig.OnMessage(c.handleMessage)

	return c, nil
}

// State текущее состояние
func (c *Controller) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Snapshot копия текущей сессии. Без сессии возвращается Status == Idle.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		st := c.statusLocked()
		c.mu.Unlock()
		return Snapshot{Status: st}
	}
	snap := Snapshot{
		ID:           s.id,
		Status:       c.statusLocked(),
		Role:         s.role,
		RemoteParty:  s.remote,
		LocalStream:  s.localStream,
		RemoteStream: s.remoteStream,
		CreatedAt:    s.createdAt,
		ConnectedAt:  s.connectedAt,
		EndedAt:      s.endedAt,
		EndReason:    s.reason,
	}
	st := s.neg
	c.mu.Unlock()

	snap.PendingCandidates = st.Pending()
	return snap
}

// Events подписка на события каналом. Вторым значением возвращается отписка.
func (c *Controller) Events(buffer int) (<-chan Event, func()) {
	return c.bus.Subscribe(buffer)
}

// Subscribe подписка на события функцией. fn вызывается последовательно,
// в порядке событий, в горутине доставки. Close из fn вызывать нельзя:
// Close ждет доставки оставшихся событий этой же горутиной. Если вызов нужно
// завершить из обработчика, Close запускается в отдельной горутине.
func (c *Controller) Subscribe(fn func(Event)) func() {
	return c.bus.SubscribeFunc(fn)
}

// MakeCall начинает исходящий вызов к target. Возвращается после отправки
// offer или после ошибки, которая уже завершила сессию.
func (c *Controller) MakeCall(ctx context.Context, target, displayName string) error {
	const op = "make call"
	if target == "" {
		return ErrEmptyTarget
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.statusLocked() != Idle {
		err := c.invalidStateLocked(op)
		c.mu.Unlock()
		return err
	}
	remote := RemoteParty{ID: target, DisplayName: displayName, PhoneNumber: target}
	s := c.newSessionLocked("call-"+uuid.NewString(), negotiation.RoleOfferer, remote)
	c.early.reset()
	if err := c.transitionLocked(Outgoing, ""); err != nil {
		c.logger.Error().Err(err).Str("session_id", s.id).Msg("transition failed")
	}
	c.startRingTimerLocked(s)
	c.mu.Unlock()

	c.observer.CallStarted(negotiation.RoleOfferer.String())
	c.logger.Info().Str("session_id", s.id).Str("target", target).Msg("outgoing call")

	opCtx, done := c.opContext(ctx, s)
	defer done()
	return c.dial(opCtx, s)
}

func (c *Controller) dial(ctx context.Context, s *session) error {
	const op = "make call"

	stream, err := c.media.AcquireLocalStream(ctx, c.cfg.Constraints)
	if err != nil {
		return c.fail(s, KindMediaAcquisition, op, err)
	}
	if !c.adoptLocalStream(s, stream) {
		c.media.ReleaseStream(stream)
		return c.callEnded(s, op)
	}

	if err := c.connect(ctx, s, stream); err != nil {
		return c.fail(s, KindNegotiation, op, err)
	}

	offer, err := c.neg.CreateOffer(ctx, s.neg)
	if err != nil {
		return c.fail(s, KindNegotiation, op, err)
	}

	// sendMu держится до конца отправки: Bye из очистки уйдет только после offer
	s.sendMu.Lock()
	c.mu.Lock()
	if !c.aliveLocked(s) {
		c.mu.Unlock()
		s.sendMu.Unlock()
		return c.callEnded(s, op)
	}
	s.remoteKnows = true
	c.mu.Unlock()

	msg := signaling.NewOffer(s.id, c.cfg.SelfID, s.remote.ID, offer, c.caller())
	err = c.send(ctx, msg)
	s.sendMu.Unlock()
	if err != nil {
		c.mu.Lock()
		s.remoteKnows = false
		c.mu.Unlock()
		return c.fail(s, KindSignaling, op, err)
	}
	if !c.alive(s) {
		return c.callEnded(s, op)
	}

	c.logger.Debug().Str("session_id", s.id).Msg("offer sent")
	return nil
}

// AnswerCall принимает входящий вызов. Без входящего вызова возвращает
// ошибку KindInvalidState и ничего не меняет.
func (c *Controller) AnswerCall(ctx context.Context) error {
	const op = "answer call"

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	s := c.sess
	if s == nil || s.ended || s.answering || c.statusLocked() != Incoming {
		err := c.invalidStateLocked(op)
		c.mu.Unlock()
		return err
	}
	s.answering = true
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	offer := *s.offer
	c.mu.Unlock()

	opCtx, done := c.opContext(ctx, s)
	defer done()

	constraints := signaling.ConstraintsForOffer(offer.SDP, c.cfg.Constraints)
	stream, err := c.media.AcquireLocalStream(opCtx, constraints)
	if err != nil {
		return c.fail(s, KindMediaAcquisition, op, err)
	}
	if !c.adoptLocalStream(s, stream) {
		c.media.ReleaseStream(stream)
		return c.callEnded(s, op)
	}

	if err := c.connect(opCtx, s, stream); err != nil {
		return c.fail(s, KindNegotiation, op, err)
	}
	if err := c.neg.ApplyRemoteDescription(opCtx, s.neg, offer); err != nil {
		return c.fail(s, KindNegotiation, op, err)
	}
	answer, err := c.neg.CreateAnswer(opCtx, s.neg)
	if err != nil {
		return c.fail(s, KindNegotiation, op, err)
	}

	s.sendMu.Lock()
	if !c.alive(s) {
		s.sendMu.Unlock()
		return c.callEnded(s, op)
	}
	err = c.send(opCtx, signaling.NewAnswer(s.id, c.cfg.SelfID, s.remote.ID, answer))
	s.sendMu.Unlock()
	if err != nil {
		return c.fail(s, KindSignaling, op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aliveLocked(s) {
		return c.callEnded(s, op)
	}
	s.connectedAt = c.now()
	if err := c.transitionLocked(Connected, ""); err != nil {
		c.logger.Error().Err(err).Str("session_id", s.id).Msg("transition failed")
	}
	return nil
}

// RejectCall отклоняет входящий вызов без захвата устройств
func (c *Controller) RejectCall(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.ended || c.statusLocked() != Incoming {
		err := c.invalidStateLocked("reject call")
		c.mu.Unlock()
		return err
	}
	cleanup := c.endLocked(s, ReasonRejected, true)
	c.mu.Unlock()

	cleanup(ctx)
	return nil
}

// EndCall завершает текущий вызов. Без активного вызова ничего не делает.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.ended || !c.statusLocked().Active() {
		c.mu.Unlock()
		return nil
	}
	cleanup := c.endLocked(s, ReasonLocalHangup, true)
	c.mu.Unlock()

	cleanup(ctx)
	return nil
}

// SetMuted включает или выключает передачу треков kind локального потока
func (c *Controller) SetMuted(kind media.TrackKind, muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sess
	if s == nil || s.ended || s.localStream == nil {
		return c.invalidStateLocked("set muted")
	}
	for _, t := range media.TracksOfKind(s.localStream, kind) {
		t.SetEnabled(!muted)
	}
	s.muted[kind] = muted
	return nil
}

func (c *Controller) Muted(kind media.TrackKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return false
	}
	return c.sess.muted[kind]
}

// Close завершает активный вызов и останавливает доставку событий.
// Возвращается после доставки всех событий подписчикам.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cleanup := func(context.Context) {}
	if s := c.sess; s != nil && !s.ended {
		cleanup = c.endLocked(s, ReasonShutdown, true)
	}
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.mu.Unlock()

	cleanup(context.Background())
	c.bus.Close()
	return nil
}

func (c *Controller) newSessionLocked(id string, role negotiation.Role, remote RemoteParty) *session {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        id,
		gen:       c.gen,
		role:      role,
		remote:    remote,
		neg:       negotiation.NewState(id, c.cfg.SelfID, remote.ID, role),
		ctx:       ctx,
		cancel:    cancel,
		muted:     make(map[media.TrackKind]bool),
		createdAt: c.now(),
	}
	c.sess = s
	return s
}

func (c *Controller) aliveLocked(s *session) bool {
	return c.sess == s && !s.ended
}

func (c *Controller) alive(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aliveLocked(s)
}

// opContext контекст операции, отменяемый и вызывающим, и завершением сессии
func (c *Controller) opContext(ctx context.Context, s *session) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (c *Controller) adoptLocalStream(s *session, stream media.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aliveLocked(s) {
		return false
	}
	s.localStream = stream
	if !s.localReady {
		s.localReady = true
		c.bus.Publish(Event{
			Kind:        EventLocalStreamReady,
			SessionID:   s.id,
			State:       c.statusLocked(),
			RemoteParty: s.remote,
			Stream:      stream,
			At:          c.now(),
		})
	}
	return true
}

// connect создает соединение, подписывается на его события и связывает его
// с состоянием согласования
func (c *Controller) connect(ctx context.Context, s *session, stream media.Stream) error {
	conn, err := c.media.NewConnection(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.aliveLocked(s) {
		c.mu.Unlock()
		if cerr := conn.Close(); cerr != nil {
			c.logger.Warn().Err(cerr).Str("session_id", s.id).Msg("close stale connection")
		}
		return ErrCallEnded
	}
	s.conn = conn
	c.mu.Unlock()

	conn.OnConnectionStateChange(func(state media.ConnectionState) {
		c.onConnectionState(s, state)
	})
	conn.OnRemoteStream(func(rs media.Stream) {
		c.onRemoteStream(s, rs)
	})

	return c.neg.Bind(ctx, s.neg, conn, stream)
}

// fail завершает сессию из-за ошибки и возвращает классифицированную
// ошибку. Если сессия уже завершена, ошибка считается следствием
// завершения и возвращается ErrCallEnded.
func (c *Controller) fail(s *session, kind ErrorKind, op string, err error) error {
	c.mu.Lock()
	if !c.aliveLocked(s) {
		c.mu.Unlock()
		c.logger.Debug().Err(err).Str("session_id", s.id).Str("op", op).Msg("discarding result of ended session")
		return c.callEnded(s, op)
	}

	state := c.statusLocked()
	cerr := &Error{Kind: kind, Op: op, SessionID: s.id, State: state, Err: err}
	c.logger.Error().Err(err).
		Str("session_id", s.id).
		Str("state", state.String()).
		Str("op", op).
		Str("kind", kind.String()).
		Msg("call failed")

	c.bus.Publish(Event{
		Kind:        EventError,
		SessionID:   s.id,
		State:       state,
		RemoteParty: s.remote,
		Err:         cerr,
		At:          c.now(),
	})
	cleanup := c.endLocked(s, reasonFor(kind), true)
	c.mu.Unlock()

	c.observer.CallFailed(kind)
	cleanup(context.Background())
	return cerr
}

func (c *Controller) callEnded(s *session, op string) error {
	return fmt.Errorf("call %s: session %s: %w", op, s.id, ErrCallEnded)
}

func (c *Controller) invalidStateLocked(op string) *Error {
	e := &Error{
		Kind:  KindInvalidState,
		Op:    op,
		State: c.statusLocked(),
		Err:   fmt.Errorf("not permitted in state %s", c.statusLocked()),
	}
	if c.sess != nil {
		e.SessionID = c.sess.id
		if c.sess.answering && e.State == Incoming {
			e.Err = errors.New("answer already in progress")
		}
	}
	return e
}

// endLocked переводит сессию в Ended и возвращает очистку, которую нужно
// вызвать после снятия мьютекса
func (c *Controller) endLocked(s *session, reason EndReason, notifyRemote bool) func(context.Context) {
	s.ended = true
	s.endedAt = c.now()
	s.reason = reason
	s.cancel()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	c.early.reset()

	conn, stream := s.conn, s.localStream
	s.conn, s.localStream, s.remoteStream = nil, nil, nil
	bye := notifyRemote && s.remoteKnows
	duration := s.duration()

	if err := c.transitionLocked(Ended, reason); err != nil {
		c.logger.Error().Err(err).Str("session_id", s.id).Msg("transition failed")
	}
	c.scheduleResetLocked(s)

	c.logger.Info().
		Str("session_id", s.id).
		Str("reason", string(reason)).
		Dur("duration", duration).
		Msg("call ended")

	return func(ctx context.Context) {
		s.neg.Close()
		if conn != nil {
			if err := conn.Close(); err != nil {
				c.logger.Warn().Err(err).Str("session_id", s.id).Msg("close connection")
			}
		}
		if stream != nil {
			c.media.ReleaseStream(stream)
		}
		if bye {
			s.sendMu.Lock()
			err := c.send(ctx, signaling.NewBye(s.id, c.cfg.SelfID, s.remote.ID))
			s.sendMu.Unlock()
			if err != nil {
				c.logger.Warn().Err(err).Str("session_id", s.id).Msg("failed to send bye")
			}
		}
		c.observer.CallEnded(reason, duration)
	}
}

func (c *Controller) scheduleResetLocked(s *session) {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	gen := s.gen
	c.resetTimer = time.AfterFunc(c.cfg.ResetDelay, func() {
		c.resetToIdle(gen)
	})
}

func (c *Controller) resetToIdle(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.gen != gen || c.statusLocked() != Ended {
		return
	}
	if err := c.transitionLocked(Idle, ""); err != nil {
		c.logger.Error().Err(err).Msg("reset to idle")
	}
	c.sess = nil
}

func (c *Controller) startRingTimerLocked(s *session) {
	if c.cfg.RingTimeout <= 0 {
		return
	}
	s.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() {
		c.ringExpired(s)
	})
}

func (c *Controller) ringExpired(s *session) {
	c.mu.Lock()
	st := c.statusLocked()
	if !c.aliveLocked(s) || s.answering || (st != Outgoing && st != Incoming) {
		c.mu.Unlock()
		return
	}
	cleanup := c.endLocked(s, ReasonRingTimeout, true)
	c.mu.Unlock()

	cleanup(context.Background())
}

func (c *Controller) send(ctx context.Context, msg signaling.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SignalTimeout)
	defer cancel()
	return c.sig.Send(ctx, msg)
}

func (c *Controller) caller() *signaling.Party {
	if c.cfg.DisplayName == "" && c.cfg.PhoneNumber == "" {
		return nil
	}
	return &signaling.Party{DisplayName: c.cfg.DisplayName, PhoneNumber: c.cfg.PhoneNumber}
}
