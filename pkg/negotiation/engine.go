// Package negotiation последовательность offer/answer и обмен ICE кандидатами.
//
// На сессию создается ровно одно локальное описание: offer у вызывающей
// стороны, answer у отвечающей. Повторного согласования нет.
//
// Главное правило: удаленный кандидат никогда не применяется раньше
// удаленного описания. Кандидаты, пришедшие до него, копятся в очереди и
// применяются в порядке прихода сразу после SetRemoteDescription, под тем же
// мьютексом, так что параллельно пришедший кандидат встанет за ними.
//
// Локальные кандидаты отправляются удаленной стороне сразу по мере
// обнаружения (trickle ICE), без буферизации.
package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/signaling"
)

// DefaultSendTimeout таймаут отправки локального кандидата
const DefaultSendTimeout = 5 * time.Second

// Engine выполняет шаги согласования над State
type Engine struct {
	media       media.Engine
	sender      signaling.Sender
	logger      zerolog.Logger
	sendTimeout time.Duration
}

// Option настройка Engine
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

// New создает Engine поверх медиа движка и отправителя сигнализации
func New(m media.Engine, sender signaling.Sender, opts ...Option) *Engine {
	e := &Engine{
		media:       m,
		sender:      sender,
		logger:      log.Logger.With().Str("module", "negotiation").Logger(),
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bind связывает соединение с состоянием, подписывается на локальные
// кандидаты и прикрепляет треки stream. stream может быть nil, тогда
// треки прикрепляются позже через AttachTracks.
func (e *Engine) Bind(ctx context.Context, st *State, conn media.Connection, stream media.Stream) error {
	st.mu.Lock()
	if st.closed.Load() {
		st.mu.Unlock()
		return ErrClosed
	}
	if st.conn != nil {
		st.mu.Unlock()
		return ErrAlreadyBound
	}
	st.conn = conn
	st.mu.Unlock()

	conn.OnICECandidate(func(c media.ICECandidate) {
		e.sendLocalCandidate(st, c)
	})

	if stream == nil {
		return nil
	}
	return e.AttachTracks(ctx, st, stream)
}

// AttachTracks прикрепляет локальные треки к связанному соединению
func (e *Engine) AttachTracks(ctx context.Context, st *State, stream media.Stream) error {
	conn, err := e.connection(st)
	if err != nil {
		return err
	}
	if err := e.media.AttachTracks(ctx, conn, stream); err != nil {
		return fmt.Errorf("attach tracks: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed.Load() {
		return ErrClosed
	}
	st.tracksAttached = true
	return nil
}

// CreateOffer создает и применяет локальный offer. Только для RoleOfferer,
// один раз, после прикрепления треков.
func (e *Engine) CreateOffer(ctx context.Context, st *State) (media.SessionDescription, error) {
	return e.createLocal(ctx, st, RoleOfferer)
}

// CreateAnswer создает и применяет локальный answer. Только для RoleAnswerer,
// один раз, после применения удаленного offer.
func (e *Engine) CreateAnswer(ctx context.Context, st *State) (media.SessionDescription, error) {
	return e.createLocal(ctx, st, RoleAnswerer)
}

func (e *Engine) createLocal(ctx context.Context, st *State, role Role) (media.SessionDescription, error) {
	st.mu.Lock()
	switch {
	case st.closed.Load():
		st.mu.Unlock()
		return media.SessionDescription{}, ErrClosed
	case st.role != role:
		st.mu.Unlock()
		return media.SessionDescription{}, fmt.Errorf("%w: %s", ErrWrongRole, st.role)
	case st.conn == nil:
		st.mu.Unlock()
		return media.SessionDescription{}, ErrNoConnection
	case st.localStarted:
		st.mu.Unlock()
		return media.SessionDescription{}, ErrAlreadyCreated
	case !st.tracksAttached:
		st.mu.Unlock()
		return media.SessionDescription{}, ErrTracksNotAttached
	case role == RoleAnswerer && !st.remoteApplied:
		st.mu.Unlock()
		return media.SessionDescription{}, ErrRemoteNotApplied
	}
	st.localStarted = true
	conn := st.conn
	st.mu.Unlock()

	// Создание описания может быть долгим, мьютекс не держим
	var (
		desc media.SessionDescription
		err  error
	)
	if role == RoleOfferer {
		desc, err = conn.CreateOffer(ctx)
	} else {
		desc, err = conn.CreateAnswer(ctx)
	}
	if err != nil {
		return media.SessionDescription{}, fmt.Errorf("create %s: %w", descType(role), err)
	}
	if st.closed.Load() {
		return media.SessionDescription{}, ErrClosed
	}
	if err := conn.SetLocalDescription(ctx, desc); err != nil {
		return media.SessionDescription{}, fmt.Errorf("set local %s: %w", descType(role), err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed.Load() {
		return media.SessionDescription{}, ErrClosed
	}
	st.localApplied = true

	e.logger.Debug().
		Str("session_id", st.sessionID).
		Str("role", role.String()).
		Msg("local description applied")
	return desc, nil
}

// ApplyRemoteDescription применяет удаленное описание и сразу после этого
// применяет накопленные кандидаты в порядке прихода. Ошибка отдельного
// кандидата логируется и не прерывает применение остальных.
func (e *Engine) ApplyRemoteDescription(ctx context.Context, st *State, desc media.SessionDescription) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed.Load() {
		return ErrClosed
	}
	if st.conn == nil {
		return ErrNoConnection
	}
	if st.remoteApplied {
		return ErrAlreadyApplied
	}
	want := media.SDPTypeOffer
	if st.role == RoleOfferer {
		want = media.SDPTypeAnswer
		if !st.localApplied {
			return ErrLocalNotApplied
		}
	}
	if desc.Type != want {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedDescType, desc.Type, want)
	}

	if err := st.conn.SetRemoteDescription(ctx, desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	st.remoteApplied = true

	pending := st.pending
	st.pending = nil
	for i, c := range pending {
		if err := st.conn.AddICECandidate(ctx, c); err != nil {
			e.logger.Warn().Err(err).
				Str("session_id", st.sessionID).
				Int("index", i).
				Msg("buffered remote candidate rejected")
		}
	}

	e.logger.Debug().
		Str("session_id", st.sessionID).
		Str("type", string(desc.Type)).
		Int("flushed_candidates", len(pending)).
		Msg("remote description applied")
	return nil
}

// HandleRemoteCandidate применяет кандидата, если удаленное описание уже
// применено, иначе ставит его в очередь. Соединение для постановки в очередь
// не требуется.
func (e *Engine) HandleRemoteCandidate(ctx context.Context, st *State, cand media.ICECandidate) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed.Load() {
		return ErrClosed
	}
	if !st.remoteApplied {
		st.pending = append(st.pending, cand)
		return nil
	}
	if err := st.conn.AddICECandidate(ctx, cand); err != nil {
		return fmt.Errorf("%w: %v", ErrCandidateRejected, err)
	}
	return nil
}

func (e *Engine) connection(st *State) (media.Connection, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed.Load() {
		return nil, ErrClosed
	}
	if st.conn == nil {
		return nil, ErrNoConnection
	}
	return st.conn, nil
}

func (e *Engine) sendLocalCandidate(st *State, cand media.ICECandidate) {
	if st.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.sendTimeout)
	defer cancel()

	msg := signaling.NewIceCandidate(st.sessionID, st.localID, st.remoteID, cand)
	if err := e.sender.Send(ctx, msg); err != nil {
		e.logger.Warn().Err(err).
			Str("session_id", st.sessionID).
			Msg("failed to send local candidate")
	}
}

func descType(r Role) media.SDPType {
	if r == RoleOfferer {
		return media.SDPTypeOffer
	}
	return media.SDPTypeAnswer
}
