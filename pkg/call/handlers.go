package call

import (
	"context"
	"errors"

	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/negotiation"
	"github.com/arzzra/callcore/pkg/signaling"
)

// handleMessage точка входа сообщений сигнализации. Транспорт вызывает ее
// последовательно, поэтому сообщения одной сессии обрабатываются по порядку.
func (c *Controller) handleMessage(ctx context.Context, msg signaling.Message) {
	// Канал может быть любой реализацией, не только проверяющей Decode
	if err := msg.Validate(); err != nil {
		c.logger.Warn().Err(err).
			Str("session_id", msg.SessionID).
			Str("type", string(msg.Type)).
			Msg("invalid message dropped")
		return
	}
	if msg.TargetID != c.cfg.SelfID {
		c.logger.Warn().
			Str("session_id", msg.SessionID).
			Str("target", msg.TargetID).
			Msg("message for another endpoint dropped")
		return
	}

	switch msg.Type {
	case signaling.TypeOffer:
		c.onOffer(ctx, msg)
	case signaling.TypeAnswer:
		c.onAnswer(ctx, msg)
	case signaling.TypeIceCandidate:
		c.onRemoteCandidate(ctx, msg)
	case signaling.TypeBye:
		c.onBye(ctx, msg)
	}
}

func (c *Controller) onOffer(ctx context.Context, msg signaling.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if s := c.sess; s != nil {
		if s.id == msg.SessionID {
			c.mu.Unlock()
			c.logger.Debug().Str("session_id", msg.SessionID).Msg("duplicate offer ignored")
			return
		}
		policy := c.cfg.BusyPolicy
		busyWith := s.id
		c.mu.Unlock()

		c.logger.Info().
			Str("session_id", msg.SessionID).
			Str("active_session", busyWith).
			Str("policy", string(policy)).
			Msg("incoming offer while busy")
		if policy == BusyReject {
			if err := c.send(ctx, signaling.NewBye(msg.SessionID, c.cfg.SelfID, msg.SourceID)); err != nil {
				c.logger.Warn().Err(err).Str("session_id", msg.SessionID).Msg("failed to send busy bye")
			}
		}
		return
	}

	remote := RemoteParty{ID: msg.SourceID, PhoneNumber: msg.SourceID}
	if msg.Caller != nil {
		remote.DisplayName = msg.Caller.DisplayName
		if msg.Caller.PhoneNumber != "" {
			remote.PhoneNumber = msg.Caller.PhoneNumber
		}
	}

	s := c.newSessionLocked(msg.SessionID, negotiation.RoleAnswerer, remote)
	offer := *msg.Description
	s.offer = &offer
	s.remoteKnows = true

	for _, cand := range c.early.take(msg.SessionID) {
		if err := c.neg.HandleRemoteCandidate(ctx, s.neg, cand); err != nil {
			c.logger.Warn().Err(err).Str("session_id", s.id).Msg("early candidate dropped")
		}
	}

	if err := c.transitionLocked(Incoming, ""); err != nil {
		c.logger.Error().Err(err).Str("session_id", s.id).Msg("transition failed")
	}
	c.bus.Publish(Event{
		Kind:        EventIncomingCall,
		SessionID:   s.id,
		State:       Incoming,
		RemoteParty: remote,
		At:          c.now(),
	})
	c.startRingTimerLocked(s)
	c.mu.Unlock()

	c.observer.CallStarted(negotiation.RoleAnswerer.String())
	c.logger.Info().
		Str("session_id", s.id).
		Str("from", remote.ID).
		Str("display_name", remote.DisplayName).
		Msg("incoming call")
}

func (c *Controller) onAnswer(ctx context.Context, msg signaling.Message) {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.id != msg.SessionID || s.ended || s.role != negotiation.RoleOfferer ||
		s.answerReceived || c.statusLocked() != Outgoing {
		c.mu.Unlock()
		c.logger.Debug().Str("session_id", msg.SessionID).Msg("unexpected answer dropped")
		return
	}
	s.answerReceived = true
	c.mu.Unlock()

	opCtx, done := c.opContext(ctx, s)
	defer done()

	if err := c.neg.ApplyRemoteDescription(opCtx, s.neg, *msg.Description); err != nil {
		_ = c.fail(s, KindNegotiation, "apply answer", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aliveLocked(s) {
		return
	}
	s.answerApplied = true
	c.maybeConnectedLocked(s)
}

func (c *Controller) onRemoteCandidate(ctx context.Context, msg signaling.Message) {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		if !c.early.add(msg.SessionID, *msg.Candidate, c.cfg.MaxEarlyCandidates) {
			c.logger.Warn().Str("session_id", msg.SessionID).Msg("early candidate limit reached")
		}
		c.mu.Unlock()
		return
	}
	if s.id != msg.SessionID || s.ended {
		c.mu.Unlock()
		c.logger.Debug().Str("session_id", msg.SessionID).Msg("candidate for inactive session dropped")
		return
	}
	st := s.neg
	c.mu.Unlock()

	opCtx, done := c.opContext(ctx, s)
	defer done()

	// Ошибка отдельного кандидата не фатальна, дубли и потери допустимы
	if err := c.neg.HandleRemoteCandidate(opCtx, st, *msg.Candidate); err != nil && !errors.Is(err, negotiation.ErrClosed) {
		c.logger.Warn().Err(err).Str("session_id", msg.SessionID).Msg("remote candidate not applied")
	}
}

func (c *Controller) onBye(ctx context.Context, msg signaling.Message) {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		if c.early.sessionID == msg.SessionID {
			c.early.reset()
		}
		c.mu.Unlock()
		return
	}
	if s.id != msg.SessionID || s.ended || msg.SourceID != s.remote.ID {
		c.mu.Unlock()
		return
	}
	cleanup := c.endLocked(s, ReasonRemoteHangup, false)
	c.mu.Unlock()

	cleanup(ctx)
}

func (c *Controller) onConnectionState(s *session, state media.ConnectionState) {
	c.mu.Lock()
	if !c.aliveLocked(s) {
		c.mu.Unlock()
		return
	}

	switch {
	case state == media.ConnectionStateConnected:
		s.transportUp = true
		c.maybeConnectedLocked(s)
		c.mu.Unlock()
	case state.Terminal():
		c.logger.Warn().Str("session_id", s.id).Str("connection", state.String()).Msg("transport lost")
		cleanup := c.endLocked(s, ReasonTransportFailure, true)
		c.mu.Unlock()
		cleanup(context.Background())
	default:
		c.mu.Unlock()
	}
}

func (c *Controller) onRemoteStream(s *session, rs media.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aliveLocked(s) || s.remoteReady {
		return
	}
	s.remoteReady = true
	s.remoteStream = rs
	c.bus.Publish(Event{
		Kind:        EventRemoteStreamReady,
		SessionID:   s.id,
		State:       c.statusLocked(),
		RemoteParty: s.remote,
		Stream:      rs,
		At:          c.now(),
	})
}

// maybeConnectedLocked вызывающая сторона считается соединенной, когда
// answer применен и транспорт сообщил о соединении
func (c *Controller) maybeConnectedLocked(s *session) {
	if c.statusLocked() != Outgoing || !s.answerApplied || !s.transportUp {
		return
	}
	s.connectedAt = c.now()
	if err := c.transitionLocked(Connected, ""); err != nil {
		c.logger.Error().Err(err).Str("session_id", s.id).Msg("transition failed")
	}
}
