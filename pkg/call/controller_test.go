package call_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/media/mediatest"
	"github.com/arzzra/callcore/pkg/negotiation"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/signaling/signalingtest"
)

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := call.New(call.DefaultConfig(), mediatest.NewEngine(), nil)
	assert.Error(t, err, "без SelfID")

	cfg := call.DefaultConfig()
	cfg.SelfID = "alice"
	cfg.BusyPolicy = "queue"
	_, err = call.New(cfg, mediatest.NewEngine(), nil)
	assert.Error(t, err)
}

func TestMakeCall_SendsOneOffer(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.MakeCall(context.Background(), "+15551234567", ""))
	assert.Equal(t, call.Outgoing, h.ctrl.State())

	snap := h.ctrl.Snapshot()
	assert.True(t, strings.HasPrefix(snap.ID, "call-"), snap.ID)
	assert.Equal(t, negotiation.RoleOfferer, snap.Role)
	assert.Equal(t, "+15551234567", snap.RemoteParty.PhoneNumber)
	assert.NotNil(t, snap.LocalStream)

	offers := h.sig.SentOfType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, snap.ID, offers[0].SessionID)
	assert.Equal(t, "alice", offers[0].SourceID)
	assert.Equal(t, "+15551234567", offers[0].TargetID)
	assert.Equal(t, media.SDPTypeOffer, offers[0].Description.Type)
}

func TestMakeCall_CarriesCallerInfo(t *testing.T) {
	h := newHarness(t, func(c *call.Config) {
		c.DisplayName = "Alice"
		c.PhoneNumber = "+15550001111"
	})

	require.NoError(t, h.ctrl.MakeCall(context.Background(), "bob", ""))
	offers := h.sig.SentOfType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	require.NotNil(t, offers[0].Caller)
	assert.Equal(t, "Alice", offers[0].Caller.DisplayName)
	assert.Equal(t, "+15550001111", offers[0].Caller.PhoneNumber)
}

func TestMakeCall_ConnectedAfterAnswerAndTransport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.MakeCall(ctx, "bob", "Bob"))
	id := h.ctrl.Snapshot().ID
	conn := h.media.LastConnection()

	// Транспорт раньше answer: ждем answer
	conn.SetState(media.ConnectionStateConnected)
	assert.Equal(t, call.Outgoing, h.ctrl.State())

	h.deliver(remoteAnswer(id))
	assert.Equal(t, call.Connected, h.ctrl.State())
	assert.False(t, h.ctrl.Snapshot().ConnectedAt.IsZero())

	h.waitState(t, call.Connected)
	assert.Equal(t, []call.Status{call.Outgoing, call.Connected}, h.events.states())
}

func TestMakeCall_AnswerWithoutTransportStaysOutgoing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.MakeCall(context.Background(), "bob", ""))
	id := h.ctrl.Snapshot().ID

	h.deliver(remoteAnswer(id))
	assert.Equal(t, call.Outgoing, h.ctrl.State())

	// Повторный answer игнорируется
	h.deliver(remoteAnswer(id))
	h.media.LastConnection().SetState(media.ConnectionStateConnected)
	assert.Equal(t, call.Connected, h.ctrl.State())
}

func TestMakeCall_WhileOutgoingIsInvalidState(t *testing.T) {
	h := newHarness(t)
	g := newGate()
	h.media.AcquireHook = g.hook

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.MakeCall(context.Background(), "bob", "") }()
	g.waitEntered(t)
	require.Equal(t, call.Outgoing, h.ctrl.State())
	before := h.ctrl.Snapshot()

	err := h.ctrl.MakeCall(context.Background(), "carol", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, call.ErrInvalidState)
	assert.Equal(t, call.KindInvalidState, call.KindOf(err))

	after := h.ctrl.Snapshot()
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "bob", after.RemoteParty.ID)
	assert.Equal(t, call.Outgoing, after.Status)

	close(g.release)
	require.NoError(t, <-errCh)
	offers := h.sig.SentOfType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "bob", offers[0].TargetID)
}

func TestMakeCall_EmptyTarget(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctrl.MakeCall(context.Background(), "", ""), call.ErrEmptyTarget)
	assert.Equal(t, call.Idle, h.ctrl.State())
}

func TestIncomingCall_AnswerConnects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.deliver(remoteOffer("call-remote-1"))
	assert.Equal(t, call.Incoming, h.ctrl.State())
	snap := h.ctrl.Snapshot()
	assert.Equal(t, "call-remote-1", snap.ID)
	assert.Equal(t, negotiation.RoleAnswerer, snap.Role)
	assert.Equal(t, call.RemoteParty{ID: "bob", DisplayName: "Bob", PhoneNumber: "+15550002222"}, snap.RemoteParty)
	assert.Equal(t, 0, h.media.AcquireCount(), "до ответа устройства не захватываются")

	require.Eventually(t, func() bool { return h.events.count(call.EventIncomingCall) == 1 }, waitFor, tick)

	require.NoError(t, h.ctrl.AnswerCall(ctx))
	assert.Equal(t, call.Connected, h.ctrl.State())

	answers := h.sig.SentOfType(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "call-remote-1", answers[0].SessionID)
	assert.Equal(t, "bob", answers[0].TargetID)

	conn := h.media.LastConnection()
	remote := mediatest.NewStream("remote-1", media.TrackKindAudio)
	conn.EmitRemoteStream(remote)
	conn.EmitRemoteStream(mediatest.NewStream("remote-2", media.TrackKindAudio))

	require.Eventually(t, func() bool {
		return h.events.count(call.EventLocalStreamReady) == 1 && h.events.count(call.EventRemoteStreamReady) == 1
	}, waitFor, tick)
	ev, ok := h.events.last(call.EventRemoteStreamReady)
	require.True(t, ok)
	assert.Equal(t, "remote-1", ev.Stream.ID())
	assert.Equal(t, "remote-1", h.ctrl.Snapshot().RemoteStream.ID())

	// Повторный ответ недопустим
	err := h.ctrl.AnswerCall(ctx)
	assert.ErrorIs(t, err, call.ErrInvalidState)
}

func TestIncomingCall_RejectAcquiresNoMedia(t *testing.T) {
	h := newHarness(t)
	h.incomingOffer(t, "call-remote-1")

	require.NoError(t, h.ctrl.RejectCall(context.Background()))
	assert.Equal(t, call.Ended, h.ctrl.State())
	h.waitState(t, call.Ended)

	assert.Equal(t, 0, h.events.count(call.EventLocalStreamReady))
	assert.Equal(t, 0, h.media.AcquireCount())
	assert.Equal(t, call.ReasonRejected, h.ctrl.Snapshot().EndReason)

	byes := h.sig.SentOfType(signaling.TypeBye)
	require.Len(t, byes, 1)
	assert.Equal(t, "call-remote-1", byes[0].SessionID)
	assert.Equal(t, "bob", byes[0].TargetID)
}

func TestIncomingCall_CandidatesFlushedInOrderAfterOffer(t *testing.T) {
	h := newHarness(t)
	h.incomingOffer(t, "call-remote-1")

	h.deliver(remoteCandidate("call-remote-1", 7001))
	h.deliver(remoteCandidate("call-remote-1", 7002))
	assert.Len(t, h.ctrl.Snapshot().PendingCandidates, 2)

	require.NoError(t, h.ctrl.AnswerCall(context.Background()))

	conn := h.media.LastConnection()
	assert.Equal(t, []media.ICECandidate{mediatest.Candidate(7001), mediatest.Candidate(7002)}, conn.Candidates())
	assert.Empty(t, h.ctrl.Snapshot().PendingCandidates)

	// Кандидат после описания применяется сразу, дубль не фатален
	h.deliver(remoteCandidate("call-remote-1", 7003))
	h.deliver(remoteCandidate("call-remote-1", 7003))
	assert.Len(t, conn.Candidates(), 4)
	assert.Equal(t, call.Connected, h.ctrl.State())
}

func TestIncomingCall_EarlyCandidatesAdopted(t *testing.T) {
	h := newHarness(t)

	h.deliver(remoteCandidate("call-remote-1", 7001))
	h.deliver(remoteCandidate("call-other", 7999))
	h.deliver(remoteCandidate("call-remote-1", 7002))
	h.deliver(remoteCandidate("call-remote-1", 7003))
	assert.Equal(t, call.Idle, h.ctrl.State())

	h.incomingOffer(t, "call-remote-1")
	pending := h.ctrl.Snapshot().PendingCandidates
	assert.Equal(t, []media.ICECandidate{mediatest.Candidate(7002), mediatest.Candidate(7003)}, pending,
		"хранятся кандидаты только последней сессии")
}

func TestIncomingCall_AnswerConstraintsFollowOffer(t *testing.T) {
	h := newHarness(t, func(c *call.Config) {
		c.Constraints = media.Constraints{Audio: true, Video: true}
	})
	h.incomingOffer(t, "call-remote-1")

	require.NoError(t, h.ctrl.AnswerCall(context.Background()))
	streams := h.media.Streams()
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Tracks(), 1)
	assert.Equal(t, media.TrackKindAudio, streams[0].Tracks()[0].Kind())
}

func TestAnswerCall_WithoutIncomingIsInvalidState(t *testing.T) {
	h := newHarness(t)

	err := h.ctrl.AnswerCall(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, call.ErrInvalidState)
	assert.Equal(t, call.Idle, h.ctrl.State())

	err = h.ctrl.RejectCall(context.Background())
	assert.ErrorIs(t, err, call.ErrInvalidState)

	require.NoError(t, h.ctrl.MakeCall(context.Background(), "bob", ""))
	err = h.ctrl.AnswerCall(context.Background())
	assert.ErrorIs(t, err, call.ErrInvalidState)
	assert.Equal(t, call.Outgoing, h.ctrl.State())
}

func TestAnswerCall_ConcurrentSecondAnswerRejected(t *testing.T) {
	h := newHarness(t)
	g := newGate()
	h.media.AcquireHook = g.hook
	h.incomingOffer(t, "call-remote-1")

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.AnswerCall(context.Background()) }()
	g.waitEntered(t)

	err := h.ctrl.AnswerCall(context.Background())
	assert.ErrorIs(t, err, call.ErrInvalidState)

	close(g.release)
	require.NoError(t, <-errCh)
	assert.Equal(t, call.Connected, h.ctrl.State())
	assert.Len(t, h.sig.SentOfType(signaling.TypeAnswer), 1)
}

func TestEndCall_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.EndCall(ctx), "в Idle ничего не делает")

	id, conn := h.outgoingConnected(t)
	stream := h.ctrl.Snapshot().LocalStream
	require.NotNil(t, stream)

	require.NoError(t, h.ctrl.EndCall(ctx))
	require.NoError(t, h.ctrl.EndCall(ctx))
	assert.Equal(t, call.Ended, h.ctrl.State())
	h.waitState(t, call.Ended)

	ended := 0
	for _, st := range h.events.states() {
		if st == call.Ended {
			ended++
		}
	}
	assert.Equal(t, 1, ended)

	byes := h.sig.SentOfType(signaling.TypeBye)
	require.Len(t, byes, 1)
	assert.Equal(t, id, byes[0].SessionID)

	assert.Equal(t, 1, conn.CloseCount())
	assert.Equal(t, 1, h.media.ReleaseCount(stream.ID()))
	for _, tr := range stream.Tracks() {
		assert.True(t, tr.(*mediatest.Track).Stopped())
	}

	snap := h.ctrl.Snapshot()
	assert.Equal(t, call.ReasonLocalHangup, snap.EndReason)
	assert.Nil(t, snap.LocalStream)
	assert.Empty(t, snap.PendingCandidates)
	assert.False(t, snap.EndedAt.IsZero())
}

func TestEndCall_FromIncomingAndOutgoing(t *testing.T) {
	h := newHarness(t, func(c *call.Config) { c.ResetDelay = 10 * time.Millisecond })
	ctx := context.Background()

	h.incomingOffer(t, "call-remote-1")
	require.NoError(t, h.ctrl.EndCall(ctx))
	assert.Equal(t, call.Ended, h.ctrl.State())
	require.Eventually(t, func() bool { return h.ctrl.State() == call.Idle }, waitFor, tick)

	require.NoError(t, h.ctrl.MakeCall(ctx, "bob", ""))
	require.NoError(t, h.ctrl.EndCall(ctx))
	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Equal(t, 0, h.media.ActiveStreams())
}

func TestEnded_ResetsToIdleAfterDelay(t *testing.T) {
	h := newHarness(t, func(c *call.Config) { c.ResetDelay = 30 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, h.ctrl.MakeCall(ctx, "bob", ""))
	require.NoError(t, h.ctrl.EndCall(ctx))
	assert.Equal(t, call.Ended, h.ctrl.State())

	h.waitState(t, call.Idle)
	assert.Equal(t, []call.Status{call.Outgoing, call.Ended, call.Idle}, h.events.states())
	assert.Equal(t, call.Snapshot{Status: call.Idle}, h.ctrl.Snapshot())

	// После сброса можно звонить снова
	require.NoError(t, h.ctrl.MakeCall(ctx, "carol", ""))
	assert.Equal(t, call.Outgoing, h.ctrl.State())
}

func TestEnded_OnlyResetLeavesEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, conn := h.outgoingConnected(t)
	require.NoError(t, h.ctrl.EndCall(ctx))

	// Ничто кроме сброса не выводит из Ended
	h.deliver(remoteAnswer(id))
	h.deliver(remoteOffer("call-new"))
	h.deliver(remoteCandidate(id, 9000))
	conn.SetState(media.ConnectionStateConnected)
	conn.EmitRemoteStream(mediatest.NewStream("late", media.TrackKindAudio))

	assert.ErrorIs(t, h.ctrl.MakeCall(ctx, "carol", ""), call.ErrInvalidState)
	assert.ErrorIs(t, h.ctrl.AnswerCall(ctx), call.ErrInvalidState)
	assert.ErrorIs(t, h.ctrl.SetMuted(media.TrackKindAudio, true), call.ErrInvalidState)
	require.NoError(t, h.ctrl.EndCall(ctx))

	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Equal(t, id, h.ctrl.Snapshot().ID)
	assert.Equal(t, 0, h.events.count(call.EventRemoteStreamReady))
}

func TestStaleAnswerCompletionDiscarded(t *testing.T) {
	h := newHarness(t)
	g := newGate()
	h.media.Configure = func(c *mediatest.Conn) { c.AnswerHook = g.hook }
	h.incomingOffer(t, "call-remote-1")

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.AnswerCall(context.Background()) }()
	g.waitEntered(t)

	require.NoError(t, h.ctrl.EndCall(context.Background()))
	assert.Equal(t, call.Ended, h.ctrl.State())

	close(g.release)
	err := <-errCh
	assert.ErrorIs(t, err, call.ErrCallEnded)

	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Empty(t, h.sig.SentOfType(signaling.TypeAnswer))
	assert.Equal(t, 0, h.media.ActiveStreams())
	assert.True(t, h.media.LastConnection().Closed())
	assert.Equal(t, 0, h.events.count(call.EventError))
}

func TestStaleMediaAcquisitionReleased(t *testing.T) {
	h := newHarness(t)
	g := newGate()
	h.media.AcquireHook = g.hook

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.MakeCall(context.Background(), "bob", "") }()
	g.waitEntered(t)

	require.NoError(t, h.ctrl.EndCall(context.Background()))
	close(g.release)

	assert.ErrorIs(t, <-errCh, call.ErrCallEnded)
	assert.Equal(t, call.Ended, h.ctrl.State())

	streams := h.media.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, 1, h.media.ReleaseCount(streams[0].ID()))
	assert.Empty(t, h.media.Connections())
	assert.Empty(t, h.sig.SentOfType(signaling.TypeOffer))
	assert.Empty(t, h.sig.SentOfType(signaling.TypeBye), "удаленная сторона о вызове не знала")

	h.waitState(t, call.Ended)
	assert.Equal(t, 0, h.events.count(call.EventLocalStreamReady))
}

func TestMediaAcquisitionFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.media.AcquireErr = media.ErrPermissionDenied

	err := h.ctrl.MakeCall(context.Background(), "bob", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, call.ErrMediaAcquisition)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)

	var cerr *call.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "make call", cerr.Op)
	assert.Equal(t, call.Outgoing, cerr.State)

	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Equal(t, call.ReasonMediaFailure, h.ctrl.Snapshot().EndReason)
	assert.Empty(t, h.sig.Sent())

	require.Eventually(t, func() bool { return h.events.count(call.EventError) == 1 }, waitFor, tick)
	ev, _ := h.events.last(call.EventError)
	assert.ErrorIs(t, ev.Err, call.ErrMediaAcquisition)
}

func TestOfferCreationFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.media.Configure = func(c *mediatest.Conn) { c.OfferErr = errors.New("no codecs") }

	err := h.ctrl.MakeCall(context.Background(), "bob", "")
	assert.ErrorIs(t, err, call.ErrNegotiation)
	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Equal(t, 0, h.media.ActiveStreams())
	assert.True(t, h.media.LastConnection().Closed())
	assert.Empty(t, h.sig.Sent())
}

func TestOfferDeliveryFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.sig.FailSend(func(m signaling.Message) error {
		if m.Type == signaling.TypeOffer {
			return errors.New("socket closed")
		}
		return nil
	})

	err := h.ctrl.MakeCall(context.Background(), "bob", "")
	assert.ErrorIs(t, err, call.ErrSignaling)
	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Equal(t, call.ReasonSignalingFailure, h.ctrl.Snapshot().EndReason)
	assert.Empty(t, h.sig.SentOfType(signaling.TypeBye))
	assert.Equal(t, 0, h.media.ActiveStreams())
}

func TestRemoteAnswerFailureEndsCall(t *testing.T) {
	h := newHarness(t)
	h.media.Configure = func(c *mediatest.Conn) { c.SetRemoteErr = errors.New("bad sdp") }

	require.NoError(t, h.ctrl.MakeCall(context.Background(), "bob", ""))
	id := h.ctrl.Snapshot().ID
	h.deliver(remoteAnswer(id))

	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Equal(t, call.ReasonNegotiationFailure, h.ctrl.Snapshot().EndReason)
	assert.Len(t, h.sig.SentOfType(signaling.TypeBye), 1)

	require.Eventually(t, func() bool { return h.events.count(call.EventError) == 1 }, waitFor, tick)
	ev, _ := h.events.last(call.EventError)
	assert.ErrorIs(t, ev.Err, call.ErrNegotiation)
}

func TestCandidateFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.media.Configure = func(c *mediatest.Conn) { c.AddCandidateErr = errors.New("unreachable") }

	id, _ := h.outgoingConnected(t)
	h.deliver(remoteCandidate(id, 7001))
	assert.Equal(t, call.Connected, h.ctrl.State())

	h.sig.FailSend(func(signaling.Message) error { return errors.New("down") })
	h.media.LastConnection().EmitLocalCandidate(mediatest.Candidate(7100))
	assert.Equal(t, call.Connected, h.ctrl.State())
}

func TestTransportFailureEndsCall(t *testing.T) {
	for _, state := range []media.ConnectionState{
		media.ConnectionStateDisconnected,
		media.ConnectionStateFailed,
		media.ConnectionStateClosed,
	} {
		t.Run(state.String(), func(t *testing.T) {
			h := newHarness(t)
			_, conn := h.outgoingConnected(t)

			conn.SetState(state)
			assert.Equal(t, call.Ended, h.ctrl.State())
			assert.Equal(t, call.ReasonTransportFailure, h.ctrl.Snapshot().EndReason)
			assert.Equal(t, 0, h.media.ActiveStreams())
			assert.Len(t, h.sig.SentOfType(signaling.TypeBye), 1)
		})
	}
}

func TestRemoteByeEndsCall(t *testing.T) {
	h := newHarness(t)
	id, conn := h.outgoingConnected(t)

	// Bye от постороннего игнорируется
	h.deliver(signaling.NewBye(id, "mallory", "alice"))
	assert.Equal(t, call.Connected, h.ctrl.State())

	h.deliver(signaling.NewBye(id, "bob", "alice"))
	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Equal(t, call.ReasonRemoteHangup, h.ctrl.Snapshot().EndReason)
	assert.Empty(t, h.sig.SentOfType(signaling.TypeBye))
	assert.True(t, conn.Closed())
}

func TestRemoteByeWhileRinging(t *testing.T) {
	h := newHarness(t)
	h.incomingOffer(t, "call-remote-1")

	h.deliver(signaling.NewBye("call-remote-1", "bob", "alice"))
	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Equal(t, 0, h.media.AcquireCount())
}

func TestBusyOfferRejectedWithBye(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.MakeCall(context.Background(), "carol", ""))
	id := h.ctrl.Snapshot().ID

	h.deliver(remoteOffer("call-remote-1"))
	assert.Equal(t, call.Outgoing, h.ctrl.State())
	assert.Equal(t, id, h.ctrl.Snapshot().ID)

	byes := h.sig.SentOfType(signaling.TypeBye)
	require.Len(t, byes, 1)
	assert.Equal(t, "call-remote-1", byes[0].SessionID)
	assert.Equal(t, "bob", byes[0].TargetID)
}

func TestBusyOfferIgnored(t *testing.T) {
	h := newHarness(t, func(c *call.Config) { c.BusyPolicy = call.BusyIgnore })
	h.incomingOffer(t, "call-remote-1")

	h.deliver(remoteOffer("call-remote-1"))
	h.deliver(remoteOffer("call-remote-2"))
	assert.Equal(t, "call-remote-1", h.ctrl.Snapshot().ID)
	assert.Empty(t, h.sig.Sent())
	require.Eventually(t, func() bool { return h.events.count(call.EventIncomingCall) == 1 }, waitFor, tick)
}

func TestMessageForAnotherEndpointDropped(t *testing.T) {
	h := newHarness(t)
	msg := remoteOffer("call-remote-1")
	msg.TargetID = "dave"
	h.deliver(msg)
	assert.Equal(t, call.Idle, h.ctrl.State())
}

func TestRingTimeout(t *testing.T) {
	h := newHarness(t, func(c *call.Config) { c.RingTimeout = 30 * time.Millisecond })
	h.incomingOffer(t, "call-remote-1")

	require.Eventually(t, func() bool { return h.ctrl.State() == call.Ended }, waitFor, tick)
	assert.Equal(t, call.ReasonRingTimeout, h.ctrl.Snapshot().EndReason)
	assert.Len(t, h.sig.SentOfType(signaling.TypeBye), 1)
}

func TestRingTimeoutDoesNotEndConnectedCall(t *testing.T) {
	h := newHarness(t, func(c *call.Config) { c.RingTimeout = 30 * time.Millisecond })
	h.incomingOffer(t, "call-remote-1")
	require.NoError(t, h.ctrl.AnswerCall(context.Background()))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, call.Connected, h.ctrl.State())
}

func TestMuteTogglesTracks(t *testing.T) {
	h := newHarness(t, func(c *call.Config) {
		c.Constraints = media.Constraints{Audio: true, Video: true}
	})
	require.ErrorIs(t, h.ctrl.SetMuted(media.TrackKindAudio, true), call.ErrInvalidState)

	h.outgoingConnected(t)
	stream := h.ctrl.Snapshot().LocalStream
	audio := media.TracksOfKind(stream, media.TrackKindAudio)
	video := media.TracksOfKind(stream, media.TrackKindVideo)
	require.Len(t, audio, 1)
	require.Len(t, video, 1)

	require.NoError(t, h.ctrl.SetMuted(media.TrackKindAudio, true))
	assert.True(t, h.ctrl.Muted(media.TrackKindAudio))
	assert.False(t, audio[0].Enabled())
	assert.True(t, video[0].Enabled())

	require.NoError(t, h.ctrl.SetMuted(media.TrackKindAudio, false))
	assert.False(t, h.ctrl.Muted(media.TrackKindAudio))
	assert.True(t, audio[0].Enabled())
	assert.Equal(t, call.Connected, h.ctrl.State())
}

func TestEventOrderForOutgoingCall(t *testing.T) {
	h := newHarness(t)
	_, conn := h.outgoingConnected(t)
	conn.EmitRemoteStream(mediatest.NewStream("remote", media.TrackKindAudio))
	require.NoError(t, h.ctrl.EndCall(context.Background()))

	require.Eventually(t, func() bool { return len(h.events.all()) == 5 }, waitFor, tick)
	var kinds []string
	for _, e := range h.events.all() {
		if e.Kind == call.EventStateChanged {
			kinds = append(kinds, e.State.String())
		} else {
			kinds = append(kinds, e.Kind.String())
		}
	}
	assert.Equal(t, []string{"Outgoing", "local_stream_ready", "Connected", "remote_stream_ready", "Ended"}, kinds)
}

func TestCloseEndsActiveCall(t *testing.T) {
	h := newHarness(t)
	ch, _ := h.ctrl.Events(16)
	h.outgoingConnected(t)

	require.NoError(t, h.ctrl.Close())
	require.NoError(t, h.ctrl.Close())
	assert.Equal(t, call.Ended, h.ctrl.State())
	assert.Equal(t, call.ReasonShutdown, h.ctrl.Snapshot().EndReason)
	assert.Equal(t, 0, h.media.ActiveStreams())
	assert.ErrorIs(t, h.ctrl.MakeCall(context.Background(), "bob", ""), call.ErrClosed)

	var last call.Event
	for ev := range ch {
		last = ev
	}
	assert.Equal(t, call.Ended, last.State)
}

// offerGate задерживает отправку offer, не реагируя на отмену контекста,
// как медленный транспорт. Остальные сообщения проходят сразу.
type offerGate struct {
	*signalingtest.Recorder
	gate *gate
}

func (o *offerGate) Send(ctx context.Context, msg signaling.Message) error {
	if msg.Type == signaling.TypeOffer {
		_ = o.gate.hook(ctx)
	}
	return o.Recorder.Send(ctx, msg)
}

func TestEndCall_DuringOfferSendByeGoesAfterOffer(t *testing.T) {
	cfg := call.DefaultConfig()
	cfg.SelfID = "alice"
	cfg.ResetDelay = time.Hour

	sig := &offerGate{Recorder: signalingtest.NewRecorder(), gate: newGate()}
	ctrl, err := call.New(cfg, mediatest.NewEngine(), sig, call.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	ctx := context.Background()
	dialed := make(chan error, 1)
	go func() { dialed <- ctrl.MakeCall(ctx, "bob", "Bob") }()
	sig.gate.waitEntered(t)

	ended := make(chan error, 1)
	go func() { ended <- ctrl.EndCall(ctx) }()
	require.Eventually(t, func() bool { return ctrl.State() == call.Ended }, waitFor, tick)

	// Bye не уходит, пока offer в полете
	assert.Empty(t, sig.SentOfType(signaling.TypeBye))
	close(sig.gate.release)

	select {
	case err := <-dialed:
		require.Error(t, err)
		assert.ErrorIs(t, err, call.ErrCallEnded)
	case <-time.After(waitFor):
		t.Fatal("MakeCall не вернулся")
	}
	select {
	case err := <-ended:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("EndCall не вернулся")
	}

	sent := sig.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, signaling.TypeOffer, sent[0].Type)
	assert.Equal(t, signaling.TypeBye, sent[1].Type)
	assert.Equal(t, sent[0].SessionID, sent[1].SessionID)
}

func TestInvalidMessageDropped(t *testing.T) {
	h := newHarness(t)

	h.deliver(signaling.Message{Type: signaling.TypeOffer, SessionID: "s1", SourceID: "bob", TargetID: "alice"})
	h.deliver(signaling.Message{Type: signaling.TypeIceCandidate, SessionID: "s1", SourceID: "bob", TargetID: "alice"})
	assert.Equal(t, call.Idle, h.ctrl.State())

	h.incomingOffer(t, "call-remote-1")
	h.deliver(signaling.Message{Type: signaling.TypeAnswer, SessionID: "call-remote-1", SourceID: "bob", TargetID: "alice"})
	h.deliver(signaling.Message{Type: signaling.TypeIceCandidate, SessionID: "call-remote-1", SourceID: "bob", TargetID: "alice"})
	assert.Equal(t, call.Incoming, h.ctrl.State())
	assert.Empty(t, h.ctrl.Snapshot().PendingCandidates)
}

func TestCloseFromSubscriberGoroutine(t *testing.T) {
	h := newHarness(t)
	closed := make(chan struct{})
	h.ctrl.Subscribe(func(ev call.Event) {
		if ev.Kind == call.EventStateChanged && ev.State == call.Ended {
			go func() {
				_ = h.ctrl.Close()
				close(closed)
			}()
		}
	})

	h.incomingOffer(t, "call-remote-1")
	require.NoError(t, h.ctrl.RejectCall(context.Background()))

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close не завершился")
	}
	assert.Equal(t, call.Ended, h.ctrl.State())
}
