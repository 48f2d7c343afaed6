package pionmedia

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/arzzra/callcore/pkg/media"
)

// connection обертка над webrtc.PeerConnection
type connection struct {
	pc     *webrtc.PeerConnection
	engine *Engine
	log    zerolog.Logger
	closed atomic.Bool

	mu       sync.Mutex
	onCand   func(media.ICECandidate)
	onStream func(media.Stream)
	onState  func(media.ConnectionState)
	remote   map[string]*remoteStream
}

var _ media.Connection = (*connection)(nil)

func newConnection(e *Engine, pc *webrtc.PeerConnection) *connection {
	c := &connection{
		pc:     pc,
		engine: e,
		log:    e.log.With().Str("module", "webrtc").Logger(),
		remote: make(map[string]*remoteStream),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil означает конец сбора кандидатов
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.mu.Lock()
		fn := c.onCand
		c.mu.Unlock()
		if fn != nil {
			fn(fromICEInit(init))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track", track.ID()).
			Str("stream", track.StreamID()).
			Msg("remote track")

		rt := newRemoteTrack(track)
		c.mu.Lock()
		rs, ok := c.remote[track.StreamID()]
		if !ok {
			rs = &remoteStream{id: track.StreamID()}
			c.remote[track.StreamID()] = rs
		}
		rs.add(rt)
		fn := c.onStream
		c.mu.Unlock()

		if !ok && fn != nil {
			fn(rs)
		}
		rt.readLoop()
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug().Str("state", s.String()).Msg("peer connection state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapState(s))
		}
	})

	return c
}

func (c *connection) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return media.ErrConnectionClosed
	}
	return nil
}

func (c *connection) CreateOffer(ctx context.Context) (media.SessionDescription, error) {
	if err := c.check(ctx); err != nil {
		return media.SessionDescription{}, err
	}
	desc, err := c.pc.CreateOffer(nil)
	if err != nil {
		return media.SessionDescription{}, err
	}
	return fromDesc(desc), nil
}

func (c *connection) CreateAnswer(ctx context.Context) (media.SessionDescription, error) {
	if err := c.check(ctx); err != nil {
		return media.SessionDescription{}, err
	}
	desc, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return media.SessionDescription{}, err
	}
	return fromDesc(desc), nil
}

func (c *connection) SetLocalDescription(ctx context.Context, desc media.SessionDescription) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(toDesc(desc))
}

func (c *connection) SetRemoteDescription(ctx context.Context, desc media.SessionDescription) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(toDesc(desc))
}

func (c *connection) AddICECandidate(ctx context.Context, candidate media.ICECandidate) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

func (c *connection) OnICECandidate(fn func(media.ICECandidate)) {
	c.mu.Lock()
	c.onCand = fn
	c.mu.Unlock()
}

func (c *connection) OnRemoteStream(fn func(media.Stream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *connection) OnConnectionStateChange(fn func(media.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close закрывает PeerConnection. Повторный вызов ничего не делает.
func (c *connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.pc.Close()
}

func mapState(s webrtc.PeerConnectionState) media.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return media.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return media.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return media.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return media.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return media.ConnectionStateClosed
	default:
		return media.ConnectionStateNew
	}
}

func fromDesc(d webrtc.SessionDescription) media.SessionDescription {
	return media.SessionDescription{Type: media.SDPType(d.Type.String()), SDP: d.SDP}
}

func toDesc(d media.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func fromICEInit(init webrtc.ICECandidateInit) media.ICECandidate {
	return media.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}
