package pionmedia

import (
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/arzzra/callcore/pkg/media"
)

// opusSilence кадр тишины Opus (TOC 0xf8, 20 мс)
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// localTrack локальный трек поверх TrackLocalStaticRTP.
//
// Пакеты нумеруются самим треком. Пока трек выключен (mute), пакеты
// отбрасываются, но нумерация не сдвигается.
type localTrack struct {
	id        string
	kind      media.TrackKind
	rtp       *webrtc.TrackLocalStaticRTP
	clockRate uint32

	enabled atomic.Bool
	sent    atomic.Uint64

	mu  sync.Mutex
	seq uint16
	ts  uint32

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ media.Track = (*localTrack)(nil)

// newLocalTrack создает трек и сразу запускает генератор, поэтому Stop
// можно вызывать с момента создания.
func newLocalTrack(kind media.TrackKind, streamID string, interval time.Duration) (*localTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == media.TrackKindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	id := streamID + "-" + string(kind)
	tl, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, err
	}

	t := &localTrack{
		id:        id,
		kind:      kind,
		rtp:       tl,
		clockRate: codec.ClockRate,
		seq:       uint16(rand.Uint32()),
		ts:        rand.Uint32(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.capture(interval)
	return t, nil
}

func (t *localTrack) ID() string              { return t.id }
func (t *localTrack) Kind() media.TrackKind   { return t.kind }
func (t *localTrack) Enabled() bool           { return t.enabled.Load() }
func (t *localTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Sent сколько пакетов отдано в соединение
func (t *localTrack) Sent() uint64 { return t.sent.Load() }

// WritePayload упаковывает payload в RTP пакет и отправляет во все
// соединения, к которым прикреплен трек. samples длительность в отсчетах.
func (t *localTrack) WritePayload(payload []byte, samples uint32, marker bool) error {
	t.mu.Lock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			SequenceNumber: t.seq,
			Timestamp:      t.ts,
		},
		Payload: payload,
	}
	t.seq++
	t.ts += samples
	t.mu.Unlock()

	select {
	case <-t.stop:
		return io.ErrClosedPipe
	default:
	}
	if !t.enabled.Load() {
		return nil
	}

	// PayloadType и SSRC проставляет TrackLocalStaticRTP для каждого соединения
	if err := t.rtp.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	t.sent.Add(1)
	return nil
}

// capture генерирует тишину с шагом interval до Stop. Видео кадры
// приложение подает само через WritePayload.
func (t *localTrack) capture(interval time.Duration) {
	defer close(t.done)
	if t.kind != media.TrackKindAudio {
		<-t.stop
		return
	}

	samples := uint32(interval.Seconds() * float64(t.clockRate))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			_ = t.WritePayload(opusSilence, samples, false)
		}
	}
}

func (t *localTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	<-t.done
}

// localStream захваченный поток
type localStream struct {
	id     string
	tracks []*localTrack
}

var _ media.Stream = (*localStream)(nil)

func (s *localStream) ID() string { return s.id }

func (s *localStream) Tracks() []media.Track {
	out := make([]media.Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

// remoteTrack удаленный трек. Enabled управляет только локальным
// воспроизведением, отправителю ничего не сообщается.
type remoteTrack struct {
	tr       *webrtc.TrackRemote
	enabled  atomic.Bool
	stopped  atomic.Bool
	received atomic.Uint64
}

var _ media.Track = (*remoteTrack)(nil)

func newRemoteTrack(tr *webrtc.TrackRemote) *remoteTrack {
	t := &remoteTrack{tr: tr}
	t.enabled.Store(true)
	return t
}

func (t *remoteTrack) ID() string { return t.tr.ID() }

func (t *remoteTrack) Kind() media.TrackKind {
	if t.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return media.TrackKindVideo
	}
	return media.TrackKindAudio
}

func (t *remoteTrack) Enabled() bool           { return t.enabled.Load() }
func (t *remoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *remoteTrack) Stop()                   { t.stopped.Store(true) }

// readLoop вычитывает RTP, без этого pion не обрабатывает RTCP
func (t *remoteTrack) readLoop() {
	for {
		pkt, _, err := t.tr.ReadRTP()
		if err != nil {
			return
		}
		if t.stopped.Load() {
			return
		}
		if t.enabled.Load() && len(pkt.Payload) > 0 {
			t.received.Add(1)
		}
	}
}

// remoteStream удаленный поток, треки добавляются по мере прихода
type remoteStream struct {
	id string

	mu     sync.Mutex
	tracks []media.Track
}

var _ media.Stream = (*remoteStream)(nil)

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) Tracks() []media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Track(nil), s.tracks...)
}

func (s *remoteStream) add(t media.Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}
