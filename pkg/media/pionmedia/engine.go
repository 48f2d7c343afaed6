package pionmedia

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/arzzra/callcore/pkg/media"
)

// Engine реализация media.Engine на pion/webrtc.
//
// Реальных устройств захвата нет: аудио трек генерирует тишину Opus,
// видео трек ждет кадров от приложения.
type Engine struct {
	cfg Config
	api *webrtc.API
	log zerolog.Logger

	mu      sync.Mutex
	streams map[string]*localStream
}

var _ media.Engine = (*Engine)(nil)

// Option настройка Engine
type Option func(*Engine)

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New создает движок с кодеками и интерцепторами по умолчанию
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	e := &Engine{
		cfg: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		log:     zerolog.Nop(),
		streams: make(map[string]*localStream),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// AcquireLocalStream создает локальные треки согласно ограничениям
func (e *Engine) AcquireLocalStream(ctx context.Context, constraints media.Constraints) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if constraints.Empty() {
		return nil, media.ErrNoDevicesRequested
	}
	if constraints.Audio && !e.cfg.Devices.Microphone {
		return nil, fmt.Errorf("%w: microphone", media.ErrDeviceUnavailable)
	}
	if constraints.Video && !e.cfg.Devices.Camera {
		return nil, fmt.Errorf("%w: camera", media.ErrDeviceUnavailable)
	}

	s := &localStream{id: "local-" + uuid.NewString()}
	for _, kind := range constraints.Kinds() {
		t, err := newLocalTrack(kind, s.id, e.cfg.PacketInterval)
		if err != nil {
			for _, created := range s.tracks {
				created.Stop()
			}
			return nil, fmt.Errorf("create %s track: %w", kind, err)
		}
		s.tracks = append(s.tracks, t)
	}
	e.mu.Lock()
	e.streams[s.id] = s
	e.mu.Unlock()

	e.log.Debug().Str("stream", s.id).Int("tracks", len(s.tracks)).Msg("local stream acquired")
	return s, nil
}

// ReleaseStream останавливает треки потока. Повторный вызов ничего не делает.
func (e *Engine) ReleaseStream(stream media.Stream) {
	ls, ok := stream.(*localStream)
	if !ok || ls == nil {
		return
	}
	e.mu.Lock()
	_, owned := e.streams[ls.id]
	delete(e.streams, ls.id)
	e.mu.Unlock()
	if !owned {
		return
	}
	for _, t := range ls.tracks {
		t.Stop()
	}
	e.log.Debug().Str("stream", ls.id).Msg("local stream released")
}

// ActiveStreams число захваченных и не освобожденных потоков
func (e *Engine) ActiveStreams() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// NewConnection создает PeerConnection с ICE серверами из конфигурации
func (e *Engine) NewConnection(ctx context.Context) (media.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var servers []webrtc.ICEServer
	if len(e.cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}
	}
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConnection(e, pc), nil
}

// AttachTracks добавляет треки потока в соединение
func (e *Engine) AttachTracks(ctx context.Context, conn media.Connection, stream media.Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := conn.(*connection)
	if !ok || c.engine != e {
		return media.ErrForeignConnection
	}
	ls, ok := stream.(*localStream)
	if !ok {
		return media.ErrForeignStream
	}
	if c.closed.Load() {
		return media.ErrConnectionClosed
	}

	for _, t := range ls.tracks {
		sender, err := c.pc.AddTrack(t.rtp)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.kind, err)
		}
		// RTCP нужно вычитывать, иначе интерцепторы не работают
		go func() {
			for {
				if _, _, err := sender.ReadRTCP(); err != nil {
					return
				}
			}
		}()
	}
	return nil
}
