// Package mediatest управляемая реализация media.Engine для тестов.
//
// Движок ничего не захватывает и не открывает сетевых соединений, зато
// позволяет задавать ошибки, блокировать отдельные шаги и эмулировать события
// транспорта: локальные кандидаты, удаленные потоки, смену состояния.
package mediatest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arzzra/callcore/pkg/media"
)

// Hook вызывается перед выполнением шага. Может блокироваться.
// Ненулевая ошибка прерывает шаг.
type Hook func(ctx context.Context) error

// Engine тестовый медиа движок
type Engine struct {
	// AcquireErr возвращается из AcquireLocalStream
	AcquireErr error
	// AcquireHook вызывается перед захватом потока
	AcquireHook Hook
	// NewConnErr возвращается из NewConnection
	NewConnErr error
	// AttachErr возвращается из AttachTracks
	AttachErr error
	// Configure вызывается для каждого нового соединения до возврата его
	// вызывающему коду. Удобно для настройки ошибок соединения.
	Configure func(*Conn)

	mu        sync.Mutex
	streams   []*Stream
	conns     []*Conn
	released  map[string]int
	seq       atomic.Uint64
	acquireCt int
}

var _ media.Engine = (*Engine)(nil)

// NewEngine создает движок без ошибок
func NewEngine() *Engine {
	return &Engine{released: make(map[string]int)}
}

func (e *Engine) AcquireLocalStream(ctx context.Context, constraints media.Constraints) (media.Stream, error) {
	e.mu.Lock()
	e.acquireCt++
	e.mu.Unlock()

	if e.AcquireHook != nil {
		if err := e.AcquireHook(ctx); err != nil {
			return nil, err
		}
	}
	if e.AcquireErr != nil {
		return nil, e.AcquireErr
	}
	if constraints.Empty() {
		return nil, media.ErrNoDevicesRequested
	}

	n := e.seq.Add(1)
	s := &Stream{id: fmt.Sprintf("local-%d", n)}
	for _, kind := range constraints.Kinds() {
		s.tracks = append(s.tracks, NewTrack(fmt.Sprintf("%s-%s", s.id, kind), kind))
	}

	e.mu.Lock()
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) ReleaseStream(stream media.Stream) {
	if stream == nil {
		return
	}
	for _, t := range stream.Tracks() {
		t.Stop()
	}
	e.mu.Lock()
	if e.released == nil {
		e.released = make(map[string]int)
	}
	e.released[stream.ID()]++
	e.mu.Unlock()
}

func (e *Engine) NewConnection(ctx context.Context) (media.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.NewConnErr != nil {
		return nil, e.NewConnErr
	}
	c := &Conn{id: int(e.seq.Add(1))}
	if e.Configure != nil {
		e.Configure(c)
	}
	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return c, nil
}

func (e *Engine) AttachTracks(ctx context.Context, conn media.Connection, stream media.Stream) error {
	if e.AttachErr != nil {
		return e.AttachErr
	}
	c, ok := conn.(*Conn)
	if !ok {
		return media.ErrForeignConnection
	}
	return c.attach(stream)
}

// AcquireCount сколько раз запрашивался захват устройств
func (e *Engine) AcquireCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquireCt
}

// Streams все выданные локальные потоки
func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

// Connections все созданные соединения
func (e *Engine) Connections() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

// LastConnection последнее созданное соединение или nil
func (e *Engine) LastConnection() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	return e.conns[len(e.conns)-1]
}

// ReleaseCount сколько раз освобождался поток с данным id
func (e *Engine) ReleaseCount(streamID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released[streamID]
}

// ActiveStreams количество выданных и еще не освобожденных потоков
func (e *Engine) ActiveStreams() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	active := 0
	for _, s := range e.streams {
		if e.released[s.id] == 0 {
			active++
		}
	}
	return active
}

// Stream тестовый поток
type Stream struct {
	id     string
	tracks []media.Track
}

var _ media.Stream = (*Stream)(nil)

// NewStream поток с указанными треками
func NewStream(id string, kinds ...media.TrackKind) *Stream {
	s := &Stream{id: id}
	for _, k := range kinds {
		s.tracks = append(s.tracks, NewTrack(fmt.Sprintf("%s-%s", id, k), k))
	}
	return s
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []media.Track {
	return append([]media.Track(nil), s.tracks...)
}

// Track тестовый трек
type Track struct {
	id      string
	kind    media.TrackKind
	enabled atomic.Bool
	stopped atomic.Int32
}

var _ media.Track = (*Track)(nil)

func NewTrack(id string, kind media.TrackKind) *Track {
	t := &Track{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string              { return t.id }
func (t *Track) Kind() media.TrackKind   { return t.kind }
func (t *Track) Enabled() bool           { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *Track) Stop()                   { t.stopped.Add(1) }

// Stopped возвращает true если трек был остановлен хотя бы раз
func (t *Track) Stopped() bool { return t.stopped.Load() > 0 }

// Conn тестовое соединение.
//
// Поля ошибок и хуков задаются до начала согласования, обычно через
// Engine.Configure.
type Conn struct {
	OfferErr        error
	AnswerErr       error
	SetLocalErr     error
	SetRemoteErr    error
	AddCandidateErr error
	OfferHook       Hook
	AnswerHook      Hook

	id int

	mu         sync.Mutex
	tracks     []media.Track
	local      *media.SessionDescription
	remote     *media.SessionDescription
	candidates []media.ICECandidate
	ops        []string
	closed     bool
	closeCount int

	onCandidate func(media.ICECandidate)
	onStream    func(media.Stream)
	onState     func(media.ConnectionState)
}

var _ media.Connection = (*Conn)(nil)

func (c *Conn) attach(stream media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return media.ErrConnectionClosed
	}
	c.tracks = append(c.tracks, stream.Tracks()...)
	c.ops = append(c.ops, "attach")
	return nil
}

func (c *Conn) CreateOffer(ctx context.Context) (media.SessionDescription, error) {
	if c.OfferHook != nil {
		if err := c.OfferHook(ctx); err != nil {
			return media.SessionDescription{}, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "create-offer")
	if c.OfferErr != nil {
		return media.SessionDescription{}, c.OfferErr
	}
	return media.SessionDescription{Type: media.SDPTypeOffer, SDP: SDP(c.id, kindsOf(c.tracks)...)}, nil
}

func (c *Conn) CreateAnswer(ctx context.Context) (media.SessionDescription, error) {
	if c.AnswerHook != nil {
		if err := c.AnswerHook(ctx); err != nil {
			return media.SessionDescription{}, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "create-answer")
	if c.AnswerErr != nil {
		return media.SessionDescription{}, c.AnswerErr
	}
	if c.remote == nil {
		return media.SessionDescription{}, fmt.Errorf("create answer without remote offer")
	}
	return media.SessionDescription{Type: media.SDPTypeAnswer, SDP: SDP(c.id, kindsOf(c.tracks)...)}, nil
}

func (c *Conn) SetLocalDescription(_ context.Context, desc media.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "set-local:"+string(desc.Type))
	if c.closed {
		return media.ErrConnectionClosed
	}
	if c.SetLocalErr != nil {
		return c.SetLocalErr
	}
	c.local = &desc
	return nil
}

func (c *Conn) SetRemoteDescription(_ context.Context, desc media.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "set-remote:"+string(desc.Type))
	if c.closed {
		return media.ErrConnectionClosed
	}
	if c.SetRemoteErr != nil {
		return c.SetRemoteErr
	}
	c.remote = &desc
	return nil
}

// AddICECandidate сохраняет кандидата. Кандидат без удаленного описания
// считается ошибкой, как и в настоящем движке.
func (c *Conn) AddICECandidate(_ context.Context, cand media.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, "add-candidate:"+cand.Candidate)
	if c.remote == nil {
		return fmt.Errorf("candidate %q added before remote description", cand.Candidate)
	}
	if c.AddCandidateErr != nil {
		return c.AddCandidateErr
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) OnICECandidate(fn func(media.ICECandidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnRemoteStream(fn func(media.Stream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(media.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	c.closed = true
	return nil
}

// EmitLocalCandidate эмулирует обнаружение локального кандидата
func (c *Conn) EmitLocalCandidate(cand media.ICECandidate) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

// EmitRemoteStream эмулирует появление удаленного потока
func (c *Conn) EmitRemoteStream(s media.Stream) {
	c.mu.Lock()
	fn := c.onStream
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// SetState эмулирует смену состояния транспорта
func (c *Conn) SetState(state media.ConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// Candidates примененные удаленные кандидаты в порядке применения
func (c *Conn) Candidates() []media.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.ICECandidate(nil), c.candidates...)
}

// Ops журнал операций над соединением
func (c *Conn) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *Conn) LocalDescription() *media.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Conn) RemoteDescription() *media.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func kindsOf(tracks []media.Track) []media.TrackKind {
	var kinds []media.TrackKind
	seen := make(map[media.TrackKind]bool)
	for _, t := range tracks {
		if !seen[t.Kind()] {
			seen[t.Kind()] = true
			kinds = append(kinds, t.Kind())
		}
	}
	return kinds
}

// SDP формирует минимальное корректное SDP с m-строкой на каждый тип.
// Без типов получается аудио.
func SDP(sessionID int, kinds ...media.TrackKind) string {
	if len(kinds) == 0 {
		kinds = []media.TrackKind{media.TrackKindAudio}
	}
	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=- %d %d IN IP4 127.0.0.1\r\n", 1000+sessionID, 1000+sessionID)
	b.WriteString("s=-\r\n")
	b.WriteString("c=IN IP4 127.0.0.1\r\n")
	b.WriteString("t=0 0\r\n")
	for _, k := range kinds {
		switch k {
		case media.TrackKindVideo:
			b.WriteString("m=video 9 UDP/TLS/RTP/SAVPF 96\r\n")
			b.WriteString("a=rtpmap:96 VP8/90000\r\n")
		default:
			b.WriteString("m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n")
			b.WriteString("a=rtpmap:111 opus/48000/2\r\n")
		}
		b.WriteString("a=sendrecv\r\n")
	}
	return b.String()
}

// Candidate кандидат host типа с заданным портом
func Candidate(port int) media.ICECandidate {
	mid := "0"
	var idx uint16
	return media.ICECandidate{
		Candidate:     fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", port),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
