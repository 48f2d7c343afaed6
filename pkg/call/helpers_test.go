package call_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/media/mediatest"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/signaling/signalingtest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type eventLog struct {
	mu     sync.Mutex
	events []call.Event
}

func (l *eventLog) add(e call.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []call.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]call.Event(nil), l.events...)
}

func (l *eventLog) count(kind call.EventKind) int {
	n := 0
	for _, e := range l.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// states последовательность состояний из EventStateChanged
func (l *eventLog) states() []call.Status {
	var out []call.Status
	for _, e := range l.all() {
		if e.Kind == call.EventStateChanged {
			out = append(out, e.State)
		}
	}
	return out
}

func (l *eventLog) last(kind call.EventKind) (call.Event, bool) {
	events := l.all()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			return events[i], true
		}
	}
	return call.Event{}, false
}

type harness struct {
	ctrl   *call.Controller
	media  *mediatest.Engine
	sig    *signalingtest.Recorder
	events *eventLog
}

func newHarness(t *testing.T, mutate ...func(*call.Config)) *harness {
	t.Helper()

	cfg := call.DefaultConfig()
	cfg.SelfID = "alice"
	cfg.ResetDelay = time.Hour
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		media:  mediatest.NewEngine(),
		sig:    signalingtest.NewRecorder(),
		events: &eventLog{},
	}
	ctrl, err := call.New(cfg, h.media, h.sig, call.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	h.ctrl = ctrl
	ctrl.Subscribe(h.events.add)
	t.Cleanup(func() { _ = ctrl.Close() })
	return h
}

// waitState ждет пока событие о переходе в st дойдет до подписчика
func (h *harness) waitState(t *testing.T, st call.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range h.events.states() {
			if s == st {
				return true
			}
		}
		return false
	}, waitFor, tick, "нет события перехода в %s", st)
}

func (h *harness) deliver(msg signaling.Message) {
	h.sig.Deliver(context.Background(), msg)
}

// incomingOffer доставляет offer от bob и проверяет переход в Incoming
func (h *harness) incomingOffer(t *testing.T, sessionID string) {
	t.Helper()
	h.deliver(remoteOffer(sessionID))
	require.Equal(t, call.Incoming, h.ctrl.State())
}

// outgoingConnected проводит исходящий вызов до Connected
func (h *harness) outgoingConnected(t *testing.T) (string, *mediatest.Conn) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.ctrl.MakeCall(ctx, "bob", "Bob"))
	id := h.ctrl.Snapshot().ID
	h.deliver(remoteAnswer(id))
	conn := h.media.LastConnection()
	require.NotNil(t, conn)
	conn.SetState(media.ConnectionStateConnected)
	require.Equal(t, call.Connected, h.ctrl.State())
	return id, conn
}

func remoteOffer(sessionID string) signaling.Message {
	desc := media.SessionDescription{Type: media.SDPTypeOffer, SDP: mediatest.SDP(42)}
	return signaling.NewOffer(sessionID, "bob", "alice", desc, &signaling.Party{DisplayName: "Bob", PhoneNumber: "+15550002222"})
}

func remoteAnswer(sessionID string) signaling.Message {
	desc := media.SessionDescription{Type: media.SDPTypeAnswer, SDP: mediatest.SDP(43)}
	return signaling.NewAnswer(sessionID, "bob", "alice", desc)
}

func remoteCandidate(sessionID string, port int) signaling.Message {
	return signaling.NewIceCandidate(sessionID, "bob", "alice", mediatest.Candidate(port))
}

// gate блокирующий хук, отпускаемый тестом
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

// hook не реагирует на отмену контекста, эмулируя медленный движок,
// который завершает операцию уже после EndCall
func (g *gate) hook(context.Context) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil
}

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitFor):
		t.Fatal("хук не был вызван")
	}
}
