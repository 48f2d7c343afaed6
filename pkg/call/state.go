package call

import (
	"context"
	"strings"

	"github.com/looplab/fsm"
)

// Status состояние вызова
type Status string

const (
	Idle      Status = "Idle"
	Outgoing  Status = "Outgoing"
	Incoming  Status = "Incoming"
	Connected Status = "Connected"
	Ended     Status = "Ended"
)

func (s Status) String() string {
	return string(s)
}

// Active возвращает true для состояний с живой сессией
func (s Status) Active() bool {
	return s == Outgoing || s == Incoming || s == Connected
}

func formEventName(src, dst Status) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

type transitionArgs struct {
	reason EndReason
}

/*
initFSM машина состояний вызова.

	Idle ──MakeCall──────────> Outgoing ──answer+connected──> Connected
	Idle ──входящий offer────> Incoming ──AnswerCall────────> Connected
	{Outgoing, Incoming, Connected} ──EndCall/Bye/сбой──────> Ended
	Ended ──через ResetDelay─> Idle

События называются formEventName(src, dst), например "Idle_to_Outgoing".
Из Ended выход только автоматическим сбросом в Idle.

Коллбеки:
  - after_event: публикует EventStateChanged и сообщает наблюдателю
*/
func (c *Controller) initFSM() {
	c.fsm = fsm.NewFSM(
		string(Idle),
		fsm.Events{
			{Name: formEventName(Idle, Outgoing), Src: []string{string(Idle)}, Dst: string(Outgoing)},
			{Name: formEventName(Idle, Incoming), Src: []string{string(Idle)}, Dst: string(Incoming)},
			{Name: formEventName(Outgoing, Connected), Src: []string{string(Outgoing)}, Dst: string(Connected)},
			{Name: formEventName(Incoming, Connected), Src: []string{string(Incoming)}, Dst: string(Connected)},
			{Name: formEventName(Outgoing, Ended), Src: []string{string(Outgoing)}, Dst: string(Ended)},
			{Name: formEventName(Incoming, Ended), Src: []string{string(Incoming)}, Dst: string(Ended)},
			{Name: formEventName(Connected, Ended), Src: []string{string(Connected)}, Dst: string(Ended)},
			{Name: formEventName(Ended, Idle), Src: []string{string(Ended)}, Dst: string(Idle)},
		},
		fsm.Callbacks{
			"after_event": c.afterStateChange,
		},
	)
}

// afterStateChange вызывается синхронно внутри transitionLocked, мьютекс
// контроллера удерживается.
func (c *Controller) afterStateChange(_ context.Context, e *fsm.Event) {
	src, dst := Status(e.Src), Status(e.Dst)

	var args transitionArgs
	if len(e.Args) == 1 {
		if a, ok := e.Args[0].(transitionArgs); ok {
			args = a
		}
	}

	ev := Event{
		Kind:     EventStateChanged,
		State:    dst,
		Previous: src,
		Reason:   args.reason,
		At:       c.now(),
	}
	if c.sess != nil {
		ev.SessionID = c.sess.id
		ev.RemoteParty = c.sess.remote
	}
	c.bus.Publish(ev)
	c.observer.StateChanged(src, dst)

	c.logger.Debug().
		Str("session_id", ev.SessionID).
		Str("from", src.String()).
		Str("to", dst.String()).
		Str("reason", string(args.reason)).
		Msg("call state changed")
}

// statusLocked текущее состояние машины
func (c *Controller) statusLocked() Status {
	return Status(c.fsm.Current())
}

// transitionLocked переводит машину в dst. Вызывается под c.mu.
func (c *Controller) transitionLocked(dst Status, reason EndReason) error {
	src := c.statusLocked()
	return c.fsm.Event(context.Background(), formEventName(src, dst), transitionArgs{reason: reason})
}
