// Package signalingtest записывающий двойник канала сигнализации.
package signalingtest

import (
	"context"
	"sync"

	"github.com/arzzra/callcore/pkg/signaling"
)

// Recorder запоминает отправленные сообщения и позволяет вручную доставлять
// входящие.
type Recorder struct {
	mu      sync.Mutex
	sent    []signaling.Message
	handler signaling.Handler
	// sendErr вызывается для каждого исходящего сообщения
	sendErr func(signaling.Message) error
}

var _ signaling.Channel = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send проверяет сообщение так же, как настоящий транспорт, и записывает его.
// Сообщение, для которого задана ошибка, не записывается.
func (r *Recorder) Send(_ context.Context, msg signaling.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		if err := r.sendErr(msg); err != nil {
			return err
		}
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *Recorder) OnMessage(h signaling.Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// FailSend задает ошибку доставки. nil снимает ошибку.
func (r *Recorder) FailSend(fn func(signaling.Message) error) {
	r.mu.Lock()
	r.sendErr = fn
	r.mu.Unlock()
}

// Deliver синхронно передает сообщение зарегистрированному обработчику
func (r *Recorder) Deliver(ctx context.Context, msg signaling.Message) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(ctx, msg)
	}
}

// Sent все отправленные сообщения
func (r *Recorder) Sent() []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signaling.Message(nil), r.sent...)
}

// SentOfType отправленные сообщения заданного типа
func (r *Recorder) SentOfType(t signaling.Type) []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []signaling.Message
	for _, m := range r.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Reset забывает отправленные сообщения
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
