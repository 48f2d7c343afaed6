package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/callcore/pkg/eventbus"
)

// Pipe транспорт сигнализации внутри процесса.
//
// Сообщения проходят через JSON кодек, как по сети, и доставляются
// асинхронно в порядке отправки. Используется для связи двух контроллеров
// в одном процессе и в тестах.
type Pipe struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	closed    bool
	logger    zerolog.Logger
}

// NewPipe создает пустой транспорт
func NewPipe() *Pipe {
	return &Pipe{
		endpoints: make(map[string]*Endpoint),
		logger:    log.Logger.With().Str("module", "signaling-pipe").Logger(),
	}
}

// Endpoint возвращает точку подключения с данным id, создавая ее при
// необходимости.
func (p *Pipe) Endpoint(id string) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep, ok := p.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{
		id:    id,
		pipe:  p,
		inbox: eventbus.New[[]byte](eventbus.WithLogger(p.logger)),
	}
	ep.inbox.SubscribeFunc(ep.deliver)
	if p.closed {
		ep.inbox.Close()
	}
	p.endpoints[id] = ep
	return ep
}

func (p *Pipe) lookup(id string) (*Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[id]
	return ep, ok
}

// Close останавливает доставку во всех точках
func (p *Pipe) Close() {
	p.mu.Lock()
	p.closed = true
	eps := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		eps = append(eps, ep)
	}
	p.mu.Unlock()

	for _, ep := range eps {
		ep.inbox.Close()
	}
}

// Endpoint точка подключения к Pipe, реализует Channel
type Endpoint struct {
	id    string
	pipe  *Pipe
	inbox *eventbus.Bus[[]byte]

	mu      sync.Mutex
	handler Handler
	drop    func(Message) bool
}

var _ Channel = (*Endpoint)(nil)

// ID идентификатор точки
func (e *Endpoint) ID() string { return e.id }

// Send кодирует сообщение и ставит его в очередь адресата
func (e *Endpoint) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	drop := e.drop
	e.mu.Unlock()
	if drop != nil && drop(msg) {
		e.pipe.logger.Debug().Str("session_id", msg.SessionID).Str("type", string(msg.Type)).Msg("message dropped by filter")
		return nil
	}

	target, ok := e.pipe.lookup(msg.TargetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, msg.TargetID)
	}
	if !target.inbox.Publish(data) {
		return ErrClosed
	}
	return nil
}

// OnMessage регистрирует обработчик
func (e *Endpoint) OnMessage(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// SetDropFilter задает фильтр исходящих сообщений. Сообщения, для которых
// filter вернул true, теряются без ошибки, как в ненадежной сети.
func (e *Endpoint) SetDropFilter(filter func(Message) bool) {
	e.mu.Lock()
	e.drop = filter
	e.mu.Unlock()
}

func (e *Endpoint) deliver(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		e.pipe.logger.Warn().Err(err).Str("endpoint", e.id).Msg("dropping invalid message")
		return
	}

	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h == nil {
		e.pipe.logger.Debug().Str("endpoint", e.id).Str("type", string(msg.Type)).Msg("no handler, message dropped")
		return
	}
	h(context.Background(), msg)
}
