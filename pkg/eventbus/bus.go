// Package eventbus упорядоченная доставка событий подписчикам.
//
// Publish никогда не блокируется: события складываются в очередь, из которой
// их забирает единственная горутина-диспетчер. Поэтому все подписчики видят
// события в порядке публикации, а публиковать можно под мьютексом владельца.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type subscriber[T any] struct {
	id   uint64
	ch   chan T
	fn   func(T)
	quit chan struct{}
	once sync.Once
}

func (s *subscriber[T]) cancel() {
	s.once.Do(func() { close(s.quit) })
}

// Bus очередь событий с одним диспетчером
type Bus[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	subs   []*subscriber[T]
	nextID uint64
	closed bool
	done   chan struct{}

	logger zerolog.Logger
}

// Option настройка шины
type Option func(*options)

type options struct {
	logger zerolog.Logger
}

// WithLogger логгер для паник в обработчиках
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New создает шину и запускает диспетчер
func New[T any](opts ...Option) *Bus[T] {
	o := options{logger: log.Logger.With().Str("module", "eventbus").Logger()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bus[T]{
		done:   make(chan struct{}),
		logger: o.logger,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Publish ставит событие в очередь. После Close возвращает false.
func (b *Bus[T]) Publish(ev T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.queue = append(b.queue, ev)
	b.cond.Signal()
	return true
}

// Subscribe возвращает канал событий и функцию отписки.
//
// Диспетчер ждет пока подписчик прочитает событие, buffer сглаживает
// медленного читателя. Канал закрывается после отписки или Close.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber[T]{ch: make(chan T, buffer), quit: make(chan struct{})}
	if !b.add(s) {
		close(s.ch)
		return s.ch, func() {}
	}
	return s.ch, func() { b.remove(s) }
}

// SubscribeFunc вызывает fn для каждого события в горутине диспетчера.
// fn не должна блокироваться надолго и не должна вызывать Close: Close ждет
// завершения диспетчера.
func (b *Bus[T]) SubscribeFunc(fn func(T)) func() {
	s := &subscriber[T]{fn: fn, quit: make(chan struct{})}
	if !b.add(s) {
		return func() {}
	}
	return func() { b.remove(s) }
}

func (b *Bus[T]) add(s *subscriber[T]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	return true
}

// remove помечает подписчика. Канал закроет диспетчер, иначе
// возможна гонка с отправкой.
func (b *Bus[T]) remove(s *subscriber[T]) {
	s.cancel()
	b.mu.Lock()
	b.cond.Signal()
	b.mu.Unlock()
}

// Close доставляет уже поставленные события, закрывает каналы подписчиков
// и останавливает диспетчер. Повторный вызов безопасен.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Broadcast()
	}
	b.mu.Unlock()
	<-b.done
}

// Done закрывается после остановки диспетчера
func (b *Bus[T]) Done() <-chan struct{} {
	return b.done
}

func (b *Bus[T]) dispatch() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.pruneLocked()
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			subs := b.subs
			b.subs = nil
			b.mu.Unlock()
			for _, s := range subs {
				if s.ch != nil {
					close(s.ch)
				}
			}
			return
		}
		ev := b.queue[0]
		var zero T
		b.queue[0] = zero
		b.queue = b.queue[1:]
		b.pruneLocked()
		subs := append([]*subscriber[T](nil), b.subs...)
		b.mu.Unlock()

		for _, s := range subs {
			b.deliver(s, ev)
		}
	}
}

// pruneLocked убирает отписавшихся и закрывает их каналы
func (b *Bus[T]) pruneLocked() {
	kept := b.subs[:0]
	for _, s := range b.subs {
		select {
		case <-s.quit:
			if s.ch != nil {
				close(s.ch)
			}
		default:
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
}

func (b *Bus[T]) deliver(s *subscriber[T], ev T) {
	select {
	case <-s.quit:
		return
	default:
	}

	if s.fn != nil {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().Interface("panic", r).Uint64("subscriber", s.id).Msg("event handler panicked")
			}
		}()
		s.fn(ev)
		return
	}

	select {
	case s.ch <- ev:
	case <-s.quit:
	}
}
