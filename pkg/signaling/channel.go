package signaling

import (
	"context"
	"errors"
)

// Handler получает проверенные входящие сообщения.
// Транспорт вызывает его последовательно, в порядке получения.
type Handler func(ctx context.Context, msg Message)

// Sender отправка сообщений. Доставка не более одного раза, без ответа.
// Ошибка означает что транспорт сообщил о неудаче доставки.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Channel канал сигнализации
type Channel interface {
	Sender
	// OnMessage регистрирует обработчик входящих сообщений.
	// Последующий вызов заменяет обработчик.
	OnMessage(h Handler)
}

var (
	// ErrClosed канал закрыт
	ErrClosed = errors.New("signaling channel closed")
	// ErrUnknownTarget адресат не зарегистрирован
	ErrUnknownTarget = errors.New("unknown signaling target")
)
