package call

import (
	"errors"
	"fmt"
)

// ErrorKind категория ошибки вызова
type ErrorKind int

const (
	// KindMediaAcquisition устройство недоступно или доступ запрещен.
	// Сессия завершается, повторных попыток нет.
	KindMediaAcquisition ErrorKind = iota + 1
	// KindNegotiation ошибка создания или применения описаний.
	// Сессия завершается, повторных попыток нет.
	KindNegotiation
	// KindSignaling транспорт сообщил о неудаче доставки
	KindSignaling
	// KindInvalidState операция недопустима в текущем состоянии
	KindInvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case KindMediaAcquisition:
		return "media_acquisition"
	case KindNegotiation:
		return "negotiation"
	case KindSignaling:
		return "signaling"
	case KindInvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}

var (
	ErrMediaAcquisition = errors.New("media acquisition failed")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrSignaling        = errors.New("signaling delivery failed")
	ErrInvalidState     = errors.New("invalid call state")

	// ErrCallEnded сессия была завершена пока операция выполнялась.
	// Результат операции отброшен, ресурсы освобождены.
	ErrCallEnded = errors.New("call ended")
	// ErrClosed контроллер закрыт
	ErrClosed = errors.New("controller closed")
	// ErrEmptyTarget не указан адресат вызова
	ErrEmptyTarget = errors.New("empty call target")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindMediaAcquisition:
		return ErrMediaAcquisition
	case KindNegotiation:
		return ErrNegotiation
	case KindSignaling:
		return ErrSignaling
	case KindInvalidState:
		return ErrInvalidState
	}
	return nil
}

// Error ошибка операции над вызовом.
//
// errors.Is(err, ErrNegotiation) и подобные проверки работают по Kind,
// исходная причина доступна через Unwrap.
type Error struct {
	Kind      ErrorKind
	Op        string
	SessionID string
	State     Status
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("call %s: %s", e.Op, e.Kind.sentinel())
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session=%s, state=%s)", e.SessionID, e.State)
	} else {
		msg += fmt.Sprintf(" (state=%s)", e.State)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf возвращает категорию ошибки или 0, если это не *Error
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
