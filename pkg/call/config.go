package call

import (
	"fmt"
	"time"

	"github.com/arzzra/callcore/pkg/media"
)

// BusyPolicy что делать с входящим offer, когда уже есть активная сессия
type BusyPolicy string

const (
	// BusyReject ответить Bye на чужую сессию
	BusyReject BusyPolicy = "reject"
	// BusyIgnore молча отбросить offer
	BusyIgnore BusyPolicy = "ignore"
)

// Config содержит конфигурацию для Controller
type Config struct {
	// SelfID - идентификатор локальной стороны в сигнализации
	SelfID string

	// DisplayName - отображаемое имя, передается в offer
	DisplayName string

	// PhoneNumber - номер локальной стороны, передается в offer
	PhoneNumber string

	// Constraints - какие устройства захватывать
	Constraints media.Constraints

	// ResetDelay - через сколько после Ended автоматически вернуться в Idle
	ResetDelay time.Duration

	// RingTimeout - максимальная длительность Outgoing/Incoming (0 = без ограничений)
	RingTimeout time.Duration

	// SignalTimeout - таймаут отправки одного сообщения сигнализации
	SignalTimeout time.Duration

	// BusyPolicy - реакция на входящий offer при активной сессии
	BusyPolicy BusyPolicy

	// MaxEarlyCandidates - сколько кандидатов хранить до прихода их offer
	MaxEarlyCandidates int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Constraints:        media.DefaultConstraints(),
		ResetDelay:         2 * time.Second,
		RingTimeout:        0, // Без ограничений
		SignalTimeout:      5 * time.Second,
		BusyPolicy:         BusyReject,
		MaxEarlyCandidates: 64,
	}
}

// Validate проверяет корректность конфигурации и заполняет пропущенные
// значения значениями по умолчанию
func (c *Config) Validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("call config: SelfID не указан")
	}
	if c.Constraints.Empty() {
		return fmt.Errorf("call config: %w", media.ErrNoDevicesRequested)
	}
	if c.ResetDelay < 0 || c.RingTimeout < 0 || c.SignalTimeout < 0 {
		return fmt.Errorf("call config: отрицательный таймаут")
	}

	if c.SignalTimeout == 0 {
		c.SignalTimeout = 5 * time.Second
	}

	switch c.BusyPolicy {
	case "":
		c.BusyPolicy = BusyReject
	case BusyReject, BusyIgnore:
	default:
		return fmt.Errorf("call config: неизвестная BusyPolicy %q", c.BusyPolicy)
	}

	if c.MaxEarlyCandidates <= 0 {
		c.MaxEarlyCandidates = 64
	}

	return nil
}

// Observer получает уведомления о жизненном цикле вызовов, например для
// метрик. Методы вызываются синхронно и не должны блокироваться.
type Observer interface {
	CallStarted(role string)
	StateChanged(from, to Status)
	CallFailed(kind ErrorKind)
	CallEnded(reason EndReason, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) CallStarted(string)                 {}
func (nopObserver) StateChanged(Status, Status)        {}
func (nopObserver) CallFailed(ErrorKind)               {}
func (nopObserver) CallEnded(EndReason, time.Duration) {}
