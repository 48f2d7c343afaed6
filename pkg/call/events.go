package call

import (
	"time"

	"github.com/arzzra/callcore/pkg/media"
)

// EventKind тип события контроллера
type EventKind int

const (
	// EventStateChanged смена состояния, включая сброс в Idle
	EventStateChanged EventKind = iota + 1
	// EventIncomingCall пришел входящий вызов
	EventIncomingCall
	// EventLocalStreamReady локальный поток захвачен, не более раза за сессию
	EventLocalStreamReady
	// EventRemoteStreamReady получен удаленный поток, не более раза за сессию
	EventRemoteStreamReady
	// EventError ошибка, которую стоит показать пользователю
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventIncomingCall:
		return "incoming_call"
	case EventLocalStreamReady:
		return "local_stream_ready"
	case EventRemoteStreamReady:
		return "remote_stream_ready"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// EndReason причина завершения вызова
type EndReason string

const (
	ReasonLocalHangup        EndReason = "local_hangup"
	ReasonRemoteHangup       EndReason = "remote_hangup"
	ReasonRejected           EndReason = "rejected"
	ReasonMediaFailure       EndReason = "media_failure"
	ReasonNegotiationFailure EndReason = "negotiation_failure"
	ReasonSignalingFailure   EndReason = "signaling_failure"
	ReasonTransportFailure   EndReason = "transport_failure"
	ReasonRingTimeout        EndReason = "ring_timeout"
	ReasonShutdown           EndReason = "shutdown"
)

func reasonFor(kind ErrorKind) EndReason {
	switch kind {
	case KindMediaAcquisition:
		return ReasonMediaFailure
	case KindSignaling:
		return ReasonSignalingFailure
	default:
		return ReasonNegotiationFailure
	}
}

// RemoteParty удаленная сторона
type RemoteParty struct {
	ID          string
	DisplayName string
	PhoneNumber string
}

// Event событие контроллера. Поля заполняются в зависимости от Kind:
// State/Previous/Reason для EventStateChanged, Stream для событий потоков,
// Err для EventError.
type Event struct {
	Kind        EventKind
	SessionID   string
	State       Status
	Previous    Status
	RemoteParty RemoteParty
	Stream      media.Stream
	Reason      EndReason
	Err         error
	At          time.Time
}
