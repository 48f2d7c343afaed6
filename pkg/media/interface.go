package media

import "context"

// Track локальный или удаленный медиа трек.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	// SetEnabled включает или выключает передачу медиа без остановки трека
	SetEnabled(enabled bool)
	// Stop останавливает трек. Повторный вызов ничего не делает.
	Stop()
}

// Stream набор треков одного источника
type Stream interface {
	ID() string
	Tracks() []Track
}

// Connection соединение с удаленной стороной и примитивы согласования.
//
// Коллбеки регистрируются до начала согласования и вызываются из горутин
// реализации.
type Connection interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	AddICECandidate(ctx context.Context, candidate ICECandidate) error

	// OnICECandidate вызывается для каждого найденного локального кандидата
	OnICECandidate(fn func(ICECandidate))
	// OnRemoteStream вызывается когда от удаленной стороны пришел новый поток
	OnRemoteStream(fn func(Stream))
	OnConnectionStateChange(fn func(ConnectionState))

	Close() error
}

// Engine медиа движок: устройства и фабрика соединений.
type Engine interface {
	// AcquireLocalStream захватывает устройства согласно ограничениям.
	AcquireLocalStream(ctx context.Context, constraints Constraints) (Stream, error)
	// ReleaseStream останавливает все треки потока. Идемпотентна.
	ReleaseStream(stream Stream)
	NewConnection(ctx context.Context) (Connection, error)
	// AttachTracks добавляет треки локального потока в соединение.
	AttachTracks(ctx context.Context, conn Connection, stream Stream) error
}

// TracksOfKind возвращает треки потока заданного типа.
func TracksOfKind(stream Stream, kind TrackKind) []Track {
	if stream == nil {
		return nil
	}
	var out []Track
	for _, t := range stream.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
