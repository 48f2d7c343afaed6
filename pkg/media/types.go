package media

import "errors"

// SDPType тип SDP описания
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription SDP описание сессии в том виде, в котором оно
// передается через сигнализацию.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate дескриптор ICE кандидата. Поля совпадают с RTCIceCandidateInit,
// чтобы сообщения понимали и браузерные клиенты.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// TrackKind тип медиа трека
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Constraints определяет какие устройства захватывать.
type Constraints struct {
	Audio bool `json:"audio" mapstructure:"audio" yaml:"audio"`
	Video bool `json:"video" mapstructure:"video" yaml:"video"`
}

// DefaultConstraints только аудио, без видео.
func DefaultConstraints() Constraints {
	return Constraints{Audio: true}
}

// Empty возвращает true если не запрошено ни одного устройства
func (c Constraints) Empty() bool {
	return !c.Audio && !c.Video
}

// Kinds список запрошенных типов треков в порядке audio, video.
func (c Constraints) Kinds() []TrackKind {
	kinds := make([]TrackKind, 0, 2)
	if c.Audio {
		kinds = append(kinds, TrackKindAudio)
	}
	if c.Video {
		kinds = append(kinds, TrackKindVideo)
	}
	return kinds
}

// ConnectionState состояние транспорта соединения
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal возвращает true для состояний, после которых вызов завершается.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionStateDisconnected || s == ConnectionStateFailed || s == ConnectionStateClosed
}

var (
	// ErrDeviceUnavailable запрошенное устройство отсутствует или занято
	ErrDeviceUnavailable = errors.New("media device unavailable")
	// ErrPermissionDenied доступ к устройству запрещен
	ErrPermissionDenied = errors.New("media device permission denied")
	// ErrNoDevicesRequested пустые ограничения
	ErrNoDevicesRequested = errors.New("no media devices requested")
	// ErrForeignConnection соединение создано другим движком
	ErrForeignConnection = errors.New("connection belongs to another engine")
	// ErrForeignStream поток создан другим движком
	ErrForeignStream = errors.New("stream belongs to another engine")
	// ErrConnectionClosed операция над закрытым соединением
	ErrConnectionClosed = errors.New("connection closed")
)
