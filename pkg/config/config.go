// Package config загрузка конфигурации softphone из файла и переменных
// окружения.
package config

import (
	"time"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/media/pionmedia"
	"github.com/arzzra/callcore/pkg/signaling/sipmsg"
)

// Транспорты сигнализации
const (
	TransportWS  = "ws"
	TransportSIP = "sip"
)

// Config конфигурация узла
type Config struct {
	ID          string `mapstructure:"id" yaml:"id"`
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`
	PhoneNumber string `mapstructure:"phone_number" yaml:"phone_number"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`

	Call      CallConfig      `mapstructure:"call" yaml:"call"`
	Media     MediaConfig     `mapstructure:"media" yaml:"media"`
	Signaling SignalingConfig `mapstructure:"signaling" yaml:"signaling"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type CallConfig struct {
	Audio              bool          `mapstructure:"audio" yaml:"audio"`
	Video              bool          `mapstructure:"video" yaml:"video"`
	ResetDelay         time.Duration `mapstructure:"reset_delay" yaml:"reset_delay"`
	RingTimeout        time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
	SignalTimeout      time.Duration `mapstructure:"signal_timeout" yaml:"signal_timeout"`
	BusyPolicy         string        `mapstructure:"busy_policy" yaml:"busy_policy"`
	MaxEarlyCandidates int           `mapstructure:"max_early_candidates" yaml:"max_early_candidates"`
}

type MediaConfig struct {
	ICEServers          []string      `mapstructure:"ice_servers" yaml:"ice_servers"`
	Microphone          bool          `mapstructure:"microphone" yaml:"microphone"`
	Camera              bool          `mapstructure:"camera" yaml:"camera"`
	PacketInterval      time.Duration `mapstructure:"packet_interval" yaml:"packet_interval"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout" yaml:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout" yaml:"failed_timeout"`
	KeepAliveInterval   time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
}

type SignalingConfig struct {
	// Transport ws или sip
	Transport string    `mapstructure:"transport" yaml:"transport"`
	RelayURL  string    `mapstructure:"relay_url" yaml:"relay_url"`
	SIP       SIPConfig `mapstructure:"sip" yaml:"sip"`
}

type SIPConfig struct {
	Network        string            `mapstructure:"network" yaml:"network"`
	ListenHost     string            `mapstructure:"listen_host" yaml:"listen_host"`
	ListenPort     int               `mapstructure:"listen_port" yaml:"listen_port"`
	TargetTemplate string            `mapstructure:"target_template" yaml:"target_template"`
	Peers          map[string]string `mapstructure:"peers" yaml:"peers"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout" yaml:"request_timeout"`
}

type RelayConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type MetricsConfig struct {
	// Addr адрес http сервера /metrics, пустой отключает
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	cc := call.DefaultConfig()
	mc := pionmedia.DefaultConfig()
	sc := sipmsg.DefaultConfig()

	return Config{
		LogLevel: "info",
		Call: CallConfig{
			Audio:              cc.Constraints.Audio,
			Video:              cc.Constraints.Video,
			ResetDelay:         cc.ResetDelay,
			RingTimeout:        cc.RingTimeout,
			SignalTimeout:      cc.SignalTimeout,
			BusyPolicy:         string(cc.BusyPolicy),
			MaxEarlyCandidates: cc.MaxEarlyCandidates,
		},
		Media: MediaConfig{
			ICEServers:          mc.ICEServers,
			Microphone:          mc.Devices.Microphone,
			Camera:              mc.Devices.Camera,
			PacketInterval:      mc.PacketInterval,
			DisconnectedTimeout: mc.DisconnectedTimeout,
			FailedTimeout:       mc.FailedTimeout,
			KeepAliveInterval:   mc.KeepAliveInterval,
		},
		Signaling: SignalingConfig{
			Transport: TransportWS,
			RelayURL:  "ws://127.0.0.1:8080/ws",
			SIP: SIPConfig{
				Network:        sc.Network,
				ListenHost:     sc.ListenHost,
				ListenPort:     sc.ListenPort,
				TargetTemplate: sc.TargetTemplate,
				RequestTimeout: sc.RequestTimeout,
			},
		},
		Relay: RelayConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
	}
}

// CallConfig собирает конфигурацию контроллера
func (c Config) CallConfig() call.Config {
	return call.Config{
		SelfID:             c.ID,
		DisplayName:        c.DisplayName,
		PhoneNumber:        c.PhoneNumber,
		Constraints:        media.Constraints{Audio: c.Call.Audio, Video: c.Call.Video},
		ResetDelay:         c.Call.ResetDelay,
		RingTimeout:        c.Call.RingTimeout,
		SignalTimeout:      c.Call.SignalTimeout,
		BusyPolicy:         call.BusyPolicy(c.Call.BusyPolicy),
		MaxEarlyCandidates: c.Call.MaxEarlyCandidates,
	}
}

// MediaConfig собирает конфигурацию медиа движка
func (c Config) MediaConfig() pionmedia.Config {
	return pionmedia.Config{
		ICEServers:          c.Media.ICEServers,
		Devices:             pionmedia.Devices{Microphone: c.Media.Microphone, Camera: c.Media.Camera},
		PacketInterval:      c.Media.PacketInterval,
		DisconnectedTimeout: c.Media.DisconnectedTimeout,
		FailedTimeout:       c.Media.FailedTimeout,
		KeepAliveInterval:   c.Media.KeepAliveInterval,
	}
}

// SIPConfig собирает конфигурацию SIP транспорта
func (c Config) SIPConfig() sipmsg.Config {
	s := c.Signaling.SIP
	return sipmsg.Config{
		ID:             c.ID,
		Network:        s.Network,
		ListenHost:     s.ListenHost,
		ListenPort:     s.ListenPort,
		TargetTemplate: s.TargetTemplate,
		Peers:          s.Peers,
		RequestTimeout: s.RequestTimeout,
	}
}
