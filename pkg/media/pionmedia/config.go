package pionmedia

import (
	"fmt"
	"time"
)

// Devices доступность устройств захвата на этом узле
type Devices struct {
	Microphone bool `mapstructure:"microphone" yaml:"microphone"`
	Camera     bool `mapstructure:"camera" yaml:"camera"`
}

// Config содержит конфигурацию для Engine
type Config struct {
	// ICEServers - STUN/TURN адреса
	ICEServers []string

	// Devices - какие устройства есть на узле
	Devices Devices

	// PacketInterval - период генерации аудио пакетов (ptime)
	PacketInterval time.Duration

	// ICE таймауты SettingEngine
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		Devices:             Devices{Microphone: true, Camera: true},
		PacketInterval:      20 * time.Millisecond,
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.PacketInterval <= 0 {
		c.PacketInterval = 20 * time.Millisecond
	}
	if c.DisconnectedTimeout < 0 || c.FailedTimeout < 0 || c.KeepAliveInterval < 0 {
		return fmt.Errorf("pionmedia config: отрицательный ICE таймаут")
	}
	if c.FailedTimeout > 0 && c.DisconnectedTimeout > c.FailedTimeout {
		return fmt.Errorf("pionmedia config: DisconnectedTimeout больше FailedTimeout")
	}
	return nil
}
