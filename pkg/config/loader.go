package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "SOFTPHONE"
	envConfigDefaultPath = "SOFTPHONE_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "softphone.yaml"
)

// Load собирает конфигурацию: значения по умолчанию < файл < переменные
// окружения SOFTPHONE_*. Если файла нет, он создается со значениями по
// умолчанию. Возвращает путь к использованному файлу.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults регистрирует все ключи, иначе AutomaticEnv не увидит
// переменные для ключей, которых нет в файле
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("id", cfg.ID)
	v.SetDefault("display_name", cfg.DisplayName)
	v.SetDefault("phone_number", cfg.PhoneNumber)
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("call.audio", cfg.Call.Audio)
	v.SetDefault("call.video", cfg.Call.Video)
	v.SetDefault("call.reset_delay", cfg.Call.ResetDelay)
	v.SetDefault("call.ring_timeout", cfg.Call.RingTimeout)
	v.SetDefault("call.signal_timeout", cfg.Call.SignalTimeout)
	v.SetDefault("call.busy_policy", cfg.Call.BusyPolicy)
	v.SetDefault("call.max_early_candidates", cfg.Call.MaxEarlyCandidates)

	v.SetDefault("media.ice_servers", cfg.Media.ICEServers)
	v.SetDefault("media.microphone", cfg.Media.Microphone)
	v.SetDefault("media.camera", cfg.Media.Camera)
	v.SetDefault("media.packet_interval", cfg.Media.PacketInterval)
	v.SetDefault("media.disconnected_timeout", cfg.Media.DisconnectedTimeout)
	v.SetDefault("media.failed_timeout", cfg.Media.FailedTimeout)
	v.SetDefault("media.keepalive_interval", cfg.Media.KeepAliveInterval)

	v.SetDefault("signaling.transport", cfg.Signaling.Transport)
	v.SetDefault("signaling.relay_url", cfg.Signaling.RelayURL)
	v.SetDefault("signaling.sip.network", cfg.Signaling.SIP.Network)
	v.SetDefault("signaling.sip.listen_host", cfg.Signaling.SIP.ListenHost)
	v.SetDefault("signaling.sip.listen_port", cfg.Signaling.SIP.ListenPort)
	v.SetDefault("signaling.sip.target_template", cfg.Signaling.SIP.TargetTemplate)
	v.SetDefault("signaling.sip.request_timeout", cfg.Signaling.SIP.RequestTimeout)

	v.SetDefault("relay.addr", cfg.Relay.Addr)
	v.SetDefault("relay.read_header_timeout", cfg.Relay.ReadHeaderTimeout)
	v.SetDefault("relay.shutdown_timeout", cfg.Relay.ShutdownTimeout)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
