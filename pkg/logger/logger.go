// Package logger настройка zerolog для бинарников.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New создает консольный логгер с заданным уровнем (debug, info, warn, error)
func New(level string) *zerolog.Logger {
	return newWithWriter(os.Stdout, level)
}

func newWithWriter(out io.Writer, level string) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(ParseLevel(level)).With().Timestamp().Logger()
	return &logger
}

// Setup создает логгер и делает его глобальным для пакетов,
// которые пишут через log.Logger
func Setup(level string) *zerolog.Logger {
	l := New(level)
	log.Logger = *l
	return l
}

// ParseLevel разбирает уровень, неизвестное значение дает info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
