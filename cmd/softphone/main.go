package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/arzzra/callcore/pkg/config"
	"github.com/arzzra/callcore/pkg/logger"
)

type app struct {
	configPath string
	logLevel   string

	cfg config.Config
	log *zerolog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "softphone",
		Short:         "Программный телефон: звонки 1:1 через WebRTC",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "путь к файлу конфигурации")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "уровень логирования (debug, info, warn, error)")

	root.AddCommand(newCallCmd(a), newListenCmd(a), newRelayCmd(a))
	return root
}

func (a *app) load() error {
	boot := logger.New("info")
	cfg, path, err := config.Load(boot, a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.log = logger.Setup(cfg.LogLevel)
	a.log.Debug().Str("path", path).Msg("config loaded")
	return nil
}
