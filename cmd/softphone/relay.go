package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/arzzra/callcore/pkg/signaling/relay"
)

func newRelayCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Запустить сервер сигнализации",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = a.cfg.Relay.Addr
			}

			srv := relay.New(relay.WithLogger(*a.log))
			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv.Router(),
				ReadHeaderTimeout: a.cfg.Relay.ReadHeaderTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", addr).Msg("relay listening")
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Relay.ShutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "адрес http сервера (по умолчанию relay.addr)")
	return cmd
}
