package main

import (
	"github.com/spf13/cobra"

	"github.com/arzzra/callcore/pkg/call"
)

func newListenCmd(a *app) *cobra.Command {
	var autoAnswer bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Ожидать входящие вызовы",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.buildPhone(ctx)
			if err != nil {
				return err
			}
			defer p.close()
			defer a.logEvents(p.ctrl)()

			events, unsubscribe := p.ctrl.Events(16)
			defer unsubscribe()

			a.log.Info().Str("id", a.cfg.ID).Bool("auto_answer", autoAnswer).Msg("waiting for calls")
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if ev.Kind != call.EventIncomingCall || !autoAnswer {
						continue
					}
					if err := p.ctrl.AnswerCall(ctx); err != nil {
						a.log.Warn().Err(err).Msg("answer failed")
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&autoAnswer, "auto-answer", false, "автоматически отвечать на входящие")
	return cmd
}
