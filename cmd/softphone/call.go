package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/callcore/pkg/call"
)

func newCallCmd(a *app) *cobra.Command {
	var (
		name string
		hold time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <target>",
		Short: "Позвонить и удерживать вызов",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.buildPhone(ctx)
			if err != nil {
				return err
			}
			defer p.close()
			defer a.logEvents(p.ctrl)()

			events, unsubscribe := p.ctrl.Events(16)
			defer unsubscribe()

			if err := p.ctrl.MakeCall(ctx, args[0], name); err != nil {
				return err
			}

			var timer <-chan time.Time
			for {
				select {
				case <-ctx.Done():
					return p.ctrl.EndCall(context.Background())
				case <-timer:
					a.log.Info().Dur("hold", hold).Msg("hanging up")
					return p.ctrl.EndCall(ctx)
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					if ev.Kind != call.EventStateChanged {
						continue
					}
					switch ev.State {
					case call.Connected:
						if hold > 0 {
							timer = time.After(hold)
						}
					case call.Ended:
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "отображаемое имя адресата")
	cmd.Flags().DurationVar(&hold, "hold", 0, "положить трубку через заданное время после соединения (0 = до Ctrl+C)")
	return cmd
}
