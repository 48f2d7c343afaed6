package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/config"
	"github.com/arzzra/callcore/pkg/media/pionmedia"
	"github.com/arzzra/callcore/pkg/metrics"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/signaling/sipmsg"
	"github.com/arzzra/callcore/pkg/signaling/wsclient"
)

// phone собранный узел: медиа, сигнализация, контроллер
type phone struct {
	ctrl    *call.Controller
	closers []func()
}

func (p *phone) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

func (a *app) buildPhone(ctx context.Context) (*phone, error) {
	if a.cfg.ID == "" {
		return nil, errors.New("id не задан (SOFTPHONE_ID или id в конфигурации)")
	}
	p := &phone{}
	log := *a.log

	engine, err := pionmedia.New(a.cfg.MediaConfig(), pionmedia.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	var ch signaling.Channel
	switch a.cfg.Signaling.Transport {
	case config.TransportWS:
		c, err := wsclient.Dial(ctx, a.cfg.Signaling.RelayURL, a.cfg.ID, wsclient.WithLogger(log))
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func() { _ = c.Close() })
		ch = c
	case config.TransportSIP:
		t, err := sipmsg.New(a.cfg.SIPConfig(), sipmsg.WithLogger(log))
		if err != nil {
			return nil, err
		}
		go func() {
			if err := t.Listen(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("sip listener stopped")
			}
		}()
		p.closers = append(p.closers, func() { _ = t.Close() })
		ch = t
	default:
		return nil, fmt.Errorf("неизвестный транспорт сигнализации %q", a.cfg.Signaling.Transport)
	}

	opts := []call.Option{call.WithLogger(log)}
	if a.cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, call.WithObserver(metrics.New(reg, "softphone")))
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
		p.closers = append(p.closers, func() { _ = srv.Close() })
	}

	ctrl, err := call.New(a.cfg.CallConfig(), engine, ch, opts...)
	if err != nil {
		p.close()
		return nil, err
	}
	p.ctrl = ctrl
	p.closers = append(p.closers, func() { _ = ctrl.Close() })
	return p, nil
}

// logEvents печатает события контроллера до отписки
func (a *app) logEvents(ctrl *call.Controller) func() {
	return ctrl.Subscribe(func(ev call.Event) {
		e := a.log.Info().Str("event", ev.Kind.String()).Str("session_id", ev.SessionID)
		switch ev.Kind {
		case call.EventStateChanged:
			e = e.Str("from", string(ev.Previous)).Str("to", string(ev.State))
			if ev.Reason != "" {
				e = e.Str("reason", string(ev.Reason))
			}
		case call.EventIncomingCall:
			e = e.Str("from", ev.RemoteParty.ID).Str("name", ev.RemoteParty.DisplayName)
		case call.EventError:
			e = e.Err(ev.Err)
		}
		e.Msg("call event")
	})
}
