// Package sipmsg канал сигнализации поверх SIP MESSAGE (RFC 3428).
//
// Каждое сообщение сигнализации отправляется отдельным запросом MESSAGE
// с JSON телом. Получатель отвечает 200 OK на корректное сообщение и
// 400 Bad Request на все остальное.
//
// sipgo обрабатывает транзакции параллельно, поэтому принятые сообщения
// проходят через очередь и передаются обработчику по одному, в порядке
// приема. Отправитель ждет финального ответа на каждый MESSAGE, так что
// сообщения одного отправителя не обгоняют друг друга.
package sipmsg

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/callcore/pkg/eventbus"
	"github.com/arzzra/callcore/pkg/signaling"
)

// ContentType тип тела MESSAGE
const ContentType = "application/json"

var (
	// ErrRejected удаленная сторона ответила неуспешным кодом
	ErrRejected = errors.New("sip message rejected")
	// ErrContentType неподдерживаемый тип тела
	ErrContentType = errors.New("unsupported content type")
)

// Config параметры SIP транспорта
type Config struct {
	// ID локальный идентификатор, используется как user в From
	ID string
	// Network udp или tcp
	Network    string
	ListenHost string
	ListenPort int
	// TargetTemplate шаблон URI адресата, %s заменяется на targetId.
	// Например "sip:%s@10.0.0.1:5060".
	TargetTemplate string
	// Peers явные URI для отдельных адресатов, имеют приоритет над шаблоном
	Peers          map[string]string
	RequestTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Network:        "udp",
		ListenHost:     "127.0.0.1",
		ListenPort:     5060,
		TargetTemplate: "sip:%s@127.0.0.1:5060",
		RequestTimeout: 5 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("sipmsg: empty id")
	}
	switch c.Network {
	case "udp", "tcp":
	default:
		return errors.Errorf("sipmsg: unsupported network %q", c.Network)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return errors.Errorf("sipmsg: invalid port %d", c.ListenPort)
	}
	if !strings.Contains(c.TargetTemplate, "%s") && len(c.Peers) == 0 {
		return errors.New("sipmsg: target template must contain %s")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return nil
}

// Transport реализует signaling.Channel
type Transport struct {
	cfg    Config
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	inbox  *eventbus.Bus[signaling.Message]
	log    zerolog.Logger

	mu      sync.Mutex
	handler signaling.Handler
	ctx     context.Context
}

var _ signaling.Channel = (*Transport)(nil)

// Option настройка транспорта
type Option func(*Transport)

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// New создает транспорт. Прием сообщений начинается после Listen.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.ID),
		sipgo.WithUserAgentHostname(cfg.ListenHost),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create user agent")
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.ListenHost))
	if err != nil {
		_ = ua.Close()
		return nil, errors.Wrap(err, "create client")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, errors.Wrap(err, "create server")
	}

	t := &Transport{
		cfg:    cfg,
		ua:     ua,
		client: client,
		server: server,
		log:    log.Logger.With().Str("module", "sipmsg").Str("id", cfg.ID).Logger(),
		ctx:    context.Background(),
	}
	for _, o := range opts {
		o(t)
	}
	t.inbox = eventbus.New[signaling.Message](eventbus.WithLogger(t.log))
	t.inbox.SubscribeFunc(t.deliver)
	server.OnMessage(t.handleMessage)
	return t, nil
}

// Listen принимает входящие MESSAGE до отмены ctx
func (t *Transport) Listen(ctx context.Context) error {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", t.cfg.ListenHost, t.cfg.ListenPort)
	t.log.Info().Str("network", t.cfg.Network).Str("address", addr).Msg("listening")
	return t.server.ListenAndServe(ctx, t.cfg.Network, addr)
}

// Close доставляет уже принятые сообщения и освобождает ресурсы user agent
func (t *Transport) Close() error {
	t.inbox.Close()
	return t.ua.Close()
}

// OnMessage регистрирует обработчик входящих сообщений
func (t *Transport) OnMessage(h signaling.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Send отправляет сообщение запросом MESSAGE и ждет финального ответа
func (t *Transport) Send(ctx context.Context, msg signaling.Message) error {
	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}
	uri, err := t.targetURI(msg.TargetID)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.MESSAGE, uri)
	req.AppendHeader(sip.NewHeader("Content-Type", ContentType))
	req.SetBody(data)

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	res, err := t.client.Do(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "send MESSAGE to %s", uri.String())
	}
	if !res.IsSuccess() {
		return errors.Wrapf(ErrRejected, "%d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (t *Transport) targetURI(target string) (sip.Uri, error) {
	var uri sip.Uri
	raw, ok := t.cfg.Peers[target]
	if !ok {
		raw = fmt.Sprintf(t.cfg.TargetTemplate, target)
	}
	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, errors.Wrapf(err, "parse target uri %q", raw)
	}
	return uri, nil
}

func (t *Transport) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	var ct string
	if h := req.GetHeader("Content-Type"); h != nil {
		ct = h.Value()
	}

	msg, err := decodeRequest(ct, req.Body())
	if err != nil {
		t.log.Warn().Err(err).Str("content_type", ct).Msg("rejecting MESSAGE")
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil)
		if err := tx.Respond(res); err != nil {
			t.log.Error().Err(err).Msg("respond")
		}
		return
	}

	// В очередь до ответа: следующий MESSAGE отправителя встанет за этим
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if !t.inbox.Publish(msg) {
		res = sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Service Unavailable", nil)
	}
	if err := tx.Respond(res); err != nil {
		t.log.Error().Err(err).Msg("respond")
	}
}

func (t *Transport) deliver(msg signaling.Message) {
	t.mu.Lock()
	h, ctx := t.handler, t.ctx
	t.mu.Unlock()
	if h != nil {
		h(ctx, msg)
	}
}

// decodeRequest проверяет тип тела и разбирает сообщение
func decodeRequest(contentType string, body []byte) (signaling.Message, error) {
	mt := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if !strings.EqualFold(mt, ContentType) {
		return signaling.Message{}, errors.Wrapf(ErrContentType, "%q", contentType)
	}
	msg, err := signaling.Decode(body)
	if err != nil {
		return signaling.Message{}, errors.Wrap(err, "decode body")
	}
	return msg, nil
}
