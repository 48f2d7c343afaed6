// Package wsclient канал сигнализации поверх WebSocket соединения с relay.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/callcore/pkg/signaling"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// ErrBackpressure очередь отправки переполнена
var ErrBackpressure = errors.New("websocket send queue is full")

// Client реализует signaling.Channel
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	mu      sync.Mutex
	handler signaling.Handler

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

var _ signaling.Channel = (*Client)(nil)

// Option настройка клиента
type Option func(*Client)

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Dial подключается к relay и регистрируется под идентификатором id.
// rawURL адрес ws эндпоинта, например ws://host:8080/ws.
func Dial(ctx context.Context, rawURL, id string, opts ...Option) (*Client, error) {
	if id == "" {
		return nil, errors.New("wsclient: empty id")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsclient: parse url: %w", err)
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", u.Redacted(), err)
	}

	c := &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  log.Logger.With().Str("module", "wsclient").Str("id", id).Logger(),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.writePump()
	go c.readPump()
	return c, nil
}

// ID идентификатор под которым клиент зарегистрирован
func (c *Client) ID() string { return c.id }

// Send кодирует сообщение и ставит в очередь отправки
func (c *Client) Send(ctx context.Context, msg signaling.Message) error {
	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return signaling.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return signaling.ErrClosed
	default:
		return ErrBackpressure
	}
}

// OnMessage регистрирует обработчик входящих сообщений
func (c *Client) OnMessage(h signaling.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Done закрывается после остановки клиента
func (c *Client) Done() <-chan struct{} { return c.done }

// Close закрывает соединение. Повторный вызов ничего не делает.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn().Err(err).Msg("ping failed")
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.log.Debug().Msg("readPump closing")
		_ = c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		msg, err := signaling.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping invalid message")
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(c.ctx, msg)
		}
	}
}
