// Package relay сервер сигнализации: принимает WebSocket подключения
// клиентов и пересылает сообщения адресату по targetId.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/callcore/pkg/signaling"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	sendBuffer = 64
)

// Причины отброса сообщений для метрики
const (
	dropInvalid       = "invalid"
	dropSpoofed       = "spoofed_source"
	dropUnknownTarget = "unknown_target"
	dropBackpressure  = "backpressure"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (p *peer) trySend(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.send)
	p.mu.Unlock()
	_ = p.conn.Close()
}

// Server маршрутизатор сообщений сигнализации
type Server struct {
	log zerolog.Logger
	reg *prometheus.Registry

	mu    sync.Mutex
	peers map[string]*peer

	relayed *prometheus.CounterVec
	dropped *prometheus.CounterVec
	online  prometheus.Gauge
}

// Option настройка сервера
type Option func(*Server)

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithRegistry задает реестр метрик, который отдается на /metrics
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.reg = reg }
}

// New создает сервер
func New(opts ...Option) *Server {
	s := &Server{
		log:   log.Logger.With().Str("module", "relay").Logger(),
		peers: make(map[string]*peer),
	}
	for _, o := range opts {
		o(s)
	}
	if s.reg == nil {
		s.reg = prometheus.NewRegistry()
	}

	f := promauto.With(s.reg)
	s.relayed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "softphone",
		Subsystem: "relay",
		Name:      "messages_relayed_total",
		Help:      "Сообщения доставленные адресату",
	}, []string{"type"})
	s.dropped = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: "softphone",
		Subsystem: "relay",
		Name:      "messages_dropped_total",
		Help:      "Отброшенные сообщения",
	}, []string{"reason"})
	s.online = f.NewGauge(prometheus.GaugeOpts{
		Namespace: "softphone",
		Subsystem: "relay",
		Name:      "peers_online",
		Help:      "Подключенные клиенты",
	})
	return s
}

// Router возвращает http обработчик с маршрутами /ws, /healthz и /metrics
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return r
}

// Online возвращает true если клиент с id подключен
func (s *Server) Online(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[id]
	return ok
}

// ServeWS обрабатывает подключение клиента. Идентификатор передается
// параметром id, повторное подключение вытесняет старое.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws upgrade")
		return
	}

	p := &peer{id: id, conn: conn, send: make(chan []byte, sendBuffer)}
	s.register(p)

	l := s.log.With().Str("peer", id).Logger()
	l.Info().Msg("peer connected")

	go s.writePump(p)
	s.readPump(p, l)
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	old, ok := s.peers[p.id]
	s.peers[p.id] = p
	s.mu.Unlock()
	if ok {
		old.close()
	} else {
		s.online.Inc()
	}
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	cur, ok := s.peers[p.id]
	if ok && cur == p {
		delete(s.peers, p.id)
		s.online.Dec()
	}
	s.mu.Unlock()
	p.close()
}

func (s *Server) readPump(p *peer, l zerolog.Logger) {
	defer func() {
		l.Info().Msg("peer disconnected")
		s.unregister(p)
	}()

	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPingHandler(func(data string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return p.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.route(p, data, l)
	}
}

func (s *Server) route(from *peer, data []byte, l zerolog.Logger) {
	msg, err := signaling.Decode(data)
	if err != nil {
		s.dropped.WithLabelValues(dropInvalid).Inc()
		l.Warn().Err(err).Msg("invalid message")
		return
	}
	if msg.SourceID != from.id {
		s.dropped.WithLabelValues(dropSpoofed).Inc()
		l.Warn().Str("source_id", msg.SourceID).Msg("source does not match peer id")
		return
	}

	s.mu.Lock()
	to, ok := s.peers[msg.TargetID]
	s.mu.Unlock()
	if !ok {
		s.dropped.WithLabelValues(dropUnknownTarget).Inc()
		l.Debug().Str("target_id", msg.TargetID).Msg("target offline")
		return
	}
	if !to.trySend(data) {
		s.dropped.WithLabelValues(dropBackpressure).Inc()
		l.Warn().Str("target_id", msg.TargetID).Msg("target queue full")
		return
	}
	s.relayed.WithLabelValues(string(msg.Type)).Inc()
}

func (s *Server) writePump(p *peer) {
	defer p.close()
	for data := range p.send {
		if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Warn().Err(err).Str("peer", p.id).Msg("write error")
			return
		}
	}
}
