package wsapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options tunes the WebSocket endpoint.
type Options struct {
	// AllowedOrigins lists accepted Origin values. Empty accepts any origin.
	AllowedOrigins []string
	WriteQueueSize int
	// PingInterval paces server pings. A peer silent for PingInterval*10/9
	// between frames is dropped.
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (o Options) withDefaults() Options {
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = 64
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	return o
}

// Handler upgrades HTTP requests and serves them through a Transport.
type Handler struct {
	transport *Transport
	opts      Options
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	mu    sync.Mutex
	conns map[string]*wsConn
	wg    sync.WaitGroup
}

func NewHandler(t *Transport, opts Options, logger zerolog.Logger) *Handler {
	opts = opts.withDefaults()
	h := &Handler{
		transport: t,
		opts:      opts,
		logger:    logger.With().Str("component", "ws").Logger(),
		conns:     make(map[string]*wsConn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}

	c := newWSConn(ws, h.opts, h.logger)
	h.track(c)
	defer h.untrack(c)

	c.logger.Debug().Str("remote", r.RemoteAddr).Msg("connection opened")
	go c.writeLoop()
	c.readLoop(r.Context(), h.transport, h.opts.MaxMessageBytes)
	c.logger.Debug().Msg("connection closed")
}

// Close closes every live connection and waits until each one has been
// disconnected from the transport.
func (h *Handler) Close() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}

// Connections returns the number of live connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Handler) track(c *wsConn) {
	h.wg.Add(1)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Handler) untrack(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}
