package wsapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// wsConn adapts a gorilla connection to Connection. Outbound messages go
// through a bounded queue drained by writeLoop.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan ServerMessage
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	pingInterval time.Duration
	pongWait     time.Duration
}

func newWSConn(ws *websocket.Conn, opts Options, logger zerolog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:           id,
		ws:           ws,
		send:         make(chan ServerMessage, opts.WriteQueueSize),
		done:         make(chan struct{}),
		logger:       logger.With().Str("conn_id", id).Logger(),
		pingInterval: opts.PingInterval,
		pongWait:     opts.PingInterval * 10 / 9,
	}
}

func (c *wsConn) ID() string { return c.id }

// Send enqueues msg. A full queue closes the connection; a slow reader would
// otherwise silently miss session events.
func (c *wsConn) Send(msg ServerMessage) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("send queue full; closing connection")
		c.close()
		return ErrSendQueueFull
	}
}

// close asks writeLoop to send a close frame and release the socket.
func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

// readLoop feeds frames to the transport until the connection fails, then
// disconnects it.
func (c *wsConn) readLoop(ctx context.Context, t *Transport, maxMessageBytes int64) {
	defer func() {
		c.close()
		t.Disconnect(c)
	}()

	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		t.HandleMessage(ctx, c, data)
		// Pongs that arrived while the frame was handled are still unread.
		if err := c.ws.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug().Err(err).Str("type", msg.Type).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
