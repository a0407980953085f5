package wsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcollab "github.com/creative-atlas/atlas-collab/internal/application/collab"
	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readUntil(t *testing.T, ws *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg ServerMessage
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.transport, Options{PingInterval: time.Second}, zerolog.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	alice := dial(t, url, nil)
	bob := dial(t, url, nil)

	require.NoError(t, alice.WriteJSON(join("s1", "alice")))
	joined := readUntil(t, alice, TypeSessionJoined)
	assert.EqualValues(t, 3, *joined.Version)

	require.NoError(t, bob.WriteJSON(join("s1", "bob")))
	readUntil(t, bob, TypeSessionJoined)
	assert.Equal(t, 2, h.Connections())

	require.NoError(t, alice.WriteJSON(replaceTitle("over the wire")))
	applied := readUntil(t, bob, "patch:applied")
	assert.Equal(t, "alice", applied.ParticipantID)
	assert.EqualValues(t, 4, *applied.Version)
	ack := readUntil(t, alice, TypePatchAcknowledged)
	assert.EqualValues(t, 4, *ack.Version)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "invalid message format", readUntil(t, alice, TypeError).Message)

	_ = alice.Close()
	_ = bob.Close()
	assert.Eventually(t, func() bool {
		_, ok := f.gateway.Session("s1")
		return !ok && h.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

type slowGateway struct {
	*appcollab.Gateway
	delay time.Duration
}

func (g *slowGateway) ApplyPatch(ctx context.Context, in appcollab.PatchInput) (collab.Session, error) {
	time.Sleep(g.delay)
	return g.Gateway.ApplyPatch(ctx, in)
}

func TestHandler_SlowPatchKeepsConnectionAlive(t *testing.T) {
	f := newFixture(t)
	tr := NewTransport(&slowGateway{Gateway: f.gateway, delay: time.Second}, zerolog.Nop())
	defer tr.Close()
	// Pong wait is about 333ms, well below the patch delay.
	h := NewHandler(tr, Options{PingInterval: 300 * time.Millisecond}, zerolog.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	ws := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, ws.WriteJSON(join("s1", "alice")))
	readUntil(t, ws, TypeSessionJoined)

	require.NoError(t, ws.WriteJSON(replaceTitle("slow")))
	ack := readUntil(t, ws, TypePatchAcknowledged)
	assert.EqualValues(t, 4, *ack.Version)

	require.NoError(t, ws.WriteJSON(map[string]interface{}{"type": TypePresenceUpdate, "cursors": []interface{}{}}))
	readUntil(t, ws, "presence:updated")
	assert.Equal(t, 1, h.Connections())
}

func TestHandler_CheckOrigin(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.transport, Options{AllowedOrigins: []string{"https://atlas.example"}}, zerolog.Nop())
	srv := httptest.NewServer(h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws := dial(t, url, http.Header{"Origin": []string{"https://atlas.example"}})
	require.NoError(t, ws.WriteJSON(join("s1", "alice")))
	readUntil(t, ws, TypeSessionJoined)
}

func TestWSConn_SendAfterClose(t *testing.T) {
	c := &wsConn{id: "x", send: make(chan ServerMessage, 1), done: make(chan struct{}), logger: zerolog.Nop()}
	require.NoError(t, c.Send(errorMessage("one")))
	assert.ErrorIs(t, c.Send(errorMessage("two")), ErrSendQueueFull)
	assert.ErrorIs(t, c.Send(errorMessage("three")), ErrConnectionClosed)
}
