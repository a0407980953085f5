package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	appcollab "github.com/creative-atlas/atlas-collab/internal/application/collab"
	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
)

// Connection is one physical client connection.
type Connection interface {
	ID() string
	Send(msg ServerMessage) error
}

// Gateway is the part of the collaboration gateway the transport drives.
type Gateway interface {
	JoinSession(ctx context.Context, sessionID, artifactID string) (collab.Session, error)
	UpsertPresence(ctx context.Context, in appcollab.PresenceInput) error
	ApplyPatch(ctx context.Context, in appcollab.PatchInput) (collab.Session, error)
	CloseSession(sessionID string)
	Subscribe(l collab.Listener) func()
}

type binding struct {
	sessionID     string
	participantID string
}

// Transport multiplexes client connections onto gateway sessions.
//
// HandleMessage and Disconnect must not run concurrently for the same
// connection. Different connections may be served in parallel. The transport
// never holds its lock while calling the gateway.
type Transport struct {
	gateway Gateway
	logger  zerolog.Logger

	mu       sync.Mutex
	bindings map[string]binding
	rooms    *rooms

	unsubscribe func()
}

// NewTransport subscribes to gw events and returns a ready transport.
func NewTransport(gw Gateway, logger zerolog.Logger) *Transport {
	t := &Transport{
		gateway:  gw,
		logger:   logger.With().Str("component", "transport").Logger(),
		bindings: make(map[string]binding),
		rooms:    newRooms(),
	}
	t.unsubscribe = gw.Subscribe(t.onEvent)
	return t
}

// Close stops receiving gateway events.
func (t *Transport) Close() {
	t.unsubscribe()
}

// HandleMessage processes one inbound frame. Every failure is reported to conn
// as an error message.
func (t *Transport) HandleMessage(ctx context.Context, conn Connection, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.reply(conn, errorMessage("invalid message format"))
		return
	}
	// In-flight gateway calls finish even if the connection drops.
	ctx = context.WithoutCancel(ctx)

	switch msg.Type {
	case TypeSessionJoin:
		t.handleJoin(ctx, conn, msg)
	case TypePresenceUpdate:
		t.handlePresence(ctx, conn, msg)
	case TypePatchApply:
		t.handlePatch(ctx, conn, msg)
	default:
		t.reply(conn, errorMessage(fmt.Sprintf("unknown message type: %q", msg.Type)))
	}
}

func (t *Transport) handleJoin(ctx context.Context, conn Connection, msg ClientMessage) {
	sessionID := strings.TrimSpace(msg.SessionID)
	artifactID := strings.TrimSpace(msg.ArtifactID)
	participantID := strings.TrimSpace(msg.ParticipantID)
	if sessionID == "" || artifactID == "" || participantID == "" {
		t.reply(conn, errorMessage("session:join requires sessionId, artifactId and participantId"))
		return
	}

	// Register before joining so no broadcast between the snapshot and the
	// binding is missed.
	t.mu.Lock()
	wasMember := t.rooms.join(sessionID, conn)
	t.mu.Unlock()

	s, err := t.gateway.JoinSession(ctx, sessionID, artifactID)
	if err != nil {
		if !wasMember {
			t.mu.Lock()
			t.rooms.leave(sessionID, conn.ID())
			t.mu.Unlock()
		}
		t.logger.Warn().Err(err).
			Str("conn_id", conn.ID()).
			Str("session_id", sessionID).
			Msg("join failed")
		t.reply(conn, errorMessage(err.Error()))
		return
	}

	t.mu.Lock()
	prev, hadPrev := t.bindings[conn.ID()]
	t.bindings[conn.ID()] = binding{sessionID: sessionID, participantID: participantID}
	// The set may have been dropped by a concurrent close.
	t.rooms.join(sessionID, conn)
	emptied := false
	if hadPrev && prev.sessionID != sessionID {
		emptied = t.rooms.leave(prev.sessionID, conn.ID())
	}
	t.mu.Unlock()

	if emptied {
		t.logger.Debug().Str("session_id", prev.sessionID).Msg("last connection left session")
		t.gateway.CloseSession(prev.sessionID)
	}

	t.logger.Debug().
		Str("conn_id", conn.ID()).
		Str("session_id", sessionID).
		Str("participant_id", participantID).
		Int64("version", s.Version).
		Msg("joined session")
	t.reply(conn, joinedMessage(participantID, s))
}

func (t *Transport) handlePresence(ctx context.Context, conn Connection, msg ClientMessage) {
	b, ok := t.binding(conn)
	if !ok {
		t.reply(conn, errorMessage("presence:update requires a joined session"))
		return
	}
	var cursors []collab.Cursor
	if err := decodeArray(msg.Cursors, &cursors); err != nil {
		t.reply(conn, errorMessage("presence:update requires a cursors array"))
		return
	}
	err := t.gateway.UpsertPresence(ctx, appcollab.PresenceInput{
		SessionID:     b.sessionID,
		ParticipantID: b.participantID,
		Cursors:       cursors,
	})
	if err != nil {
		t.reply(conn, errorMessage(err.Error()))
	}
}

func (t *Transport) handlePatch(ctx context.Context, conn Connection, msg ClientMessage) {
	b, ok := t.binding(conn)
	if !ok {
		t.reply(conn, errorMessage("patch:apply requires a joined session"))
		return
	}
	var ops []collab.Operation
	if err := decodeArray(msg.Operations, &ops); err != nil {
		t.reply(conn, errorMessage("patch:apply requires an operations array"))
		return
	}
	if err := collab.ValidateOperations(ops); err != nil {
		t.reply(conn, errorMessage(err.Error()))
		return
	}
	s, err := t.gateway.ApplyPatch(ctx, appcollab.PatchInput{
		SessionID:     b.sessionID,
		ParticipantID: b.participantID,
		Operations:    ops,
	})
	if err != nil {
		t.logger.Warn().Err(err).
			Str("conn_id", conn.ID()).
			Str("session_id", b.sessionID).
			Str("participant_id", b.participantID).
			Msg("patch rejected")
		t.reply(conn, errorMessage(err.Error()))
		return
	}
	t.reply(conn, acknowledgedMessage(s))
}

// Disconnect forgets conn. When it was the last member of its session the
// session is closed.
func (t *Transport) Disconnect(conn Connection) {
	t.mu.Lock()
	b, ok := t.bindings[conn.ID()]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.bindings, conn.ID())
	emptied := t.rooms.leave(b.sessionID, conn.ID())
	t.mu.Unlock()

	t.logger.Debug().
		Str("conn_id", conn.ID()).
		Str("session_id", b.sessionID).
		Str("participant_id", b.participantID).
		Msg("connection left session")
	if emptied {
		t.gateway.CloseSession(b.sessionID)
	}
}

// Members returns how many connections are in a session's fan-out set.
func (t *Transport) Members(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rooms.size(sessionID)
}

func (t *Transport) binding(conn Connection) (binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[conn.ID()]
	return b, ok
}

// onEvent runs inside the gateway's emit path; it only enqueues.
func (t *Transport) onEvent(evt collab.Event) {
	msg := eventMessage(evt)

	t.mu.Lock()
	members := t.rooms.snapshot(evt.SessionID)
	if evt.Type == collab.EventSessionClosed {
		t.rooms.drop(evt.SessionID)
		// Members must rejoin; a recreated session gets a fresh fan-out set.
		for _, conn := range members {
			if b, ok := t.bindings[conn.ID()]; ok && b.sessionID == evt.SessionID {
				delete(t.bindings, conn.ID())
			}
		}
	}
	t.mu.Unlock()

	for _, conn := range members {
		t.reply(conn, msg)
	}
}

func (t *Transport) reply(conn Connection, msg ServerMessage) {
	if err := conn.Send(msg); err != nil {
		t.logger.Debug().Err(err).
			Str("conn_id", conn.ID()).
			Str("type", msg.Type).
			Msg("send failed")
	}
}
