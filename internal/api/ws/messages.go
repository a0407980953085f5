package wsapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

// Client -> server message types.
const (
	TypeSessionJoin    = "session:join"
	TypePresenceUpdate = "presence:update"
	TypePatchApply     = "patch:apply"
)

// Server -> client message types. Gateway events keep their own type names.
const (
	TypeSessionJoined     = "session:joined"
	TypePatchAcknowledged = "patch:acknowledged"
	TypeError             = "error"
)

var errNotArray = errors.New("not an array")

// ClientMessage is one inbound frame.
type ClientMessage struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"sessionId"`
	ArtifactID    string          `json:"artifactId"`
	ParticipantID string          `json:"participantId"`
	Cursors       json.RawMessage `json:"cursors"`
	Operations    json.RawMessage `json:"operations"`
}

// ServerMessage is one outbound frame.
type ServerMessage struct {
	Type          string              `json:"type"`
	SessionID     string              `json:"sessionId,omitempty"`
	ArtifactID    string              `json:"artifactId,omitempty"`
	ParticipantID string              `json:"participantId,omitempty"`
	Document      json.RawMessage     `json:"document,omitempty"`
	Version       *int64              `json:"version,omitempty"`
	Operations    *[]collab.Operation `json:"operations,omitempty"`
	Cursors       *[]collab.Cursor    `json:"cursors,omitempty"`
	OccurredAt    *time.Time          `json:"occurredAt,omitempty"`
	Message       string              `json:"message,omitempty"`
}

func errorMessage(msg string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: msg}
}

func joinedMessage(participantID string, s collab.Session) ServerMessage {
	version := s.Version
	return ServerMessage{
		Type:          TypeSessionJoined,
		SessionID:     s.ID,
		ArtifactID:    s.ArtifactID,
		ParticipantID: participantID,
		Document:      s.State,
		Version:       &version,
	}
}

func acknowledgedMessage(s collab.Session) ServerMessage {
	version := s.Version
	return ServerMessage{Type: TypePatchAcknowledged, SessionID: s.ID, Version: &version}
}

// eventMessage renders a gateway event in its broadcast form.
func eventMessage(evt collab.Event) ServerMessage {
	msg := ServerMessage{
		Type:          string(evt.Type),
		SessionID:     evt.SessionID,
		ArtifactID:    evt.ArtifactID,
		ParticipantID: evt.ParticipantID,
		Version:       evt.Version,
	}
	if !evt.OccurredAt.IsZero() {
		at := evt.OccurredAt
		msg.OccurredAt = &at
	}
	switch evt.Type {
	case collab.EventPatchApplied:
		ops := evt.Operations
		if ops == nil {
			ops = []collab.Operation{}
		}
		msg.Operations = &ops
	case collab.EventPresenceUpdated:
		cursors := evt.Cursors
		if cursors == nil {
			cursors = []collab.Cursor{}
		}
		msg.Cursors = &cursors
	}
	return msg
}

// decodeArray decodes raw into dst, requiring a JSON array.
func decodeArray(raw json.RawMessage, dst interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return errNotArray
	}
	return json.Unmarshal(trimmed, dst)
}
