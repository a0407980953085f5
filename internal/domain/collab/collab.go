package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSessionNotActive = errors.New("session not active")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrSessionClosedAfterApply means the adapter accepted the patch but the
	// session closed before the result could be published. It also matches
	// ErrSessionNotActive.
	ErrSessionClosedAfterApply = errors.New("session closed after patch was applied")
)

// OperationKind describes a single document mutation.
type OperationKind string

const (
	OperationInsert  OperationKind = "insert"
	OperationRemove  OperationKind = "remove"
	OperationReplace OperationKind = "replace"
)

// EventType describes a gateway event.
type EventType string

const (
	EventSessionCreated  EventType = "session:created"
	EventSessionClosed   EventType = "session:closed"
	EventPresenceUpdated EventType = "presence:updated"
	EventPatchApplied    EventType = "patch:applied"
)

// Session is a live collaboration context bound to one artifact document.
type Session struct {
	ID         string          `json:"sessionId"`
	ArtifactID string          `json:"artifactId"`
	Version    int64           `json:"version"`
	State      json.RawMessage `json:"document"`
}

// Snapshot is a document value paired with the version it was taken at.
type Snapshot struct {
	ArtifactID string          `json:"artifactId,omitempty"`
	Document   json.RawMessage `json:"document"`
	Version    int64           `json:"version"`
}

// Operation is one mutation inside a patch. Path is a JSON Pointer.
type Operation struct {
	Kind          OperationKind   `json:"kind"`
	Path          string          `json:"path"`
	Value         json.RawMessage `json:"value,omitempty"`
	PreviousValue json.RawMessage `json:"previousValue,omitempty"`
}

// Validate checks the operation shape. It does not look at the document.
func (o Operation) Validate() error {
	switch o.Kind {
	case OperationInsert, OperationReplace:
		if len(o.Value) == 0 {
			return fmt.Errorf("%w: %s at %q requires a value", ErrInvalidOperation, o.Kind, o.Path)
		}
	case OperationRemove:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, o.Kind)
	}
	if o.Path != "" && !strings.HasPrefix(o.Path, "/") {
		return fmt.Errorf("%w: path %q must be a JSON pointer", ErrInvalidOperation, o.Path)
	}
	return nil
}

// ValidateOperations validates every operation of a patch.
func ValidateOperations(ops []Operation) error {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// Cursor is an ephemeral location signal of one participant.
type Cursor struct {
	ArtifactID string  `json:"artifactId"`
	BlockID    *string `json:"blockId"`
	Offset     *int    `json:"offset"`
}

// Event is emitted by the gateway on every session transition.
type Event struct {
	Type          EventType   `json:"type"`
	SessionID     string      `json:"sessionId"`
	ArtifactID    string      `json:"artifactId,omitempty"`
	ParticipantID string      `json:"participantId,omitempty"`
	Version       *int64      `json:"version,omitempty"`
	Operations    []Operation `json:"operations,omitempty"`
	Cursors       []Cursor    `json:"cursors,omitempty"`
	OccurredAt    time.Time   `json:"occurredAt"`
}

// Listener receives gateway events in transition order.
type Listener func(Event)
