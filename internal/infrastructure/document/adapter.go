// Package document implements the gateway's document adapter on top of a
// versioned store. Operations are applied as RFC 6902 JSON patches.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/rs/zerolog"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

var (
	ErrVersionConflict = errors.New("document version conflict")
	ErrPatchFailed     = errors.New("patch could not be applied")
)

var emptyDocument = json.RawMessage(`{}`)

// Store persists artifact documents with optimistic versioning.
type Store interface {
	// Load returns the stored snapshot; found is false for unknown artifacts.
	Load(ctx context.Context, artifactID string) (snap collab.Snapshot, found bool, err error)
	// Save writes next if the stored version still equals expectedVersion.
	Save(ctx context.Context, artifactID string, expectedVersion int64, next collab.Snapshot) error
}

// Adapter implements collab.DocumentAdapter.
type Adapter struct {
	store  Store
	logger zerolog.Logger
}

func NewAdapter(store Store, logger zerolog.Logger) *Adapter {
	return &Adapter{
		store:  store,
		logger: logger.With().Str("component", "document_adapter").Logger(),
	}
}

// LoadDocument loads an artifact; unknown artifacts start as an empty object at version 0.
func (a *Adapter) LoadDocument(ctx context.Context, artifactID string) (collab.Snapshot, error) {
	snap, found, err := a.store.Load(ctx, artifactID)
	if err != nil {
		return collab.Snapshot{}, fmt.Errorf("load artifact %s: %w", artifactID, err)
	}
	if !found {
		a.logger.Debug().Str("artifact_id", artifactID).Msg("artifact has no document yet")
		return collab.Snapshot{ArtifactID: artifactID, Document: emptyDocument, Version: 0}, nil
	}
	snap.ArtifactID = artifactID
	if len(snap.Document) == 0 {
		snap.Document = emptyDocument
	}
	return snap, nil
}

// ApplyOperations applies ops to a copy of current, persists the result as
// current.Version+1 and returns it.
func (a *Adapter) ApplyOperations(ctx context.Context, current collab.Snapshot, ops []collab.Operation) (collab.Snapshot, error) {
	if current.ArtifactID == "" {
		return collab.Snapshot{}, fmt.Errorf("%w: snapshot has no artifact id", collab.ErrInvalidArgument)
	}
	doc, err := Apply(current.Document, ops)
	if err != nil {
		return collab.Snapshot{}, err
	}
	next := collab.Snapshot{
		ArtifactID: current.ArtifactID,
		Document:   doc,
		Version:    current.Version + 1,
	}
	if err := a.store.Save(ctx, current.ArtifactID, current.Version, next); err != nil {
		return collab.Snapshot{}, fmt.Errorf("save artifact %s v%d: %w", current.ArtifactID, next.Version, err)
	}
	return next, nil
}

type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Apply runs ops against doc in order and returns the new document. doc is not modified.
func Apply(doc json.RawMessage, ops []collab.Operation) (json.RawMessage, error) {
	if err := collab.ValidateOperations(ops); err != nil {
		return nil, err
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	if len(out) == 0 {
		out = append(out, emptyDocument...)
	}

	for i, op := range ops {
		if op.Path == "" {
			if op.Kind == collab.OperationRemove {
				return nil, fmt.Errorf("%w: operation %d: cannot remove the document root", ErrPatchFailed, i)
			}
			if !json.Valid(op.Value) {
				return nil, fmt.Errorf("%w: operation %d: value is not valid JSON", ErrPatchFailed, i)
			}
			out = append([]byte(nil), op.Value...)
			continue
		}

		raw, err := json.Marshal([]patchOp{{Op: patchVerb(op.Kind), Path: op.Path, Value: op.Value}})
		if err != nil {
			return nil, fmt.Errorf("%w: operation %d: %v", ErrPatchFailed, i, err)
		}
		patch, err := jsonpatch.DecodePatch(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: operation %d: %v", ErrPatchFailed, i, err)
		}
		out, err = patch.Apply(out)
		if err != nil {
			return nil, fmt.Errorf("%w: operation %d (%s %s): %v", ErrPatchFailed, i, op.Kind, op.Path, err)
		}
	}
	return out, nil
}

func patchVerb(kind collab.OperationKind) string {
	switch kind {
	case collab.OperationInsert:
		return "add"
	case collab.OperationRemove:
		return "remove"
	default:
		return "replace"
	}
}
