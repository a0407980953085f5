package collab

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_adapter.go -package=mocks . DocumentAdapter

import "context"

// DocumentAdapter connects the gateway to the document store.
type DocumentAdapter interface {
	// LoadDocument returns the current document and version of an artifact.
	LoadDocument(ctx context.Context, artifactID string) (Snapshot, error)
	// ApplyOperations derives the next snapshot. It must not mutate current.
	ApplyOperations(ctx context.Context, current Snapshot, ops []Operation) (Snapshot, error)
}
