package document

import (
	"context"
	"fmt"
	"sync"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
)

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]collab.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]collab.Snapshot)}
}

// Seed stores snap for artifactID unconditionally.
func (s *MemoryStore) Seed(artifactID string, snap collab.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ArtifactID = artifactID
	snap.Document = append([]byte(nil), snap.Document...)
	s.docs[artifactID] = snap
}

func (s *MemoryStore) Load(_ context.Context, artifactID string) (collab.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.docs[artifactID]
	if !ok {
		return collab.Snapshot{}, false, nil
	}
	snap.Document = append([]byte(nil), snap.Document...)
	return snap, true, nil
}

func (s *MemoryStore) Save(_ context.Context, artifactID string, expectedVersion int64, next collab.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.docs[artifactID]
	var storedVersion int64
	if ok {
		storedVersion = stored.Version
	}
	if storedVersion != expectedVersion {
		return fmt.Errorf("%w: stored v%d, expected v%d", ErrVersionConflict, storedVersion, expectedVersion)
	}
	next.ArtifactID = artifactID
	next.Document = append([]byte(nil), next.Document...)
	s.docs[artifactID] = next
	return nil
}
