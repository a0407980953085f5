package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creative-atlas/atlas-collab/internal/domain/collab"
	"github.com/creative-atlas/atlas-collab/internal/infrastructure/document"
)

// DocumentRepository implements document.Store.
type DocumentRepository struct {
	pool *pgxpool.Pool
}

func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

func (r *DocumentRepository) Load(ctx context.Context, artifactID string) (collab.Snapshot, bool, error) {
	var snap collab.Snapshot
	err := r.pool.QueryRow(ctx, `
		SELECT artifact_id, document, version
		FROM artifact_documents WHERE artifact_id=$1
	`, artifactID).Scan(&snap.ArtifactID, &snap.Document, &snap.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return collab.Snapshot{}, false, nil
	}
	if err != nil {
		return collab.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (r *DocumentRepository) Save(ctx context.Context, artifactID string, expectedVersion int64, next collab.Snapshot) error {
	now := time.Now().UTC()
	var (
		tag pgconn.CommandTag
		err error
	)
	if expectedVersion == 0 {
		// First write of an artifact, or an existing row still at v0.
		tag, err = r.pool.Exec(ctx, `
			INSERT INTO artifact_documents (artifact_id, document, version, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (artifact_id) DO UPDATE
			SET document = EXCLUDED.document, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
			WHERE artifact_documents.version = 0
		`, artifactID, []byte(next.Document), next.Version, now)
	} else {
		tag, err = r.pool.Exec(ctx, `
			UPDATE artifact_documents
			SET document=$2, version=$3, updated_at=$4
			WHERE artifact_id=$1 AND version=$5
		`, artifactID, []byte(next.Document), next.Version, now, expectedVersion)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is no longer at v%d", document.ErrVersionConflict, artifactID, expectedVersion)
	}
	return nil
}
