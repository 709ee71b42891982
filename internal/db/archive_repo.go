package db

import (
	"context"

	"stillpoint/internal/types"
)

// ArchiveRepository stores compressed bundles of retired queue items in the
// queue_archives table. Bundles are opaque zstd-compressed JSONL blobs; the
// table exists for audit and manual recovery, not for queries.
type ArchiveRepository struct {
	db DBTX
}

// NewArchiveRepository creates a new ArchiveRepository backed by the given
// database connection (pool or transaction).
func NewArchiveRepository(db DBTX) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// SaveArchive inserts one archive bundle under the given key.
func (r *ArchiveRepository) SaveArchive(ctx context.Context, key string, blob []byte, itemCount int) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO queue_archives (key, blob, item_count, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		key, blob, itemCount)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save queue archive", err)
	}
	return nil
}
