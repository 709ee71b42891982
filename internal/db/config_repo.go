package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"stillpoint/internal/types"
)

// routerConfigRow is the fixed id of the single router_config document row.
const routerConfigRow = 1

// RouterConfigRepository provides access to the single-row router
// configuration document. The document is stored as a JSONB partial; the
// router package deep-merges it onto compiled-in defaults on load.
type RouterConfigRepository struct {
	db DBTX
}

// NewRouterConfigRepository creates a new RouterConfigRepository backed by
// the given database connection (pool or transaction).
func NewRouterConfigRepository(db DBTX) *RouterConfigRepository {
	return &RouterConfigRepository{db: db}
}

// GetDocument returns the persisted partial config document as a generic
// map, and false when no document exists yet (safe defaults apply).
func (r *RouterConfigRepository) GetDocument(ctx context.Context) (map[string]any, bool, error) {
	var raw []byte
	err := r.db.QueryRow(ctx,
		`SELECT doc FROM router_config WHERE id = $1`, routerConfigRow,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to load router config", err)
	}

	var doc map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, false, types.NewAppError(types.ErrCodeInternalDB, "router config document is not valid JSON", err)
		}
	}
	return doc, true, nil
}

// SavePatch shallow-merges a partial document into the persisted config with
// a server-assigned update timestamp. Top-level keys in patch replace the
// stored keys; keys not present in patch are preserved.
func (r *RouterConfigRepository) SavePatch(ctx context.Context, patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "config patch is not JSON-encodable", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO router_config (id, doc, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (id) DO UPDATE
		   SET doc = router_config.doc || EXCLUDED.doc,
		       updated_at = NOW()`,
		routerConfigRow, raw)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save router config", err)
	}
	return nil
}
