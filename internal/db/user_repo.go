package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"stillpoint/internal/types"
)

// UserRepository provides the slice of the user directory the engine needs:
// push token lookup and clearing, timezone offsets, recent-user scans for
// seeding, recipient paging for broadcasts, and the per-user seed latches.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// GetToken returns the user's current push token, or empty string when the
// user has no token or does not exist. Token absence is an expected state
// (tokens rotate and expire), not an error.
func (r *UserRepository) GetToken(ctx context.Context, userID string) (string, error) {
	var token *string
	err := r.db.QueryRow(ctx,
		`SELECT push_token FROM users WHERE id = $1`, userID,
	).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to get push token", err)
	}
	if token == nil {
		return "", nil
	}
	return *token, nil
}

// ClearToken removes the user's stored push token. Called when the transport
// reports the token unregistered so future sends fail fast at the lookup
// gate instead of hitting the transport again.
func (r *UserRepository) ClearToken(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET push_token = NULL WHERE id = $1`, userID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear push token", err)
	}
	return nil
}

// GetTimezoneOffsetMinutes returns the user's timezone offset, defaulting to
// zero (UTC) when the user is unknown.
func (r *UserRepository) GetTimezoneOffsetMinutes(ctx context.Context, userID string) (int, error) {
	var offset int
	err := r.db.QueryRow(ctx,
		`SELECT timezone_offset_minutes FROM users WHERE id = $1`, userID,
	).Scan(&offset)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to get timezone offset", err)
	}
	return offset, nil
}

// ListRecentTokenUpdated returns up to limit users ordered by most recent
// token update. These are the candidates for engagement seeding.
func (r *UserRepository) ListRecentTokenUpdated(ctx context.Context, limit int) ([]*types.UserRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, push_token, timezone_offset_minutes, token_updated_at,
		        intro_seed_state, recurring_seed_state
		 FROM users
		 WHERE token_updated_at IS NOT NULL
		 ORDER BY token_updated_at DESC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list recent users", err)
	}
	defer rows.Close()

	var users []*types.UserRecord
	for rows.Next() {
		u, scanErr := scanUserRecord(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user row", scanErr)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user rows", err)
	}
	return users, nil
}

// ListIDsAfter returns up to limit user ids strictly greater than cursor,
// in ascending id order. The broadcast expander pages recipients with this;
// an empty cursor starts from the beginning.
func (r *UserRepository) ListIDsAfter(ctx context.Context, cursor string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT id FROM users WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		cursor, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to page user ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating user ids", err)
	}
	return ids, nil
}

// SetIntroSeeded latches the user's intro seed state. The latch is one-way:
// once seeded, the user is never re-seeded even if configuration changes.
func (r *UserRepository) SetIntroSeeded(ctx context.Context, userID string) error {
	return r.setSeedState(ctx, userID, "intro_seed_state")
}

// SetRecurringSeeded latches the user's recurring seed state.
func (r *UserRepository) SetRecurringSeeded(ctx context.Context, userID string) error {
	return r.setSeedState(ctx, userID, "recurring_seed_state")
}

func (r *UserRepository) setSeedState(ctx context.Context, userID, column string) error {
	// column is one of two compile-time constants, never user input.
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET `+column+` = 'seeded' WHERE id = $1`, userID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set seed state", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found: "+userID, nil)
	}
	return nil
}

// scanUserRecord scans a single users row with nullable token columns.
func scanUserRecord(rows pgx.Rows) (*types.UserRecord, error) {
	var (
		u              types.UserRecord
		token          *string
		tokenUpdatedAt *time.Time
		introState     string
		recurringState string
	)
	if err := rows.Scan(&u.ID, &token, &u.TimezoneOffsetMinutes, &tokenUpdatedAt,
		&introState, &recurringState); err != nil {
		return nil, err
	}
	if token != nil {
		u.PushToken = *token
	}
	u.TokenUpdatedAt = tokenUpdatedAt
	u.IntroSeedState = types.SeedState(introState)
	u.RecurringSeedState = types.SeedState(recurringState)
	return &u, nil
}
