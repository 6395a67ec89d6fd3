package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pharmatrack/pharmatrack-backend/pkg/database"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
)

// CachedUser is a local projection of the auth service's user record,
// kept in sync by consuming user lifecycle events. It lets this service
// resolve names, roles and admin emails without a synchronous call.
type CachedUser struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Role      string    `db:"role" json:"role"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// UserCacheRepository handles the local user projection
type UserCacheRepository struct {
	db *database.DB
}

// NewUserCacheRepository creates a new user cache repository
func NewUserCacheRepository(db *database.DB) *UserCacheRepository {
	return &UserCacheRepository{db: db}
}

// Upsert inserts or refreshes a cached user
func (r *UserCacheRepository) Upsert(ctx context.Context, u *CachedUser) error {
	query := `
		INSERT INTO user_cache (user_id, name, email, role, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query, u.UserID, u.Name, u.Email, u.Role)
	return err
}

// Delete removes a cached user
func (r *UserCacheRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_cache WHERE user_id = $1`, userID)
	return err
}

// GetByID gets a cached user
func (r *UserCacheRepository) GetByID(ctx context.Context, userID string) (*CachedUser, error) {
	var u CachedUser
	query := `SELECT user_id, name, email, role, updated_at FROM user_cache WHERE user_id = $1`

	err := r.db.GetContext(ctx, &u, query, userID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("user")
	}
	if err != nil {
		return nil, err
	}

	return &u, nil
}

// AdminEmails returns the email addresses of all cached administrators,
// used as recipients for alert digest emails.
func (r *UserCacheRepository) AdminEmails(ctx context.Context) ([]string, error) {
	var emails []string
	query := `SELECT email FROM user_cache WHERE role = 'admin' ORDER BY email`

	if err := r.db.SelectContext(ctx, &emails, query); err != nil {
		return nil, err
	}

	return emails, nil
}
