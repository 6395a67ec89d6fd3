package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pharmatrack/pharmatrack-backend/pkg/database"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
)

// Alert types. Only low_stock, expiry and movement are raised automatically;
// the rest exist for manually created alerts.
const (
	AlertLowStock      = "low_stock"
	AlertExpiry        = "expiry"
	AlertDeliveryDelay = "delivery_delay"
	AlertReorder       = "reorder"
	AlertMovement      = "movement"
	AlertSystem        = "system"
)

// Alert severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert represents a raised condition requiring attention
type Alert struct {
	ID          string         `db:"id" json:"id"`
	Type        string         `db:"type" json:"type"`
	Severity    string         `db:"severity" json:"severity"`
	Title       string         `db:"title" json:"title"`
	Message     string         `db:"message" json:"message"`
	DrugID      *string        `db:"drug_id" json:"drug_id,omitempty"`
	MovementID  *string        `db:"movement_id" json:"movement_id,omitempty"`
	TargetRoles pq.StringArray `db:"target_roles" json:"target_roles"`
	IsRead      bool           `db:"is_read" json:"is_read"`
	IsResolved  bool           `db:"is_resolved" json:"is_resolved"`
	ResolvedBy  *string        `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// AlertFilter narrows List results
type AlertFilter struct {
	Role           string // restricts to alerts targeting the role
	Type           string
	Severity       string
	UnresolvedOnly bool
	UnreadOnly     bool
}

const alertColumns = `id, type, severity, title, message, drug_id, movement_id, target_roles,
	       is_read, is_resolved, resolved_by, resolved_at, created_at`

// AlertRepository handles alert persistence
type AlertRepository struct {
	db *database.DB
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *database.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateIfAbsent inserts an alert unless an unresolved alert of the same type
// already exists for the same drug. The dedup is enforced by a partial unique
// index, so concurrent sweeps cannot double-insert. Returns false when the
// alert was suppressed as a duplicate.
func (r *AlertRepository) CreateIfAbsent(ctx context.Context, a *Alert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	query := `
		INSERT INTO alerts (id, type, severity, title, message, drug_id, movement_id, target_roles)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		a.ID, a.Type, a.Severity, a.Title, a.Message, a.DrugID, a.MovementID, a.TargetRoles,
	).Scan(&a.CreatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return false, appErr
		}
		return false, err
	}

	return true, nil
}

// GetByID gets an alert by ID
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*Alert, error) {
	var a Alert
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`

	err := r.db.GetContext(ctx, &a, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("alert")
	}
	if err != nil {
		return nil, err
	}

	return &a, nil
}

// List lists alerts targeting a role, newest first
func (r *AlertRepository) List(ctx context.Context, f AlertFilter, page, perPage int) ([]*Alert, int64, error) {
	where := []string{"TRUE"}
	args := []interface{}{}

	if f.Role != "" {
		args = append(args, f.Role)
		where = append(where, fmt.Sprintf("$%d = ANY(target_roles)", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	if f.UnresolvedOnly {
		where = append(where, "NOT is_resolved")
	}
	if f.UnreadOnly {
		where = append(where, "NOT is_read")
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM alerts`+whereClause, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + alertColumns + ` FROM alerts` + whereClause + ` ORDER BY created_at DESC`

	args = append(args, perPage, (page-1)*perPage)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var alerts []*Alert
	if err := r.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, 0, err
	}

	return alerts, total, nil
}

// UnreadCount counts unread, unresolved alerts targeting a role
func (r *AlertRepository) UnreadCount(ctx context.Context, role string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM alerts WHERE $1 = ANY(target_roles) AND NOT is_read AND NOT is_resolved`

	if err := r.db.GetContext(ctx, &count, query, role); err != nil {
		return 0, err
	}

	return count, nil
}

// MarkRead marks a single alert as read
func (r *AlertRepository) MarkRead(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE alerts SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("alert")
	}

	return nil
}

// MarkAllRead marks every unread alert targeting the role as read
func (r *AlertRepository) MarkAllRead(ctx context.Context, role string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE alerts SET is_read = TRUE WHERE $1 = ANY(target_roles) AND NOT is_read`, role)
	if err != nil {
		return 0, err
	}

	affected, _ := result.RowsAffected()
	return affected, nil
}

// Resolve marks an alert as resolved. Resolving is idempotent on already
// resolved alerts to keep retries safe.
func (r *AlertRepository) Resolve(ctx context.Context, id, resolvedBy string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET is_resolved = TRUE, resolved_by = $2, resolved_at = NOW()
		WHERE id = $1 AND NOT is_resolved
	`, id, resolvedBy)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		// Distinguish missing from already resolved
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM alerts WHERE id = $1)`, id); err != nil {
			return err
		}
		if !exists {
			return errors.NotFound("alert")
		}
	}

	return nil
}

// ResolveForDrug resolves all open alerts of a type for a drug. The sweeper
// uses this when a previously alerting condition clears.
func (r *AlertRepository) ResolveForDrug(ctx context.Context, drugID, alertType, resolvedBy string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET is_resolved = TRUE, resolved_by = $3, resolved_at = NOW()
		WHERE drug_id = $1 AND type = $2 AND NOT is_resolved
	`, drugID, alertType, resolvedBy)
	if err != nil {
		return 0, err
	}

	affected, _ := result.RowsAffected()
	return affected, nil
}
