package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pharmatrack/pharmatrack-backend/pkg/database"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
)

// Movement statuses
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusInTransit = "in_transit"
	StatusDelivered = "delivered"
	StatusCancelled = "cancelled"
)

// Movement priorities
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Movement represents a drug transfer between locations
type Movement struct {
	ID                string     `db:"id" json:"id"`
	Code              string     `db:"code" json:"code"`
	DrugID            string     `db:"drug_id" json:"drug_id"`
	Quantity          int        `db:"quantity" json:"quantity"`
	FromLocation      string     `db:"from_location" json:"from_location"`
	ToLocation        string     `db:"to_location" json:"to_location"`
	Status            string     `db:"status" json:"status"`
	Priority          string     `db:"priority" json:"priority"`
	DriverID          *string    `db:"driver_id" json:"driver_id,omitempty"`
	Vehicle           *string    `db:"vehicle" json:"vehicle,omitempty"`
	Notes             *string    `db:"notes" json:"notes,omitempty"`
	EstimatedDelivery *time.Time `db:"estimated_delivery" json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time `db:"actual_delivery" json:"actual_delivery,omitempty"`
	ApprovedBy        *string    `db:"approved_by" json:"approved_by,omitempty"`
	CreatedBy         string     `db:"created_by" json:"created_by"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`

	// Joined from drugs
	DrugName string `db:"drug_name" json:"drug_name"`

	// Loaded separately
	Scans []*ScanEntry `db:"-" json:"scans,omitempty"`
}

// IsTerminal reports whether the movement reached a final state
func (m *Movement) IsTerminal() bool {
	return m.Status == StatusDelivered || m.Status == StatusCancelled
}

// ScanEntry is one checkpoint in a movement's scan history. The history is
// append-only; entries are never updated or removed.
type ScanEntry struct {
	ID            string    `db:"id" json:"id"`
	MovementID    string    `db:"movement_id" json:"movement_id"`
	Location      string    `db:"location" json:"location"`
	Note          *string   `db:"note" json:"note,omitempty"`
	Coordinates   *string   `db:"coordinates" json:"coordinates,omitempty"`
	ScannedBy     string    `db:"scanned_by" json:"scanned_by"`
	ScannedByName *string   `db:"scanned_by_name" json:"scanned_by_name,omitempty"`
	ScannedAt     time.Time `db:"scanned_at" json:"scanned_at"`
}

// MovementFilter narrows List results
type MovementFilter struct {
	Status   string
	Priority string
	DrugID   string
	DriverID string // also used to scope driver role listings
}

// MovementStats summarizes movements by status
type MovementStats struct {
	Total     int `db:"total" json:"total"`
	Pending   int `db:"pending" json:"pending"`
	Approved  int `db:"approved" json:"approved"`
	InTransit int `db:"in_transit" json:"in_transit"`
	Delivered int `db:"delivered" json:"delivered"`
	Cancelled int `db:"cancelled" json:"cancelled"`
	Urgent    int `db:"urgent" json:"urgent"` // urgent and not yet terminal
}

// ConsumptionRow aggregates delivered quantity per drug
type ConsumptionRow struct {
	DrugID     string `db:"drug_id" json:"drug_id"`
	DrugName   string `db:"drug_name" json:"drug_name"`
	Deliveries int    `db:"deliveries" json:"deliveries"`
	TotalUnits int    `db:"total_units" json:"total_units"`
}

const movementColumns = `m.id, m.code, m.drug_id, m.quantity, m.from_location, m.to_location,
	       m.status, m.priority, m.driver_id, m.vehicle, m.notes, m.estimated_delivery,
	       m.actual_delivery, m.approved_by, m.created_by, m.created_at, m.updated_at,
	       d.name AS drug_name`

// MovementRepository handles movement persistence
type MovementRepository struct {
	db *database.DB
}

// NewMovementRepository creates a new movement repository
func NewMovementRepository(db *database.DB) *MovementRepository {
	return &MovementRepository{db: db}
}

// Create inserts a movement together with its initial scan entry at the
// origin location, in one transaction.
func (r *MovementRepository) Create(ctx context.Context, m *Movement, creatorName string) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}

	err := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO movements (
				id, code, drug_id, quantity, from_location, to_location, status, priority,
				driver_id, vehicle, notes, estimated_delivery, created_by
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING created_at, updated_at
		`

		if err := tx.QueryRowxContext(ctx, query,
			m.ID, m.Code, m.DrugID, m.Quantity, m.FromLocation, m.ToLocation,
			m.Status, m.Priority, m.DriverID, m.Vehicle, m.Notes, m.EstimatedDelivery, m.CreatedBy,
		).Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
			return err
		}

		note := "Movement created"
		scan := &ScanEntry{
			ID:         uuid.New().String(),
			MovementID: m.ID,
			Location:   m.FromLocation,
			Note:       &note,
			ScannedBy:  m.CreatedBy,
		}
		if creatorName != "" {
			scan.ScannedByName = &creatorName
		}

		return insertScan(ctx, tx, scan)
	})
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}

	return nil
}

func insertScan(ctx context.Context, tx *sqlx.Tx, s *ScanEntry) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO movement_scans (id, movement_id, location, note, coordinates, scanned_by, scanned_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING scanned_at
	`
	return tx.QueryRowxContext(ctx, query,
		s.ID, s.MovementID, s.Location, s.Note, s.Coordinates, s.ScannedBy, s.ScannedByName,
	).Scan(&s.ScannedAt)
}

// GetByID gets a movement with its drug name. Scan history is loaded separately.
func (r *MovementRepository) GetByID(ctx context.Context, id string) (*Movement, error) {
	var m Movement
	query := `SELECT ` + movementColumns + ` FROM movements m JOIN drugs d ON d.id = m.drug_id WHERE m.id = $1`

	err := r.db.GetContext(ctx, &m, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("movement")
	}
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// GetScans loads a movement's scan history, oldest first
func (r *MovementRepository) GetScans(ctx context.Context, movementID string) ([]*ScanEntry, error) {
	var scans []*ScanEntry
	query := `
		SELECT id, movement_id, location, note, coordinates, scanned_by, scanned_by_name, scanned_at
		FROM movement_scans WHERE movement_id = $1 ORDER BY scanned_at ASC
	`

	if err := r.db.SelectContext(ctx, &scans, query, movementID); err != nil {
		return nil, err
	}

	return scans, nil
}

// List lists movements with filtering and pagination, newest first
func (r *MovementRepository) List(ctx context.Context, f MovementFilter, page, perPage int) ([]*Movement, int64, error) {
	where := []string{"TRUE"}
	args := []interface{}{}

	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("m.status = $%d", len(args)))
	}
	if f.Priority != "" {
		args = append(args, f.Priority)
		where = append(where, fmt.Sprintf("m.priority = $%d", len(args)))
	}
	if f.DrugID != "" {
		args = append(args, f.DrugID)
		where = append(where, fmt.Sprintf("m.drug_id = $%d", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("m.driver_id = $%d", len(args)))
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	var total int64
	countQuery := `SELECT COUNT(*) FROM movements m` + whereClause
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + movementColumns + ` FROM movements m JOIN drugs d ON d.id = m.drug_id` +
		whereClause + ` ORDER BY m.created_at DESC`

	args = append(args, perPage, (page-1)*perPage)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var movements []*Movement
	if err := r.db.SelectContext(ctx, &movements, query, args...); err != nil {
		return nil, 0, err
	}

	return movements, total, nil
}

// UpdateStatus performs a compare-and-set transition. The WHERE clause on the
// expected status serializes concurrent transitions on the same movement:
// the loser of a race matches zero rows and gets ErrInvalidTransition.
func (r *MovementRepository) UpdateStatus(ctx context.Context, id, from, to string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE movements SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return r.staleTransition(ctx, id, to)
	}

	return nil
}

// UpdateStatusWithScan performs the same compare-and-set transition and
// appends the transition scan entry in one transaction. Transitions without
// their own side effects go through here.
func (r *MovementRepository) UpdateStatusWithScan(ctx context.Context, id, from, to string, scan *ScanEntry) error {
	return r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE movements SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = $2
		`, id, from, to)
		if err != nil {
			return err
		}

		affected, _ := result.RowsAffected()
		if affected == 0 {
			return r.staleTransition(ctx, id, to)
		}

		return insertScan(ctx, tx, scan)
	})
}

// Approve transitions pending -> approved, deducts the movement quantity
// from the drug's stock and appends the transition scan entry, all in one
// transaction. Returns the remaining quantity.
func (r *MovementRepository) Approve(ctx context.Context, m *Movement, approverID string, scan *ScanEntry) (int, error) {
	var remaining int

	err := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE movements SET status = $2, approved_by = $3, updated_at = NOW()
			WHERE id = $1 AND status = $4
		`, m.ID, StatusApproved, approverID, StatusPending)
		if err != nil {
			return err
		}

		affected, _ := result.RowsAffected()
		if affected == 0 {
			return r.staleTransition(ctx, m.ID, StatusApproved)
		}

		err = tx.QueryRowxContext(ctx, `
			UPDATE drugs SET quantity = quantity - $2, updated_at = NOW()
			WHERE id = $1 AND quantity >= $2
			RETURNING quantity
		`, m.DrugID, m.Quantity).Scan(&remaining)
		if err == sql.ErrNoRows {
			return errors.InsufficientStock(m.DrugName, m.Quantity, currentQuantity(ctx, tx, m.DrugID))
		}
		if err != nil {
			return err
		}

		return insertScan(ctx, tx, scan)
	})
	if err != nil {
		return 0, err
	}

	return remaining, nil
}

func currentQuantity(ctx context.Context, tx *sqlx.Tx, drugID string) int {
	var q int
	if err := tx.GetContext(ctx, &q, `SELECT quantity FROM drugs WHERE id = $1`, drugID); err != nil {
		return 0
	}
	return q
}

// Cancel transitions the movement to cancelled and appends the transition
// scan entry. When stock was already deducted (approved or in transit), the
// quantity is restored to the drug in the same transaction.
func (r *MovementRepository) Cancel(ctx context.Context, m *Movement, scan *ScanEntry) error {
	return r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE movements SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = $3
		`, m.ID, StatusCancelled, m.Status)
		if err != nil {
			return err
		}

		affected, _ := result.RowsAffected()
		if affected == 0 {
			return r.staleTransition(ctx, m.ID, StatusCancelled)
		}

		if m.Status == StatusApproved || m.Status == StatusInTransit {
			if _, err := tx.ExecContext(ctx, `
				UPDATE drugs SET quantity = quantity + $2, updated_at = NOW() WHERE id = $1
			`, m.DrugID, m.Quantity); err != nil {
				return err
			}
		}

		return insertScan(ctx, tx, scan)
	})
}

// Deliver transitions the movement to delivered, stamps the actual delivery
// time, relocates the drug batch to the destination and appends the
// transition scan entry at the destination.
func (r *MovementRepository) Deliver(ctx context.Context, m *Movement, scan *ScanEntry) (time.Time, error) {
	var deliveredAt time.Time

	err := r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			UPDATE movements SET status = $2, actual_delivery = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = $3
			RETURNING actual_delivery
		`, m.ID, StatusDelivered, m.Status).Scan(&deliveredAt)
		if err == sql.ErrNoRows {
			return r.staleTransition(ctx, m.ID, StatusDelivered)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE drugs SET location = $2, updated_at = NOW() WHERE id = $1
		`, m.DrugID, m.ToLocation); err != nil {
			return err
		}

		return insertScan(ctx, tx, scan)
	})
	if err != nil {
		return time.Time{}, err
	}

	return deliveredAt, nil
}

// staleTransition re-reads the movement to produce a precise error after a
// zero-row CAS update.
func (r *MovementRepository) staleTransition(ctx context.Context, id, to string) error {
	var status string
	err := r.db.GetContext(ctx, &status, `SELECT status FROM movements WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return errors.NotFound("movement")
	}
	if err != nil {
		return err
	}
	return errors.InvalidTransition(status, to)
}

// AppendScan records a checkpoint scan
func (r *MovementRepository) AppendScan(ctx context.Context, s *ScanEntry) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO movement_scans (id, movement_id, location, note, coordinates, scanned_by, scanned_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING scanned_at
	`
	return r.db.QueryRowxContext(ctx, query,
		s.ID, s.MovementID, s.Location, s.Note, s.Coordinates, s.ScannedBy, s.ScannedByName,
	).Scan(&s.ScannedAt)
}

// AssignDriver sets the driver and optional vehicle on a movement that has
// not reached a terminal state
func (r *MovementRepository) AssignDriver(ctx context.Context, movementID, driverID string, vehicle *string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE movements SET driver_id = $2, vehicle = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, movementID, driverID, vehicle, StatusDelivered, StatusCancelled)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		var status string
		err := r.db.GetContext(ctx, &status, `SELECT status FROM movements WHERE id = $1`, movementID)
		if err == sql.ErrNoRows {
			return errors.NotFound("movement")
		}
		if err != nil {
			return err
		}
		return errors.Conflict("cannot assign a driver to a " + status + " movement")
	}

	return nil
}

// Stats summarizes movements by status in a single query
func (r *MovementRepository) Stats(ctx context.Context) (*MovementStats, error) {
	var stats MovementStats
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'approved') AS approved,
			COUNT(*) FILTER (WHERE status = 'in_transit') AS in_transit,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
			COUNT(*) FILTER (WHERE priority = 'urgent' AND status NOT IN ('delivered', 'cancelled')) AS urgent
		FROM movements
	`

	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, err
	}

	return &stats, nil
}

// ConsumptionByDrug aggregates delivered movements per drug in a time range
func (r *MovementRepository) ConsumptionByDrug(ctx context.Context, from, to time.Time) ([]*ConsumptionRow, error) {
	var rows []*ConsumptionRow
	query := `
		SELECT m.drug_id, d.name AS drug_name,
		       COUNT(*) AS deliveries,
		       COALESCE(SUM(m.quantity), 0) AS total_units
		FROM movements m
		JOIN drugs d ON d.id = m.drug_id
		WHERE m.status = 'delivered' AND m.actual_delivery >= $1 AND m.actual_delivery < $2
		GROUP BY m.drug_id, d.name
		ORDER BY total_units DESC
	`

	if err := r.db.SelectContext(ctx, &rows, query, from, to); err != nil {
		return nil, err
	}

	return rows, nil
}
