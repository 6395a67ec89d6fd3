package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pharmatrack/pharmatrack-backend/pkg/database"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
)

// Drug categories
const (
	CategoryAntibiotic  = "antibiotic"
	CategoryAnalgesic   = "analgesic"
	CategoryAntiviral   = "antiviral"
	CategoryVaccine     = "vaccine"
	CategoryInsulin     = "insulin"
	CategoryCardiac     = "cardiac"
	CategoryRespiratory = "respiratory"
	CategoryOther       = "other"
)

// Storage locations
const (
	LocationCentralWarehouse = "central-warehouse"
	LocationCityHospital     = "city-hospital"
	LocationDistrictPharmacy = "district-pharmacy"
	LocationMobileUnit       = "mobile-unit"
)

// Stock status values derived from quantity vs. the configured thresholds
const (
	StockStatusOut  = "out-of-stock"
	StockStatusLow  = "low"
	StockStatusOver = "overstocked"
	StockStatusIn   = "in-stock"
)

// Drug represents a tracked drug batch
type Drug struct {
	ID               string     `db:"id" json:"id"`
	Code             string     `db:"code" json:"code"`
	Name             string     `db:"name" json:"name"`
	GenericName      *string    `db:"generic_name" json:"generic_name,omitempty"`
	Category         string     `db:"category" json:"category"`
	BatchNo          string     `db:"batch_no" json:"batch_no"`
	Quantity         int        `db:"quantity" json:"quantity"`
	Unit             string     `db:"unit" json:"unit"`
	MinThreshold     int        `db:"min_threshold" json:"min_threshold"`
	MaxThreshold     int        `db:"max_threshold" json:"max_threshold"`
	ManufactureDate  *time.Time `db:"manufacture_date" json:"manufacture_date,omitempty"`
	ExpiryDate       time.Time  `db:"expiry_date" json:"expiry_date"`
	Manufacturer     *string    `db:"manufacturer" json:"manufacturer,omitempty"`
	Supplier         *string    `db:"supplier" json:"supplier,omitempty"`
	Location         string     `db:"location" json:"location"`
	StorageCondition string     `db:"storage_condition" json:"storage_condition"`
	Price            float64    `db:"price" json:"price"`
	Description      *string    `db:"description" json:"description,omitempty"`
	QRCode           *string    `db:"qr_code" json:"qr_code,omitempty"`
	IsActive         bool       `db:"is_active" json:"is_active"`
	CreatedBy        *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`

	// Computed fields for API compatibility
	StockStatus     string `db:"-" json:"stock_status"`
	DaysUntilExpiry int    `db:"-" json:"days_until_expiry"`
}

// ComputeDerived fills the stock status and days-until-expiry fields.
// Days are rounded up so a batch expiring later today still counts as 1.
func (d *Drug) ComputeDerived(now time.Time) {
	switch {
	case d.Quantity <= 0:
		d.StockStatus = StockStatusOut
	case d.Quantity <= d.MinThreshold:
		d.StockStatus = StockStatusLow
	case d.MaxThreshold > 0 && d.Quantity >= d.MaxThreshold:
		d.StockStatus = StockStatusOver
	default:
		d.StockStatus = StockStatusIn
	}

	d.DaysUntilExpiry = int(math.Ceil(d.ExpiryDate.Sub(now).Hours() / 24))
}

// DrugFilter narrows List results
type DrugFilter struct {
	Category string
	Location string
	Search   string // matches name, generic name, code or batch number
	SortBy   string // name, expiry_date, quantity, created_at
	SortDesc bool
}

// InventoryStats summarizes the active inventory
type InventoryStats struct {
	TotalDrugs    int     `db:"total_drugs" json:"total_drugs"`
	TotalUnits    int     `db:"total_units" json:"total_units"`
	TotalValue    float64 `db:"total_value" json:"total_value"`
	LowStockCount int     `db:"low_stock_count" json:"low_stock_count"`
	ExpiringCount int     `db:"expiring_count" json:"expiring_count"`
	ExpiredCount  int     `db:"expired_count" json:"expired_count"`
}

const drugColumns = `id, code, name, generic_name, category, batch_no, quantity, unit, min_threshold,
	       max_threshold, manufacture_date, expiry_date, manufacturer, supplier, location,
	       storage_condition, price, description, qr_code, is_active, created_by, created_at, updated_at`

// DrugRepository handles drug persistence
type DrugRepository struct {
	db *database.DB
}

// NewDrugRepository creates a new drug repository
func NewDrugRepository(db *database.DB) *DrugRepository {
	return &DrugRepository{db: db}
}

// Create creates a new drug record
func (r *DrugRepository) Create(ctx context.Context, d *Drug) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.StorageCondition == "" {
		d.StorageCondition = "room-temperature"
	}

	query := `
		INSERT INTO drugs (
			id, code, name, generic_name, category, batch_no, quantity, unit, min_threshold,
			max_threshold, manufacture_date, expiry_date, manufacturer, supplier, location,
			storage_condition, price, description, qr_code, is_active, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, TRUE, $20)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		d.ID, d.Code, d.Name, d.GenericName, d.Category, d.BatchNo, d.Quantity, d.Unit,
		d.MinThreshold, d.MaxThreshold, d.ManufactureDate, d.ExpiryDate, d.Manufacturer,
		d.Supplier, d.Location, d.StorageCondition, d.Price, d.Description, d.QRCode, d.CreatedBy,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}

	d.IsActive = true
	return nil
}

// GetByID gets a drug by ID. Inactive records are still returned so
// historical movements can resolve their drug.
func (r *DrugRepository) GetByID(ctx context.Context, id string) (*Drug, error) {
	var d Drug
	query := `SELECT ` + drugColumns + ` FROM drugs WHERE id = $1`

	err := r.db.GetContext(ctx, &d, query, id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("drug")
	}
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// GetByCodeAndBatch resolves a scanned QR label to its drug record
func (r *DrugRepository) GetByCodeAndBatch(ctx context.Context, code, batchNo string) (*Drug, error) {
	var d Drug
	query := `SELECT ` + drugColumns + ` FROM drugs WHERE code = $1 AND batch_no = $2 AND is_active`

	err := r.db.GetContext(ctx, &d, query, code, batchNo)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("drug")
	}
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// List lists active drugs with filtering and pagination
func (r *DrugRepository) List(ctx context.Context, f DrugFilter, page, perPage int) ([]*Drug, int64, error) {
	where := []string{"is_active"}
	args := []interface{}{}

	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.Location != "" {
		args = append(args, f.Location)
		where = append(where, fmt.Sprintf("location = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(name ILIKE $%d OR generic_name ILIKE $%d OR code ILIKE $%d OR batch_no ILIKE $%d)", n, n, n, n))
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM drugs`+whereClause, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + drugColumns + ` FROM drugs` + whereClause + orderClause(f)

	args = append(args, perPage, (page-1)*perPage)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var drugs []*Drug
	if err := r.db.SelectContext(ctx, &drugs, query, args...); err != nil {
		return nil, 0, err
	}

	return drugs, total, nil
}

func orderClause(f DrugFilter) string {
	col := "name"
	switch f.SortBy {
	case "expiry_date", "quantity", "created_at", "name":
		col = f.SortBy
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", col, dir)
}

// Update updates a drug's editable fields
func (r *DrugRepository) Update(ctx context.Context, d *Drug) error {
	query := `
		UPDATE drugs SET
			name = $2, generic_name = $3, category = $4, batch_no = $5, quantity = $6,
			unit = $7, min_threshold = $8, max_threshold = $9, manufacture_date = $10,
			expiry_date = $11, manufacturer = $12, supplier = $13, location = $14,
			storage_condition = $15, price = $16, description = $17, updated_at = NOW()
		WHERE id = $1 AND is_active
	`

	result, err := r.db.ExecContext(ctx, query,
		d.ID, d.Name, d.GenericName, d.Category, d.BatchNo, d.Quantity, d.Unit,
		d.MinThreshold, d.MaxThreshold, d.ManufactureDate, d.ExpiryDate, d.Manufacturer,
		d.Supplier, d.Location, d.StorageCondition, d.Price, d.Description,
	)
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("drug")
	}

	return nil
}

// SetQRCode stores the rendered QR label for a drug
func (r *DrugRepository) SetQRCode(ctx context.Context, id, qrCode string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE drugs SET qr_code = $2, updated_at = NOW() WHERE id = $1`, id, qrCode)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("drug")
	}

	return nil
}

// Deactivate soft deletes a drug record
func (r *DrugRepository) Deactivate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE drugs SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND is_active`, id)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("drug")
	}

	return nil
}

// DeductStock atomically decrements stock, refusing to go below zero.
// Returns the remaining quantity. ErrInsufficientStock is reported through
// a zero-row update rather than a read-then-write race.
func (r *DrugRepository) DeductStock(ctx context.Context, id string, amount int) (int, error) {
	var remaining int
	query := `
		UPDATE drugs SET quantity = quantity - $2, updated_at = NOW()
		WHERE id = $1 AND is_active AND quantity >= $2
		RETURNING quantity
	`

	err := r.db.QueryRowxContext(ctx, query, id, amount).Scan(&remaining)
	if err == sql.ErrNoRows {
		d, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return 0, getErr
		}
		return 0, errors.InsufficientStock(d.Name, amount, d.Quantity)
	}
	if err != nil {
		return 0, err
	}

	return remaining, nil
}

// RestoreStock adds quantity back, used when an approved movement is cancelled
func (r *DrugRepository) RestoreStock(ctx context.Context, id string, amount int) (int, error) {
	var remaining int
	query := `
		UPDATE drugs SET quantity = quantity + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING quantity
	`

	err := r.db.QueryRowxContext(ctx, query, id, amount).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, errors.NotFound("drug")
	}
	if err != nil {
		return 0, err
	}

	return remaining, nil
}

// UpdateLocation moves the batch to a new storage location, used on delivery
func (r *DrugRepository) UpdateLocation(ctx context.Context, id, location string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE drugs SET location = $2, updated_at = NOW() WHERE id = $1`, id, location)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("drug")
	}

	return nil
}

// GetAllActive gets all active drugs, used by the alert sweeper
func (r *DrugRepository) GetAllActive(ctx context.Context) ([]*Drug, error) {
	var drugs []*Drug
	query := `SELECT ` + drugColumns + ` FROM drugs WHERE is_active ORDER BY name`

	if err := r.db.SelectContext(ctx, &drugs, query); err != nil {
		return nil, err
	}

	return drugs, nil
}

// LowStock gets active drugs at or below their minimum threshold
func (r *DrugRepository) LowStock(ctx context.Context) ([]*Drug, error) {
	var drugs []*Drug
	query := `SELECT ` + drugColumns + ` FROM drugs
		WHERE is_active AND quantity <= min_threshold ORDER BY quantity ASC`

	if err := r.db.SelectContext(ctx, &drugs, query); err != nil {
		return nil, err
	}

	return drugs, nil
}

// Expiring gets active drugs expiring within the given number of days,
// excluding already expired batches
func (r *DrugRepository) Expiring(ctx context.Context, withinDays int) ([]*Drug, error) {
	var drugs []*Drug
	query := `SELECT ` + drugColumns + ` FROM drugs
		WHERE is_active
		  AND expiry_date > NOW()
		  AND expiry_date <= NOW() + ($1 * INTERVAL '1 day')
		ORDER BY expiry_date ASC`

	if err := r.db.SelectContext(ctx, &drugs, query, withinDays); err != nil {
		return nil, err
	}

	return drugs, nil
}

// Stats summarizes the active inventory in a single query
func (r *DrugRepository) Stats(ctx context.Context, expiryWindowDays int) (*InventoryStats, error) {
	var stats InventoryStats
	query := `
		SELECT
			COUNT(*) AS total_drugs,
			COALESCE(SUM(quantity), 0) AS total_units,
			COALESCE(SUM(quantity * price), 0) AS total_value,
			COUNT(*) FILTER (WHERE quantity <= min_threshold) AS low_stock_count,
			COUNT(*) FILTER (WHERE expiry_date > NOW() AND expiry_date <= NOW() + ($1 * INTERVAL '1 day')) AS expiring_count,
			COUNT(*) FILTER (WHERE expiry_date <= NOW()) AS expired_count
		FROM drugs WHERE is_active
	`

	if err := r.db.GetContext(ctx, &stats, query, expiryWindowDays); err != nil {
		return nil, err
	}

	return &stats, nil
}
