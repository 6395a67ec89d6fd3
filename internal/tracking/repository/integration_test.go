package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/pkg/database"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
	"github.com/pharmatrack/pharmatrack-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupIntegration starts a throwaway PostgreSQL container with the tracking
// schema applied. Skipped under -short.
func setupIntegration(t *testing.T) (context.Context, *database.DB) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx, testutil.DefaultPostgresConfig())
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	sqlxDB, err := container.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { sqlxDB.Close() })

	require.NoError(t, container.CreateTrackingSchema(ctx, sqlxDB))

	log := logger.New("tracking-service-test", "development")
	return ctx, database.FromSqlx(sqlxDB, log)
}

func seedDrug(t *testing.T, ctx context.Context, repo *repository.DrugRepository, code string, quantity int) *repository.Drug {
	t.Helper()

	d := &repository.Drug{
		Code:         code,
		Name:         "Amoxicillin 500mg",
		Category:     repository.CategoryAntibiotic,
		BatchNo:      "B-" + code,
		Quantity:     quantity,
		Unit:         "capsule",
		MinThreshold: 10,
		ExpiryDate:   time.Now().AddDate(0, 8, 0),
		Location:     repository.LocationCentralWarehouse,
	}
	require.NoError(t, repo.Create(ctx, d))
	return d
}

func TestMovementLifecycle_ApproveDeliver(t *testing.T) {
	ctx, db := setupIntegration(t)

	drugRepo := repository.NewDrugRepository(db)
	movementRepo := repository.NewMovementRepository(db)

	drug := seedDrug(t, ctx, drugRepo, "LC-001", 100)
	creator := uuid.New().String()

	m := &repository.Movement{
		Code:         "MOV-IT-001",
		DrugID:       drug.ID,
		DrugName:     drug.Name,
		Quantity:     40,
		FromLocation: repository.LocationCentralWarehouse,
		ToLocation:   repository.LocationCityHospital,
		CreatedBy:    creator,
	}
	require.NoError(t, movementRepo.Create(ctx, m, "Nadia Osei"))

	// Creation writes the first scan entry at the origin
	scans, err := movementRepo.GetScans(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, repository.LocationCentralWarehouse, scans[0].Location)
	require.NotNil(t, scans[0].Note)
	assert.Equal(t, "Movement created", *scans[0].Note)

	// Approval deducts stock atomically
	remaining, err := movementRepo.Approve(ctx, m, uuid.New().String(),
		historyEntry(m, m.FromLocation, "Status changed from pending to approved"))
	require.NoError(t, err)
	assert.Equal(t, 60, remaining)

	// The approval appended its own history entry
	scans, err = movementRepo.GetScans(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	require.NotNil(t, scans[1].Note)
	assert.Equal(t, "Status changed from pending to approved", *scans[1].Note)
	assert.Equal(t, repository.LocationCentralWarehouse, scans[1].Location)

	// A second approval loses the compare-and-set race
	_, err = movementRepo.Approve(ctx, m, uuid.New().String(),
		historyEntry(m, m.FromLocation, "Status changed from pending to approved"))
	require.Error(t, err)
	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "INVALID_TRANSITION", appErr.Code)

	// Deliver from approved stamps the delivery time and relocates the batch
	m.Status = repository.StatusApproved
	deliveredAt, err := movementRepo.Deliver(ctx, m,
		historyEntry(m, m.ToLocation, "Status changed from approved to delivered"))
	require.NoError(t, err)
	assert.False(t, deliveredAt.IsZero())

	moved, err := drugRepo.GetByID(ctx, drug.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.LocationCityHospital, moved.Location)
	assert.Equal(t, 60, moved.Quantity)

	// Delivery is recorded at the destination
	scans, err = movementRepo.GetScans(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, scans, 3)
	assert.Equal(t, repository.LocationCityHospital, scans[2].Location)
}

func TestMovementLifecycle_CancelRestoresStock(t *testing.T) {
	ctx, db := setupIntegration(t)

	drugRepo := repository.NewDrugRepository(db)
	movementRepo := repository.NewMovementRepository(db)

	drug := seedDrug(t, ctx, drugRepo, "LC-002", 50)

	m := &repository.Movement{
		Code:         "MOV-IT-002",
		DrugID:       drug.ID,
		DrugName:     drug.Name,
		Quantity:     30,
		FromLocation: repository.LocationCentralWarehouse,
		ToLocation:   repository.LocationDistrictPharmacy,
		CreatedBy:    uuid.New().String(),
	}
	require.NoError(t, movementRepo.Create(ctx, m, ""))

	_, err := movementRepo.Approve(ctx, m, uuid.New().String(),
		historyEntry(m, m.FromLocation, "Status changed from pending to approved"))
	require.NoError(t, err)

	after, err := drugRepo.GetByID(ctx, drug.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, after.Quantity)

	m.Status = repository.StatusApproved
	require.NoError(t, movementRepo.Cancel(ctx, m,
		historyEntry(m, m.FromLocation, "Status changed from approved to cancelled")))

	restored, err := drugRepo.GetByID(ctx, drug.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, restored.Quantity)
}

func TestApprove_InsufficientStockLeavesMovementPending(t *testing.T) {
	ctx, db := setupIntegration(t)

	drugRepo := repository.NewDrugRepository(db)
	movementRepo := repository.NewMovementRepository(db)

	drug := seedDrug(t, ctx, drugRepo, "LC-003", 10)

	m := &repository.Movement{
		Code:         "MOV-IT-003",
		DrugID:       drug.ID,
		DrugName:     drug.Name,
		Quantity:     25,
		FromLocation: repository.LocationCentralWarehouse,
		ToLocation:   repository.LocationMobileUnit,
		CreatedBy:    uuid.New().String(),
	}
	require.NoError(t, movementRepo.Create(ctx, m, ""))

	_, err := movementRepo.Approve(ctx, m, uuid.New().String(),
		historyEntry(m, m.FromLocation, "Status changed from pending to approved"))
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "INSUFFICIENT_STOCK", appErr.Code)

	// The whole transaction rolled back: still pending, stock untouched,
	// and only the creation scan remains in the history
	reloaded, err := movementRepo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, reloaded.Status)

	unchanged, err := drugRepo.GetByID(ctx, drug.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, unchanged.Quantity)

	scans, err := movementRepo.GetScans(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, scans, 1)
}

func TestAlertDedup_OpenConditionIndex(t *testing.T) {
	ctx, db := setupIntegration(t)

	drugRepo := repository.NewDrugRepository(db)
	alertRepo := repository.NewAlertRepository(db)

	drug := seedDrug(t, ctx, drugRepo, "LC-004", 5)
	resolvedBy := uuid.New().String()

	newAlert := func() *repository.Alert {
		return &repository.Alert{
			Type:        repository.AlertLowStock,
			Severity:    repository.SeverityWarning,
			Title:       "Low stock: Amoxicillin 500mg",
			Message:     "down to 5 capsule",
			DrugID:      &drug.ID,
			TargetRoles: pq.StringArray{"admin", "warehouse"},
		}
	}

	inserted, err := alertRepo.CreateIfAbsent(ctx, newAlert())
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same condition still open: suppressed
	inserted, err = alertRepo.CreateIfAbsent(ctx, newAlert())
	require.NoError(t, err)
	assert.False(t, inserted)

	// Resolving clears the open condition, so the alert can fire again
	n, err := alertRepo.ResolveForDrug(ctx, drug.ID, repository.AlertLowStock, resolvedBy)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	inserted, err = alertRepo.CreateIfAbsent(ctx, newAlert())
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestDrugQuantityCheckConstraint(t *testing.T) {
	ctx, db := setupIntegration(t)

	drugRepo := repository.NewDrugRepository(db)
	drug := seedDrug(t, ctx, drugRepo, "LC-005", 3)

	// The guarded update refuses before the constraint ever fires
	_, err := drugRepo.DeductStock(ctx, drug.ID, 4)
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "INSUFFICIENT_STOCK", appErr.Code)
}
