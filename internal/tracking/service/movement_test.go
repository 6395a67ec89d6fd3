package service_test

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/events"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/service"
	"github.com/pharmatrack/pharmatrack-backend/pkg/actor"
	"github.com/pharmatrack/pharmatrack-backend/pkg/database"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
	"github.com/pharmatrack/pharmatrack-backend/pkg/messaging"
	"github.com/pharmatrack/pharmatrack-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type movementFixture struct {
	mockDB  *testutil.MockDB
	pub     *testutil.MockPublisher
	service *service.MovementService
}

func newMovementFixture(t *testing.T) *movementFixture {
	mockDB := testutil.NewMockDB(t)
	t.Cleanup(func() { mockDB.Close() })

	log := logger.New("tracking-service-test", "development")
	db := database.FromSqlx(mockDB.DB, log)
	pub := testutil.NewMockPublisher()
	publisher := events.NewWithBroker(pub, log)

	alertRepo := repository.NewAlertRepository(db)
	alerts := service.NewAlertService(alertRepo, publisher, 30, 7, log)

	svc := service.NewMovementService(
		repository.NewMovementRepository(db),
		repository.NewDrugRepository(db),
		repository.NewUserCacheRepository(db),
		alerts,
		publisher,
		log,
	)

	return &movementFixture{mockDB: mockDB, pub: pub, service: svc}
}

func warehouseCtx() context.Context {
	return actor.WithActor(context.Background(), &actor.Actor{
		ID:    uuid.New().String(),
		Name:  "Nadia Osei",
		Email: "nadia@pharmatrack.local",
		Role:  actor.RoleWarehouse,
	})
}

func execResult(rowsAffected int64) driver.Result {
	return sqlmock.NewResult(0, rowsAffected)
}

// movementRow builds a full movement result row including the joined drug name
func movementRow(id, drugID, status string) *sqlmock.Rows {
	now := time.Now()
	return testutil.MockRows(
		"id", "code", "drug_id", "quantity", "from_location", "to_location",
		"status", "priority", "driver_id", "notes", "estimated_delivery",
		"actual_delivery", "approved_by", "created_by", "created_at", "updated_at", "drug_name",
	).AddRow(
		id, "MOV-1756600000000", drugID, 40, "central-warehouse", "city-hospital",
		status, "normal", nil, nil, nil,
		nil, nil, uuid.New().String(), now, now, "Insulin Glargine",
	)
}

func activeDrugRow(id string, quantity int) *sqlmock.Rows {
	now := time.Now()
	return testutil.MockRows(
		"id", "code", "name", "generic_name", "category", "batch_no", "quantity", "unit",
		"min_threshold", "expiry_date", "manufacturer", "supplier", "location",
		"storage_condition", "price", "description", "qr_code", "is_active",
		"created_by", "created_at", "updated_at",
	).AddRow(
		id, "DRG-001", "Insulin Glargine", nil, "insulin", "B-2026-01", quantity, "vial",
		10, now.AddDate(0, 6, 0), nil, nil, "central-warehouse",
		"refrigerated", 12.80, nil, nil, true,
		nil, now, now,
	)
}

func TestTransition_TerminalStateIsHardStop(t *testing.T) {
	f := newMovementFixture(t)

	id := uuid.New().String()
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, uuid.New().String(), repository.StatusDelivered))

	_, err := f.service.Transition(warehouseCtx(), id, repository.StatusCancelled, "")
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "INVALID_TRANSITION", appErr.Code)

	f.pub.AssertNoEventsPublished(t)
	f.mockDB.ExpectationsWereMet(t)
}

func TestTransition_RejectsSkippingApproval(t *testing.T) {
	f := newMovementFixture(t)

	id := uuid.New().String()
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, uuid.New().String(), repository.StatusPending))

	// pending -> in_transit has no edge; goods cannot move before approval
	_, err := f.service.Transition(warehouseCtx(), id, repository.StatusInTransit, "")
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "INVALID_TRANSITION", appErr.Code)
}

func TestTransition_ApproveDeductsStockAndBroadcasts(t *testing.T) {
	f := newMovementFixture(t)
	ctx := warehouseCtx()
	a := actor.MustFromContext(ctx)

	id := uuid.New().String()
	drugID := uuid.New().String()

	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, drugID, repository.StatusPending))

	f.mockDB.ExpectBegin()
	f.mockDB.ExpectExec("UPDATE movements SET status = $2, approved_by = $3").
		WithArgs(id, repository.StatusApproved, a.ID, repository.StatusPending).
		WillReturnResult(execResult(1))
	f.mockDB.ExpectQuery("UPDATE drugs SET quantity = quantity - $2").
		WithArgs(drugID, 40).
		WillReturnRows(testutil.MockRows("quantity").AddRow(60))
	// The transition writes its history entry before the commit, with the
	// default note when the caller gave none
	f.mockDB.ExpectQuery("INSERT INTO movement_scans").
		WithArgs(testutil.AnyUUID{}, id, "central-warehouse",
			"Status changed from pending to approved", nil, a.ID, a.Name).
		WillReturnRows(testutil.MockRows("scanned_at").AddRow(time.Now()))
	f.mockDB.ExpectCommit()

	// Post-approval alert re-detection reloads the drug. Stock stays above
	// threshold and expiry is out of window, so open alerts get resolved.
	f.mockDB.ExpectQuery("FROM drugs WHERE id = $1").
		WithArgs(drugID).
		WillReturnRows(activeDrugRow(drugID, 60))
	f.mockDB.ExpectExec("UPDATE alerts SET is_resolved = TRUE").
		WillReturnResult(execResult(0))
	f.mockDB.ExpectExec("UPDATE alerts SET is_resolved = TRUE").
		WillReturnResult(execResult(0))

	m, err := f.service.Transition(ctx, id, repository.StatusApproved, "")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, m.Status)
	require.NotNil(t, m.ApprovedBy)
	assert.Equal(t, a.ID, *m.ApprovedBy)

	f.pub.AssertEventPublished(t, messaging.EventMovementStatusChanged)
	f.pub.AssertEventPublished(t, messaging.EventMovementUpdated)
	f.mockDB.ExpectationsWereMet(t)
}

func TestTransition_CallerNoteLandsInHistory(t *testing.T) {
	f := newMovementFixture(t)
	ctx := warehouseCtx()
	a := actor.MustFromContext(ctx)

	id := uuid.New().String()
	drugID := uuid.New().String()
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, drugID, repository.StatusPending))

	f.mockDB.ExpectBegin()
	f.mockDB.ExpectExec("UPDATE movements SET status = $2").
		WithArgs(id, repository.StatusCancelled, repository.StatusPending).
		WillReturnResult(execResult(1))
	f.mockDB.ExpectQuery("INSERT INTO movement_scans").
		WithArgs(testutil.AnyUUID{}, id, "central-warehouse",
			"Requester withdrew the order", nil, a.ID, a.Name).
		WillReturnRows(testutil.MockRows("scanned_at").AddRow(time.Now()))
	f.mockDB.ExpectCommit()

	// Post-cancel re-detection; no stock moved for a pending movement, so
	// clearing is a no-op either way
	f.mockDB.ExpectQuery("FROM drugs WHERE id = $1").
		WithArgs(drugID).
		WillReturnRows(activeDrugRow(drugID, 100))
	f.mockDB.ExpectExec("UPDATE alerts SET is_resolved = TRUE").
		WillReturnResult(execResult(0))
	f.mockDB.ExpectExec("UPDATE alerts SET is_resolved = TRUE").
		WillReturnResult(execResult(0))

	m, err := f.service.Transition(ctx, id, repository.StatusCancelled, "Requester withdrew the order")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, m.Status)

	f.mockDB.ExpectationsWereMet(t)
}

func TestTransition_DriverNeedsAssignment(t *testing.T) {
	f := newMovementFixture(t)
	ctx := actor.WithActor(context.Background(), &actor.Actor{
		ID:   uuid.New().String(),
		Name: "Dmitri Volkov",
		Role: actor.RoleDriver,
	})

	// The movement has no driver assigned, so a driver cannot deliver it
	id := uuid.New().String()
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, uuid.New().String(), repository.StatusInTransit))

	_, err := f.service.Transition(ctx, id, repository.StatusDelivered, "")
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "FORBIDDEN", appErr.Code)
	f.pub.AssertNoEventsPublished(t)
	f.mockDB.ExpectationsWereMet(t)
}

func TestScan_PendingAppendsWithoutPromotion(t *testing.T) {
	f := newMovementFixture(t)

	id := uuid.New().String()
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, uuid.New().String(), repository.StatusPending))

	f.mockDB.ExpectQuery("INSERT INTO movement_scans").
		WillReturnRows(testutil.MockRows("scanned_at").AddRow(time.Now()))

	f.mockDB.ExpectQuery("FROM movement_scans").
		WithArgs(id).
		WillReturnRows(testutil.MockRows(
			"id", "movement_id", "location", "note", "scanned_by", "scanned_by_name", "scanned_at",
		).AddRow(uuid.New().String(), id, "central-warehouse", nil, uuid.New().String(), "Nadia Osei", time.Now()))

	// A warehouse check before approval records the checkpoint but does not
	// start the transit; only approved movements auto-promote
	m, err := f.service.Scan(warehouseCtx(), id, "central-warehouse", "pre-dispatch check", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, m.Status)

	assert.Empty(t, f.pub.EventsOfType(messaging.EventMovementStatusChanged))
	f.pub.AssertEventPublished(t, messaging.EventMovementScanned)
	f.mockDB.ExpectationsWereMet(t)
}

func TestScan_TerminalMovementRejected(t *testing.T) {
	f := newMovementFixture(t)

	id := uuid.New().String()
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, uuid.New().String(), repository.StatusDelivered))

	_, err := f.service.Scan(warehouseCtx(), id, "city-hospital", "", nil)
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "CONFLICT", appErr.Code)
	f.pub.AssertNoEventsPublished(t)
}

func TestScan_ApprovedAutoPromotesToInTransit(t *testing.T) {
	f := newMovementFixture(t)
	ctx := warehouseCtx()

	id := uuid.New().String()
	drugID := uuid.New().String()

	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, drugID, repository.StatusApproved))

	f.mockDB.ExpectExec("UPDATE movements SET status = $3").
		WithArgs(id, repository.StatusApproved, repository.StatusInTransit).
		WillReturnResult(execResult(1))

	f.mockDB.ExpectQuery("INSERT INTO movement_scans").
		WillReturnRows(testutil.MockRows("scanned_at").AddRow(time.Now()))

	f.mockDB.ExpectQuery("FROM movement_scans").
		WithArgs(id).
		WillReturnRows(testutil.MockRows(
			"id", "movement_id", "location", "note", "scanned_by", "scanned_by_name", "scanned_at",
		).AddRow(uuid.New().String(), id, "district-pharmacy", nil, uuid.New().String(), "Nadia Osei", time.Now()))

	m, err := f.service.Scan(ctx, id, "district-pharmacy", "", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusInTransit, m.Status)
	assert.Len(t, m.Scans, 1)

	f.pub.AssertEventPublished(t, messaging.EventMovementStatusChanged)
	f.pub.AssertEventPublished(t, messaging.EventMovementScanned)
	f.mockDB.ExpectationsWereMet(t)
}

// assignedMovementRow is movementRow with a driver already assigned
func assignedMovementRow(id, drugID, status, driverID string) *sqlmock.Rows {
	now := time.Now()
	return testutil.MockRows(
		"id", "code", "drug_id", "quantity", "from_location", "to_location",
		"status", "priority", "driver_id", "notes", "estimated_delivery",
		"actual_delivery", "approved_by", "created_by", "created_at", "updated_at", "drug_name",
	).AddRow(
		id, "MOV-1756600000000", drugID, 40, "central-warehouse", "city-hospital",
		status, "normal", driverID, nil, nil,
		nil, nil, uuid.New().String(), now, now, "Insulin Glargine",
	)
}

func TestScan_DriverLimitedToOwnMovements(t *testing.T) {
	f := newMovementFixture(t)
	ctx := actor.WithActor(context.Background(), &actor.Actor{
		ID:   uuid.New().String(),
		Name: "Dmitri Volkov",
		Role: actor.RoleDriver,
	})

	// Assigned to a different driver
	id := uuid.New().String()
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(assignedMovementRow(id, uuid.New().String(), repository.StatusInTransit, uuid.New().String()))

	_, err := f.service.Scan(ctx, id, "district-pharmacy", "", nil)
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "FORBIDDEN", appErr.Code)
	f.pub.AssertNoEventsPublished(t)
}

func TestScan_DriverScansOwnAssignment(t *testing.T) {
	f := newMovementFixture(t)

	driverID := uuid.New().String()
	ctx := actor.WithActor(context.Background(), &actor.Actor{
		ID:   driverID,
		Name: "Dmitri Volkov",
		Role: actor.RoleDriver,
	})

	id := uuid.New().String()
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(assignedMovementRow(id, uuid.New().String(), repository.StatusInTransit, driverID))

	f.mockDB.ExpectQuery("INSERT INTO movement_scans").
		WillReturnRows(testutil.MockRows("scanned_at").AddRow(time.Now()))

	f.mockDB.ExpectQuery("FROM movement_scans").
		WithArgs(id).
		WillReturnRows(testutil.MockRows(
			"id", "movement_id", "location", "note", "scanned_by", "scanned_by_name", "scanned_at",
		).AddRow(uuid.New().String(), id, "mobile-unit", nil, driverID, "Dmitri Volkov", time.Now()))

	m, err := f.service.Scan(ctx, id, "mobile-unit", "", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusInTransit, m.Status)

	f.pub.AssertEventPublished(t, messaging.EventMovementScanned)
	f.mockDB.ExpectationsWereMet(t)
}

func TestScan_InTransitDoesNotChangeStatus(t *testing.T) {
	f := newMovementFixture(t)

	id := uuid.New().String()
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, uuid.New().String(), repository.StatusInTransit))

	f.mockDB.ExpectQuery("INSERT INTO movement_scans").
		WillReturnRows(testutil.MockRows("scanned_at").AddRow(time.Now()))

	f.mockDB.ExpectQuery("FROM movement_scans").
		WithArgs(id).
		WillReturnRows(testutil.MockRows(
			"id", "movement_id", "location", "note", "scanned_by", "scanned_by_name", "scanned_at",
		))

	m, err := f.service.Scan(warehouseCtx(), id, "mobile-unit", "checkpoint two", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusInTransit, m.Status)

	// A mid-route scan records the checkpoint without a status event
	assert.Empty(t, f.pub.EventsOfType(messaging.EventMovementStatusChanged))
	f.pub.AssertEventPublished(t, messaging.EventMovementScanned)
}

func TestCreate_InsufficientStockCourtesyCheck(t *testing.T) {
	f := newMovementFixture(t)

	drugID := uuid.New().String()
	f.mockDB.ExpectQuery("FROM drugs WHERE id = $1").
		WithArgs(drugID).
		WillReturnRows(activeDrugRow(drugID, 5))

	_, err := f.service.Create(warehouseCtx(), &repository.Movement{
		DrugID:       drugID,
		Quantity:     50,
		FromLocation: repository.LocationCentralWarehouse,
		ToLocation:   repository.LocationCityHospital,
	})
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "INSUFFICIENT_STOCK", appErr.Code)
	f.pub.AssertNoEventsPublished(t)
}

func TestCreate_SameOriginAndDestinationRejected(t *testing.T) {
	f := newMovementFixture(t)

	drugID := uuid.New().String()
	f.mockDB.ExpectQuery("FROM drugs WHERE id = $1").
		WithArgs(drugID).
		WillReturnRows(activeDrugRow(drugID, 100))

	_, err := f.service.Create(warehouseCtx(), &repository.Movement{
		DrugID:       drugID,
		Quantity:     10,
		FromLocation: repository.LocationCentralWarehouse,
		ToLocation:   repository.LocationCentralWarehouse,
	})
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "BAD_REQUEST", appErr.Code)
}

func TestAssignDriver_PublishesToDriverRoom(t *testing.T) {
	f := newMovementFixture(t)

	id := uuid.New().String()
	driverID := uuid.New().String()

	f.mockDB.ExpectQuery("FROM user_cache WHERE user_id = $1").
		WithArgs(driverID).
		WillReturnRows(testutil.MockRows("user_id", "name", "email", "role", "updated_at").
			AddRow(driverID, "Dmitri Volkov", "dmitri@pharmatrack.local", "driver", time.Now()))

	f.mockDB.ExpectExec("UPDATE movements SET driver_id = $2").
		WithArgs(id, driverID, nil, repository.StatusDelivered, repository.StatusCancelled).
		WillReturnResult(execResult(1))

	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(id).
		WillReturnRows(movementRow(id, uuid.New().String(), repository.StatusApproved))

	_, err := f.service.AssignDriver(warehouseCtx(), id, driverID, nil)
	require.NoError(t, err)

	// Assignment goes out twice: broadcast plus the driver's own room
	f.pub.AssertEventPublished(t, messaging.EventMovementAssigned)
	f.pub.AssertRoutedTo(t, messaging.UserRoutingKey(messaging.EventMovementAssigned, driverID))
	f.mockDB.ExpectationsWereMet(t)
}

func TestAssignDriver_RejectsNonDriver(t *testing.T) {
	f := newMovementFixture(t)

	id := uuid.New().String()
	userID := uuid.New().String()

	f.mockDB.ExpectQuery("FROM user_cache WHERE user_id = $1").
		WithArgs(userID).
		WillReturnRows(testutil.MockRows("user_id", "name", "email", "role", "updated_at").
			AddRow(userID, "Sara Lindqvist", "sara@pharmatrack.local", "pharmacist", time.Now()))

	_, err := f.service.AssignDriver(warehouseCtx(), id, userID, nil)
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "BAD_REQUEST", appErr.Code)
	f.pub.AssertNoEventsPublished(t)
}

func TestList_DriverOnlySeesOwnMovements(t *testing.T) {
	f := newMovementFixture(t)

	driverID := uuid.New().String()
	ctx := actor.WithActor(context.Background(), &actor.Actor{
		ID:   driverID,
		Name: "Dmitri Volkov",
		Role: actor.RoleDriver,
	})

	// The driver filter is forced from the actor even when the query asked
	// for someone else's movements
	f.mockDB.ExpectQuery("SELECT COUNT(*) FROM movements m").
		WithArgs(driverID).
		WillReturnRows(testutil.MockRows("count").AddRow(0))
	f.mockDB.ExpectQuery("FROM movements m JOIN drugs d").
		WithArgs(driverID, 20, 0).
		WillReturnRows(movementRow(uuid.New().String(), uuid.New().String(), repository.StatusApproved))

	_, total, err := f.service.List(ctx, repository.MovementFilter{DriverID: uuid.New().String()}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	f.mockDB.ExpectationsWereMet(t)
}
