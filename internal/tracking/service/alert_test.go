package service_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/events"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/service"
	"github.com/pharmatrack/pharmatrack-backend/pkg/database"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
	"github.com/pharmatrack/pharmatrack-backend/pkg/messaging"
	"github.com/pharmatrack/pharmatrack-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertFixture struct {
	mockDB  *testutil.MockDB
	pub     *testutil.MockPublisher
	service *service.AlertService
}

func newAlertFixture(t *testing.T) *alertFixture {
	mockDB := testutil.NewMockDB(t)
	t.Cleanup(func() { mockDB.Close() })

	log := logger.New("tracking-service-test", "development")
	db := database.FromSqlx(mockDB.DB, log)
	pub := testutil.NewMockPublisher()

	svc := service.NewAlertService(
		repository.NewAlertRepository(db),
		events.NewWithBroker(pub, log),
		30, 7,
		log,
	)

	return &alertFixture{mockDB: mockDB, pub: pub, service: svc}
}

// testDrug builds a drug with derived fields computed for the given stock and
// days until expiry
func testDrug(quantity, threshold, daysToExpiry int) *repository.Drug {
	now := time.Now()
	d := &repository.Drug{
		ID:           uuid.New().String(),
		Code:         "DRG-042",
		Name:         "Oseltamivir",
		Category:     "antiviral",
		BatchNo:      "B-2026-07",
		Quantity:     quantity,
		Unit:         "capsule",
		MinThreshold: threshold,
		ExpiryDate:   now.Add(time.Duration(daysToExpiry) * 24 * time.Hour),
		Location:     repository.LocationDistrictPharmacy,
		IsActive:     true,
	}
	d.ComputeDerived(now)
	return d
}

func (f *alertFixture) expectInsert() {
	f.mockDB.ExpectQuery("INSERT INTO alerts").
		WillReturnRows(testutil.MockRows("created_at").AddRow(time.Now()))
}

func TestDetectForDrug_HealthyDrugRaisesNothing(t *testing.T) {
	f := newAlertFixture(t)

	created := f.service.DetectForDrug(context.Background(), testDrug(100, 10, 180))
	assert.Empty(t, created)
	f.pub.AssertNoEventsPublished(t)
	f.mockDB.ExpectationsWereMet(t)
}

func TestDetectForDrug_LowStockWarning(t *testing.T) {
	f := newAlertFixture(t)
	f.expectInsert()

	created := f.service.DetectForDrug(context.Background(), testDrug(8, 10, 180))
	require.Len(t, created, 1)
	assert.Equal(t, repository.AlertLowStock, created[0].Type)
	assert.Equal(t, repository.SeverityWarning, created[0].Severity)
	assert.ElementsMatch(t, []string{"admin", "warehouse"}, []string(created[0].TargetRoles))
}

func TestDetectForDrug_OutOfStockIsCritical(t *testing.T) {
	f := newAlertFixture(t)
	f.expectInsert()

	created := f.service.DetectForDrug(context.Background(), testDrug(0, 10, 180))
	require.Len(t, created, 1)
	assert.Equal(t, repository.SeverityCritical, created[0].Severity)
	assert.Contains(t, created[0].Title, "Out of stock")
}

func TestDetectForDrug_ExpirySeverityBoundaries(t *testing.T) {
	tests := []struct {
		name         string
		daysToExpiry int
		wantSeverity string
		wantAlert    bool
	}{
		{"outside the window raises nothing", 31, "", false},
		{"at the window edge warns", 30, repository.SeverityWarning, true},
		{"inside the window warns", 15, repository.SeverityWarning, true},
		{"at the critical edge is critical", 7, repository.SeverityCritical, true},
		{"one day left is critical", 1, repository.SeverityCritical, true},
		{"already expired raises nothing", -1, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAlertFixture(t)
			if tt.wantAlert {
				f.expectInsert()
			}

			created := f.service.DetectForDrug(context.Background(), testDrug(100, 10, tt.daysToExpiry))
			if !tt.wantAlert {
				assert.Empty(t, created)
				return
			}

			require.Len(t, created, 1)
			assert.Equal(t, repository.AlertExpiry, created[0].Type)
			assert.Equal(t, tt.wantSeverity, created[0].Severity)
			assert.ElementsMatch(t,
				[]string{"admin", "warehouse", "pharmacist"},
				[]string(created[0].TargetRoles))
		})
	}
}

func TestDetectForDrug_BroadcastsPerTargetRole(t *testing.T) {
	f := newAlertFixture(t)
	f.expectInsert()

	f.service.DetectForDrug(context.Background(), testDrug(0, 10, 180))

	// One routed publish per target role so each role room gets its copy
	routed := f.pub.EventsOfType(messaging.EventAlertNew)
	require.Len(t, routed, 2)
	f.pub.AssertRoutedTo(t, messaging.RoleRoutingKey(messaging.EventAlertNew, "admin"))
	f.pub.AssertRoutedTo(t, messaging.RoleRoutingKey(messaging.EventAlertNew, "warehouse"))
}

func TestDetectForDrug_SuppressedDuplicateStaysSilent(t *testing.T) {
	f := newAlertFixture(t)

	// The open-condition index rejects the insert: same drug, same type,
	// still unresolved
	f.mockDB.ExpectQuery("INSERT INTO alerts").
		WillReturnError(sql.ErrNoRows)

	created := f.service.DetectForDrug(context.Background(), testDrug(0, 10, 180))
	assert.Empty(t, created)
	f.pub.AssertNoEventsPublished(t)
}

func TestRaiseMovementAlert_UrgentIsCritical(t *testing.T) {
	f := newAlertFixture(t)
	f.expectInsert()

	a := f.service.RaiseMovementAlert(context.Background(), &repository.Movement{
		ID:           uuid.New().String(),
		Code:         "MOV-1756600000001",
		DrugName:     "Oseltamivir",
		Quantity:     20,
		FromLocation: repository.LocationCentralWarehouse,
		ToLocation:   repository.LocationMobileUnit,
		Priority:     repository.PriorityUrgent,
	})

	require.NotNil(t, a)
	assert.Equal(t, repository.AlertMovement, a.Type)
	assert.Equal(t, repository.SeverityCritical, a.Severity)
	assert.ElementsMatch(t, []string{"admin", "warehouse", "driver"}, []string(a.TargetRoles))
}

func TestRaiseMovementAlert_NormalIsInfo(t *testing.T) {
	f := newAlertFixture(t)
	f.expectInsert()

	a := f.service.RaiseMovementAlert(context.Background(), &repository.Movement{
		ID:       uuid.New().String(),
		Code:     "MOV-1756600000002",
		DrugName: "Oseltamivir",
		Quantity: 5,
		Priority: repository.PriorityNormal,
	})

	require.NotNil(t, a)
	assert.Equal(t, repository.SeverityInfo, a.Severity)
}

func TestCreateManual_DuplicateConflicts(t *testing.T) {
	f := newAlertFixture(t)

	f.mockDB.ExpectQuery("INSERT INTO alerts").
		WillReturnError(sql.ErrNoRows)

	_, err := f.service.CreateManual(context.Background(), &repository.Alert{
		Title:   "Cold chain audit",
		Message: "Fridge two temperature log missing for yesterday",
	})
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "CONFLICT", appErr.Code)
}

func TestCreateManual_Defaults(t *testing.T) {
	f := newAlertFixture(t)
	f.expectInsert()

	a, err := f.service.CreateManual(context.Background(), &repository.Alert{
		Title:   "Cold chain audit",
		Message: "Fridge two temperature log missing for yesterday",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.AlertSystem, a.Type)
	assert.Equal(t, repository.SeverityInfo, a.Severity)
	assert.Equal(t, []string{"admin"}, []string(a.TargetRoles))
}
