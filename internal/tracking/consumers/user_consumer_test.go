package consumers

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/pkg/database"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
	"github.com/pharmatrack/pharmatrack-backend/pkg/messaging"
	"github.com/pharmatrack/pharmatrack-backend/pkg/testutil"
	"github.com/stretchr/testify/require"
)

// newConsumer wires the handlers against a sqlmock-backed user cache.
// The broker connection is not needed to exercise handler logic.
func newConsumer(t *testing.T) (*testutil.MockDB, *UserEventConsumer) {
	mockDB := testutil.NewMockDB(t)
	t.Cleanup(func() { mockDB.Close() })

	log := logger.New("tracking-service-test", "development")
	db := database.FromSqlx(mockDB.DB, log)

	c := &UserEventConsumer{
		userCacheRepo: repository.NewUserCacheRepository(db),
		logger:        log,
	}
	return mockDB, c
}

func userEvent(t *testing.T, eventType string, payload any) *messaging.Event {
	t.Helper()
	event, err := messaging.NewEvent(eventType, "auth-service", "", payload)
	require.NoError(t, err)
	return event
}

func TestHandleUserCreated_UpsertsProjection(t *testing.T) {
	mockDB, c := newConsumer(t)

	userID := uuid.New().String()
	event := userEvent(t, messaging.EventUserCreated, messaging.UserCreatedEvent{
		UserID: userID,
		Email:  "nadia.osei@pharmatrack.example",
		Name:   "Nadia Osei",
		Role:   "warehouse",
	})

	mockDB.ExpectExec("INSERT INTO user_cache").
		WithArgs(userID, "Nadia Osei", "nadia.osei@pharmatrack.example", "warehouse").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.handleUserCreated(context.Background(), event))
	mockDB.ExpectationsWereMet(t)
}

func TestHandleUserUpdated_PatchesKnownFields(t *testing.T) {
	mockDB, c := newConsumer(t)

	userID := uuid.New().String()
	event := userEvent(t, messaging.EventUserUpdated, messaging.UserUpdatedEvent{
		UserID: userID,
		Fields: map[string]any{"role": "driver"},
	})

	mockDB.ExpectQuery("FROM user_cache WHERE user_id = $1").
		WithArgs(userID).
		WillReturnRows(testutil.MockRows("user_id", "name", "email", "role", "updated_at").
			AddRow(userID, "Dmitri Volkov", "dmitri@pharmatrack.example", "pharmacist", time.Now()))

	// Name and email survive, only the role changes
	mockDB.ExpectExec("INSERT INTO user_cache").
		WithArgs(userID, "Dmitri Volkov", "dmitri@pharmatrack.example", "driver").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.handleUserUpdated(context.Background(), event))
	mockDB.ExpectationsWereMet(t)
}

func TestHandleUserUpdated_UnknownUserIsIgnored(t *testing.T) {
	mockDB, c := newConsumer(t)

	userID := uuid.New().String()
	event := userEvent(t, messaging.EventUserUpdated, messaging.UserUpdatedEvent{
		UserID: userID,
		Fields: map[string]any{"name": "New Name"},
	})

	mockDB.ExpectQuery("FROM user_cache WHERE user_id = $1").
		WithArgs(userID).
		WillReturnRows(testutil.MockRows("user_id", "name", "email", "role", "updated_at"))

	// No upsert expected; the event is dropped without error
	require.NoError(t, c.handleUserUpdated(context.Background(), event))
	mockDB.ExpectationsWereMet(t)
}

func TestHandleUserDeleted_RemovesProjection(t *testing.T) {
	mockDB, c := newConsumer(t)

	userID := uuid.New().String()
	event := userEvent(t, messaging.EventUserDeleted, messaging.UserDeletedEvent{UserID: userID})

	mockDB.ExpectExec("DELETE FROM user_cache WHERE user_id = $1").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.handleUserDeleted(context.Background(), event))
	mockDB.ExpectationsWereMet(t)
}
