package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIfAbsent_Inserts(t *testing.T) {
	mockDB, db := testDB(t)
	repo := repository.NewAlertRepository(db)

	drugID := uuid.New().String()
	alert := &repository.Alert{
		Type:        repository.AlertLowStock,
		Severity:    repository.SeverityWarning,
		Title:       "Low stock: Paracetamol",
		Message:     "Paracetamol (batch B-01) is down to 8 tablet, minimum threshold is 10",
		DrugID:      &drugID,
		TargetRoles: pq.StringArray{"admin", "warehouse"},
	}

	mockDB.ExpectQuery("INSERT INTO alerts").
		WillReturnRows(testutil.MockRows("created_at").AddRow(time.Now()))

	inserted, err := repo.CreateIfAbsent(context.Background(), alert)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, alert.ID)
	assert.False(t, alert.CreatedAt.IsZero())

	mockDB.ExpectationsWereMet(t)
}

func TestCreateIfAbsent_SuppressesDuplicate(t *testing.T) {
	mockDB, db := testDB(t)
	repo := repository.NewAlertRepository(db)

	drugID := uuid.New().String()
	alert := &repository.Alert{
		Type:        repository.AlertLowStock,
		Severity:    repository.SeverityWarning,
		Title:       "Low stock: Paracetamol",
		Message:     "duplicate",
		DrugID:      &drugID,
		TargetRoles: pq.StringArray{"admin"},
	}

	// ON CONFLICT DO NOTHING returns no row when an unresolved alert of the
	// same type is already open for the drug
	mockDB.ExpectQuery("INSERT INTO alerts").
		WillReturnError(sql.ErrNoRows)

	inserted, err := repo.CreateIfAbsent(context.Background(), alert)
	require.NoError(t, err)
	assert.False(t, inserted)

	mockDB.ExpectationsWereMet(t)
}

func TestResolve_Idempotent(t *testing.T) {
	mockDB, db := testDB(t)
	repo := repository.NewAlertRepository(db)

	id := uuid.New().String()
	resolvedBy := uuid.New().String()

	mockDB.ExpectExec("UPDATE alerts SET is_resolved = TRUE").
		WithArgs(id, resolvedBy).
		WillReturnResult(sqlmockResult(1))

	err := repo.Resolve(context.Background(), id, resolvedBy)
	require.NoError(t, err)

	mockDB.ExpectationsWereMet(t)
}
