// Package testutil provides testing utilities for the PharmaTrack backend.
// It includes a testcontainers PostgreSQL wrapper, sqlmock helpers and an
// in-memory event publisher.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a testcontainers PostgreSQL instance
type PostgresContainer struct {
	*postgres.PostgresContainer
	DSN string
}

// PostgresContainerConfig configures the test PostgreSQL container
type PostgresContainerConfig struct {
	Database string
	Username string
	Password string
	Image    string // Optional: defaults to postgres:15-alpine
}

// DefaultPostgresConfig returns sensible defaults for test containers
func DefaultPostgresConfig() PostgresContainerConfig {
	return PostgresContainerConfig{
		Database: "pharmatrack_test",
		Username: "test",
		Password: "test",
		Image:    "postgres:15-alpine",
	}
}

// NewPostgresContainer creates a new PostgreSQL test container.
//
// Usage:
//
//	func TestMain(m *testing.M) {
//	    ctx := context.Background()
//	    container, err := testutil.NewPostgresContainer(ctx, testutil.DefaultPostgresConfig())
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer container.Terminate(ctx)
//
//	    code := m.Run()
//	    os.Exit(code)
//	}
func NewPostgresContainer(ctx context.Context, cfg PostgresContainerConfig) (*PostgresContainer, error) {
	if cfg.Image == "" {
		cfg.Image = "postgres:15-alpine"
	}
	if cfg.Database == "" {
		cfg.Database = "pharmatrack_test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage(cfg.Image),
		postgres.WithDatabase(cfg.Database),
		postgres.WithUsername(cfg.Username),
		postgres.WithPassword(cfg.Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	return &PostgresContainer{
		PostgresContainer: container,
		DSN:               dsn,
	}, nil
}

// Connect returns a sqlx.DB connection to the container
func (c *PostgresContainer) Connect(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", c.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	return c.PostgresContainer.Terminate(ctx)
}

// CreateTrackingSchema creates the tracking service tables.
// This mirrors the production schema applied by deployment migrations.
func (c *PostgresContainer) CreateTrackingSchema(ctx context.Context, db *sqlx.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS drugs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			code VARCHAR(50) NOT NULL,
			name VARCHAR(255) NOT NULL,
			generic_name VARCHAR(255),
			category VARCHAR(50) NOT NULL,
			batch_no VARCHAR(100) NOT NULL,
			quantity INT NOT NULL DEFAULT 0,
			unit VARCHAR(20) NOT NULL,
			min_threshold INT NOT NULL DEFAULT 10,
			max_threshold INT NOT NULL DEFAULT 0,
			manufacture_date DATE,
			expiry_date DATE NOT NULL,
			manufacturer VARCHAR(255),
			supplier VARCHAR(255),
			location VARCHAR(50) NOT NULL,
			storage_condition VARCHAR(50) NOT NULL DEFAULT 'room-temperature',
			price NUMERIC(12,2) NOT NULL DEFAULT 0,
			description TEXT,
			qr_code TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_by UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT drugs_quantity_non_negative CHECK (quantity >= 0),
			CONSTRAINT drugs_code_unique UNIQUE (code)
		);

		CREATE TABLE IF NOT EXISTS movements (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			code VARCHAR(50) NOT NULL,
			drug_id UUID NOT NULL REFERENCES drugs(id),
			quantity INT NOT NULL,
			from_location VARCHAR(50) NOT NULL,
			to_location VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			priority VARCHAR(20) NOT NULL DEFAULT 'normal',
			driver_id UUID,
			vehicle VARCHAR(50),
			notes TEXT,
			estimated_delivery TIMESTAMPTZ,
			actual_delivery TIMESTAMPTZ,
			approved_by UUID,
			created_by UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT movement_code_unique UNIQUE (code),
			CONSTRAINT movement_quantity_positive CHECK (quantity > 0),
			CONSTRAINT movement_status_valid CHECK (status IN ('pending', 'approved', 'in_transit', 'delivered', 'cancelled')),
			CONSTRAINT movement_priority_valid CHECK (priority IN ('low', 'normal', 'high', 'urgent'))
		);

		CREATE TABLE IF NOT EXISTS movement_scans (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			movement_id UUID NOT NULL REFERENCES movements(id) ON DELETE CASCADE,
			location VARCHAR(50) NOT NULL,
			note TEXT,
			coordinates VARCHAR(100),
			scanned_by UUID NOT NULL,
			scanned_by_name VARCHAR(255),
			scanned_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			type VARCHAR(30) NOT NULL,
			severity VARCHAR(20) NOT NULL,
			title VARCHAR(255) NOT NULL,
			message TEXT NOT NULL,
			drug_id UUID REFERENCES drugs(id),
			movement_id UUID REFERENCES movements(id),
			target_roles TEXT[] NOT NULL DEFAULT '{}',
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_by UUID,
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_condition
			ON alerts (drug_id, type) WHERE NOT is_resolved AND drug_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS user_cache (
			user_id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			email VARCHAR(255) NOT NULL,
			role VARCHAR(50) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_movements_drug ON movements (drug_id);
		CREATE INDEX IF NOT EXISTS idx_movements_status ON movements (status);
		CREATE INDEX IF NOT EXISTS idx_movements_driver ON movements (driver_id) WHERE driver_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_alerts_unresolved ON alerts (created_at DESC) WHERE NOT is_resolved;
		CREATE INDEX IF NOT EXISTS idx_drugs_expiry ON drugs (expiry_date) WHERE is_active;
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tracking schema: %w", err)
	}

	return nil
}
