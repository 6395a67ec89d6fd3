package service

import (
	"context"
	"time"

	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
)

// ExpiryReport buckets active drugs by how soon they expire
type ExpiryReport struct {
	Expired  []*repository.Drug `json:"expired"`
	Critical []*repository.Drug `json:"critical"` // within the critical window
	Soon     []*repository.Drug `json:"soon"`     // within the expiry window
	Upcoming []*repository.Drug `json:"upcoming"` // beyond the window
}

// InventoryReport combines totals with the drugs needing attention
type InventoryReport struct {
	Stats      *repository.InventoryStats `json:"stats"`
	LowStock   []*repository.Drug         `json:"low_stock"`
	ByLocation map[string]int             `json:"by_location"`
}

// MovementReport summarizes movement activity
type MovementReport struct {
	Stats       *repository.MovementStats    `json:"stats"`
	Consumption []*repository.ConsumptionRow `json:"consumption"`
	From        time.Time                    `json:"from"`
	To          time.Time                    `json:"to"`
}

// Dashboard is the combined landing-page summary
type Dashboard struct {
	Inventory    *repository.InventoryStats `json:"inventory"`
	Movements    *repository.MovementStats  `json:"movements"`
	UnreadAlerts int                        `json:"unread_alerts"`
}

// ReportService aggregates read-only views over drugs, movements and alerts.
// Reports are computed on demand; nothing here is cached.
type ReportService struct {
	drugRepo     *repository.DrugRepository
	movementRepo *repository.MovementRepository
	alertRepo    *repository.AlertRepository
	logger       *logger.Logger

	expiryWindowDays   int
	criticalWindowDays int
}

// NewReportService creates a new report service
func NewReportService(
	drugRepo *repository.DrugRepository,
	movementRepo *repository.MovementRepository,
	alertRepo *repository.AlertRepository,
	expiryWindowDays, criticalWindowDays int,
	log *logger.Logger,
) *ReportService {
	return &ReportService{
		drugRepo:           drugRepo,
		movementRepo:       movementRepo,
		alertRepo:          alertRepo,
		logger:             log,
		expiryWindowDays:   expiryWindowDays,
		criticalWindowDays: criticalWindowDays,
	}
}

// Inventory builds the inventory report
func (s *ReportService) Inventory(ctx context.Context) (*InventoryReport, error) {
	stats, err := s.drugRepo.Stats(ctx, s.expiryWindowDays)
	if err != nil {
		return nil, err
	}

	low, err := s.drugRepo.LowStock(ctx)
	if err != nil {
		return nil, err
	}

	all, err := s.drugRepo.GetAllActive(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	byLocation := make(map[string]int)
	for _, d := range all {
		byLocation[d.Location] += d.Quantity
	}
	for _, d := range low {
		d.ComputeDerived(now)
	}

	return &InventoryReport{
		Stats:      stats,
		LowStock:   low,
		ByLocation: byLocation,
	}, nil
}

// Movements builds the movement report for a date range
func (s *ReportService) Movements(ctx context.Context, from, to time.Time) (*MovementReport, error) {
	stats, err := s.movementRepo.Stats(ctx)
	if err != nil {
		return nil, err
	}

	consumption, err := s.movementRepo.ConsumptionByDrug(ctx, from, to)
	if err != nil {
		return nil, err
	}

	return &MovementReport{
		Stats:       stats,
		Consumption: consumption,
		From:        from,
		To:          to,
	}, nil
}

// ConsumptionReport lists delivered quantities per drug in a time range
type ConsumptionReport struct {
	Rows []*repository.ConsumptionRow `json:"rows"`
	From time.Time                    `json:"from"`
	To   time.Time                    `json:"to"`
}

// Consumption aggregates delivered movements per drug for a date range
func (s *ReportService) Consumption(ctx context.Context, from, to time.Time) (*ConsumptionReport, error) {
	rows, err := s.movementRepo.ConsumptionByDrug(ctx, from, to)
	if err != nil {
		return nil, err
	}

	return &ConsumptionReport{
		Rows: rows,
		From: from,
		To:   to,
	}, nil
}

// Expiry buckets all active drugs by time to expiry
func (s *ReportService) Expiry(ctx context.Context) (*ExpiryReport, error) {
	drugs, err := s.drugRepo.GetAllActive(ctx)
	if err != nil {
		return nil, err
	}

	report := &ExpiryReport{
		Expired:  []*repository.Drug{},
		Critical: []*repository.Drug{},
		Soon:     []*repository.Drug{},
		Upcoming: []*repository.Drug{},
	}

	now := time.Now()
	for _, d := range drugs {
		d.ComputeDerived(now)

		switch {
		case d.DaysUntilExpiry <= 0:
			report.Expired = append(report.Expired, d)
		case d.DaysUntilExpiry <= s.criticalWindowDays:
			report.Critical = append(report.Critical, d)
		case d.DaysUntilExpiry <= s.expiryWindowDays:
			report.Soon = append(report.Soon, d)
		default:
			report.Upcoming = append(report.Upcoming, d)
		}
	}

	return report, nil
}

// DashboardFor builds the landing-page summary for the calling role
func (s *ReportService) DashboardFor(ctx context.Context, role string) (*Dashboard, error) {
	inv, err := s.drugRepo.Stats(ctx, s.expiryWindowDays)
	if err != nil {
		return nil, err
	}

	mov, err := s.movementRepo.Stats(ctx)
	if err != nil {
		return nil, err
	}

	unread, err := s.alertRepo.UnreadCount(ctx, role)
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		Inventory:    inv,
		Movements:    mov,
		UnreadAlerts: unread,
	}, nil
}
