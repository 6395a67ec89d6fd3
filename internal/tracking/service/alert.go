package service

import (
	"context"
	"fmt"

	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/events"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/pkg/actor"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
)

// Target role sets per alert condition
var (
	stockAlertRoles    = []string{actor.RoleAdmin, actor.RoleWarehouse}
	expiryAlertRoles   = []string{actor.RoleAdmin, actor.RoleWarehouse, actor.RolePharmacist}
	movementAlertRoles = []string{actor.RoleAdmin, actor.RoleWarehouse, actor.RoleDriver}
)

// AlertService raises, lists and resolves alerts. Detection runs both from
// the periodic sweep and immediately after writes that change stock levels,
// so dashboards do not wait for the next sweep.
type AlertService struct {
	alertRepo *repository.AlertRepository
	publisher *events.TrackingEventPublisher
	logger    *logger.Logger

	expiryWindowDays   int
	criticalWindowDays int
}

// NewAlertService creates a new alert service
func NewAlertService(
	alertRepo *repository.AlertRepository,
	publisher *events.TrackingEventPublisher,
	expiryWindowDays, criticalWindowDays int,
	log *logger.Logger,
) *AlertService {
	return &AlertService{
		alertRepo:          alertRepo,
		publisher:          publisher,
		logger:             log,
		expiryWindowDays:   expiryWindowDays,
		criticalWindowDays: criticalWindowDays,
	}
}

// DetectForDrug checks a single drug for alert conditions and raises any
// that are not already open. Returns the alerts actually created.
func (s *AlertService) DetectForDrug(ctx context.Context, d *repository.Drug) []*repository.Alert {
	var created []*repository.Alert

	if a := s.detectLowStock(ctx, d); a != nil {
		created = append(created, a)
	}
	if a := s.detectExpiry(ctx, d); a != nil {
		created = append(created, a)
	}

	return created
}

func (s *AlertService) detectLowStock(ctx context.Context, d *repository.Drug) *repository.Alert {
	if d.Quantity > d.MinThreshold {
		return nil
	}

	severity := repository.SeverityWarning
	title := fmt.Sprintf("Low stock: %s", d.Name)
	message := fmt.Sprintf("%s (batch %s) is down to %d %s, minimum threshold is %d",
		d.Name, d.BatchNo, d.Quantity, d.Unit, d.MinThreshold)
	if d.Quantity <= 0 {
		severity = repository.SeverityCritical
		title = fmt.Sprintf("Out of stock: %s", d.Name)
		message = fmt.Sprintf("%s (batch %s) is out of stock", d.Name, d.BatchNo)
	}

	return s.raise(ctx, &repository.Alert{
		Type:        repository.AlertLowStock,
		Severity:    severity,
		Title:       title,
		Message:     message,
		DrugID:      &d.ID,
		TargetRoles: stockAlertRoles,
	})
}

func (s *AlertService) detectExpiry(ctx context.Context, d *repository.Drug) *repository.Alert {
	days := d.DaysUntilExpiry
	if days <= 0 || days > s.expiryWindowDays {
		return nil
	}

	severity := repository.SeverityWarning
	if days <= s.criticalWindowDays {
		severity = repository.SeverityCritical
	}

	return s.raise(ctx, &repository.Alert{
		Type:     repository.AlertExpiry,
		Severity: severity,
		Title:    fmt.Sprintf("Expiring soon: %s", d.Name),
		Message: fmt.Sprintf("%s (batch %s) expires in %d days on %s",
			d.Name, d.BatchNo, days, d.ExpiryDate.Format("2006-01-02")),
		DrugID:      &d.ID,
		TargetRoles: expiryAlertRoles,
	})
}

// ResolveCleared resolves open alerts whose underlying condition no longer
// holds for the drug: stock back above threshold, or expiry out of window.
func (s *AlertService) ResolveCleared(ctx context.Context, d *repository.Drug) {
	system := actor.SystemActor().ID

	if d.Quantity > d.MinThreshold {
		if n, err := s.alertRepo.ResolveForDrug(ctx, d.ID, repository.AlertLowStock, system); err != nil {
			s.logger.Error().Err(err).Str("drug_id", d.ID).Msg("failed to resolve cleared stock alerts")
		} else if n > 0 {
			s.logger.Info().Str("drug_id", d.ID).Int64("resolved", n).Msg("stock alerts cleared")
		}
	}

	if d.DaysUntilExpiry > s.expiryWindowDays {
		if n, err := s.alertRepo.ResolveForDrug(ctx, d.ID, repository.AlertExpiry, system); err != nil {
			s.logger.Error().Err(err).Str("drug_id", d.ID).Msg("failed to resolve cleared expiry alerts")
		} else if n > 0 {
			s.logger.Info().Str("drug_id", d.ID).Int64("resolved", n).Msg("expiry alerts cleared")
		}
	}
}

// RaiseMovementAlert raises an alert announcing a new movement. Urgent
// movements are critical, everything else is informational.
func (s *AlertService) RaiseMovementAlert(ctx context.Context, m *repository.Movement) *repository.Alert {
	severity := repository.SeverityInfo
	if m.Priority == repository.PriorityUrgent {
		severity = repository.SeverityCritical
	}

	return s.raise(ctx, &repository.Alert{
		Type:     repository.AlertMovement,
		Severity: severity,
		Title:    fmt.Sprintf("New movement %s", m.Code),
		Message: fmt.Sprintf("%d x %s from %s to %s (%s priority)",
			m.Quantity, m.DrugName, m.FromLocation, m.ToLocation, m.Priority),
		MovementID:  &m.ID,
		TargetRoles: movementAlertRoles,
	})
}

// raise inserts with dedup and broadcasts when a new alert was created
func (s *AlertService) raise(ctx context.Context, a *repository.Alert) *repository.Alert {
	inserted, err := s.alertRepo.CreateIfAbsent(ctx, a)
	if err != nil {
		s.logger.Error().Err(err).Str("type", a.Type).Msg("failed to create alert")
		return nil
	}
	if !inserted {
		return nil
	}

	s.publisher.PublishAlertNew(ctx, a)
	return a
}

// CreateManual raises an operator-authored alert. Manual alerts skip dedup
// suppression only in the sense that they have no drug condition; two
// identical manual alerts for the same drug still collapse.
func (s *AlertService) CreateManual(ctx context.Context, a *repository.Alert) (*repository.Alert, error) {
	if a.Type == "" {
		a.Type = repository.AlertSystem
	}
	if a.Severity == "" {
		a.Severity = repository.SeverityInfo
	}
	if len(a.TargetRoles) == 0 {
		a.TargetRoles = []string{actor.RoleAdmin}
	}

	inserted, err := s.alertRepo.CreateIfAbsent(ctx, a)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, errors.Conflict("an unresolved alert of this type already exists for this drug")
	}

	s.publisher.PublishAlertNew(ctx, a)
	return a, nil
}

// List lists alerts visible to the calling actor's role
func (s *AlertService) List(ctx context.Context, f repository.AlertFilter, page, perPage int) ([]*repository.Alert, int64, error) {
	return s.alertRepo.List(ctx, f, page, perPage)
}

// UnreadCount counts unread alerts for a role
func (s *AlertService) UnreadCount(ctx context.Context, role string) (int, error) {
	return s.alertRepo.UnreadCount(ctx, role)
}

// MarkRead marks one alert as read
func (s *AlertService) MarkRead(ctx context.Context, id string) error {
	return s.alertRepo.MarkRead(ctx, id)
}

// MarkAllRead marks all alerts targeting the role as read
func (s *AlertService) MarkAllRead(ctx context.Context, role string) (int64, error) {
	return s.alertRepo.MarkAllRead(ctx, role)
}

// Resolve resolves an alert and broadcasts the resolution
func (s *AlertService) Resolve(ctx context.Context, id string) error {
	a := actor.FromContext(ctx)
	resolvedBy := actor.SystemActor().ID
	if a != nil {
		resolvedBy = a.ID
	}

	if err := s.alertRepo.Resolve(ctx, id, resolvedBy); err != nil {
		return err
	}

	s.publisher.PublishAlertResolved(ctx, id, resolvedBy)
	return nil
}

// Get gets a single alert
func (s *AlertService) Get(ctx context.Context, id string) (*repository.Alert, error) {
	return s.alertRepo.GetByID(ctx, id)
}
