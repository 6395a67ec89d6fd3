// Package events publishes tracking domain events to the broadcast
// exchange. Publish failures are logged and swallowed: the write that
// triggered the event has already committed, and live updates are best
// effort on top of the API.
package events

import (
	"context"

	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
	"github.com/pharmatrack/pharmatrack-backend/pkg/messaging"
)

// Broker is the subset of messaging.Publisher the event publisher needs.
// Tests substitute testutil.MockPublisher.
type Broker interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
	PublishRouted(ctx context.Context, eventType, routingKey string, data interface{}) error
}

// TrackingEventPublisher publishes drug, movement and alert events
type TrackingEventPublisher struct {
	broker Broker
	logger *logger.Logger
}

// NewTrackingEventPublisher creates a publisher bound to the tracking exchange
func NewTrackingEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*TrackingEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeTracking, "tracking-service", log)
	if err != nil {
		return nil, err
	}

	return &TrackingEventPublisher{
		broker: publisher,
		logger: log,
	}, nil
}

// NewWithBroker wires a publisher over an existing broker, used by tests
func NewWithBroker(b Broker, log *logger.Logger) *TrackingEventPublisher {
	return &TrackingEventPublisher{broker: b, logger: log}
}

// PublishDrugCreated publishes a drug created event
func (p *TrackingEventPublisher) PublishDrugCreated(ctx context.Context, d *repository.Drug) {
	if p == nil {
		return
	}

	data := messaging.DrugCreatedEvent{
		DrugID:   d.ID,
		Code:     d.Code,
		Name:     d.Name,
		BatchNo:  d.BatchNo,
		Quantity: d.Quantity,
		Location: d.Location,
	}

	if err := p.broker.Publish(ctx, messaging.EventDrugCreated, data); err != nil {
		p.logger.Error().Err(err).Str("drug_id", d.ID).Msg("failed to publish drug created event")
	}
}

// PublishDrugUpdated publishes a drug updated event with the changed fields
func (p *TrackingEventPublisher) PublishDrugUpdated(ctx context.Context, drugID string, fields map[string]any) {
	if p == nil {
		return
	}

	data := messaging.DrugUpdatedEvent{DrugID: drugID, Fields: fields}

	if err := p.broker.Publish(ctx, messaging.EventDrugUpdated, data); err != nil {
		p.logger.Error().Err(err).Str("drug_id", drugID).Msg("failed to publish drug updated event")
	}
}

// PublishDrugDeleted publishes a drug deleted event
func (p *TrackingEventPublisher) PublishDrugDeleted(ctx context.Context, drugID, code string) {
	if p == nil {
		return
	}

	data := messaging.DrugDeletedEvent{DrugID: drugID, Code: code}

	if err := p.broker.Publish(ctx, messaging.EventDrugDeleted, data); err != nil {
		p.logger.Error().Err(err).Str("drug_id", drugID).Msg("failed to publish drug deleted event")
	}
}

// PublishMovementCreated publishes a movement created event
func (p *TrackingEventPublisher) PublishMovementCreated(ctx context.Context, m *repository.Movement) {
	if p == nil {
		return
	}

	data := messaging.MovementCreatedEvent{
		MovementID: m.ID,
		Code:       m.Code,
		DrugID:     m.DrugID,
		DrugName:   m.DrugName,
		Quantity:   m.Quantity,
		From:       m.FromLocation,
		To:         m.ToLocation,
		Priority:   m.Priority,
		CreatedBy:  m.CreatedBy,
	}

	if err := p.broker.Publish(ctx, messaging.EventMovementCreated, data); err != nil {
		p.logger.Error().Err(err).Str("movement_id", m.ID).Msg("failed to publish movement created event")
	}
}

// PublishMovementUpdated publishes a movement updated event
func (p *TrackingEventPublisher) PublishMovementUpdated(ctx context.Context, movementID string, fields map[string]any) {
	if p == nil {
		return
	}

	data := messaging.MovementUpdatedEvent{MovementID: movementID, Fields: fields}

	if err := p.broker.Publish(ctx, messaging.EventMovementUpdated, data); err != nil {
		p.logger.Error().Err(err).Str("movement_id", movementID).Msg("failed to publish movement updated event")
	}
}

// PublishStatusChanged publishes a movement status transition event
func (p *TrackingEventPublisher) PublishStatusChanged(ctx context.Context, m *repository.Movement, oldStatus, changedBy string) {
	if p == nil {
		return
	}

	data := messaging.MovementStatusChangedEvent{
		MovementID: m.ID,
		Code:       m.Code,
		OldStatus:  oldStatus,
		NewStatus:  m.Status,
		ChangedBy:  changedBy,
	}

	if err := p.broker.Publish(ctx, messaging.EventMovementStatusChanged, data); err != nil {
		p.logger.Error().Err(err).Str("movement_id", m.ID).Msg("failed to publish status changed event")
	}
}

// PublishMovementScanned publishes a checkpoint scan event
func (p *TrackingEventPublisher) PublishMovementScanned(ctx context.Context, m *repository.Movement, s *repository.ScanEntry) {
	if p == nil {
		return
	}

	note := ""
	if s.Note != nil {
		note = *s.Note
	}

	data := messaging.MovementScannedEvent{
		MovementID: m.ID,
		Code:       m.Code,
		Location:   s.Location,
		Note:       note,
		ScannedBy:  s.ScannedBy,
		ScannedAt:  s.ScannedAt,
		Status:     m.Status,
	}

	if err := p.broker.Publish(ctx, messaging.EventMovementScanned, data); err != nil {
		p.logger.Error().Err(err).Str("movement_id", m.ID).Msg("failed to publish movement scanned event")
	}
}

// PublishMovementAssigned publishes an assignment event twice: once on the
// broadcast key and once routed to the driver's user room.
func (p *TrackingEventPublisher) PublishMovementAssigned(ctx context.Context, m *repository.Movement, driverID, assignedBy string) {
	if p == nil {
		return
	}

	data := messaging.MovementAssignedEvent{
		MovementID: m.ID,
		Code:       m.Code,
		DriverID:   driverID,
		AssignedBy: assignedBy,
	}

	if err := p.broker.Publish(ctx, messaging.EventMovementAssigned, data); err != nil {
		p.logger.Error().Err(err).Str("movement_id", m.ID).Msg("failed to publish movement assigned event")
	}

	key := messaging.UserRoutingKey(messaging.EventMovementAssigned, driverID)
	if err := p.broker.PublishRouted(ctx, messaging.EventMovementAssigned, key, data); err != nil {
		p.logger.Error().Err(err).Str("movement_id", m.ID).Msg("failed to publish driver assignment event")
	}
}

// PublishAlertNew publishes a new alert event, routed once per target role
func (p *TrackingEventPublisher) PublishAlertNew(ctx context.Context, a *repository.Alert) {
	if p == nil {
		return
	}

	drugID := ""
	if a.DrugID != nil {
		drugID = *a.DrugID
	}
	movementID := ""
	if a.MovementID != nil {
		movementID = *a.MovementID
	}

	data := messaging.AlertNewEvent{
		AlertID:     a.ID,
		Type:        a.Type,
		Severity:    a.Severity,
		Title:       a.Title,
		Message:     a.Message,
		DrugID:      drugID,
		MovementID:  movementID,
		TargetRoles: a.TargetRoles,
	}

	for _, role := range a.TargetRoles {
		key := messaging.RoleRoutingKey(messaging.EventAlertNew, role)
		if err := p.broker.PublishRouted(ctx, messaging.EventAlertNew, key, data); err != nil {
			p.logger.Error().Err(err).Str("alert_id", a.ID).Str("role", role).Msg("failed to publish alert event")
		}
	}
}

// PublishAlertResolved publishes an alert resolved event
func (p *TrackingEventPublisher) PublishAlertResolved(ctx context.Context, alertID, resolvedBy string) {
	if p == nil {
		return
	}

	data := messaging.AlertResolvedEvent{AlertID: alertID, ResolvedBy: resolvedBy}

	if err := p.broker.Publish(ctx, messaging.EventAlertResolved, data); err != nil {
		p.logger.Error().Err(err).Str("alert_id", alertID).Msg("failed to publish alert resolved event")
	}
}
