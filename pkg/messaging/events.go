package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Drug events
	EventDrugCreated = "drug.created"
	EventDrugUpdated = "drug.updated"
	EventDrugDeleted = "drug.deleted"

	// Movement events
	EventMovementCreated       = "movement.created"
	EventMovementUpdated       = "movement.updated"
	EventMovementStatusChanged = "movement.status_changed"
	EventMovementScanned       = "movement.scanned"
	EventMovementAssigned      = "movement.assigned"

	// Alert events
	EventAlertNew      = "alert.new"
	EventAlertResolved = "alert.resolved"

	// User events consumed from the auth collaborator
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// Exchange names
const (
	// ExchangeTracking carries all drug, movement and alert events. UI
	// gateways bind queues against it using the room routing keys below.
	ExchangeTracking = "tracking.events"

	// ExchangeUserEvents is the auth service's exchange for user lifecycle
	// events. This service only consumes from it.
	ExchangeUserEvents = "user.events"
)

// RoleRoutingKey builds a routing key that targets every connected client
// holding the given role, e.g. "alert.new.role.warehouse".
func RoleRoutingKey(eventType, role string) string {
	return eventType + ".role." + role
}

// UserRoutingKey builds a routing key that targets a single user's clients,
// e.g. "movement.assigned.user.3f1a...".
func UserRoutingKey(eventType, userID string) string {
	return eventType + ".user." + userID
}

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Drug Events

// DrugCreatedEvent is published when a drug record is created
type DrugCreatedEvent struct {
	DrugID   string `json:"drug_id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	BatchNo  string `json:"batch_no"`
	Quantity int    `json:"quantity"`
	Location string `json:"location"`
}

// DrugUpdatedEvent is published when a drug record is updated
type DrugUpdatedEvent struct {
	DrugID string         `json:"drug_id"`
	Fields map[string]any `json:"fields"` // Changed fields
}

// DrugDeletedEvent is published when a drug record is deactivated
type DrugDeletedEvent struct {
	DrugID string `json:"drug_id"`
	Code   string `json:"code"`
}

// Movement Events

// MovementCreatedEvent is published when a movement is created
type MovementCreatedEvent struct {
	MovementID string `json:"movement_id"`
	Code       string `json:"code"`
	DrugID     string `json:"drug_id"`
	DrugName   string `json:"drug_name"`
	Quantity   int    `json:"quantity"`
	From       string `json:"from"`
	To         string `json:"to"`
	Priority   string `json:"priority"`
	CreatedBy  string `json:"created_by"`
}

// MovementUpdatedEvent is published when movement details change
type MovementUpdatedEvent struct {
	MovementID string         `json:"movement_id"`
	Fields     map[string]any `json:"fields"`
}

// MovementStatusChangedEvent is published on every state transition
type MovementStatusChangedEvent struct {
	MovementID string `json:"movement_id"`
	Code       string `json:"code"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
	ChangedBy  string `json:"changed_by"`
}

// MovementScannedEvent is published when a checkpoint scan is recorded
type MovementScannedEvent struct {
	MovementID string    `json:"movement_id"`
	Code       string    `json:"code"`
	Location   string    `json:"location"`
	Note       string    `json:"note,omitempty"`
	ScannedBy  string    `json:"scanned_by"`
	ScannedAt  time.Time `json:"scanned_at"`
	Status     string    `json:"status"` // status after the scan
}

// MovementAssignedEvent is published when a driver is assigned.
// It is routed to the driver's user room in addition to the broadcast key.
type MovementAssignedEvent struct {
	MovementID string `json:"movement_id"`
	Code       string `json:"code"`
	DriverID   string `json:"driver_id"`
	AssignedBy string `json:"assigned_by"`
}

// Alert Events

// AlertNewEvent is published when a new alert is raised.
// It is routed once per target role using RoleRoutingKey.
type AlertNewEvent struct {
	AlertID     string   `json:"alert_id"`
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Title       string   `json:"title"`
	Message     string   `json:"message"`
	DrugID      string   `json:"drug_id,omitempty"`
	MovementID  string   `json:"movement_id,omitempty"`
	TargetRoles []string `json:"target_roles"`
}

// AlertResolvedEvent is published when an alert is resolved
type AlertResolvedEvent struct {
	AlertID    string `json:"alert_id"`
	ResolvedBy string `json:"resolved_by"`
}

// User Events (consumed)

// UserCreatedEvent mirrors the auth service's user.created payload
type UserCreatedEvent struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// UserUpdatedEvent mirrors the auth service's user.updated payload
type UserUpdatedEvent struct {
	UserID string         `json:"user_id"`
	Fields map[string]any `json:"fields"`
}

// UserDeletedEvent mirrors the auth service's user.deleted payload
type UserDeletedEvent struct {
	UserID string `json:"user_id"`
}
