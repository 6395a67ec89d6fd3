package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/events"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/pkg/actor"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
)

// transitions is the movement state machine. Absent edges are rejected, and
// delivered/cancelled have no outgoing edges at all, which makes terminal
// states a hard stop rather than a convention.
var transitions = map[string]map[string]bool{
	repository.StatusPending: {
		repository.StatusApproved:  true,
		repository.StatusCancelled: true,
	},
	repository.StatusApproved: {
		repository.StatusInTransit: true,
		repository.StatusDelivered: true,
		repository.StatusCancelled: true,
	},
	repository.StatusInTransit: {
		repository.StatusDelivered: true,
		repository.StatusCancelled: true,
	},
}

func canTransition(from, to string) bool {
	return transitions[from][to]
}

// MovementService manages drug transfers and their state machine
type MovementService struct {
	movementRepo *repository.MovementRepository
	drugRepo     *repository.DrugRepository
	userRepo     *repository.UserCacheRepository
	alerts       *AlertService
	publisher    *events.TrackingEventPublisher
	logger       *logger.Logger
}

// NewMovementService creates a new movement service
func NewMovementService(
	movementRepo *repository.MovementRepository,
	drugRepo *repository.DrugRepository,
	userRepo *repository.UserCacheRepository,
	alerts *AlertService,
	publisher *events.TrackingEventPublisher,
	log *logger.Logger,
) *MovementService {
	return &MovementService{
		movementRepo: movementRepo,
		drugRepo:     drugRepo,
		userRepo:     userRepo,
		alerts:       alerts,
		publisher:    publisher,
		logger:       log,
	}
}

// Create registers a movement request. Stock is only checked here as a
// courtesy; the binding check happens atomically at approval.
func (s *MovementService) Create(ctx context.Context, m *repository.Movement) (*repository.Movement, error) {
	a := actor.MustFromContext(ctx)
	m.CreatedBy = a.ID

	d, err := s.drugRepo.GetByID(ctx, m.DrugID)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return nil, errors.BadRequest("cannot move an inactive drug")
	}
	if m.FromLocation == m.ToLocation {
		return nil, errors.BadRequest("origin and destination must differ")
	}
	if m.Quantity > d.Quantity {
		return nil, errors.InsufficientStock(d.Name, m.Quantity, d.Quantity)
	}

	if m.Code == "" {
		m.Code = generateMovementCode()
	}
	m.DrugName = d.Name

	if err := s.movementRepo.Create(ctx, m, a.Name); err != nil {
		return nil, err
	}

	s.publisher.PublishMovementCreated(ctx, m)
	s.alerts.RaiseMovementAlert(ctx, m)

	return m, nil
}

func generateMovementCode() string {
	return fmt.Sprintf("MOV-%d", time.Now().UnixMilli())
}

// Get gets a movement with its scan history
func (s *MovementService) Get(ctx context.Context, id string) (*repository.Movement, error) {
	m, err := s.movementRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	scans, err := s.movementRepo.GetScans(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Scans = scans

	return m, nil
}

// List lists movements. Drivers only ever see their own assignments; the
// filter is forced rather than trusted from the query string.
func (s *MovementService) List(ctx context.Context, f repository.MovementFilter, page, perPage int) ([]*repository.Movement, int64, error) {
	if a := actor.FromContext(ctx); a != nil && a.Role == actor.RoleDriver {
		f.DriverID = a.ID
	}

	return s.movementRepo.List(ctx, f, page, perPage)
}

// driverOwns rejects drivers acting on movements not assigned to them.
// Other roles are scoped by route-level authorization alone.
func driverOwns(a *actor.Actor, m *repository.Movement) error {
	if a.Role != actor.RoleDriver {
		return nil
	}
	if m.DriverID == nil || *m.DriverID != a.ID {
		return errors.Forbidden("movement is not assigned to you")
	}
	return nil
}

// transitionScan builds the history entry every status change appends. A
// delivery is recorded at the destination, every other transition at the
// origin.
func transitionScan(m *repository.Movement, to, notes string, a *actor.Actor) *repository.ScanEntry {
	note := notes
	if note == "" {
		note = fmt.Sprintf("Status changed from %s to %s", m.Status, to)
	}

	location := m.FromLocation
	if to == repository.StatusDelivered {
		location = m.ToLocation
	}

	scan := &repository.ScanEntry{
		MovementID: m.ID,
		Location:   location,
		Note:       &note,
		ScannedBy:  a.ID,
	}
	if a.Name != "" {
		name := a.Name
		scan.ScannedByName = &name
	}
	return scan
}

// Transition moves a movement to a new status, enforcing the state machine
// and running the side effects of the target state. Every transition appends
// one scan-history entry in the same transaction as the status change.
func (s *MovementService) Transition(ctx context.Context, id, to, notes string) (*repository.Movement, error) {
	a := actor.MustFromContext(ctx)

	m, err := s.movementRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := driverOwns(a, m); err != nil {
		return nil, err
	}
	if !canTransition(m.Status, to) {
		return nil, errors.InvalidTransition(m.Status, to)
	}

	oldStatus := m.Status
	scan := transitionScan(m, to, notes, a)

	switch to {
	case repository.StatusApproved:
		if _, err := s.movementRepo.Approve(ctx, m, a.ID, scan); err != nil {
			return nil, err
		}
		m.ApprovedBy = &a.ID

	case repository.StatusCancelled:
		if err := s.movementRepo.Cancel(ctx, m, scan); err != nil {
			return nil, err
		}

	case repository.StatusDelivered:
		deliveredAt, err := s.movementRepo.Deliver(ctx, m, scan)
		if err != nil {
			return nil, err
		}
		m.ActualDelivery = &deliveredAt

	default:
		if err := s.movementRepo.UpdateStatusWithScan(ctx, id, m.Status, to, scan); err != nil {
			return nil, err
		}
	}

	m.Status = to
	s.publisher.PublishStatusChanged(ctx, m, oldStatus, a.ID)
	s.publisher.PublishMovementUpdated(ctx, m.ID, map[string]any{"status": to})

	// Approval is the moment stock actually leaves the source, so rerun
	// detection on the drug.
	if to == repository.StatusApproved || to == repository.StatusCancelled {
		if d, err := s.drugRepo.GetByID(ctx, m.DrugID); err == nil {
			d.ComputeDerived(time.Now())
			s.alerts.DetectForDrug(ctx, d)
			s.alerts.ResolveCleared(ctx, d)
		}
	}

	return m, nil
}

// Scan records a checkpoint scan. Scanning an approved movement promotes it
// to in transit: the first checkpoint read means the goods are moving. Any
// other non-terminal status keeps its state and just gains the history entry.
func (s *MovementService) Scan(ctx context.Context, id, location, note string, coordinates *string) (*repository.Movement, error) {
	a := actor.MustFromContext(ctx)

	m, err := s.movementRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := driverOwns(a, m); err != nil {
		return nil, err
	}
	if m.IsTerminal() {
		return nil, errors.Conflict("cannot scan a " + m.Status + " movement")
	}

	if m.Status == repository.StatusApproved {
		if err := s.movementRepo.UpdateStatus(ctx, id, repository.StatusApproved, repository.StatusInTransit); err != nil {
			return nil, err
		}
		oldStatus := m.Status
		m.Status = repository.StatusInTransit
		s.publisher.PublishStatusChanged(ctx, m, oldStatus, a.ID)
	}

	scan := &repository.ScanEntry{
		MovementID:  m.ID,
		Location:    location,
		Coordinates: coordinates,
		ScannedBy:   a.ID,
	}
	if note != "" {
		scan.Note = &note
	}
	if a.Name != "" {
		name := a.Name
		scan.ScannedByName = &name
	}

	if err := s.movementRepo.AppendScan(ctx, scan); err != nil {
		return nil, err
	}

	s.publisher.PublishMovementScanned(ctx, m, scan)

	m.Scans, err = s.movementRepo.GetScans(ctx, id)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// AssignDriver assigns a driver to an active movement. The driver must be a
// known user with the driver role.
func (s *MovementService) AssignDriver(ctx context.Context, id, driverID string, vehicle *string) (*repository.Movement, error) {
	a := actor.MustFromContext(ctx)

	driver, err := s.userRepo.GetByID(ctx, driverID)
	if err != nil {
		return nil, errors.BadRequest("driver not found")
	}
	if driver.Role != actor.RoleDriver {
		return nil, errors.BadRequest(driver.Name + " is not a driver")
	}

	if err := s.movementRepo.AssignDriver(ctx, id, driverID, vehicle); err != nil {
		return nil, err
	}

	m, err := s.movementRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"driver_id": driverID}
	if vehicle != nil {
		fields["vehicle"] = *vehicle
	}
	s.publisher.PublishMovementUpdated(ctx, m.ID, fields)
	s.publisher.PublishMovementAssigned(ctx, m, driverID, a.ID)
	return m, nil
}

// Stats summarizes movements by status
func (s *MovementService) Stats(ctx context.Context) (*repository.MovementStats, error) {
	return s.movementRepo.Stats(ctx)
}
