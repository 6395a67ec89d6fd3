package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/service"
	"github.com/pharmatrack/pharmatrack-backend/pkg/actor"
	"github.com/pharmatrack/pharmatrack-backend/pkg/authz"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
	"github.com/pharmatrack/pharmatrack-backend/pkg/httputil"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
)

// MovementHandler handles movement endpoints
type MovementHandler struct {
	service *service.MovementService
	logger  *logger.Logger
}

// NewMovementHandler creates a new movement handler
func NewMovementHandler(svc *service.MovementService, log *logger.Logger) *MovementHandler {
	return &MovementHandler{
		service: svc,
		logger:  log,
	}
}

// CreateMovementRequest is the payload for requesting a transfer
type CreateMovementRequest struct {
	DrugID            string  `json:"drug_id" validate:"required,uuid"`
	Quantity          int     `json:"quantity" validate:"required,gt=0"`
	FromLocation      string  `json:"from_location" validate:"required,oneof=central-warehouse city-hospital district-pharmacy mobile-unit"`
	ToLocation        string  `json:"to_location" validate:"required,oneof=central-warehouse city-hospital district-pharmacy mobile-unit"`
	Priority          string  `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	DriverID          *string `json:"driver_id,omitempty" validate:"omitempty,uuid"`
	Notes             *string `json:"notes,omitempty"`
	EstimatedDelivery *string `json:"estimated_delivery,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// TransitionRequest carries the target status and an optional note for the
// scan-history entry the transition appends
type TransitionRequest struct {
	Status string `json:"status" validate:"required,oneof=pending approved in_transit delivered cancelled"`
	Notes  string `json:"notes" validate:"omitempty,max=500"`
}

// ScanRequest records a checkpoint scan
type ScanRequest struct {
	Location    string  `json:"location" validate:"required,max=255"`
	Note        string  `json:"note" validate:"omitempty,max=500"`
	Coordinates *string `json:"coordinates,omitempty" validate:"omitempty,max=100"`
}

// AssignDriverRequest assigns a driver to a movement
type AssignDriverRequest struct {
	DriverID string  `json:"driver_id" validate:"required,uuid"`
	Vehicle  *string `json:"vehicle" validate:"omitempty,max=50"`
}

// List lists movements
func (h *MovementHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)

	filter := repository.MovementFilter{
		Status:   r.URL.Query().Get("status"),
		Priority: r.URL.Query().Get("priority"),
		DrugID:   r.URL.Query().Get("drug_id"),
		DriverID: r.URL.Query().Get("driver_id"),
	}

	movements, total, err := h.service.List(r.Context(), filter, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, movements, httputil.NewMeta(page, perPage, total))
}

// Get gets a movement with its scan history
func (h *MovementHandler) Get(w http.ResponseWriter, r *http.Request) {
	movement, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movement)
}

// Create requests a new transfer
func (h *MovementHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateMovementRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = repository.PriorityNormal
	}

	movement := &repository.Movement{
		DrugID:       req.DrugID,
		Quantity:     req.Quantity,
		FromLocation: req.FromLocation,
		ToLocation:   req.ToLocation,
		Priority:     priority,
		DriverID:     req.DriverID,
		Notes:        req.Notes,
	}
	if req.EstimatedDelivery != nil {
		est, err := parseDate(*req.EstimatedDelivery)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		movement.EstimatedDelivery = &est
	}

	created, err := h.service.Create(r.Context(), movement)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, created)
}

// transitionOps maps a target status to the operation that authorizes it.
// Authorization depends on where the movement is going, not just that the
// route was reached, so the check lives here rather than on the route.
var transitionOps = map[string]authz.Operation{
	repository.StatusApproved:  authz.OpMovementApprove,
	repository.StatusInTransit: authz.OpMovementScan,
	repository.StatusDelivered: authz.OpMovementDeliver,
	repository.StatusCancelled: authz.OpMovementCancel,
}

// Transition moves a movement to a new status
func (h *MovementHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	op, ok := transitionOps[req.Status]
	if !ok {
		httputil.Error(w, errors.BadRequest("cannot transition a movement back to pending"))
		return
	}
	if err := authz.Check(actor.FromContext(r.Context()), op); err != nil {
		httputil.Error(w, err)
		return
	}

	movement, err := h.service.Transition(r.Context(), chi.URLParam(r, "id"), req.Status, req.Notes)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movement)
}

// Scan records a checkpoint scan
func (h *MovementHandler) Scan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	movement, err := h.service.Scan(r.Context(), chi.URLParam(r, "id"), req.Location, req.Note, req.Coordinates)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movement)
}

// AssignDriver assigns a driver to a movement
func (h *MovementHandler) AssignDriver(w http.ResponseWriter, r *http.Request) {
	var req AssignDriverRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	movement, err := h.service.AssignDriver(r.Context(), chi.URLParam(r, "id"), req.DriverID, req.Vehicle)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, movement)
}

// Stats summarizes movements by status
func (h *MovementHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, stats)
}
