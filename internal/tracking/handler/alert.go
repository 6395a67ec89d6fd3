package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/service"
	"github.com/pharmatrack/pharmatrack-backend/pkg/actor"
	"github.com/pharmatrack/pharmatrack-backend/pkg/httputil"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
)

// AlertHandler handles alert endpoints
type AlertHandler struct {
	service *service.AlertService
	logger  *logger.Logger
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(svc *service.AlertService, log *logger.Logger) *AlertHandler {
	return &AlertHandler{
		service: svc,
		logger:  log,
	}
}

// CreateAlertRequest is an operator-authored alert
type CreateAlertRequest struct {
	Title       string   `json:"title" validate:"required,max=255"`
	Message     string   `json:"message" validate:"required,max=1000"`
	Type        string   `json:"type" validate:"omitempty,oneof=delivery_delay reorder system"`
	Severity    string   `json:"severity" validate:"omitempty,oneof=info warning critical"`
	DrugID      *string  `json:"drug_id,omitempty" validate:"omitempty,uuid"`
	TargetRoles []string `json:"target_roles,omitempty" validate:"omitempty,dive,oneof=admin warehouse pharmacist driver"`
}

// List lists alerts visible to the caller's role
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	a := actor.MustFromContext(r.Context())
	page, perPage := pagination(r)

	filter := repository.AlertFilter{
		Role:           a.Role,
		Type:           r.URL.Query().Get("type"),
		Severity:       r.URL.Query().Get("severity"),
		UnresolvedOnly: r.URL.Query().Get("unresolved") == "true",
		UnreadOnly:     r.URL.Query().Get("unread") == "true",
	}

	alerts, total, err := h.service.List(r.Context(), filter, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, alerts, httputil.NewMeta(page, perPage, total))
}

// Get gets a single alert
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	alert, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, alert)
}

// UnreadCount counts unread alerts for the caller's role
func (h *AlertHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	a := actor.MustFromContext(r.Context())

	count, err := h.service.UnreadCount(r.Context(), a.Role)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]int{"unread": count})
}

// Create raises a manual alert
func (h *AlertHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAlertRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	alert := &repository.Alert{
		Title:       req.Title,
		Message:     req.Message,
		Type:        req.Type,
		Severity:    req.Severity,
		DrugID:      req.DrugID,
		TargetRoles: req.TargetRoles,
	}

	created, err := h.service.CreateManual(r.Context(), alert)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, created)
}

// MarkRead marks one alert as read
func (h *AlertHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}

// MarkAllRead marks every alert targeting the caller's role as read
func (h *AlertHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	a := actor.MustFromContext(r.Context())

	affected, err := h.service.MarkAllRead(r.Context(), a.Role)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]int64{"marked": affected})
}

// Resolve resolves an alert
func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Resolve(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}
