package handler

import (
	"net/http"
	"time"

	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/service"
	"github.com/pharmatrack/pharmatrack-backend/pkg/actor"
	"github.com/pharmatrack/pharmatrack-backend/pkg/httputil"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
)

// ReportHandler handles report endpoints
type ReportHandler struct {
	service *service.ReportService
	logger  *logger.Logger
}

// NewReportHandler creates a new report handler
func NewReportHandler(svc *service.ReportService, log *logger.Logger) *ReportHandler {
	return &ReportHandler{
		service: svc,
		logger:  log,
	}
}

// Inventory builds the inventory report
func (h *ReportHandler) Inventory(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Inventory(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}

// dateRange reads from/to query params, defaulting to the last 30 days.
func dateRange(r *http.Request) (time.Time, time.Time, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -30)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return from, to, err
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return from, to, err
		}
		// Inclusive end date
		to = t.AddDate(0, 0, 1)
	}

	return from, to, nil
}

// Movements builds the movement report. Defaults to the last 30 days when no
// range is given.
func (h *ReportHandler) Movements(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	report, err := h.service.Movements(r.Context(), from, to)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}

// Consumption lists delivered quantities per drug over a date range
func (h *ReportHandler) Consumption(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	report, err := h.service.Consumption(r.Context(), from, to)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}

// Expiry buckets the active inventory by time to expiry
func (h *ReportHandler) Expiry(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Expiry(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}

// Dashboard builds the landing-page summary for the caller's role
func (h *ReportHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	a := actor.MustFromContext(r.Context())

	dashboard, err := h.service.DashboardFor(r.Context(), a.Role)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, dashboard)
}
