package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/service"
	"github.com/pharmatrack/pharmatrack-backend/pkg/errors"
	"github.com/pharmatrack/pharmatrack-backend/pkg/httputil"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
)

const dateLayout = "2006-01-02"

// DrugHandler handles drug endpoints
type DrugHandler struct {
	service *service.DrugService
	logger  *logger.Logger
}

// NewDrugHandler creates a new drug handler
func NewDrugHandler(svc *service.DrugService, log *logger.Logger) *DrugHandler {
	return &DrugHandler{
		service: svc,
		logger:  log,
	}
}

// CreateDrugRequest is the payload for registering a drug batch
type CreateDrugRequest struct {
	Code             string  `json:"code" validate:"required,max=50"`
	Name             string  `json:"name" validate:"required,max=255"`
	GenericName      *string `json:"generic_name,omitempty"`
	Category         string  `json:"category" validate:"required,oneof=antibiotic analgesic antiviral vaccine insulin cardiac respiratory other"`
	BatchNo          string  `json:"batch_no" validate:"required,max=100"`
	Quantity         int     `json:"quantity" validate:"min=0"`
	Unit             string  `json:"unit" validate:"required,oneof=tablet capsule vial ampoule bottle box strip"`
	MinThreshold     int     `json:"min_threshold" validate:"min=0"`
	MaxThreshold     int     `json:"max_threshold" validate:"min=0"`
	ManufactureDate  *string `json:"manufacture_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate       string  `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	Manufacturer     *string `json:"manufacturer,omitempty"`
	Supplier         *string `json:"supplier,omitempty"`
	Location         string  `json:"location" validate:"required,oneof=central-warehouse city-hospital district-pharmacy mobile-unit"`
	StorageCondition string  `json:"storage_condition" validate:"omitempty,oneof=room-temperature refrigerated frozen controlled"`
	Price            float64 `json:"price" validate:"min=0"`
	Description      *string `json:"description,omitempty"`
}

// UpdateDrugRequest is a partial drug update
type UpdateDrugRequest struct {
	Name             *string  `json:"name,omitempty" validate:"omitempty,max=255"`
	GenericName      *string  `json:"generic_name,omitempty"`
	Category         *string  `json:"category,omitempty" validate:"omitempty,oneof=antibiotic analgesic antiviral vaccine insulin cardiac respiratory other"`
	BatchNo          *string  `json:"batch_no,omitempty" validate:"omitempty,max=100"`
	Quantity         *int     `json:"quantity,omitempty" validate:"omitempty,min=0"`
	Unit             *string  `json:"unit,omitempty" validate:"omitempty,oneof=tablet capsule vial ampoule bottle box strip"`
	MinThreshold     *int     `json:"min_threshold,omitempty" validate:"omitempty,min=0"`
	MaxThreshold     *int     `json:"max_threshold,omitempty" validate:"omitempty,min=0"`
	ManufactureDate  *string  `json:"manufacture_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate       *string  `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Manufacturer     *string  `json:"manufacturer,omitempty"`
	Supplier         *string  `json:"supplier,omitempty"`
	Location         *string  `json:"location,omitempty" validate:"omitempty,oneof=central-warehouse city-hospital district-pharmacy mobile-unit"`
	StorageCondition *string  `json:"storage_condition,omitempty" validate:"omitempty,oneof=room-temperature refrigerated frozen controlled"`
	Price            *float64 `json:"price,omitempty" validate:"omitempty,min=0"`
	Description      *string  `json:"description,omitempty"`
}

// List lists drugs
func (h *DrugHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)

	filter := repository.DrugFilter{
		Category: r.URL.Query().Get("category"),
		Location: r.URL.Query().Get("location"),
		Search:   r.URL.Query().Get("search"),
		SortBy:   r.URL.Query().Get("sort_by"),
		SortDesc: r.URL.Query().Get("sort_dir") == "desc",
	}

	drugs, total, err := h.service.List(r.Context(), filter, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, drugs, httputil.NewMeta(page, perPage, total))
}

// Get gets a drug by ID
func (h *DrugHandler) Get(w http.ResponseWriter, r *http.Request) {
	drug, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drug)
}

// GetByQR resolves a scanned drug label
func (h *DrugHandler) GetByQR(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	batchNo := r.URL.Query().Get("batch_no")
	if code == "" || batchNo == "" {
		httputil.Error(w, errors.BadRequest("code and batch_no query parameters are required"))
		return
	}

	drug, err := h.service.GetByQR(r.Context(), code, batchNo)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drug)
}

// Create registers a new drug batch
func (h *DrugHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDrugRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	expiry, err := time.Parse(dateLayout, req.ExpiryDate)
	if err != nil {
		httputil.Error(w, errors.BadRequest("invalid expiry_date"))
		return
	}

	drug := &repository.Drug{
		Code:             req.Code,
		Name:             req.Name,
		GenericName:      req.GenericName,
		Category:         req.Category,
		BatchNo:          req.BatchNo,
		Quantity:         req.Quantity,
		Unit:             req.Unit,
		MinThreshold:     req.MinThreshold,
		MaxThreshold:     req.MaxThreshold,
		ExpiryDate:       expiry,
		Manufacturer:     req.Manufacturer,
		Supplier:         req.Supplier,
		Location:         req.Location,
		StorageCondition: req.StorageCondition,
		Price:            req.Price,
		Description:      req.Description,
	}
	if req.ManufactureDate != nil {
		manufactured, err := parseDate(*req.ManufactureDate)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		drug.ManufactureDate = &manufactured
	}

	created, err := h.service.Create(r.Context(), drug)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, created)
}

// Update applies a partial drug update
func (h *DrugHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateDrugRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(req); err != nil {
		httputil.Error(w, err)
		return
	}

	input := service.UpdateDrugInput{
		Name:             req.Name,
		GenericName:      req.GenericName,
		Category:         req.Category,
		BatchNo:          req.BatchNo,
		Quantity:         req.Quantity,
		Unit:             req.Unit,
		MinThreshold:     req.MinThreshold,
		MaxThreshold:     req.MaxThreshold,
		Manufacturer:     req.Manufacturer,
		Supplier:         req.Supplier,
		Location:         req.Location,
		StorageCondition: req.StorageCondition,
		Price:            req.Price,
		Description:      req.Description,
	}
	if req.ExpiryDate != nil {
		expiry, err := time.Parse(dateLayout, *req.ExpiryDate)
		if err != nil {
			httputil.Error(w, errors.BadRequest("invalid expiry_date"))
			return
		}
		input.ExpiryDate = &expiry
	}
	if req.ManufactureDate != nil {
		manufactured, err := parseDate(*req.ManufactureDate)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		input.ManufactureDate = &manufactured
	}

	drug, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drug)
}

// RegenerateQR re-renders the drug's QR label
func (h *DrugHandler) RegenerateQR(w http.ResponseWriter, r *http.Request) {
	drug, err := h.service.RegenerateQR(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drug)
}

// Delete deactivates a drug
func (h *DrugHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.NoContent(w)
}

// LowStock lists drugs at or below threshold
func (h *DrugHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	drugs, err := h.service.LowStock(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drugs)
}

// Expiring lists drugs expiring within the configured window
func (h *DrugHandler) Expiring(w http.ResponseWriter, r *http.Request) {
	drugs, err := h.service.Expiring(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, drugs)
}

// Stats summarizes the active inventory
func (h *DrugHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, stats)
}

// parseDate parses a YYYY-MM-DD value from a request body or query string
func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, errors.BadRequest("invalid date, expected YYYY-MM-DD")
	}
	return t, nil
}

// pagination reads page/per_page query parameters with defaults
func pagination(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	return page, perPage
}
