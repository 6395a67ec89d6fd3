package service

import (
	"context"
	"time"

	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/events"
	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/pkg/actor"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
	"github.com/pharmatrack/pharmatrack-backend/pkg/qr"
)

// UpdateDrugInput carries a partial drug update. Nil fields are left unchanged.
type UpdateDrugInput struct {
	Name             *string
	GenericName      *string
	Category         *string
	BatchNo          *string
	Quantity         *int
	Unit             *string
	MinThreshold     *int
	MaxThreshold     *int
	ManufactureDate  *time.Time
	ExpiryDate       *time.Time
	Manufacturer     *string
	Supplier         *string
	Location         *string
	StorageCondition *string
	Price            *float64
	Description      *string
}

// DrugService manages drug records and their QR labels
type DrugService struct {
	drugRepo  *repository.DrugRepository
	alerts    *AlertService
	publisher *events.TrackingEventPublisher
	logger    *logger.Logger

	expiryWindowDays int
}

// NewDrugService creates a new drug service
func NewDrugService(
	drugRepo *repository.DrugRepository,
	alerts *AlertService,
	publisher *events.TrackingEventPublisher,
	expiryWindowDays int,
	log *logger.Logger,
) *DrugService {
	return &DrugService{
		drugRepo:         drugRepo,
		alerts:           alerts,
		publisher:        publisher,
		logger:           log,
		expiryWindowDays: expiryWindowDays,
	}
}

// Create registers a drug batch, renders its QR label and runs alert
// detection so a batch created already low or near expiry alerts immediately.
func (s *DrugService) Create(ctx context.Context, d *repository.Drug) (*repository.Drug, error) {
	if a := actor.FromContext(ctx); a != nil {
		d.CreatedBy = &a.ID
	}

	if err := s.drugRepo.Create(ctx, d); err != nil {
		return nil, err
	}

	// The label payload includes the generated ID, so render after insert.
	// A failed render leaves the record usable; the label can be
	// regenerated on demand.
	s.refreshQR(ctx, d)

	d.ComputeDerived(time.Now())
	s.publisher.PublishDrugCreated(ctx, d)
	s.alerts.DetectForDrug(ctx, d)

	return d, nil
}

func (s *DrugService) refreshQR(ctx context.Context, d *repository.Drug) {
	label, err := qr.EncodeDrug(qr.DrugPayload{
		DrugID:     d.ID,
		Name:       d.Name,
		BatchNo:    d.BatchNo,
		ExpiryDate: qr.FormatExpiry(d.ExpiryDate),
		Location:   d.Location,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("drug_id", d.ID).Msg("failed to render QR label")
		return
	}

	if err := s.drugRepo.SetQRCode(ctx, d.ID, label); err != nil {
		s.logger.Error().Err(err).Str("drug_id", d.ID).Msg("failed to store QR label")
		return
	}

	d.QRCode = &label
}

// Get gets a drug with derived fields computed
func (s *DrugService) Get(ctx context.Context, id string) (*repository.Drug, error) {
	d, err := s.drugRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	d.ComputeDerived(time.Now())
	return d, nil
}

// GetByQR resolves a scanned drug label to its record
func (s *DrugService) GetByQR(ctx context.Context, code, batchNo string) (*repository.Drug, error) {
	d, err := s.drugRepo.GetByCodeAndBatch(ctx, code, batchNo)
	if err != nil {
		return nil, err
	}

	d.ComputeDerived(time.Now())
	return d, nil
}

// List lists drugs with derived fields computed
func (s *DrugService) List(ctx context.Context, f repository.DrugFilter, page, perPage int) ([]*repository.Drug, int64, error) {
	drugs, total, err := s.drugRepo.List(ctx, f, page, perPage)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now()
	for _, d := range drugs {
		d.ComputeDerived(now)
	}

	return drugs, total, nil
}

// Update applies a partial update. Changes that affect stock or expiry rerun
// alert detection immediately, and clear alerts whose condition no longer holds.
func (s *DrugService) Update(ctx context.Context, id string, in UpdateDrugInput) (*repository.Drug, error) {
	d, err := s.drugRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	apply := func(name string, dst *string, v *string) {
		if v != nil && *v != *dst {
			*dst = *v
			fields[name] = *v
		}
	}
	applyOpt := func(name string, dst **string, v *string) {
		if v != nil {
			*dst = v
			fields[name] = *v
		}
	}

	apply("name", &d.Name, in.Name)
	applyOpt("generic_name", &d.GenericName, in.GenericName)
	apply("category", &d.Category, in.Category)
	apply("batch_no", &d.BatchNo, in.BatchNo)
	apply("unit", &d.Unit, in.Unit)
	apply("location", &d.Location, in.Location)
	apply("storage_condition", &d.StorageCondition, in.StorageCondition)
	applyOpt("manufacturer", &d.Manufacturer, in.Manufacturer)
	applyOpt("supplier", &d.Supplier, in.Supplier)
	applyOpt("description", &d.Description, in.Description)

	if in.Quantity != nil && *in.Quantity != d.Quantity {
		d.Quantity = *in.Quantity
		fields["quantity"] = *in.Quantity
	}
	if in.MinThreshold != nil && *in.MinThreshold != d.MinThreshold {
		d.MinThreshold = *in.MinThreshold
		fields["min_threshold"] = *in.MinThreshold
	}
	if in.MaxThreshold != nil && *in.MaxThreshold != d.MaxThreshold {
		d.MaxThreshold = *in.MaxThreshold
		fields["max_threshold"] = *in.MaxThreshold
	}
	if in.ManufactureDate != nil {
		d.ManufactureDate = in.ManufactureDate
		fields["manufacture_date"] = in.ManufactureDate.Format("2006-01-02")
	}
	if in.ExpiryDate != nil && !in.ExpiryDate.Equal(d.ExpiryDate) {
		d.ExpiryDate = *in.ExpiryDate
		fields["expiry_date"] = in.ExpiryDate.Format("2006-01-02")
	}
	if in.Price != nil && *in.Price != d.Price {
		d.Price = *in.Price
		fields["price"] = *in.Price
	}

	if len(fields) == 0 {
		d.ComputeDerived(time.Now())
		return d, nil
	}

	if err := s.drugRepo.Update(ctx, d); err != nil {
		return nil, err
	}

	d.ComputeDerived(time.Now())
	s.publisher.PublishDrugUpdated(ctx, d.ID, fields)

	_, stockChanged := fields["quantity"]
	_, thresholdChanged := fields["min_threshold"]
	_, expiryChanged := fields["expiry_date"]
	if stockChanged || thresholdChanged || expiryChanged {
		s.alerts.DetectForDrug(ctx, d)
		s.alerts.ResolveCleared(ctx, d)
	}

	// Label content changed, refresh it
	_, batchChanged := fields["batch_no"]
	_, nameChanged := fields["name"]
	_, locationChanged := fields["location"]
	if batchChanged || nameChanged || locationChanged || expiryChanged {
		s.refreshQR(ctx, d)
	}

	return d, nil
}

// RegenerateQR re-renders and stores the drug's QR label
func (s *DrugService) RegenerateQR(ctx context.Context, id string) (*repository.Drug, error) {
	d, err := s.drugRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.refreshQR(ctx, d)
	d.ComputeDerived(time.Now())
	return d, nil
}

// Delete deactivates a drug record. The row is kept so movement history
// stays resolvable.
func (s *DrugService) Delete(ctx context.Context, id string) error {
	d, err := s.drugRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.drugRepo.Deactivate(ctx, id); err != nil {
		return err
	}

	s.publisher.PublishDrugDeleted(ctx, d.ID, d.Code)
	return nil
}

// LowStock lists drugs at or below their minimum threshold
func (s *DrugService) LowStock(ctx context.Context) ([]*repository.Drug, error) {
	drugs, err := s.drugRepo.LowStock(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, d := range drugs {
		d.ComputeDerived(now)
	}

	return drugs, nil
}

// Expiring lists drugs expiring within the configured window
func (s *DrugService) Expiring(ctx context.Context) ([]*repository.Drug, error) {
	drugs, err := s.drugRepo.Expiring(ctx, s.expiryWindowDays)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, d := range drugs {
		d.ComputeDerived(now)
	}

	return drugs, nil
}

// Stats summarizes the active inventory
func (s *DrugService) Stats(ctx context.Context) (*repository.InventoryStats, error) {
	return s.drugRepo.Stats(ctx, s.expiryWindowDays)
}
