package shop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/repair-desk/internal/resolution"
	"github.com/zombor/repair-desk/internal/scanning"
)

var (
	// ErrInvalid is returned when a request fails validation
	ErrInvalid = errors.New("invalid request")
	// ErrNoLabelReader is returned by ScanImage when no reader is configured
	ErrNoLabelReader = errors.New("image scanning is not configured")
)

// IDGenerator generates unique IDs for attachments
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// ScanResponse is what a scan resolved to
type ScanResponse struct {
	Raw     string            `json:"raw"`
	Payload scanning.Payload  `json:"payload"`
	Result  resolution.Result `json:"result"`
}

// Service handles customer, work order and scan operations
type Service struct {
	db          DB
	resolver    *resolution.Resolver
	reader      scanning.LabelReader
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a Service that keeps records in db and resolves scans
// against the same db. reader may be nil, which disables image scans.
func NewService(db DB, reader scanning.LabelReader, storage Storage) *Service {
	return NewServiceWithDeps(db, reader, storage, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a Service with custom dependencies
func NewServiceWithDeps(db DB, reader scanning.LabelReader, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		resolver:    resolution.New(db),
		reader:      reader,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Scan parses a raw scan and resolves it to the record the operator should see
func (s *Service) Scan(ctx context.Context, raw string) (*ScanResponse, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty scan", ErrInvalid)
	}

	payload := scanning.Parse(raw)
	result, err := s.resolver.Resolve(ctx, payload, raw)
	if err != nil {
		slog.Error("Failed to resolve scan", "raw", raw, "kind", payload.Kind, "error", err)
		return nil, fmt.Errorf("resolving scan: %w", err)
	}

	slog.Info("Scan resolved",
		"kind", payload.Kind,
		"action", result.Action,
		"work_order_id", result.WorkOrderID,
		"customer_id", result.CustomerID,
	)

	return &ScanResponse{Raw: raw, Payload: payload, Result: result}, nil
}

// ScanImage reads the label in a photo or PDF and resolves it like a typed scan
func (s *Service) ScanImage(ctx context.Context, data []byte, contentType string) (*ScanResponse, error) {
	if s.reader == nil {
		return nil, ErrNoLabelReader
	}

	raw, err := s.reader.ReadLabel(data, contentType)
	if err != nil {
		slog.Error("Failed to read label",
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		return nil, fmt.Errorf("reading label: %w", err)
	}

	return s.Scan(ctx, raw)
}

// CreateFromScan turns an unmatched or partially matched scan into records.
// A new customer is created from the payload unless customerID is set; a work
// order is always created from the device fields. A customer created here is
// removed again when the work order cannot be saved.
func (s *Service) CreateFromScan(customerID int64, payload scanning.Payload) (*Customer, *WorkOrder, error) {
	var (
		customer *Customer
		err      error
	)
	if customerID != 0 {
		customer, err = s.GetCustomer(customerID)
		if err != nil {
			return nil, nil, err
		}
	} else {
		customer, err = s.CreateCustomer(&Customer{
			FirstName: payload.FirstName,
			LastName:  payload.LastName,
			Phone:     scanning.NormalizePhone(payload.PhoneDigits),
			Email:     payload.Email,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	workOrder, err := s.CreateWorkOrder(&WorkOrder{
		CustomerID:         customer.ID,
		ScanCode:           payload.WorkOrderCode,
		DeviceType:         payload.DeviceType,
		DeviceManufacturer: payload.DeviceManufacturer,
	})
	if err != nil {
		if customerID == 0 {
			if delErr := s.db.DeleteCustomer(customer.ID); delErr != nil {
				slog.Error("Failed to remove customer after work order failed",
					"customer_id", customer.ID,
					"error", delErr,
				)
			}
		}
		return nil, nil, err
	}
	return customer, workOrder, nil
}

func validateCustomer(c *Customer) error {
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Email = strings.TrimSpace(c.Email)
	c.Barcode = strings.TrimSpace(c.Barcode)
	if c.FirstName == "" && c.LastName == "" {
		return fmt.Errorf("%w: customer needs a first or last name", ErrInvalid)
	}
	return nil
}

// CreateCustomer saves a new customer
func (s *Service) CreateCustomer(customer *Customer) (*Customer, error) {
	if err := validateCustomer(customer); err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	customer.ID = 0
	customer.CreatedAt = now
	customer.UpdatedAt = now

	if err := s.db.SaveCustomer(customer); err != nil {
		return nil, fmt.Errorf("saving customer: %w", err)
	}
	return customer, nil
}

// UpdateCustomer replaces an existing customer's fields
func (s *Service) UpdateCustomer(id int64, customer *Customer) (*Customer, error) {
	existing, err := s.db.GetCustomer(id)
	if err != nil {
		return nil, fmt.Errorf("getting customer: %w", err)
	}
	if err := validateCustomer(customer); err != nil {
		return nil, err
	}

	customer.ID = id
	customer.CreatedAt = existing.CreatedAt
	customer.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveCustomer(customer); err != nil {
		return nil, fmt.Errorf("saving customer: %w", err)
	}
	return customer, nil
}

// GetCustomer retrieves a customer by ID
func (s *Service) GetCustomer(id int64) (*Customer, error) {
	customer, err := s.db.GetCustomer(id)
	if err != nil {
		return nil, fmt.Errorf("getting customer: %w", err)
	}
	return customer, nil
}

// ListCustomers returns all customers
func (s *Service) ListCustomers() ([]*Customer, error) {
	customers, err := s.db.ListCustomers()
	if err != nil {
		return nil, fmt.Errorf("listing customers: %w", err)
	}
	return customers, nil
}

// DeleteCustomer removes a customer that has no work orders, along with
// its notes
func (s *Service) DeleteCustomer(id int64) error {
	if _, err := s.db.GetCustomer(id); err != nil {
		return fmt.Errorf("getting customer for deletion: %w", err)
	}

	if err := s.db.DeleteCustomer(id); err != nil {
		return fmt.Errorf("deleting customer from database: %w", err)
	}
	return nil
}

// validateWorkOrder normalizes a work order. The customer reference is
// checked by the DB in the same transaction as the write.
func validateWorkOrder(w *WorkOrder) {
	w.ScanCode = strings.TrimSpace(w.ScanCode)
	w.Status = strings.TrimSpace(w.Status)
	if w.Status == "" {
		w.Status = StatusOpen
	}
}

// CreateWorkOrder saves a new work order
func (s *Service) CreateWorkOrder(workOrder *WorkOrder) (*WorkOrder, error) {
	validateWorkOrder(workOrder)

	now := s.timeSource.Now()
	workOrder.ID = 0
	workOrder.CreatedAt = now
	workOrder.UpdatedAt = now

	if err := s.db.SaveWorkOrder(workOrder); err != nil {
		return nil, fmt.Errorf("saving work order: %w", err)
	}
	return workOrder, nil
}

// UpdateWorkOrder replaces an existing work order's fields
func (s *Service) UpdateWorkOrder(id int64, workOrder *WorkOrder) (*WorkOrder, error) {
	existing, err := s.db.GetWorkOrder(id)
	if err != nil {
		return nil, fmt.Errorf("getting work order: %w", err)
	}
	validateWorkOrder(workOrder)

	workOrder.ID = id
	workOrder.CreatedAt = existing.CreatedAt
	workOrder.UpdatedAt = s.timeSource.Now()

	if err := s.db.SaveWorkOrder(workOrder); err != nil {
		return nil, fmt.Errorf("saving work order: %w", err)
	}
	return workOrder, nil
}

// GetWorkOrder retrieves a work order by ID
func (s *Service) GetWorkOrder(id int64) (*WorkOrder, error) {
	workOrder, err := s.db.GetWorkOrder(id)
	if err != nil {
		return nil, fmt.Errorf("getting work order: %w", err)
	}
	return workOrder, nil
}

// DeleteWorkOrder removes a work order and its attachments
func (s *Service) DeleteWorkOrder(id int64) error {
	if _, err := s.db.GetWorkOrder(id); err != nil {
		return fmt.Errorf("getting work order for deletion: %w", err)
	}

	attachments, err := s.db.ListAttachments(id)
	if err != nil {
		return fmt.Errorf("listing attachments: %w", err)
	}
	for _, a := range attachments {
		if err := s.storage.Delete(a.FilePath); err != nil {
			// Log error but continue with database deletion
			slog.Warn("Failed to delete attachment file", "path", a.FilePath, "error", err)
		}
		if err := s.db.DeleteAttachment(a.ID); err != nil {
			return fmt.Errorf("deleting attachment %s: %w", a.ID, err)
		}
	}

	if err := s.db.DeleteWorkOrder(id); err != nil {
		return fmt.Errorf("deleting work order from database: %w", err)
	}
	return nil
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename strips special characters and truncates long phone-generated names
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(unsafeFilenameChars.ReplaceAllString(filepath.Ext(filename), ""))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(repeatedSpaces.ReplaceAllString(base, " "))

	const maxLen = 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "attachment"
	}
	if ext != "" {
		return base + "." + ext
	}
	return base
}

// AttachFile stores a file against a work order
func (s *Service) AttachFile(workOrderID int64, filename string, data []byte, contentType string) (*Attachment, error) {
	if _, err := s.db.GetWorkOrder(workOrderID); err != nil {
		return nil, fmt.Errorf("getting work order: %w", err)
	}

	id := s.idGenerator.Generate()
	cleanName := sanitizeFilename(filename)
	path := filepath.Join(strconv.FormatInt(workOrderID, 10), fmt.Sprintf("%s_%s", id, cleanName))

	savedPath, err := s.storage.Save(path, data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	attachment := &Attachment{
		ID:          id,
		WorkOrderID: workOrderID,
		FileName:    cleanName,
		FilePath:    savedPath,
		ContentType: contentType,
		Size:        len(data),
		CreatedAt:   s.timeSource.Now(),
	}
	if err := s.db.SaveAttachment(attachment); err != nil {
		// Clean up file if database save fails
		s.storage.Delete(savedPath)
		return nil, fmt.Errorf("saving attachment to database: %w", err)
	}
	return attachment, nil
}

// ListAttachments returns the attachments of a work order
func (s *Service) ListAttachments(workOrderID int64) ([]*Attachment, error) {
	attachments, err := s.db.ListAttachments(workOrderID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	return attachments, nil
}

// GetAttachmentFile retrieves an attachment's data and metadata
func (s *Service) GetAttachmentFile(id string) ([]byte, *Attachment, error) {
	attachment, err := s.db.GetAttachment(id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting attachment: %w", err)
	}

	data, err := s.storage.Get(attachment.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("getting attachment file: %w", err)
	}
	return data, attachment, nil
}
