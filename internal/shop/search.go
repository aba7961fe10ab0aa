package shop

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zombor/repair-desk/internal/scanning"
)

// recentWindow is how far back "new" and "recent" reach on the dashboard,
// and how long a follow-up may wait before it is flagged
const recentWindow = 24 * time.Hour

// phoneQuery matches search text that can only be a phone number
var phoneQuery = regexp.MustCompile(`^[\d\s()+.\-]+$`)

// WorkOrderFilter narrows a work order search. Zero fields match everything.
type WorkOrderFilter struct {
	CustomerID int64
	Status     string
	Priority   string
	// Query matches the technician, notes, scan code or device fields
	Query string
	// Since and Until bound the creation time, inclusive
	Since time.Time
	Until time.Time
}

func (f WorkOrderFilter) matches(w *WorkOrder) bool {
	if f.CustomerID != 0 && w.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && !strings.EqualFold(w.Status, f.Status) {
		return false
	}
	if f.Priority != "" && !strings.EqualFold(w.Priority, f.Priority) {
		return false
	}
	if !f.Since.IsZero() && w.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && w.CreatedAt.After(f.Until) {
		return false
	}
	return f.Query == "" || containsFold(f.Query,
		w.Technician, w.Notes, w.ScanCode, w.DeviceType, w.DeviceManufacturer)
}

func containsFold(query string, fields ...string) bool {
	query = strings.ToLower(query)
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

// SearchCustomers returns customers whose name, address, phone or email
// contains query, ignoring case. Phone-only queries compare digits, so
// "(555) 123" finds 5551234567. An empty query returns every customer.
func (s *Service) SearchCustomers(query string) ([]*Customer, error) {
	customers, err := s.ListCustomers()
	if err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return customers, nil
	}

	var digits string
	if phoneQuery.MatchString(query) {
		digits = scanning.NormalizePhone(query)
	}

	found := make([]*Customer, 0)
	for _, c := range customers {
		if digits != "" && strings.Contains(scanning.NormalizePhone(c.Phone), digits) {
			found = append(found, c)
			continue
		}
		if containsFold(query,
			c.FirstName, c.LastName, c.FirstName+" "+c.LastName,
			c.Street, c.City, c.State, c.ZipCode, c.Phone, c.Email, c.Barcode) {
			found = append(found, c)
		}
	}
	return found, nil
}

// SearchWorkOrders returns the work orders matching filter ordered by ID
func (s *Service) SearchWorkOrders(filter WorkOrderFilter) ([]*WorkOrder, error) {
	workOrders, err := s.db.ListWorkOrders()
	if err != nil {
		return nil, fmt.Errorf("listing work orders: %w", err)
	}

	filter.Status = strings.TrimSpace(filter.Status)
	filter.Priority = strings.TrimSpace(filter.Priority)
	filter.Query = strings.TrimSpace(filter.Query)

	found := make([]*WorkOrder, 0, len(workOrders))
	for _, w := range workOrders {
		if filter.matches(w) {
			found = append(found, w)
		}
	}
	return found, nil
}

// newestFirst orders work orders by creation time, newest first
func newestFirst(workOrders []*WorkOrder) {
	sort.SliceStable(workOrders, func(i, j int) bool {
		if workOrders[i].CreatedAt.Equal(workOrders[j].CreatedAt) {
			return workOrders[i].ID > workOrders[j].ID
		}
		return workOrders[i].CreatedAt.After(workOrders[j].CreatedAt)
	})
}

// CustomerHistory returns a customer's work orders, newest first
func (s *Service) CustomerHistory(customerID int64) ([]*WorkOrder, error) {
	if _, err := s.GetCustomer(customerID); err != nil {
		return nil, err
	}

	workOrders, err := s.SearchWorkOrders(WorkOrderFilter{CustomerID: customerID})
	if err != nil {
		return nil, err
	}
	newestFirst(workOrders)
	return workOrders, nil
}

// AddCustomerNote adds a dated note to a customer's history
func (s *Service) AddCustomerNote(customerID int64, text string) (*CustomerNote, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: note is empty", ErrInvalid)
	}

	note := &CustomerNote{
		CustomerID: customerID,
		Note:       text,
		CreatedAt:  s.timeSource.Now(),
	}
	if err := s.db.AddCustomerNote(note); err != nil {
		return nil, fmt.Errorf("saving customer note: %w", err)
	}
	return note, nil
}

// ListCustomerNotes returns a customer's notes, newest first
func (s *Service) ListCustomerNotes(customerID int64) ([]*CustomerNote, error) {
	if _, err := s.GetCustomer(customerID); err != nil {
		return nil, err
	}

	notes, err := s.db.ListCustomerNotes(customerID)
	if err != nil {
		return nil, fmt.Errorf("listing customer notes: %w", err)
	}
	sort.SliceStable(notes, func(i, j int) bool {
		if notes[i].CreatedAt.Equal(notes[j].CreatedAt) {
			return notes[i].ID > notes[j].ID
		}
		return notes[i].CreatedAt.After(notes[j].CreatedAt)
	})
	return notes, nil
}

// WorkOrderMetrics counts work orders for the dashboard
type WorkOrderMetrics struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	New    int `json:"new"`
}

// CustomerMetrics counts customers for the dashboard
type CustomerMetrics struct {
	Total int `json:"total"`
	New   int `json:"new"`
}

// Notification flags a work order that needs the front desk's attention
type Notification struct {
	WorkOrderID int64     `json:"work_order_id"`
	CustomerID  int64     `json:"customer_id,omitempty"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Dashboard summarizes the shop's current workload
type Dashboard struct {
	WorkOrders    WorkOrderMetrics `json:"work_orders"`
	Customers     CustomerMetrics  `json:"customers"`
	Recent        []*WorkOrder     `json:"recent_work_orders"`
	Notifications []Notification   `json:"notifications"`
}

// Dashboard builds the metrics, recent work orders and notifications.
// "New" and "recent" mean created within the last day.
func (s *Service) Dashboard() (*Dashboard, error) {
	now := s.timeSource.Now()
	since := now.Add(-recentWindow)

	workOrders, err := s.SearchWorkOrders(WorkOrderFilter{})
	if err != nil {
		return nil, err
	}
	customers, err := s.ListCustomers()
	if err != nil {
		return nil, err
	}

	dash := &Dashboard{
		Recent:        make([]*WorkOrder, 0),
		Notifications: make([]Notification, 0),
	}

	dash.Customers.Total = len(customers)
	for _, c := range customers {
		if !c.CreatedAt.Before(since) {
			dash.Customers.New++
		}
	}

	dash.WorkOrders.Total = len(workOrders)
	for _, w := range workOrders {
		if w.Status != StatusClosed {
			dash.WorkOrders.Active++
		}
		if !w.CreatedAt.Before(since) {
			dash.WorkOrders.New++
			dash.Recent = append(dash.Recent, w)
		}

		switch {
		case w.Status == StatusOverdue:
			dash.Notifications = append(dash.Notifications, Notification{
				WorkOrderID: w.ID,
				CustomerID:  w.CustomerID,
				Status:      w.Status,
				Message:     fmt.Sprintf("Work order %d is overdue", w.ID),
				CreatedAt:   w.CreatedAt,
			})
		case w.Status == StatusPendingFollowUp && !w.CreatedAt.After(since):
			dash.Notifications = append(dash.Notifications, Notification{
				WorkOrderID: w.ID,
				CustomerID:  w.CustomerID,
				Status:      w.Status,
				Message:     fmt.Sprintf("Work order %d is waiting on a customer follow-up", w.ID),
				CreatedAt:   w.CreatedAt,
			})
		}
	}
	newestFirst(dash.Recent)

	return dash, nil
}
