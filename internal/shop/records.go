package shop

import "time"

// Customer represents a shop customer
type Customer struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Barcode   string    `json:"barcode,omitempty"` // value printed on the customer card, e.g. CUST-00017
	Street    string    `json:"street,omitempty"`
	City      string    `json:"city,omitempty"`
	State     string    `json:"state,omitempty"`
	ZipCode   string    `json:"zip_code,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkOrder represents a repair job
type WorkOrder struct {
	ID                 int64     `json:"id"`
	CustomerID         int64     `json:"customer_id,omitempty"`
	ScanCode           string    `json:"scan_code,omitempty"` // value printed on the work order tag, e.g. WO-1042
	DeviceType         string    `json:"device_type,omitempty"`
	DeviceManufacturer string    `json:"device_manufacturer,omitempty"`
	Status             string    `json:"status"`
	Priority           string    `json:"priority,omitempty"`
	Technician         string    `json:"technician,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Attachment is a file stored against a work order
type Attachment struct {
	ID          string    `json:"id"`
	WorkOrderID int64     `json:"work_order_id"`
	FileName    string    `json:"file_name"`
	FilePath    string    `json:"file_path"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// CustomerNote is one dated entry in a customer's history
type CustomerNote struct {
	ID         int64     `json:"id"`
	CustomerID int64     `json:"customer_id"`
	Note       string    `json:"note"`
	CreatedAt  time.Time `json:"created_at"`
}

// Work order statuses. Anything other than Closed counts as active.
const (
	StatusOpen            = "Open"
	StatusInProgress      = "In Progress"
	StatusPendingFollowUp = "Pending Follow-Up"
	StatusOverdue         = "Overdue"
	StatusClosed          = "Closed"
)
