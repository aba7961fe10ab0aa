package shop

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/repair-desk/internal/resolution"
	"github.com/zombor/repair-desk/internal/scanning"
)

const (
	customerBucketName       = "customers"
	workOrderBucketName      = "work_orders"
	attachmentBucketName     = "attachments"
	customerNoteBucketName   = "customer_notes"
	customerBarcodeIndexName = "customer_barcodes"
	workOrderCodeIndexName   = "work_order_codes"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a barcode or scan code is already taken
	ErrDuplicate = errors.New("already in use")
)

// DB defines the interface for database operations
type DB interface {
	resolution.Lookups

	// SaveCustomer inserts or updates a customer, assigning an ID when it has none
	SaveCustomer(customer *Customer) error

	// GetCustomer retrieves a customer by ID
	GetCustomer(id int64) (*Customer, error)

	// ListCustomers returns all customers ordered by ID
	ListCustomers() ([]*Customer, error)

	// DeleteCustomer removes a customer and its notes. It fails with
	// ErrInvalid while work orders still reference the customer.
	DeleteCustomer(id int64) error

	// AddCustomerNote appends a note to an existing customer's history
	AddCustomerNote(note *CustomerNote) error

	// ListCustomerNotes returns a customer's notes ordered by ID
	ListCustomerNotes(customerID int64) ([]*CustomerNote, error)

	// SaveWorkOrder inserts or updates a work order, assigning an ID when it
	// has none. A customer ID that does not exist fails with ErrInvalid.
	SaveWorkOrder(workOrder *WorkOrder) error

	// GetWorkOrder retrieves a work order by ID
	GetWorkOrder(id int64) (*WorkOrder, error)

	// ListWorkOrders returns all work orders ordered by ID
	ListWorkOrders() ([]*WorkOrder, error)

	// DeleteWorkOrder removes a work order
	DeleteWorkOrder(id int64) error

	SaveAttachment(attachment *Attachment) error
	GetAttachment(id string) (*Attachment, error)
	ListAttachments(workOrderID int64) ([]*Attachment, error)
	DeleteAttachment(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{
			customerBucketName,
			workOrderBucketName,
			attachmentBucketName,
			customerNoteBucketName,
			customerBarcodeIndexName,
			workOrderCodeIndexName,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// itob encodes an id as a big-endian key so buckets iterate in id order
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// putIndex moves a unique secondary index entry from oldKey to newKey
func putIndex(index *bbolt.Bucket, oldKey, newKey string, id int64) error {
	if newKey != "" {
		if owner := index.Get([]byte(newKey)); owner != nil && btoi(owner) != id {
			return fmt.Errorf("%q: %w", newKey, ErrDuplicate)
		}
	}
	if oldKey != "" && oldKey != newKey {
		if err := index.Delete([]byte(oldKey)); err != nil {
			return err
		}
	}
	if newKey == "" {
		return nil
	}
	return index.Put([]byte(newKey), itob(id))
}

// SaveCustomer saves a customer and its barcode index entry
func (b *BoltDB) SaveCustomer(customer *Customer) error {
	isNew := customer.ID == 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(customerBucketName))

		var oldBarcode string
		if customer.ID == 0 {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating customer id: %w", err)
			}
			customer.ID = int64(seq)
		} else if data := bucket.Get(itob(customer.ID)); data != nil {
			var existing Customer
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("unmarshaling customer: %w", err)
			}
			oldBarcode = existing.Barcode
		}

		if err := putIndex(tx.Bucket([]byte(customerBarcodeIndexName)), oldBarcode, customer.Barcode, customer.ID); err != nil {
			return fmt.Errorf("indexing customer barcode: %w", err)
		}

		data, err := json.Marshal(customer)
		if err != nil {
			return fmt.Errorf("marshaling customer: %w", err)
		}
		return bucket.Put(itob(customer.ID), data)
	})
	if err != nil && isNew {
		// the transaction rolled back, so the sequence did too
		customer.ID = 0
	}
	return err
}

func getCustomer(tx *bbolt.Tx, id int64) (*Customer, error) {
	data := tx.Bucket([]byte(customerBucketName)).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("customer %d: %w", id, ErrNotFound)
	}
	var customer Customer
	if err := json.Unmarshal(data, &customer); err != nil {
		return nil, fmt.Errorf("unmarshaling customer: %w", err)
	}
	return &customer, nil
}

// GetCustomer retrieves a customer by ID
func (b *BoltDB) GetCustomer(id int64) (*Customer, error) {
	var customer *Customer
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		customer, err = getCustomer(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return customer, nil
}

// forEachCustomer walks customers in id order until fn returns false
func forEachCustomer(tx *bbolt.Tx, fn func(*Customer) bool) error {
	c := tx.Bucket([]byte(customerBucketName)).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var customer Customer
		if err := json.Unmarshal(v, &customer); err != nil {
			return fmt.Errorf("unmarshaling customer: %w", err)
		}
		if !fn(&customer) {
			return nil
		}
	}
	return nil
}

// ListCustomers returns all customers
func (b *BoltDB) ListCustomers() ([]*Customer, error) {
	customers := make([]*Customer, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return forEachCustomer(tx, func(c *Customer) bool {
			customers = append(customers, c)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return customers, nil
}

// DeleteCustomer removes a customer, its notes and its barcode index entry
func (b *BoltDB) DeleteCustomer(id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		customer, err := getCustomer(tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var workOrders int
		err = tx.Bucket([]byte(workOrderBucketName)).ForEach(func(k, v []byte) error {
			var workOrder WorkOrder
			if err := json.Unmarshal(v, &workOrder); err != nil {
				return fmt.Errorf("unmarshaling work order: %w", err)
			}
			if workOrder.CustomerID == id {
				workOrders++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if workOrders > 0 {
			return fmt.Errorf("%w: customer %d still has %d work orders", ErrInvalid, id, workOrders)
		}

		notes := tx.Bucket([]byte(customerNoteBucketName))
		var noteKeys [][]byte
		err = notes.ForEach(func(k, v []byte) error {
			var note CustomerNote
			if err := json.Unmarshal(v, &note); err != nil {
				return fmt.Errorf("unmarshaling customer note: %w", err)
			}
			if note.CustomerID == id {
				noteKeys = append(noteKeys, k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// keys are deleted after the walk; bbolt cursors do not survive deletes
		for _, k := range noteKeys {
			if err := notes.Delete(k); err != nil {
				return err
			}
		}

		if customer.Barcode != "" {
			if err := tx.Bucket([]byte(customerBarcodeIndexName)).Delete([]byte(customer.Barcode)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(customerBucketName)).Delete(itob(id))
	})
}

// AddCustomerNote saves a note for an existing customer
func (b *BoltDB) AddCustomerNote(note *CustomerNote) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getCustomer(tx, note.CustomerID); err != nil {
			return err
		}

		bucket := tx.Bucket([]byte(customerNoteBucketName))
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating note id: %w", err)
		}
		note.ID = int64(seq)

		data, err := json.Marshal(note)
		if err != nil {
			return fmt.Errorf("marshaling customer note: %w", err)
		}
		return bucket.Put(itob(note.ID), data)
	})
	if err != nil {
		note.ID = 0
	}
	return err
}

// ListCustomerNotes returns one customer's notes
func (b *BoltDB) ListCustomerNotes(customerID int64) ([]*CustomerNote, error) {
	notes := make([]*CustomerNote, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(customerNoteBucketName)).ForEach(func(k, v []byte) error {
			var note CustomerNote
			if err := json.Unmarshal(v, &note); err != nil {
				return fmt.Errorf("unmarshaling customer note: %w", err)
			}
			if note.CustomerID == customerID {
				notes = append(notes, &note)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return notes, nil
}

// SaveWorkOrder saves a work order and its scan code index entry
func (b *BoltDB) SaveWorkOrder(workOrder *WorkOrder) error {
	isNew := workOrder.ID == 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if workOrder.CustomerID != 0 {
			_, err := getCustomer(tx, workOrder.CustomerID)
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: customer %d does not exist", ErrInvalid, workOrder.CustomerID)
			}
			if err != nil {
				return err
			}
		}

		bucket := tx.Bucket([]byte(workOrderBucketName))

		var oldCode string
		if workOrder.ID == 0 {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating work order id: %w", err)
			}
			workOrder.ID = int64(seq)
		} else if data := bucket.Get(itob(workOrder.ID)); data != nil {
			var existing WorkOrder
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("unmarshaling work order: %w", err)
			}
			oldCode = existing.ScanCode
		}

		if err := putIndex(tx.Bucket([]byte(workOrderCodeIndexName)), oldCode, workOrder.ScanCode, workOrder.ID); err != nil {
			return fmt.Errorf("indexing work order scan code: %w", err)
		}

		data, err := json.Marshal(workOrder)
		if err != nil {
			return fmt.Errorf("marshaling work order: %w", err)
		}
		return bucket.Put(itob(workOrder.ID), data)
	})
	if err != nil && isNew {
		// the transaction rolled back, so the sequence did too
		workOrder.ID = 0
	}
	return err
}

func getWorkOrder(tx *bbolt.Tx, id int64) (*WorkOrder, error) {
	data := tx.Bucket([]byte(workOrderBucketName)).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("work order %d: %w", id, ErrNotFound)
	}
	var workOrder WorkOrder
	if err := json.Unmarshal(data, &workOrder); err != nil {
		return nil, fmt.Errorf("unmarshaling work order: %w", err)
	}
	return &workOrder, nil
}

// GetWorkOrder retrieves a work order by ID
func (b *BoltDB) GetWorkOrder(id int64) (*WorkOrder, error) {
	var workOrder *WorkOrder
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		workOrder, err = getWorkOrder(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return workOrder, nil
}

// ListWorkOrders returns all work orders
func (b *BoltDB) ListWorkOrders() ([]*WorkOrder, error) {
	workOrders := make([]*WorkOrder, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(workOrderBucketName)).ForEach(func(k, v []byte) error {
			var workOrder WorkOrder
			if err := json.Unmarshal(v, &workOrder); err != nil {
				return fmt.Errorf("unmarshaling work order: %w", err)
			}
			workOrders = append(workOrders, &workOrder)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return workOrders, nil
}

// DeleteWorkOrder removes a work order and its scan code index entry
func (b *BoltDB) DeleteWorkOrder(id int64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		workOrder, err := getWorkOrder(tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if workOrder.ScanCode != "" {
			if err := tx.Bucket([]byte(workOrderCodeIndexName)).Delete([]byte(workOrder.ScanCode)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(workOrderBucketName)).Delete(itob(id))
	})
}

// SaveAttachment saves attachment metadata
func (b *BoltDB) SaveAttachment(attachment *Attachment) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(attachment)
		if err != nil {
			return fmt.Errorf("marshaling attachment: %w", err)
		}
		return tx.Bucket([]byte(attachmentBucketName)).Put([]byte(attachment.ID), data)
	})
}

// GetAttachment retrieves attachment metadata by ID
func (b *BoltDB) GetAttachment(id string) (*Attachment, error) {
	var attachment *Attachment
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(attachmentBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("attachment %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &attachment)
	})
	if err != nil {
		return nil, err
	}
	return attachment, nil
}

// ListAttachments returns the attachments of one work order
func (b *BoltDB) ListAttachments(workOrderID int64) ([]*Attachment, error) {
	attachments := make([]*Attachment, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(attachmentBucketName)).ForEach(func(k, v []byte) error {
			var attachment Attachment
			if err := json.Unmarshal(v, &attachment); err != nil {
				return fmt.Errorf("unmarshaling attachment: %w", err)
			}
			if attachment.WorkOrderID == workOrderID {
				attachments = append(attachments, &attachment)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return attachments, nil
}

// DeleteAttachment removes attachment metadata
func (b *BoltDB) DeleteAttachment(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(attachmentBucketName)).Delete([]byte(id))
	})
}

// FindWorkOrderByCodeOrNumber matches the scan code index first, then the
// code read as a numeric id
func (b *BoltDB) FindWorkOrderByCodeOrNumber(ctx context.Context, code string) (resolution.WorkOrderRef, bool, error) {
	var (
		ref   resolution.WorkOrderRef
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		id, byCode := int64(0), false
		if code != "" {
			if v := tx.Bucket([]byte(workOrderCodeIndexName)).Get([]byte(code)); v != nil {
				id, byCode = btoi(v), true
			}
		}
		if !byCode {
			n, ok := scanning.WorkOrderNumber(code)
			if !ok {
				return nil
			}
			id = n
		}

		workOrder, err := getWorkOrder(tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ref = resolution.WorkOrderRef{ID: workOrder.ID, CustomerID: workOrder.CustomerID}
		found = true
		return nil
	})
	if err != nil {
		return resolution.WorkOrderRef{}, false, err
	}
	return ref, found, nil
}

// FindCustomerByBarcode looks a customer up through the barcode index
func (b *BoltDB) FindCustomerByBarcode(ctx context.Context, barcode string) (int64, bool, error) {
	if barcode == "" {
		return 0, false, nil
	}
	var (
		id    int64
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(customerBarcodeIndexName)).Get([]byte(barcode)); v != nil {
			id, found = btoi(v), true
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

// FindCustomerByContact matches phone digits anywhere in a customer's
// stored number, and only if no phone matches, the email ignoring case
func (b *BoltDB) FindCustomerByContact(ctx context.Context, phoneDigits, email string) (int64, bool, error) {
	email = strings.TrimSpace(email)
	if phoneDigits == "" && email == "" {
		return 0, false, nil
	}

	var (
		id    int64
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		if phoneDigits != "" {
			err := forEachCustomer(tx, func(c *Customer) bool {
				if strings.Contains(scanning.NormalizePhone(c.Phone), phoneDigits) {
					id, found = c.ID, true
				}
				return !found
			})
			if err != nil || found {
				return err
			}
		}
		if email != "" {
			return forEachCustomer(tx, func(c *Customer) bool {
				if strings.EqualFold(strings.TrimSpace(c.Email), email) {
					id, found = c.ID, true
				}
				return !found
			})
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

// FindCustomerByName matches first and last name ignoring case
func (b *BoltDB) FindCustomerByName(ctx context.Context, first, last string) (int64, bool, error) {
	var (
		id    int64
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return forEachCustomer(tx, func(c *Customer) bool {
			if strings.EqualFold(c.FirstName, first) && strings.EqualFold(c.LastName, last) {
				id, found = c.ID, true
			}
			return !found
		})
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
