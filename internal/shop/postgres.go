package shop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zombor/repair-desk/internal/resolution"
	"github.com/zombor/repair-desk/internal/scanning"
)

// Empty barcodes and scan codes are stored as NULL so the unique
// constraints only apply to real values.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS customers (
	id         BIGSERIAL PRIMARY KEY,
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	barcode    TEXT UNIQUE,
	street     TEXT NOT NULL DEFAULT '',
	city       TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT '',
	zip_code   TEXT NOT NULL DEFAULT '',
	notes      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS work_orders (
	id                  BIGSERIAL PRIMARY KEY,
	customer_id         BIGINT REFERENCES customers(id),
	scan_code           TEXT UNIQUE,
	device_type         TEXT NOT NULL DEFAULT '',
	device_manufacturer TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	priority            TEXT NOT NULL DEFAULT '',
	technician          TEXT NOT NULL DEFAULT '',
	notes               TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS attachments (
	id            TEXT PRIMARY KEY,
	work_order_id BIGINT NOT NULL REFERENCES work_orders(id) ON DELETE CASCADE,
	file_name     TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	size          BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS customer_notes (
	id          BIGSERIAL PRIMARY KEY,
	customer_id BIGINT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
	note        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);`

const (
	customerColumns  = `id, first_name, last_name, phone, email, COALESCE(barcode, ''), street, city, state, zip_code, notes, created_at, updated_at`
	workOrderColumns = `id, COALESCE(customer_id, 0), COALESCE(scan_code, ''), device_type, device_manufacturer, status, priority, technician, notes, created_at, updated_at`

	insertCustomerSQL = `INSERT INTO customers (first_name, last_name, phone, email, barcode, street, city, state, zip_code, notes, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5::text, ''), $6, $7, $8, $9, $10, $11, $12) RETURNING id`
	updateCustomerSQL = `UPDATE customers SET first_name = $2, last_name = $3, phone = $4, email = $5, barcode = NULLIF($6::text, ''),
street = $7, city = $8, state = $9, zip_code = $10, notes = $11, created_at = $12, updated_at = $13 WHERE id = $1`
	getCustomerSQL    = `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`
	listCustomersSQL  = `SELECT ` + customerColumns + ` FROM customers ORDER BY id`
	deleteCustomerSQL = `DELETE FROM customers WHERE id = $1`

	insertNoteSQL = `INSERT INTO customer_notes (customer_id, note, created_at) VALUES ($1, $2, $3) RETURNING id`
	listNotesSQL  = `SELECT id, customer_id, note, created_at FROM customer_notes WHERE customer_id = $1 ORDER BY id`

	insertWorkOrderSQL = `INSERT INTO work_orders (customer_id, scan_code, device_type, device_manufacturer, status, priority, technician, notes, created_at, updated_at)
VALUES (NULLIF($1::bigint, 0), NULLIF($2::text, ''), $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
	updateWorkOrderSQL = `UPDATE work_orders SET customer_id = NULLIF($2::bigint, 0), scan_code = NULLIF($3::text, ''), device_type = $4,
device_manufacturer = $5, status = $6, priority = $7, technician = $8, notes = $9, created_at = $10, updated_at = $11 WHERE id = $1`
	getWorkOrderSQL    = `SELECT ` + workOrderColumns + ` FROM work_orders WHERE id = $1`
	listWorkOrdersSQL  = `SELECT ` + workOrderColumns + ` FROM work_orders ORDER BY id`
	deleteWorkOrderSQL = `DELETE FROM work_orders WHERE id = $1`

	saveAttachmentSQL = `INSERT INTO attachments (id, work_order_id, file_name, file_path, content_type, size, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET work_order_id = EXCLUDED.work_order_id, file_name = EXCLUDED.file_name,
file_path = EXCLUDED.file_path, content_type = EXCLUDED.content_type, size = EXCLUDED.size, created_at = EXCLUDED.created_at`
	getAttachmentSQL    = `SELECT id, work_order_id, file_name, file_path, content_type, size, created_at FROM attachments WHERE id = $1`
	listAttachmentsSQL  = `SELECT id, work_order_id, file_name, file_path, content_type, size, created_at FROM attachments WHERE work_order_id = $1 ORDER BY created_at, id`
	deleteAttachmentSQL = `DELETE FROM attachments WHERE id = $1`

	workOrderByScanCodeSQL = `SELECT id, COALESCE(customer_id, 0) FROM work_orders WHERE scan_code = $1 LIMIT 1`
	workOrderByIDSQL       = `SELECT id, COALESCE(customer_id, 0) FROM work_orders WHERE id = $1 LIMIT 1`
	customerByBarcodeSQL   = `SELECT id FROM customers WHERE barcode = $1 LIMIT 1`
	customerByPhoneSQL     = `SELECT id FROM customers WHERE strpos(regexp_replace(COALESCE(phone, ''), '\D', '', 'g'), $1) > 0 ORDER BY id LIMIT 1`
	customerByEmailSQL     = `SELECT id FROM customers WHERE lower(trim(email)) = lower($1) ORDER BY id LIMIT 1`
	customerByNameSQL      = `SELECT id FROM customers WHERE lower(first_name) = lower($1) AND lower(last_name) = lower($2) ORDER BY id LIMIT 1`
)

// Postgres error codes mapped onto the store's sentinels
const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

// queryTimeout bounds the record operations, which take no context
const queryTimeout = 10 * time.Second

// querier is the slice of pgxpool.Pool the store uses
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDB implements the DB interface on a Postgres connection pool.
// Records and scan lookups share the pool, so the ids a scan resolves to
// are the ids the record operations load.
type PostgresDB struct {
	db    querier
	close func()
}

// NewPostgresDB connects to Postgres, verifies the connection and creates
// any missing tables
func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	p := &PostgresDB{db: pool, close: pool.Close}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

func (p *PostgresDB) timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), queryTimeout)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// storeError maps constraint violations onto ErrDuplicate and ErrInvalid
func storeError(err error) error {
	switch pgErrorCode(err) {
	case uniqueViolation:
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case foreignKeyViolation:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	default:
		return err
	}
}

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Phone, &c.Email, &c.Barcode,
		&c.Street, &c.City, &c.State, &c.ZipCode, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanWorkOrder(row pgx.Row) (*WorkOrder, error) {
	var w WorkOrder
	err := row.Scan(&w.ID, &w.CustomerID, &w.ScanCode, &w.DeviceType, &w.DeviceManufacturer,
		&w.Status, &w.Priority, &w.Technician, &w.Notes, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanAttachment(row pgx.Row) (*Attachment, error) {
	var a Attachment
	err := row.Scan(&a.ID, &a.WorkOrderID, &a.FileName, &a.FilePath, &a.ContentType, &a.Size, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanNote(row pgx.Row) (*CustomerNote, error) {
	var n CustomerNote
	if err := row.Scan(&n.ID, &n.CustomerID, &n.Note, &n.CreatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

// collect runs a query and scans every row with scan
func collect[T any](ctx context.Context, db querier, scan func(pgx.Row) (*T, error), sql string, args ...any) ([]*T, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*T, 0)
	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// SaveCustomer inserts a customer without an ID and updates one with an ID
func (p *PostgresDB) SaveCustomer(customer *Customer) error {
	ctx, cancel := p.timeout()
	defer cancel()

	if customer.ID == 0 {
		err := p.db.QueryRow(ctx, insertCustomerSQL,
			customer.FirstName, customer.LastName, customer.Phone, customer.Email, customer.Barcode,
			customer.Street, customer.City, customer.State, customer.ZipCode, customer.Notes,
			customer.CreatedAt, customer.UpdatedAt,
		).Scan(&customer.ID)
		if err != nil {
			customer.ID = 0
			return fmt.Errorf("inserting customer: %w", storeError(err))
		}
		return nil
	}

	tag, err := p.db.Exec(ctx, updateCustomerSQL,
		customer.ID, customer.FirstName, customer.LastName, customer.Phone, customer.Email, customer.Barcode,
		customer.Street, customer.City, customer.State, customer.ZipCode, customer.Notes,
		customer.CreatedAt, customer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating customer: %w", storeError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("customer %d: %w", customer.ID, ErrNotFound)
	}
	return nil
}

// GetCustomer retrieves a customer by ID
func (p *PostgresDB) GetCustomer(id int64) (*Customer, error) {
	ctx, cancel := p.timeout()
	defer cancel()

	customer, err := scanCustomer(p.db.QueryRow(ctx, getCustomerSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}
	return customer, nil
}

// ListCustomers returns all customers ordered by ID
func (p *PostgresDB) ListCustomers() ([]*Customer, error) {
	ctx, cancel := p.timeout()
	defer cancel()

	customers, err := collect(ctx, p.db, scanCustomer, listCustomersSQL)
	if err != nil {
		return nil, fmt.Errorf("querying customers: %w", err)
	}
	return customers, nil
}

// DeleteCustomer removes a customer; its notes go with it. The work order
// foreign key refuses the delete while work orders reference the customer.
func (p *PostgresDB) DeleteCustomer(id int64) error {
	ctx, cancel := p.timeout()
	defer cancel()

	if _, err := p.db.Exec(ctx, deleteCustomerSQL, id); err != nil {
		if pgErrorCode(err) == foreignKeyViolation {
			return fmt.Errorf("%w: customer %d still has work orders", ErrInvalid, id)
		}
		return fmt.Errorf("deleting customer: %w", err)
	}
	return nil
}

// AddCustomerNote saves a note for an existing customer
func (p *PostgresDB) AddCustomerNote(note *CustomerNote) error {
	ctx, cancel := p.timeout()
	defer cancel()

	err := p.db.QueryRow(ctx, insertNoteSQL, note.CustomerID, note.Note, note.CreatedAt).Scan(&note.ID)
	if pgErrorCode(err) == foreignKeyViolation {
		note.ID = 0
		return fmt.Errorf("customer %d: %w", note.CustomerID, ErrNotFound)
	}
	if err != nil {
		note.ID = 0
		return fmt.Errorf("inserting customer note: %w", err)
	}
	return nil
}

// ListCustomerNotes returns one customer's notes
func (p *PostgresDB) ListCustomerNotes(customerID int64) ([]*CustomerNote, error) {
	ctx, cancel := p.timeout()
	defer cancel()

	notes, err := collect(ctx, p.db, scanNote, listNotesSQL, customerID)
	if err != nil {
		return nil, fmt.Errorf("querying customer notes: %w", err)
	}
	return notes, nil
}

// SaveWorkOrder inserts a work order without an ID and updates one with an
// ID. The customer foreign key is checked by the same statement.
func (p *PostgresDB) SaveWorkOrder(workOrder *WorkOrder) error {
	ctx, cancel := p.timeout()
	defer cancel()

	if workOrder.ID == 0 {
		err := p.db.QueryRow(ctx, insertWorkOrderSQL,
			workOrder.CustomerID, workOrder.ScanCode, workOrder.DeviceType, workOrder.DeviceManufacturer,
			workOrder.Status, workOrder.Priority, workOrder.Technician, workOrder.Notes,
			workOrder.CreatedAt, workOrder.UpdatedAt,
		).Scan(&workOrder.ID)
		if err != nil {
			workOrder.ID = 0
			return fmt.Errorf("inserting work order: %w", storeError(err))
		}
		return nil
	}

	tag, err := p.db.Exec(ctx, updateWorkOrderSQL,
		workOrder.ID, workOrder.CustomerID, workOrder.ScanCode, workOrder.DeviceType, workOrder.DeviceManufacturer,
		workOrder.Status, workOrder.Priority, workOrder.Technician, workOrder.Notes,
		workOrder.CreatedAt, workOrder.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating work order: %w", storeError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work order %d: %w", workOrder.ID, ErrNotFound)
	}
	return nil
}

// GetWorkOrder retrieves a work order by ID
func (p *PostgresDB) GetWorkOrder(id int64) (*WorkOrder, error) {
	ctx, cancel := p.timeout()
	defer cancel()

	workOrder, err := scanWorkOrder(p.db.QueryRow(ctx, getWorkOrderSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("work order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying work order: %w", err)
	}
	return workOrder, nil
}

// ListWorkOrders returns all work orders ordered by ID
func (p *PostgresDB) ListWorkOrders() ([]*WorkOrder, error) {
	ctx, cancel := p.timeout()
	defer cancel()

	workOrders, err := collect(ctx, p.db, scanWorkOrder, listWorkOrdersSQL)
	if err != nil {
		return nil, fmt.Errorf("querying work orders: %w", err)
	}
	return workOrders, nil
}

// DeleteWorkOrder removes a work order
func (p *PostgresDB) DeleteWorkOrder(id int64) error {
	ctx, cancel := p.timeout()
	defer cancel()

	if _, err := p.db.Exec(ctx, deleteWorkOrderSQL, id); err != nil {
		return fmt.Errorf("deleting work order: %w", err)
	}
	return nil
}

// SaveAttachment inserts or replaces an attachment record
func (p *PostgresDB) SaveAttachment(attachment *Attachment) error {
	ctx, cancel := p.timeout()
	defer cancel()

	_, err := p.db.Exec(ctx, saveAttachmentSQL,
		attachment.ID, attachment.WorkOrderID, attachment.FileName, attachment.FilePath,
		attachment.ContentType, attachment.Size, attachment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving attachment: %w", storeError(err))
	}
	return nil
}

// GetAttachment retrieves an attachment by ID
func (p *PostgresDB) GetAttachment(id string) (*Attachment, error) {
	ctx, cancel := p.timeout()
	defer cancel()

	attachment, err := scanAttachment(p.db.QueryRow(ctx, getAttachmentSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying attachment: %w", err)
	}
	return attachment, nil
}

// ListAttachments returns a work order's attachments
func (p *PostgresDB) ListAttachments(workOrderID int64) ([]*Attachment, error) {
	ctx, cancel := p.timeout()
	defer cancel()

	attachments, err := collect(ctx, p.db, scanAttachment, listAttachmentsSQL, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	return attachments, nil
}

// DeleteAttachment removes an attachment record
func (p *PostgresDB) DeleteAttachment(id string) error {
	ctx, cancel := p.timeout()
	defer cancel()

	if _, err := p.db.Exec(ctx, deleteAttachmentSQL, id); err != nil {
		return fmt.Errorf("deleting attachment: %w", err)
	}
	return nil
}

// queryID runs a single-id query; a missing row is a miss, not an error
func (p *PostgresDB) queryID(ctx context.Context, sql string, args ...any) (int64, bool, error) {
	var id int64
	err := p.db.QueryRow(ctx, sql, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (p *PostgresDB) queryWorkOrder(ctx context.Context, sql string, arg any) (resolution.WorkOrderRef, bool, error) {
	var ref resolution.WorkOrderRef
	err := p.db.QueryRow(ctx, sql, arg).Scan(&ref.ID, &ref.CustomerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return resolution.WorkOrderRef{}, false, nil
	}
	if err != nil {
		return resolution.WorkOrderRef{}, false, err
	}
	return ref, true, nil
}

// FindWorkOrderByCodeOrNumber tries the scan_code column, then the id
func (p *PostgresDB) FindWorkOrderByCodeOrNumber(ctx context.Context, code string) (resolution.WorkOrderRef, bool, error) {
	if code != "" {
		ref, found, err := p.queryWorkOrder(ctx, workOrderByScanCodeSQL, code)
		if err != nil {
			return resolution.WorkOrderRef{}, false, fmt.Errorf("querying work order by scan code: %w", err)
		}
		if found {
			return ref, true, nil
		}
	}

	n, ok := scanning.WorkOrderNumber(code)
	if !ok {
		return resolution.WorkOrderRef{}, false, nil
	}
	ref, found, err := p.queryWorkOrder(ctx, workOrderByIDSQL, n)
	if err != nil {
		return resolution.WorkOrderRef{}, false, fmt.Errorf("querying work order by id: %w", err)
	}
	return ref, found, nil
}

// FindCustomerByBarcode matches the barcode column exactly
func (p *PostgresDB) FindCustomerByBarcode(ctx context.Context, barcode string) (int64, bool, error) {
	if barcode == "" {
		return 0, false, nil
	}
	id, found, err := p.queryID(ctx, customerByBarcodeSQL, barcode)
	if err != nil {
		return 0, false, fmt.Errorf("querying customer by barcode: %w", err)
	}
	return id, found, nil
}

// FindCustomerByContact tries the phone digits, then the trimmed email
func (p *PostgresDB) FindCustomerByContact(ctx context.Context, phoneDigits, email string) (int64, bool, error) {
	if phoneDigits != "" {
		id, found, err := p.queryID(ctx, customerByPhoneSQL, phoneDigits)
		if err != nil {
			return 0, false, fmt.Errorf("querying customer by phone: %w", err)
		}
		if found {
			return id, true, nil
		}
	}

	email = strings.TrimSpace(email)
	if email == "" {
		return 0, false, nil
	}
	id, found, err := p.queryID(ctx, customerByEmailSQL, email)
	if err != nil {
		return 0, false, fmt.Errorf("querying customer by email: %w", err)
	}
	return id, found, nil
}

// FindCustomerByName matches first and last name ignoring case
func (p *PostgresDB) FindCustomerByName(ctx context.Context, first, last string) (int64, bool, error) {
	id, found, err := p.queryID(ctx, customerByNameSQL, first, last)
	if err != nil {
		return 0, false, fmt.Errorf("querying customer by name: %w", err)
	}
	return id, found, nil
}

// Close releases the connection pool
func (p *PostgresDB) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}
