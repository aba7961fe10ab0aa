package shop

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/repair-desk/internal/scanning"
)

// maxUploadSize bounds label photos and attachments (phone photos run large)
const maxUploadSize = int64(50 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v as a JSON response
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// jsonError writes an error response with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, scanning.ErrNoLabel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNoLabelReader):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// serviceError logs unexpected failures and writes the mapped status
func serviceError(w http.ResponseWriter, action string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("Error "+action, "error", err)
		jsonError(w, "Internal server error", code)
		return
	}
	jsonError(w, err.Error(), code)
}

// pathID parses the {id} path segment as a record id
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, "Invalid ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// queryTime parses a since/until query parameter given as RFC 3339 or as a
// date. A bare until date covers the whole day.
func queryTime(r *http.Request, name string) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be a date or RFC 3339 time", ErrInvalid, name)
	}
	if name == "until" {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// readUpload reads the "file" field of a multipart form
func readUpload(w http.ResponseWriter, r *http.Request) (data []byte, filename, contentType string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			jsonError(w, "File is too large. Maximum size is 50MB.", http.StatusRequestEntityTooLarge)
			return nil, "", "", false
		}
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return nil, "", "", false
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "No file provided", http.StatusBadRequest)
		return nil, "", "", false
	}
	defer f.Close()

	data, err = io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return nil, "", "", false
	}

	return data, header.Filename, detectContentType(header.Header.Get("Content-Type"), header.Filename), true
}

// detectContentType falls back to the file extension when the client sent
// no usable type
func detectContentType(contentType, filename string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleIndex serves the scan box page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleScan resolves a typed or wedge-scanner scan
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Raw string `json:"raw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := s.service.Scan(r.Context(), req.Raw)
	if err != nil {
		serviceError(w, "resolving scan", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleScanImage resolves the label in an uploaded photo
func (s *Server) handleScanImage(w http.ResponseWriter, r *http.Request) {
	data, _, contentType, ok := readUpload(w, r)
	if !ok {
		return
	}

	resp, err := s.service.ScanImage(r.Context(), data, contentType)
	if err != nil {
		serviceError(w, "scanning label image", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCreateFromScan creates the records an operator confirmed after a scan
func (s *Server) handleCreateFromScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID int64            `json:"customer_id"`
		Prefill    scanning.Payload `json:"prefill"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	customer, workOrder, err := s.service.CreateFromScan(req.CustomerID, req.Prefill)
	if err != nil {
		serviceError(w, "creating records from scan", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"customer":   customer,
		"work_order": workOrder,
	})
}

// handleListCustomers returns all customers, or those matching ?q=
func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.service.SearchCustomers(r.URL.Query().Get("q"))
	if err != nil {
		serviceError(w, "listing customers", err)
		return
	}
	writeJSON(w, http.StatusOK, customers)
}

// handleCreateCustomer creates a customer
func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var customer Customer
	if err := json.NewDecoder(r.Body).Decode(&customer); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := s.service.CreateCustomer(&customer)
	if err != nil {
		serviceError(w, "creating customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleGetCustomer returns a single customer
func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	customer, err := s.service.GetCustomer(id)
	if err != nil {
		serviceError(w, "getting customer", err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

// handleUpdateCustomer replaces a customer
func (s *Server) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var customer Customer
	if err := json.NewDecoder(r.Body).Decode(&customer); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := s.service.UpdateCustomer(id, &customer)
	if err != nil {
		serviceError(w, "updating customer", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteCustomer deletes a customer
func (s *Server) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteCustomer(id); err != nil {
		serviceError(w, "deleting customer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCustomerHistory returns one customer's work orders, newest first
func (s *Server) handleCustomerHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	workOrders, err := s.service.CustomerHistory(id)
	if err != nil {
		serviceError(w, "getting customer history", err)
		return
	}
	writeJSON(w, http.StatusOK, workOrders)
}

// handleListCustomerNotes returns a customer's notes
func (s *Server) handleListCustomerNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	notes, err := s.service.ListCustomerNotes(id)
	if err != nil {
		serviceError(w, "listing customer notes", err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// handleAddCustomerNote adds a note to a customer's history
func (s *Server) handleAddCustomerNote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	note, err := s.service.AddCustomerNote(id, req.Note)
	if err != nil {
		serviceError(w, "adding customer note", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// handleListWorkOrders returns the work orders matching the query filters
func (s *Server) handleListWorkOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := WorkOrderFilter{
		Status:   q.Get("status"),
		Priority: q.Get("priority"),
		Query:    q.Get("q"),
	}
	if v := q.Get("customer_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			jsonError(w, "Invalid customer_id", http.StatusBadRequest)
			return
		}
		filter.CustomerID = id
	}

	var err error
	if filter.Since, err = queryTime(r, "since"); err != nil {
		serviceError(w, "listing work orders", err)
		return
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		serviceError(w, "listing work orders", err)
		return
	}

	workOrders, err := s.service.SearchWorkOrders(filter)
	if err != nil {
		serviceError(w, "listing work orders", err)
		return
	}
	writeJSON(w, http.StatusOK, workOrders)
}

// handleDashboard returns the shop's metrics and notifications
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.service.Dashboard()
	if err != nil {
		serviceError(w, "building dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

// handleCreateWorkOrder creates a work order
func (s *Server) handleCreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	var workOrder WorkOrder
	if err := json.NewDecoder(r.Body).Decode(&workOrder); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := s.service.CreateWorkOrder(&workOrder)
	if err != nil {
		serviceError(w, "creating work order", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleGetWorkOrder returns a single work order
func (s *Server) handleGetWorkOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	workOrder, err := s.service.GetWorkOrder(id)
	if err != nil {
		serviceError(w, "getting work order", err)
		return
	}
	writeJSON(w, http.StatusOK, workOrder)
}

// handleUpdateWorkOrder replaces a work order
func (s *Server) handleUpdateWorkOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var workOrder WorkOrder
	if err := json.NewDecoder(r.Body).Decode(&workOrder); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := s.service.UpdateWorkOrder(id, &workOrder)
	if err != nil {
		serviceError(w, "updating work order", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteWorkOrder deletes a work order and its attachments
func (s *Server) handleDeleteWorkOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteWorkOrder(id); err != nil {
		serviceError(w, "deleting work order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListAttachments returns a work order's attachments
func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	attachments, err := s.service.ListAttachments(id)
	if err != nil {
		serviceError(w, "listing attachments", err)
		return
	}
	writeJSON(w, http.StatusOK, attachments)
}

// handleUploadAttachment stores a file against a work order
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	data, filename, contentType, ok := readUpload(w, r)
	if !ok {
		return
	}

	attachment, err := s.service.AttachFile(id, filename, data, contentType)
	if err != nil {
		serviceError(w, "attaching file", err)
		return
	}
	writeJSON(w, http.StatusCreated, attachment)
}

// handleGetAttachmentFile returns an attachment's contents
func (s *Server) handleGetAttachmentFile(w http.ResponseWriter, r *http.Request) {
	data, attachment, err := s.service.GetAttachmentFile(r.PathValue("id"))
	if err != nil {
		serviceError(w, "getting attachment", err)
		return
	}

	w.Header().Set("Content-Type", attachment.ContentType)
	w.Header().Set("Content-Disposition", `inline; filename="`+attachment.FileName+`"`)
	w.Write(data)
}
