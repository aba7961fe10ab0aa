package shop

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Server handles HTTP requests for the scan box and shop records
type Server struct {
	service   *Service
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Preflight requests never reach the routes
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			// Ensure CORS headers are set before error response
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Repair Desk"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	// Scan box
	s.mux.HandleFunc("POST /api/scan/image", s.requireAuth(s.handleScanImage))
	s.mux.HandleFunc("POST /api/scan/create", s.requireAuth(s.handleCreateFromScan))
	s.mux.HandleFunc("POST /api/scan", s.requireAuth(s.handleScan))

	// Customers
	s.mux.HandleFunc("GET /api/customers/{id}/workorders", s.requireAuth(s.handleCustomerHistory))
	s.mux.HandleFunc("GET /api/customers/{id}/notes", s.requireAuth(s.handleListCustomerNotes))
	s.mux.HandleFunc("POST /api/customers/{id}/notes", s.requireAuth(s.handleAddCustomerNote))
	s.mux.HandleFunc("GET /api/customers/{id}", s.requireAuth(s.handleGetCustomer))
	s.mux.HandleFunc("PUT /api/customers/{id}", s.requireAuth(s.handleUpdateCustomer))
	s.mux.HandleFunc("DELETE /api/customers/{id}", s.requireAuth(s.handleDeleteCustomer))
	s.mux.HandleFunc("GET /api/customers", s.requireAuth(s.handleListCustomers))
	s.mux.HandleFunc("POST /api/customers", s.requireAuth(s.handleCreateCustomer))

	// Work orders and their attachments
	s.mux.HandleFunc("GET /api/workorders/{id}/files", s.requireAuth(s.handleListAttachments))
	s.mux.HandleFunc("POST /api/workorders/{id}/files", s.requireAuth(s.handleUploadAttachment))
	s.mux.HandleFunc("GET /api/workorders/{id}", s.requireAuth(s.handleGetWorkOrder))
	s.mux.HandleFunc("PUT /api/workorders/{id}", s.requireAuth(s.handleUpdateWorkOrder))
	s.mux.HandleFunc("DELETE /api/workorders/{id}", s.requireAuth(s.handleDeleteWorkOrder))
	s.mux.HandleFunc("GET /api/workorders", s.requireAuth(s.handleListWorkOrders))
	s.mux.HandleFunc("POST /api/workorders", s.requireAuth(s.handleCreateWorkOrder))
	s.mux.HandleFunc("GET /api/files/{id}", s.requireAuth(s.handleGetAttachmentFile))

	s.mux.HandleFunc("GET /api/dashboard", s.requireAuth(s.handleDashboard))

	// Scan box page (register last as it's the catch-all)
	s.mux.HandleFunc("GET /index.html", s.requireAuth(s.handleIndex))
	s.mux.HandleFunc("GET /", s.requireAuth(s.handleIndex))
}

// Handler returns the mux wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux.ServeHTTP)
}

// Start serves HTTP until ctx is cancelled, then lets in-flight requests finish
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
