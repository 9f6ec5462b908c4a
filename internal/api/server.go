// Package api serves the customer and order endpoints over HTTP and provides
// a small JSON client for them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/orders"
)

// Orders is the entity layer the handlers call. *orders.Service satisfies it.
type Orders interface {
	AddCustomer(ctx context.Context, c orders.Customer) (orders.Customer, error)
	GetCustomer(ctx context.Context, id int64) (orders.Customer, error)
	AddOrder(ctx context.Context, o orders.Order) (orders.Order, error)
	GetOrders(ctx context.Context, customerID int64) ([]orders.Order, error)
}

// Welcome is the body of GET /api/welcome.
type Welcome struct {
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Region  string    `json:"region"`
	Time    time.Time `json:"time"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Stats  any    `json:"stats,omitempty"`
}

// Options configures a Server.
type Options struct {
	Name    string
	Version string
	Region  string
	// Timeout bounds each request; zero disables the bound.
	Timeout time.Duration
	// Stats, when set, supplies the counters reported by /health.
	Stats  func() any
	Logger *slog.Logger
}

type Server struct {
	orders Orders
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewServer(o Orders, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{orders: o, opts: opts, logger: opts.Logger, now: time.Now}
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if s.opts.Timeout > 0 {
		r.Use(middleware.Timeout(s.opts.Timeout))
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/welcome", s.handleWelcome)
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", s.handleGetOrders)
			r.Post("/", s.handleAddOrder)
		})
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", s.handleAddCustomer)
			r.Get("/{customerID}", s.handleGetCustomer)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.opts.Stats != nil {
		resp.Stats = s.opts.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWelcome(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Welcome{
		Name:    s.opts.Name,
		Version: s.opts.Version,
		Region:  s.opts.Region,
		Time:    s.now().UTC(),
	})
}

func (s *Server) handleAddOrder(w http.ResponseWriter, r *http.Request) {
	var o orders.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.orders.AddOrder(r.Context(), o)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("customerId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("customerId query parameter is required"))
		return
	}
	list, err := s.orders.GetOrders(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddCustomer(w http.ResponseWriter, r *http.Request) {
	var c orders.Customer
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.orders.AddCustomer(r.Context(), c)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := s.orders.GetCustomer(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// fail maps err onto a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, directory.ErrUnmappedKey), errors.Is(err, orders.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrMappingOffline), errors.Is(err, directory.ErrConnectionFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, directory.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, directory.ErrDuplicateKey):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
