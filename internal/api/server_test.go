package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dreamware/shardsql/internal/admin"
	"github.com/dreamware/shardsql/internal/app"
	"github.com/dreamware/shardsql/internal/config"
	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/directory/directorytest"
	"github.com/dreamware/shardsql/internal/orders"
	"github.com/dreamware/shardsql/internal/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStack starts an API server over a real directory with tenants 100 and
// 200 provisioned, each on its own shard.
func newStack(t *testing.T) (*app.App, *Client) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Directory.DSN = directorytest.DSN(t)
	cfg.Shards.Server = t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := app.New(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, err = a.Admin.CreateDirectory(ctx)
	require.NoError(t, err)
	results, err := a.Admin.AddTenants(ctx, admin.AddRequest{
		Tenants: []directory.Key{100, 200},
		Type:    admin.DatabasePerTenant,
		Script:  orders.SchemaSQL,
	})
	require.NoError(t, err)
	require.Zero(t, admin.Failed(results))

	srv := NewServer(a.Orders, Options{
		Name:    "orderapi",
		Version: "test",
		Region:  "eu-west",
		Stats:   func() any { return a.Stats() },
		Logger:  logger,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return a, NewClient(ts.URL, ts.Client())
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se *StatusError
	require.ErrorAs(t, err, &se)
	return se.Code
}

func TestHealthAndWelcome(t *testing.T) {
	_, c := newStack(t)
	ctx := context.Background()

	_, err := c.AddOrder(ctx, orders.Order{CustomerID: 100, ProductID: 1})
	require.NoError(t, err)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	stats, ok := h.Stats.(map[string]any)
	require.True(t, ok)
	require.Contains(t, stats, "shadow")
	require.Contains(t, stats, "cache")
	connector, ok := stats["connector"].(map[string]any)
	require.True(t, ok)
	assert.Positive(t, connector["commits"])

	w, err := c.Welcome(ctx)
	require.NoError(t, err)
	assert.Equal(t, "orderapi", w.Name)
	assert.Equal(t, "test", w.Version)
	assert.Equal(t, "eu-west", w.Region)
	assert.WithinDuration(t, time.Now(), w.Time, time.Minute)
}

func TestOrders(t *testing.T) {
	a, c := newStack(t)
	ctx := context.Background()

	t.Run("new order creates placeholder customer", func(t *testing.T) {
		o, err := c.AddOrder(ctx, orders.Order{CustomerID: 100, ProductID: 42})
		require.NoError(t, err)
		assert.Positive(t, o.OrderID)
		assert.False(t, o.OrderDate.IsZero())

		cust, err := c.GetCustomer(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, orders.PlaceholderName, cust.Name)
	})

	t.Run("orders are listed only for their customer", func(t *testing.T) {
		list, err := c.GetOrders(ctx, 100)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, int64(42), list[0].ProductID)

		list, err = c.GetOrders(ctx, 200)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("unmapped customer", func(t *testing.T) {
		_, err := c.AddOrder(ctx, orders.Order{CustomerID: 7, ProductID: 1})
		assert.Equal(t, http.StatusNotFound, statusOf(t, err))
	})

	t.Run("offline customer", func(t *testing.T) {
		_, err := a.Directory.UpdateMappingStatus(ctx, 200, directory.StatusOffline)
		require.NoError(t, err)
		_, err = c.GetOrders(ctx, 200)
		assert.Equal(t, http.StatusServiceUnavailable, statusOf(t, err))
	})
}

func TestCustomers(t *testing.T) {
	_, c := newStack(t)
	ctx := context.Background()

	added, err := c.AddCustomer(ctx, orders.Customer{CustomerID: 200, Name: "Ada", RegionID: 3})
	require.NoError(t, err)
	assert.Equal(t, "Ada", added.Name)

	got, err := c.GetCustomer(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, added, got)

	_, err = c.GetCustomer(ctx, 100)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err), "mapped tenant without a customer row")
}

func TestBadRequests(t *testing.T) {
	srv := NewServer(nil, Options{})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "order body", method: http.MethodPost, path: "/api/orders", body: "{"},
		{name: "customer body", method: http.MethodPost, path: "/api/customers", body: "nope"},
		{name: "missing customerId", method: http.MethodGet, path: "/api/orders"},
		{name: "non-numeric customer", method: http.MethodGet, path: "/api/customers/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := ts.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestStatusFor(t *testing.T) {
	loc := directory.Location{Server: "s", Database: "d"}
	tests := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("resolve: %w", directory.ErrUnmappedKey), want: http.StatusNotFound},
		{err: orders.ErrCustomerNotFound, want: http.StatusNotFound},
		{err: directory.ErrMappingOffline, want: http.StatusServiceUnavailable},
		{err: &shard.Error{Location: loc, Op: "connect", Kind: directory.ErrConnectionFailed, Err: errors.New("refused")}, want: http.StatusServiceUnavailable},
		{err: &shard.Error{Location: loc, Op: "connect", Kind: directory.ErrTimeout, Err: context.DeadlineExceeded}, want: http.StatusGatewayTimeout},
		{err: directory.ErrDuplicateKey, want: http.StatusConflict},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
