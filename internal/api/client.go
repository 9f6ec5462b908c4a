package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dreamware/shardsql/internal/orders"
)

// StatusError is returned by Client for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// Client calls a Server over HTTP.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server at base, e.g. "http://localhost:8080".
// A nil hc uses a client with a 5 second timeout.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{base: base, http: hc}
}

// Health calls /health. Stats decodes as generic JSON.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	return out, c.getJSON(ctx, "/health", &out)
}

func (c *Client) Welcome(ctx context.Context) (Welcome, error) {
	var out Welcome
	return out, c.getJSON(ctx, "/api/welcome", &out)
}

func (c *Client) AddOrder(ctx context.Context, o orders.Order) (orders.Order, error) {
	var out orders.Order
	return out, c.postJSON(ctx, "/api/orders/", o, &out)
}

func (c *Client) GetOrders(ctx context.Context, customerID int64) ([]orders.Order, error) {
	var out []orders.Order
	q := url.Values{"customerId": {strconv.FormatInt(customerID, 10)}}
	return out, c.getJSON(ctx, "/api/orders/?"+q.Encode(), &out)
}

func (c *Client) AddCustomer(ctx context.Context, cust orders.Customer) (orders.Customer, error) {
	var out orders.Customer
	return out, c.postJSON(ctx, "/api/customers/", cust, &out)
}

func (c *Client) GetCustomer(ctx context.Context, id int64) (orders.Customer, error) {
	var out orders.Customer
	return out, c.getJSON(ctx, "/api/customers/"+strconv.FormatInt(id, 10), &out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
