// Package orders is the application's entity layer. Every read and write goes
// through the router with the customer id as tenant key; nothing here
// addresses a shard directly.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dreamware/shardsql/internal/directory"
)

// SchemaSQL creates the entity tables on a shard. Batches are separated by
// GO lines so it can be run by the fan-out script runner as-is.
const SchemaSQL = `CREATE TABLE IF NOT EXISTS customers (
	customer_id INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	region_id   INTEGER NOT NULL DEFAULT 0
)
GO
CREATE TABLE IF NOT EXISTS orders (
	order_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	customer_id INTEGER NOT NULL REFERENCES customers (customer_id),
	order_date  INTEGER NOT NULL,
	product_id  INTEGER NOT NULL
)
GO
CREATE INDEX IF NOT EXISTS orders_by_customer ON orders (customer_id)
`

// PlaceholderName is given to customers created implicitly by a first order.
const PlaceholderName = "Test Customer"

// ErrCustomerNotFound is returned by GetCustomer for an unknown customer on
// the customer's shard.
var ErrCustomerNotFound = errors.New("customer not found")

type Customer struct {
	CustomerID int64  `json:"customerId"`
	Name       string `json:"name"`
	RegionID   int64  `json:"regionId"`
}

type Order struct {
	OrderID    int64     `json:"orderId"`
	CustomerID int64     `json:"customerId"`
	OrderDate  time.Time `json:"orderDate"`
	ProductID  int64     `json:"productId"`
}

// Executor runs work on the shard owning a tenant key. *router.Router
// satisfies it.
type Executor interface {
	ExecuteOnShard(ctx context.Context, key directory.Key, fn func(ctx context.Context, tx *sql.Tx) error) error
}

// Service implements customer and order operations.
type Service struct {
	exec   Executor
	logger *slog.Logger
	now    func() time.Time
}

func NewService(exec Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{exec: exec, logger: logger, now: time.Now}
}

func (s *Service) AddCustomer(ctx context.Context, c Customer) (Customer, error) {
	err := s.exec.ExecuteOnShard(ctx, directory.Key(c.CustomerID), func(ctx context.Context, tx *sql.Tx) error {
		return insertCustomer(ctx, tx, c)
	})
	if err != nil {
		return Customer{}, fmt.Errorf("add customer %d: %w", c.CustomerID, err)
	}
	return c, nil
}

func (s *Service) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	var c Customer
	err := s.exec.ExecuteOnShard(ctx, directory.Key(id), func(ctx context.Context, tx *sql.Tx) error {
		var err error
		c, err = getCustomer(ctx, tx, id)
		return err
	})
	if err != nil {
		return Customer{}, fmt.Errorf("get customer %d: %w", id, err)
	}
	return c, nil
}

// AddOrder records o on the customer's shard, creating a placeholder customer
// first if the shard has none. Both writes share one transaction.
func (s *Service) AddOrder(ctx context.Context, o Order) (Order, error) {
	if o.OrderDate.IsZero() {
		o.OrderDate = s.now().UTC()
	}
	err := s.exec.ExecuteOnShard(ctx, directory.Key(o.CustomerID), func(ctx context.Context, tx *sql.Tx) error {
		_, err := getCustomer(ctx, tx, o.CustomerID)
		if errors.Is(err, ErrCustomerNotFound) {
			s.logger.Info("creating placeholder customer", "customer", o.CustomerID)
			err = insertCustomer(ctx, tx, Customer{CustomerID: o.CustomerID, Name: PlaceholderName, RegionID: 1})
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO orders (customer_id, order_date, product_id) VALUES (?, ?, ?)`,
			o.CustomerID, o.OrderDate.UnixMilli(), o.ProductID)
		if err != nil {
			return err
		}
		o.OrderID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Order{}, fmt.Errorf("add order for customer %d: %w", o.CustomerID, err)
	}
	return o, nil
}

// GetOrders returns the customer's orders, oldest first.
func (s *Service) GetOrders(ctx context.Context, customerID int64) ([]Order, error) {
	out := []Order{}
	err := s.exec.ExecuteOnShard(ctx, directory.Key(customerID), func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT order_id, customer_id, order_date, product_id FROM orders
			 WHERE customer_id = ? ORDER BY order_id`, customerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				o  Order
				ms int64
			)
			if err := rows.Scan(&o.OrderID, &o.CustomerID, &ms, &o.ProductID); err != nil {
				return err
			}
			o.OrderDate = time.UnixMilli(ms).UTC()
			out = append(out, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get orders for customer %d: %w", customerID, err)
	}
	return out, nil
}

func insertCustomer(ctx context.Context, tx *sql.Tx, c Customer) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO customers (customer_id, name, region_id) VALUES (?, ?, ?)`,
		c.CustomerID, c.Name, c.RegionID)
	return err
}

func getCustomer(ctx context.Context, tx *sql.Tx, id int64) (Customer, error) {
	var c Customer
	err := tx.QueryRowContext(ctx,
		`SELECT customer_id, name, region_id FROM customers WHERE customer_id = ?`, id).
		Scan(&c.CustomerID, &c.Name, &c.RegionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Customer{}, ErrCustomerNotFound
	}
	return c, err
}
