// Package admin implements provisioning, maintenance and recovery commands
// over the directory. Every command that takes tenant keys reports one Result
// per key.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dreamware/shardsql/internal/config"
	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/recovery"
	"github.com/dreamware/shardsql/internal/shadow"
	"github.com/dreamware/shardsql/internal/shard"
)

// Outcome is the per-tenant result class of a command.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result reports what a command did for one tenant.
type Result struct {
	Tenant  directory.Key      `json:"tenant"`
	Shard   directory.Location `json:"shard,omitempty"`
	Outcome Outcome            `json:"outcome"`
	Message string             `json:"message"`
	Err     error              `json:"-"`
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("tenant %s: %s: %s: %v", r.Tenant, r.Outcome, r.Message, r.Err)
	}
	return fmt.Sprintf("tenant %s: %s: %s", r.Tenant, r.Outcome, r.Message)
}

func ok(key directory.Key, loc directory.Location, format string, args ...any) Result {
	return Result{Tenant: key, Shard: loc, Outcome: OutcomeOK, Message: fmt.Sprintf(format, args...)}
}

func skipped(key directory.Key, loc directory.Location, format string, args ...any) Result {
	return Result{Tenant: key, Shard: loc, Outcome: OutcomeSkipped, Message: fmt.Sprintf(format, args...)}
}

func failed(key directory.Key, loc directory.Location, err error, format string, args ...any) Result {
	return Result{Tenant: key, Shard: loc, Outcome: OutcomeFailed, Message: fmt.Sprintf(format, args...), Err: err}
}

// Failed counts failed results.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// TenantType selects a provisioning strategy.
type TenantType string

const (
	// DatabasePerTenant gives each tenant its own shard.
	DatabasePerTenant TenantType = "database-per-tenant"
	// ShardedMultiTenant places many tenants on one named shard.
	ShardedMultiTenant TenantType = "sharded-multi-tenant"
)

func ParseTenantType(s string) (TenantType, error) {
	switch t := TenantType(strings.ToLower(s)); t {
	case DatabasePerTenant, ShardedMultiTenant:
		return t, nil
	}
	return "", fmt.Errorf("unknown tenant type %q (want %s or %s)", s, DatabasePerTenant, ShardedMultiTenant)
}

// Service runs administrative commands against one shard map.
type Service struct {
	cfg    config.Config
	dir    *directory.Directory
	conn   *shard.Connector
	shadow shadow.Store
	rec    *recovery.Reconciler
	health *shard.HealthMonitor
	// updater may be nil
	updater *shadow.Updater
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
}

// Options carries optional collaborators for New.
type Options struct {
	// Health is used for live shard status in reports. When nil a monitor
	// probing through the connector is created.
	Health *shard.HealthMonitor
	// Updater, when set, has its counters included in status reports.
	Updater *shadow.Updater
	Logger  *slog.Logger
}

// New creates a service. Shadow writes caused by directory mutations are the
// caller's concern (see shadow.Updater); the service writes the shadow only
// while resolving differences.
func New(cfg config.Config, dir *directory.Directory, conn *shard.Connector, store shadow.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	health := opts.Health
	if health == nil {
		health = shard.NewHealthMonitor(cfg.Health.Interval, conn.Ping, logger)
	}
	return &Service{
		cfg:     cfg,
		dir:     dir,
		conn:    conn,
		shadow:  store,
		rec:     recovery.New(dir, store, logger),
		health:  health,
		updater: opts.Updater,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Reconciler exposes the reconciler the service uses.
func (s *Service) Reconciler() *recovery.Reconciler {
	return s.rec
}

// location returns where a tenant's shard lives by naming convention: the
// configured server and the formatted database name.
func (s *Service) location(name any) directory.Location {
	return directory.Location{Server: s.cfg.Shards.Server, Database: s.cfg.DatabaseName(name)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
