package shard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dreamware/shardsql/internal/directory"
)

// StatusUnknown is reported for a shard that has not been probed yet.
const StatusUnknown directory.Status = "unknown"

// Health tracks the reachability of a single shard.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type Health struct {
	Location         directory.Location `json:"location"`
	Status           directory.Status   `json:"status"`
	LastCheck        time.Time          `json:"last_check"`
	LastHealthy      time.Time          `json:"last_healthy"`
	ConsecutiveFails int                `json:"consecutive_fails"`
	LastError        string             `json:"last_error,omitempty"`
}

// CheckFunc probes one shard and returns nil when it is reachable.
type CheckFunc func(ctx context.Context, loc directory.Location) error

// HealthMonitor periodically probes every registered shard and derives an
// Online/Offline status for each. A shard is Offline after maxFailures
// consecutive failed probes and Online again after the first success.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	shards      map[directory.Location]*Health // Current health per shard
	checkFunc   CheckFunc                      // Probe used for every check
	onOffline   func(loc directory.Location)   // Called once per Online->Offline change
	logger      *slog.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to probe
	timeout     time.Duration      // Bound on a single probe
	mu          sync.RWMutex       // Protects shards
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking Offline
}

// NewHealthMonitor creates a monitor that probes with check every interval.
// Shards are marked Offline after 3 consecutive failures.
//
// Example:
//
//	monitor := shard.NewHealthMonitor(10*time.Second, connector.Ping, logger)
//	go monitor.Start(ctx, shardProvider)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, check CheckFunc, logger *slog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		shards:      make(map[directory.Location]*Health),
		checkFunc:   check,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
	}
}

// SetOnOffline sets the callback invoked when a shard transitions to Offline.
// The callback runs on its own goroutine.
func (h *HealthMonitor) SetOnOffline(callback func(loc directory.Location)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOffline = callback
}

// Start probes the shards returned by provider every interval. It blocks until
// ctx is canceled or Stop is called. A provider error skips that round.
func (h *HealthMonitor) Start(ctx context.Context, provider func(ctx context.Context) ([]directory.Location, error)) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", "interval", h.interval)

	round := func() {
		locs, err := provider(ctx)
		if err != nil {
			h.logger.Warn("health monitor could not list shards", "error", err)
			return
		}
		h.checkAll(ctx, locs)
	}

	round()
	for {
		select {
		case <-ticker.C:
			round()
		case <-ctx.Done():
			h.logger.Info("health monitor stopping", "reason", ctx.Err())
			return
		case <-h.ctx.Done():
			h.logger.Info("health monitor stopping", "reason", "stopped")
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll probes locs and forgets shards that are no longer registered.
func (h *HealthMonitor) checkAll(ctx context.Context, locs []directory.Location) {
	current := make(map[directory.Location]bool, len(locs))
	for _, loc := range locs {
		current[loc] = true
		h.check(ctx, loc)
	}

	h.mu.Lock()
	for loc := range h.shards {
		if !current[loc] {
			delete(h.shards, loc)
			h.logger.Debug("removed shard from health monitoring", "shard", loc.String())
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, loc directory.Location) {
	h.mu.Lock()
	health, ok := h.shards[loc]
	if !ok {
		health = &Health{Location: loc, Status: StatusUnknown}
		h.shards[loc] = health
	}
	h.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(probeCtx, loc)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	health.LastCheck = now
	if err == nil {
		if health.Status == directory.StatusOffline {
			h.logger.Info("shard recovered", "shard", loc.String())
		}
		health.Status = directory.StatusOnline
		health.ConsecutiveFails = 0
		health.LastHealthy = now
		health.LastError = ""
		return
	}

	health.ConsecutiveFails++
	health.LastError = err.Error()
	h.logger.Warn("shard health check failed",
		"shard", loc.String(), "attempt", health.ConsecutiveFails, "max", h.maxFailures, "error", err)

	if health.ConsecutiveFails < h.maxFailures || health.Status == directory.StatusOffline {
		return
	}
	health.Status = directory.StatusOffline
	h.logger.Warn("shard marked offline", "shard", loc.String(), "failures", health.ConsecutiveFails)
	if h.onOffline != nil {
		go h.onOffline(loc)
	}
}

// Probe checks locs once, outside the periodic loop, and reports the result of
// that single probe per shard. Monitored state is not modified.
func (h *HealthMonitor) Probe(ctx context.Context, locs []directory.Location) map[directory.Location]Health {
	out := make(map[directory.Location]Health, len(locs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, loc := range locs {
		wg.Add(1)
		go func(loc directory.Location) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			now := time.Now()
			res := Health{Location: loc, Status: directory.StatusOnline, LastCheck: now, LastHealthy: now}
			if err := h.checkFunc(probeCtx, loc); err != nil {
				res = Health{Location: loc, Status: directory.StatusOffline, LastCheck: now, ConsecutiveFails: 1, LastError: err.Error()}
			}
			mu.Lock()
			out[loc] = res
			mu.Unlock()
		}(loc)
	}
	wg.Wait()
	return out
}

// All returns copies of every health record.
func (h *HealthMonitor) All() map[directory.Location]Health {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[directory.Location]Health, len(h.shards))
	for loc, health := range h.shards {
		out[loc] = *health
	}
	return out
}
