package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dreamware/shardsql/internal/directory"
	"golang.org/x/exp/slices"
)

// BatchError reports the shards a fan-out failed on. It matches
// directory.ErrPartialBatchFailure and every per-shard cause under errors.Is.
type BatchError struct {
	Failed map[directory.Location]error
	Total  int
}

func (e *BatchError) Error() string {
	locs := e.locations()
	parts := make([]string, 0, len(locs))
	for _, loc := range locs {
		parts = append(parts, fmt.Sprintf("%s: %v", loc, e.Failed[loc]))
	}
	return fmt.Sprintf("%v: %d of %d shards failed: %s",
		directory.ErrPartialBatchFailure, len(e.Failed), e.Total, strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := []error{directory.ErrPartialBatchFailure}
	for _, loc := range e.locations() {
		errs = append(errs, e.Failed[loc])
	}
	return errs
}

func (e *BatchError) locations() []directory.Location {
	locs := make([]directory.Location, 0, len(e.Failed))
	for loc := range e.Failed {
		locs = append(locs, loc)
	}
	slices.SortFunc(locs, directory.CompareLocations)
	return locs
}

// forEachShard runs fn for every location with at most parallelism calls in
// flight. Every location is attempted regardless of earlier failures.
func forEachShard(ctx context.Context, locs []directory.Location, parallelism int, fn func(ctx context.Context, loc directory.Location) error) map[directory.Location]error {
	if parallelism <= 0 {
		parallelism = 1
	}
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = make(chan struct{}, parallelism)
		failed = make(map[directory.Location]error)
	)
	for _, loc := range locs {
		wg.Add(1)
		sem <- struct{}{}
		go func(loc directory.Location) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := fn(ctx, loc); err != nil {
				mu.Lock()
				failed[loc] = err
				mu.Unlock()
			}
		}(loc)
	}
	wg.Wait()
	return failed
}

// ScriptReport lists where a fan-out script ran.
type ScriptReport struct {
	Applied []directory.Location         `json:"applied"`
	Skipped []directory.Location         `json:"skipped"`
	Failed  map[directory.Location]error `json:"-"`
}

// SQLScript applies script to every shard that owns at least one Online
// mapping, each shard in its own transaction. Shards without Online mappings
// are skipped. When tenants is non-empty only the shards owning those tenants
// are considered. A failure on one shard does not stop the others; the
// returned error is a *BatchError naming every failed shard.
func (s *Service) SQLScript(ctx context.Context, script string, tenants []directory.Key) (ScriptReport, error) {
	var report ScriptReport
	if strings.TrimSpace(script) == "" {
		return report, errors.New("empty script")
	}

	shards, err := s.dir.ListShards(ctx)
	if err != nil {
		return report, err
	}
	mappings, err := s.dir.ListMappings(ctx, nil)
	if err != nil {
		return report, err
	}

	var only map[directory.Location]bool
	if len(tenants) > 0 {
		only = make(map[directory.Location]bool)
		for _, key := range tenants {
			i := slices.IndexFunc(mappings, func(m directory.Mapping) bool { return m.Key == key })
			if i < 0 {
				return report, fmt.Errorf("tenant %s: %w", key, directory.ErrUnmappedKey)
			}
			only[mappings[i].Shard] = true
		}
	}

	online := make(map[directory.Location]int)
	for _, m := range mappings {
		if m.Status == directory.StatusOnline {
			online[m.Shard]++
		}
	}

	var targets []directory.Location
	for _, sh := range shards {
		if only != nil && !only[sh.Location] {
			continue
		}
		if online[sh.Location] == 0 {
			report.Skipped = append(report.Skipped, sh.Location)
			s.logger.Warn("shard has no online tenants, script not applied", "shard", sh.Location.String())
			continue
		}
		targets = append(targets, sh.Location)
	}

	failed := forEachShard(ctx, targets, s.cfg.Fanout.Parallelism, func(ctx context.Context, loc directory.Location) error {
		s.logger.Info("applying script", "shard", loc.String())
		return s.conn.ExecScript(ctx, loc, script)
	})
	for _, loc := range targets {
		if _, bad := failed[loc]; !bad {
			report.Applied = append(report.Applied, loc)
		}
	}
	if len(failed) > 0 {
		report.Failed = failed
		return report, &BatchError{Failed: failed, Total: len(targets)}
	}
	return report, nil
}
