package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/shadow"
	"github.com/dreamware/shardsql/internal/shard"
	"golang.org/x/exp/slices"
)

// CreateDirectory creates the shard map and records its schema info. It
// reports created=false when the shard map already exists; the schema info
// is refreshed either way.
func (s *Service) CreateDirectory(ctx context.Context) (created bool, err error) {
	err = s.dir.CreateShardMap(ctx)
	switch {
	case err == nil:
		created = true
	case errors.Is(err, directory.ErrAlreadyExists):
	default:
		return false, err
	}
	if err := s.dir.PutSchemaInfo(ctx, s.cfg.SchemaInfo()); err != nil {
		return created, err
	}
	s.logger.Info("directory ready", "shard_map", s.dir.ShardMapName(), "created", created)
	return created, nil
}

// CreateShard checks that loc is reachable, registers it and prepares its
// Local Shadow table.
func (s *Service) CreateShard(ctx context.Context, loc directory.Location) (directory.Shard, error) {
	if err := s.conn.Ping(ctx, loc); err != nil {
		return directory.Shard{}, fmt.Errorf("create shard %s: %w", loc, err)
	}
	sh, err := s.dir.CreateShard(ctx, loc)
	if err != nil {
		return directory.Shard{}, err
	}
	if err := s.prepareShadow(ctx, loc); err != nil {
		return sh, err
	}
	s.logger.Info("registered shard", "shard", loc.String())
	return sh, nil
}

func (s *Service) prepareShadow(ctx context.Context, loc directory.Location) error {
	t, ok := s.shadow.(interface {
		EnsureTable(ctx context.Context, loc directory.Location) error
	})
	if !ok {
		return nil
	}
	return t.EnsureTable(ctx, loc)
}

// ShardReport is one shard's line in a status report.
type ShardReport struct {
	Location directory.Location `json:"location"`
	Health   shard.Health       `json:"health"`
	Tenants  []directory.Key    `json:"tenants"`
	Online   int                `json:"online"`
	Offline  int                `json:"offline"`
}

// Report describes the whole shard map.
type Report struct {
	ShardMap      string               `json:"shard_map"`
	SchemaVersion int                  `json:"schema_version"`
	SchemaInfo    directory.SchemaInfo `json:"schema_info"`
	Shards        []ShardReport        `json:"shards"`
	Mappings      int                  `json:"mappings"`
	// Connector counts connection attempts made by this process.
	Connector shard.Stats `json:"connector"`
	// Shadow counts Local Shadow updates made by this process. Failed or
	// dropped updates mean some shadows may have drifted; run
	// recovery detect-mapping-issues for the affected tenants.
	Shadow *shadow.UpdaterStats `json:"shadow,omitempty"`
}

// Status reports every shard with its tenants and live reachability.
func (s *Service) Status(ctx context.Context) (Report, error) {
	version, err := s.dir.SchemaVersion(ctx)
	if err != nil {
		return Report{}, err
	}
	info, err := s.dir.SchemaInfo(ctx)
	if err != nil {
		return Report{}, err
	}
	shards, mappings, err := s.dir.Snapshot(ctx)
	if err != nil {
		return Report{}, err
	}

	locs := make([]directory.Location, 0, len(shards))
	for _, sh := range shards {
		locs = append(locs, sh.Location)
	}
	health := s.health.Probe(ctx, locs)

	report := Report{
		ShardMap:      s.dir.ShardMapName(),
		SchemaVersion: version,
		SchemaInfo:    info,
		Shards:        shardReports(locs, mappings, health),
		Mappings:      len(mappings),
		Connector:     s.conn.Stats(),
	}
	if s.updater != nil {
		st := s.updater.Stats()
		report.Shadow = &st
	}
	return report, nil
}

// shardReports groups mappings under their shards, in the order of locs. A
// mapping whose shard is not in locs gets a row of its own rather than being
// counted elsewhere.
func shardReports(locs []directory.Location, mappings []directory.Mapping, health map[directory.Location]shard.Health) []ShardReport {
	out := make([]ShardReport, 0, len(locs))
	byLoc := make(map[directory.Location]int, len(locs))
	row := func(loc directory.Location) *ShardReport {
		i, ok := byLoc[loc]
		if !ok {
			h, probed := health[loc]
			if !probed {
				h = shard.Health{Location: loc, Status: shard.StatusUnknown}
			}
			i = len(out)
			byLoc[loc] = i
			out = append(out, ShardReport{Location: loc, Health: h, Tenants: []directory.Key{}})
		}
		return &out[i]
	}
	for _, loc := range locs {
		row(loc)
	}
	for _, m := range mappings {
		sr := row(m.Shard)
		sr.Tenants = append(sr.Tenants, m.Key)
		if m.Status == directory.StatusOnline {
			sr.Online++
		} else {
			sr.Offline++
		}
	}
	return out
}

// Cleanup unregisters every shard that holds no mappings and returns what was
// removed. A shard gaining a mapping concurrently is left in place.
func (s *Service) Cleanup(ctx context.Context) ([]directory.Location, error) {
	shards, err := s.dir.ListShards(ctx)
	if err != nil {
		return nil, err
	}
	mappings, err := s.dir.ListMappings(ctx, nil)
	if err != nil {
		return nil, err
	}

	var (
		removed []directory.Location
		errs    []error
	)
	for _, sh := range shards {
		if slices.ContainsFunc(mappings, func(m directory.Mapping) bool { return m.Shard == sh.Location }) {
			continue
		}
		err := s.dir.DeleteShard(ctx, sh.Location)
		switch {
		case err == nil:
			removed = append(removed, sh.Location)
			s.conn.Release(sh.Location)
			s.logger.Info("removed empty shard", "shard", sh.Location.String())
		case errors.Is(err, directory.ErrHasActiveMappings), errors.Is(err, directory.ErrNotFound):
		default:
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}
