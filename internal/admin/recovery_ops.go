package admin

import (
	"context"
	"errors"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/recovery"
)

// shardGroup is a shard and the requested tenants that resolve to it.
type shardGroup struct {
	loc     directory.Location
	tenants []directory.Key
}

// groupByShard resolves each tenant to a shard: its mapping when it has one,
// otherwise the conventional location (databaseName if given, else the
// tenant's own database) when fallback is set. Groups keep request order.
func (s *Service) groupByShard(ctx context.Context, keys []directory.Key, databaseName string, fallback bool) ([]*shardGroup, []Result) {
	var (
		groups  []*shardGroup
		byLoc   = make(map[directory.Location]*shardGroup)
		results []Result
	)
	for _, key := range keys {
		var loc directory.Location
		m, err := s.dir.GetMapping(ctx, key)
		switch {
		case err == nil:
			loc = m.Shard
		case errors.Is(err, directory.ErrNotFound) && fallback:
			loc = s.location(key)
			if databaseName != "" {
				loc = s.location(databaseName)
			}
		default:
			results = append(results, failed(key, directory.Location{}, err, "not in shard map %s", s.dir.ShardMapName()))
			continue
		}
		g, ok := byLoc[loc]
		if !ok {
			g = &shardGroup{loc: loc}
			byLoc[loc] = g
			groups = append(groups, g)
		}
		g.tenants = append(g.tenants, key)
	}
	return groups, results
}

// DetachShards detaches the shard of every listed tenant. opts.Acknowledged
// must carry the operator's explicit confirmation.
func (s *Service) DetachShards(ctx context.Context, keys []directory.Key, opts recovery.DetachOptions) []Result {
	groups, results := s.groupByShard(ctx, keys, "", false)
	for _, g := range groups {
		removed, err := s.rec.DetachShard(ctx, g.loc, opts)
		for _, key := range g.tenants {
			if err != nil {
				results = append(results, failed(key, g.loc, err, "shard not detached"))
				continue
			}
			results = append(results, ok(key, g.loc, "shard %s detached with %d mappings", g.loc, len(removed)))
		}
	}
	return results
}

// DetectMappingIssues finds differences on the shard of every listed tenant.
// Unmapped tenants are looked for on their conventional location.
func (s *Service) DetectMappingIssues(ctx context.Context, keys []directory.Key, databaseName string) ([]recovery.Difference, []Result) {
	groups, results := s.groupByShard(ctx, keys, databaseName, true)
	var all []recovery.Difference
	for _, g := range groups {
		diffs, err := s.rec.DetectDifferences(ctx, g.loc)
		all = append(all, diffs...)
		for _, key := range g.tenants {
			if err != nil {
				results = append(results, failed(key, g.loc, err, "detection failed"))
				continue
			}
			results = append(results, ok(key, g.loc, "%d differences on %s", len(diffs), g.loc))
		}
	}
	return all, results
}

// ResolveMappingIssues detects and resolves differences on the shard of every
// listed tenant using policy.
func (s *Service) ResolveMappingIssues(ctx context.Context, keys []directory.Key, policy recovery.Policy, databaseName string) ([]recovery.Difference, []Result) {
	groups, results := s.groupByShard(ctx, keys, databaseName, true)
	var all []recovery.Difference
	for _, g := range groups {
		diffs, err := s.rec.Reconcile(ctx, g.loc, policy)
		all = append(all, diffs...)
		for _, key := range g.tenants {
			if err != nil {
				results = append(results, failed(key, g.loc, err, "resolution incomplete"))
				continue
			}
			results = append(results, ok(key, g.loc, "%d differences resolved (%s)", len(diffs), policy))
		}
	}
	return all, results
}

// AttachShards re-attaches the conventional shard of every listed tenant and
// rebuilds its mappings from the shard's Local Shadow. Tenants that are
// already mapped are skipped.
func (s *Service) AttachShards(ctx context.Context, keys []directory.Key, databaseName string) []Result {
	var (
		results []Result
		pending []directory.Key
	)
	for _, key := range keys {
		if m, err := s.dir.GetMapping(ctx, key); err == nil {
			results = append(results, skipped(key, m.Shard, "already mapped to %s", m.Shard))
			continue
		}
		pending = append(pending, key)
	}

	groups, lookup := s.groupByShard(ctx, pending, databaseName, true)
	results = append(results, lookup...)
	for _, g := range groups {
		if err := s.conn.Ping(ctx, g.loc); err != nil {
			for _, key := range g.tenants {
				results = append(results, failed(key, g.loc, err, "shard unreachable"))
			}
			continue
		}
		report, err := s.rec.AttachShard(ctx, g.loc)
		for _, key := range g.tenants {
			m, lookupErr := s.dir.GetMapping(ctx, key)
			switch {
			case lookupErr == nil && m.Shard == g.loc:
				results = append(results, ok(key, g.loc, "attached, %d mappings restored", len(report.Differences)-len(report.Unresolved)))
			case err != nil:
				results = append(results, failed(key, g.loc, err, "attach incomplete"))
			default:
				results = append(results, failed(key, g.loc, directory.ErrNotFound, "shard %s has no record of this tenant", g.loc))
			}
		}
	}
	return results
}
