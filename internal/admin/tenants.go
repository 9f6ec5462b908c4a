package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreamware/shardsql/internal/directory"
)

// AddRequest describes tenants to provision.
type AddRequest struct {
	Tenants []directory.Key
	Type    TenantType
	// DatabaseName names the shared shard for ShardedMultiTenant. It is
	// formatted with shards.database_name_format.
	DatabaseName string
	// Script, if set, is applied to every shard this request registers.
	Script string
}

// AddTenants provisions each tenant and maps it Online. A tenant that is
// already mapped is skipped; an unreachable shard fails that tenant only.
func (s *Service) AddTenants(ctx context.Context, req AddRequest) ([]Result, error) {
	if len(req.Tenants) == 0 {
		return nil, errors.New("no tenants given")
	}
	switch req.Type {
	case DatabasePerTenant:
	case ShardedMultiTenant:
		if req.DatabaseName == "" {
			return nil, fmt.Errorf("%s requires a database name", ShardedMultiTenant)
		}
	default:
		return nil, fmt.Errorf("unknown tenant type %q", req.Type)
	}

	results := make([]Result, 0, len(req.Tenants))
	for _, key := range req.Tenants {
		loc := s.location(key)
		if req.Type == ShardedMultiTenant {
			loc = s.location(req.DatabaseName)
		}
		results = append(results, s.addTenant(ctx, key, loc, req.Script))
	}
	return results, nil
}

func (s *Service) addTenant(ctx context.Context, key directory.Key, loc directory.Location, script string) Result {
	if m, err := s.dir.GetMapping(ctx, key); err == nil {
		return skipped(key, m.Shard, "already mapped to %s", m.Shard)
	} else if !errors.Is(err, directory.ErrNotFound) {
		return failed(key, loc, err, "lookup failed")
	}

	created, err := s.ensureShard(ctx, loc, script)
	if err != nil {
		return failed(key, loc, err, "shard %s not provisioned", loc)
	}

	m, err := s.dir.CreateMapping(ctx, key, loc)
	if errors.Is(err, directory.ErrDuplicateKey) {
		return skipped(key, loc, "already mapped")
	}
	if err != nil {
		return failed(key, loc, err, "mapping not created")
	}
	if created {
		return ok(key, m.Shard, "created shard %s and mapped tenant", m.Shard)
	}
	return ok(key, m.Shard, "mapped tenant to %s", m.Shard)
}

// ensureShard registers loc if needed. created reports whether this call
// registered it.
func (s *Service) ensureShard(ctx context.Context, loc directory.Location, script string) (created bool, err error) {
	if _, err := s.dir.GetShard(ctx, loc); err == nil {
		return false, nil
	} else if !errors.Is(err, directory.ErrNotFound) {
		return false, err
	}

	_, err = s.CreateShard(ctx, loc)
	if errors.Is(err, directory.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if script != "" {
		if err := s.conn.ExecScript(ctx, loc, script); err != nil {
			return false, s.unregister(ctx, loc, fmt.Errorf("apply script: %w", err))
		}
	}
	return true, nil
}

// unregister removes a shard this call registered but could not prepare, and
// returns cause annotated with what happened to the registration.
func (s *Service) unregister(ctx context.Context, loc directory.Location, cause error) error {
	if err := s.dir.DeleteShard(ctx, loc); err != nil {
		s.logger.Warn("could not unregister unprovisioned shard", "shard", loc.String(), "error", err)
		return fmt.Errorf("%w; shard %s is still registered, directory cleanup removes it once empty", cause, loc)
	}
	s.conn.Release(loc)
	return fmt.Errorf("%w; shard %s unregistered", cause, loc)
}

// GetTenants reports where each tenant is mapped.
func (s *Service) GetTenants(ctx context.Context, keys []directory.Key) ([]directory.Mapping, []Result) {
	var mappings []directory.Mapping
	results := make([]Result, 0, len(keys))
	for _, key := range keys {
		m, err := s.dir.GetMapping(ctx, key)
		if err != nil {
			results = append(results, failed(key, directory.Location{}, err, "not in shard map %s", s.dir.ShardMapName()))
			continue
		}
		mappings = append(mappings, m)
		results = append(results, ok(key, m.Shard, "status %s, server %s, database %s", m.Status, m.Shard.Server, m.Shard.Database))
	}
	return mappings, results
}

// DeleteTenants takes every tenant Offline, waits delete.drain so routers
// stop sending work, then deletes the mappings. Shards are left registered;
// Cleanup removes the empty ones.
func (s *Service) DeleteTenants(ctx context.Context, keys []directory.Key) []Result {
	results := make([]Result, len(keys))
	var pending []int
	for i, key := range keys {
		m, err := s.dir.UpdateMappingStatus(ctx, key, directory.StatusOffline)
		if err != nil {
			results[i] = failed(key, directory.Location{}, err, "not taken offline")
			continue
		}
		s.logger.Info("tenant offline", "tenant", key.String(), "shard", m.Shard.String())
		results[i] = Result{Tenant: key, Shard: m.Shard}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return results
	}

	if err := s.sleep(ctx, s.cfg.Delete.Drain); err != nil {
		for _, i := range pending {
			results[i] = failed(keys[i], results[i].Shard, err, "left offline, not deleted")
		}
		return results
	}

	for _, i := range pending {
		loc := results[i].Shard
		if _, err := s.dir.DeleteMapping(ctx, keys[i]); err != nil {
			results[i] = failed(keys[i], loc, err, "left offline, not deleted")
			continue
		}
		results[i] = ok(keys[i], loc, "deleted from %s", loc)
	}
	return results
}
