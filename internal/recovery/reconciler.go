package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/shadow"
	"golang.org/x/exp/slices"
)

// ErrNotAcknowledged is returned when a destructive action runs without the
// operator's explicit acknowledgement.
var ErrNotAcknowledged = errors.New("destructive action not acknowledged")

// Directory is the set of directory operations reconciliation needs.
// *directory.Directory satisfies it.
type Directory interface {
	CreateShard(ctx context.Context, loc directory.Location) (directory.Shard, error)
	ListMappings(ctx context.Context, shard *directory.Location) ([]directory.Mapping, error)
	DetachShard(ctx context.Context, loc directory.Location) ([]directory.Mapping, error)
	RestoreMapping(ctx context.Context, key directory.Key, loc directory.Location, status directory.Status) (directory.Mapping, error)
	PurgeMapping(ctx context.Context, key directory.Key, loc directory.Location) error
}

// Reconciler detects and repairs divergence between the directory and the
// Local Shadows kept on each shard.
type Reconciler struct {
	dir    Directory
	shadow shadow.Store
	logger *slog.Logger
}

// New creates a reconciler. A nil logger means slog.Default().
func New(dir Directory, store shadow.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{dir: dir, shadow: store, logger: logger}
}

// DetectDifferences compares the directory's mappings for loc against loc's
// Local Shadow. The result is ordered by key and nothing is modified.
func (r *Reconciler) DetectDifferences(ctx context.Context, loc directory.Location) ([]Difference, error) {
	mappings, err := r.dir.ListMappings(ctx, &loc)
	if err != nil {
		return nil, fmt.Errorf("detect differences on %s: %w", loc, err)
	}
	entries, err := r.shadow.List(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("detect differences on %s: %w", loc, err)
	}
	return diff(loc, mappings, entries), nil
}

func diff(loc directory.Location, mappings []directory.Mapping, entries []shadow.Entry) []Difference {
	inShadow := make(map[directory.Key]directory.Status, len(entries))
	for _, e := range entries {
		inShadow[e.Key] = e.Status
	}

	var out []Difference
	for _, m := range mappings {
		st, ok := inShadow[m.Key]
		delete(inShadow, m.Key)
		switch {
		case !ok:
			out = append(out, Difference{Shard: loc, Key: m.Key, Kind: OnlyInDirectory, DirectoryStatus: m.Status})
		case st != m.Status:
			out = append(out, Difference{Shard: loc, Key: m.Key, Kind: StatusMismatch, DirectoryStatus: m.Status, ShadowStatus: st})
		}
	}
	for key, st := range inShadow {
		out = append(out, Difference{Shard: loc, Key: key, Kind: OnlyInShadow, ShadowStatus: st})
	}
	slices.SortFunc(out, func(a, b Difference) int {
		if c := directory.CompareLocations(a.Shard, b.Shard); c != 0 {
			return c
		}
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

// ResolveDifferences applies policy to each difference independently. A
// failure on one difference does not stop the others; all failures are
// returned joined. Resolving an already consistent pair changes nothing.
func (r *Reconciler) ResolveDifferences(ctx context.Context, diffs []Difference, policy Policy) error {
	var errs []error
	for _, d := range diffs {
		var err error
		switch policy {
		case PreferDirectory:
			err = r.toShadow(ctx, d)
		case PreferShadow:
			err = r.toDirectory(ctx, d)
		default:
			return fmt.Errorf("resolve differences: unknown policy %q", policy)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve tenant %s on %s (%s): %w", d.Key, d.Shard, d.Kind, err))
			continue
		}
		r.logger.Info("resolved mapping difference",
			"shard", d.Shard.String(), "tenant", d.Key.String(), "kind", string(d.Kind), "policy", string(policy))
	}
	return errors.Join(errs...)
}

func (r *Reconciler) toShadow(ctx context.Context, d Difference) error {
	switch d.Kind {
	case OnlyInShadow:
		return r.shadow.Delete(ctx, d.Shard, d.Key)
	default:
		return r.shadow.Put(ctx, d.Shard, shadow.Entry{Key: d.Key, Status: d.DirectoryStatus})
	}
}

func (r *Reconciler) toDirectory(ctx context.Context, d Difference) error {
	switch d.Kind {
	case OnlyInDirectory:
		return r.dir.PurgeMapping(ctx, d.Key, d.Shard)
	default:
		_, err := r.dir.RestoreMapping(ctx, d.Key, d.Shard, d.ShadowStatus)
		return err
	}
}

// Reconcile detects and resolves differences on loc in one step, returning
// what was found.
func (r *Reconciler) Reconcile(ctx context.Context, loc directory.Location, policy Policy) ([]Difference, error) {
	diffs, err := r.DetectDifferences(ctx, loc)
	if err != nil {
		return nil, err
	}
	return diffs, r.ResolveDifferences(ctx, diffs, policy)
}

// DetachOptions carries the operator's acknowledgement for DetachShard.
type DetachOptions struct {
	// Acknowledged must be true: the operator confirms the shard holds no live
	// tenant data, or that losing the mappings is intended.
	Acknowledged bool
	// Actor names who asked for the detach, for the audit record.
	Actor string
}

// DetachShard removes loc and all of its mappings from the directory without
// looking at the shard's data. The shard's Local Shadow is kept, so
// AttachShard can restore the mappings later. An audit record listing every
// affected mapping is logged before anything is changed.
func (r *Reconciler) DetachShard(ctx context.Context, loc directory.Location, opts DetachOptions) ([]directory.Mapping, error) {
	if !opts.Acknowledged {
		return nil, fmt.Errorf("detach shard %s: %w", loc, ErrNotAcknowledged)
	}
	mappings, err := r.dir.ListMappings(ctx, &loc)
	if err != nil {
		return nil, fmt.Errorf("detach shard %s: %w", loc, err)
	}

	keys := make([]string, 0, len(mappings))
	online := 0
	for _, m := range mappings {
		keys = append(keys, m.Key.String())
		if m.Status == directory.StatusOnline {
			online++
		}
	}
	r.logger.Warn("audit: detaching shard",
		"shard", loc.String(), "actor", opts.Actor, "mappings", len(mappings), "online", online, "tenants", keys)

	removed, err := r.dir.DetachShard(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("detach shard %s: %w", loc, err)
	}
	return removed, nil
}

// AttachReport describes the outcome of AttachShard.
type AttachReport struct {
	Shard       directory.Location `json:"shard"`
	Registered  bool               `json:"registered"`
	Differences []Difference       `json:"differences"`
	Unresolved  []Difference       `json:"unresolved,omitempty"`
}

// AttachShard registers loc again, if needed, and rebuilds its mappings from
// the shard's Local Shadow. Keys the shadow claims but the directory maps to
// another shard are left alone and returned as unresolved.
func (r *Reconciler) AttachShard(ctx context.Context, loc directory.Location) (AttachReport, error) {
	report := AttachReport{Shard: loc}
	_, err := r.dir.CreateShard(ctx, loc)
	switch {
	case err == nil:
		report.Registered = true
	case errors.Is(err, directory.ErrAlreadyExists):
	default:
		return report, fmt.Errorf("attach shard %s: %w", loc, err)
	}

	diffs, err := r.DetectDifferences(ctx, loc)
	if err != nil {
		return report, fmt.Errorf("attach shard %s: %w", loc, err)
	}
	report.Differences = diffs

	var errs []error
	for _, d := range diffs {
		if err := r.ResolveDifferences(ctx, []Difference{d}, PreferShadow); err != nil {
			report.Unresolved = append(report.Unresolved, d)
			errs = append(errs, err)
		}
	}
	r.logger.Info("attached shard",
		"shard", loc.String(), "registered", report.Registered,
		"differences", len(diffs), "unresolved", len(report.Unresolved))
	return report, errors.Join(errs...)
}
