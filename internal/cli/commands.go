package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dreamware/shardsql/internal/admin"
	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/recovery"
	"golang.org/x/exp/slices"
)

type command struct {
	name         string
	summary      string
	flags        []string
	needsTenants bool
	run          func(ctx context.Context, e *env, o *options) error
}

var commands = []command{
	{name: "directory create", summary: "create the shard map and record its schema info", run: directoryCreate},
	{name: "directory create-shard", summary: "register an existing, reachable shard database", flags: []string{"server", "database"}, run: directoryCreateShard},
	{name: "directory status", summary: "list shards, their tenants and live status", flags: []string{"json"}, run: directoryStatus},
	{name: "directory cleanup", summary: "unregister shards that hold no tenants", run: directoryCleanup},
	{name: "shard add", summary: "provision tenants", flags: []string{"tenants", "tenant-type", "database-name", "file"}, needsTenants: true, run: shardAdd},
	{name: "shard get", summary: "show tenant mappings", flags: []string{"tenants", "json"}, needsTenants: true, run: shardGet},
	{name: "shard delete", summary: "take tenants offline and remove their mappings", flags: []string{"tenants"}, needsTenants: true, run: shardDelete},
	{name: "shard sql-script", summary: "run a SQL script on every shard with online tenants", flags: []string{"file", "tenants"}, run: shardSQLScript},
	{name: "recovery detach-shard", summary: "remove the shards of the given tenants from the directory", flags: []string{"tenants", "yes"}, needsTenants: true, run: recoveryDetach},
	{name: "recovery detect-mapping-issues", summary: "compare the directory with the shards' local mappings", flags: []string{"tenants", "database-name", "json"}, needsTenants: true, run: recoveryDetect},
	{name: "recovery resolve-mapping-issues", summary: "repair differences between the directory and the shards", flags: []string{"tenants", "resolution", "database-name"}, needsTenants: true, run: recoveryResolve},
	{name: "recovery attach-shard", summary: "re-register detached shards and restore their mappings", flags: []string{"tenants", "database-name"}, needsTenants: true, run: recoveryAttach},
}

func lookup(name string) (command, bool) {
	i := slices.IndexFunc(commands, func(c command) bool { return c.name == name })
	if i < 0 {
		return command{}, false
	}
	return commands[i], true
}

// printResults writes one line per tenant and a summary. It returns an error
// when any tenant failed.
func printResults(e *env, results []admin.Result) error {
	var okN, skippedN int
	for _, r := range results {
		fmt.Fprintln(e.out, r)
		switch r.Outcome {
		case admin.OutcomeOK:
			okN++
		case admin.OutcomeSkipped:
			skippedN++
		}
	}
	failedN := admin.Failed(results)
	fmt.Fprintf(e.out, "%d succeeded, %d skipped, %d failed\n", okN, skippedN, failedN)
	if failedN > 0 {
		return fmt.Errorf("%d of %d tenants failed", failedN, len(results))
	}
	return nil
}

func printJSON(e *env, v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readScript(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(b), nil
}

func directoryCreate(ctx context.Context, e *env, _ *options) error {
	created, err := e.app.Admin.CreateDirectory(ctx)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(e.out, "shard map %s created\n", e.app.Directory.ShardMapName())
	} else {
		fmt.Fprintf(e.out, "shard map %s already exists\n", e.app.Directory.ShardMapName())
	}
	return nil
}

func directoryCreateShard(ctx context.Context, e *env, o *options) error {
	loc := directory.Location{Server: o.server, Database: o.database}
	if loc.Server == "" {
		loc.Server = e.app.Config.Shards.Server
	}
	if !loc.Valid() {
		return errors.New("-database is required")
	}
	if _, err := e.app.Admin.CreateShard(ctx, loc); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "shard %s registered\n", loc)
	return nil
}

func directoryStatus(ctx context.Context, e *env, o *options) error {
	report, err := e.app.Admin.Status(ctx)
	if err != nil {
		return err
	}
	if o.json {
		return printJSON(e, report)
	}
	fmt.Fprintf(e.out, "shard map %s (directory schema v%d): %d shards, %d mappings\n",
		report.ShardMap, report.SchemaVersion, len(report.Shards), report.Mappings)
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD\tSTATUS\tONLINE\tOFFLINE\tTENANTS")
	for _, sr := range report.Shards {
		keys := make([]string, 0, len(sr.Tenants))
		for _, k := range sr.Tenants {
			keys = append(keys, k.String())
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", sr.Location, sr.Health.Status, sr.Online, sr.Offline, strings.Join(keys, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if sh := report.Shadow; sh != nil {
		fmt.Fprintf(e.out, "shadow updates: %d applied, %d failed, %d dropped\n", sh.Applied, sh.Failed, sh.Dropped)
		if sh.Failed+sh.Dropped > 0 {
			fmt.Fprintln(e.out, "some shard-local mappings may be stale; run recovery detect-mapping-issues")
		}
	}
	return nil
}

func directoryCleanup(ctx context.Context, e *env, _ *options) error {
	removed, err := e.app.Admin.Cleanup(ctx)
	for _, loc := range removed {
		fmt.Fprintf(e.out, "removed shard %s\n", loc)
	}
	fmt.Fprintf(e.out, "%d shards removed\n", len(removed))
	return err
}

func shardAdd(ctx context.Context, e *env, o *options) error {
	tt, err := admin.ParseTenantType(o.tenantType)
	if err != nil {
		return err
	}
	script, err := readScript(o.file)
	if err != nil {
		return err
	}
	results, err := e.app.Admin.AddTenants(ctx, admin.AddRequest{
		Tenants:      o.tenants,
		Type:         tt,
		DatabaseName: o.databaseName,
		Script:       script,
	})
	if err != nil {
		return err
	}
	return printResults(e, results)
}

func shardGet(ctx context.Context, e *env, o *options) error {
	mappings, results := e.app.Admin.GetTenants(ctx, o.tenants)
	if o.json {
		if err := printJSON(e, mappings); err != nil {
			return err
		}
		if n := admin.Failed(results); n > 0 {
			return fmt.Errorf("%d of %d tenants failed", n, len(results))
		}
		return nil
	}
	return printResults(e, results)
}

func shardDelete(ctx context.Context, e *env, o *options) error {
	return printResults(e, e.app.Admin.DeleteTenants(ctx, o.tenants))
}

func shardSQLScript(ctx context.Context, e *env, o *options) error {
	if o.file == "" {
		return errors.New("-file is required")
	}
	script, err := readScript(o.file)
	if err != nil {
		return err
	}
	report, err := e.app.Admin.SQLScript(ctx, script, o.tenants)
	for _, loc := range report.Applied {
		fmt.Fprintf(e.out, "shard %s: ok\n", loc)
	}
	for _, loc := range report.Skipped {
		fmt.Fprintf(e.out, "shard %s: skipped: no online tenants\n", loc)
	}
	failedLocs := make([]directory.Location, 0, len(report.Failed))
	for loc := range report.Failed {
		failedLocs = append(failedLocs, loc)
	}
	slices.SortFunc(failedLocs, directory.CompareLocations)
	for _, loc := range failedLocs {
		fmt.Fprintf(e.out, "shard %s: failed: %v\n", loc, report.Failed[loc])
	}
	fmt.Fprintf(e.out, "%d applied, %d skipped, %d failed\n", len(report.Applied), len(report.Skipped), len(report.Failed))
	return err
}

func recoveryDetach(ctx context.Context, e *env, o *options) error {
	ack := o.yes
	if !ack {
		var err error
		ack, err = e.confirm(fmt.Sprintf("Detaching removes every mapping on the shards of tenants %s from the directory. Continue?", o.tenants.String()))
		if err != nil {
			return err
		}
	}
	if !ack {
		return errAborted
	}
	return printResults(e, e.app.Admin.DetachShards(ctx, o.tenants, recovery.DetachOptions{Acknowledged: true, Actor: e.actor}))
}

func printDifferences(e *env, diffs []recovery.Difference) {
	for _, d := range diffs {
		fmt.Fprintf(e.out, "%s: %s\n", d.Kind, d)
	}
	fmt.Fprintf(e.out, "%d differences\n", len(diffs))
}

func recoveryDetect(ctx context.Context, e *env, o *options) error {
	diffs, results := e.app.Admin.DetectMappingIssues(ctx, o.tenants, o.databaseName)
	if o.json {
		if err := printJSON(e, diffs); err != nil {
			return err
		}
	} else {
		printDifferences(e, diffs)
	}
	if len(results) > 0 {
		return printResults(e, results)
	}
	return nil
}

func recoveryResolve(ctx context.Context, e *env, o *options) error {
	policy, err := recovery.ParsePolicy(o.resolution)
	if err != nil {
		return err
	}
	diffs, results := e.app.Admin.ResolveMappingIssues(ctx, o.tenants, policy, o.databaseName)
	printDifferences(e, diffs)
	if len(results) > 0 {
		return printResults(e, results)
	}
	return nil
}

func recoveryAttach(ctx context.Context, e *env, o *options) error {
	return printResults(e, e.app.Admin.AttachShards(ctx, o.tenants, o.databaseName))
}
