// Package cli implements shardctl, the operator command line. Commands are
// two words ("shard add") looked up in a fixed table; each command declares
// the flags it accepts and runs against a freshly opened App.
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dreamware/shardsql/internal/app"
	"github.com/dreamware/shardsql/internal/directory"
	"golang.org/x/exp/slices"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Opener builds the App a command runs against. configPath is the value of
// the global -config flag and may be empty.
type Opener func(ctx context.Context, configPath string) (*app.App, error)

// IO carries the process streams so tests can substitute buffers.
type IO struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

var errAborted = errors.New("aborted by operator")

// env is what a handler sees besides its parsed options.
type env struct {
	app   *app.App
	out   io.Writer
	in    *bufio.Reader
	actor string
}

// keyList is a flag.Value collecting tenant keys. It accepts repeated flags
// and comma separated values.
type keyList []directory.Key

func (k *keyList) String() string {
	parts := make([]string, 0, len(*k))
	for _, key := range *k {
		parts = append(parts, key.String())
	}
	return strings.Join(parts, ",")
}

func (k *keyList) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, err := directory.ParseKey(part)
		if err != nil {
			return err
		}
		*k = append(*k, key)
	}
	return nil
}

// options holds every flag any command can take.
type options struct {
	tenants      keyList
	tenantType   string
	databaseName string
	file         string
	resolution   string
	yes          bool
	server       string
	database     string
	json         bool
}

func (o *options) register(fs *flag.FlagSet, names []string) {
	for _, name := range names {
		switch name {
		case "tenants":
			fs.Var(&o.tenants, "tenants", "tenant keys, comma separated; trailing arguments are tenant keys too")
		case "tenant-type":
			fs.StringVar(&o.tenantType, "tenant-type", "database-per-tenant", "database-per-tenant or sharded-multi-tenant")
		case "database-name":
			fs.StringVar(&o.databaseName, "database-name", "", "shard database name (formatted with shards.database_name_format)")
		case "file":
			fs.StringVar(&o.file, "file", "", "SQL script file; batches are separated by GO lines")
		case "resolution":
			fs.StringVar(&o.resolution, "resolution", "prefer-shadow", "prefer-shadow or prefer-directory")
		case "yes":
			fs.BoolVar(&o.yes, "yes", false, "do not ask for confirmation")
		case "server":
			fs.StringVar(&o.server, "server", "", "shard server (defaults to shards.server)")
		case "database":
			fs.StringVar(&o.database, "database", "", "shard database name, used as is")
		case "json":
			fs.BoolVar(&o.json, "json", false, "print JSON")
		}
	}
}

// Run executes one shardctl invocation and returns its exit code.
func Run(ctx context.Context, args []string, stdio IO, open Opener) int {
	global := flag.NewFlagSet("shardctl", flag.ContinueOnError)
	global.SetOutput(stdio.Err)
	configPath := global.String("config", "", "path to the YAML configuration file")
	global.Usage = func() { usage(stdio.Err, global) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}

	rest := global.Args()
	if len(rest) < 2 {
		usage(stdio.Err, global)
		return ExitUsage
	}
	cmd, ok := lookup(rest[0] + " " + rest[1])
	if !ok {
		fmt.Fprintf(stdio.Err, "unknown command %q\n", rest[0]+" "+rest[1])
		usage(stdio.Err, global)
		return ExitUsage
	}

	var opts options
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(stdio.Err)
	opts.register(fs, cmd.flags)
	fs.Usage = func() {
		fmt.Fprintf(stdio.Err, "usage: shardctl %s [flags]\n\n%s\n\n", cmd.name, cmd.summary)
		fs.PrintDefaults()
	}
	if err := fs.Parse(rest[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitUsage
	}
	if fs.NArg() > 0 {
		if !slices.Contains(cmd.flags, "tenants") {
			fmt.Fprintf(stdio.Err, "%s: unexpected arguments %v\n", cmd.name, fs.Args())
			return ExitUsage
		}
		for _, arg := range fs.Args() {
			if err := opts.tenants.Set(arg); err != nil {
				fmt.Fprintf(stdio.Err, "%s: %v\n", cmd.name, err)
				return ExitUsage
			}
		}
	}
	if cmd.needsTenants && len(opts.tenants) == 0 {
		fmt.Fprintf(stdio.Err, "%s: at least one tenant is required\n", cmd.name)
		return ExitUsage
	}

	a, err := open(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(stdio.Err, "error: %v\n", err)
		return ExitFailure
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(stdio.Err, "close: %v\n", err)
		}
	}()

	e := &env{app: a, out: stdio.Out, in: bufio.NewReader(stdio.In), actor: os.Getenv("USER")}
	if err := cmd.run(ctx, e, &opts); err != nil {
		fmt.Fprintf(stdio.Err, "error: %v\n", err)
		return ExitFailure
	}
	return ExitOK
}

func usage(w io.Writer, global *flag.FlagSet) {
	fmt.Fprintln(w, "usage: shardctl [-config file] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-40s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	global.PrintDefaults()
}

// confirm asks a yes/no question and reports whether the answer was yes.
func (e *env) confirm(question string) (bool, error) {
	fmt.Fprintf(e.out, "%s [y/N]: ", question)
	line, err := e.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
