// Command shardctl provisions tenants, maintains the shard directory and runs
// recovery procedures.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dreamware/shardsql/internal/app"
	"github.com/dreamware/shardsql/internal/cli"
	"github.com/dreamware/shardsql/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], cli.IO{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}, open)
	stop()
	os.Exit(code)
}

func open(ctx context.Context, path string) (*app.App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, cfg.NewLogger(os.Stderr))
}
