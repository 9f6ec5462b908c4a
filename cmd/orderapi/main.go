// Command orderapi serves the customer and order API, routing every request
// to the shard that owns the customer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/shardsql/internal/api"
	"github.com/dreamware/shardsql/internal/app"
	"github.com/dreamware/shardsql/internal/config"
	"github.com/dreamware/shardsql/internal/directory"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	check := flag.String("check", "", "query the /health endpoint at this base URL and exit")
	flag.Parse()

	if *check != "" {
		os.Exit(runCheck(*check))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("open directory", "error", err)
		os.Exit(1)
	}

	a.Health.SetOnOffline(func(loc directory.Location) {
		logger.Warn("shard offline", "shard", loc.String())
	})
	go a.Health.Start(ctx, a.ShardLocations)

	srv := api.NewServer(a.Orders, api.Options{
		Name:    "orderapi",
		Version: version,
		Region:  getenv("REGION_NAME", "local"),
		Timeout: cfg.API.CommandTimeout,
		Stats:   func() any { return a.Stats() },
		Logger:  logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("orderapi listening on", "addr", cfg.API.Listen, "shard_map", cfg.ShardMapName)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	a.Health.Stop()
	cancel()
	if err := a.Close(); err != nil {
		logger.Warn("close", "error", err)
	}
	logger.Info("orderapi stopped")
}

// runCheck calls /health on a running orderapi, for container health checks.
func runCheck(base string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := api.NewClient(base, nil).Health(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unhealthy:", err)
		return 1
	}
	fmt.Println(h.Status)
	return 0
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
