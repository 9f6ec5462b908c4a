// Package config loads shardsql configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/shardsql/internal/directory"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration shared by shardctl and orderapi.
type Config struct {
	ShardMapName    string                   `yaml:"shard_map_name"`
	Directory       DirectoryConfig          `yaml:"directory"`
	Shards          ShardsConfig             `yaml:"shards"`
	Router          RouterConfig             `yaml:"router"`
	Fanout          FanoutConfig             `yaml:"fanout"`
	Health          HealthConfig             `yaml:"health"`
	Delete          DeleteConfig             `yaml:"delete"`
	ReferenceTables []string                 `yaml:"reference_tables"`
	ShardedTables   []directory.ShardedTable `yaml:"sharded_tables"`
	API             APIConfig                `yaml:"api"`
	Log             LogConfig                `yaml:"log"`
}

type DirectoryConfig struct {
	Driver  string        `yaml:"driver"`
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

type ShardsConfig struct {
	Driver      string `yaml:"driver"`
	Server      string `yaml:"server"`
	DSNTemplate string `yaml:"dsn_template"`
	// DatabaseNameFormat turns a tenant key (database-per-tenant) or a
	// --database-name value into a database name, e.g. "tenant-%v".
	DatabaseNameFormat string        `yaml:"database_name_format"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	MaxOpenConns       int           `yaml:"max_open_conns"`
}

type RouterConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// ValidateOnOpen checks the shard's own record of a tenant before routing
	// to it, so a tenant taken offline by another process is rejected even
	// while this process still caches it as online. On by default.
	ValidateOnOpen bool `yaml:"validate_on_open"`
}

type FanoutConfig struct {
	Parallelism int `yaml:"parallelism"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type DeleteConfig struct {
	// Drain is how long tenant deletion waits between taking a mapping
	// Offline and deleting it.
	Drain time.Duration `yaml:"drain"`
}

type APIConfig struct {
	Listen         string        `yaml:"listen"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs everything from SQLite files in
// the working directory.
func Default() Config {
	return Config{
		ShardMapName: "customers",
		Directory: DirectoryConfig{
			Driver:  "sqlite3",
			DSN:     "file:directory.db?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate",
			Timeout: directory.DefaultTimeout,
		},
		Shards: ShardsConfig{
			Driver:             "sqlite",
			Server:             "shards",
			DSNTemplate:        "file:{server}/{database}.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
			DatabaseNameFormat: "tenant-%v",
			ConnectTimeout:     5 * time.Second,
			MaxOpenConns:       8,
		},
		Router:          RouterConfig{CacheTTL: 30 * time.Second, ValidateOnOpen: true},
		Fanout:          FanoutConfig{Parallelism: 4},
		Health:          HealthConfig{Interval: 10 * time.Second},
		ReferenceTables: []string{},
		ShardedTables: []directory.ShardedTable{
			{Table: "customers", KeyColumn: "customer_id"},
			{Table: "orders", KeyColumn: "customer_id"},
		},
		API: APIConfig{Listen: ":8080", CommandTimeout: 30 * time.Second},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file; when path is empty
// SHARDSQL_CONFIG is consulted.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("SHARDSQL_CONFIG")
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Directory.DSN = getenv("SHARDSQL_DIRECTORY_DSN", c.Directory.DSN)
	c.Shards.Server = getenv("SHARDSQL_SHARD_SERVER", c.Shards.Server)
	c.ShardMapName = getenv("SHARDSQL_SHARD_MAP", c.ShardMapName)
	c.API.Listen = getenv("SHARDSQL_LISTEN", c.API.Listen)
	c.Log.Level = getenv("SHARDSQL_LOG_LEVEL", c.Log.Level)
	if v := os.Getenv("SHARDSQL_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SHARDSQL_CACHE_TTL: %w", err)
		}
		c.Router.CacheTTL = d
	}
	if v := os.Getenv("SHARDSQL_FANOUT_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SHARDSQL_FANOUT_PARALLELISM: %w", err)
		}
		c.Fanout.Parallelism = n
	}
	return nil
}

// Validate rejects configurations the rest of the system cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ShardMapName == "" {
		errs = append(errs, errors.New("shard_map_name is required"))
	}
	if c.Directory.Driver == "" || c.Directory.DSN == "" {
		errs = append(errs, errors.New("directory.driver and directory.dsn are required"))
	}
	if c.Directory.Timeout <= 0 {
		errs = append(errs, errors.New("directory.timeout must be positive"))
	}
	if c.Shards.DSNTemplate == "" {
		errs = append(errs, errors.New("shards.dsn_template is required"))
	} else if !strings.Contains(c.Shards.DSNTemplate, "{database}") {
		errs = append(errs, errors.New("shards.dsn_template must contain {database}"))
	}
	if c.Shards.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("shards.connect_timeout must be positive"))
	}
	if c.Router.CacheTTL <= 0 {
		errs = append(errs, errors.New("router.cache_ttl must be positive"))
	}
	if c.Fanout.Parallelism <= 0 {
		errs = append(errs, errors.New("fanout.parallelism must be positive"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if c.Delete.Drain < 0 {
		errs = append(errs, errors.New("delete.drain must not be negative"))
	}
	for _, t := range c.ShardedTables {
		if t.Table == "" || t.KeyColumn == "" {
			errs = append(errs, fmt.Errorf("sharded table %q needs both table and key_column", t.Table))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SchemaInfo returns the table classification recorded for the shard map.
func (c Config) SchemaInfo() directory.SchemaInfo {
	return directory.SchemaInfo{
		ReferenceTables: c.ReferenceTables,
		ShardedTables:   c.ShardedTables,
	}
}

// DatabaseName formats v (a tenant key or an operator-supplied name) with
// shards.database_name_format.
func (c Config) DatabaseName(v any) string {
	if c.Shards.DatabaseNameFormat == "" {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf(c.Shards.DatabaseNameFormat, v)
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
