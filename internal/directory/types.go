package directory

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key identifies a tenant. Keys are unique within a shard map and ordered numerically.
type Key int64

// String renders the key the way operators type it on the command line.
func (k Key) String() string {
	return strconv.FormatInt(int64(k), 10)
}

// ParseKey parses a tenant key from its decimal form.
func ParseKey(s string) (Key, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid tenant key %q: %w", s, err)
	}
	return Key(v), nil
}

// Location is the physical identity of a shard: a server and a database name on it.
// A shard's location never changes once registered.
type Location struct {
	Server   string `json:"server" yaml:"server"`
	Database string `json:"database" yaml:"database"`
}

func (l Location) String() string {
	return l.Server + "/" + l.Database
}

// Valid reports whether both halves of the location are set.
func (l Location) Valid() bool {
	return l.Server != "" && l.Database != ""
}

// CompareLocations orders locations by server, then database name.
func CompareLocations(a, b Location) int {
	if c := cmp.Compare(a.Server, b.Server); c != 0 {
		return c
	}
	return cmp.Compare(a.Database, b.Database)
}

// Status is the lifecycle status of a mapping or the reachability status of a shard.
type Status string

const (
	// StatusOnline means requests for the key may be routed.
	StatusOnline Status = "online"
	// StatusOffline means the key is being torn down and must not be routed.
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusOffline
}

// ParseStatus accepts "online" or "offline" in any case.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(s)); st {
	case StatusOnline, StatusOffline:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Shard is a registered database endpoint holding one or more tenants.
type Shard struct {
	Location  Location  `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// Mapping associates one tenant key with exactly one shard.
type Mapping struct {
	Key       Key       `json:"key"`
	Shard     Location  `json:"shard"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShardedTable names a table whose rows are partitioned by a tenant key column.
type ShardedTable struct {
	Table     string `json:"table" yaml:"table"`
	KeyColumn string `json:"key_column" yaml:"key_column"`
}

// SchemaInfo records which tables of a shard map are reference tables
// (replicated whole to every shard) and which are sharded by tenant key.
// Fan-out scripts are expected to touch only these tables.
type SchemaInfo struct {
	ReferenceTables []string       `json:"reference_tables"`
	ShardedTables   []ShardedTable `json:"sharded_tables"`
}
