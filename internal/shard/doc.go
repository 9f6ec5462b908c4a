// Package shard opens connections to shard databases and watches their health.
//
// A Connector turns a directory.Location into a live *sql.Conn by rendering a
// DSN template, so every component that touches a shard (the router, the
// Local Shadow store, fan-out scripts) shares one pool per location.
// Connectivity failures come back as *Error, which matches
// directory.ErrConnectionFailed or directory.ErrTimeout under errors.Is and
// carries the shard's location.
//
// HealthMonitor probes registered shards on a fixed interval and derives a
// reachability status. It is informational: routing decisions are made by
// the directory and the Local Shadow, never by probe results.
package shard
