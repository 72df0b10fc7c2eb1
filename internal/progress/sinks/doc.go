// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, run-report persistence and run announcements.
package sinks
