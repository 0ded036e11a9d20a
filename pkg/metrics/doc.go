// Package metrics defines the Prometheus collectors exported by NLDS
// workers and a small HTTP server exposing them.
package metrics
