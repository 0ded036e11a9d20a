// Package database holds the plumbing shared by the catalog and monitor
// stores: engine selection, schema application, placeholder rebinding and
// driver error classification.
package database
