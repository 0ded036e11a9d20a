/*
Package types defines the shared domain types used across all NLDS workers.

These include the PathDetails structure exchanged on the message bus, the
per-storage-tier location variants, the sub-transaction State enum with its
persisted name mapping, and the error kinds surfaced by the catalog and
monitor stores.

All workers communicate by passing Message envelopes whose data section
carries a list of PathDetails. A PathDetails describes one filesystem entry
captured during indexing and accumulates location information as the entry
moves through the PUT, GET and ARCHIVE workflows.
*/
package types
