/*
Package catalog implements the NLDS catalog: the durable record of
holdings, transactions, files, storage locations, tape aggregations, tags
and checksums, plus the catalog worker consuming the catalog queues.

The store is relational. Entities map to tables with integer primary keys
and cascade-deleting foreign keys (holding -> transaction -> file ->
location / checksum, aggregation -> location). The unique constraint on
(storage_type, file_id) guarantees at most one location per file and tier,
which is what makes archive operations idempotent.

All writes for one message happen inside a Session, a thin wrapper over a
database transaction: the consumer begins a session, performs its
operations, and commits atomically or rolls back wholly.
*/
package catalog
