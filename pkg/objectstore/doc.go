/*
Package objectstore fronts the S3-compatible object storage tier.

Store is the interface the transfer and archive workers program against;
MinioStore implements it over an S3 tenancy and MemStore provides an
in-memory backend for tests and local development. Buckets are owned by
transactions and named "nlds.<transaction_id>"; objects are keyed by the
file's original path with the leading slash preserved.
*/
package objectstore
