/*
Package transfer implements the object transfer workers.

PutWorker streams files from the POSIX filesystem into the transaction's
bucket; GetWorker streams them back out, restoring permission bits and,
when configured, the owning uid/gid through an external setuid helper.
Both act on behalf of the requesting user: per-file access failures attach
a failure reason and travel on the failed routing key without aborting the
rest of the batch.
*/
package transfer
