/*
Package archive implements the tape archive workers.

PutWorker aggregates a holding's object-store contents into tar archives
streamed directly onto tape, verifying the stream against the tape
server's own checksum and rolling the tape file back on mismatch.
GetWorker stages tars back from tape in three routing-key phases (prepare,
prepare-check, start) so staging latency never blocks a consumer, then
streams the requested members back into object storage.

Bytes never stage on local disk: the tar reader and writer wrap the tape
stream through an Adler-32 adapter that digests bytes as they flow.
*/
package archive
