/*
Package index implements the NLDS indexing worker.

The indexer walks the filesystem paths of a PUT request on behalf of the
requesting user: entries the user cannot read are filtered out, symlinks
are captured without following, and directories recurse unless unreadable,
in which case the subtree is skipped with a warning. The resulting file
details are emitted in batches bounded by both entry count and total byte
size; when a request splits into more than one batch, each batch becomes
its own sub-transaction named by the hash of its path list, and a SPLIT
state event is emitted under the original sub id first.
*/
package index
