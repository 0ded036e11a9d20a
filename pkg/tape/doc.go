/*
Package tape fronts the tape storage tier.

The tape system is an assumed external with prepare/stage/evict semantics;
Client is the protocol boundary the archive workers program against. A
tape endpoint is named by a URL of the form "root://server//base_dir".
DirClient implements the interface over a local directory for tests and
local deployments; production deployments plug a protocol client into the
same interface.
*/
package tape
