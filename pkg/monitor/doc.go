/*
Package monitor implements the NLDS monitor: the durable record of
per-transaction progress, and the monitor worker consuming state events
and answering stat queries.

A TransactionRecord is the user-visible job; it owns SubRecords, one per
parallel unit of work, each carrying a state from the ordered State enum.
SubRecord states only ever advance; an update that would regress is an
error. When every SubRecord has reached a final state the record completes:
it is FAILED when every SubRecord failed, COMPLETE_WITH_ERRORS when some
but not all failed, and COMPLETE_WITH_WARNINGS when warnings were recorded
without failures.
*/
package monitor
