/*
Package orchestrator implements the NLDS routing worker.

The orchestrator is pure and stateless: it consumes new requests on
"nlds-api.route.*" and the completion and failure events of every other
worker, and publishes the next stage's messages. It never touches the
catalog or monitor databases directly; all state flows through the message
bus. Alongside each stage transition it forwards a monitor update carrying
the new workflow state, so the monitor worker observes every hop.

The transition table is exhaustive. An event with no transition is logged
and dropped rather than redelivered, since redelivery cannot make an
unknown key known.
*/
package orchestrator
