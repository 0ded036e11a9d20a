/*
Package rabbit is the message bus binding layer for NLDS.

Every message is routed by a three token key "root.worker.action" on one
durable topic exchange. The package provides:

  - Connection: a reconnecting AMQP connection that declares the exchange
    and re-establishes consumers after broker loss.
  - Publisher: publish with optional delay, correlation id and reply-to.
    Delayed publishing uses the broker's delayed-message exchange when
    available and falls back to a local bbolt-journaled scheduler so that
    pending delayed messages survive a process restart.
  - Consumer: a durable queue bound to "root.worker.*" delivering messages
    one at a time to a handler with manual acknowledgement. Handler errors
    republish the message with a bounded retry count; exhausted retries are
    handed to an OnExhausted callback.
  - RPC: synchronous request/reply over an exclusive reply queue keyed by
    correlation id, used by the list/find/meta/stat query path.

Consumers also answer the administrative "system-stat" action on their own
queue, forming the fan-out liveness probe.
*/
package rabbit
