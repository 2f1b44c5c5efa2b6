/*
Package events provides the in-process event bus that glues the arbiter's
components together.

Every event is a typed struct with a stable name; handlers subscribe by name
and receive the concrete payload. Two delivery modes exist:

  - Parallel: each publish spawns a goroutine that may outlive the
    publisher. Used for fan-out work such as backend submission and the
    vote/reveal/settle dispatchers.
  - Serialized(N): the handler owns a private FIFO drained by N workers.
    N=1 gives strict per-handler ordering, which transitions such as
    block bookkeeping and bounty ingestion rely on.

The bus also schedules periodic handlers in two flavors: Periodic sleeps
before the first run, PeriodicNow runs first and then sleeps. Periodic
handlers are independent; one running long does not delay the others.

Handler panics are trapped and logged. No error or panic crosses the bus
boundary.
*/
package events
