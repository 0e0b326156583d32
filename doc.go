// Package orderflow provides an embeddable, durable order fulfillment engine
// for Go.
//
// Each order runs as a small state machine whose every transition is
// checkpointed to a transactional store, so a process can crash at any
// point and a restarted one continues from the last committed state
// without charging a customer twice.
//
// # Lifecycle
//
// An order moves through
//
//	pending -> validating -> validated -> awaiting_approval -> charging -> spawning_shipment -> completed
//
// and may end early in cancelled (by signal or approval timeout) or failed
// (validation, payment or shipping). Once charging begins the order can no
// longer be cancelled or re-addressed.
//
// After the payment is charged the engine spawns a shipment, a child
// process of its own with two steps (prepare_package and
// dispatch_carrier). The parent order completes when the shipment is
// delivered and fails when it fails.
//
// # Activities
//
// Side effects (validation, the payment charge and both shipping steps)
// run through an activity executor that records every attempt before
// invoking it, retries transient failures with exponential backoff,
// abandons calls that exceed their timeout, and derives the idempotency
// key of each attempt from the order id and the attempt number. An attempt
// that was in flight when the process died is re-run under the same key.
//
// # Signals
//
// Running orders accept three signals: approve, cancel and
// update_address. Signals are delivered to the live in-process instance
// and are applied in arrival order at the next checkpoint. A signal that
// arrives too late is reported through SignalResult and recorded in the
// audit trail; it is never an error.
//
// # Storage and queues
//
// Orders, events, attempts, payments and shipments can be kept in memory,
// in SQLite or in PostgreSQL. Wake-ups travel through a delayed task queue
// (in memory, SQLite or Redis) consumed by a pkg/worker pool.
//
// LocalRunner bundles the in-memory store, queue and worker for tests and
// development. WorkerBundle wires a durable store and queue; call its Run
// method on startup so in-flight orders are recovered before new work is
// accepted.
package orderflow
