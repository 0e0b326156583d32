// Package api contains the types shared by the orderflow engine and its
// callers: orders and their states, signals, the audit trail, the payment
// ledger, shipments and the collaborator interfaces the engine calls out to.
//
// Most users interact with the higher-level orderflow package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations such as a real PaymentGateway or
// Carrier, or an Observer feeding an external monitoring system.
//
// # Orders
//
// An Order is the durable record of one fulfillment process. Its State only
// moves forward; Terminal reports whether it has finished and Mutable
// whether cancel and address updates are still accepted.
//
// # Audit trail
//
// Every transition appends an Event. Payments are keyed by idempotency key
// and at most one row per order is ever charged. ActivityAttempt records
// every invocation of a side-effecting step, including the ones that
// failed or timed out.
//
// # Collaborators
//
// PaymentGateway and Carrier are the external systems the engine calls.
// Implementations must deduplicate by the idempotency key they receive and
// should wrap failures that retrying cannot fix with Permanent.
//
// # Observability
//
// The Observer interface reports order starts, transitions, activity
// attempts and finished orders. LoggingObserver, BasicMetrics and
// CompositeObserver are ready-made implementations.
package api
