// Package worker provides the background worker used to drive orders
// forward.
//
// Workers consume wake-up tasks from a task queue and hand them to a
// Handler, normally the order engine. A task carries no state of its own;
// the engine re-reads the instance from the store, so a task that is
// delivered twice or late is harmless.
//
// # Retries
//
// A task whose handler fails is re-enqueued with exponential backoff and
// an incremented Attempts counter. Config.MaxAttempts bounds this; zero
// retries forever, which suits the engine since every failed advance is a
// transient store or lease problem.
//
// On shutdown (context cancelled) an in-flight task is put back unchanged
// so a durable queue hands it to the next process.
//
// # Concurrency
//
// Run starts N consumers in an errgroup. The pool size is the concurrency
// limit for activities across all orders; advancement of a single order is
// serialized by the engine regardless of N.
package worker
