// Package rabbitmq keeps a broker connection alive and re-applies a declared
// topology every time it comes back.
//
// This package includes:
//   - ConnectionManager: owns one connection and one confirm-mode channel,
//     reconnecting on a fixed delay after broker closes and blocked
//     notifications until it is disposed
//   - Registry: typed exchange, queue, binding and consumer declarations per
//     Kind, where a derived kind overrides its base kind key by key
//   - Reconciler: a ConnectionListener that replays the resolved registry on
//     each new channel in the order exchanges, queues, bindings, consumers
//   - Consumer: dispatches deliveries to handlers with an acknowledgment
//     strategy and per-delivery request IDs
//
// A failed declaration never aborts a reconciliation pass. It is logged with
// its registry key, recorded in the pass Report, and retried on the next
// connect.
package rabbitmq
