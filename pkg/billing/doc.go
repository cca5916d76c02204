// Package billing implements the subscription and payment reconciliation
// core: the subscription ledger, the invoice ledger, payment method
// management, and the dunning engine.
//
// The ledgers are the single authority for local billing state. Mutations
// arrive from two directions -- tenant API calls pushed out to the payment
// processor, and verified webhook events flowing back in -- and both
// converge on the same transition functions here. Transitions are ordered
// by a fixed status total order rather than by arrival order, which keeps
// state convergent under at-least-once, possibly reordered delivery.
//
// Per-entity writes are serialized with a keyed mutex plus single-
// transaction read-modify-write; writes for different entities proceed in
// parallel.
package billing
