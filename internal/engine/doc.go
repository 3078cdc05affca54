// Package engine is the session and message engine behind the bleterm
// console.
//
// It owns all per-device state:
//   - Connection lifecycle state machine (disconnected, connecting,
//     connected, disconnecting, lost)
//   - Subscription reconciliation between UI selections and the transport's
//     actual notify/indicate subscriptions
//   - Per-characteristic framing of the inbound byte stream into discrete
//     console messages
//   - The ordered per-device console log and its soft-archival on disconnect
//
// All mutation is funneled through a single locked apply path that also
// records every action into a bounded history for diagnosis. Transport events
// arrive on a dedicated run loop and go through the same path, so a stale
// event referencing a state the device has already moved past is a silent
// no-op rather than a corruption.
package engine
