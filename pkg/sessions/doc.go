// Package sessions keeps one assistant.Client per logical user session.
//
// A Registry lazily creates clients through a ClientFactory the first time a
// session key is used and hands the same client back afterwards, so every
// message from one user lands in the same remote session. A Sweeper evicts
// clients that have been idle longer than a TTL on a cron schedule.
//
// Invariants:
//   - At most one client exists per key.
//   - Busy clients (a send running or queued) are never evicted.
//   - Evicted and removed clients are closed.
package sessions
