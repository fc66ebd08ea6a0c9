// Package assistant relays user text to a stateful remote assistant and
// returns its reply.
//
// A Client owns at most one remote session (a "thread"). The first Send
// creates it, optionally seeds it with one non-user turn, and caches its id.
// Every Send then appends the user turn, starts a run, polls the run until it
// reaches a terminal status, and returns the newest assistant turn.
//
// Invariants:
//   - Blank input fails with ErrInvalidInput before any remote call.
//   - Session bootstrap happens once per client; a failed bootstrap leaves the
//     client uninitialized so the next Send starts over.
//   - No user turn is appended while the session has an active run.
//   - Sends on one client reach the remote in submission order.
//   - A run is polled at most MaxAttempts times; only the poll is retried.
//
// Usage:
//
//	client, _ := assistant.NewClient(assistant.Config{Remote: remote, Logger: logger})
//	defer client.Close()
//	reply, err := client.Send(ctx, "What is a flipped classroom?")
//	if errors.Is(err, assistant.ErrRunTimedOut) {
//		// the run may still finish remotely
//	}
package assistant
