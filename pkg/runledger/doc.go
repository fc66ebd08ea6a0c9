// Package runledger records every assistant run in a local SQLite database.
//
// The ledger is an audit trail of runs, not a transcript: it stores run ids,
// session ids, outcomes and timings, never turn content. It plugs into a
// Client as an assistant.RunObserver.
//
// Invariants:
//   - One row per run id; RunFinished updates the row written by RunStarted
//     and creates it if RunStarted was never seen.
//   - Observer methods never fail the send; write errors are logged.
//
// Usage:
//
//	ledger, err := runledger.Open(runledger.Config{Path: "runs.db", Logger: logger})
//	client, err := assistant.NewClient(assistant.Config{Remote: r, Observer: ledger})
//	entries, err := ledger.List(ctx, runledger.Filter{SessionID: "thread_abc", Limit: 20})
package runledger
