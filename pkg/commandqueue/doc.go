// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane start in enqueue order.
// - Tasks in different lanes may execute concurrently.
// - A task whose caller context ends while it is still queued never starts.
// - ResetLane and ClearLane reject queued tasks; running tasks finish.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
