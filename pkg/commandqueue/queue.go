package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/flipmentor/internal/observability"
	"github.com/harun/flipmentor/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrLaneReset is returned to queued tasks dropped by ResetLane.
	ErrLaneReset = errors.New("lane reset")
	// ErrLaneCleared is returned to queued tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrQueueClosed is returned once Close has been called.
	ErrQueueClosed = errors.New("command queue closed")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter fires OnWait once if the task is still queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu         sync.Mutex
	generation int
	queue      []*taskRecord
	running    int
}

// remove drops rec from the queue. It reports false when rec already left
// the queue (started or rejected). Callers hold ls.mu.
func (ls *laneState) remove(rec *taskRecord) bool {
	for i, r := range ls.queue {
		if r == rec {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (ls *laneState) position(rec *taskRecord) int {
	for i, r := range ls.queue {
		if r == rec {
			return i
		}
	}
	return -1
}

// CommandQueue serializes tasks per lane.
type CommandQueue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue. Lanes are created on first use and run
// one task at a time.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (cq *CommandQueue) lane(name string) (*laneState, bool) {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	return ls, ok
}

func (cq *CommandQueue) ensureLane(name string) (*laneState, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return nil, ErrQueueClosed
	}
	ls, ok := cq.lanes[name]
	if !ok {
		ls = &laneState{}
		cq.lanes[name] = ls
		log.Debug().Str("lane", name).Msg("Lane initialized")
	}
	return ls, nil
}

// Enqueue adds task to lane and blocks until it finishes, is rejected, or
// ctx ends while the task is still waiting for its turn.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"flipmentor.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	ls, err := cq.ensureLane(lane)
	if err != nil {
		return nil, err
	}

	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 && opts.OnWait != nil {
		go cq.startWarnTimer(ls, record, lane)
	}

	go cq.processLane(lane, ls)

	var result taskResult
	select {
	case result = <-record.result:
	case <-ctx.Done():
		ls.mu.Lock()
		removed := ls.remove(record)
		queueSize = len(ls.queue)
		ls.mu.Unlock()
		if removed {
			observability.SetQueueSize(lane, queueSize)
			logger.Debug().Str("lane", lane).Str("taskId", taskID).Msg("Task abandoned while queued")
			result = taskResult{err: ctx.Err()}
			break
		}
		// already running: its context is cancelled too, wait for it
		result = <-record.result
	}

	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result.value, result.err
}

func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running == 0 && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"flipmentor.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	go cq.processLane(lane, ls)
}

func (cq *CommandQueue) startWarnTimer(ls *laneState, record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := ls.position(record)
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")
			record.options.OnWait(wait, queuePos)
		}
	case <-record.ctx.Done():
	case <-cq.ctx.Done():
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = map[string]int{
			"queued":     len(ls.queue),
			"running":    ls.running,
			"generation": ls.generation,
		}
		ls.mu.Unlock()
	}
	return stats
}

func (cq *CommandQueue) reject(lane string, cause error, bumpGeneration bool) int {
	ls, ok := cq.lane(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	if bumpGeneration {
		ls.generation++
	}
	dropped := ls.queue
	ls.queue = nil
	generation := ls.generation
	ls.mu.Unlock()

	for _, record := range dropped {
		record.result <- taskResult{err: cause}
	}

	log.Info().
		Str("lane", lane).
		Int("dropped", len(dropped)).
		Int("generation", generation).
		Msg(cause.Error())
	observability.SetQueueSize(lane, 0)

	return len(dropped)
}

// ClearLane rejects every queued task in lane with ErrLaneCleared.
func (cq *CommandQueue) ClearLane(lane string) int {
	return cq.reject(lane, ErrLaneCleared, false)
}

// ResetLane starts a new generation for lane and rejects every queued task
// with ErrLaneReset. Running tasks are not interrupted.
func (cq *CommandQueue) ResetLane(lane string) int {
	return cq.reject(lane, ErrLaneReset, true)
}

// RemoveLane forgets an idle lane. It reports false when the lane still has
// queued or running tasks.
func (cq *CommandQueue) RemoveLane(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return true
	}
	ls.mu.Lock()
	busy := ls.running > 0 || len(ls.queue) > 0
	ls.mu.Unlock()
	if busy {
		return false
	}
	delete(cq.lanes, lane)
	return true
}

// WaitForActive waits until no lane has a running task or ctx ends.
func (cq *CommandQueue) WaitForActive(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if ls.running > 0 {
				idle = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if idle {
			return true
		}

		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Msg("Timeout waiting for active tasks")
			return false
		case <-ticker.C:
		}
	}
}

// Close cancels running tasks, rejects queued ones and waits for the
// running tasks to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	names := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		names = append(names, name)
	}
	cq.mu.Unlock()

	for _, name := range names {
		cq.reject(name, ErrQueueClosed, true)
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}
