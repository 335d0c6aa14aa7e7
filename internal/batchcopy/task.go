package batchcopy

import (
	"context"
	"sync"

	"github.com/ajitpratap0/comet/pkg/chunk"
	"github.com/ajitpratap0/comet/pkg/errors"
)

// task is a unit of deferred engine work. Tasks receive the copier and
// global state at execution time rather than capturing them, so a queued
// task holds no reference into the operation beyond its own payload.
type task interface {
	execute(ctx context.Context, c *Copier, g *GlobalState) error
}

// taskQueue is a mutex-protected FIFO of pending tasks.
type taskQueue struct {
	mu    sync.Mutex
	tasks []task
}

func (q *taskQueue) push(t task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

func (q *taskQueue) pop() task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// prepareBatchTask invokes the sink's prepare callback on a repartitioned
// collection and stores the artifact under its output batch index.
type prepareBatchTask struct {
	batchIndex uint64
	collection *chunk.Collection
}

func (t *prepareBatchTask) execute(ctx context.Context, c *Copier, g *GlobalState) error {
	memoryUsage := t.collection.SizeInBytes()
	prepared, err := c.fn.PrepareBatch(ctx, g.sinkGlobal, t.collection)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSink, "prepare batch failed")
	}
	t.collection = nil
	if err := g.addPreparedBatch(t.batchIndex, prepared, memoryUsage); err != nil {
		return err
	}
	if c.collector != nil {
		c.collector.IncBatchesPrepared()
	}
	if t.batchIndex == g.flushedBatchIndex.Load() {
		// this batch is the next to be flushed; schedule a flush pass
		g.tasks.push(&flushBatchTask{})
	}
	return nil
}

// flushBatchTask drains ready prepared batches to the sink.
type flushBatchTask struct{}

func (t *flushBatchTask) execute(ctx context.Context, c *Copier, g *GlobalState) error {
	return c.flushBatchData(ctx, g)
}

// executeTask runs one queued task, reporting whether a task was found.
func (c *Copier) executeTask(ctx context.Context, g *GlobalState) (bool, error) {
	t := g.tasks.pop()
	if t == nil {
		return false, nil
	}
	if err := t.execute(ctx, c, g); err != nil {
		return true, err
	}
	return true, nil
}

// executeTasks drains the task queue, observing cancellation between tasks.
func (c *Copier) executeTasks(ctx context.Context, g *GlobalState) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCancelled, "batch copy cancelled")
		}
		ok, err := c.executeTask(ctx, g)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}
