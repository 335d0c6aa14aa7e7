package batchcopy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/pkg/errors"
	"github.com/ajitpratap0/comet/pkg/sink"
)

// flushBatchData drains ready prepared batches to the sink in strict batch
// index order. At most one goroutine is inside the flushing critical
// section; everyone else returns immediately and the holder flushes whatever
// became ready. The sink's flush callback runs outside the batch store lock
// but inside the critical section, keeping flush calls serial.
func (c *Copier) flushBatchData(ctx context.Context, g *GlobalState) error {
	// grab the flushing critical section - flush callbacks may only run with
	// this held, otherwise the data might end up in the wrong order
	if !g.anyFlushing.CompareAndSwap(false, true) {
		return nil
	}
	defer g.anyFlushing.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCancelled, "batch copy cancelled")
		}
		var entry preparedEntry
		{
			g.mu.Lock()
			next, ok := g.preparedBatches.Min()
			if !ok {
				// no batch data left to flush
				g.mu.Unlock()
				break
			}
			flushed := g.flushedBatchIndex.Load()
			if next.index < flushed {
				g.mu.Unlock()
				return errors.Newf(errors.ErrorTypeInternal,
					"batch index %d was out of order (already flushed up to %d)", next.index, flushed)
			}
			if next.index > flushed {
				// this entry is not yet ready to be flushed
				g.mu.Unlock()
				break
			}
			g.preparedBatches.Delete(next)
			g.mu.Unlock()
			entry = next
		}

		start := time.Now()
		if err := c.fn.FlushBatch(ctx, g.sinkGlobal, entry.batch); err != nil {
			return errors.Wrap(err, errors.ErrorTypeSink, "flush batch failed")
		}
		g.unflushedMemoryUsage.Add(-entry.memoryUsage)
		g.flushedBatchIndex.Add(1)
		if c.collector != nil {
			c.collector.IncBatchesFlushed()
			c.collector.ObserveFlushLatency(time.Since(start))
			c.collector.SetUnflushedBytes(float64(g.unflushedMemoryUsage.Load()))
		}
	}
	return nil
}

// finalFlush completes the output: every task must already have executed,
// every scheduled batch must flush, then the sink finalizes and the
// temporary file (if any) moves into place.
func (c *Copier) finalFlush(ctx context.Context, g *GlobalState) error {
	if g.tasks.len() != 0 {
		return errors.New(errors.ErrorTypeInternal,
			"unexecuted tasks are remaining at final flush")
	}
	if err := c.flushBatchData(ctx, g); err != nil {
		return err
	}

	g.mu.Lock()
	scheduled := g.scheduledBatchIndex
	g.mu.Unlock()
	if flushed := g.flushedBatchIndex.Load(); scheduled != flushed {
		return errors.Newf(errors.ErrorTypeInternal,
			"not all batches were flushed to disk (%d scheduled, %d flushed) - incomplete file",
			scheduled, flushed)
	}

	if err := c.fn.Finalize(ctx, g.sinkGlobal); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSink, "finalize failed")
	}
	if c.useTmpFile {
		if err := sink.MoveTmpFile(c.targetPath); err != nil {
			return err
		}
	}
	g.reservation.Free()
	c.logger.Info("batch copy complete",
		zap.Int64("rows_copied", g.rowsCopied.Load()),
		zap.Uint64("batches_flushed", g.flushedBatchIndex.Load()))
	return nil
}
