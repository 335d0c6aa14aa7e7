// Package batchcopy implements the parallel, memory-bounded,
// order-preserving batch copy engine. Producers sink chunks tagged with
// monotonically increasing batch indexes; the engine regroups them into
// fixed-size output batches, prepares batches in parallel through the sink's
// copy function, and flushes prepared batches strictly in batch-index order.
//
// Memory for yet-unflushed data is bounded by a reservation from the memory
// broker. When the bound is hit, producers above the minimum live batch
// index first assist with queued work and then park, returning Blocked to
// their scheduler; they are woken when the minimum batch index advances.
package batchcopy

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/comet/pkg/chunk"
	"github.com/ajitpratap0/comet/pkg/config"
	"github.com/ajitpratap0/comet/pkg/errors"
	"github.com/ajitpratap0/comet/pkg/logger"
	"github.com/ajitpratap0/comet/pkg/memory"
	"github.com/ajitpratap0/comet/pkg/metrics"
	"github.com/ajitpratap0/comet/pkg/sink"
)

// defaultMemoryPerColumnPerThread is the cache heuristic used for the
// initial reservation and for capping concurrency: 4MB per column per
// thread.
const defaultMemoryPerColumnPerThread = 4 << 20

// SinkResult is the outcome of a Sink call.
type SinkResult int

const (
	// SinkNeedMoreInput means the chunk was accepted; keep sinking.
	SinkNeedMoreInput SinkResult = iota
	// SinkBlocked means the producer parked under backpressure; the
	// scheduler must re-submit it after its interrupt handle is woken.
	SinkBlocked
)

// Copier is the batch copy-to-file operator. One Copier drives one output
// file; it is safe for use by many concurrent producers, each holding its
// own LocalState.
type Copier struct {
	name               string
	fn                 *sink.Function
	schema             *chunk.Schema
	targetPath         string
	useTmpFile         bool
	workers            int
	memoryPerColThread int64

	broker    *memory.Broker
	logger    *zap.Logger
	collector *metrics.Collector
}

// New creates a copier for the given sink function, input schema and output
// path. The sink function must define desired batch size, prepare, flush
// and finalize callbacks.
func New(cfg *config.CopyConfig, fn *sink.Function, schema *chunk.Schema, targetPath string, broker *memory.Broker) (*Copier, error) {
	if cfg == nil {
		cfg = config.NewCopyConfig("copy")
	}
	if err := fn.Validate(); err != nil {
		return nil, err
	}
	if schema == nil || schema.ColumnCount() == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "batch copy requires a non-empty schema")
	}
	if targetPath == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "batch copy requires a target path")
	}
	if broker == nil {
		broker = memory.NewBroker(cfg.Memory.QueryMaxMemoryMB << 20)
	}

	memoryPerColThread := cfg.Memory.MinimumPerColumnPerThreadMB << 20
	if memoryPerColThread <= 0 {
		memoryPerColThread = defaultMemoryPerColumnPerThread
	}

	c := &Copier{
		name:               cfg.Name,
		fn:                 fn,
		schema:             schema,
		targetPath:         targetPath,
		useTmpFile:         cfg.Sink.UseTmpFile,
		workers:            cfg.Performance.Workers,
		memoryPerColThread: memoryPerColThread,
		broker:             broker,
		logger: logger.Get().With(
			zap.String("operation", cfg.Name),
			zap.String("sink", fn.Name),
			zap.String("target", targetPath)),
	}
	if cfg.Observability.EnableMetrics {
		c.collector = metrics.NewCollector(cfg.Name)
	}
	return c, nil
}

// NewGlobalState initializes the shared state of the operation: the sink's
// global state, the desired batch size, and the initial memory reservation
// sized by the per-column cache heuristic.
func (c *Copier) NewGlobalState(ctx context.Context) (*GlobalState, error) {
	writePath := c.targetPath
	if c.useTmpFile {
		writePath = sink.TmpPath(c.targetPath)
	}

	var sinkGlobal sink.GlobalState
	if c.fn.InitializeGlobal != nil {
		var err error
		sinkGlobal, err = c.fn.InitializeGlobal(ctx, writePath)
		if err != nil {
			return nil, err
		}
	}

	batchSize := c.fn.DesiredBatchSize(ctx)
	if batchSize <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"sink %q returned non-positive desired batch size %d", c.fn.Name, batchSize)
	}

	g := &GlobalState{
		sinkGlobal:             sinkGlobal,
		batchSize:              batchSize,
		rawBatches:             newRawTree(),
		preparedBatches:        newPreparedTree(),
		producers:              make(map[*LocalState]struct{}),
		broker:                 c.broker,
		reservation:            c.broker.Register(),
		minimumMemoryPerThread: c.memoryPerColThread * int64(c.schema.ColumnCount()),
	}
	g.canIncreaseMemory.Store(true)
	g.setMemorySize(g.minimumMemoryPerThread)
	if c.collector != nil {
		c.collector.SetMemoryReservation(float64(g.availableMemory.Load()))
	}
	return g, nil
}

// NewLocalState initializes per-producer state. The producer starts on
// batch index 0; NextBatch announces every subsequent index.
func (c *Copier) NewLocalState(ctx context.Context, g *GlobalState) (*LocalState, error) {
	var sinkLocal sink.LocalState
	if c.fn.InitializeLocal != nil {
		var err error
		sinkLocal, err = c.fn.InitializeLocal(ctx)
		if err != nil {
			return nil, err
		}
	}
	l := &LocalState{
		sinkLocal: sinkLocal,
		state:     sinkingData,
	}
	g.registerProducer(l)
	return l, nil
}

// Sink accepts one chunk from a producer. It returns SinkBlocked when the
// producer parked under backpressure; the chunk was NOT accepted and must be
// re-submitted after the producer's interrupt handle is woken.
func (c *Copier) Sink(ctx context.Context, g *GlobalState, l *LocalState, ch *chunk.Chunk) (SinkResult, error) {
	batchIndex := l.batchIndex.Load()
	if l.state == processingTasks {
		// assist with queued work for the minimum batch index before
		// deciding whether to park
		if err := c.executeTasks(ctx, g); err != nil {
			return SinkNeedMoreInput, err
		}
		if err := c.flushBatchData(ctx, g); err != nil {
			return SinkNeedMoreInput, err
		}
		if batchIndex > g.minBatchIndex.Load() && g.outOfMemory(batchIndex) {
			g.blockedMu.Lock()
			if batchIndex > g.minBatchIndex.Load() {
				// no tasks to process, we are not the minimum batch index and
				// there is no memory left to buffer - park the producer
				g.blockProducerLocked(l.Interrupt)
				g.blockedMu.Unlock()
				if c.collector != nil && !l.parked {
					l.parked = true
					c.collector.AddBlockedProducers(1)
				}
				c.logger.Debug("producer parked",
					zap.Uint64("batch_index", batchIndex),
					zap.Uint64("min_batch_index", g.minBatchIndex.Load()),
					zap.Int64("unflushed_bytes", g.unflushedMemoryUsage.Load()))
				return SinkBlocked, nil
			}
			g.blockedMu.Unlock()
		}
		l.state = sinkingData
		if c.collector != nil && l.parked {
			l.parked = false
			c.collector.AddBlockedProducers(-1)
		}
	}
	if batchIndex > g.minBatchIndex.Load() {
		g.updateMinBatchIndex(g.observedMinBatchIndex())

		// we are not processing the current minimum batch index - check
		// whether the unflushed data still fits the reservation
		if g.outOfMemory(batchIndex) {
			// out of memory - stop sinking and assist in processing tasks
			// for the minimum batch index instead
			l.state = processingTasks
			return c.Sink(ctx, g, l, ch)
		}
	}
	if l.collection == nil {
		l.collection = chunk.NewCollection(c.schema)
		l.localMemoryUsage = 0
	}
	rows := ch.Rows()
	if err := l.collection.AppendChunk(ch); err != nil {
		return SinkNeedMoreInput, errors.Wrap(err, errors.ErrorTypeData, "failed to buffer chunk")
	}
	l.rowsCopied += int64(rows)
	g.rowsCopied.Add(int64(rows))
	if c.collector != nil {
		c.collector.AddRowsCopied(float64(rows))
	}

	newMemoryUsage := l.collection.SizeInBytes()
	if newMemoryUsage > l.localMemoryUsage {
		// memory usage increased - add to global state
		g.unflushedMemoryUsage.Add(newMemoryUsage - l.localMemoryUsage)
		if c.collector != nil {
			c.collector.SetUnflushedBytes(float64(g.unflushedMemoryUsage.Load()))
		}
	} else if newMemoryUsage < l.localMemoryUsage {
		return SinkNeedMoreInput, errors.New(errors.ErrorTypeInternal,
			"batch copy memory usage decreased after append")
	}
	l.localMemoryUsage = newMemoryUsage
	return SinkNeedMoreInput, nil
}

// NextBatch announces that the producer moves on to newBatchIndex. The
// current collection (if any) is published into the raw store under the old
// index, the repartitioner gets a chance to cut output batches, and parked
// producers are woken; when none were parked this producer lends a hand by
// executing one task and flushing once.
func (c *Copier) NextBatch(ctx context.Context, g *GlobalState, l *LocalState, newBatchIndex uint64) error {
	oldBatchIndex := l.batchIndex.Load()
	if newBatchIndex < oldBatchIndex {
		return errors.Newf(errors.ErrorTypeInternal,
			"batch index moved backwards: %d after %d", newBatchIndex, oldBatchIndex)
	}
	l.batchIndex.Store(newBatchIndex)

	if l.collection != nil && l.collection.Count() > 0 {
		// we finished processing this batch - push the raw data into the set
		// of unprocessed batches and attempt to repartition
		if err := g.addRawBatch(oldBatchIndex, l.collection); err != nil {
			return err
		}
		l.collection = nil
		l.localMemoryUsage = 0

		minBatchIndex := g.observedMinBatchIndex()
		if stored := g.minBatchIndex.Load(); stored > minBatchIndex {
			minBatchIndex = stored
		}
		if err := c.repartitionBatches(ctx, g, minBatchIndex, false); err != nil {
			return err
		}
		// unblock tasks so they can help process batches (if any are blocked)
		anyUnblocked := g.unblockProducers()
		if !anyUnblocked {
			// no other producers to pick the work up - execute a single task
			// and flush whatever is ready
			if _, err := c.executeTask(ctx, g); err != nil {
				return err
			}
			if err := c.flushBatchData(ctx, g); err != nil {
				return err
			}
		}
	} else {
		l.collection = nil
		l.localMemoryUsage = 0
	}

	g.updateMinBatchIndex(g.observedMinBatchIndex())
	return nil
}

// Combine folds a finished producer into the global state. A trailing
// non-empty collection is published so its rows survive into finalize.
func (c *Copier) Combine(ctx context.Context, g *GlobalState, l *LocalState) error {
	if l.collection != nil && l.collection.Count() > 0 {
		if err := g.addRawBatch(l.batchIndex.Load(), l.collection); err != nil {
			return err
		}
		l.collection = nil
		l.localMemoryUsage = 0
	}
	// signal that this producer is finished and that we should move on to
	// finalize
	g.anyFinished.Store(true)
	g.deregisterProducer(l)
	g.updateMinBatchIndex(g.observedMinBatchIndex())
	return c.executeTasks(ctx, g)
}

// Finalize repartitions everything that remains (including a trailing
// under-sized batch), drains outstanding tasks - in parallel when more than
// one remains - and completes the output.
func (c *Copier) Finalize(ctx context.Context, g *GlobalState) error {
	// repartition any remaining batches
	if err := c.repartitionBatches(ctx, g, maxBatchIndex, true); err != nil {
		return err
	}
	if g.tasks.len() <= 1 {
		// just execute the remaining task and finish flushing inline
		if err := c.executeTasks(ctx, g); err != nil {
			return err
		}
		return c.finalFlush(ctx, g)
	}

	// multiple tasks remaining - drain them with one worker per thread
	workers := g.MaxThreads(c.workers)
	c.logger.Debug("draining remaining batch copy tasks",
		zap.Int("tasks", g.tasks.len()),
		zap.Int("workers", workers))
	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		eg.Go(func() error {
			for {
				ok, err := c.executeTask(egCtx, g)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if err := c.flushBatchData(egCtx, g); err != nil {
					return err
				}
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return c.finalFlush(ctx, g)
}

// GetData emits the operator's single output row: the total rows copied.
func (c *Copier) GetData(g *GlobalState) (*chunk.Chunk, error) {
	out := chunk.New(chunk.NewSchema(chunk.Field{Name: "rows_copied", Type: chunk.TypeInt}))
	if err := out.AppendRow(g.rowsCopied.Load()); err != nil {
		return nil, err
	}
	return out, nil
}
