package batchcopy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/comet/pkg/chunk"
	"github.com/ajitpratap0/comet/pkg/config"
	"github.com/ajitpratap0/comet/pkg/errors"
	"github.com/ajitpratap0/comet/pkg/memory"
	"github.com/ajitpratap0/comet/pkg/sink"
)

// recordingSink captures every prepare and flush call so tests can assert
// ordering, sizing and conservation properties.
type recordingSink struct {
	mu        sync.Mutex
	prepares  []int   // row count per prepare, in call order
	flushes   []int   // row count per flush, in flush order
	flushed   []int64 // row ids in flush order
	finalized int

	failPrepareAt int // fail the Nth prepare call (1-based, 0 = never)
	prepareCalls  int
}

type recordedBatch struct {
	rows int
	ids  []int64
}

func (s *recordingSink) function(batchSize int) *sink.Function {
	return &sink.Function{
		Name: "mock",
		DesiredBatchSize: func(ctx context.Context) int {
			return batchSize
		},
		PrepareBatch: func(ctx context.Context, global sink.GlobalState, collection *chunk.Collection) (sink.PreparedBatch, error) {
			s.mu.Lock()
			s.prepareCalls++
			call := s.prepareCalls
			s.mu.Unlock()
			if s.failPrepareAt != 0 && call == s.failPrepareAt {
				return nil, errors.New(errors.ErrorTypeData, "prepare exploded")
			}
			batch := &recordedBatch{rows: collection.Count()}
			for _, ch := range collection.Chunks() {
				for i := 0; i < ch.Rows(); i++ {
					batch.ids = append(batch.ids, ch.Value(0, i).(int64))
				}
			}
			s.mu.Lock()
			s.prepares = append(s.prepares, batch.rows)
			s.mu.Unlock()
			return batch, nil
		},
		FlushBatch: func(ctx context.Context, global sink.GlobalState, batch sink.PreparedBatch) error {
			b := batch.(*recordedBatch)
			s.mu.Lock()
			s.flushes = append(s.flushes, b.rows)
			s.flushed = append(s.flushed, b.ids...)
			s.mu.Unlock()
			return nil
		},
		Finalize: func(ctx context.Context, global sink.GlobalState) error {
			s.mu.Lock()
			s.finalized++
			s.mu.Unlock()
			return nil
		},
	}
}

func testSchema() *chunk.Schema {
	return chunk.NewSchema(chunk.Field{Name: "id", Type: chunk.TypeInt})
}

// makeChunk builds a chunk with sequential row ids [start, start+count).
func makeChunk(t *testing.T, schema *chunk.Schema, start int64, count int) *chunk.Chunk {
	t.Helper()
	ch := chunk.New(schema)
	for i := 0; i < count; i++ {
		require.NoError(t, ch.AppendRow(start+int64(i)))
	}
	return ch
}

func testConfig(t *testing.T) *config.CopyConfig {
	t.Helper()
	cfg := config.NewCopyConfig("test-copy")
	cfg.Sink.UseTmpFile = false
	cfg.Observability.EnableMetrics = false
	cfg.Performance.Workers = 4
	return cfg
}

func newTestCopier(t *testing.T, mock *recordingSink, batchSize int, broker *memory.Broker) (*Copier, *GlobalState) {
	t.Helper()
	cfg := testConfig(t)
	target := filepath.Join(t.TempDir(), "out.mock")
	c, err := New(cfg, mock.function(batchSize), testSchema(), target, broker)
	require.NoError(t, err)
	g, err := c.NewGlobalState(context.Background())
	require.NoError(t, err)
	return c, g
}

// sinkOrHelp submits a chunk, waiting on the wake channel while the
// producer is parked, exactly as an external scheduler would.
func sinkOrHelp(t *testing.T, c *Copier, g *GlobalState, l *LocalState, wake <-chan struct{}, ch *chunk.Chunk) {
	t.Helper()
	for {
		result, err := c.Sink(context.Background(), g, l, ch)
		require.NoError(t, err)
		if result == SinkNeedMoreInput {
			return
		}
		<-wake
	}
}

func TestSingleProducerSmallBatches(t *testing.T) {
	mock := &recordingSink{}
	c, g := newTestCopier(t, mock, 1000, memory.NewBroker(1<<30))
	ctx := context.Background()

	l, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)

	// three 500-row batches with a batch boundary between each
	for batch := 0; batch < 3; batch++ {
		require.NoError(t, c.NextBatch(ctx, g, l, uint64(batch)))
		_, err := c.Sink(ctx, g, l, makeChunk(t, testSchema(), int64(batch*500), 500))
		require.NoError(t, err)
	}
	require.NoError(t, c.Combine(ctx, g, l))
	require.NoError(t, c.Finalize(ctx, g))

	assert.Equal(t, []int{1000, 500}, mock.prepares)
	assert.Equal(t, []int{1000, 500}, mock.flushes)
	assert.Equal(t, int64(1500), g.RowsCopied())
	assert.Equal(t, 1, mock.finalized)
	for i, id := range mock.flushed {
		require.Equal(t, int64(i), id, "rows must flush in source order")
	}
}

func TestOversizeCollectionIsSplit(t *testing.T) {
	mock := &recordingSink{}
	c, g := newTestCopier(t, mock, 1000, memory.NewBroker(1<<30))
	ctx := context.Background()

	l, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)

	// one oversized batch: 3500 rows in 500-row chunks
	for i := 0; i < 7; i++ {
		_, err := c.Sink(ctx, g, l, makeChunk(t, testSchema(), int64(i*500), 500))
		require.NoError(t, err)
	}
	require.NoError(t, c.NextBatch(ctx, g, l, 1))
	require.NoError(t, c.Combine(ctx, g, l))
	require.NoError(t, c.Finalize(ctx, g))

	assert.Equal(t, []int{1000, 1000, 1000, 500}, mock.flushes)
	assert.Equal(t, int64(3500), g.RowsCopied())
	assert.Equal(t, uint64(4), g.flushedBatchIndex.Load())
	for i, id := range mock.flushed {
		require.Equal(t, int64(i), id)
	}
}

func TestApproximateSizeFastPath(t *testing.T) {
	mock := &recordingSink{}
	c, g := newTestCopier(t, mock, 1000, memory.NewBroker(1<<30))
	ctx := context.Background()

	l, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)

	// 1001 rows is within one vector of the 1000-row target: the
	// repartitioner must schedule the collection as-is, not split it
	_, err = c.Sink(ctx, g, l, makeChunk(t, testSchema(), 0, 1001))
	require.NoError(t, err)
	require.NoError(t, c.NextBatch(ctx, g, l, 1))
	require.NoError(t, c.Combine(ctx, g, l))
	require.NoError(t, c.Finalize(ctx, g))

	assert.Equal(t, []int{1001}, mock.prepares)
	assert.Equal(t, []int{1001}, mock.flushes)
}

func TestPrepareFailurePropagates(t *testing.T) {
	mock := &recordingSink{failPrepareAt: 4}
	c, g := newTestCopier(t, mock, 1000, memory.NewBroker(1<<30))
	ctx := context.Background()

	l, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)

	var copyErr error
	for batch := 0; batch < 5 && copyErr == nil; batch++ {
		if copyErr = c.NextBatch(ctx, g, l, uint64(batch)); copyErr != nil {
			break
		}
		_, copyErr = c.Sink(ctx, g, l, makeChunk(t, testSchema(), int64(batch*1000), 1000))
	}
	if copyErr == nil {
		copyErr = c.Combine(ctx, g, l)
	}
	if copyErr == nil {
		copyErr = c.Finalize(ctx, g)
	}

	require.Error(t, copyErr)
	assert.True(t, errors.IsType(copyErr, errors.ErrorTypeSink))
	// nothing at or past the failed batch may have been flushed
	for _, id := range mock.flushed {
		assert.Less(t, id, int64(3000))
	}
	assert.Equal(t, 0, mock.finalized)
}

func TestParallelProducersTightMemory(t *testing.T) {
	for _, tc := range []struct {
		name   string
		budget int64
	}{
		// 40KB budget: the quarter cap leaves room for roughly one 8KB batch
		{name: "tight memory", budget: 40 << 10},
		// plenty of memory: no backpressure at all
		{name: "ample memory", budget: 1 << 30},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mock := &recordingSink{}
			c, g := newTestCopier(t, mock, 1000, memory.NewBroker(tc.budget))
			ctx := context.Background()

			const batchesPerProducer = 10
			// register both producers before either starts: the engine
			// derives the minimum batch index from the producers it knows
			locals := make([]*LocalState, 2)
			for p := range locals {
				l, err := c.NewLocalState(ctx, g)
				require.NoError(t, err)
				locals[p] = l
			}
			var wg sync.WaitGroup
			for p := 0; p < 2; p++ {
				wg.Add(1)
				go func(l *LocalState, firstBatch uint64) {
					defer wg.Done()
					wake := make(chan struct{}, 1)
					l.Interrupt = NewInterruptHandle(func() {
						select {
						case wake <- struct{}{}:
						default:
						}
					})
					for i := 0; i < batchesPerProducer; i++ {
						batch := firstBatch + uint64(i)
						require.NoError(t, c.NextBatch(ctx, g, l, batch))
						sinkOrHelp(t, c, g, l, wake, makeChunk(t, testSchema(), int64(batch)*1000, 1000))
					}
					require.NoError(t, c.Combine(ctx, g, l))
				}(locals[p], uint64(p*batchesPerProducer))
			}
			wg.Wait()
			require.NoError(t, c.Finalize(ctx, g))

			assert.Equal(t, int64(20000), g.RowsCopied())
			assert.Equal(t, uint64(20), g.flushedBatchIndex.Load())
			require.Len(t, mock.flushed, 20000)
			for i, id := range mock.flushed {
				require.Equal(t, int64(i), id, "rows must flush in batch index order")
			}
		})
	}
}

func TestMemoryGrowthDenied(t *testing.T) {
	// a competing reservation eats most of the broker's budget, so the
	// engine's first growth request comes back smaller than asked
	broker := memory.NewBroker(40 << 10)
	other := broker.Register()
	other.SetRemainingSize(35 << 10)
	defer other.Free()

	mock := &recordingSink{}
	c, g := newTestCopier(t, mock, 1000, broker)
	ctx := context.Background()

	granted := g.availableMemory.Load()
	require.Greater(t, granted, int64(0))

	g.increaseMemory()
	assert.False(t, g.canIncreaseMemory.Load(), "first denial must stop growth attempts")
	assert.Equal(t, granted, g.availableMemory.Load())

	// further attempts are no-ops
	before := g.reservation.Reservation()
	g.increaseMemory()
	assert.Equal(t, before, g.reservation.Reservation())

	// the operation still completes through min-batch-index progress alone
	l, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)
	for batch := 0; batch < 4; batch++ {
		require.NoError(t, c.NextBatch(ctx, g, l, uint64(batch)))
		_, err := c.Sink(ctx, g, l, makeChunk(t, testSchema(), int64(batch*1000), 1000))
		require.NoError(t, err)
	}
	require.NoError(t, c.Combine(ctx, g, l))
	require.NoError(t, c.Finalize(ctx, g))
	assert.Equal(t, int64(4000), g.RowsCopied())
}

func TestForcedBackpressureParksProducer(t *testing.T) {
	mock := &recordingSink{}
	c, g := newTestCopier(t, mock, 1000, memory.NewBroker(1<<30))
	g.forceOOM = true
	ctx := context.Background()

	ahead, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)
	behind, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)

	woken := 0
	ahead.Interrupt = NewInterruptHandle(func() { woken++ })
	require.NoError(t, c.NextBatch(ctx, g, ahead, 5))

	// the producer above the minimum batch index must park
	result, err := c.Sink(ctx, g, ahead, makeChunk(t, testSchema(), 5000, 100))
	require.NoError(t, err)
	assert.Equal(t, SinkBlocked, result)

	// the minimum batch index holder is never declared out of memory
	result, err = c.Sink(ctx, g, behind, makeChunk(t, testSchema(), 0, 100))
	require.NoError(t, err)
	assert.Equal(t, SinkNeedMoreInput, result)

	// finishing the min producer advances the minimum and wakes the parked one
	require.NoError(t, c.Combine(ctx, g, behind))
	assert.Greater(t, woken, 0)

	// now at the minimum, the parked producer proceeds
	result, err = c.Sink(ctx, g, ahead, makeChunk(t, testSchema(), 5000, 100))
	require.NoError(t, err)
	assert.Equal(t, SinkNeedMoreInput, result)

	require.NoError(t, c.Combine(ctx, g, ahead))
	require.NoError(t, c.Finalize(ctx, g))
	assert.Equal(t, int64(200), g.RowsCopied())
}

func TestFinalizeClosure(t *testing.T) {
	mock := &recordingSink{}
	c, g := newTestCopier(t, mock, 1000, memory.NewBroker(1<<30))
	ctx := context.Background()

	l, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)
	for batch := 0; batch < 6; batch++ {
		require.NoError(t, c.NextBatch(ctx, g, l, uint64(batch)))
		_, err := c.Sink(ctx, g, l, makeChunk(t, testSchema(), int64(batch*700), 700))
		require.NoError(t, err)
	}
	require.NoError(t, c.Combine(ctx, g, l))
	require.NoError(t, c.Finalize(ctx, g))

	assert.Zero(t, g.rawBatchCount())
	assert.Zero(t, g.preparedBatchCount())
	assert.Zero(t, g.tasks.len())
	assert.Equal(t, int64(0), g.unflushedMemoryUsage.Load())
	assert.Equal(t, int64(4200), g.RowsCopied())
}

func TestRecursiveFlushIsRejectedByGuard(t *testing.T) {
	mock := &recordingSink{}
	fn := mock.function(1000)

	var c *Copier
	var g *GlobalState
	innerFlush := fn.FlushBatch
	fn.FlushBatch = func(ctx context.Context, global sink.GlobalState, batch sink.PreparedBatch) error {
		// a misbehaving sink re-entering the engine must hit the flushing
		// guard and return without recursing
		require.NoError(t, c.flushBatchData(ctx, g))
		return innerFlush(ctx, global, batch)
	}

	cfg := testConfig(t)
	target := filepath.Join(t.TempDir(), "out.mock")
	var err error
	c, err = New(cfg, fn, testSchema(), target, memory.NewBroker(1<<30))
	require.NoError(t, err)
	ctx := context.Background()
	g, err = c.NewGlobalState(ctx)
	require.NoError(t, err)

	l, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)
	for batch := 0; batch < 3; batch++ {
		require.NoError(t, c.NextBatch(ctx, g, l, uint64(batch)))
		_, err := c.Sink(ctx, g, l, makeChunk(t, testSchema(), int64(batch*1000), 1000))
		require.NoError(t, err)
	}
	require.NoError(t, c.Combine(ctx, g, l))
	require.NoError(t, c.Finalize(ctx, g))

	assert.Equal(t, []int{1000, 1000, 1000}, mock.flushes)
	for i, id := range mock.flushed {
		require.Equal(t, int64(i), id)
	}
}

func TestDuplicateBatchIndexIsFatal(t *testing.T) {
	mock := &recordingSink{}
	c, g := newTestCopier(t, mock, 1000, memory.NewBroker(1<<30))
	ctx := context.Background()

	a, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)
	b, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)

	// both producers claim batch index 0; Combine does not repartition, so
	// the first batch is still in the raw store when the second publishes
	_, err = c.Sink(ctx, g, a, makeChunk(t, testSchema(), 0, 100))
	require.NoError(t, err)
	require.NoError(t, c.Combine(ctx, g, a))

	_, err = c.Sink(ctx, g, b, makeChunk(t, testSchema(), 100, 100))
	require.NoError(t, err)
	err = c.Combine(ctx, g, b)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestCopierValidation(t *testing.T) {
	cfg := testConfig(t)
	broker := memory.NewBroker(1 << 30)
	mock := &recordingSink{}

	t.Run("missing callbacks", func(t *testing.T) {
		fn := mock.function(1000)
		fn.PrepareBatch = nil
		_, err := New(cfg, fn, testSchema(), "out.mock", broker)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("empty schema", func(t *testing.T) {
		_, err := New(cfg, mock.function(1000), chunk.NewSchema(), "out.mock", broker)
		require.Error(t, err)
	})

	t.Run("missing target path", func(t *testing.T) {
		_, err := New(cfg, mock.function(1000), testSchema(), "", broker)
		require.Error(t, err)
	})

	t.Run("non-positive batch size", func(t *testing.T) {
		c, err := New(cfg, mock.function(0), testSchema(), "out.mock", broker)
		require.NoError(t, err)
		_, err = c.NewGlobalState(context.Background())
		require.Error(t, err)
	})
}

func TestMaxThreadsCappedByMemory(t *testing.T) {
	mock := &recordingSink{}

	t.Run("ample memory keeps the hint", func(t *testing.T) {
		_, g := newTestCopier(t, mock, 1000, memory.NewBroker(8<<30))
		assert.Equal(t, 8, g.MaxThreads(8))
	})

	t.Run("tight memory caps concurrency", func(t *testing.T) {
		// a 16MB budget caps the reservation at 4MB: one thread's worth
		_, g := newTestCopier(t, mock, 1000, memory.NewBroker(16<<20))
		assert.Less(t, g.MaxThreads(64), 64)
	})
}

func TestGetDataReportsRowsCopied(t *testing.T) {
	mock := &recordingSink{}
	c, g := newTestCopier(t, mock, 1000, memory.NewBroker(1<<30))
	ctx := context.Background()

	l, err := c.NewLocalState(ctx, g)
	require.NoError(t, err)
	_, err = c.Sink(ctx, g, l, makeChunk(t, testSchema(), 0, 1234))
	require.NoError(t, err)
	require.NoError(t, c.Combine(ctx, g, l))
	require.NoError(t, c.Finalize(ctx, g))

	out, err := c.GetData(g)
	require.NoError(t, err)
	require.Equal(t, 1, out.Rows())
	assert.Equal(t, int64(1234), out.Value(0, 0))
}
