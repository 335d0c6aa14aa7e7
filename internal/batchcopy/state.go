package batchcopy

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/ajitpratap0/comet/pkg/chunk"
	"github.com/ajitpratap0/comet/pkg/errors"
	"github.com/ajitpratap0/comet/pkg/memory"
	"github.com/ajitpratap0/comet/pkg/sink"
)

// btreeDegree sizes the ordered batch maps. Batches are drained almost as
// fast as they arrive, so the trees stay small.
const btreeDegree = 8

type rawEntry struct {
	index      uint64
	collection *chunk.Collection
}

func rawLess(a, b rawEntry) bool { return a.index < b.index }

type preparedEntry struct {
	index       uint64
	batch       sink.PreparedBatch
	memoryUsage int64
}

func preparedLess(a, b preparedEntry) bool { return a.index < b.index }

func newRawTree() *btree.BTreeG[rawEntry] {
	return btree.NewG(btreeDegree, rawLess)
}

func newPreparedTree() *btree.BTreeG[preparedEntry] {
	return btree.NewG(btreeDegree, preparedLess)
}

// InterruptHandle is the parking token a producer deposits when it blocks.
// The scheduler that drives the producer installs a wake callback; the
// engine invokes it when the producer may be re-submitted.
type InterruptHandle struct {
	wake func()
}

// NewInterruptHandle creates a handle with the scheduler's wake callback.
// A nil callback is allowed; waking such a handle is a no-op.
func NewInterruptHandle(wake func()) *InterruptHandle {
	return &InterruptHandle{wake: wake}
}

// Wake signals the scheduler to re-submit the parked producer.
func (h *InterruptHandle) Wake() {
	if h != nil && h.wake != nil {
		h.wake()
	}
}

// GlobalState is the shared state of one copy operation.
//
// Three locks, in a fixed order: mu (the batch store) protects rawBatches,
// preparedBatches and scheduledBatchIndex; the anyFlushing flag serializes
// flush callbacks; blockedMu protects the parked-producer set, the producer
// registry and minBatchIndex advancement. mu and blockedMu are never held
// together.
type GlobalState struct {
	sinkGlobal sink.GlobalState
	batchSize  int

	tasks taskQueue

	rowsCopied atomic.Int64

	mu                  sync.Mutex
	rawBatches          *btree.BTreeG[rawEntry]
	preparedBatches     *btree.BTreeG[preparedEntry]
	scheduledBatchIndex uint64

	flushedBatchIndex    atomic.Uint64
	anyFlushing          atomic.Bool
	anyFinished          atomic.Bool
	unflushedMemoryUsage atomic.Int64
	minBatchIndex        atomic.Uint64

	availableMemory   atomic.Int64
	canIncreaseMemory atomic.Bool

	blockedMu sync.Mutex
	blocked   []*InterruptHandle
	producers map[*LocalState]struct{}

	reservation            *memory.Reservation
	broker                 *memory.Broker
	minimumMemoryPerThread int64

	// forceOOM makes every over-min producer report out-of-memory, forcing
	// the backpressure path. Test-only.
	forceOOM bool
}

// producerState tracks what a producer is doing between Sink calls.
type producerState int

const (
	sinkingData producerState = iota + 1
	processingTasks
)

// LocalState is the per-producer state of one copy operation.
type LocalState struct {
	sinkLocal sink.LocalState

	// Interrupt is deposited into the blocked set when the producer parks.
	// The scheduler driving this producer sets it before sinking.
	Interrupt *InterruptHandle

	collection       *chunk.Collection
	batchIndex       atomic.Uint64
	localMemoryUsage int64
	rowsCopied       int64
	state            producerState
	parked           bool
}

// BatchIndex returns the producer's current batch index.
func (l *LocalState) BatchIndex() uint64 {
	return l.batchIndex.Load()
}

// RowsCopied returns the rows this producer has sunk so far.
func (l *LocalState) RowsCopied() int64 {
	return l.rowsCopied
}

// addRawBatch publishes a producer's collection into the raw store. A
// duplicate batch index indicates corrupted upstream batch assignment.
func (g *GlobalState) addRawBatch(batchIndex uint64, collection *chunk.Collection) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.rawBatches.Get(rawEntry{index: batchIndex}); exists {
		return errors.Newf(errors.ErrorTypeInternal,
			"duplicate batch index %d encountered in batch copy", batchIndex)
	}
	g.rawBatches.ReplaceOrInsert(rawEntry{index: batchIndex, collection: collection})
	return nil
}

// addPreparedBatch moves a prepared artifact into the set of ready batches.
func (g *GlobalState) addPreparedBatch(batchIndex uint64, batch sink.PreparedBatch, memoryUsage int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.preparedBatches.Get(preparedEntry{index: batchIndex}); exists {
		return errors.Newf(errors.ErrorTypeInternal,
			"duplicate prepared batch index %d encountered in batch copy", batchIndex)
	}
	g.preparedBatches.ReplaceOrInsert(preparedEntry{index: batchIndex, batch: batch, memoryUsage: memoryUsage})
	return nil
}

// rawBatchCount returns the number of unpartitioned batches.
func (g *GlobalState) rawBatchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rawBatches.Len()
}

// preparedBatchCount returns the number of ready-to-flush batches.
func (g *GlobalState) preparedBatchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preparedBatches.Len()
}

// RowsCopied returns the total rows accepted by the operation so far.
func (g *GlobalState) RowsCopied() int64 {
	return g.rowsCopied.Load()
}

// setMemorySize asks the broker to resize the reservation. Requests are
// capped at a quarter of the query memory budget; a grant that does not grow
// the reservation stops future growth attempts.
func (g *GlobalState) setMemorySize(size int64) {
	requestCap := g.broker.QueryMaxMemory() / 4
	if size > requestCap {
		size = requestCap
	}
	if size <= g.availableMemory.Load() {
		return
	}

	g.reservation.SetRemainingSize(size)
	next := g.reservation.Reservation()
	if g.availableMemory.Load() >= next {
		// we tried to ask for more memory but were declined
		// stop asking for more memory
		g.canIncreaseMemory.Store(false)
	}
	g.availableMemory.Store(next)
}

func (g *GlobalState) increaseMemory() {
	if !g.canIncreaseMemory.Load() {
		return
	}
	g.setMemorySize(g.availableMemory.Load() * 2)
}

// outOfMemory reports whether the producer at batchIndex must stop buffering.
// The producer holding the minimum batch index is never declared out of
// memory: it has to make progress to unblock everyone else.
func (g *GlobalState) outOfMemory(batchIndex uint64) bool {
	if g.forceOOM {
		return true
	}
	if g.unflushedMemoryUsage.Load() >= g.availableMemory.Load() {
		g.blockedMu.Lock()
		defer g.blockedMu.Unlock()
		if batchIndex > g.minBatchIndex.Load() {
			// exceeded available memory and we are not the minimum batch index - try to increase it
			g.increaseMemory()
			if g.unflushedMemoryUsage.Load() >= g.availableMemory.Load() {
				// STILL out of memory
				return true
			}
		}
	}
	return false
}

// blockProducerLocked parks a producer. blockedMu must be held.
func (g *GlobalState) blockProducerLocked(handle *InterruptHandle) {
	g.blocked = append(g.blocked, handle)
}

// unblockProducers wakes every parked producer, reporting whether any were
// woken.
func (g *GlobalState) unblockProducers() bool {
	g.blockedMu.Lock()
	defer g.blockedMu.Unlock()
	return g.unblockProducersLocked()
}

func (g *GlobalState) unblockProducersLocked() bool {
	if len(g.blocked) == 0 {
		return false
	}
	for _, handle := range g.blocked {
		handle.Wake()
	}
	g.blocked = g.blocked[:0]
	return true
}

// updateMinBatchIndex advances the minimum live batch index (monotone max)
// and wakes parked producers on a strict advance.
func (g *GlobalState) updateMinBatchIndex(currentMin uint64) {
	if g.minBatchIndex.Load() >= currentMin {
		return
	}
	g.blockedMu.Lock()
	defer g.blockedMu.Unlock()
	if currentMin > g.minBatchIndex.Load() {
		// new batch index! unblock all tasks
		g.minBatchIndex.Store(currentMin)
		g.unblockProducersLocked()
	}
}

// registerProducer adds a producer to the live set used for min tracking.
func (g *GlobalState) registerProducer(l *LocalState) {
	g.blockedMu.Lock()
	defer g.blockedMu.Unlock()
	g.producers[l] = struct{}{}
}

// deregisterProducer removes a finished producer from the live set.
func (g *GlobalState) deregisterProducer(l *LocalState) {
	g.blockedMu.Lock()
	defer g.blockedMu.Unlock()
	delete(g.producers, l)
}

// observedMinBatchIndex returns the smallest batch index any live producer
// is still working on, or maxBatchIndex when none remain.
func (g *GlobalState) observedMinBatchIndex() uint64 {
	g.blockedMu.Lock()
	defer g.blockedMu.Unlock()
	if len(g.producers) == 0 {
		return maxBatchIndex
	}
	min := maxBatchIndex
	for l := range g.producers {
		if idx := l.batchIndex.Load(); idx < min {
			min = idx
		}
	}
	return min
}

// maxBatchIndex is the sentinel passed to the repartitioner and flusher at
// finalize so every remaining batch qualifies.
const maxBatchIndex = ^uint64(0)

// MaxThreads requests memory for the hinted thread count and caps
// concurrency at what the granted reservation can sustain.
func (g *GlobalState) MaxThreads(sourceMaxThreads int) int {
	// try to reserve the per-thread cache heuristic for every thread
	g.setMemorySize(int64(sourceMaxThreads) * g.minimumMemoryPerThread)
	maxThreads := g.availableMemory.Load()/g.minimumMemoryPerThread + 1
	if int64(sourceMaxThreads) < maxThreads {
		return sourceMaxThreads
	}
	return int(maxThreads)
}
