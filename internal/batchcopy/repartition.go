package batchcopy

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/pkg/chunk"
)

// correctSizeForBatch reports whether a collection is close enough to the
// desired batch size to be scheduled as-is: at least the target, and over
// by less than one vector. Under-sized collections never qualify; they keep
// merging until a batch fills (or until the final pass takes them as-is).
func correctSizeForBatch(collectionSize, desiredSize int) bool {
	return collectionSize >= desiredSize && collectionSize-desiredSize < chunk.VectorSize
}

// repartitionBatches merges and splits raw collections below minIndex into
// collections of the desired batch size and schedules a prepare task for
// each, in ascending source batch-index order. The batch store lock is held
// throughout, serializing output index assignment.
//
// When final is false the call is best-effort: it bails out if any producer
// has already finished (late repartitioning with a shrinking worker pool has
// erratic cost), or if fewer than one full batch of rows is available below
// minIndex. When final is true everything drains, including a trailing
// under-sized batch.
func (c *Copier) repartitionBatches(ctx context.Context, g *GlobalState, minIndex uint64, final bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rawBatches.Len() == 0 {
		return nil
	}
	if !final {
		if g.anyFinished.Load() {
			return nil
		}
		// check if we have enough data below the minimum to fill a batch
		candidateRows := 0
		g.rawBatches.Ascend(func(entry rawEntry) bool {
			if entry.index >= minIndex {
				return false
			}
			candidateRows += entry.collection.Count()
			return true
		})
		if candidateRows < g.batchSize {
			// not enough rows - cancel!
			return nil
		}
	}

	// gather all collections we can repartition
	var maxBatchIndexDrained uint64
	var collections []*chunk.Collection
	for {
		entry, ok := g.rawBatches.Min()
		if !ok || entry.index >= minIndex {
			break
		}
		maxBatchIndexDrained = entry.index
		collections = append(collections, entry.collection)
		g.rawBatches.Delete(entry)
	}
	if len(collections) == 0 {
		return nil
	}

	scheduled := 0
	var current *chunk.Collection
	// now perform the actual repartitioning
	for _, collection := range collections {
		if current == nil {
			if correctSizeForBatch(collection.Count(), g.batchSize) {
				// the collection is approximately equal to the batch size
				// (off by at most one vector) - use it directly
				g.tasks.push(&prepareBatchTask{batchIndex: g.scheduledBatchIndex, collection: collection})
				g.scheduledBatchIndex++
				scheduled++
				continue
			}
			if collection.Count() < g.batchSize {
				// the collection is smaller than the batch size - use it as a starting point
				current = collection
				continue
			}
			// the collection is too large for a batch - we need to repartition
			current = chunk.NewCollection(c.schema)
		}
		// append chunk-wise while cutting batches at the size threshold
		for _, ch := range collection.Chunks() {
			if err := current.AppendChunk(ch); err != nil {
				return err
			}
			if current.Count() < g.batchSize {
				// still under the batch size - continue
				continue
			}
			g.tasks.push(&prepareBatchTask{batchIndex: g.scheduledBatchIndex, collection: current})
			g.scheduledBatchIndex++
			scheduled++
			current = chunk.NewCollection(c.schema)
		}
	}
	if current != nil && current.Count() > 0 {
		if final || correctSizeForBatch(current.Count(), g.batchSize) {
			g.tasks.push(&prepareBatchTask{batchIndex: g.scheduledBatchIndex, collection: current})
			g.scheduledBatchIndex++
			scheduled++
		} else {
			// an under-sized remnant and more data may still arrive:
			// re-add it to the set of to-be-merged batches
			g.rawBatches.ReplaceOrInsert(rawEntry{index: maxBatchIndexDrained, collection: current})
		}
	}

	if scheduled > 0 {
		c.logger.Debug("repartitioned raw batches",
			zap.Int("sources", len(collections)),
			zap.Int("scheduled", scheduled),
			zap.Uint64("next_batch_index", g.scheduledBatchIndex),
			zap.Bool("final", final))
	}
	return nil
}
