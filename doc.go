// Package comet provides a parallel, memory-bounded, order-preserving batch
// copy-to-file engine with pluggable file sinks.
//
// Comet consumes an unbounded stream of row chunks arriving concurrently
// from many producers, each tagged with a monotonically increasing batch
// index. It regroups those chunks into fixed-size output batches,
// transforms each batch into its sink format in parallel, and writes the
// transformed batches to the output strictly in batch-index order - so the
// file reads as if it had been written serially, at parallel speed.
//
// The engine honors a global memory budget for yet-unflushed data. When the
// budget is hit, producers ahead of the minimum live batch index first
// assist with queued prepare and flush work and then park; they are woken
// when the minimum batch index advances. The producer holding the minimum
// index is never parked, which keeps the pipeline live under any budget.
//
// # Quick Start
//
// Copy rows to a CSV file through the engine:
//
//	import (
//	    "context"
//	    "github.com/ajitpratap0/comet/internal/batchcopy"
//	    "github.com/ajitpratap0/comet/pkg/chunk"
//	    "github.com/ajitpratap0/comet/pkg/config"
//	    "github.com/ajitpratap0/comet/pkg/memory"
//	    "github.com/ajitpratap0/comet/pkg/sink/csvsink"
//	)
//
//	schema := chunk.NewSchema(chunk.Field{Name: "id", Type: chunk.TypeInt})
//	cfg := config.NewCopyConfig("my-copy")
//	fn := csvsink.New(schema, csvsink.Options{Header: true})
//
//	copier, _ := batchcopy.New(cfg, fn, schema, "out.csv", memory.NewBroker(0))
//	ctx := context.Background()
//	g, _ := copier.NewGlobalState(ctx)
//	l, _ := copier.NewLocalState(ctx, g)
//
//	// sink chunks, announcing batch boundaries with NextBatch
//	copier.Sink(ctx, g, l, myChunk)
//	copier.Combine(ctx, g, l)
//	copier.Finalize(ctx, g)
//
// # Key Packages
//
//	internal/batchcopy - the copy engine: repartitioning, backpressure, ordered flush
//	pkg/chunk          - column-oriented row buffers with byte-size accounting
//	pkg/sink           - the copy-function contract implemented by file formats
//	pkg/sink/csvsink   - CSV output
//	pkg/sink/jsonsink  - JSON-lines output
//	pkg/memory         - process-wide temporary memory broker
//	pkg/compression    - writer-side compression for sinks
package comet
