// Package sink defines the copy-function contract between the batch copy
// engine and file-format implementations. A format supplies a Function whose
// callbacks the engine drives: PrepareBatch transforms a row collection into
// a format-specific artifact (parallel, any order), FlushBatch writes an
// artifact to the output (strictly serial, in batch order), and Finalize
// closes the output.
//
// Callbacks must not call back into the engine; in particular a PrepareBatch
// implementation must never trigger a flush.
package sink

import (
	"context"
	"os"

	"github.com/ajitpratap0/comet/pkg/chunk"
	"github.com/ajitpratap0/comet/pkg/errors"
)

// GlobalState is the format's per-operation state, created once by
// InitializeGlobal and threaded through every callback.
type GlobalState interface{}

// LocalState is the format's per-producer state.
type LocalState interface{}

// PreparedBatch is an opaque, ready-to-flush artifact produced by
// PrepareBatch. The engine owns it until FlushBatch consumes it.
type PreparedBatch interface{}

// Function describes a file format's copy callbacks.
//
// DesiredBatchSize, PrepareBatch, FlushBatch and Finalize are required; the
// engine rejects a Function missing any of them. InitializeGlobal and
// InitializeLocal may be nil when the format needs no state of that kind.
type Function struct {
	// Name identifies the format ("csv", "jsonl")
	Name string

	// DesiredBatchSize returns the row count the format prefers per flushed
	// artifact. Must be positive.
	DesiredBatchSize func(ctx context.Context) int

	// InitializeGlobal opens the output at path and returns the operation
	// state shared by all callbacks.
	InitializeGlobal func(ctx context.Context, path string) (GlobalState, error)

	// InitializeLocal returns per-producer state.
	InitializeLocal func(ctx context.Context) (LocalState, error)

	// PrepareBatch transforms a collection into a flushable artifact. It
	// consumes the collection and may run concurrently with other prepares.
	PrepareBatch func(ctx context.Context, global GlobalState, collection *chunk.Collection) (PreparedBatch, error)

	// FlushBatch writes a prepared artifact to the output. The engine
	// serializes flush calls and issues them in batch-index order.
	FlushBatch func(ctx context.Context, global GlobalState, batch PreparedBatch) error

	// Finalize completes the output. Called exactly once, after the last
	// flush.
	Finalize func(ctx context.Context, global GlobalState) error
}

// Validate checks that every required callback is present.
func (f *Function) Validate() error {
	if f == nil {
		return errors.New(errors.ErrorTypeValidation, "copy function is nil")
	}
	if f.DesiredBatchSize == nil || f.PrepareBatch == nil || f.FlushBatch == nil || f.Finalize == nil {
		return errors.Newf(errors.ErrorTypeValidation,
			"copy function %q must define desired batch size, prepare, flush and finalize", f.Name)
	}
	return nil
}

// TmpPath returns the temporary path the engine writes to when temp-file
// handoff is enabled.
func TmpPath(path string) string {
	return path + ".tmp"
}

// MoveTmpFile atomically renames the temporary file into the target path.
func MoveTmpFile(path string) error {
	if err := os.Rename(TmpPath(path), path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to move temporary copy output into place")
	}
	return nil
}
