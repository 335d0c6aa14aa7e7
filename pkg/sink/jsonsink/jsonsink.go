// Package jsonsink provides the JSON-lines copy function for the batch copy
// engine. Each row becomes one JSON object per line; batches are serialized
// in parallel during prepare and appended to the output at flush.
package jsonsink

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/comet/pkg/chunk"
	"github.com/ajitpratap0/comet/pkg/compression"
	"github.com/ajitpratap0/comet/pkg/errors"
	"github.com/ajitpratap0/comet/pkg/sink"
)

const defaultBatchSize = 10000

// Options configures the JSON-lines copy function.
type Options struct {
	// BatchSize is the preferred rows per flushed batch (0 = default)
	BatchSize int
	// Compression wraps the output file (nil = none)
	Compression *compression.Config
}

type globalState struct {
	file *os.File
	bufw *bufio.Writer
	comp io.WriteCloser
}

type preparedBatch struct {
	data []byte
	rows int
}

// New creates the JSON-lines copy function for the given schema.
func New(schema *chunk.Schema, opts Options) *sink.Function {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	fields := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		fields[i] = f.Name
	}

	return &sink.Function{
		Name: "jsonl",
		DesiredBatchSize: func(ctx context.Context) int {
			return batchSize
		},
		InitializeGlobal: func(ctx context.Context, path string) (sink.GlobalState, error) {
			file, err := os.Create(path)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create JSON output")
			}
			bufw := bufio.NewWriterSize(file, 256*1024)
			comp, err := compression.NewWriter(bufw, opts.Compression)
			if err != nil {
				file.Close()
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to configure JSON compression")
			}
			return &globalState{file: file, bufw: bufw, comp: comp}, nil
		},
		PrepareBatch: func(ctx context.Context, global sink.GlobalState, collection *chunk.Collection) (sink.PreparedBatch, error) {
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			obj := make(map[string]interface{}, len(fields))
			var row []interface{}
			for _, ch := range collection.Chunks() {
				for i := 0; i < ch.Rows(); i++ {
					row = ch.Row(i, row)
					for col, name := range fields {
						obj[name] = row[col]
					}
					if err := enc.Encode(obj); err != nil {
						return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to render JSON row")
					}
				}
			}
			return &preparedBatch{data: buf.Bytes(), rows: collection.Count()}, nil
		},
		FlushBatch: func(ctx context.Context, global sink.GlobalState, batch sink.PreparedBatch) error {
			g := global.(*globalState)
			b := batch.(*preparedBatch)
			if _, err := g.comp.Write(b.data); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "failed to write JSON batch")
			}
			return nil
		},
		Finalize: func(ctx context.Context, global sink.GlobalState) error {
			g := global.(*globalState)
			if err := g.comp.Close(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "failed to finish JSON compression")
			}
			if err := g.bufw.Flush(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush JSON output")
			}
			if err := g.file.Close(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "failed to close JSON output")
			}
			return nil
		},
	}
}
