// Package csvsink provides the CSV copy function for the batch copy engine.
// Batches are rendered to CSV in parallel during prepare; flush appends the
// rendered bytes to the output file through an optional compression writer.
package csvsink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ajitpratap0/comet/pkg/chunk"
	"github.com/ajitpratap0/comet/pkg/compression"
	"github.com/ajitpratap0/comet/pkg/errors"
	"github.com/ajitpratap0/comet/pkg/sink"
)

const defaultBatchSize = 10000

// Options configures the CSV copy function.
type Options struct {
	// BatchSize is the preferred rows per flushed batch (0 = default)
	BatchSize int
	// Header emits a header row before any data
	Header bool
	// Delimiter is the field separator (0 = comma)
	Delimiter rune
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

// New creates the CSV copy function for the given schema.
func New(schema *chunk.Schema, opts Options) *sink.Function {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &sink.Function{
		Name: "csv",
		DesiredBatchSize: func(ctx context.Context) int {
			return batchSize
		},
		InitializeGlobal: func(ctx context.Context, path string) (sink.GlobalState, error) {
			file, err := os.Create(path)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create CSV output")
			}
			bufw := bufio.NewWriterSize(file, 256*1024)
			comp, err := compression.NewWriter(bufw, opts.Compression)
			if err != nil {
				file.Close()
				return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to configure CSV compression")
			}
			g := &globalState{file: file, bufw: bufw, comp: comp}
			if opts.Header {
				header := make([]string, len(schema.Fields))
				for i, f := range schema.Fields {
					header[i] = f.Name
				}
				w := csv.NewWriter(g.comp)
				if opts.Delimiter != 0 {
					w.Comma = opts.Delimiter
				}
				if err := w.Write(header); err != nil {
					return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to write CSV header")
				}
				w.Flush()
				if err := w.Error(); err != nil {
					return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to write CSV header")
				}
			}
			return g, nil
		},
		PrepareBatch: func(ctx context.Context, global sink.GlobalState, collection *chunk.Collection) (sink.PreparedBatch, error) {
			var buf bytes.Buffer
			w := csv.NewWriter(&buf)
			if opts.Delimiter != 0 {
				w.Comma = opts.Delimiter
			}
			record := make([]string, schema.ColumnCount())
			var row []interface{}
			for _, ch := range collection.Chunks() {
				for i := 0; i < ch.Rows(); i++ {
					row = ch.Row(i, row)
					for col, v := range row {
						record[col] = formatValue(v)
					}
					if err := w.Write(record); err != nil {
						return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to render CSV row")
					}
				}
			}
			w.Flush()
			if err := w.Error(); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to render CSV batch")
			}
			return &preparedBatch{data: buf.Bytes(), rows: collection.Count()}, nil
		},
		FlushBatch: func(ctx context.Context, global sink.GlobalState, batch sink.PreparedBatch) error {
			g := global.(*globalState)
			b := batch.(*preparedBatch)
			if _, err := g.comp.Write(b.data); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "failed to write CSV batch")
			}
			return nil
		},
		Finalize: func(ctx context.Context, global sink.GlobalState) error {
			g := global.(*globalState)
			if err := g.comp.Close(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "failed to finish CSV compression")
			}
			if err := g.bufw.Flush(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush CSV output")
			}
			if err := g.file.Close(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeFile, "failed to close CSV output")
			}
			return nil
		},
	}
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return ""
	}
}
