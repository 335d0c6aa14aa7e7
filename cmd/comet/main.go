package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/comet/internal/batchcopy"
	"github.com/ajitpratap0/comet/pkg/chunk"
	"github.com/ajitpratap0/comet/pkg/compression"
	"github.com/ajitpratap0/comet/pkg/config"
	"github.com/ajitpratap0/comet/pkg/logger"
	"github.com/ajitpratap0/comet/pkg/memory"
	"github.com/ajitpratap0/comet/pkg/observability"
	"github.com/ajitpratap0/comet/pkg/sink"
	"github.com/ajitpratap0/comet/pkg/sink/csvsink"
	"github.com/ajitpratap0/comet/pkg/sink/jsonsink"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "comet",
		Short: "Comet - Parallel batch copy-to-file engine",
		Long: `Comet copies row data to files through a parallel, memory-bounded,
order-preserving batch pipeline. Batches are prepared concurrently and
flushed to the output strictly in order.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Comet v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newCopyCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCopyCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy a CSV input to an output file through the batch engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.NewCopyConfig("comet-copy")
			cfg.Performance.BatchSize = v.GetInt("batch-size")
			cfg.Performance.Workers = v.GetInt("workers")
			cfg.Sink.Format = v.GetString("format")
			cfg.Sink.Compression = v.GetString("compression")
			cfg.Sink.UseTmpFile = v.GetBool("tmp-file")
			cfg.Sink.Header = v.GetBool("header")
			cfg.Observability.LogLevel = v.GetString("log-level")
			cfg.Observability.EnableMetrics = v.GetBool("metrics")
			cfg.Observability.EnableTracing = v.GetBool("tracing")
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runCopy(cmd.Context(), cfg, v.GetString("from"), v.GetString("to"))
		},
	}

	flags := cmd.Flags()
	flags.String("from", "", "input CSV file (required)")
	flags.String("to", "", "output file path (required)")
	flags.String("format", "csv", "output format: csv or jsonl")
	flags.String("compression", "none", "output compression: none, gzip, zstd, snappy, lz4")
	flags.Int("batch-size", 10000, "rows per flushed output batch")
	flags.Int("workers", runtime.NumCPU(), "concurrent producer workers")
	flags.Bool("tmp-file", true, "write to a temp file and rename at finalize")
	flags.Bool("header", true, "emit a header row (csv format)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("metrics", true, "register Prometheus metrics")
	flags.Bool("tracing", false, "trace the copy run to stdout")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	v.SetEnvPrefix("COMET")
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)

	return cmd
}

func runCopy(ctx context.Context, cfg *config.CopyConfig, from, to string) error {
	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: "console",
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Get()

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.InitTracing(ctx, observability.DefaultTracingConfig())
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		tracer := observability.Tracer("comet/copy")
		spanCtx, span := tracer.Start(ctx, "copy")
		defer span.End()
		ctx = spanCtx
	}

	input, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer input.Close()

	reader := csv.NewReader(input)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read input header: %w", err)
	}
	fields := make([]chunk.Field, len(header))
	for i, name := range header {
		fields[i] = chunk.Field{Name: name, Type: chunk.TypeString}
	}
	schema := chunk.NewSchema(fields...)

	compAlg, err := compression.ParseAlgorithm(cfg.Sink.Compression)
	if err != nil {
		return err
	}
	compCfg := &compression.Config{Algorithm: compAlg, Level: compression.Default}

	var fn *sink.Function
	switch cfg.Sink.Format {
	case "jsonl":
		fn = jsonsink.New(schema, jsonsink.Options{
			BatchSize:   cfg.Performance.BatchSize,
			Compression: compCfg,
		})
	default:
		fn = csvsink.New(schema, csvsink.Options{
			BatchSize:   cfg.Performance.BatchSize,
			Header:      cfg.Sink.Header,
			Compression: compCfg,
		})
	}

	broker := memory.NewBroker(cfg.Memory.QueryMaxMemoryMB << 20)
	copier, err := batchcopy.New(cfg, fn, schema, to, broker)
	if err != nil {
		return err
	}
	g, err := copier.NewGlobalState(ctx)
	if err != nil {
		return err
	}

	workers := g.MaxThreads(cfg.Performance.Workers)
	log.Info("starting copy",
		zap.String("from", from),
		zap.String("to", to),
		zap.String("format", cfg.Sink.Format),
		zap.Int("workers", workers))

	// a single shared work queue: batches are produced in ascending index
	// order, so whatever subsequence a producer pops is monotone too, and a
	// parked producer never stalls delivery to the others
	work := make(chan inputBatch, workers)

	var wg sync.WaitGroup
	copyErrs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copyErrs <- runProducer(ctx, copier, g, work)
		}()
	}

	readErr := dealBatches(ctx, reader, schema, cfg.Performance.BatchSize, work)
	close(work)
	wg.Wait()
	close(copyErrs)
	if readErr != nil {
		return readErr
	}
	for err := range copyErrs {
		if err != nil {
			return err
		}
	}

	if err := copier.Finalize(ctx, g); err != nil {
		return err
	}
	out, err := copier.GetData(g)
	if err != nil {
		return err
	}
	fmt.Printf("%d rows copied\n", out.Value(0, 0))
	return nil
}

// dealBatches cuts the input into batches of batchSize rows and feeds them
// to the shared work queue in ascending batch index order.
func dealBatches(ctx context.Context, reader *csv.Reader, schema *chunk.Schema, batchSize int, work chan<- inputBatch) error {
	var batchIndex uint64
	current := chunk.New(schema)
	var chunks []*chunk.Chunk
	rows := 0

	emit := func() error {
		if current.Rows() > 0 {
			chunks = append(chunks, current)
			current = chunk.New(schema)
		}
		if len(chunks) == 0 {
			return nil
		}
		select {
		case work <- inputBatch{index: batchIndex, chunks: chunks}:
		case <-ctx.Done():
			return ctx.Err()
		}
		batchIndex++
		chunks = nil
		rows = 0
		return nil
	}

	values := make([]interface{}, schema.ColumnCount())
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read input row: %w", err)
		}
		for i := range values {
			if i < len(record) {
				values[i] = record[i]
			} else {
				values[i] = ""
			}
		}
		if err := current.AppendRow(values...); err != nil {
			return err
		}
		rows++
		if current.Full() {
			chunks = append(chunks, current)
			current = chunk.New(schema)
		}
		if rows >= batchSize {
			if err := emit(); err != nil {
				return err
			}
		}
	}
	return emit()
}

// runProducer drives one producer: announce the batch, sink its chunks
// (parking and retrying on backpressure), and combine when input ends.
func runProducer(ctx context.Context, copier *batchcopy.Copier, g *batchcopy.GlobalState, in <-chan inputBatch) error {
	l, err := copier.NewLocalState(ctx, g)
	if err != nil {
		return err
	}
	wake := make(chan struct{}, 1)
	l.Interrupt = batchcopy.NewInterruptHandle(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	for batch := range in {
		if err := copier.NextBatch(ctx, g, l, batch.index); err != nil {
			return err
		}
		for _, ch := range batch.chunks {
			for {
				result, err := copier.Sink(ctx, g, l, ch)
				if err != nil {
					return err
				}
				if result == batchcopy.SinkNeedMoreInput {
					break
				}
				// parked: wait until the engine wakes us, then re-submit
				select {
				case <-wake:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	return copier.Combine(ctx, g, l)
}

// inputBatch is the unit of work handed to a producer: one upstream batch
// index and its chunks.
type inputBatch struct {
	index  uint64
	chunks []*chunk.Chunk
}
