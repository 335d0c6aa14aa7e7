package chunk

import (
	"fmt"
)

// Collection is an ordered sequence of chunks sharing a schema, with
// byte-size accounting. SizeInBytes is monotone in appended data: chunks are
// immutable once added, so the total only grows.
//
// A Collection is not safe for concurrent use; the engine gives each
// collection a single owner at any moment (producer, raw store, in-flight
// task or prepared artifact) and transfers are moves.
type Collection struct {
	schema *Schema
	chunks []*Chunk
	rows   int
	bytes  int64
}

// NewCollection creates an empty collection for the given schema.
func NewCollection(schema *Schema) *Collection {
	return &Collection{schema: schema}
}

// Schema returns the collection's schema.
func (c *Collection) Schema() *Schema { return c.schema }

// AppendChunk adds a chunk to the collection. The chunk must match the
// collection's schema and must not be modified afterwards.
func (c *Collection) AppendChunk(ch *Chunk) error {
	if ch.Schema().ColumnCount() != c.schema.ColumnCount() {
		return fmt.Errorf("chunk: schema mismatch: %d columns vs %d",
			ch.Schema().ColumnCount(), c.schema.ColumnCount())
	}
	c.chunks = append(c.chunks, ch)
	c.rows += ch.Rows()
	c.bytes += ch.SizeInBytes()
	return nil
}

// Count returns the total number of rows across all chunks.
func (c *Collection) Count() int { return c.rows }

// SizeInBytes returns the total memory footprint of the collection's data.
func (c *Collection) SizeInBytes() int64 { return c.bytes }

// Chunks returns the chunks in append order. The returned slice is owned by
// the collection; callers must not mutate it.
func (c *Collection) Chunks() []*Chunk { return c.chunks }

// Builder assembles rows into VectorSize chunks and appends them to a
// collection. It exists for producers that receive row-oriented input (the
// sink and chunk tests, for example) rather than ready-made chunks.
type Builder struct {
	schema  *Schema
	current *Chunk
	out     *Collection
}

// NewBuilder creates a builder writing into a fresh collection.
func NewBuilder(schema *Schema) *Builder {
	return &Builder{
		schema: schema,
		out:    NewCollection(schema),
	}
}

// AppendRow adds a row, rolling over to a new chunk at VectorSize rows.
func (b *Builder) AppendRow(values ...interface{}) error {
	if b.current == nil {
		b.current = New(b.schema)
	}
	if err := b.current.AppendRow(values...); err != nil {
		return err
	}
	if b.current.Full() {
		if err := b.out.AppendChunk(b.current); err != nil {
			return err
		}
		b.current = nil
	}
	return nil
}

// Finish flushes the trailing partial chunk and returns the collection.
// The builder must not be reused afterwards.
func (b *Builder) Finish() (*Collection, error) {
	if b.current != nil && b.current.Rows() > 0 {
		if err := b.out.AppendChunk(b.current); err != nil {
			return nil, err
		}
		b.current = nil
	}
	return b.out, nil
}
