// Package batch splits records into fixed-size chunks and bulk inserts them.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"ais_pipeline/internal/metrics"
)

// Inserter is a collection that accepts bulk inserts and returns the
// identifiers the store assigned, in input order.
type Inserter interface {
	Name() string
	InsertMany(ctx context.Context, docs []any) ([]any, error)
}

// ChunkError reports the chunk whose insert failed.
type ChunkError struct {
	Chunk  int // Zero-based chunk index.
	Offset int // Index of the chunk's first record.
	Size   int
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("insert chunk %d (records %d-%d): %v", e.Chunk, e.Offset, e.Offset+e.Size-1, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Writer writes records to an Inserter in chunks of at most ChunkSize.
type Writer[T any] struct {
	dst       Inserter
	chunkSize int
}

// NewWriter returns a Writer. chunkSize must be positive.
func NewWriter[T any](dst Inserter, chunkSize int) (*Writer[T], error) {
	if chunkSize < 1 {
		return nil, errors.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	return &Writer[T]{dst: dst, chunkSize: chunkSize}, nil
}

// ChunkSize returns the maximum number of records per insert.
func (w *Writer[T]) ChunkSize() int {
	return w.chunkSize
}

// Write issues one bulk insert per non-empty chunk, in order, and returns the
// concatenated identifiers. The first failed chunk aborts the rest; the
// identifiers of chunks already written are returned with a *ChunkError.
func (w *Writer[T]) Write(ctx context.Context, records []T) ([]any, error) {
	ids := make([]any, 0, len(records))
	for i, chunk := range Chunks(records, w.chunkSize) {
		if err := ctx.Err(); err != nil {
			return ids, err
		}

		docs := make([]any, len(chunk))
		for j := range chunk {
			docs[j] = chunk[j]
		}

		start := time.Now()
		assigned, err := w.dst.InsertMany(ctx, docs)
		if err != nil {
			metrics.Get().RecordChunkFailure(w.dst.Name())
			return ids, &ChunkError{Chunk: i, Offset: i * w.chunkSize, Size: len(chunk), Err: err}
		}
		metrics.Get().RecordChunkWrite(w.dst.Name(), len(assigned), time.Since(start))
		ids = append(ids, assigned...)
	}
	return ids, nil
}

// Chunks splits records into consecutive slices of at most size elements.
// The slices share records' backing array.
func Chunks[T any](records []T, size int) [][]T {
	if size < 1 {
		panic("batch: chunk size must be positive")
	}
	chunks := make([][]T, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end:end])
	}
	return chunks
}
