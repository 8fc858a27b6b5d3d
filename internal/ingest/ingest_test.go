package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ais_pipeline/internal/ais"
	"ais_pipeline/internal/batch"
	"ais_pipeline/internal/partition"
)

// memStore is an in-memory document store shared by every connection.
type memStore struct {
	mu     sync.Mutex
	docs   map[string][]ais.Observation
	calls  map[string]int
	dials  int
	closed int
	nextID int
}

func newMemStore() *memStore {
	return &memStore{docs: map[string][]ais.Observation{}, calls: map[string]int{}}
}

func (s *memStore) dial(context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	return &memConn{store: s}, nil
}

type memConn struct{ store *memStore }

func (c *memConn) Inserter(collection string) batch.Inserter {
	return &memColl{store: c.store, name: collection}
}

func (c *memConn) Close(context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.closed++
	return nil
}

type memColl struct {
	store *memStore
	name  string
}

func (c *memColl) Name() string { return c.name }

func (c *memColl) InsertMany(_ context.Context, docs []any) ([]any, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.calls[c.name]++
	ids := make([]any, len(docs))
	for i, d := range docs {
		c.store.docs[c.name] = append(c.store.docs[c.name], d.(ais.Observation))
		ids[i] = c.store.nextID
		c.store.nextID++
	}
	return ids, nil
}

// sliceLoader serves partitions of an in-memory dataset.
type sliceLoader struct {
	rows []ais.Observation
	// fail, when set, is consulted before a range is served.
	fail func(ctx context.Context, rng partition.Range) error
	mu   sync.Mutex
	seen []partition.Range
}

func (l *sliceLoader) Rows(context.Context) (int, error) { return len(l.rows), nil }

func (l *sliceLoader) Load(ctx context.Context, rng partition.Range) ([]ais.Observation, error) {
	l.mu.Lock()
	l.seen = append(l.seen, rng)
	l.mu.Unlock()
	if l.fail != nil {
		if err := l.fail(ctx, rng); err != nil {
			return nil, err
		}
	}
	return l.rows[rng.Start:rng.End], nil
}

func dataset(n int) []ais.Observation {
	base := time.Date(2023, 2, 27, 0, 0, 0, 0, time.UTC)
	rows := make([]ais.Observation, n)
	for i := range rows {
		rows[i] = ais.Observation{
			MMSI:      int64(200000000 + i%7),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Latitude:  float64(i), // unique per row
			SOG:       ais.ValidReading(1),
		}
	}
	return rows
}

func TestIngestor_EveryRecordExactlyOnce(t *testing.T) {
	store := newMemStore()
	loader := &sliceLoader{rows: dataset(1000)}

	in, err := New(Config{DatasetSize: 1000, Workers: 4, ChunkSize: 100, Collection: "raw_vessels", CancelOnError: true}, store.dial, loader)
	require.NoError(t, err)

	rep, err := in.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1000, rep.Total)
	assert.Equal(t, 1000, rep.Inserted())
	assert.Equal(t, 12, store.calls["raw_vessels"], "250 rows per worker in chunks of 100")
	assert.Equal(t, 4, store.dials, "each worker opens its own connection")
	assert.Equal(t, 4, store.closed)

	seen := map[float64]int{}
	for _, o := range store.docs["raw_vessels"] {
		seen[o.Latitude]++
	}
	require.Len(t, seen, 1000)
	for lat, n := range seen {
		assert.Equal(t, 1, n, "row %v written %d times", lat, n)
	}

	sum := 0
	next := 0
	for i, w := range rep.Workers {
		assert.Equal(t, i, w.Range.Index)
		assert.Equal(t, next, w.Range.Start)
		next = w.Range.End
		sum += w.Range.Len()
		assert.Equal(t, w.Range.Len(), w.Inserted)
	}
	assert.Equal(t, 1000, sum)
}

func TestIngestor_ClampsToDatasetAndSkipsEmptyWorkers(t *testing.T) {
	store := newMemStore()
	loader := &sliceLoader{rows: dataset(3)}

	in, err := New(Config{DatasetSize: 50, Workers: 5, ChunkSize: 2, Collection: "raw"}, store.dial, loader)
	require.NoError(t, err)

	rep, err := in.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 3, rep.Inserted())
	assert.Equal(t, 3, store.dials, "workers with empty ranges must not connect")
	assert.Len(t, loader.seen, 3)
}

func TestIngestor_WithinWorkerOrder(t *testing.T) {
	store := newMemStore()
	loader := &sliceLoader{rows: dataset(40)}

	in, err := New(Config{Workers: 1, ChunkSize: 7, Collection: "raw"}, store.dial, loader)
	require.NoError(t, err)
	_, err = in.Run(context.Background())
	require.NoError(t, err)

	for i, o := range store.docs["raw"] {
		assert.Equal(t, float64(i), o.Latitude)
	}
}

func TestIngestor_CancelOnError(t *testing.T) {
	store := newMemStore()
	boom := errors.New("bad slice")
	loader := &sliceLoader{
		rows: dataset(400),
		fail: func(ctx context.Context, rng partition.Range) error {
			if rng.Index == 0 {
				return boom
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return errors.New("sibling was not cancelled")
			}
		},
	}

	in, err := New(Config{Workers: 4, ChunkSize: 10, Collection: "raw", CancelOnError: true}, store.dial, loader)
	require.NoError(t, err)

	rep, err := in.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, rep.Inserted())
	for _, w := range rep.Workers[1:] {
		assert.ErrorIs(t, w.Err, context.Canceled)
	}
}

func TestIngestor_SiblingsCompleteWhenNotCancelling(t *testing.T) {
	store := newMemStore()
	boom := errors.New("bad slice")
	loader := &sliceLoader{
		rows: dataset(400),
		fail: func(_ context.Context, rng partition.Range) error {
			if rng.Index == 2 {
				return boom
			}
			return nil
		},
	}

	in, err := New(Config{Workers: 4, ChunkSize: 10, Collection: "raw", CancelOnError: false}, store.dial, loader)
	require.NoError(t, err)

	rep, err := in.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 1)
	assert.Equal(t, 300, rep.Inserted())
	assert.Len(t, store.docs["raw"], 300)
}

func TestIngestor_RowErrorFailsWorker(t *testing.T) {
	store := newMemStore()
	loader := &sliceLoader{
		rows: dataset(20),
		fail: func(_ context.Context, rng partition.Range) error {
			if rng.Index == 1 {
				return &RowError{Row: 13, Err: ais.ErrTimestamp}
			}
			return nil
		},
	}

	in, err := New(Config{Workers: 2, ChunkSize: 5, Collection: "raw", CancelOnError: false}, store.dial, loader)
	require.NoError(t, err)

	_, err = in.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ais.ErrTimestamp)

	var rowErr *RowError
	require.True(t, errors.As(err, &rowErr))
	assert.Equal(t, 13, rowErr.Row)
}

func TestNew_Validation(t *testing.T) {
	store := newMemStore()
	loader := &sliceLoader{}
	_, err := New(Config{Workers: 0, ChunkSize: 1, Collection: "raw"}, store.dial, loader)
	assert.Error(t, err)
	_, err = New(Config{Workers: 1, ChunkSize: 0, Collection: "raw"}, store.dial, loader)
	assert.Error(t, err)
	_, err = New(Config{Workers: 1, ChunkSize: 1}, store.dial, loader)
	assert.Error(t, err)
}
