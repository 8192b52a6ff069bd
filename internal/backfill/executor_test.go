package backfill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"
	"github.com/pgpipe/pgpipe/internal/sink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu sync.Mutex

	job       models.BackfillJob
	claimed   bool
	progress  [][2]int64
	completed bool
	failedMsg string

	cancelAfterBatches int
}

func (s *fakeStore) ClaimPendingBackfill(_ context.Context) (models.BackfillJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed || s.job.Status != internal.BackfillStatusPending {
		return s.job, internal.ErrJobNotFound
	}
	s.claimed = true
	s.job.Status = internal.BackfillStatusExecuting
	return s.job, nil
}

func (s *fakeStore) GetBackfillStatus(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelAfterBatches > 0 && len(s.progress) >= s.cancelAfterBatches {
		s.job.Status = internal.BackfillStatusCancelled
	}
	return s.job.Status, nil
}

func (s *fakeStore) UpdateBackfillProgress(_ context.Context, _ string, countRecord, totalRecord int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, [2]int64{countRecord, totalRecord})
	return nil
}

func (s *fakeStore) CompleteBackfill(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Status = internal.BackfillStatusCompleted
	s.completed = true
	return nil
}

func (s *fakeStore) FailBackfill(_ context.Context, _, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Status = internal.BackfillStatusFailed
	s.job.IsError = true
	s.failedMsg = message
	return nil
}

func (s *fakeStore) GetPipeline(_ context.Context, _ string) (models.PipelineConfig, error) {
	return models.PipelineConfig{ //nolint:exhaustruct // only the destination matters here
		ID:            "pl1",
		DestinationID: "dst1",
	}, nil
}

func (s *fakeStore) GetSource(_ context.Context, _ string) (models.Source, error) {
	return models.Source{ID: "src1"}, nil //nolint:exhaustruct // only the ID matters here
}

func (s *fakeStore) GetDestination(_ context.Context, _ string) (models.Destination, error) {
	return models.Destination{ID: "dst1"}, nil //nolint:exhaustruct // sink is faked
}

func (s *fakeStore) GetTableSync(_ context.Context, _, _, _ string) (models.TableSync, error) {
	return models.TableSync{ //nolint:exhaustruct // no filter or transform
		PipelineID:      "pl1",
		DestinationID:   "dst1",
		TableName:       "orders",
		TableNameTarget: "orders",
		Enabled:         true,
	}, nil
}

func (s *fakeStore) GetTableMetadata(_ context.Context, _, _ string) (models.TableMetadata, error) {
	return models.TableMetadata{ //nolint:exhaustruct // flags not used
		ID:        "tm1",
		SourceID:  "src1",
		TableName: "orders",
		SchemaTable: []models.ColumnDescriptor{
			{Name: "id", Type: "integer"},
		},
	}, nil
}

type fakeReader struct {
	batches [][]models.CDCRecord
	total   int64
}

func (r *fakeReader) Count(_ context.Context, _ models.Source, _, _ string) (int64, error) {
	return r.total, nil
}

func (r *fakeReader) Read(ctx context.Context, _ models.Source, _ string, _ []models.ColumnDescriptor, _ string, _ int, fn BatchFunc) error {
	for _, batch := range r.batches {
		if err := fn(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	written []models.CDCRecord
	err     error
}

func (f *fakeSink) Initialize(_ context.Context) error         { return nil }
func (f *fakeSink) Close() error                               { return nil }
func (f *fakeSink) ValidateConnection(_ context.Context) error { return nil }

func (f *fakeSink) CreateTableIfNotExists(_ context.Context, _ string, _ []models.ColumnDescriptor) (bool, error) {
	return false, nil
}

func (f *fakeSink) WriteBatch(_ context.Context, records []models.CDCRecord, _ models.TableSync) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.written = append(f.written, records...)
	return len(records), nil
}

func snapshotBatch(ids ...int) []models.CDCRecord {
	records := make([]models.CDCRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, models.CDCRecord{ //nolint:exhaustruct // optional fields
			Operation: models.OpSnapshotRead,
			TableName: "orders",
			Key:       map[string]any{"id": id},
			Value:     map[string]any{"id": id},
		})
	}
	return records
}

func setupExecutor(store *fakeStore, reader *fakeReader, dst *fakeSink) *Executor {
	e := NewExecutor(store, reader, testLogger())
	e.newSink = func(models.Destination, *slog.Logger) (sink.Sink, error) {
		return dst, nil
	}
	return e
}

func pendingJob() models.BackfillJob {
	return models.BackfillJob{ //nolint:exhaustruct // counters start at zero
		ID:         "job1",
		PipelineID: "pl1",
		SourceID:   "src1",
		TableName:  "orders",
		Status:     internal.BackfillStatusPending,
	}
}

func TestExecutorCompletesJobWithMonotonicProgress(t *testing.T) {
	store := &fakeStore{job: pendingJob()} //nolint:exhaustruct // defaults
	reader := &fakeReader{
		batches: [][]models.CDCRecord{snapshotBatch(1, 2, 3), snapshotBatch(4, 5)},
		total:   5,
	}
	dst := &fakeSink{} //nolint:exhaustruct // no failure injected

	setupExecutor(store, reader, dst).drain(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()

	assert.True(t, store.completed)
	assert.Equal(t, internal.BackfillStatusCompleted, store.job.Status)

	require.Len(t, store.progress, 2)
	assert.Equal(t, [2]int64{3, 5}, store.progress[0])
	assert.Equal(t, [2]int64{5, 5}, store.progress[1])

	var prev int64
	for _, p := range store.progress {
		assert.GreaterOrEqual(t, p[0], prev, "count_record must never decrease")
		prev = p[0]
	}

	require.Len(t, dst.written, 5)
	for _, rec := range dst.written {
		assert.Equal(t, models.OpSnapshotRead, rec.Operation)
	}
}

func TestExecutorCancelHaltsJob(t *testing.T) {
	store := &fakeStore{ //nolint:exhaustruct // defaults
		job:                pendingJob(),
		cancelAfterBatches: 1,
	}
	reader := &fakeReader{
		batches: [][]models.CDCRecord{snapshotBatch(1, 2), snapshotBatch(3, 4), snapshotBatch(5, 6)},
		total:   6,
	}
	dst := &fakeSink{} //nolint:exhaustruct // no failure injected

	setupExecutor(store, reader, dst).drain(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()

	// One batch made it, then the cancel was observed before the next.
	assert.Equal(t, internal.BackfillStatusCancelled, store.job.Status)
	assert.False(t, store.completed)
	assert.Empty(t, store.failedMsg)
	require.Len(t, store.progress, 1)
	assert.Len(t, dst.written, 2)
}

func TestExecutorFailsJobOnWriteError(t *testing.T) {
	store := &fakeStore{job: pendingJob()} //nolint:exhaustruct // defaults
	reader := &fakeReader{
		batches: [][]models.CDCRecord{snapshotBatch(1, 2)},
		total:   2,
	}
	dst := &fakeSink{err: fmt.Errorf("disk full")} //nolint:exhaustruct // failure injected

	setupExecutor(store, reader, dst).drain(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()

	assert.Equal(t, internal.BackfillStatusFailed, store.job.Status)
	assert.True(t, store.job.IsError)
	assert.Contains(t, store.failedMsg, "disk full")

	// Partial progress stays visible on failure.
	require.Len(t, store.progress, 1)
	assert.Equal(t, [2]int64{0, 2}, store.progress[0])
}
