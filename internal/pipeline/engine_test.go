package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/capture"
	"github.com/pgpipe/pgpipe/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	events chan capture.Event
	errs   chan error

	mu     sync.Mutex
	acks   []capture.Position
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ //nolint:exhaustruct // mutex zero-value
		events: make(chan capture.Event, 64),
		errs:   make(chan error, 1),
	}
}

func (s *fakeStream) Events() <-chan capture.Event { return s.events }
func (s *fakeStream) Errors() <-chan error         { return s.errs }

func (s *fakeStream) Ack(pos capture.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, pos)
}

func (s *fakeStream) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) lastAck() capture.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acks) == 0 {
		return 0
	}
	return s.acks[len(s.acks)-1]
}

type fakeOpener struct {
	mu     sync.Mutex
	stream *fakeStream
	err    error
	opens  int
}

func (o *fakeOpener) Open(_ context.Context, _ models.Source) (capture.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.err != nil {
		return nil, o.err
	}
	return o.stream, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

type fakeSink struct {
	mu       sync.Mutex
	batches  map[string][][]models.CDCRecord
	failWith map[string]error
}

func newFakeSink() *fakeSink {
	return &fakeSink{ //nolint:exhaustruct // mutex zero-value
		batches:  make(map[string][][]models.CDCRecord),
		failWith: make(map[string]error),
	}
}

func (f *fakeSink) Initialize(_ context.Context) error { return nil }
func (f *fakeSink) Close() error                       { return nil }

func (f *fakeSink) ValidateConnection(_ context.Context) error { return nil }

func (f *fakeSink) CreateTableIfNotExists(_ context.Context, _ string, _ []models.ColumnDescriptor) (bool, error) {
	return false, nil
}

func (f *fakeSink) WriteBatch(_ context.Context, records []models.CDCRecord, ts models.TableSync) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failWith[ts.TableName]; ok {
		var writeErr *models.WriteError
		if ok := asWriteError(err, &writeErr); ok {
			return writeErr.Written, err
		}
		return 0, err
	}

	f.batches[ts.TableName] = append(f.batches[ts.TableName], records)
	return len(records), nil
}

func asWriteError(err error, target **models.WriteError) bool {
	we, ok := err.(*models.WriteError) //nolint:errorlint // fake, no wrapping
	if ok {
		*target = we
	}
	return ok
}

func (f *fakeSink) batchCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches[table])
}

func (f *fakeSink) clearFailure(table string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failWith, table)
}

type fakeDLQ struct {
	mu       sync.Mutex
	messages []models.DLQMessage
	err      error
}

func (d *fakeDLQ) Enqueue(_ context.Context, msg models.DLQMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.messages = append(d.messages, msg)
	return nil
}

func (d *fakeDLQ) HasMessages(_ context.Context, _, table, _ string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, msg := range d.messages {
		if msg.TableName == table {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDLQ) all() []models.DLQMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.DLQMessage, len(d.messages))
	copy(out, d.messages)
	return out
}

// drain empties the queue, standing in for a completed redelivery.
func (d *fakeDLQ) drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = nil
}

type objectFlags struct {
	landing, stream, task, target bool
}

type fakeStore struct {
	mu sync.Mutex

	pipelines    []models.PipelineConfig
	sources      map[string]models.Source
	destinations map[string]models.Destination
	syncs        map[string][]models.TableSync
	metadata     map[string]models.TableMetadata

	states map[string]string
	errs   map[string]string
	lsns   map[string]uint64
	flags  map[string]objectFlags
}

func newFakeStore() *fakeStore {
	return &fakeStore{ //nolint:exhaustruct // mutex zero-value
		sources:      make(map[string]models.Source),
		destinations: make(map[string]models.Destination),
		syncs:        make(map[string][]models.TableSync),
		metadata:     make(map[string]models.TableMetadata),
		states:       make(map[string]string),
		errs:         make(map[string]string),
		lsns:         make(map[string]uint64),
		flags:        make(map[string]objectFlags),
	}
}

func metaKey(sourceID, table string) string { return sourceID + "/" + table }

func (s *fakeStore) GetTableMetadata(_ context.Context, sourceID, tableName string) (models.TableMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metadata[metaKey(sourceID, tableName)]
	if !ok {
		return meta, internal.ErrTableNotTracked
	}
	return meta, nil
}

func (s *fakeStore) SetTableObjectFlags(_ context.Context, id string, landing, stream, task, target bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[id] = objectFlags{landing: landing, stream: stream, task: task, target: target}
	return nil
}

func (s *fakeStore) GetPipelineMetadata(_ context.Context, pipelineID string) (models.PipelineMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[pipelineID]
	if !ok {
		state = internal.PipelineStatePaused
	}

	return models.PipelineMetadata{ //nolint:exhaustruct // zero row default
		PipelineID: pipelineID,
		State:      state,
		LastError:  s.errs[pipelineID],
	}, nil
}

func (s *fakeStore) SetPipelineState(_ context.Context, pipelineID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[pipelineID] = state
	return nil
}

func (s *fakeStore) RecordPipelineError(_ context.Context, pipelineID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[pipelineID] = internal.PipelineStateError
	s.errs[pipelineID] = message
	return nil
}

func (s *fakeStore) RecordPipelineLSN(_ context.Context, pipelineID string, lsn uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lsns[pipelineID] = lsn
	return nil
}

func (s *fakeStore) GetPipelines(_ context.Context) ([]models.PipelineConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PipelineConfig, len(s.pipelines))
	copy(out, s.pipelines)
	return out, nil
}

func (s *fakeStore) GetSource(_ context.Context, id string) (models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return src, fmt.Errorf("source %s not found", id)
	}
	return src, nil
}

func (s *fakeStore) GetDestination(_ context.Context, id string) (models.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest, ok := s.destinations[id]
	if !ok {
		return dest, fmt.Errorf("destination %s not found", id)
	}
	return dest, nil
}

func (s *fakeStore) GetTableSyncs(_ context.Context, pipelineID string) ([]models.TableSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs[pipelineID], nil
}

func (s *fakeStore) SetPipelineStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pipelines {
		if s.pipelines[i].ID == id {
			s.pipelines[i].Status = status
			return nil
		}
	}
	return internal.ErrPipelineNotExists
}

func (s *fakeStore) pipelineState(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

func (s *fakeStore) pipelineStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pipelines {
		if p.ID == id {
			return p.Status
		}
	}
	return ""
}

func (s *fakeStore) lastLSN(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsns[id]
}

func testPipelineConfig() models.PipelineConfig {
	return models.PipelineConfig{
		ID:            "pl1",
		Name:          "orders-to-warehouse",
		SourceID:      "src1",
		DestinationID: "dst1",
		Status:        internal.PipelineStatusStart,
		MaxBatchSize:  2,
		MaxQueueSize:  1 << 20,
	}
}

func testSync(table string) models.TableSync {
	return models.TableSync{ //nolint:exhaustruct // no filter or transform
		ID:              "ts-" + table,
		PipelineID:      "pl1",
		DestinationID:   "dst1",
		TableName:       table,
		TableNameTarget: table,
		Enabled:         true,
	}
}

func trackTable(store *fakeStore, table string) {
	store.metadata[metaKey("src1", table)] = models.TableMetadata{ //nolint:exhaustruct // flags not used
		ID:        "tm-" + table,
		SourceID:  "src1",
		TableName: table,
		SchemaTable: []models.ColumnDescriptor{
			{Name: "id", Type: "integer"},
		},
	}
}

func setupEngine(t *testing.T, sink *fakeSink, syncs []models.TableSync) (*Engine, *fakeStream, *fakeStore, *fakeDLQ) {
	t.Helper()

	store := newFakeStore()
	for _, ts := range syncs {
		trackTable(store, ts.TableName)
	}

	stream := newFakeStream()
	dlq := &fakeDLQ{} //nolint:exhaustruct // no failure injected

	eng := NewEngine(
		testPipelineConfig(),
		models.Source{ID: "src1"}, //nolint:exhaustruct // only the ID matters here
		models.Destination{ID: "dst1", Type: internal.DestinationTypeWarehouse}, //nolint:exhaustruct // sink is faked
		syncs,
		sink,
		&fakeOpener{stream: stream}, //nolint:exhaustruct // no failure injected
		store,
		dlq,
		testLogger(),
	)

	return eng, stream, store, dlq
}

func TestEngineFlushesOnBatchSizeAndAcks(t *testing.T) {
	sink := newFakeSink()
	eng, stream, store, _ := setupEngine(t, sink, []models.TableSync{testSync("orders")})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	stream.events <- event("orders", 1, 10)
	stream.events <- event("orders", 2, 20)

	require.Eventually(t, func() bool {
		return sink.batchCount("orders") == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return stream.lastAck() == 20 && store.lastLSN("pl1") == 20
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, internal.PipelineStatePaused, store.pipelineState("pl1"))
	stream.mu.Lock()
	assert.True(t, stream.closed)
	stream.mu.Unlock()

	// The engine ensured all four warehouse objects during startup and
	// recorded them on the tracking row.
	store.mu.Lock()
	assert.Equal(t, objectFlags{landing: true, stream: true, task: true, target: true}, store.flags["tm-orders"])
	store.mu.Unlock()
}

func TestEngineDeadLettersFailedTableAndContinues(t *testing.T) {
	sink := newFakeSink()
	sink.failWith["orders"] = &models.ConnectionError{Endpoint: "warehouse:9000", Err: fmt.Errorf("refused")}

	eng, stream, _, dlq := setupEngine(t, sink, []models.TableSync{testSync("orders"), testSync("users")})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	stream.events <- event("orders", 1, 10)
	stream.events <- event("orders", 2, 20)
	stream.events <- event("users", 1, 30)
	stream.events <- event("users", 2, 40)

	// The stuck table drains to the DLQ in source order; the healthy
	// table keeps flowing.
	require.Eventually(t, func() bool {
		return len(dlq.all()) == 2 && sink.batchCount("users") == 1
	}, 10*time.Second, 10*time.Millisecond)

	msgs := dlq.all()
	assert.Equal(t, "orders", msgs[0].TableName)
	assert.Equal(t, 1, msgs[0].CDCRecord.Key["id"])
	assert.Equal(t, 2, msgs[1].CDCRecord.Key["id"])
	assert.Equal(t, "pl1", msgs[0].PipelineID)
	assert.Equal(t, "dst1", msgs[0].DestinationID)
	assert.NotEmpty(t, msgs[0].ErrorMessage)

	// Dead-lettered records still advance the WAL position: they are
	// durably handled, just not in the destination yet.
	assert.Eventually(t, func() bool {
		return stream.lastAck() >= 20
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}

func TestEnginePartialWriteDeadLettersRemainderOnly(t *testing.T) {
	sink := newFakeSink()
	sink.failWith["orders"] = &models.WriteError{
		Table:   "orders",
		Written: 1,
		Err:     fmt.Errorf("value too long"),
	}

	eng, stream, _, dlq := setupEngine(t, sink, []models.TableSync{testSync("orders")})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	stream.events <- event("orders", 1, 10)
	stream.events <- event("orders", 2, 20)

	require.Eventually(t, func() bool {
		return len(dlq.all()) == 1
	}, 10*time.Second, 10*time.Millisecond)

	msgs := dlq.all()
	assert.Equal(t, 2, msgs[0].CDCRecord.Key["id"])

	cancel()
	require.NoError(t, <-errCh)
}

func TestEngineQueuesBehindDeadLetterBacklog(t *testing.T) {
	sink := newFakeSink()
	sink.failWith["orders"] = &models.ConnectionError{Endpoint: "warehouse:9000", Err: fmt.Errorf("refused")}

	eng, stream, _, dlq := setupEngine(t, sink, []models.TableSync{testSync("orders")})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	stream.events <- event("orders", 1, 10)
	stream.events <- event("orders", 2, 20)

	require.Eventually(t, func() bool {
		return len(dlq.all()) == 2
	}, 10*time.Second, 10*time.Millisecond)

	// The destination recovers, but records 1 and 2 are still queued:
	// later records must line up behind them, not overtake.
	sink.clearFailure("orders")

	stream.events <- event("orders", 3, 30)
	stream.events <- event("orders", 4, 40)

	require.Eventually(t, func() bool {
		return len(dlq.all()) == 4
	}, 10*time.Second, 10*time.Millisecond)
	assert.Zero(t, sink.batchCount("orders"), "no direct write while the queue holds earlier records")

	msgs := dlq.all()
	for i, msg := range msgs {
		assert.EqualValues(t, i+1, msg.CDCRecord.Key["id"], "queue order is source order")
	}

	// Queued records still advance the WAL position.
	assert.Eventually(t, func() bool {
		return stream.lastAck() >= 40
	}, 5*time.Second, 10*time.Millisecond)

	// Redelivery drained the queue; direct writes resume.
	dlq.drain()

	stream.events <- event("orders", 5, 50)
	stream.events <- event("orders", 6, 60)

	require.Eventually(t, func() bool {
		return sink.batchCount("orders") == 1
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
}

func TestEngineCaptureFailureIsFatal(t *testing.T) {
	sink := newFakeSink()
	eng, stream, store, _ := setupEngine(t, sink, []models.TableSync{testSync("orders")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.pipelineState("pl1") == internal.PipelineStateRunning
	}, 5*time.Second, 10*time.Millisecond)

	stream.errs <- fmt.Errorf("replication connection lost")

	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replication connection lost")

	assert.Equal(t, internal.PipelineStateError, store.pipelineState("pl1"))
	store.mu.Lock()
	assert.Contains(t, store.errs["pl1"], "replication connection lost")
	store.mu.Unlock()
}

func TestEngineFailsWithoutUsableTables(t *testing.T) {
	sink := newFakeSink()

	store := newFakeStore() // no tracked tables
	stream := newFakeStream()

	eng := NewEngine(
		testPipelineConfig(),
		models.Source{ID: "src1"}, //nolint:exhaustruct // only the ID matters here
		models.Destination{ID: "dst1", Type: internal.DestinationTypeWarehouse}, //nolint:exhaustruct // sink is faked
		[]models.TableSync{testSync("orders")},
		sink,
		&fakeOpener{stream: stream}, //nolint:exhaustruct // no failure injected
		store,
		&fakeDLQ{}, //nolint:exhaustruct // no failure injected
		testLogger(),
	)

	err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, internal.PipelineStateError, store.pipelineState("pl1"))
}
