package dlq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/client"
	"github.com/pgpipe/pgpipe/internal/embedded"
	"github.com/pgpipe/pgpipe/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupManager(t *testing.T) (*Manager, context.Context) {
	t.Helper()

	log := testLogger()

	srv, err := embedded.NewNATSServer(log, -1, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	nc, err := client.NewNATSClient(ctx, srv.URL(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })

	return NewManager(nc, log), ctx
}

func testMessage(n byte) models.DLQMessage {
	//nolint:exhaustruct // retry metadata stamped by Enqueue
	return models.DLQMessage{
		PipelineID:      "pl1",
		SourceID:        "src1",
		DestinationID:   "dst1",
		TableName:       "orders",
		TableNameTarget: "orders",
		CDCRecord: models.CDCRecord{ //nolint:exhaustruct // optional fields
			Operation: models.OpCreate,
			TableName: "orders",
			Key:       map[string]any{"id": int64(n)},
			Value:     map[string]any{"id": int64(n), "status": "new"},
		},
		ErrorMessage: "destination unreachable",
	}
}

func TestQueueKey(t *testing.T) {
	key := QueueKey("src1", "orders", "dst1")
	assert.Equal(t, internal.DLQStreamPrefix+":src1:orders:dst1", key)

	sourceID, tableName, destinationID, err := ParseQueueKey(key)
	require.NoError(t, err)
	assert.Equal(t, "src1", sourceID)
	assert.Equal(t, "orders", tableName)
	assert.Equal(t, "dst1", destinationID)

	_, _, _, err = ParseQueueKey("unrelated-stream")
	assert.Error(t, err)
}

func TestEnqueueDequeueAcknowledgeRoundTrip(t *testing.T) {
	mgr, ctx := setupManager(t)

	for n := byte(1); n <= 3; n++ {
		require.NoError(t, mgr.Enqueue(ctx, testMessage(n)))
	}

	size, err := mgr.QueueSize(ctx, "src1", "orders", "dst1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), size)

	has, err := mgr.HasMessages(ctx, "src1", "orders", "dst1")
	require.NoError(t, err)
	assert.True(t, has)

	state, err := mgr.GetState(ctx, "src1", "orders", "dst1")
	require.NoError(t, err)
	assert.Equal(t, QueueKey("src1", "orders", "dst1"), state.QueueKey)
	assert.Equal(t, uint64(3), state.TotalMessages)
	assert.Equal(t, uint64(3), state.UnconsumedMessages)
	assert.NotNil(t, state.LastReceivedAt)

	queues, err := mgr.ListQueues(ctx)
	require.NoError(t, err)
	assert.Contains(t, queues, QueueKey("src1", "orders", "dst1"))

	// Claim two, acknowledge both.
	claimed, err := mgr.DequeueBatch(ctx, "src1", "orders", "dst1", 2, "recovery")
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Order preserved: enqueue order is delivery order.
	assert.EqualValues(t, 1, claimed[0].Message.CDCRecord.Key["id"])
	assert.EqualValues(t, 2, claimed[1].Message.CDCRecord.Key["id"])
	assert.Equal(t, 0, claimed[0].Message.RetryCount)
	assert.False(t, claimed[0].Message.FirstFailedAt.IsZero())

	// Claimed messages stay in the stream but are no longer up for
	// consumption.
	state, err = mgr.GetState(ctx, "src1", "orders", "dst1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.TotalMessages)
	assert.Equal(t, uint64(1), state.UnconsumedMessages)

	acked, err := mgr.Acknowledge(ctx, "src1", "orders", "dst1", []uint64{claimed[0].ID, claimed[1].ID})
	require.NoError(t, err)
	assert.Equal(t, 2, acked)

	// Acknowledged messages are never returned again.
	claimed, err = mgr.DequeueBatch(ctx, "src1", "orders", "dst1", 10, "recovery")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.EqualValues(t, 3, claimed[0].Message.CDCRecord.Key["id"])

	acked, err = mgr.Acknowledge(ctx, "src1", "orders", "dst1", []uint64{claimed[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, acked)

	assert.Eventually(t, func() bool {
		size, err := mgr.QueueSize(ctx, "src1", "orders", "dst1")
		return err == nil && size == 0
	}, 5*time.Second, 50*time.Millisecond, "queue should drain to empty after acknowledge")
}

func TestRequeueBumpsRetryCount(t *testing.T) {
	mgr, ctx := setupManager(t)

	require.NoError(t, mgr.Enqueue(ctx, testMessage(1)))

	claimed, err := mgr.DequeueBatch(ctx, "src1", "orders", "dst1", 1, "recovery")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 0, claimed[0].Message.RetryCount)

	require.NoError(t, mgr.Requeue(ctx, "src1", "orders", "dst1", []uint64{claimed[0].ID}))

	claimed, err = mgr.DequeueBatch(ctx, "src1", "orders", "dst1", 1, "recovery")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Message.RetryCount)

	// first_failed_at survives the requeue cycle.
	assert.False(t, claimed[0].Message.FirstFailedAt.IsZero())
}

func TestDequeueEmptyAndMissingQueues(t *testing.T) {
	mgr, ctx := setupManager(t)

	_, err := mgr.DequeueBatch(ctx, "src1", "nothing", "dst1", 1, "recovery")
	assert.ErrorIs(t, err, internal.ErrDLQNotExists)

	size, err := mgr.QueueSize(ctx, "src1", "nothing", "dst1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)

	require.NoError(t, mgr.Enqueue(ctx, testMessage(1)))

	claimed, err := mgr.DequeueBatch(ctx, "src1", "orders", "dst1", 1, "recovery")
	require.NoError(t, err)
	_, err = mgr.Acknowledge(ctx, "src1", "orders", "dst1", []uint64{claimed[0].ID})
	require.NoError(t, err)

	_, err = mgr.DequeueBatch(ctx, "src1", "orders", "dst1", 1, "recovery")
	assert.ErrorIs(t, err, internal.ErrNoMessagesInDLQ)
}

func TestDeleteQueue(t *testing.T) {
	mgr, ctx := setupManager(t)

	require.NoError(t, mgr.Enqueue(ctx, testMessage(1)))
	require.NoError(t, mgr.DeleteQueue(ctx, "src1", "orders", "dst1"))

	queues, err := mgr.ListQueues(ctx)
	require.NoError(t, err)
	assert.NotContains(t, queues, QueueKey("src1", "orders", "dst1"))

	// Deleting a missing queue is not an error.
	require.NoError(t, mgr.DeleteQueue(ctx, "src1", "orders", "dst1"))
}
