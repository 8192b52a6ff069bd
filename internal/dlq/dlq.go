package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/client"
	"github.com/pgpipe/pgpipe/internal/models"
)

// Manager is the durable dead-letter store. One stream per
// (source, table, destination) triple; messages leave only through an
// explicit acknowledge after successful redelivery or an operator
// purge — never silently.
type Manager struct {
	nc  *client.NATSClient
	js  jetstream.JetStream
	log *slog.Logger

	mu     sync.Mutex
	claims map[string]map[uint64]jetstream.Msg
}

// ClaimedMessage is one dequeued entry: the stream sequence that
// identifies it plus the decoded payload.
type ClaimedMessage struct {
	ID      uint64
	Message models.DLQMessage
}

func NewManager(natsClient *client.NATSClient, log *slog.Logger) *Manager {
	return &Manager{ //nolint:exhaustruct // mutex zero-value
		nc:     natsClient,
		js:     natsClient.JetStream(),
		log:    log.With(slog.String("component", "dlq")),
		claims: make(map[string]map[uint64]jetstream.Msg),
	}
}

// QueueKey addresses one retry stream.
func QueueKey(sourceID, tableName, destinationID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", internal.DLQStreamPrefix, sourceID, tableName, destinationID)
}

func subjectFor(key string) string {
	return key + "." + internal.DLQSubjectName
}

// Enqueue appends one failed record to its triple's stream, stamping
// first_failed_at and retry_count on first insertion.
func (m *Manager) Enqueue(ctx context.Context, msg models.DLQMessage) error {
	if msg.SourceID == "" || msg.TableName == "" || msg.DestinationID == "" {
		return fmt.Errorf("dlq message requires source, table and destination")
	}

	key := QueueKey(msg.SourceID, msg.TableName, msg.DestinationID)

	if err := m.nc.CreateOrUpdateWorkQueue(ctx, key, subjectFor(key)); err != nil {
		return fmt.Errorf("ensure dlq stream: %w", err)
	}

	msg.RetryCount = 0
	if msg.FirstFailedAt.IsZero() {
		msg.FirstFailedAt = time.Now().UTC()
	}

	data, err := msg.ToJSON()
	if err != nil {
		return err
	}

	if _, err := m.js.Publish(ctx, subjectFor(key), data); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}

	return nil
}

// durable consumer config shared by dequeue and state queries; the
// state consumer must be the same one that consumes.
func consumerConfig(key, consumerName string) jetstream.ConsumerConfig {
	//nolint: exhaustruct // optional config
	return jetstream.ConsumerConfig{
		Name:          key + "-" + consumerName,
		Durable:       key + "-" + consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       internal.DLQClaimTimeout,
		FilterSubject: subjectFor(key),
	}
}

// DequeueBatch claims up to maxMessages un-acked entries through a
// durable consumer. Claimed entries stay invisible to other consumers
// until acknowledged, requeued, or the claim times out.
func (m *Manager) DequeueBatch(ctx context.Context, sourceID, tableName, destinationID string, maxMessages int, consumerName string) ([]ClaimedMessage, error) {
	if maxMessages <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if maxMessages > internal.DLQMaxBatchSize {
		maxMessages = internal.DLQMaxBatchSize
	}
	if consumerName == "" {
		consumerName = internal.DLQDefaultConsumer
	}

	key := QueueKey(sourceID, tableName, destinationID)

	stream, err := m.js.Stream(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, internal.ErrDLQNotExists
		}
		return nil, fmt.Errorf("get dlq stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerConfig(key, consumerName))
	if err != nil {
		return nil, fmt.Errorf("get dlq consumer: %w", err)
	}

	batch, err := consumer.FetchNoWait(maxMessages)
	if err != nil {
		return nil, fmt.Errorf("fetch dlq message batch: %w", err)
	}

	claimed := make([]ClaimedMessage, 0, maxMessages)

	m.mu.Lock()
	defer m.mu.Unlock()

	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("get dlq message metadata: %w", err)
		}

		dlqMsg, err := models.DLQMessageFromJSON(msg.Data())
		if err != nil {
			return nil, err
		}

		if m.claims[key] == nil {
			m.claims[key] = make(map[uint64]jetstream.Msg)
		}
		m.claims[key][meta.Sequence.Stream] = msg

		claimed = append(claimed, ClaimedMessage{ID: meta.Sequence.Stream, Message: dlqMsg})
	}

	if batch.Error() != nil {
		return nil, fmt.Errorf("dlq batch: %w", batch.Error())
	}

	if len(claimed) == 0 {
		return nil, internal.ErrNoMessagesInDLQ
	}

	return claimed, nil
}

// Acknowledge removes claimed entries after successful redelivery.
// Returns the count acknowledged; unknown ids are skipped.
func (m *Manager) Acknowledge(ctx context.Context, sourceID, tableName, destinationID string, ids []uint64) (int, error) {
	key := QueueKey(sourceID, tableName, destinationID)

	m.mu.Lock()
	defer m.mu.Unlock()

	acked := 0
	for _, id := range ids {
		msg, ok := m.claims[key][id]
		if !ok {
			continue
		}

		if err := msg.Ack(); err != nil {
			return acked, fmt.Errorf("acknowledge dlq message %d: %w", id, err)
		}

		delete(m.claims[key], id)
		acked++
	}

	return acked, nil
}

// Requeue re-appends claimed entries with retry_count incremented and
// acknowledges the originals, in the given order. Used after a failed
// redelivery attempt so the retry count stays visible to operators.
func (m *Manager) Requeue(ctx context.Context, sourceID, tableName, destinationID string, ids []uint64) error {
	key := QueueKey(sourceID, tableName, destinationID)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		msg, ok := m.claims[key][id]
		if !ok {
			continue
		}

		retries := gjson.GetBytes(msg.Data(), "retry_count").Int()
		data, err := sjson.SetBytes(msg.Data(), "retry_count", retries+1)
		if err != nil {
			return fmt.Errorf("bump retry count: %w", err)
		}

		if _, err := m.js.Publish(ctx, subjectFor(key), data); err != nil {
			return fmt.Errorf("requeue dlq message %d: %w", id, err)
		}

		if err := msg.Ack(); err != nil {
			return fmt.Errorf("acknowledge requeued dlq message %d: %w", id, err)
		}

		delete(m.claims[key], id)
	}

	return nil
}

// GetState reports the operator-visible view of one triple's stream.
// A triple with no stream yields zero counts.
func (m *Manager) GetState(ctx context.Context, sourceID, tableName, destinationID string) (models.DLQState, error) {
	key := QueueKey(sourceID, tableName, destinationID)

	state := models.DLQState{QueueKey: key} //nolint:exhaustruct // zero counts for a missing stream

	stream, err := m.js.Stream(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return state, nil
		}
		return state, fmt.Errorf("get dlq stream: %w", err)
	}

	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(subjectFor(key)))
	if err != nil {
		return state, fmt.Errorf("get dlq stream info: %w", err)
	}

	state.TotalMessages = info.State.Msgs

	// Claimed messages stay in the stream until acknowledged; they are
	// no longer up for consumption.
	m.mu.Lock()
	claimed := uint64(len(m.claims[key]))
	m.mu.Unlock()
	if state.TotalMessages > claimed {
		state.UnconsumedMessages = state.TotalMessages - claimed
	}

	if info.State.Msgs > 0 {
		last := info.State.LastTime
		state.LastReceivedAt = &last
	}

	return state, nil
}

// QueueSize reports the number of messages waiting in one triple's
// stream. A triple with no stream has size zero.
func (m *Manager) QueueSize(ctx context.Context, sourceID, tableName, destinationID string) (uint64, error) {
	state, err := m.GetState(ctx, sourceID, tableName, destinationID)
	if err != nil {
		return 0, err
	}
	return state.TotalMessages, nil
}

func (m *Manager) HasMessages(ctx context.Context, sourceID, tableName, destinationID string) (bool, error) {
	size, err := m.QueueSize(ctx, sourceID, tableName, destinationID)
	if err != nil {
		return false, err
	}
	return size > 0, nil
}

// ListQueues returns the queue keys of every existing retry stream.
func (m *Manager) ListQueues(ctx context.Context) ([]string, error) {
	keys, err := m.nc.ListStreams(ctx, internal.DLQStreamPrefix)
	if err != nil {
		return nil, fmt.Errorf("list dlq streams: %w", err)
	}
	return keys, nil
}

// DeleteQueue is the operator purge: the only way messages are
// dropped without redelivery.
func (m *Manager) DeleteQueue(ctx context.Context, sourceID, tableName, destinationID string) error {
	key := QueueKey(sourceID, tableName, destinationID)

	if err := m.nc.DeleteStream(ctx, key); err != nil {
		return fmt.Errorf("delete dlq stream: %w", err)
	}

	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()

	return nil
}
