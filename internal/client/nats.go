package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pgpipe/pgpipe/internal"
)

type NATSClient struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

func NewNATSClient(ctx context.Context, url string, log *slog.Logger) (*NATSClient, error) {
	var (
		nc  *nats.Conn
		err error
	)

	connCtx, cancel := context.WithTimeout(ctx, internal.NATSMaxConnectionWait)
	defer cancel()

	retryDelay := internal.NATSInitialRetryDelay

	for i := range internal.NATSConnectionRetries {
		select {
		case <-connCtx.Done():
			return nil, fmt.Errorf("timeout after %v waiting to connect to NATS at %s", internal.NATSMaxConnectionWait, url)
		default:
		}

		nc, err = nats.Connect(url, nats.Timeout(internal.NATSConnectionTimeout))
		if err == nil {
			break
		}

		if i < internal.NATSConnectionRetries-1 {
			select {
			case <-time.After(retryDelay):
				log.InfoContext(ctx, "retrying NATS connection",
					slog.String("url", url),
					slog.String("retry_delay", retryDelay.String()))
			case <-connCtx.Done():
				return nil, fmt.Errorf("timeout during retry delay for NATS at %s: %w", url, connCtx.Err())
			}
			// Exponential backoff
			retryDelay = min(time.Duration(float64(retryDelay)*1.5), internal.NATSMaxRetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to JetStream: %w", err)
	}

	natsClient := NATSClient{
		nc:  nc,
		js:  js,
		log: log,
	}

	return &natsClient, nil
}

// CreateOrUpdateWorkQueue ensures a work-queue stream: messages leave
// on acknowledge, and the server enforces a single consumer per
// subject — exactly the discipline the retry streams need.
func (n *NATSClient) CreateOrUpdateWorkQueue(ctx context.Context, name, subject string) error {
	//nolint:exhaustruct // readability
	sc := jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  jetstream.FileStorage,

		Retention: jetstream.WorkQueuePolicy,
		Discard:   jetstream.DiscardOld,
	}

	_, err := n.js.CreateOrUpdateStream(ctx, sc)
	if err != nil {
		return fmt.Errorf("cannot create nats work queue stream: %w", err)
	}

	return nil
}

// ListStreams returns the names of all streams whose name carries the
// given prefix.
func (n *NATSClient) ListStreams(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	streamIterator := n.js.ListStreams(nats.Context(ctx))
	if err := streamIterator.Err(); err != nil {
		return nil, fmt.Errorf("list streams error: %w", err)
	}

	for s := range streamIterator.Info() {
		if strings.HasPrefix(s.Config.Name, prefix) {
			names = append(names, s.Config.Name)
		}
	}

	return names, nil
}

func (n *NATSClient) DeleteStream(ctx context.Context, streamName string) error {
	err := n.js.DeleteStream(ctx, streamName)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			// Stream already deleted, this is not an error
			return nil
		}
		return fmt.Errorf("delete stream %s: %w", streamName, err)
	}
	return nil
}

func (n *NATSClient) JetStream() jetstream.JetStream {
	return n.js
}

func (n *NATSClient) Close() error {
	n.nc.Close()
	return nil
}
