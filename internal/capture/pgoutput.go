package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pgpipe/pgpipe/internal/models"
)

const (
	standbyUpdateInterval = 10 * time.Second
	duplicateObjectCode   = "42710"
)

// PGOutputStream is the concrete capture adapter: a pgoutput logical
// replication subscription decoded into CDCRecords. One stream owns
// one replication connection and one slot.
type PGOutputStream struct {
	conn *pgconn.PgConn
	src  models.Source
	log  *slog.Logger

	events chan Event
	errs   chan error
	done   chan struct{}
	cancel context.CancelFunc

	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map

	mu         sync.Mutex
	ackPos     pglogrepl.LSN
	commitTime time.Time
}

func OpenPGOutputStream(ctx context.Context, src models.Source, log *slog.Logger) (*PGOutputStream, error) {
	conn, err := pgconn.Connect(ctx, src.ReplicationDSN())
	if err != nil {
		return nil, &models.ConnectionError{Endpoint: src.Host, Err: err}
	}

	if _, err := pglogrepl.IdentifySystem(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, &models.ConnectionError{Endpoint: src.Host, Err: fmt.Errorf("identify system: %w", err)}
	}

	// Ensure the slot exists; an existing slot keeps its confirmed
	// position so restarts resume where they left off.
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, src.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{}) //nolint:exhaustruct // defaults
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != duplicateObjectCode {
			conn.Close(ctx)
			return nil, fmt.Errorf("create replication slot %s: %w", src.SlotName, err)
		}
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", src.Publication),
	}

	// LSN zero starts from the slot's confirmed flush position.
	err = pglogrepl.StartReplication(ctx, conn, src.SlotName, 0,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}) //nolint:exhaustruct // defaults
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("start replication on slot %s: %w", src.SlotName, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s := &PGOutputStream{ //nolint:exhaustruct // mutexes and positions zero-value
		conn:      conn,
		src:       src,
		log:       log.With(slog.String("component", "capture"), slog.String("slot", src.SlotName)),
		events:    make(chan Event),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
		cancel:    cancel,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:   pgtype.NewMap(),
	}

	go s.run(runCtx)

	return s, nil
}

func (s *PGOutputStream) Events() <-chan Event { return s.events }
func (s *PGOutputStream) Errors() <-chan error { return s.errs }

func (s *PGOutputStream) Ack(pos Position) {
	s.mu.Lock()
	if pglogrepl.LSN(pos) > s.ackPos {
		s.ackPos = pglogrepl.LSN(pos)
	}
	s.mu.Unlock()
}

func (s *PGOutputStream) Close(ctx context.Context) error {
	s.cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for capture shutdown: %w", ctx.Err())
	}

	if err := s.conn.Close(ctx); err != nil {
		return fmt.Errorf("close replication connection: %w", err)
	}
	return nil
}

func (s *PGOutputStream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	nextStandbyUpdate := time.Now().Add(standbyUpdateInterval)

	for {
		if ctx.Err() != nil {
			// Final position report so the source can trim WAL.
			s.sendStandbyUpdate(context.Background()) //nolint:errcheck // best effort on shutdown
			return
		}

		if time.Now().After(nextStandbyUpdate) {
			if err := s.sendStandbyUpdate(ctx); err != nil {
				s.errs <- &models.ConnectionError{Endpoint: s.src.Host, Err: err}
				return
			}
			nextStandbyUpdate = time.Now().Add(standbyUpdateInterval)
		}

		rcvCtx, cancel := context.WithDeadline(ctx, nextStandbyUpdate)
		rawMsg, err := s.conn.ReceiveMessage(rcvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				s.sendStandbyUpdate(context.Background()) //nolint:errcheck // best effort on shutdown
				return
			}
			s.errs <- &models.ConnectionError{Endpoint: s.src.Host, Err: fmt.Errorf("receive replication message: %w", err)}
			return
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			s.errs <- fmt.Errorf("replication error from source: %s", msg.Message)
			return
		case *pgproto3.CopyData:
			if err := s.handleCopyData(ctx, msg.Data, &nextStandbyUpdate); err != nil {
				s.errs <- err
				return
			}
		default:
			// Other protocol traffic is irrelevant to the stream.
		}
	}
}

func (s *PGOutputStream) handleCopyData(ctx context.Context, data []byte, nextStandbyUpdate *time.Time) error {
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("parse keepalive: %w", err)
		}
		if pkm.ReplyRequested {
			*nextStandbyUpdate = time.Time{}
		}
		return nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("parse xlog data: %w", err)
		}
		return s.handleWALData(ctx, xld)

	default:
		return nil
	}
}

func (s *PGOutputStream) sendStandbyUpdate(ctx context.Context) error {
	s.mu.Lock()
	pos := s.ackPos
	s.mu.Unlock()

	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.conn,
		pglogrepl.StandbyStatusUpdate{WALWritePosition: pos}) //nolint:exhaustruct // flush/apply default to write
	if err != nil {
		return fmt.Errorf("send standby status update: %w", err)
	}
	return nil
}

func (s *PGOutputStream) handleWALData(ctx context.Context, xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("parse pgoutput message: %w", err)
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		s.relations[msg.RelationID] = msg

	case *pglogrepl.BeginMessage:
		s.commitTime = msg.CommitTime

	case *pglogrepl.InsertMessage:
		return s.emitTupleEvent(ctx, models.OpCreate, msg.RelationID, msg.Tuple, nil, xld.WALStart)

	case *pglogrepl.UpdateMessage:
		return s.emitTupleEvent(ctx, models.OpUpdate, msg.RelationID, msg.NewTuple, msg.OldTuple, xld.WALStart)

	case *pglogrepl.DeleteMessage:
		return s.emitTupleEvent(ctx, models.OpDelete, msg.RelationID, nil, msg.OldTuple, xld.WALStart)

	case *pglogrepl.CommitMessage, *pglogrepl.TruncateMessage, *pglogrepl.OriginMessage, *pglogrepl.TypeMessage:
		// Nothing to deliver; row events already carry their position.
	}

	return nil
}

func (s *PGOutputStream) emitTupleEvent(ctx context.Context, op models.Operation, relID uint32, newTuple, oldTuple *pglogrepl.TupleData, pos pglogrepl.LSN) error {
	rel, ok := s.relations[relID]
	if !ok {
		return fmt.Errorf("unknown relation id %d in wal stream", relID)
	}

	var value map[string]any
	if newTuple != nil {
		v, err := s.decodeTuple(rel, newTuple)
		if err != nil {
			return err
		}
		value = v
	}

	key := make(map[string]any)
	keySource := value
	if oldTuple != nil {
		old, err := s.decodeTuple(rel, oldTuple)
		if err != nil {
			return err
		}
		keySource = old
		if value == nil {
			value = old
		}
	}
	for _, col := range rel.Columns {
		if col.Flags&1 != 0 {
			key[col.Name] = keySource[col.Name]
		}
	}

	rec := models.CDCRecord{ //nolint:exhaustruct // schema omitted on the wire
		Operation: op,
		TableName: rel.RelationName,
		Key:       key,
		Value:     value,
		Timestamp: s.commitTime.UnixMilli(),
	}

	select {
	case s.events <- Event{Record: rec, Position: Position(pos)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PGOutputStream) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (map[string]any, error) {
	values := make(map[string]any, len(tuple.Columns))

	for idx, col := range tuple.Columns {
		name := rel.Columns[idx].Name

		switch col.DataType {
		case 'n': // null
			values[name] = nil
		case 'u': // unchanged TOAST value, not part of the event
		case 't': // text format
			v, err := s.decodeTextColumn(col.Data, rel.Columns[idx].DataType)
			if err != nil {
				return nil, fmt.Errorf("decode column %s: %w", name, err)
			}
			values[name] = v
		}
	}

	return values, nil
}

func (s *PGOutputStream) decodeTextColumn(data []byte, dataTypeOID uint32) (any, error) {
	if dt, ok := s.typeMap.TypeForOID(dataTypeOID); ok {
		return dt.Codec.DecodeValue(s.typeMap, dataTypeOID, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}
