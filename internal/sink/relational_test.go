package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTx struct {
	execs      []string
	failOnExec int // 1-based; 0 never fails
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, sql)
	if tx.failOnExec > 0 && len(tx.execs) == tx.failOnExec {
		return pgconn.CommandTag{}, fmt.Errorf("value too long for column")
	}
	return pgconn.CommandTag{}, nil
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if !tx.committed {
		tx.rolledBack = true
	}
	return nil
}

func newTestRelationalSink(t *testing.T) *RelationalSink {
	t.Helper()

	dest := models.Destination{
		ID:     "dst1",
		Name:   "Analytics Replica",
		Type:   internal.DestinationTypeRelational,
		Config: []byte(`{"host":"localhost","database":"analytics"}`),
	}

	s, err := NewRelationalSink(dest, testLogger())
	require.NoError(t, err)
	return s
}

func relSchema() []models.ColumnDescriptor {
	return []models.ColumnDescriptor{
		{Name: "id", Type: "integer"},
		{Name: "status", Type: "text"},
	}
}

func relSync() models.TableSync {
	return models.TableSync{ //nolint:exhaustruct // no filter or transform
		ID:              "ts-orders",
		PipelineID:      "pl1",
		DestinationID:   "dst1",
		TableName:       "orders",
		TableNameTarget: "orders",
		Enabled:         true,
	}
}

func relCreate(id int) models.CDCRecord {
	return models.CDCRecord{ //nolint:exhaustruct // optional fields
		Operation: models.OpCreate,
		TableName: "orders",
		Key:       map[string]any{"id": id},
		Value:     map[string]any{"id": id, "status": "new"},
	}
}

func relDelete(id int) models.CDCRecord {
	return models.CDCRecord{ //nolint:exhaustruct // deletes carry only the key
		Operation: models.OpDelete,
		TableName: "orders",
		Key:       map[string]any{"id": id},
	}
}

func TestRelationalWriteTxCommitsFullBatch(t *testing.T) {
	s := newTestRelationalSink(t)
	tx := &fakeTx{} //nolint:exhaustruct // no failure injected

	records := []models.CDCRecord{relCreate(1), relCreate(2), relDelete(3)}

	written, err := s.writeTx(context.Background(), tx, "orders", relSchema(), records, relSync())
	require.NoError(t, err)

	assert.Equal(t, 3, written)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)

	require.Len(t, tx.execs, 3)
	assert.True(t, strings.HasPrefix(tx.execs[0], "INSERT INTO"))
	assert.Contains(t, tx.execs[0], "ON CONFLICT")
	assert.True(t, strings.HasPrefix(tx.execs[2], "DELETE FROM"))
}

func TestRelationalWriteTxRollsBackWholeBatchOnFailure(t *testing.T) {
	s := newTestRelationalSink(t)
	tx := &fakeTx{failOnExec: 2} //nolint:exhaustruct // fails on the second record

	records := []models.CDCRecord{relCreate(1), relCreate(2), relCreate(3)}

	written, err := s.writeTx(context.Background(), tx, "orders", relSchema(), records, relSync())
	require.Error(t, err)

	// The transaction rolled back, so nothing before the failing
	// record survived: the write count must say zero or the rows
	// applied before the failure would be acknowledged upstream
	// without existing anywhere.
	var writeErr *models.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, 0, writeErr.Written)
	assert.Equal(t, 0, written)

	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
	assert.Len(t, tx.execs, 2, "no record is attempted past the failure")
}
