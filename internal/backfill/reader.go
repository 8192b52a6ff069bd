package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pgpipe/pgpipe/internal/models"
)

// PGReader scans source tables over a plain (non-replication) session,
// keyset-paginating on the table's first schema column so a scan never
// holds a long-running cursor.
type PGReader struct {
	log *slog.Logger
}

func NewPGReader(log *slog.Logger) *PGReader {
	return &PGReader{log: log}
}

func (r *PGReader) Count(ctx context.Context, src models.Source, table, filterSQL string) (int64, error) {
	conn, err := pgx.Connect(ctx, src.DSN())
	if err != nil {
		return 0, &models.ConnectionError{Endpoint: src.Host, Err: err}
	}
	defer conn.Close(ctx) //nolint:errcheck // best effort

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))
	if filterSQL != "" {
		query += ` WHERE ` + filterSQL
	}

	var total int64
	if err := conn.QueryRow(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}

	return total, nil
}

// Read streams the table in key order, building snapshot-read records.
// The key column is the first schema column, matching the key the
// destination orders and upserts by.
func (r *PGReader) Read(ctx context.Context, src models.Source, table string, schema []models.ColumnDescriptor, filterSQL string, batchSize int, fn BatchFunc) error {
	if len(schema) == 0 {
		return &models.ConfigurationError{
			Subject: "table " + table,
			Reason:  "empty schema, cannot determine scan key",
		}
	}

	conn, err := pgx.Connect(ctx, src.DSN())
	if err != nil {
		return &models.ConnectionError{Endpoint: src.Host, Err: err}
	}
	defer conn.Close(ctx) //nolint:errcheck // best effort

	keyCol := schema[0].Name

	var lastKey any
	for {
		records, err := r.readPage(ctx, conn, table, keyCol, filterSQL, batchSize, lastKey)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		if err := fn(ctx, records); err != nil {
			return err
		}

		lastKey = records[len(records)-1].Key[keyCol]

		if len(records) < batchSize {
			return nil
		}
	}
}

func (r *PGReader) readPage(ctx context.Context, conn *pgx.Conn, table, keyCol, filterSQL string, batchSize int, lastKey any) ([]models.CDCRecord, error) {
	var (
		query string
		args  []any
	)

	where := ""
	if filterSQL != "" {
		where = `(` + filterSQL + `)`
	}
	if lastKey != nil {
		if where != "" {
			where += ` AND `
		}
		where += quoteIdent(keyCol) + ` > $1`
		args = append(args, lastKey)
	}
	if where != "" {
		where = ` WHERE ` + where
	}

	query = fmt.Sprintf(`SELECT * FROM %s%s ORDER BY %s LIMIT %d`,
		quoteIdent(table), where, quoteIdent(keyCol), batchSize)

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	now := time.Now().UnixMilli()

	var records []models.CDCRecord
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}

		value := make(map[string]any, len(fields))
		for i, fd := range fields {
			value[fd.Name] = values[i]
		}

		records = append(records, models.CDCRecord{ //nolint:exhaustruct // no schema payload
			Operation: models.OpSnapshotRead,
			TableName: table,
			Key:       map[string]any{keyCol: value[keyCol]},
			Value:     value,
			Timestamp: now,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}

	return records, nil
}

// quoteIdent wraps a PostgreSQL identifier in double quotes, doubling
// any embedded quote characters.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
