package schemamon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/pgpipe/pgpipe/internal/models"
)

// PGCatalog introspects a source over a plain session: publication
// membership from pg_publication_tables, live columns from
// information_schema.
type PGCatalog struct {
	log *slog.Logger
}

func NewPGCatalog(log *slog.Logger) *PGCatalog {
	return &PGCatalog{log: log}
}

func (c *PGCatalog) PublishedTables(ctx context.Context, src models.Source) ([]string, error) {
	conn, err := pgx.Connect(ctx, src.DSN())
	if err != nil {
		return nil, &models.ConnectionError{Endpoint: src.Host, Err: err}
	}
	defer conn.Close(ctx) //nolint:errcheck // best effort

	rows, err := conn.Query(ctx, `
		SELECT tablename
		FROM pg_publication_tables
		WHERE pubname = $1
		ORDER BY tablename
	`, src.Publication)
	if err != nil {
		return nil, fmt.Errorf("query publication tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan publication table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publication tables: %w", err)
	}

	return tables, nil
}

func (c *PGCatalog) TableColumns(ctx context.Context, src models.Source, table string) ([]models.ColumnDescriptor, error) {
	conn, err := pgx.Connect(ctx, src.DSN())
	if err != nil {
		return nil, &models.ConnectionError{Endpoint: src.Host, Err: err}
	}
	defer conn.Close(ctx) //nolint:errcheck // best effort

	rows, err := conn.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []models.ColumnDescriptor
	for rows.Next() {
		var col models.ColumnDescriptor
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	return columns, nil
}
