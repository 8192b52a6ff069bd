package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tidwall/gjson"

	"github.com/pgpipe/pgpipe/internal/models"
)

// RelationalSink materializes CDC records in another PostgreSQL
// instance. All objects live under a schema alias derived from the
// destination name, so several destinations can share one server
// without clashing. Writes are plain upserts-by-key and deletes-by-key
// in record order.
type RelationalSink struct {
	dest  models.Destination
	dsn   string
	alias string
	log   *slog.Logger

	pool *pgxpool.Pool

	mu      sync.Mutex
	schemas map[string][]models.ColumnDescriptor
}

func NewRelationalSink(dest models.Destination, log *slog.Logger) (*RelationalSink, error) {
	blob := string(dest.Config)

	host := gjson.Get(blob, "host").String()
	port := gjson.Get(blob, "port").Int()
	database := gjson.Get(blob, "database").String()
	user := gjson.Get(blob, "user").String()
	password := gjson.Get(blob, "password").String()

	if host == "" || database == "" {
		return nil, &models.ConfigurationError{
			Subject: "destination " + dest.ID,
			Reason:  "relational config requires host and database",
		}
	}
	if port == 0 {
		port = 5432
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s", host, port, database, user, password)

	return &RelationalSink{ //nolint:exhaustruct // pool set by Initialize
		dest:    dest,
		dsn:     dsn,
		alias:   DeriveAlias(dest.Name),
		log:     log.With(slog.String("sink", "relational"), slog.String("destination_id", dest.ID)),
		schemas: make(map[string][]models.ColumnDescriptor),
	}, nil
}

// Alias exposes the derived schema alias; useful for operator tooling.
func (s *RelationalSink) Alias() string { return s.alias }

func (s *RelationalSink) Initialize(ctx context.Context) error {
	if s.pool != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return &models.ConnectionError{Endpoint: s.dest.Name, Err: err}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return &models.ConnectionError{Endpoint: s.dest.Name, Err: err}
	}

	s.pool = pool
	return nil
}

func (s *RelationalSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *RelationalSink) ValidateConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return &models.ConnectionError{Endpoint: s.dest.Name, Err: err}
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return &models.ConnectionError{Endpoint: s.dest.Name, Err: err}
	}
	return nil
}

func (s *RelationalSink) CreateTableIfNotExists(ctx context.Context, tableName string, schema []models.ColumnDescriptor) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("relational sink is not initialized")
	}
	if len(schema) == 0 {
		return false, &models.ConfigurationError{Subject: "table " + tableName, Reason: "empty schema"}
	}

	var existed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		s.alias, tableName,
	).Scan(&existed)
	if err != nil {
		return false, fmt.Errorf("check table existence: %w", err)
	}

	if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quotePG(s.alias)); err != nil {
		return false, fmt.Errorf("ensure destination schema %s: %w", s.alias, err)
	}

	cols := make([]string, 0, len(schema))
	for _, col := range schema {
		cols = append(cols, quotePG(col.Name)+" "+col.Type)
	}

	// Ordered descriptors put the key column first.
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.%s (%s, PRIMARY KEY (%s))",
		quotePG(s.alias), quotePG(tableName), strings.Join(cols, ", "), quotePG(schema[0].Name),
	)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return false, fmt.Errorf("ensure destination table %s: %w", tableName, err)
	}

	s.mu.Lock()
	s.schemas[tableName] = schema
	s.mu.Unlock()

	return !existed, nil
}

func (s *RelationalSink) WriteBatch(ctx context.Context, records []models.CDCRecord, tableSync models.TableSync) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if s.pool == nil {
		return 0, &models.ConnectionError{Endpoint: s.dest.Name, Err: fmt.Errorf("sink not initialized")}
	}

	target := tableSync.TableNameTarget
	if target == "" {
		target = tableSync.TableName
	}

	s.mu.Lock()
	schema, ok := s.schemas[target]
	s.mu.Unlock()
	if !ok {
		return 0, &models.ConfigurationError{
			Subject: "table " + target,
			Reason:  "destination objects not ensured before write",
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &models.ConnectionError{Endpoint: s.dest.Name, Err: err}
	}

	written, err := s.writeTx(ctx, tx, target, schema, records, tableSync)
	if err != nil {
		return 0, err
	}

	s.log.DebugContext(ctx, "relational batch written",
		slog.String("table", target),
		slog.Int("records", written))

	return written, nil
}

// batchTx is the transactional slice of pgx.Tx the write path uses.
type batchTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// writeTx applies the records inside one transaction. The batch is
// atomic: any failure rolls back every row, so the reported write
// count on failure is zero and the caller dead-letters the whole
// batch.
func (s *RelationalSink) writeTx(ctx context.Context, tx batchTx, target string, schema []models.ColumnDescriptor, records []models.CDCRecord, tableSync models.TableSync) (int, error) {
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for _, rec := range records {
		if err := s.applyRecord(ctx, tx, target, schema, rec, tableSync); err != nil {
			return 0, &models.WriteError{Table: target, Written: 0, Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &models.WriteError{Table: target, Written: 0, Err: fmt.Errorf("commit batch: %w", err)}
	}

	return len(records), nil
}

func (s *RelationalSink) applyRecord(ctx context.Context, tx batchTx, target string, schema []models.ColumnDescriptor, rec models.CDCRecord, tableSync models.TableSync) error {
	qualified := quotePG(s.alias) + "." + quotePG(target)

	if rec.Operation == models.OpDelete {
		where, args := keyPredicate(rec.Key, 1)
		if where == "" {
			return fmt.Errorf("delete without key for table %s", target)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM "+qualified+" WHERE "+where, args...); err != nil {
			return fmt.Errorf("delete by key: %w", err)
		}
		return nil
	}

	keyCols := make([]string, 0, len(rec.Key))
	for k := range rec.Key {
		keyCols = append(keyCols, k)
	}
	if len(keyCols) == 0 {
		return fmt.Errorf("upsert without key for table %s", target)
	}
	// Map iteration order is unstable; the conflict target must not be.
	sort.Strings(keyCols)

	cols := make([]string, 0, len(schema))
	placeholders := make([]string, 0, len(schema))
	args := make([]any, 0, len(schema))
	for _, col := range schema {
		v := fieldValue(rec, col.Name)
		cols = append(cols, col.Name)
		args = append(args, v)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		updates = append(updates, quotePG(c)+" = EXCLUDED."+quotePG(c))
	}

	// The filter predicate sees the incoming row under its column
	// names; rows filtered out are skipped, not failed.
	sourceRows := fmt.Sprintf("(SELECT %s) AS r (%s)", strings.Join(placeholders, ", "), quotePGList(cols))
	where := ""
	if tableSync.FilterSQL != "" {
		where = " WHERE " + tableSync.FilterSQL
	}

	selectList := quotePGList(cols)
	if tableSync.TransformSQL != "" {
		selectList = tableSync.TransformSQL
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s%s ON CONFLICT (%s) DO UPDATE SET %s",
		qualified, quotePGList(cols), selectList, sourceRows, where, quotePGList(keyCols), strings.Join(updates, ", "),
	)

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert by key: %w", err)
	}
	return nil
}

// keyPredicate renders "k1 = $n AND k2 = $n+1" with stable column
// order, returning the args in matching positions.
func keyPredicate(key map[string]any, firstArg int) (string, []any) {
	if len(key) == 0 {
		return "", nil
	}

	cols := make([]string, 0, len(key))
	for k := range key {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		parts = append(parts, fmt.Sprintf("%s = $%d", quotePG(c), firstArg+i))
		args = append(args, key[c])
	}
	return strings.Join(parts, " AND "), args
}
