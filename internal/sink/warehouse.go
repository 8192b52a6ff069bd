package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/pgpipe/pgpipe/internal/client"
	"github.com/pgpipe/pgpipe/internal/models"
)

// WarehouseSink materializes CDC records in a columnar warehouse. Each
// table is backed by four objects: a landing table receiving raw
// micro-batches, a change-stream view over the landing table, a merge
// task that moves filtered rows into the final table, and the final
// table itself (a replacing merge tree keyed by version, so replayed
// batches collapse to the latest row per key).
type WarehouseSink struct {
	dest models.Destination
	cfg  client.ClickHouseConfig
	log  *slog.Logger

	client *client.ClickHouseClient

	mu      sync.Mutex
	schemas map[string][]models.ColumnDescriptor
}

func NewWarehouseSink(dest models.Destination, log *slog.Logger) (*WarehouseSink, error) {
	blob := string(dest.Config)

	cfg := client.ClickHouseConfig{
		Host:     gjson.Get(blob, "host").String(),
		Port:     gjson.Get(blob, "port").String(),
		Username: gjson.Get(blob, "username").String(),
		Password: gjson.Get(blob, "password").String(),
		Database: gjson.Get(blob, "database").String(),
		Secure:   gjson.Get(blob, "secure").Bool(),
	}

	if cfg.Host == "" || cfg.Database == "" {
		return nil, &models.ConfigurationError{
			Subject: "destination " + dest.ID,
			Reason:  "warehouse config requires host and database",
		}
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}

	return &WarehouseSink{ //nolint:exhaustruct // client set by Initialize
		dest:    dest,
		cfg:     cfg,
		log:     log.With(slog.String("sink", "warehouse"), slog.String("destination_id", dest.ID)),
		schemas: make(map[string][]models.ColumnDescriptor),
	}, nil
}

func (s *WarehouseSink) Initialize(ctx context.Context) error {
	if s.client != nil {
		if err := s.client.Ping(ctx); err == nil {
			return nil
		}
		if err := s.client.Reconnect(ctx); err != nil {
			return &models.ConnectionError{Endpoint: s.cfg.Host + ":" + s.cfg.Port, Err: err}
		}
		return nil
	}

	chClient, err := client.NewClickHouseClient(ctx, s.cfg)
	if err != nil {
		return &models.ConnectionError{Endpoint: s.cfg.Host + ":" + s.cfg.Port, Err: err}
	}

	s.client = chClient
	return nil
}

func (s *WarehouseSink) Close() error {
	if s.client == nil {
		return nil
	}

	err := s.client.Close()
	s.client = nil
	if err != nil {
		return fmt.Errorf("close warehouse connection: %w", err)
	}
	return nil
}

func (s *WarehouseSink) ValidateConnection(ctx context.Context) error {
	probe, err := client.NewClickHouseClient(ctx, s.cfg)
	if err != nil {
		return &models.ConnectionError{Endpoint: s.cfg.Host + ":" + s.cfg.Port, Err: err}
	}

	if err := probe.Close(); err != nil {
		return fmt.Errorf("close validation connection: %w", err)
	}
	return nil
}

// Landing/stream/task object names derived from the target table name.
func landingTable(table string) string { return table + "__landing" }
func streamView(table string) string   { return table + "__stream" }
func taskView(table string) string     { return table + "__task" }

func (s *WarehouseSink) CreateTableIfNotExists(ctx context.Context, tableName string, schema []models.ColumnDescriptor) (bool, error) {
	if s.client == nil {
		return false, fmt.Errorf("warehouse sink is not initialized")
	}
	if len(schema) == 0 {
		return false, &models.ConfigurationError{Subject: "table " + tableName, Reason: "empty schema"}
	}

	existed, err := s.tableExists(ctx, tableName)
	if err != nil {
		return false, err
	}

	db := quoteCH(s.client.GetDatabase())

	cols := make([]string, 0, len(schema))
	names := make([]string, 0, len(schema))
	for _, col := range schema {
		cols = append(cols, quoteCH(col.Name)+" "+chType(col.Type))
		names = append(names, col.Name)
	}
	colDDL := strings.Join(cols, ", ")

	// Ordered descriptors put the key column first.
	orderKey := quoteCH(schema[0].Name)

	ddls := []string{
		fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s.%s (%s, `_op` String, `_version` UInt64, `_batch_id` UUID, `_ingested_at` DateTime DEFAULT now()) ENGINE = MergeTree ORDER BY tuple() TTL `_ingested_at` + INTERVAL 1 DAY",
			db, quoteCH(landingTable(tableName)), colDDL,
		),
		fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s.%s (%s, `_deleted` UInt8, `_version` UInt64) ENGINE = ReplacingMergeTree(`_version`) ORDER BY %s",
			db, quoteCH(tableName), colDDL, orderKey,
		),
		fmt.Sprintf(
			"CREATE MATERIALIZED VIEW IF NOT EXISTS %s.%s ENGINE = MergeTree ORDER BY `_version` AS SELECT `_op`, `_version`, `_batch_id`, `_ingested_at` FROM %s.%s",
			db, quoteCH(streamView(tableName)), db, quoteCH(landingTable(tableName)),
		),
		fmt.Sprintf(
			"CREATE VIEW IF NOT EXISTS %s.%s AS SELECT %s, `_op` = 'd' AS `_deleted`, `_version`, `_batch_id` FROM %s.%s",
			db, quoteCH(taskView(tableName)), quoteCHList(names), db, quoteCH(landingTable(tableName)),
		),
	}

	for _, ddl := range ddls {
		if err := s.client.Exec(ctx, ddl); err != nil {
			return false, fmt.Errorf("ensure warehouse objects for %s: %w", tableName, err)
		}
	}

	s.mu.Lock()
	s.schemas[tableName] = schema
	s.mu.Unlock()

	return !existed, nil
}

func (s *WarehouseSink) tableExists(ctx context.Context, tableName string) (bool, error) {
	var count uint64
	row := s.client.QueryRow(ctx,
		"SELECT count() FROM system.tables WHERE database = ? AND name = ?",
		s.client.GetDatabase(), tableName,
	)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("check table existence: %w", err)
	}
	return count > 0, nil
}

func (s *WarehouseSink) WriteBatch(ctx context.Context, records []models.CDCRecord, tableSync models.TableSync) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if s.client == nil {
		return 0, &models.ConnectionError{Endpoint: s.cfg.Host + ":" + s.cfg.Port, Err: fmt.Errorf("sink not initialized")}
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

	db := quoteCH(s.client.GetDatabase())
	names := make([]string, 0, len(schema))
	for _, col := range schema {
		names = append(names, col.Name)
	}

	batchID := uuid.New()

	query := fmt.Sprintf(
		"INSERT INTO %s.%s (%s, `_op`, `_version`, `_batch_id`)",
		db, quoteCH(landingTable(target)), quoteCHList(names),
	)

	chBatch, err := s.client.PrepareBatch(ctx, query)
	if err != nil {
		// A stale native connection surfaces here; one reconnect
		// attempt before giving the batch up.
		if rerr := s.client.Reconnect(ctx); rerr != nil {
			return 0, &models.ConnectionError{Endpoint: s.cfg.Host + ":" + s.cfg.Port, Err: rerr}
		}
		if chBatch, err = s.client.PrepareBatch(ctx, query); err != nil {
			return 0, &models.WriteError{Table: target, Written: 0, Err: err}
		}
	}

	for _, rec := range records {
		version := rec.Timestamp
		if version <= 0 {
			version = time.Now().UnixMilli()
		}

		values := make([]any, 0, len(schema)+3)
		for _, col := range schema {
			values = append(values, coerceCH(col.Type, fieldValue(rec, col.Name)))
		}
		values = append(values, string(rec.Operation), cast.ToUint64(version), batchID)

		if err := chBatch.Append(values...); err != nil {
			return 0, &models.WriteError{Table: target, Written: 0, Err: fmt.Errorf("append row: %w", err)}
		}
	}

	if err := chBatch.Send(); err != nil {
		return 0, &models.WriteError{Table: target, Written: 0, Err: fmt.Errorf("send landing batch: %w", err)}
	}

	if err := s.runMergeTask(ctx, target, names, tableSync, batchID); err != nil {
		return 0, &models.WriteError{Table: target, Written: 0, Err: err}
	}

	s.log.DebugContext(ctx, "warehouse batch written",
		slog.String("table", target),
		slog.Int("records", len(records)),
		slog.String("batch_id", batchID.String()))

	return len(records), nil
}

// runMergeTask moves one landed micro-batch into the final table,
// applying the table sync's filter and transform. Replays of the same
// records collapse in the replacing merge tree by (key, version).
func (s *WarehouseSink) runMergeTask(ctx context.Context, target string, names []string, tableSync models.TableSync, batchID uuid.UUID) error {
	db := quoteCH(s.client.GetDatabase())

	selectList := quoteCHList(names)
	if tableSync.TransformSQL != "" {
		selectList = tableSync.TransformSQL
	}

	where := "`_batch_id` = ?"
	if tableSync.FilterSQL != "" {
		where += " AND (" + tableSync.FilterSQL + ")"
	}

	// Deletes always pass through so the tombstone reaches the final
	// table even when the row no longer matches the filter.
	merge := fmt.Sprintf(
		"INSERT INTO %s.%s (%s, `_deleted`, `_version`) SELECT %s, `_deleted`, `_version` FROM %s.%s WHERE (%s) OR (`_batch_id` = ? AND `_deleted` = 1)",
		db, quoteCH(target), quoteCHList(names), selectList, db, quoteCH(taskView(target)), where,
	)

	if err := s.client.Exec(ctx, merge, batchID, batchID); err != nil {
		return fmt.Errorf("merge task for %s: %w", target, err)
	}
	return nil
}

// fieldValue resolves a column from the record's value image, falling
// back to the key image (delete events carry only the key).
func fieldValue(rec models.CDCRecord, column string) any {
	if v, ok := rec.Value[column]; ok {
		return v
	}
	return rec.Key[column]
}

// chType maps a PostgreSQL declared type to the warehouse column type.
func chType(pgType string) string {
	base := strings.ToLower(pgType)
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)

	switch base {
	case "smallint", "int2":
		return "Nullable(Int16)"
	case "integer", "int", "int4", "serial":
		return "Nullable(Int32)"
	case "bigint", "int8", "bigserial":
		return "Nullable(Int64)"
	case "real", "float4":
		return "Nullable(Float32)"
	case "double precision", "float8", "numeric", "decimal":
		return "Nullable(Float64)"
	case "boolean", "bool":
		return "Nullable(Bool)"
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz":
		return "Nullable(DateTime64(3))"
	case "date":
		return "Nullable(Date32)"
	case "uuid":
		return "Nullable(UUID)"
	default:
		// text, varchar, json, jsonb, bytea and anything unknown land
		// as strings.
		return "Nullable(String)"
	}
}

// coerceCH nudges a decoded CDC value toward the warehouse column
// type. Values that refuse to convert pass through unchanged and the
// driver reports the mismatch.
func coerceCH(pgType string, v any) any {
	if v == nil {
		return nil
	}

	switch chType(pgType) {
	case "Nullable(Int16)", "Nullable(Int32)", "Nullable(Int64)":
		if n, err := cast.ToInt64E(v); err == nil {
			return n
		}
	case "Nullable(Float32)", "Nullable(Float64)":
		if f, err := cast.ToFloat64E(v); err == nil {
			return f
		}
	case "Nullable(Bool)":
		if b, err := cast.ToBoolE(v); err == nil {
			return b
		}
	case "Nullable(DateTime64(3))", "Nullable(Date32)":
		if t, err := cast.ToTimeE(v); err == nil {
			return t
		}
	default:
		return cast.ToString(v)
	}

	return v
}
