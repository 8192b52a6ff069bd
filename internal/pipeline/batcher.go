package pipeline

import (
	"sort"

	"github.com/pgpipe/pgpipe/internal/capture"
	"github.com/pgpipe/pgpipe/internal/models"
)

// TableBatch is one flush unit: the ordered records buffered for a
// single source table plus the highest WAL position among them.
type TableBatch struct {
	TableName   string
	Records     []models.CDCRecord
	MaxPosition capture.Position
}

type tableBuffer struct {
	records []models.CDCRecord
	maxPos  capture.Position
}

// Batcher accumulates decoded changes per source table. A table
// flushes alone when it reaches maxRecords; everything flushes when
// the buffered byte estimate across tables reaches maxBytes. The timer
// flush is the engine's job, the batcher only counts.
type Batcher struct {
	maxRecords int
	maxBytes   int

	tables map[string]*tableBuffer
	bytes  int
}

func NewBatcher(maxRecords, maxBytes int) *Batcher {
	return &Batcher{
		maxRecords: maxRecords,
		maxBytes:   maxBytes,
		tables:     make(map[string]*tableBuffer),
		bytes:      0,
	}
}

// Add buffers one event and returns whatever became due: the single
// table that hit the record threshold, or every table when the byte
// threshold is crossed.
func (b *Batcher) Add(ev capture.Event) []TableBatch {
	buf, ok := b.tables[ev.Record.TableName]
	if !ok {
		buf = &tableBuffer{records: nil, maxPos: 0}
		b.tables[ev.Record.TableName] = buf
	}

	buf.records = append(buf.records, ev.Record)
	if ev.Position > buf.maxPos {
		buf.maxPos = ev.Position
	}
	b.bytes += ev.Record.EstimateSize()

	if b.bytes >= b.maxBytes {
		return b.FlushAll()
	}

	if len(buf.records) >= b.maxRecords {
		return []TableBatch{b.flushTable(ev.Record.TableName)}
	}

	return nil
}

// FlushAll drains every non-empty buffer, tables in sorted order so
// flush order is deterministic.
func (b *Batcher) FlushAll() []TableBatch {
	if len(b.tables) == 0 {
		return nil
	}

	names := make([]string, 0, len(b.tables))
	for name, buf := range b.tables {
		if len(buf.records) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	batches := make([]TableBatch, 0, len(names))
	for _, name := range names {
		batches = append(batches, b.flushTable(name))
	}

	return batches
}

func (b *Batcher) flushTable(name string) TableBatch {
	buf := b.tables[name]
	batch := TableBatch{
		TableName:   name,
		Records:     buf.records,
		MaxPosition: buf.maxPos,
	}

	for _, r := range buf.records {
		b.bytes -= r.EstimateSize()
	}
	if b.bytes < 0 {
		b.bytes = 0
	}
	delete(b.tables, name)

	return batch
}

// Len is the total buffered record count across tables.
func (b *Batcher) Len() int {
	n := 0
	for _, buf := range b.tables {
		n += len(buf.records)
	}
	return n
}

// Bytes is the current buffered byte estimate.
func (b *Batcher) Bytes() int {
	return b.bytes
}
