// Package schemamon watches source schemas: it reconciles the
// publication's table set against the tracked metadata rows, and
// classifies column-level drift into an append-only history.
package schemamon

import (
	"github.com/pgpipe/pgpipe/internal"
	"github.com/pgpipe/pgpipe/internal/models"
)

// Change is one classified schema difference.
type Change struct {
	Type   string // internal.SchemaChangeNewColumn, ...DropColumn, ...TypeChange
	Column string
}

// DiffSchemas classifies the differences between two ordered column
// lists. Pure function: column present only in the new schema is a new
// column, present only in the old is a drop, present in both with a
// different declared type is a type change. Order changes alone are
// not drift.
func DiffSchemas(oldSchema, newSchema []models.ColumnDescriptor) []Change {
	oldByName := make(map[string]string, len(oldSchema))
	for _, col := range oldSchema {
		oldByName[col.Name] = col.Type
	}
	newByName := make(map[string]string, len(newSchema))
	for _, col := range newSchema {
		newByName[col.Name] = col.Type
	}

	var changes []Change

	for _, col := range newSchema {
		oldType, existed := oldByName[col.Name]
		switch {
		case !existed:
			changes = append(changes, Change{Type: internal.SchemaChangeNewColumn, Column: col.Name})
		case oldType != col.Type:
			changes = append(changes, Change{Type: internal.SchemaChangeTypeChange, Column: col.Name})
		}
	}

	for _, col := range oldSchema {
		if _, exists := newByName[col.Name]; !exists {
			changes = append(changes, Change{Type: internal.SchemaChangeDropColumn, Column: col.Name})
		}
	}

	return changes
}
