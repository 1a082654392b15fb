// Package schema describes destination table shapes shared by the
// Parquet codec, the materialisers and CDC schema discovery.
package schema

import "fmt"

// ColumnType enumerates the logical column types carried by deltas.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeJSON    ColumnType = "json"
	TypeNull    ColumnType = "null"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeJSON, TypeNull:
		return true
	}
	return false
}

// Column is one typed column of a destination table.
type Column struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// TableSchema maps a source table onto a destination table.
//
// SourceTable remaps source identity (e.g. deltas arriving for
// "jira_issues" land in destination "tickets"). ExternalIDColumn, when
// set, is the conflict target for upserts instead of the primary key.
// SoftDelete defaults to true: deletions set deleted_at rather than
// removing rows.
type TableSchema struct {
	Table            string   `json:"table" yaml:"table"`
	Columns          []Column `json:"columns" yaml:"columns"`
	PrimaryKey       []string `json:"primaryKey,omitempty" yaml:"primary_key,omitempty"`
	SourceTable      string   `json:"sourceTable,omitempty" yaml:"source_table,omitempty"`
	ExternalIDColumn string   `json:"externalIdColumn,omitempty" yaml:"external_id_column,omitempty"`
	SoftDelete       *bool    `json:"softDelete,omitempty" yaml:"soft_delete,omitempty"`
}

// Source returns the source-side table name deltas arrive under.
func (s TableSchema) Source() string {
	if s.SourceTable != "" {
		return s.SourceTable
	}
	return s.Table
}

// SoftDeletes reports whether tombstones become soft deletes. Unset
// means true.
func (s TableSchema) SoftDeletes() bool {
	return s.SoftDelete == nil || *s.SoftDelete
}

// Column returns the named column definition, if present.
func (s TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Validate checks structural soundness of the schema.
func (s TableSchema) Validate() error {
	if s.Table == "" {
		return fmt.Errorf("schema: missing table name")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("schema %s: column with empty name", s.Table)
		}
		if !c.Type.Valid() {
			return fmt.Errorf("schema %s: column %s has invalid type %q", s.Table, c.Name, c.Type)
		}
		if seen[c.Name] {
			return fmt.Errorf("schema %s: duplicate column %s", s.Table, c.Name)
		}
		seen[c.Name] = true
	}
	for _, pk := range s.PrimaryKey {
		if !seen[pk] {
			return fmt.Errorf("schema %s: primary key column %s not declared", s.Table, pk)
		}
	}
	if s.ExternalIDColumn != "" && !seen[s.ExternalIDColumn] {
		return fmt.Errorf("schema %s: external id column %s not declared", s.Table, s.ExternalIDColumn)
	}
	return nil
}

// BySource indexes schemas by their source-side table name. Later
// duplicates win, matching config file override order.
func BySource(schemas []TableSchema) map[string]TableSchema {
	index := make(map[string]TableSchema, len(schemas))
	for _, s := range schemas {
		index[s.Source()] = s
	}
	return index
}

// BoolColumns lists the names of boolean-typed columns; the Parquet
// codec records these in file metadata since Parquet stores them as
// int8.
func (s TableSchema) BoolColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Type == TypeBoolean {
			out = append(out, c.Name)
		}
	}
	return out
}
