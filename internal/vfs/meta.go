package vfs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"matryoshka/internal/sqlite"
)

// CurrentVersion is the schema version this build reads and writes.
// Opening a container whose newest meta table is newer fails with
// ErrInvalidDatabaseVersion.
const CurrentVersion = 0

const (
	metaPrefix    = "Matryoshka_Meta_"
	dataTableName = "Matryoshka_Data"

	formatMeta = "{meta}"
	formatData = "{data}"
)

// MetaTable names one versioned meta table. The data table name is
// shared across versions.
type MetaTable struct {
	version uint64
}

// NewMetaTable returns the handle for the given schema version.
func NewMetaTable(version uint64) MetaTable {
	return MetaTable{version: version}
}

// ParseMetaTable recovers the version from a catalog table name of the
// form "Matryoshka_Meta_<version>".
func ParseMetaTable(name string) (MetaTable, error) {
	if !strings.HasPrefix(name, metaPrefix) {
		return MetaTable{}, fmt.Errorf("not a meta table name: %q", name)
	}
	version, err := strconv.ParseUint(name[len(metaPrefix):], 10, 64)
	if err != nil {
		return MetaTable{}, fmt.Errorf("parse meta table version from %q: %w", name, err)
	}
	return MetaTable{version: version}, nil
}

// LoadMetaTables enumerates the meta tables present in the database
// catalog, sorted by version descending (newest first). Table names
// matching the prefix but carrying no parseable version are skipped.
func LoadMetaTables(db *sqlite.DB) ([]MetaTable, error) {
	rows, err := db.Query(
		"SELECT name FROM sqlite_master WHERE type='table' AND name LIKE 'Matryoshka_Meta_%'")
	if err != nil {
		return nil, fmt.Errorf("enumerate meta tables: %w", err)
	}
	defer rows.Close()

	var tables []MetaTable
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan meta table name: %w", err)
		}
		table, err := ParseMetaTable(name)
		if err != nil {
			continue
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enumerate meta tables: %w", err)
	}

	sort.Slice(tables, func(i, j int) bool {
		return tables[i].version > tables[j].version
	})
	return tables, nil
}

// Version returns the schema version the table encodes.
func (m MetaTable) Version() uint64 {
	return m.version
}

// Meta returns the versioned meta table name.
func (m MetaTable) Meta() string {
	return metaPrefix + strconv.FormatUint(m.version, 10)
}

// Data returns the data table name, shared across versions.
func (m MetaTable) Data() string {
	return dataTableName
}

// Format expands every {meta} and {data} placeholder in template to the
// resolved table names. Unterminated placeholder prefixes are left as
// literal text.
func (m MetaTable) Format(template string) string {
	out := strings.ReplaceAll(template, formatMeta, m.Meta())
	return strings.ReplaceAll(out, formatData, m.Data())
}
