package database

import "strings"

// Dialect abstracts all database-specific SQL generation.
// Each database backend (SQLite, PostgreSQL) implements this interface.
// The Placeholder and QuoteColumn methods match the query.QueryDialect
// interface through Go structural typing, so a Dialect can also serve as a QueryDialect.
type Dialect interface {
	// DriverName returns the database/sql driver name (e.g. "sqlite", "pgx").
	DriverName() string

	// DSN returns the data source name for opening a connection.
	// For SQLite this is the file path; for PostgreSQL it is a connection string.
	DSN(pathOrConnStr string) string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	// SQLite: "?" (ignoring index), PostgreSQL: "$1", "$2", etc.
	Placeholder(index int) string

	// QuoteColumn returns the column name quoted appropriately for the dialect.
	QuoteColumn(name string) string

	// SchemaCheckColumnSQL returns a SQL query that counts how many times a column
	// appears in a table's schema. Used for migration checks.
	SchemaCheckColumnSQL(table, column string) string

	// CreateTourTableSQL returns the DDL for the tour_data table.
	CreateTourTableSQL() string

	// CreateTagTableSQL returns the DDL for the tour_tag catalog.
	CreateTagTableSQL() string

	// CreateTourTagTableSQL returns the DDL for the tour_data_tag join table.
	CreateTourTagTableSQL() string

	// CreateMarkerTableSQL returns the DDL for the tour_marker table.
	CreateMarkerTableSQL() string

	// CreateTourTypeTableSQL returns the DDL for the tour_type catalog.
	CreateTourTypeTableSQL() string

	// AddColumnSQL returns DDL adding an integer column to a table.
	AddColumnSQL(table, column string) string

	// CreateIndexSQL returns DDL to create an index on table columns.
	CreateIndexSQL(indexName, tableName, columns string) string

	// DropIndexSQL returns DDL to drop an index by name.
	DropIndexSQL(indexName string) string

	// InsertTourSQL returns the parameterized INSERT statement for a single tour.
	// The statement has len(tourInsertColumns) placeholders.
	InsertTourSQL() string

	// UpsertTagSQL returns the parameterized upsert of a tag (id, name).
	UpsertTagSQL() string

	// UpsertTourTypeSQL returns the parameterized upsert of a tour type (id, name).
	UpsertTourTypeSQL() string
}

// tourInsertColumns is the column order of InsertTourSQL.
var tourInsertColumns = []string{
	"tour_id", "start_time", "start_year", "start_month", "start_week",
	"start_week_year", "import_file_path", "import_file_name", "tour_type_id",
	"title", "person_id", "distance", "recording_time", "moving_time",
	"altitude_up", "altitude_down", "calories", "max_speed", "max_pulse",
	"avg_pulse",
}

// placeholderList renders n placeholders starting at index 1.
func placeholderList(d Dialect, n int) string {
	phs := make([]string, n)
	for i := range phs {
		phs[i] = d.Placeholder(i + 1)
	}
	return strings.Join(phs, ", ")
}

// insertTourSQL builds the tour INSERT for dialect d.
func insertTourSQL(d Dialect) string {
	return "INSERT INTO tour_data (" + strings.Join(tourInsertColumns, ", ") +
		") VALUES (" + placeholderList(d, len(tourInsertColumns)) + ")"
}

// calendarIndexes are created on every new database, the bucket queries
// group and filter by them.
var calendarIndexes = map[string]string{
	"tour_month_idx": "start_year, start_month",
	"tour_week_idx":  "start_week_year, start_week",
	"tour_start_idx": "start_time",
}
