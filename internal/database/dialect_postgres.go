package database

import "fmt"

// pgQuoteCol wraps a column name in double quotes if it is a PostgreSQL reserved word.
// None of the tour columns are reserved today; user-supplied sort columns are
// validated against model.Fields before they reach this point.
func pgQuoteCol(name string) string {
	switch name {
	case "user", "desc", "offset", "order":
		return `"` + name + `"`
	default:
		return name
	}
}

// PostgresDialect implements the Dialect interface for PostgreSQL databases.
// It also satisfies query.QueryDialect through structural typing.
type PostgresDialect struct{}

func (d *PostgresDialect) DriverName() string             { return "pgx" }
func (d *PostgresDialect) DSN(pathOrConnStr string) string { return pathOrConnStr }
func (d *PostgresDialect) Placeholder(index int) string    { return fmt.Sprintf("$%d", index) }
func (d *PostgresDialect) QuoteColumn(name string) string  { return pgQuoteCol(name) }

func (d *PostgresDialect) SchemaCheckColumnSQL(table, column string) string {
	return fmt.Sprintf(
		"SELECT COUNT(*) FROM information_schema.columns WHERE table_name='%s' AND column_name='%s'",
		table, column)
}

func (d *PostgresDialect) CreateTourTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS tour_data (
		tour_id BIGINT PRIMARY KEY,
		start_time BIGINT NOT NULL,
		start_year INT, start_month INT,
		start_week INT, start_week_year INT,
		import_file_path TEXT, import_file_name TEXT,
		tour_type_id BIGINT, title TEXT, person_id BIGINT,
		distance DOUBLE PRECISION DEFAULT 0, recording_time BIGINT DEFAULT 0,
		moving_time BIGINT DEFAULT 0, altitude_up DOUBLE PRECISION DEFAULT 0,
		altitude_down DOUBLE PRECISION DEFAULT 0, calories DOUBLE PRECISION DEFAULT 0,
		max_speed DOUBLE PRECISION DEFAULT 0, max_pulse BIGINT DEFAULT 0,
		avg_pulse DOUBLE PRECISION DEFAULT 0
	)`
}

func (d *PostgresDialect) CreateTagTableSQL() string {
	return "CREATE TABLE IF NOT EXISTS tour_tag (tag_id BIGINT PRIMARY KEY, name TEXT)"
}

func (d *PostgresDialect) CreateTourTagTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS tour_data_tag (
		tour_id BIGINT NOT NULL, tag_id BIGINT NOT NULL,
		PRIMARY KEY (tour_id, tag_id)
	)`
}

func (d *PostgresDialect) CreateMarkerTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS tour_marker (
		marker_id BIGSERIAL PRIMARY KEY,
		tour_id BIGINT NOT NULL, label TEXT, time_offset BIGINT DEFAULT 0
	)`
}

func (d *PostgresDialect) CreateTourTypeTableSQL() string {
	return "CREATE TABLE IF NOT EXISTS tour_type (type_id BIGINT PRIMARY KEY, name TEXT)"
}

func (d *PostgresDialect) AddColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s INT", table, pgQuoteCol(column))
}

func (d *PostgresDialect) CreateIndexSQL(indexName, tableName, columns string) string {
	return fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName, tableName, columns)
}

func (d *PostgresDialect) DropIndexSQL(indexName string) string {
	return fmt.Sprintf("DROP INDEX IF EXISTS %s", indexName)
}

func (d *PostgresDialect) InsertTourSQL() string {
	return insertTourSQL(d)
}

func (d *PostgresDialect) UpsertTagSQL() string {
	return "INSERT INTO tour_tag (tag_id, name) VALUES ($1, $2) ON CONFLICT (tag_id) DO UPDATE SET name = EXCLUDED.name"
}

func (d *PostgresDialect) UpsertTourTypeSQL() string {
	return "INSERT INTO tour_type (type_id, name) VALUES ($1, $2) ON CONFLICT (type_id) DO UPDATE SET name = EXCLUDED.name"
}
