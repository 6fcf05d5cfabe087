package database

import "fmt"

// SQLiteDialect implements the Dialect interface for SQLite databases.
// It also satisfies query.QueryDialect through structural typing.
type SQLiteDialect struct{}

func (d *SQLiteDialect) DriverName() string            { return "sqlite" }
func (d *SQLiteDialect) Placeholder(index int) string   { return "?" }
func (d *SQLiteDialect) QuoteColumn(name string) string { return name }

// DSN appends a busy timeout so that concurrent bucket queries and writers
// wait for the file lock instead of failing.
func (d *SQLiteDialect) DSN(pathOrConnStr string) string {
	return pathOrConnStr + "?_pragma=busy_timeout(5000)"
}

func (d *SQLiteDialect) SchemaCheckColumnSQL(table, column string) string {
	return fmt.Sprintf(
		"SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name='%s'", table, column)
}

func (d *SQLiteDialect) CreateTourTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS tour_data (
		tour_id INTEGER PRIMARY KEY,
		start_time INTEGER NOT NULL,
		start_year INTEGER, start_month INTEGER,
		start_week INTEGER, start_week_year INTEGER,
		import_file_path TEXT, import_file_name TEXT,
		tour_type_id INTEGER, title TEXT, person_id INTEGER,
		distance REAL DEFAULT 0, recording_time INTEGER DEFAULT 0,
		moving_time INTEGER DEFAULT 0, altitude_up REAL DEFAULT 0,
		altitude_down REAL DEFAULT 0, calories REAL DEFAULT 0,
		max_speed REAL DEFAULT 0, max_pulse INTEGER DEFAULT 0,
		avg_pulse REAL DEFAULT 0
	)`
}

func (d *SQLiteDialect) CreateTagTableSQL() string {
	return "CREATE TABLE IF NOT EXISTS tour_tag (tag_id INTEGER PRIMARY KEY, name TEXT)"
}

func (d *SQLiteDialect) CreateTourTagTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS tour_data_tag (
		tour_id INTEGER NOT NULL, tag_id INTEGER NOT NULL,
		PRIMARY KEY (tour_id, tag_id)
	)`
}

func (d *SQLiteDialect) CreateMarkerTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS tour_marker (
		marker_id INTEGER PRIMARY KEY AUTOINCREMENT,
		tour_id INTEGER NOT NULL, label TEXT, time_offset INTEGER DEFAULT 0
	)`
}

func (d *SQLiteDialect) CreateTourTypeTableSQL() string {
	return "CREATE TABLE IF NOT EXISTS tour_type (type_id INTEGER PRIMARY KEY, name TEXT)"
}

func (d *SQLiteDialect) AddColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s INTEGER", table, column)
}

func (d *SQLiteDialect) CreateIndexSQL(indexName, tableName, columns string) string {
	return fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName, tableName, columns)
}

func (d *SQLiteDialect) DropIndexSQL(indexName string) string {
	return fmt.Sprintf("DROP INDEX IF EXISTS %s", indexName)
}

func (d *SQLiteDialect) InsertTourSQL() string {
	return insertTourSQL(d)
}

func (d *SQLiteDialect) UpsertTagSQL() string {
	return "INSERT INTO tour_tag (tag_id, name) VALUES (?, ?) ON CONFLICT (tag_id) DO UPDATE SET name = excluded.name"
}

func (d *SQLiteDialect) UpsertTourTypeSQL() string {
	return "INSERT INTO tour_type (type_id, name) VALUES (?, ?) ON CONFLICT (type_id) DO UPDATE SET name = excluded.name"
}
