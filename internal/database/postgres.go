package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cdtdelta/tourbook/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgSanitizeString strips null bytes (0x00) from a string. SQLite stores these
// fine but PostgreSQL rejects them with "invalid byte sequence for encoding UTF8".
func pgSanitizeString(s string) string {
	if strings.ContainsRune(s, '\x00') {
		return strings.ReplaceAll(s, "\x00", "")
	}
	return s
}

// PostgresStore manages all PostgreSQL operations for a tour database.
// It implements the Store interface.
type PostgresStore struct {
	*sqlStore
}

// OpenPostgres opens an existing tour database on PostgreSQL.
func OpenPostgres(connStr string, cal model.Calendar) (*PostgresStore, error) {
	s, err := open(&PostgresDialect{}, connStr, cal)
	if err != nil {
		return nil, err
	}
	s.sanitize = pgSanitizeString

	db := &PostgresStore{sqlStore: s}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return db, nil
}

// CreatePostgres creates the tour schema on a PostgreSQL database.
// The database itself must already exist; this creates the tables and indexes.
func CreatePostgres(connStr string, cal model.Calendar) (*PostgresStore, error) {
	d := &PostgresDialect{}

	conn, err := sql.Open(d.DriverName(), d.DSN(connStr))
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	db := &PostgresStore{sqlStore: &sqlStore{
		path: connStr, conn: conn, dialect: d, calendar: cal, sanitize: pgSanitizeString,
	}}

	if err := db.createSchema(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return db, nil
}
