package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cdtdelta/tourbook/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore manages all SQLite operations for a tour database.
// It implements the Store interface.
type SQLiteStore struct {
	*sqlStore
}

// OpenSQLite opens an existing tour database. Missing calendar columns of
// older databases are added and filled with cal.
func OpenSQLite(path string, cal model.Calendar) (*SQLiteStore, error) {
	s, err := open(&SQLiteDialect{}, path, cal)
	if err != nil {
		return nil, err
	}

	db := &SQLiteStore{sqlStore: s}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return db, nil
}

// CreateSQLite creates a new tour database with the full schema.
func CreateSQLite(path string, cal model.Calendar) (*SQLiteStore, error) {
	d := &SQLiteDialect{}

	conn, err := sql.Open(d.DriverName(), d.DSN(path))
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	db := &SQLiteStore{sqlStore: &sqlStore{path: path, conn: conn, dialect: d, calendar: cal}}

	if err := db.createSchema(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return db, nil
}
