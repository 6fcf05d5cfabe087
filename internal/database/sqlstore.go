package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cdtdelta/tourbook/internal/metrics"
	"github.com/cdtdelta/tourbook/internal/model"
	"github.com/cdtdelta/tourbook/internal/query"
)

// sqlStore holds the operations shared by SQLiteStore and PostgresStore.
// Everything dialect specific goes through the Dialect.
type sqlStore struct {
	path     string
	conn     *sql.DB
	dialect  Dialect

	// calMu guards calendar. Inserts hold it shared for their whole
	// transaction so that RecomputeCalendar never misses a tour.
	calMu    sync.RWMutex
	calendar model.Calendar

	// sanitize is applied to every text value before insert, nil keeps
	// values unchanged.
	sanitize func(string) string
}

// open opens and pings a database through dialect d.
func open(d Dialect, pathOrConnStr string, cal model.Calendar) (*sqlStore, error) {
	conn, err := sql.Open(d.DriverName(), d.DSN(pathOrConnStr))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &sqlStore{path: pathOrConnStr, conn: conn, dialect: d, calendar: cal}, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Path returns the file path or connection string of the database.
func (s *sqlStore) Path() string {
	return s.path
}

// Conn returns the underlying *sql.DB connection for advanced query usage.
func (s *sqlStore) Conn() *sql.DB {
	return s.conn
}

// Dialect returns the SQL dialect of the store.
func (s *sqlStore) Dialect() Dialect {
	return s.dialect
}

// Calendar returns the calendar used to derive the stored calendar columns.
func (s *sqlStore) Calendar() model.Calendar {
	s.calMu.RLock()
	defer s.calMu.RUnlock()
	return s.calendar
}

// withConn acquires one connection, runs fn and releases the connection on
// every exit path. Failures are reported as *DataAccessError.
func (s *sqlStore) withConn(ctx context.Context, op, sqlText string, fn func(*sql.Conn) error) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery(op, start, err) }()

	conn, err := s.conn.Conn(ctx)
	if err != nil {
		return &DataAccessError{Op: op, SQL: sqlText, Err: err}
	}
	defer conn.Close()

	if err := fn(conn); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return &DataAccessError{Op: op, SQL: sqlText, Err: err}
	}
	return nil
}

// createSchema builds all tables and indexes for a new database.
func (s *sqlStore) createSchema(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ddl := []struct {
		name string
		sql  string
	}{
		{"tour_data", s.dialect.CreateTourTableSQL()},
		{"tour_tag", s.dialect.CreateTagTableSQL()},
		{"tour_data_tag", s.dialect.CreateTourTagTableSQL()},
		{"tour_marker", s.dialect.CreateMarkerTableSQL()},
		{"tour_type", s.dialect.CreateTourTypeTableSQL()},
	}
	for _, t := range ddl {
		if _, err := tx.ExecContext(ctx, t.sql); err != nil {
			return fmt.Errorf("creating %s table: %w", t.name, err)
		}
	}

	for name, cols := range calendarIndexes {
		if _, err := tx.ExecContext(ctx, s.dialect.CreateIndexSQL(name, "tour_data", cols)); err != nil {
			return fmt.Errorf("creating index %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.dialect.CreateIndexSQL("tour_marker_tour_idx", "tour_marker", "tour_id")); err != nil {
		return fmt.Errorf("creating marker index: %w", err)
	}

	return tx.Commit()
}

// Migrate applies schema migrations for backward compatibility.
// Databases created before week grouping lack start_week_year; the column is
// added and the calendar columns are recomputed.
func (s *sqlStore) Migrate(ctx context.Context) error {
	var count int
	err := s.conn.QueryRowContext(ctx,
		s.dialect.SchemaCheckColumnSQL("tour_data", "start_week_year"),
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking schema: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := s.conn.ExecContext(ctx, s.dialect.AddColumnSQL("tour_data", "start_week_year")); err != nil {
		return fmt.Errorf("adding start_week_year: %w", err)
	}
	if _, err := s.conn.ExecContext(ctx, s.dialect.CreateIndexSQL("tour_week_idx", "tour_data", calendarIndexes["tour_week_idx"])); err != nil {
		return fmt.Errorf("creating week index: %w", err)
	}
	if _, err := s.RecomputeCalendar(ctx, s.Calendar()); err != nil {
		return err
	}
	return nil
}

// tourArgs returns the InsertTourSQL parameter values of t. The caller
// holds calMu.
func (s *sqlStore) tourArgs(t *model.Tour) []interface{} {
	f := s.calendar.Fields(t.StartTime)

	var tourType interface{}
	if t.TourTypeID != model.NoTourType && t.TourTypeID != 0 {
		tourType = t.TourTypeID
	}

	return []interface{}{
		t.ID, t.StartMillis(), f.Year, f.Month, f.Week, f.WeekYear,
		s.text(t.ImportFilePath), s.text(t.ImportFileName), tourType, s.text(t.Title), t.PersonID,
		t.Distance, t.RecordingTime, t.MovingTime, t.AltitudeUp, t.AltitudeDown,
		t.Calories, t.MaxSpeed, t.MaxPulse, t.AvgPulse,
	}
}

func (s *sqlStore) text(v string) string {
	if s.sanitize != nil {
		return s.sanitize(v)
	}
	return v
}

// execer is satisfied by *sql.Tx and *sql.Conn.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// insertTour writes one tour with its tags and markers.
func (s *sqlStore) insertTour(ctx context.Context, ex execer, t *model.Tour) error {
	if t.ID == 0 {
		return fmt.Errorf("tour without id (start %s)", t.StartTime.Format(time.RFC3339))
	}
	if _, err := ex.ExecContext(ctx, s.dialect.InsertTourSQL(), s.tourArgs(t)...); err != nil {
		return fmt.Errorf("inserting tour %d: %w", t.ID, err)
	}

	linkSQL := "INSERT INTO tour_data_tag (tour_id, tag_id) VALUES (" + placeholderList(s.dialect, 2) + ")"
	for _, tagID := range t.TagIDs {
		if _, err := ex.ExecContext(ctx, linkSQL, t.ID, tagID); err != nil {
			return fmt.Errorf("linking tag %d to tour %d: %w", tagID, t.ID, err)
		}
	}

	markerSQL := "INSERT INTO tour_marker (tour_id, label, time_offset) VALUES (" + placeholderList(s.dialect, 3) + ")"
	for _, m := range t.Markers {
		if _, err := ex.ExecContext(ctx, markerSQL, t.ID, s.text(m.Label), m.TimeOffset); err != nil {
			return fmt.Errorf("inserting marker of tour %d: %w", t.ID, err)
		}
	}
	return nil
}

// InsertTour inserts a single tour into the database.
func (s *sqlStore) InsertTour(ctx context.Context, t *model.Tour) error {
	s.calMu.RLock()
	defer s.calMu.RUnlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertTour(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertTours inserts a batch of tours inside a single transaction.
// The onProgress callback is called every 10,000 tours with the current count.
// Pass nil for onProgress if you don't need progress updates.
func (s *sqlStore) InsertTours(ctx context.Context, tours []*model.Tour, onProgress func(count int)) (int, error) {
	s.calMu.RLock()
	defer s.calMu.RUnlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, t := range tours {
		if err := s.insertTour(ctx, tx, t); err != nil {
			return inserted, err
		}
		inserted++
		if onProgress != nil && inserted%10000 == 0 {
			onProgress(inserted)
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("committing transaction: %w", err)
	}

	return inserted, nil
}

// DeleteTour removes a tour and its tag links and markers.
func (s *sqlStore) DeleteTour(ctx context.Context, id int64) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ph := s.dialect.Placeholder(1)
	for _, table := range []string{"tour_data_tag", "tour_marker", "tour_data"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE tour_id = "+ph, id); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// SetTourTags replaces the tags of a tour.
func (s *sqlStore) SetTourTags(ctx context.Context, tourID int64, tagIDs []int64) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tour_data_tag WHERE tour_id = "+s.dialect.Placeholder(1), tourID); err != nil {
		return fmt.Errorf("clearing tags: %w", err)
	}

	linkSQL := "INSERT INTO tour_data_tag (tour_id, tag_id) VALUES (" + placeholderList(s.dialect, 2) + ")"
	seen := make(map[int64]bool)
	for _, id := range tagIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := tx.ExecContext(ctx, linkSQL, tourID, id); err != nil {
			return fmt.Errorf("linking tag %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// SaveTag inserts or renames a tag.
func (s *sqlStore) SaveTag(ctx context.Context, tag model.Tag) error {
	_, err := s.conn.ExecContext(ctx, s.dialect.UpsertTagSQL(), tag.ID, tag.Name)
	return err
}

// Tags returns the tag catalog ordered by name.
func (s *sqlStore) Tags(ctx context.Context) ([]model.Tag, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT tag_id, name FROM tour_tag ORDER BY name, tag_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		var tag model.Tag
		var name sql.NullString
		if err := rows.Scan(&tag.ID, &name); err != nil {
			return nil, err
		}
		tag.Name = name.String
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// SaveTourType inserts or renames a tour type.
func (s *sqlStore) SaveTourType(ctx context.Context, tt model.TourType) error {
	_, err := s.conn.ExecContext(ctx, s.dialect.UpsertTourTypeSQL(), tt.ID, tt.Name)
	return err
}

// TourTypes returns the tour type catalog ordered by name.
func (s *sqlStore) TourTypes(ctx context.Context) ([]model.TourType, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT type_id, name FROM tour_type ORDER BY name, type_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []model.TourType
	for rows.Next() {
		var tt model.TourType
		var name sql.NullString
		if err := rows.Scan(&tt.ID, &name); err != nil {
			return nil, err
		}
		tt.Name = name.String
		types = append(types, tt)
	}
	return types, rows.Err()
}

// QueryBuckets runs a bucket statement (query.Builder.YearBuckets,
// SubBuckets or YearSubBuckets) and scans the aggregate columns.
func (s *sqlStore) QueryBuckets(ctx context.Context, st query.Statement) ([]model.BucketRow, error) {
	var buckets []model.BucketRow
	err := s.withConn(ctx, "query_buckets", st.SQL, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		buckets, err = scanBuckets(rows)
		return err
	})
	return buckets, err
}

// QueryTours runs a tour statement (query.Builder.Tours or TourPage) and
// returns the raw rows, one per joined (tag, marker) combination.
func (s *sqlStore) QueryTours(ctx context.Context, st query.Statement) ([]model.TourRow, error) {
	var tours []model.TourRow
	err := s.withConn(ctx, "query_tours", st.SQL, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		tours, err = scanTourRows(rows)
		return err
	})
	return tours, err
}

// QueryTourIDs runs a statement selecting a single id column.
func (s *sqlStore) QueryTourIDs(ctx context.Context, st query.Statement) ([]int64, error) {
	var ids []int64
	err := s.withConn(ctx, "query_tour_ids", st.SQL, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// QueryCount runs a COUNT statement.
func (s *sqlStore) QueryCount(ctx context.Context, st query.Statement) (int64, error) {
	var count int64
	err := s.withConn(ctx, "query_count", st.SQL, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, st.SQL, st.Args...).Scan(&count)
	})
	return count, err
}

// QueryPosition runs a query.Builder.TourPosition statement.
// Returns ErrNotFound when the tour does not exist.
func (s *sqlStore) QueryPosition(ctx context.Context, st query.Statement) (*model.TourPosition, error) {
	var pos model.TourPosition
	err := s.withConn(ctx, "query_position", st.SQL, func(conn *sql.Conn) error {
		var wy sql.NullInt64
		err := conn.QueryRowContext(ctx, st.SQL, st.Args...).Scan(
			&pos.TourID, &pos.Year, &pos.Month, &wy, &pos.Week)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		pos.WeekYear = int(wy.Int64)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// GetMinMaxStart returns the earliest and latest tour start.
// Both are zero for an empty database.
func (s *sqlStore) GetMinMaxStart(ctx context.Context) (time.Time, time.Time, error) {
	var minMs, maxMs sql.NullInt64
	err := s.conn.QueryRowContext(ctx,
		"SELECT MIN(start_time), MAX(start_time) FROM tour_data",
	).Scan(&minMs, &maxMs)
	if err != nil || !minMs.Valid {
		return time.Time{}, time.Time{}, err
	}
	return time.UnixMilli(minMs.Int64).UTC(), time.UnixMilli(maxMs.Int64).UTC(), nil
}

// ExportTours loads every tour with its tags and markers, ordered by start.
func (s *sqlStore) ExportTours(ctx context.Context) ([]*model.Tour, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT tour_id, start_time, import_file_path, import_file_name, tour_type_id, title, person_id,"+
			" distance, recording_time, moving_time, altitude_up, altitude_down, calories,"+
			" max_speed, max_pulse, avg_pulse FROM tour_data ORDER BY start_time, tour_id")
	if err != nil {
		return nil, fmt.Errorf("querying tours: %w", err)
	}
	defer rows.Close()

	var tours []*model.Tour
	byID := make(map[int64]*model.Tour)
	for rows.Next() {
		t := &model.Tour{}
		var startMs int64
		var path, name, title sql.NullString
		var tourType, person sql.NullInt64
		err := rows.Scan(&t.ID, &startMs, &path, &name, &tourType, &title, &person,
			&t.Distance, &t.RecordingTime, &t.MovingTime, &t.AltitudeUp, &t.AltitudeDown,
			&t.Calories, &t.MaxSpeed, &t.MaxPulse, &t.AvgPulse)
		if err != nil {
			return nil, fmt.Errorf("scanning tour row: %w", err)
		}
		t.StartTime = time.UnixMilli(startMs).UTC()
		t.ImportFilePath = path.String
		t.ImportFileName = name.String
		t.Title = title.String
		t.PersonID = person.Int64
		t.TourTypeID = model.NoTourType
		if tourType.Valid {
			t.TourTypeID = tourType.Int64
		}
		tours = append(tours, t)
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	tagRows, err := s.conn.QueryContext(ctx, "SELECT tour_id, tag_id FROM tour_data_tag ORDER BY tour_id, tag_id")
	if err != nil {
		return nil, fmt.Errorf("querying tour tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tourID, tagID int64
		if err := tagRows.Scan(&tourID, &tagID); err != nil {
			return nil, err
		}
		if t, ok := byID[tourID]; ok {
			t.TagIDs = append(t.TagIDs, tagID)
		}
	}
	if err := tagRows.Err(); err != nil {
		return nil, err
	}
	tagRows.Close()

	markerRows, err := s.conn.QueryContext(ctx, "SELECT marker_id, tour_id, label, time_offset FROM tour_marker ORDER BY tour_id, time_offset, marker_id")
	if err != nil {
		return nil, fmt.Errorf("querying markers: %w", err)
	}
	defer markerRows.Close()
	for markerRows.Next() {
		var m model.Marker
		var tourID int64
		var label sql.NullString
		if err := markerRows.Scan(&m.ID, &tourID, &label, &m.TimeOffset); err != nil {
			return nil, err
		}
		m.Label = label.String
		if t, ok := byID[tourID]; ok {
			t.Markers = append(t.Markers, m)
		}
	}
	return tours, markerRows.Err()
}

// RecomputeCalendar re-derives the stored calendar columns of every tour
// with cal, e.g. after the week numbering rule was changed. The store uses
// cal for subsequent inserts. Returns the number of updated tours.
func (s *sqlStore) RecomputeCalendar(ctx context.Context, cal model.Calendar) (int, error) {
	if err := cal.Rule.Validate(); err != nil {
		return 0, err
	}

	s.calMu.Lock()
	defer s.calMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT tour_id, start_time FROM tour_data")
	if err != nil {
		return 0, fmt.Errorf("querying start times: %w", err)
	}

	type start struct {
		id int64
		ms int64
	}
	var starts []start
	for rows.Next() {
		var st start
		if err := rows.Scan(&st.id, &st.ms); err != nil {
			rows.Close()
			return 0, err
		}
		starts = append(starts, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	d := s.dialect
	update := fmt.Sprintf(
		"UPDATE tour_data SET start_year = %s, start_month = %s, start_week = %s, start_week_year = %s WHERE tour_id = %s",
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4), d.Placeholder(5))
	stmt, err := tx.PrepareContext(ctx, update)
	if err != nil {
		return 0, fmt.Errorf("preparing update: %w", err)
	}
	defer stmt.Close()

	for _, st := range starts {
		f := cal.Fields(time.UnixMilli(st.ms))
		if _, err := stmt.ExecContext(ctx, f.Year, f.Month, f.Week, f.WeekYear, st.id); err != nil {
			return 0, fmt.Errorf("updating tour %d: %w", st.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.calendar = cal
	return len(starts), nil
}

// scanBuckets converts bucket rows: year, sub, then the aggregate columns in
// the order of query.Builder's bucket statements.
func scanBuckets(rows *sql.Rows) ([]model.BucketRow, error) {
	var buckets []model.BucketRow
	for rows.Next() {
		var b model.BucketRow
		var tours, distance, recording, moving, up, down, calories, maxSpeed, maxPulse float64
		err := rows.Scan(&b.Year, &b.Sub,
			&tours, &distance, &recording, &moving, &up, &down, &calories, &maxSpeed, &maxPulse)
		if err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		b.Aggregates = model.Aggregates{
			model.MetricTours:         tours,
			model.MetricDistance:      distance,
			model.MetricRecordingTime: recording,
			model.MetricMovingTime:    moving,
			model.MetricAltitudeUp:    up,
			model.MetricAltitudeDown:  down,
			model.MetricCalories:      calories,
			model.MetricMaxSpeed:      maxSpeed,
			model.MetricMaxPulse:      maxPulse,
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// scanTourRows converts tour rows in the column order of query.Builder.Tours.
func scanTourRows(rows *sql.Rows) ([]model.TourRow, error) {
	var tours []model.TourRow
	for rows.Next() {
		var r model.TourRow
		var path, title sql.NullString
		var tourType, tagID, markerID sql.NullInt64
		err := rows.Scan(
			&r.TourID, &r.StartTime, &path, &tourType, &title, &r.Year, &r.Sub,
			&r.Distance, &r.RecordingTime, &r.MovingTime, &r.AltitudeUp, &r.AltitudeDown,
			&r.Calories, &r.MaxSpeed, &r.MaxPulse, &r.AvgPulse,
			&tagID, &markerID,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning tour row: %w", err)
		}
		r.ImportFilePath = path.String
		r.Title = title.String
		r.TourTypeID = model.NoTourType
		if tourType.Valid {
			r.TourTypeID = tourType.Int64
		}
		r.TagID = tagID.Int64
		r.MarkerID = markerID.Int64
		tours = append(tours, r)
	}
	return tours, rows.Err()
}
