package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cdtdelta/tourbook/internal/model"
	"github.com/cdtdelta/tourbook/internal/query"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func createTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := CreateSQLite(tempDBPath(t), model.DefaultCalendar())
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleTour(id int64, start string) *model.Tour {
	ts, err := time.Parse(time.RFC3339, start)
	if err != nil {
		panic(err)
	}
	return &model.Tour{
		ID:             id,
		StartTime:      ts,
		ImportFilePath: "/imports/garmin",
		ImportFileName: "tour.fit",
		TourTypeID:     model.NoTourType,
		Title:          "morning ride",
		Distance:       1000,
		RecordingTime:  3600,
		MovingTime:     3000,
		AltitudeUp:     120,
		AltitudeDown:   110,
		Calories:       500,
		MaxSpeed:       40,
		MaxPulse:       170,
		AvgPulse:       130,
	}
}

func builder(db Store) *query.Builder {
	return query.NewBuilder(db.Dialect())
}

func TestCreateAndOpen(t *testing.T) {
	path := tempDBPath(t)

	db, err := CreateSQLite(path, model.DefaultCalendar())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	db2, err := OpenSQLite(path, model.DefaultCalendar())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db2.Close()

	count, err := db2.QueryCount(context.Background(), builder(db2).CountTours(nil))
	if err != nil {
		t.Fatalf("QueryCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 tours, got %d", count)
	}
}

func TestInsertRequiresID(t *testing.T) {
	db := createTestDB(t)
	tour := sampleTour(0, "2024-03-01T08:00:00Z")
	if err := db.InsertTour(context.Background(), tour); err == nil {
		t.Fatal("expected error for tour without id")
	}
}

func TestInsertBatchProgress(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	var tours []*model.Tour
	base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10001; i++ {
		tr := sampleTour(int64(i+1), "2023-01-01T00:00:00Z")
		tr.StartTime = base.Add(time.Duration(i) * time.Hour)
		tours = append(tours, tr)
	}

	var progress []int
	n, err := db.InsertTours(ctx, tours, func(c int) { progress = append(progress, c) })
	if err != nil {
		t.Fatalf("InsertTours failed: %v", err)
	}
	if n != len(tours) {
		t.Errorf("expected %d inserted, got %d", len(tours), n)
	}
	if len(progress) != 1 || progress[0] != 10000 {
		t.Errorf("unexpected progress callbacks: %v", progress)
	}
}

func TestBucketAggregates(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	tours := []*model.Tour{
		sampleTour(1, "2023-12-30T10:00:00Z"),
		sampleTour(2, "2024-03-01T10:00:00Z"),
		sampleTour(3, "2024-03-15T10:00:00Z"),
		sampleTour(4, "2024-07-04T10:00:00Z"),
	}
	tours[3].MaxSpeed = 55
	if _, err := db.InsertTours(ctx, tours, nil); err != nil {
		t.Fatalf("InsertTours failed: %v", err)
	}

	years, err := db.QueryBuckets(ctx, builder(db).YearBuckets(nil, model.ByMonth))
	if err != nil {
		t.Fatalf("QueryBuckets failed: %v", err)
	}
	if len(years) != 2 || years[0].Year != 2023 || years[1].Year != 2024 {
		t.Fatalf("unexpected years: %+v", years)
	}
	y := years[1].Aggregates
	if y[model.MetricTours] != 3 || y[model.MetricDistance] != 3000 {
		t.Errorf("unexpected 2024 aggregates: %v", y)
	}
	if y[model.MetricMaxSpeed] != 55 {
		t.Errorf("expected max speed 55, got %v", y[model.MetricMaxSpeed])
	}

	months, err := db.QueryBuckets(ctx, builder(db).SubBuckets(nil, model.ByMonth, 2024))
	if err != nil {
		t.Fatalf("QueryBuckets failed: %v", err)
	}
	if len(months) != 2 || months[0].Sub != 3 || months[1].Sub != 7 {
		t.Fatalf("unexpected months: %+v", months)
	}
	if months[0].Aggregates[model.MetricTours] != 2 {
		t.Errorf("expected 2 tours in March, got %v", months[0].Aggregates[model.MetricTours])
	}
}

func TestWeekBucketsUseWeekYear(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	// 2024-12-30 is in ISO week 1 of 2025.
	if err := db.InsertTour(ctx, sampleTour(1, "2024-12-30T10:00:00Z")); err != nil {
		t.Fatalf("InsertTour failed: %v", err)
	}

	years, err := db.QueryBuckets(ctx, builder(db).YearBuckets(nil, model.ByWeek))
	if err != nil {
		t.Fatalf("QueryBuckets failed: %v", err)
	}
	if len(years) != 1 || years[0].Year != 2025 {
		t.Fatalf("expected week-year 2025, got %+v", years)
	}

	weeks, err := db.QueryBuckets(ctx, builder(db).SubBuckets(nil, model.ByWeek, 2025))
	if err != nil {
		t.Fatalf("QueryBuckets failed: %v", err)
	}
	if len(weeks) != 1 || weeks[0].Sub != 1 {
		t.Fatalf("expected week 1, got %+v", weeks)
	}
}

func TestQueryToursFanOut(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	tour := sampleTour(7, "2024-03-01T10:00:00Z")
	tour.TagIDs = []int64{1, 2}
	tour.Markers = []model.Marker{{Label: "summit", TimeOffset: 100}, {Label: "lunch", TimeOffset: 200}}
	if err := db.InsertTour(ctx, tour); err != nil {
		t.Fatalf("InsertTour failed: %v", err)
	}
	if err := db.InsertTour(ctx, sampleTour(8, "2024-03-02T10:00:00Z")); err != nil {
		t.Fatalf("InsertTour failed: %v", err)
	}

	rows, err := db.QueryTours(ctx, builder(db).Tours(nil, model.ByMonth, 2024, 3))
	if err != nil {
		t.Fatalf("QueryTours failed: %v", err)
	}
	// 2 tags x 2 markers for tour 7, one bare row for tour 8
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	for _, r := range rows[:4] {
		if r.TourID != 7 || r.TagID == 0 || r.MarkerID == 0 {
			t.Errorf("unexpected row: %+v", r)
		}
	}
	last := rows[4]
	if last.TourID != 8 || last.TagID != 0 || last.MarkerID != 0 {
		t.Errorf("expected bare row for tour 8, got %+v", last)
	}
	if last.TourTypeID != model.NoTourType {
		t.Errorf("expected no tour type, got %d", last.TourTypeID)
	}
}

func TestTagFilterDoesNotMultiplyAggregates(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	tour := sampleTour(1, "2024-05-01T10:00:00Z")
	tour.TagIDs = []int64{1, 2, 3}
	if err := db.InsertTour(ctx, tour); err != nil {
		t.Fatalf("InsertTour failed: %v", err)
	}

	filter := query.Tags([]int64{1, 2, 3}, false)
	years, err := db.QueryBuckets(ctx, builder(db).YearBuckets(filter, model.ByMonth))
	if err != nil {
		t.Fatalf("QueryBuckets failed: %v", err)
	}
	if len(years) != 1 || years[0].Aggregates[model.MetricTours] != 1 {
		t.Fatalf("expected one tour, got %+v", years)
	}
	if years[0].Aggregates[model.MetricDistance] != 1000 {
		t.Errorf("expected distance 1000, got %v", years[0].Aggregates[model.MetricDistance])
	}

	all := query.Tags([]int64{1, 4}, true)
	count, err := db.QueryCount(ctx, builder(db).CountTours(all))
	if err != nil {
		t.Fatalf("QueryCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no tour carrying both tags, got %d", count)
	}
}

func TestQueryPosition(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	if err := db.InsertTour(ctx, sampleTour(5, "2024-02-14T10:00:00Z")); err != nil {
		t.Fatalf("InsertTour failed: %v", err)
	}

	pos, err := db.QueryPosition(ctx, builder(db).TourPosition(5))
	if err != nil {
		t.Fatalf("QueryPosition failed: %v", err)
	}
	if pos.Year != 2024 || pos.Month != 2 || pos.WeekYear != 2024 || pos.Week != 7 {
		t.Errorf("unexpected position: %+v", pos)
	}

	_, err = db.QueryPosition(ctx, builder(db).TourPosition(99))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryFailureReleasesConnection(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	_, err := db.QueryBuckets(ctx, query.Statement{SQL: "SELECT nope FROM missing_table"})
	if err == nil {
		t.Fatal("expected error for invalid statement")
	}
	if !IsDataAccess(err) {
		t.Errorf("expected DataAccessError, got %T", err)
	}
	if inUse := db.Conn().Stats().InUse; inUse != 0 {
		t.Errorf("expected no connection in use, got %d", inUse)
	}
}

func TestCancelledQueryIsDataAccessError(t *testing.T) {
	db := createTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := db.QueryTourIDs(ctx, builder(db).TourIDs(nil, nil))
	if !IsDataAccess(err) {
		t.Fatalf("expected DataAccessError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected wrapped context.Canceled, got %v", err)
	}
}

func TestSetTourTagsAndDelete(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	tour := sampleTour(1, "2024-01-10T10:00:00Z")
	tour.TagIDs = []int64{1}
	tour.Markers = []model.Marker{{Label: "start"}}
	if err := db.InsertTour(ctx, tour); err != nil {
		t.Fatalf("InsertTour failed: %v", err)
	}

	if err := db.SetTourTags(ctx, 1, []int64{2, 3, 3}); err != nil {
		t.Fatalf("SetTourTags failed: %v", err)
	}
	count, err := db.QueryCount(ctx, builder(db).CountTours(query.Tags([]int64{2, 3}, true)))
	if err != nil {
		t.Fatalf("QueryCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected tour with tags 2 and 3, got %d", count)
	}

	if err := db.DeleteTour(ctx, 1); err != nil {
		t.Fatalf("DeleteTour failed: %v", err)
	}
	exported, err := db.ExportTours(ctx)
	if err != nil {
		t.Fatalf("ExportTours failed: %v", err)
	}
	if len(exported) != 0 {
		t.Errorf("expected no tours after delete, got %d", len(exported))
	}
}

func TestCatalogs(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	if err := db.SaveTag(ctx, model.Tag{ID: 1, Name: "hill"}); err != nil {
		t.Fatalf("SaveTag failed: %v", err)
	}
	if err := db.SaveTag(ctx, model.Tag{ID: 1, Name: "alpine"}); err != nil {
		t.Fatalf("SaveTag rename failed: %v", err)
	}
	tags, err := db.Tags(ctx)
	if err != nil {
		t.Fatalf("Tags failed: %v", err)
	}
	if len(tags) != 1 || tags[0].Name != "alpine" {
		t.Errorf("unexpected tags: %+v", tags)
	}

	if err := db.SaveTourType(ctx, model.TourType{ID: 3, Name: "bike"}); err != nil {
		t.Fatalf("SaveTourType failed: %v", err)
	}
	types, err := db.TourTypes(ctx)
	if err != nil {
		t.Fatalf("TourTypes failed: %v", err)
	}
	if len(types) != 1 || types[0].ID != 3 {
		t.Errorf("unexpected tour types: %+v", types)
	}
}

func TestExportTours(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	a := sampleTour(2, "2024-06-01T10:00:00Z")
	a.TourTypeID = 3
	a.TagIDs = []int64{5, 4}
	a.Markers = []model.Marker{{Label: "b", TimeOffset: 20}, {Label: "a", TimeOffset: 10}}
	b := sampleTour(1, "2024-05-01T10:00:00Z")
	if _, err := db.InsertTours(ctx, []*model.Tour{a, b}, nil); err != nil {
		t.Fatalf("InsertTours failed: %v", err)
	}

	tours, err := db.ExportTours(ctx)
	if err != nil {
		t.Fatalf("ExportTours failed: %v", err)
	}
	if len(tours) != 2 || tours[0].ID != 1 || tours[1].ID != 2 {
		t.Fatalf("expected tours ordered by start, got %+v", tours)
	}
	got := tours[1]
	if got.TourTypeID != 3 || tours[0].TourTypeID != model.NoTourType {
		t.Errorf("unexpected tour types: %d, %d", got.TourTypeID, tours[0].TourTypeID)
	}
	if len(got.TagIDs) != 2 || got.TagIDs[0] != 4 {
		t.Errorf("unexpected tags: %v", got.TagIDs)
	}
	if len(got.Markers) != 2 || got.Markers[0].Label != "a" {
		t.Errorf("unexpected markers: %+v", got.Markers)
	}
	if !got.StartTime.Equal(a.StartTime) {
		t.Errorf("expected start %v, got %v", a.StartTime, got.StartTime)
	}
}

func TestGetMinMaxStart(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	minT, maxT, err := db.GetMinMaxStart(ctx)
	if err != nil {
		t.Fatalf("GetMinMaxStart failed: %v", err)
	}
	if !minT.IsZero() || !maxT.IsZero() {
		t.Errorf("expected zero times for empty db, got %v %v", minT, maxT)
	}

	db.InsertTour(ctx, sampleTour(1, "2022-01-01T00:00:00Z"))
	db.InsertTour(ctx, sampleTour(2, "2024-12-31T23:00:00Z"))

	minT, maxT, err = db.GetMinMaxStart(ctx)
	if err != nil {
		t.Fatalf("GetMinMaxStart failed: %v", err)
	}
	if minT.Year() != 2022 || maxT.Year() != 2024 {
		t.Errorf("unexpected range: %v - %v", minT, maxT)
	}
}

func TestRecomputeCalendar(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	// Sunday 2024-01-07: ISO week 1, US week 2.
	if err := db.InsertTour(ctx, sampleTour(1, "2024-01-07T12:00:00Z")); err != nil {
		t.Fatalf("InsertTour failed: %v", err)
	}
	pos, _ := db.QueryPosition(ctx, builder(db).TourPosition(1))
	if pos.Week != 1 {
		t.Fatalf("expected ISO week 1, got %d", pos.Week)
	}

	n, err := db.RecomputeCalendar(ctx, model.Calendar{Rule: model.USWeekRule, Location: time.UTC})
	if err != nil {
		t.Fatalf("RecomputeCalendar failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 updated tour, got %d", n)
	}
	pos, _ = db.QueryPosition(ctx, builder(db).TourPosition(1))
	if pos.Week != 2 {
		t.Errorf("expected US week 2, got %d", pos.Week)
	}
	if db.Calendar().Rule != model.USWeekRule {
		t.Error("expected store to keep the new calendar")
	}

	if _, err := db.RecomputeCalendar(ctx, model.Calendar{Rule: model.WeekRule{MinDays: 9}}); err == nil {
		t.Error("expected invalid week rule to be rejected")
	}
}

func TestRecomputeCalendarWithConcurrentInserts(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	us := model.Calendar{Rule: model.USWeekRule, Location: time.UTC}

	// Sundays, where the ISO and US week numbers differ.
	base := time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n+1)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := base.AddDate(0, 0, 7*i).Format(time.RFC3339)
			errs <- db.InsertTour(ctx, sampleTour(int64(i+1), start))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := db.RecomputeCalendar(ctx, us)
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write failed: %v", err)
		}
	}

	// Tours inserted before the recompute were updated, the ones after it
	// were written with the new calendar.
	for i := 0; i < n; i++ {
		pos, err := db.QueryPosition(ctx, builder(db).TourPosition(int64(i+1)))
		if err != nil {
			t.Fatalf("QueryPosition failed: %v", err)
		}
		want := us.Fields(base.AddDate(0, 0, 7*i))
		if pos.Week != want.Week {
			t.Errorf("tour %d: expected US week %d, got %d", i+1, want.Week, pos.Week)
		}
	}
}

func TestMigrateAddsWeekYear(t *testing.T) {
	path := tempDBPath(t)
	db, err := CreateSQLite(path, model.DefaultCalendar())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ctx := context.Background()
	if err := db.InsertTour(ctx, sampleTour(1, "2024-12-30T10:00:00Z")); err != nil {
		t.Fatalf("InsertTour failed: %v", err)
	}
	// Simulate a database from before week-year grouping.
	if _, err := db.Conn().Exec(db.Dialect().DropIndexSQL("tour_week_idx")); err != nil {
		t.Fatalf("dropping index failed: %v", err)
	}
	if _, err := db.Conn().Exec("ALTER TABLE tour_data DROP COLUMN start_week_year"); err != nil {
		t.Fatalf("dropping column failed: %v", err)
	}
	db.Close()

	db2, err := OpenSQLite(path, model.DefaultCalendar())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db2.Close()

	pos, err := db2.QueryPosition(ctx, builder(db2).TourPosition(1))
	if err != nil {
		t.Fatalf("QueryPosition failed: %v", err)
	}
	if pos.WeekYear != 2025 {
		t.Errorf("expected migrated week-year 2025, got %d", pos.WeekYear)
	}
}

func TestOpenStoreUnsupportedDriver(t *testing.T) {
	if _, err := OpenStore("oracle", "x", model.DefaultCalendar()); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if _, err := CreateStore("oracle", "x", model.DefaultCalendar()); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestPgSanitizeString(t *testing.T) {
	if got := pgSanitizeString("a\x00b"); got != "ab" {
		t.Errorf("expected null bytes stripped, got %q", got)
	}
}
