package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cdtdelta/tourbook/internal/model"
	"github.com/cdtdelta/tourbook/internal/query"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// DataAccessError reports a failed backing-store operation: connection,
// syntax or constraint failures all end up here.
type DataAccessError struct {
	Op  string
	SQL string
	Err error
}

func (e *DataAccessError) Error() string {
	return fmt.Sprintf("data access %s: %v", e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error {
	return e.Err
}

// IsDataAccess reports whether err is (or wraps) a DataAccessError.
func IsDataAccess(err error) bool {
	var dae *DataAccessError
	return errors.As(err, &dae)
}

// Store defines the interface for all database operations.
// Every method that the application needs is captured here so that
// app.go depends on the interface, not on a concrete database type.
type Store interface {
	// Tour CRUD
	InsertTour(ctx context.Context, t *model.Tour) error
	InsertTours(ctx context.Context, tours []*model.Tour, onProgress func(int)) (int, error)
	DeleteTour(ctx context.Context, id int64) error
	SetTourTags(ctx context.Context, tourID int64, tagIDs []int64) error

	// Catalogs
	SaveTag(ctx context.Context, tag model.Tag) error
	Tags(ctx context.Context) ([]model.Tag, error)
	SaveTourType(ctx context.Context, tt model.TourType) error
	TourTypes(ctx context.Context) ([]model.TourType, error)

	// Record store queries for pre-built statements (from query.Builder).
	// Each call holds one connection for its duration only.
	QueryBuckets(ctx context.Context, st query.Statement) ([]model.BucketRow, error)
	QueryTours(ctx context.Context, st query.Statement) ([]model.TourRow, error)
	QueryTourIDs(ctx context.Context, st query.Statement) ([]int64, error)
	QueryCount(ctx context.Context, st query.Statement) (int64, error)
	QueryPosition(ctx context.Context, st query.Statement) (*model.TourPosition, error)

	// Metadata
	GetMinMaxStart(ctx context.Context) (time.Time, time.Time, error)
	ExportTours(ctx context.Context) ([]*model.Tour, error)

	// Schema and maintenance
	RecomputeCalendar(ctx context.Context, cal model.Calendar) (int, error)
	Migrate(ctx context.Context) error

	// Lifecycle
	Dialect() Dialect
	Calendar() model.Calendar
	Close() error
	Path() string
}
