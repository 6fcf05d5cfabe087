package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cdtdelta/tourbook/internal/config"
	"github.com/cdtdelta/tourbook/internal/csvparser"
	"github.com/cdtdelta/tourbook/internal/database"
	"github.com/cdtdelta/tourbook/internal/jsonlparser"
	"github.com/cdtdelta/tourbook/internal/logging"
	"github.com/cdtdelta/tourbook/internal/model"
	"github.com/cdtdelta/tourbook/internal/query"
	"github.com/cdtdelta/tourbook/internal/tourbook"
)

var errNoDatabase = errors.New("no database open")

// App is the facade the commands talk to. It owns the open store and the
// tree and pager built over it.
type App struct {
	cfg *config.Config
	cal model.Calendar
	log zerolog.Logger

	db     database.Store
	filter *query.Predicate
	tree   *tourbook.Tree
	pager  *tourbook.Pager
}

// NewApp creates a new App instance for the given configuration.
func NewApp(cfg *config.Config) (*App, error) {
	cal, err := cfg.BuildCalendar()
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, cal: cal, log: logging.With("app")}, nil
}

// -- Database Operations --

// CreateDatabase creates a new, empty database at the configured location.
func (a *App) CreateDatabase() (*DBInfo, error) {
	a.CloseDatabase()

	db, err := database.CreateStore(a.cfg.Database.Driver, a.cfg.Database.DSN, a.cal)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	a.log.Info().Str("driver", a.cfg.Database.Driver).Str("path", db.Path()).Msg("database created")
	return a.getDBInfo(context.Background())
}

// OpenDatabase opens the configured database, migrating older schemas.
func (a *App) OpenDatabase(ctx context.Context) (*DBInfo, error) {
	return a.loadDatabase(ctx)
}

// CloseDatabase closes the tree, the pager and the database.
func (a *App) CloseDatabase() {
	if a.tree != nil {
		if err := a.tree.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing tree")
		}
		a.tree = nil
	}
	if a.pager != nil {
		a.pager.Close()
		a.pager = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing database")
		}
		a.db = nil
	}
}

// ImportResult summarizes an import.
type ImportResult struct {
	Read     int `json:"read"`
	Excluded int `json:"excluded"`
	Inserted int `json:"inserted"`
}

// ImportFile reads tours from a tour CSV or JSONL file and inserts them.
// The format is chosen by extension: .jsonl and .json are JSONL, everything
// else is CSV. The tree and pager are rebuilt afterwards.
func (a *App) ImportFile(ctx context.Context, path string) (*ImportResult, error) {
	if a.db == nil {
		return nil, errNoDatabase
	}

	progress := func(count int) {
		a.log.Info().Int("count", count).Msg("reading tours")
	}

	var tours []*model.Tour
	res := &ImportResult{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".json":
		result, err := jsonlparser.ReadTours(path, progress)
		if err != nil {
			return nil, fmt.Errorf("reading JSONL: %w", err)
		}
		tours, res.Read, res.Excluded = result.Tours, result.Count, result.Excluded
	default:
		result, err := csvparser.ReadTours(path, time.Time{}, time.Time{}, 0, progress)
		if err != nil {
			return nil, fmt.Errorf("reading CSV: %w", err)
		}
		tours, res.Read, res.Excluded = result.Tours, result.Count, result.Excluded
	}

	total := len(tours)
	inserted, err := a.db.InsertTours(ctx, tours, func(count int) {
		a.log.Info().Int("count", count).Int("total", total).Msg("inserting tours")
	})
	if err != nil {
		return nil, fmt.Errorf("inserting tours: %w", err)
	}
	res.Inserted = inserted

	a.log.Info().Str("file", path).Int("inserted", inserted).Int("excluded", res.Excluded).Msg("import complete")
	return res, a.refresh()
}

// ExportCSV writes every tour to a CSV file in the import format and
// returns the number of tours written.
func (a *App) ExportCSV(ctx context.Context, path string) (int, error) {
	if a.db == nil {
		return 0, errNoDatabase
	}
	tours, err := a.db.ExportTours(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading tours: %w", err)
	}
	if err := csvparser.WriteTours(path, tours); err != nil {
		return 0, fmt.Errorf("writing CSV: %w", err)
	}
	return len(tours), nil
}

// RecomputeWeeks recomputes the stored calendar columns with the configured
// week rule and rebuilds the tree. Returns the number of tours updated.
func (a *App) RecomputeWeeks(ctx context.Context) (int, error) {
	if a.db == nil {
		return 0, errNoDatabase
	}
	n, err := a.db.RecomputeCalendar(ctx, a.cal)
	if err != nil {
		return 0, fmt.Errorf("recomputing calendar: %w", err)
	}
	a.log.Info().Int("tours", n).Str("first_day", a.cal.Rule.FirstDay.String()).Int("min_days", a.cal.Rule.MinDays).Msg("week columns recomputed")
	return n, a.refresh()
}

// DeleteTour removes a tour with its tag links and markers and rebuilds the
// tree.
func (a *App) DeleteTour(ctx context.Context, id int64) error {
	if a.db == nil {
		return errNoDatabase
	}
	if err := a.db.DeleteTour(ctx, id); err != nil {
		return fmt.Errorf("deleting tour %d: %w", id, err)
	}
	a.log.Info().Int64("tour", id).Msg("tour deleted")
	return a.refresh()
}

// SetTourTags replaces the tags of a tour and rebuilds the tree, whose tag
// filter may now match differently.
func (a *App) SetTourTags(ctx context.Context, id int64, tagIDs []int64) error {
	if a.db == nil {
		return errNoDatabase
	}
	if err := a.db.SetTourTags(ctx, id, tagIDs); err != nil {
		return fmt.Errorf("tagging tour %d: %w", id, err)
	}
	a.log.Info().Int64("tour", id).Ints64("tags", tagIDs).Msg("tour tags replaced")
	return a.refresh()
}

// Tags returns the tag catalog.
func (a *App) Tags(ctx context.Context) ([]model.Tag, error) {
	if a.db == nil {
		return nil, errNoDatabase
	}
	return a.db.Tags(ctx)
}

// SaveTag adds or renames a catalog tag.
func (a *App) SaveTag(ctx context.Context, tag model.Tag) error {
	if a.db == nil {
		return errNoDatabase
	}
	if tag.ID <= 0 || strings.TrimSpace(tag.Name) == "" {
		return fmt.Errorf("tag needs a positive id and a name")
	}
	return a.db.SaveTag(ctx, tag)
}

// TourTypes returns the tour type catalog.
func (a *App) TourTypes(ctx context.Context) ([]model.TourType, error) {
	if a.db == nil {
		return nil, errNoDatabase
	}
	return a.db.TourTypes(ctx)
}

// SaveTourType adds or renames a catalog tour type.
func (a *App) SaveTourType(ctx context.Context, tt model.TourType) error {
	if a.db == nil {
		return errNoDatabase
	}
	if tt.ID <= 0 || strings.TrimSpace(tt.Name) == "" {
		return fmt.Errorf("tour type needs a positive id and a name")
	}
	return a.db.SaveTourType(ctx, tt)
}

// UseCalendar replaces the calendar used for stores opened or created
// afterwards and for RecomputeWeeks.
func (a *App) UseCalendar(cal model.Calendar) {
	a.cal = cal
}

// -- Tree and Table --

// SetFilter applies a new filter to the tree and the pager.
func (a *App) SetFilter(filter *query.Predicate) error {
	if filter != nil {
		where, args := filter.WhereClause()
		a.log.Debug().Strs("fields", filter.Fields()).Str("where", where).Interface("args", args).Msg("filter applied")
	}
	a.filter = filter
	if a.pager != nil {
		a.pager.Reset(filter)
	}
	if a.tree != nil {
		return a.tree.Rebuild(filter)
	}
	return nil
}

// Tree returns the tour book tree, creating it on first use.
func (a *App) Tree() (*tourbook.Tree, error) {
	if a.db == nil {
		return nil, errNoDatabase
	}
	if a.tree != nil {
		return a.tree, nil
	}

	depth, err := tourbook.ParseDepth(a.cfg.Tourbook.Depth)
	if err != nil {
		return nil, err
	}
	logger := logging.Logger()
	tree, err := tourbook.New(tourbook.Config{
		Store:   a.db,
		Builder: query.NewBuilder(a.db.Dialect()),
		Options: a.cfg.Options(),
		Filter:  a.filter,
		Depth:   depth,
		Strict:  a.cfg.Tourbook.Strict,
		Logger:  &logger,
	})
	if err != nil {
		return nil, err
	}
	a.tree = tree
	return tree, nil
}

// Pager returns the flat tour table sorted by sort, creating it on first
// use. A different sort replaces the pager.
func (a *App) Pager(sort []string) (*tourbook.Pager, error) {
	if a.db == nil {
		return nil, errNoDatabase
	}
	if a.pager != nil {
		a.pager.Close()
		a.pager = nil
	}

	logger := logging.Logger()
	pager, err := tourbook.NewPager(tourbook.PagerConfig{
		Store:     a.db,
		Builder:   query.NewBuilder(a.db.Dialect()),
		Filter:    a.filter,
		Sort:      sort,
		FetchSize: a.cfg.Tourbook.FetchSize,
		Logger:    &logger,
	})
	if err != nil {
		return nil, err
	}
	a.pager = pager
	return pager, nil
}

// Reveal expands the tree down to the tour and returns its node.
func (a *App) Reveal(ctx context.Context, tourID int64) (*tourbook.Node, error) {
	tree, err := a.Tree()
	if err != nil {
		return nil, err
	}
	return tree.Reveal(ctx, tourID)
}

// refresh rebuilds the tree and resets the pager after the data changed.
func (a *App) refresh() error {
	return a.SetFilter(a.filter)
}

// -- Internal Helpers --

// DBInfo contains summary info about the loaded database.
type DBInfo struct {
	Path      string    `json:"path"`
	TourCount int64     `json:"tourCount"`
	MinStart  time.Time `json:"minStart"`
	MaxStart  time.Time `json:"maxStart"`
}

func (a *App) loadDatabase(ctx context.Context) (*DBInfo, error) {
	// Close any existing database
	a.CloseDatabase()

	db, err := database.OpenStore(a.cfg.Database.Driver, a.cfg.Database.DSN, a.cal)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a.db = db
	return a.getDBInfo(ctx)
}

func (a *App) getDBInfo(ctx context.Context) (*DBInfo, error) {
	count, err := a.db.QueryCount(ctx, query.NewBuilder(a.db.Dialect()).CountTours(nil))
	if err != nil {
		return nil, err
	}

	minStart, maxStart, err := a.db.GetMinMaxStart(ctx)
	if err != nil {
		// Not fatal, just means the range is unknown
		a.log.Debug().Err(err).Msg("reading start range")
		minStart, maxStart = time.Time{}, time.Time{}
	}

	return &DBInfo{
		Path:      a.db.Path(),
		TourCount: count,
		MinStart:  minStart,
		MaxStart:  maxStart,
	}, nil
}
