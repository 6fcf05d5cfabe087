package tourbook

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cdtdelta/tourbook/internal/logging"
	"github.com/cdtdelta/tourbook/internal/metrics"
	"github.com/cdtdelta/tourbook/internal/model"
	"github.com/cdtdelta/tourbook/internal/query"
)

// DefaultFetchSize is the number of tours loaded per page.
const DefaultFetchSize = 1000

// PagerConfig configures a Pager.
type PagerConfig struct {
	Store     RecordStore
	Builder   *query.Builder
	Filter    *query.Predicate
	Sort      []string // "column [asc|desc]" entries, validated against model.Fields
	FetchSize int
	Logger    *zerolog.Logger
}

// Pager serves the flat tour table: all filtered tours in one sorted list,
// loaded a page at a time. Concurrent loads of the same page share one
// query.
type Pager struct {
	store     RecordStore
	builder   *query.Builder
	fetchSize int
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu      sync.Mutex
	gen     uint64
	filter  *query.Predicate
	sort    []query.SortField
	pages   map[int][]model.TourRow
	count   int64
	counted bool
	rowOf   map[int64]int
}

// NewPager creates a Pager. The sort columns are validated.
func NewPager(cfg PagerConfig) (*Pager, error) {
	if cfg.Store == nil {
		return nil, errors.New("tourbook: no record store")
	}
	sort, err := query.ParseSort(cfg.Sort)
	if err != nil {
		return nil, err
	}

	p := &Pager{
		store:     cfg.Store,
		builder:   cfg.Builder,
		fetchSize: cfg.FetchSize,
		filter:    cfg.Filter,
		sort:      sort,
		pages:     make(map[int][]model.TourRow),
	}
	if p.builder == nil {
		p.builder = query.NewBuilder(nil)
	}
	if p.fetchSize <= 0 {
		p.fetchSize = DefaultFetchSize
	}
	if cfg.Logger != nil {
		p.log = cfg.Logger.With().Str("component", "pager").Logger()
	} else {
		p.log = logging.With("pager")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// FetchSize returns the page size.
func (p *Pager) FetchSize() int { return p.fetchSize }

// Reset drops all cached pages, the count and the id list and applies
// filter. Loads still running for the previous filter are not cached.
func (p *Pager) Reset(filter *query.Predicate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.filter = filter
	p.pages = make(map[int][]model.TourRow)
	p.count, p.counted = 0, false
	p.rowOf = nil
}

// Close cancels background loads started by Peek.
func (p *Pager) Close() {
	p.cancel()
}

// shared runs fn once per key under the pager's context. ctx only bounds
// how long this caller waits; a load another caller joined is not cancelled
// when the caller that started it gives up.
func (p *Pager) shared(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, bool, error) {
	ch := p.group.DoChan(key, func() (interface{}, error) {
		return fn(p.ctx)
	})
	select {
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Count returns the number of filtered tours. The count is queried once per
// filter.
func (p *Pager) Count(ctx context.Context) (int64, error) {
	p.mu.Lock()
	if p.counted {
		c := p.count
		p.mu.Unlock()
		return c, nil
	}
	gen, st := p.gen, p.builder.CountTours(p.filter)
	p.mu.Unlock()

	v, _, err := p.shared(ctx, fmt.Sprintf("count:%d", gen), func(ctx context.Context) (interface{}, error) {
		count, err := p.store.QueryCount(ctx, st)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.gen == gen {
			p.count, p.counted = count, true
		}
		p.mu.Unlock()
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Pages returns the number of pages for the current count.
func (p *Pager) Pages(ctx context.Context) (int, error) {
	count, err := p.Count(ctx)
	if err != nil {
		return 0, err
	}
	return int((count + int64(p.fetchSize) - 1) / int64(p.fetchSize)), nil
}

// Page returns page index (0-based), loading it if it is not cached.
func (p *Pager) Page(ctx context.Context, index int) ([]model.TourRow, error) {
	if index < 0 {
		return nil, fmt.Errorf("invalid page index %d", index)
	}

	p.mu.Lock()
	if rows, ok := p.pages[index]; ok {
		p.mu.Unlock()
		return rows, nil
	}
	gen := p.gen
	st := p.builder.TourPage(p.filter, p.sort, index*p.fetchSize, p.fetchSize)
	p.mu.Unlock()

	v, shared, err := p.shared(ctx, fmt.Sprintf("page:%d:%d", gen, index), func(ctx context.Context) (interface{}, error) {
		rows, err := p.store.QueryTours(ctx, st)
		metrics.RecordPageLoad(err)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.gen == gen {
			p.pages[index] = rows
		}
		p.mu.Unlock()
		return rows, nil
	})
	if err != nil {
		p.log.Warn().Err(err).Int("page", index).Msg("page could not be loaded")
		return nil, err
	}
	rows := v.([]model.TourRow)

	p.log.Debug().Int("page", index).Int("rows", len(rows)).Bool("shared", shared).Msg("page loaded")
	return rows, nil
}

// Row returns the tour at position row of the sorted list, or nil when row
// is past the end.
func (p *Pager) Row(ctx context.Context, row int) (*model.TourRow, error) {
	if row < 0 {
		return nil, fmt.Errorf("invalid row %d", row)
	}
	rows, err := p.Page(ctx, row/p.fetchSize)
	if err != nil {
		return nil, err
	}
	i := row % p.fetchSize
	if i >= len(rows) {
		return nil, nil
	}
	r := rows[i]
	return &r, nil
}

// Peek returns the tour at row if its page is cached. Otherwise it starts
// loading the page in the background, returns false, and calls onLoaded
// (if not nil) when the load has finished.
func (p *Pager) Peek(row int, onLoaded func(page int, err error)) (*model.TourRow, bool) {
	if row < 0 {
		return nil, false
	}
	index := row / p.fetchSize

	p.mu.Lock()
	rows, ok := p.pages[index]
	p.mu.Unlock()
	if ok {
		i := row % p.fetchSize
		if i >= len(rows) {
			return nil, true
		}
		r := rows[i]
		return &r, true
	}

	go func() {
		_, err := p.Page(p.ctx, index)
		if onLoaded != nil {
			onLoaded(index, err)
		}
	}()
	return nil, false
}

// RowOf returns the position of tourID in the sorted list. The id list is
// loaded once per filter.
func (p *Pager) RowOf(ctx context.Context, tourID int64) (int, error) {
	p.mu.Lock()
	if p.rowOf != nil {
		row, ok := p.rowOf[tourID]
		p.mu.Unlock()
		if !ok {
			return -1, fmt.Errorf("tour %d: %w", tourID, ErrTourNotFound)
		}
		return row, nil
	}
	gen, st := p.gen, p.builder.TourIDs(p.filter, p.sort)
	p.mu.Unlock()

	v, _, err := p.shared(ctx, fmt.Sprintf("ids:%d", gen), func(ctx context.Context) (interface{}, error) {
		ids, err := p.store.QueryTourIDs(ctx, st)
		if err != nil {
			return nil, err
		}
		rowOf := make(map[int64]int, len(ids))
		for i, id := range ids {
			rowOf[id] = i
		}
		p.mu.Lock()
		if p.gen == gen {
			p.rowOf = rowOf
			p.count, p.counted = int64(len(ids)), true
		}
		p.mu.Unlock()
		return rowOf, nil
	})
	if err != nil {
		return -1, err
	}
	rowOf := v.(map[int64]int)

	row, ok := rowOf[tourID]
	if !ok {
		return -1, fmt.Errorf("tour %d: %w", tourID, ErrTourNotFound)
	}
	return row, nil
}
