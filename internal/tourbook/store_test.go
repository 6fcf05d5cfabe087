package tourbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cdtdelta/tourbook/internal/database"
	"github.com/cdtdelta/tourbook/internal/model"
	"github.com/cdtdelta/tourbook/internal/query"
)

// fakeStore answers the tree's statements from raw tour rows grouped by
// (Year, Sub). Filters are ignored.
type fakeStore struct {
	mu    sync.Mutex
	rows  []model.TourRow
	calls []string

	// fail makes the next n queries fail.
	fail int

	// started receives one value per query when set; gate blocks queries
	// until it is closed or the query context is done.
	started chan string
	gate    chan struct{}
}

func newFakeStore(rows ...model.TourRow) *fakeStore {
	return &fakeStore{rows: rows}
}

func tourRow(id int64, year, sub int, start string, path string) model.TourRow {
	ts, err := time.Parse(time.RFC3339, start)
	if err != nil {
		panic(err)
	}
	return model.TourRow{
		TourID:         id,
		StartTime:      ts.UnixMilli(),
		ImportFilePath: path,
		TourTypeID:     model.NoTourType,
		Year:           year,
		Sub:            sub,
		Distance:       float64(1000 * id),
		RecordingTime:  3600,
		MovingTime:     3000,
		AltitudeUp:     10,
		AltitudeDown:   5,
		Calories:       100,
		MaxSpeed:       float64(id),
		MaxPulse:       150,
	}
}

func (f *fakeStore) enter(ctx context.Context, kind string) error {
	f.mu.Lock()
	f.calls = append(f.calls, kind)
	failing := f.fail > 0
	if failing {
		f.fail--
	}
	started, gate := f.started, f.gate
	f.mu.Unlock()

	if started != nil {
		started <- kind
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &database.DataAccessError{Op: kind, Err: ctx.Err()}
		}
	}
	if failing {
		return &database.DataAccessError{Op: kind, Err: errors.New("connection refused")}
	}
	return nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStore) distinct() []model.TourRow {
	seen := map[int64]bool{}
	var out []model.TourRow
	for _, r := range f.rows {
		if seen[r.TourID] {
			continue
		}
		seen[r.TourID] = true
		out = append(out, r)
	}
	return out
}

func group(rows []model.TourRow, key func(model.TourRow) (int, int)) []model.BucketRow {
	byKey := map[[2]int]model.Aggregates{}
	for _, r := range rows {
		r := r
		y, s := key(r)
		k := [2]int{y, s}
		a, ok := byKey[k]
		if !ok {
			a = model.Aggregates{}
			byKey[k] = a
		}
		m := r.Metrics()
		m[model.MetricMaxSpeed] = r.MaxSpeed
		m[model.MetricMaxPulse] = float64(r.MaxPulse)
		a.Add(m)
	}
	out := make([]model.BucketRow, 0, len(byKey))
	for k, a := range byKey {
		out = append(out, model.BucketRow{Year: k[0], Sub: k[1], Aggregates: a})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Sub < out[j].Sub
	})
	return out
}

func (f *fakeStore) QueryBuckets(ctx context.Context, st query.Statement) ([]model.BucketRow, error) {
	switch {
	case strings.Contains(st.SQL, ", 0, COUNT("):
		if err := f.enter(ctx, "years"); err != nil {
			return nil, err
		}
		return group(f.distinct(), func(r model.TourRow) (int, int) { return r.Year, 0 }), nil

	case len(st.Args) == 0:
		if err := f.enter(ctx, "flat"); err != nil {
			return nil, err
		}
		return group(f.distinct(), func(r model.TourRow) (int, int) { return r.Year, r.Sub }), nil

	default:
		year := st.Args[0].(int)
		if err := f.enter(ctx, fmt.Sprintf("subs:%d", year)); err != nil {
			return nil, err
		}
		var rows []model.TourRow
		for _, r := range f.distinct() {
			if r.Year == year {
				rows = append(rows, r)
			}
		}
		return group(rows, func(r model.TourRow) (int, int) { return r.Year, r.Sub }), nil
	}
}

func (f *fakeStore) QueryTours(ctx context.Context, st query.Statement) ([]model.TourRow, error) {
	if strings.Contains(st.SQL, " LIMIT ") {
		var limit, offset int
		i := strings.Index(st.SQL, " LIMIT ")
		fmt.Sscanf(st.SQL[i:], " LIMIT %d OFFSET %d", &limit, &offset)
		if err := f.enter(ctx, fmt.Sprintf("page:%d", offset/limit)); err != nil {
			return nil, err
		}
		all := f.distinct()
		if offset >= len(all) {
			return []model.TourRow{}, nil
		}
		end := min(offset+limit, len(all))
		return all[offset:end], nil
	}

	year, sub := st.Args[0].(int), st.Args[1].(int)
	if err := f.enter(ctx, fmt.Sprintf("tours:%d/%d", year, sub)); err != nil {
		return nil, err
	}
	var rows []model.TourRow
	for _, r := range f.rows {
		if r.Year == year && r.Sub == sub {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func (f *fakeStore) QueryTourIDs(ctx context.Context, st query.Statement) ([]int64, error) {
	if err := f.enter(ctx, "ids"); err != nil {
		return nil, err
	}
	var ids []int64
	for _, r := range f.distinct() {
		ids = append(ids, r.TourID)
	}
	return ids, nil
}

func (f *fakeStore) QueryCount(ctx context.Context, st query.Statement) (int64, error) {
	if err := f.enter(ctx, "count"); err != nil {
		return 0, err
	}
	return int64(len(f.distinct())), nil
}

func (f *fakeStore) QueryPosition(ctx context.Context, st query.Statement) (*model.TourPosition, error) {
	if err := f.enter(ctx, "position"); err != nil {
		return nil, err
	}
	id := st.Args[0].(int64)
	for _, r := range f.rows {
		if r.TourID == id {
			return &model.TourPosition{TourID: id, Year: r.Year, Month: r.Sub, WeekYear: r.Year, Week: r.Sub}, nil
		}
	}
	return nil, database.ErrNotFound
}
