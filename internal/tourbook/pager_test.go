package tourbook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cdtdelta/tourbook/internal/model"
)

func manyRows(n int) []model.TourRow {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]model.TourRow, 0, n)
	for i := 0; i < n; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		rows = append(rows, tourRow(int64(i+1), 2024, int(start.Month()), start.Format(time.RFC3339), "/a"))
	}
	return rows
}

func newTestPager(t *testing.T, store RecordStore, fetchSize int) *Pager {
	t.Helper()
	nop := zerolog.Nop()
	p, err := NewPager(PagerConfig{Store: store, FetchSize: fetchSize, Logger: &nop})
	if err != nil {
		t.Fatalf("NewPager failed: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestPagerDefaults(t *testing.T) {
	p := newTestPager(t, newFakeStore(), 0)
	if p.FetchSize() != DefaultFetchSize {
		t.Errorf("expected fetch size %d, got %d", DefaultFetchSize, p.FetchSize())
	}
}

func TestPagerRejectsInvalidSort(t *testing.T) {
	_, err := NewPager(PagerConfig{Store: newFakeStore(), Sort: []string{"password desc"}})
	if err == nil {
		t.Error("expected error for invalid sort column")
	}
}

func TestPagerCountIsMemoized(t *testing.T) {
	store := newFakeStore(manyRows(25)...)
	p := newTestPager(t, store, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, err := p.Count(ctx)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if c != 25 {
			t.Errorf("expected 25, got %d", c)
		}
	}
	if store.callCount() != 1 {
		t.Errorf("expected 1 count query, got %d", store.callCount())
	}

	pages, _ := p.Pages(ctx)
	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}
}

func TestPagerRows(t *testing.T) {
	store := newFakeStore(manyRows(25)...)
	p := newTestPager(t, store, 10)
	ctx := context.Background()

	r, err := p.Row(ctx, 12)
	if err != nil {
		t.Fatalf("Row failed: %v", err)
	}
	if r.TourID != 13 {
		t.Errorf("expected tour 13, got %d", r.TourID)
	}
	r, _ = p.Row(ctx, 17)
	if r.TourID != 18 {
		t.Errorf("expected tour 18, got %d", r.TourID)
	}
	if store.callCount() != 1 {
		t.Errorf("expected page to be cached, got %d queries", store.callCount())
	}

	r, err = p.Row(ctx, 29)
	if err != nil || r != nil {
		t.Errorf("expected nil row past the end, got %v %v", r, err)
	}
}

func TestPagerConcurrentLoadsShareQuery(t *testing.T) {
	store := newFakeStore(manyRows(5)...)
	store.started = make(chan string, 1)
	store.gate = make(chan struct{})
	p := newTestPager(t, store, 10)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = p.Page(context.Background(), 0)
	}()
	<-store.started
	for i := 1; i < len(errs); i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Page(context.Background(), 0)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d failed: %v", i, err)
		}
	}
	if store.callCount() != 1 {
		t.Errorf("expected 1 page query, got %d", store.callCount())
	}
}

func TestPagerPeekLoadsInBackground(t *testing.T) {
	store := newFakeStore(manyRows(15)...)
	p := newTestPager(t, store, 10)

	loaded := make(chan error, 1)
	if _, ok := p.Peek(11, func(page int, err error) {
		if page != 1 {
			err = fmt.Errorf("unexpected page %d", page)
		}
		loaded <- err
	}); ok {
		t.Fatal("expected page to be missing")
	}

	select {
	case err := <-loaded:
		if err != nil {
			t.Fatalf("background load failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background load did not finish")
	}

	r, ok := p.Peek(11, nil)
	if !ok || r == nil || r.TourID != 12 {
		t.Errorf("expected cached tour 12, got %v %v", r, ok)
	}
}

func TestPagerRowOf(t *testing.T) {
	store := newFakeStore(manyRows(30)...)
	p := newTestPager(t, store, 10)
	ctx := context.Background()

	row, err := p.RowOf(ctx, 21)
	if err != nil {
		t.Fatalf("RowOf failed: %v", err)
	}
	if row != 20 {
		t.Errorf("expected row 20, got %d", row)
	}
	if _, err := p.RowOf(ctx, 99); !errors.Is(err, ErrTourNotFound) {
		t.Errorf("expected ErrTourNotFound, got %v", err)
	}
	c, _ := p.Count(ctx)
	if c != 30 || store.callCount() != 1 {
		t.Errorf("expected count from id list, got %d after %d queries", c, store.callCount())
	}
}

func TestPagerReset(t *testing.T) {
	store := newFakeStore(manyRows(5)...)
	p := newTestPager(t, store, 10)
	ctx := context.Background()

	p.Page(ctx, 0)
	p.Reset(nil)
	p.Page(ctx, 0)
	if store.callCount() != 2 {
		t.Errorf("expected reload after reset, got %d queries", store.callCount())
	}
}

func TestPagerLoadFailure(t *testing.T) {
	store := newFakeStore(manyRows(5)...)
	store.fail = 1
	p := newTestPager(t, store, 10)
	ctx := context.Background()

	if _, err := p.Page(ctx, 0); err == nil {
		t.Fatal("expected failure")
	}
	rows, err := p.Page(ctx, 0)
	if err != nil || len(rows) != 5 {
		t.Errorf("expected retry to load 5 rows, got %d %v", len(rows), err)
	}
}

func TestPagerJoinedLoadSurvivesInitiatorCancellation(t *testing.T) {
	store := newFakeStore(manyRows(5)...)
	store.started = make(chan string, 1)
	store.gate = make(chan struct{})
	p := newTestPager(t, store, 10)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Page(ctx, 0)
		first <- err
	}()
	<-store.started

	type result struct {
		rows []model.TourRow
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		rows, err := p.Page(context.Background(), 0)
		joined <- result{rows, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for the cancelled caller, got %v", err)
	}
	close(store.gate)

	r := <-joined
	if r.err != nil || len(r.rows) != 5 {
		t.Fatalf("expected joined caller to get 5 rows, got %d %v", len(r.rows), r.err)
	}
	if _, err := p.Page(context.Background(), 0); err != nil {
		t.Fatalf("cached page failed: %v", err)
	}
	if n := store.callCount(); n != 1 {
		t.Errorf("expected 1 page query, got %d", n)
	}
}

func TestPagerCountOutlivesCancelledCaller(t *testing.T) {
	store := newFakeStore(manyRows(3)...)
	store.started = make(chan string, 1)
	store.gate = make(chan struct{})
	p := newTestPager(t, store, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-store.started
		cancel()
	}()
	if _, err := p.Count(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The query keeps running under the pager and caches its result.
	close(store.gate)
	deadline := time.Now().Add(time.Second)
	for {
		p.mu.Lock()
		counted := p.counted
		p.mu.Unlock()
		if counted || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	n, err := p.Count(context.Background())
	if err != nil || n != 3 {
		t.Errorf("expected cached count 3, got %d %v", n, err)
	}
	if store.callCount() != 1 {
		t.Errorf("expected 1 count query, got %d", store.callCount())
	}
}
