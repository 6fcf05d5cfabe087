// Package tourbook implements the tour book: a lazily expanded tree of
// year buckets, sub-period (month or week) buckets and tour leaves over a
// filtered record store.
//
// Every node fetches its children with one query the first time it is
// expanded and keeps them until it is invalidated. A node is in one of three
// states: absent (not fetched), pending (a fetch is in flight) or populated.
// Concurrent Expand calls on a pending node wait for the in-flight result
// instead of issuing a second query.
//
// A tree build is fixed to one filter and one grouping mode. Changing either
// goes through Rebuild, which starts from a fresh root; nodes of the
// previous build are rejected afterwards.
package tourbook

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cdtdelta/tourbook/internal/logging"
	"github.com/cdtdelta/tourbook/internal/metrics"
	"github.com/cdtdelta/tourbook/internal/model"
	"github.com/cdtdelta/tourbook/internal/query"
)

// RecordStore is the backing query surface of the tree. database.Store
// satisfies it. Implementations hold a connection for one call only.
type RecordStore interface {
	QueryBuckets(ctx context.Context, st query.Statement) ([]model.BucketRow, error)
	QueryTours(ctx context.Context, st query.Statement) ([]model.TourRow, error)
	QueryTourIDs(ctx context.Context, st query.Statement) ([]int64, error)
	QueryCount(ctx context.Context, st query.Statement) (int64, error)
	QueryPosition(ctx context.Context, st query.Statement) (*model.TourPosition, error)
}

// Depth selects the shape of the tree.
type Depth int

const (
	// Nested is Root -> Year -> Sub -> Tour.
	Nested Depth = iota
	// Flat is Root -> (year, sub) Sub -> Tour, built from one grouped query.
	Flat
)

func (d Depth) String() string {
	if d == Flat {
		return "flat"
	}
	return "nested"
}

// ParseDepth parses "nested" or "flat"; empty selects Nested.
func ParseDepth(s string) (Depth, error) {
	switch s {
	case "", "nested":
		return Nested, nil
	case "flat":
		return Flat, nil
	default:
		return Nested, fmt.Errorf("invalid tree depth: %q", s)
	}
}

// Config configures a Tree.
type Config struct {
	Store   RecordStore
	Builder *query.Builder // nil renders with query.DefaultDialect
	Options OptionStore    // nil uses an empty MemoryOptions
	Filter  *query.Predicate
	Depth   Depth

	// Strict panics on invariant violations instead of returning them.
	Strict bool

	Logger *zerolog.Logger
}

// Tree is the tour book. It owns all nodes; nodes hold a non-owning
// pointer back to it.
type Tree struct {
	store   RecordStore
	builder *query.Builder
	opts    OptionStore
	depth   Depth
	strict  bool
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	build  uint64
	filter *query.Predicate
	group  model.GroupBy
	root   *Node
}

// New creates a tree and its first, unexpanded root.
func New(cfg Config) (*Tree, error) {
	if cfg.Store == nil {
		return nil, errors.New("tourbook: no record store")
	}

	t := &Tree{
		store:   cfg.Store,
		builder: cfg.Builder,
		opts:    cfg.Options,
		depth:   cfg.Depth,
		strict:  cfg.Strict,
	}
	if t.builder == nil {
		t.builder = query.NewBuilder(nil)
	}
	if t.opts == nil {
		t.opts = NewMemoryOptions()
	}
	if cfg.Logger != nil {
		t.log = cfg.Logger.With().Str("component", "tourbook").Logger()
	} else {
		t.log = logging.With("tourbook")
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.mu.Lock()
	t.rebuildLocked(cfg.Filter)
	t.mu.Unlock()
	return t, nil
}

// rebuildLocked discards the current root and creates a fresh one.
// The caller holds t.mu.
func (t *Tree) rebuildLocked(filter *query.Predicate) {
	old := t.root

	t.build++
	t.filter = filter
	t.group = t.readGroupBy()
	t.root = &Node{tree: t, build: t.build, group: t.group, kind: KindRoot, label: "Total"}

	if old != nil {
		old.discard()
	}
	t.log.Debug().
		Uint64("build", t.build).
		Str("group_by", t.group.String()).
		Str("depth", t.depth.String()).
		Msg("tree rebuilt")
}

func (t *Tree) readGroupBy() model.GroupBy {
	raw := t.opts.String(OptGroupBy)
	g, err := model.ParseGroupBy(raw)
	if err != nil {
		t.log.Warn().Str("value", raw).Msg("invalid grouping mode option, using month")
		return model.ByMonth
	}
	return g
}

// Root returns the root of the current build.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// GroupBy returns the grouping mode of the current build.
func (t *Tree) GroupBy() model.GroupBy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.group
}

// Filter returns the filter of the current build.
func (t *Tree) Filter() *query.Predicate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filter
}

// Depth returns the configured tree depth.
func (t *Tree) Depth() Depth { return t.depth }

// Rebuild starts a new build with filter and the grouping mode currently
// set in the option store. The previous subtree is discarded and in-flight
// expansions of it are cancelled.
func (t *Tree) Rebuild(filter *query.Predicate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.rebuildLocked(filter)
	return nil
}

// ToggleGroupBy switches between month and week grouping, stores the new
// mode in the option store and rebuilds with the current filter.
func (t *Tree) ToggleGroupBy() (model.GroupBy, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.group, ErrClosed
	}

	next := model.ByWeek
	if t.group == model.ByWeek {
		next = model.ByMonth
	}
	t.opts.SetString(OptGroupBy, next.String())
	t.rebuildLocked(t.filter)
	return t.group, nil
}

// SummaryRow returns the totals of the expanded root when the summary row
// option is set. ok is false otherwise.
func (t *Tree) SummaryRow() (model.Aggregates, bool) {
	if !t.opts.Bool(OptShowSummaryRow) {
		return nil, false
	}
	root := t.Root()
	if !root.Expanded() {
		return nil, false
	}
	return root.Aggregates(), true
}

// Close cancels all in-flight queries and discards the tree. Their results
// are dropped when they complete.
func (t *Tree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	root := t.root
	t.mu.Unlock()

	root.discard()
	t.cancel()
	return nil
}

// check verifies that n may be used with the current build.
func (t *Tree) check(n *Node) error {
	t.mu.RLock()
	closed, build, group := t.closed, t.build, t.group
	t.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if n == nil {
		return t.invariant("nil node", nil)
	}
	if n.tree != t {
		return t.invariant(fmt.Sprintf("node %s belongs to another tree", n), nil)
	}
	if n.build != build {
		return t.invariant(fmt.Sprintf("node %s of build %d used in build %d", n, n.build, build), ErrStaleNode)
	}
	if n.group != group {
		return t.invariant(fmt.Sprintf("node %s grouped by %s in a %s tree", n, n.group, group), nil)
	}
	return nil
}

// invariant reports a programming error. Strict trees panic.
func (t *Tree) invariant(msg string, cause error) error {
	err := &InvariantError{Msg: msg, Err: cause}
	t.log.Error().Err(err).Msg("invariant violated")
	if t.strict {
		panic(err)
	}
	return err
}

// Expand returns the children of n, fetching them with one query if n is
// absent. A populated node returns its cached children. A pending node
// waits for the in-flight result. On failure n stays absent so that a later
// Expand retries.
//
// The query runs under the tree's context. ctx only bounds how long the
// caller waits; the query is cancelled once every waiting caller has given
// up, and n is left absent.
//
// Tour nodes have no children and never query.
func (t *Tree) Expand(ctx context.Context, n *Node) ([]*Node, error) {
	if err := t.check(n); err != nil {
		return nil, err
	}
	if n.kind == KindTour {
		return nil, nil
	}

	n.mu.Lock()
	if n.discarded {
		n.mu.Unlock()
		return nil, t.invariant(fmt.Sprintf("node %s was invalidated", n), ErrStaleNode)
	}
	switch n.state {
	case statePopulated:
		children := n.children
		n.mu.Unlock()
		metrics.RecordExpand(n.kind.String(), "cached")
		return children, nil

	case statePending:
		e := n.inflight
		e.waiters++
		n.mu.Unlock()
		metrics.RecordExpand(n.kind.String(), "joined")
		return t.wait(ctx, n, e, false)
	}

	qctx, cancel := context.WithCancel(t.ctx)
	e := &expansion{done: make(chan struct{}), cancel: cancel, waiters: 1}
	n.inflight = e
	n.state = statePending
	gen := n.gen
	n.mu.Unlock()

	go t.run(qctx, n, e, gen)
	return t.wait(ctx, n, e, true)
}

// wait blocks until e is done or ctx ends. The last caller to give up
// abandons the expansion: n goes back to absent and the query is cancelled.
// A strict invariant panic raised by the query is re-raised in the caller
// that started it.
func (t *Tree) wait(ctx context.Context, n *Node, e *expansion, initiator bool) ([]*Node, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		select {
		case <-e.done:
		default:
			n.mu.Lock()
			e.waiters--
			abandon := e.waiters == 0 && n.inflight == e
			if abandon {
				n.inflight = nil
				n.state = stateAbsent
			}
			n.mu.Unlock()
			if abandon {
				e.cancel()
				metrics.RecordExpand(n.kind.String(), "cancelled")
			}
			return nil, ctx.Err()
		}
	}
	if initiator && e.panicked != nil {
		panic(e.panicked)
	}
	return e.children, e.err
}

// run executes the query of n and publishes the outcome to e.
func (t *Tree) run(ctx context.Context, n *Node, e *expansion, gen uint64) {
	defer e.cancel()

	var (
		children   []*Node
		aggregates model.Aggregates
		err        error
	)
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				// Strict invariant panic inside fetch.
				e.panicked = r
				if perr, ok := r.(error); ok {
					err = perr
				} else {
					err = fmt.Errorf("%v", r)
				}
			}
		}()
		children, aggregates, err = t.fetch(ctx, n)
	}()

	n.mu.Lock()
	switch {
	case n.gen != gen || n.inflight != e:
		// Invalidated, rebuilt, closed or abandoned while the query ran.
		e.err = ErrDiscarded
		for _, c := range children {
			c.discard()
		}
	case err != nil:
		n.state = stateAbsent
		n.inflight = nil
		e.err = err
	default:
		n.children = children
		if n.kind == KindRoot {
			n.aggregates = aggregates
		}
		n.state = statePopulated
		n.inflight = nil
		e.children = children
	}
	n.mu.Unlock()
	close(e.done)

	switch {
	case errors.Is(e.err, ErrDiscarded):
		metrics.RecordExpand(n.kind.String(), "discarded")
		t.log.Debug().Str("node", n.String()).Msg("expansion discarded")
	case e.err != nil:
		metrics.RecordExpand(n.kind.String(), "error")
		t.log.Warn().Err(e.err).Str("node", n.String()).Msg("bucket could not be loaded")
	default:
		metrics.RecordExpand(n.kind.String(), "ok")
		t.log.Debug().
			Str("node", n.String()).
			Int("children", len(children)).
			Dur("took", time.Since(start)).
			Msg("expanded")
	}
}

// fetch runs the query of n and builds its children. Root totals are
// returned separately.
func (t *Tree) fetch(ctx context.Context, n *Node) ([]*Node, model.Aggregates, error) {
	t.mu.RLock()
	filter := t.filter
	t.mu.RUnlock()

	switch n.kind {
	case KindRoot:
		if t.depth == Flat {
			rows, err := t.store.QueryBuckets(ctx, t.builder.YearSubBuckets(filter, n.group))
			if err != nil {
				return nil, nil, err
			}
			return t.bucketNodes(n, KindSub, rows), totals(rows), nil
		}
		rows, err := t.store.QueryBuckets(ctx, t.builder.YearBuckets(filter, n.group))
		if err != nil {
			return nil, nil, err
		}
		return t.bucketNodes(n, KindYear, rows), totals(rows), nil

	case KindYear:
		rows, err := t.store.QueryBuckets(ctx, t.builder.SubBuckets(filter, n.group, n.key.Year))
		if err != nil {
			return nil, nil, err
		}
		return t.bucketNodes(n, KindSub, rows), nil, nil

	case KindSub:
		rows, err := t.store.QueryTours(ctx, t.builder.Tours(filter, n.group, n.key.Year, n.key.Sub))
		if err != nil {
			return nil, nil, err
		}
		children, err := t.tourNodes(n, rows)
		return children, nil, err
	}
	return nil, nil, t.invariant(fmt.Sprintf("cannot expand %s", n), nil)
}

// totals sums bucket rows into the root's aggregates.
func totals(rows []model.BucketRow) model.Aggregates {
	sum := model.Aggregates{}
	for _, r := range rows {
		sum.Add(r.Aggregates)
	}
	return sum
}

func (t *Tree) bucketNodes(parent *Node, kind Kind, rows []model.BucketRow) []*Node {
	nodes := make([]*Node, 0, len(rows))
	for _, r := range rows {
		c := &Node{
			tree:       t,
			build:      parent.build,
			group:      parent.group,
			parent:     parent,
			kind:       kind,
			aggregates: r.Aggregates,
		}
		switch kind {
		case KindYear:
			c.key = Key{Year: r.Year}
			c.label = fmt.Sprintf("%d", r.Year)
		default:
			c.key = Key{Year: r.Year, Sub: r.Sub}
			c.label = model.SubLabel(parent.group, r.Year, r.Sub)
			if parent.kind == KindRoot {
				c.label = fmt.Sprintf("%d %s", r.Year, c.label)
			}
		}
		nodes = append(nodes, c)
	}
	return nodes
}

// tourNodes coalesces the fan-out rows of a tour query into one leaf per
// tour id and sorts the leaves with Compare.
func (t *Tree) tourNodes(parent *Node, rows []model.TourRow) ([]*Node, error) {
	byID := make(map[int64]*Node)
	nodes := make([]*Node, 0, len(rows))

	for i := range rows {
		r := &rows[i]
		if n, ok := byID[r.TourID]; ok {
			if n.leaf.StartTime != r.StartTime || n.leaf.ImportFilePath != r.ImportFilePath {
				return nil, t.invariant(fmt.Sprintf(
					"tour %d returned with differing start (%d, %d) or import source (%q, %q)",
					r.TourID, n.leaf.StartTime, r.StartTime, n.leaf.ImportFilePath, r.ImportFilePath), nil)
			}
			n.leaf.tags.Add(r.TagID)
			n.leaf.markers.Add(r.MarkerID)
			continue
		}

		leaf := newLeaf(r)
		leaf.tags.Add(r.TagID)
		leaf.markers.Add(r.MarkerID)
		n := &Node{
			tree:   t,
			build:  parent.build,
			group:  parent.group,
			parent: parent,
			kind:   KindTour,
			key:    Key{TourID: r.TourID},
			label:  tourLabel(leaf),
			leaf:   leaf,
			state:  statePopulated,
		}
		byID[r.TourID] = n
		nodes = append(nodes, n)
	}

	slices.SortStableFunc(nodes, compareNodes)
	return nodes, nil
}

func tourLabel(l *Leaf) string {
	if l.Title != "" {
		return l.Title
	}
	return time.UnixMilli(l.StartTime).UTC().Format("2006-01-02 15:04")
}

// Invalidate clears the children of n and discards its subtree. An in-flight
// expansion of n is cancelled and its result dropped. Nothing is fetched
// until the next Expand.
func (t *Tree) Invalidate(n *Node) error {
	if err := t.check(n); err != nil {
		return err
	}

	n.mu.Lock()
	if n.discarded {
		n.mu.Unlock()
		return t.invariant(fmt.Sprintf("node %s was invalidated", n), ErrStaleNode)
	}
	if n.kind == KindTour {
		n.mu.Unlock()
		return nil
	}
	children := n.reset()
	n.mu.Unlock()

	for _, c := range children {
		c.discard()
	}
	return nil
}

// CollapseAllSiblings invalidates every expanded or pending sibling of
// except. except and its subtree are left untouched.
func (t *Tree) CollapseAllSiblings(except *Node) error {
	if err := t.check(except); err != nil {
		return err
	}
	except.mu.Lock()
	discarded := except.discarded
	except.mu.Unlock()
	if discarded {
		return t.invariant(fmt.Sprintf("node %s was invalidated", except), ErrStaleNode)
	}
	parent := except.parent
	if parent == nil {
		return nil
	}

	siblings, ok := parent.Children()
	if !ok {
		return nil
	}
	for _, s := range siblings {
		if s == except || s.kind == KindTour {
			continue
		}
		if !s.Expanded() && !s.Pending() {
			continue
		}
		if err := t.Invalidate(s); err != nil {
			return err
		}
	}
	return nil
}
