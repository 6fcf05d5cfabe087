package tourbook

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cdtdelta/tourbook/internal/model"
)

// Kind identifies the variant of a Node.
type Kind int

const (
	KindRoot Kind = iota
	KindYear
	KindSub
	KindTour
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindYear:
		return "year"
	case KindSub:
		return "sub"
	case KindTour:
		return "tour"
	default:
		return "unknown"
	}
}

// Key identifies a node among its siblings. Year buckets set Year, sub
// buckets set Year and Sub, tours set TourID.
type Key struct {
	Year   int
	Sub    int
	TourID int64
}

func (k Key) String() string {
	if k.TourID != 0 {
		return strconv.FormatInt(k.TourID, 10)
	}
	if k.Sub != 0 {
		return fmt.Sprintf("%d/%d", k.Year, k.Sub)
	}
	return strconv.Itoa(k.Year)
}

// Leaf holds the tour data of a KindTour node.
type Leaf struct {
	TourID         int64
	StartTime      int64 // epoch millis
	ImportFilePath string
	TourTypeID     int64 // model.NoTourType when unset
	Title          string

	Distance      float64
	RecordingTime int64
	MovingTime    int64
	AltitudeUp    float64
	AltitudeDown  float64
	Calories      float64
	MaxSpeed      float64
	MaxPulse      int64
	AvgPulse      float64

	tags    model.LazyIDs
	markers model.LazyIDs
}

// TagIDs returns the distinct tag ids of the tour in ascending order.
func (l *Leaf) TagIDs() []int64 { return l.tags.List() }

// MarkerIDs returns the distinct marker ids of the tour in ascending order.
func (l *Leaf) MarkerIDs() []int64 { return l.markers.List() }

// HasTourType reports whether a tour type is assigned.
func (l *Leaf) HasTourType() bool { return l.TourTypeID != model.NoTourType }

// Metrics returns the summed metrics of the tour.
func (l *Leaf) Metrics() model.Aggregates {
	return model.Aggregates{
		model.MetricTours:         1,
		model.MetricDistance:      l.Distance,
		model.MetricRecordingTime: float64(l.RecordingTime),
		model.MetricMovingTime:    float64(l.MovingTime),
		model.MetricAltitudeUp:    l.AltitudeUp,
		model.MetricAltitudeDown:  l.AltitudeDown,
		model.MetricCalories:      l.Calories,
	}
}

func newLeaf(r *model.TourRow) *Leaf {
	return &Leaf{
		TourID:         r.TourID,
		StartTime:      r.StartTime,
		ImportFilePath: r.ImportFilePath,
		TourTypeID:     r.TourTypeID,
		Title:          r.Title,
		Distance:       r.Distance,
		RecordingTime:  r.RecordingTime,
		MovingTime:     r.MovingTime,
		AltitudeUp:     r.AltitudeUp,
		AltitudeDown:   r.AltitudeDown,
		Calories:       r.Calories,
		MaxSpeed:       r.MaxSpeed,
		MaxPulse:       r.MaxPulse,
		AvgPulse:       r.AvgPulse,
	}
}

type nodeState int

const (
	stateAbsent nodeState = iota
	statePending
	statePopulated
)

// expansion is one in-flight fetch of a node's children. Callers that find a
// node pending wait on done. waiters is guarded by the node's mu; children,
// err and panicked are written before done is closed.
type expansion struct {
	done     chan struct{}
	cancel   context.CancelFunc
	waiters  int
	children []*Node
	err      error
	panicked interface{}
}

// Node is one node of a Tree. Key, label, kind and parent are fixed at
// creation; children are guarded by mu.
type Node struct {
	tree   *Tree
	build  uint64
	group  model.GroupBy
	parent *Node
	kind   Kind
	key    Key
	label  string
	leaf   *Leaf

	mu         sync.Mutex
	state      nodeState
	gen        uint64
	discarded  bool
	children   []*Node
	aggregates model.Aggregates
	inflight   *expansion
}

// Kind returns the node variant.
func (n *Node) Kind() Kind { return n.kind }

// Key returns the node key.
func (n *Node) Key() Key { return n.key }

// Label returns the display label of the node's period or the tour title.
func (n *Node) Label() string { return n.label }

// Parent returns the parent node, nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Leaf returns the tour data of a tour node, nil for buckets.
func (n *Node) Leaf() *Leaf { return n.leaf }

// GroupBy returns the grouping mode of the build the node belongs to.
func (n *Node) GroupBy() model.GroupBy { return n.group }

// Aggregates returns a copy of the bucket's aggregates. The root's
// aggregates hold totals over all year rows and are set by its expansion.
func (n *Node) Aggregates() model.Aggregates {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.aggregates.Clone()
}

// Children returns the cached children and whether the node is populated.
// A populated node may have no children.
func (n *Node) Children() ([]*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != statePopulated {
		return nil, false
	}
	return n.children, true
}

// Expanded reports whether the node's children are populated.
func (n *Node) Expanded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == statePopulated
}

// Pending reports whether an expansion of the node is in flight.
func (n *Node) Pending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == statePending
}

func (n *Node) String() string {
	return n.kind.String() + ":" + n.key.String()
}

// reset clears the children and cancels an in-flight expansion. The caller
// holds n.mu. The previous children are returned for discarding.
func (n *Node) reset() []*Node {
	children := n.children
	if n.inflight != nil {
		n.inflight.cancel()
		n.inflight = nil
	}
	n.gen++
	n.children = nil
	n.state = stateAbsent
	if n.kind == KindRoot {
		n.aggregates = nil
	}
	return children
}

// discard resets n and its whole subtree and marks them unusable.
func (n *Node) discard() {
	n.mu.Lock()
	children := n.reset()
	n.discarded = true
	n.mu.Unlock()

	for _, c := range children {
		c.discard()
	}
}
