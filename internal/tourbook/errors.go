package tourbook

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariant is matched by every *InvariantError.
	ErrInvariant = errors.New("tourbook invariant violated")

	// ErrClosed is returned by operations on a closed tree.
	ErrClosed = errors.New("tourbook closed")

	// ErrDiscarded is returned to callers of an expansion whose node was
	// invalidated, or whose tree was rebuilt or closed, while the query ran.
	ErrDiscarded = errors.New("expansion discarded")

	// ErrStaleNode is wrapped by the InvariantError returned for a node that
	// does not belong to the current build of the tree.
	ErrStaleNode = errors.New("node of a previous build")

	// ErrTourNotFound is returned by Reveal and RowOf for unknown tours or
	// tours excluded by the filter.
	ErrTourNotFound = errors.New("tour not found")
)

// InvariantError reports a programming error such as a duplicate tour key
// with differing sort keys or a node used across builds.
type InvariantError struct {
	Msg string
	Err error
}

func (e *InvariantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrInvariant, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrInvariant, e.Msg)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInvariant) true for every InvariantError.
func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }
