package tourbook

import (
	"context"
	"errors"
	"fmt"

	"github.com/cdtdelta/tourbook/internal/database"
	"github.com/cdtdelta/tourbook/internal/model"
)

// Reveal expands the path from the root down to the leaf of tourID and
// returns the leaf. With the link-and-collapse-others option set, the
// expanded siblings along the path are collapsed.
//
// ErrTourNotFound is returned for unknown tours and for tours the filter
// excludes.
func (t *Tree) Reveal(ctx context.Context, tourID int64) (*Node, error) {
	root := t.Root()
	if err := t.check(root); err != nil {
		return nil, err
	}

	pos, err := t.store.QueryPosition(ctx, t.builder.TourPosition(tourID))
	if errors.Is(err, database.ErrNotFound) || (err == nil && pos == nil) {
		return nil, fmt.Errorf("tour %d: %w", tourID, ErrTourNotFound)
	}
	if err != nil {
		return nil, err
	}

	year, sub := pos.Year, pos.Month
	if root.group == model.ByWeek {
		year, sub = pos.WeekYear, pos.Week
	}

	var path []Key
	if t.depth == Nested {
		path = append(path, Key{Year: year})
	}
	path = append(path, Key{Year: year, Sub: sub}, Key{TourID: tourID})

	collapse := t.opts.Bool(OptLinkAndCollapseOthers)
	n := root
	for _, key := range path {
		children, err := t.Expand(ctx, n)
		if err != nil {
			return nil, err
		}
		next := findChild(children, key)
		if next == nil {
			return nil, fmt.Errorf("tour %d: %w", tourID, ErrTourNotFound)
		}
		if collapse {
			if err := t.CollapseAllSiblings(next); err != nil {
				return nil, err
			}
		}
		n = next
	}
	return n, nil
}

func findChild(children []*Node, key Key) *Node {
	for _, c := range children {
		if c.key == key {
			return c
		}
	}
	return nil
}
