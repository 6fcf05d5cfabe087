package tourbook

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// expandAllLimit bounds the concurrent bucket queries of ExpandAll.
const expandAllLimit = 4

// ExpandAll expands the tree level by level, starting at the root, down to
// levels levels (1 expands only the root). Nodes of one level are expanded
// concurrently. It returns the number of nodes expanded and stops at the
// first error.
func (t *Tree) ExpandAll(ctx context.Context, levels int) (int, error) {
	level := []*Node{t.Root()}
	expanded := 0

	for depth := 0; depth < levels && len(level) > 0; depth++ {
		results := make([][]*Node, len(level))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(expandAllLimit)
		for i, n := range level {
			i, n := i, n
			if n.kind == KindTour {
				continue
			}
			g.Go(func() error {
				children, err := t.Expand(gctx, n)
				if err != nil {
					return err
				}
				results[i] = children
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return expanded, err
		}

		var next []*Node
		for _, children := range results {
			if children != nil {
				expanded++
			}
			next = append(next, children...)
		}
		level = next
	}
	return expanded, nil
}
