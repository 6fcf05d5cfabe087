package tourbook

import (
	"context"
	"errors"
	"testing"

	"github.com/cdtdelta/tourbook/internal/model"
)

func TestRevealExpandsPath(t *testing.T) {
	tree := newTestTree(t, newFakeStore(sampleRows()...), nil)

	leaf, err := tree.Reveal(context.Background(), 3)
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	if leaf.Kind() != KindTour || leaf.Key().TourID != 3 {
		t.Fatalf("unexpected node: %s", leaf)
	}
	sub := leaf.Parent()
	if sub.Key() != (Key{Year: 2024, Sub: 3}) || !sub.Expanded() {
		t.Errorf("unexpected sub bucket: %s", sub)
	}
	if sub.Parent().Key() != (Key{Year: 2024}) {
		t.Errorf("unexpected year bucket: %s", sub.Parent())
	}
}

func TestRevealUnknownTour(t *testing.T) {
	tree := newTestTree(t, newFakeStore(sampleRows()...), nil)

	if _, err := tree.Reveal(context.Background(), 99); !errors.Is(err, ErrTourNotFound) {
		t.Errorf("expected ErrTourNotFound, got %v", err)
	}
}

func TestRevealCollapsesOthers(t *testing.T) {
	opts := NewMemoryOptions()
	tree := newTestTree(t, newFakeStore(sampleRows()...), opts)
	ctx := context.Background()

	if _, err := tree.Reveal(ctx, 1); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	years, _ := tree.Root().Children()
	if !years[0].Expanded() {
		t.Fatal("expected 2023 to be expanded")
	}

	opts.SetBool(OptLinkAndCollapseOthers, true)
	if _, err := tree.Reveal(ctx, 4); err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	if years[0].Expanded() {
		t.Error("expected 2023 to be collapsed")
	}
	if !years[1].Expanded() {
		t.Error("expected 2024 to stay expanded")
	}
}

func TestRevealUsesWeekColumns(t *testing.T) {
	opts := NewMemoryOptions()
	opts.SetString(OptGroupBy, model.ByWeek.String())
	tree := newTestTree(t, newFakeStore(sampleRows()...), opts)

	leaf, err := tree.Reveal(context.Background(), 2)
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	if leaf.GroupBy() != model.ByWeek {
		t.Errorf("expected week build, got %s", leaf.GroupBy())
	}
}
