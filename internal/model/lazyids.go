package model

import (
	"slices"
	"sync"
)

// LazyIDs collects foreign-key ids and derives an ordered list from them on
// first read. The list is cached until Clear or the next Add.
type LazyIDs struct {
	mu      sync.Mutex
	set     map[int64]struct{}
	list    []int64
	derived bool
}

// Add inserts id into the set. Zero ids mean "no row" in an outer join and
// are ignored.
func (l *LazyIDs) Add(id int64) {
	if id == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set == nil {
		l.set = make(map[int64]struct{})
	}
	if _, ok := l.set[id]; ok {
		return
	}
	l.set[id] = struct{}{}
	l.derived = false
	l.list = nil
}

// Len returns the number of distinct ids.
func (l *LazyIDs) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.set)
}

// Derived reports whether the ordered list is currently cached.
func (l *LazyIDs) Derived() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.derived
}

// List returns the ids in ascending order. The returned slice must not be
// modified.
func (l *LazyIDs) List() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.derived {
		list := make([]int64, 0, len(l.set))
		for id := range l.set {
			list = append(list, id)
		}
		slices.Sort(list)
		l.list = list
		l.derived = true
	}
	return l.list
}

// Contains reports whether id was added.
func (l *LazyIDs) Contains(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.set[id]
	return ok
}

// Clear drops the cached list; the next List derives it again.
func (l *LazyIDs) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = nil
	l.derived = false
}
