package tourbook

import "sync"

// Option keys read by the tree. The grouping mode is read once per build.
const (
	OptGroupBy               = "tourbook.group_by"
	OptShowSummaryRow        = "tourbook.show_summary_row"
	OptLinkAndCollapseOthers = "tourbook.link_and_collapse_others"
)

// OptionStore is the persisted UI-option store. The tree reads options and
// only writes the grouping mode in ToggleGroupBy; persisting is up to the
// implementation.
type OptionStore interface {
	Bool(key string) bool
	String(key string) string
	SetBool(key string, v bool)
	SetString(key, v string)
}

// MemoryOptions is an in-memory OptionStore, used when no store is configured.
type MemoryOptions struct {
	mu      sync.RWMutex
	bools   map[string]bool
	strings map[string]string
}

// NewMemoryOptions returns an empty MemoryOptions.
func NewMemoryOptions() *MemoryOptions {
	return &MemoryOptions{bools: map[string]bool{}, strings: map[string]string{}}
}

func (o *MemoryOptions) Bool(key string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.bools[key]
}

func (o *MemoryOptions) String(key string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.strings[key]
}

func (o *MemoryOptions) SetBool(key string, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bools[key] = v
}

func (o *MemoryOptions) SetString(key, v string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.strings[key] = v
}
