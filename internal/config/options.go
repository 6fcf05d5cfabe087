package config

import (
	"sync"

	"github.com/knadh/koanf/v2"
)

// Options is the UI-option store backed by the loaded configuration. Keys
// are koanf paths such as "tourbook.group_by". Set values live in memory
// only and are never written back to the config file.
type Options struct {
	mu sync.RWMutex
	k  *koanf.Koanf
}

// Options returns the option store of c. Every call returns the same store.
func (c *Config) Options() *Options {
	c.optsOnce.Do(func() {
		if c.k == nil {
			c.k = koanf.New(".")
		}
		c.opts = &Options{k: c.k}
	})
	return c.opts
}

func (o *Options) Bool(key string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.k.Bool(key)
}

func (o *Options) String(key string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.k.String(key)
}

func (o *Options) SetBool(key string, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.k.Set(key, v)
}

func (o *Options) SetString(key, v string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.k.Set(key, v)
}
