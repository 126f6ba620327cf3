package policy

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Registry hands out the current policy revision and swaps it atomically
// on reload. Readers on the request path never block.
type Registry struct {
	current atomic.Pointer[Policy]
	path    string
	logger  *slog.Logger

	// onReload, when set, is invoked with every accepted revision.
	onReload func(*Policy)
}

// NewRegistry creates a registry seeded with the given policy.
func NewRegistry(p *Policy, logger *slog.Logger) *Registry {
	if p == nil {
		p = Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.current.Store(p)
	return r
}

// Current returns the active policy revision.
func (r *Registry) Current() *Policy {
	return r.current.Load()
}

// OnReload registers a callback invoked with each accepted revision.
// Must be called before Watch.
func (r *Registry) OnReload(fn func(*Policy)) {
	r.onReload = fn
}

// Swap installs a new policy revision directly.
func (r *Registry) Swap(p *Policy) {
	r.current.Store(p)
	if r.onReload != nil {
		r.onReload(p)
	}
}

// LoadFile loads a policy file and installs it.
func (r *Registry) LoadFile(path string) error {
	p, err := Load(path)
	if err != nil {
		return err
	}
	r.path = path
	r.Swap(p)
	return nil
}

// Watch reloads the policy file whenever it changes, until ctx is done.
// A revision that fails to parse or validate is rejected and the previous
// one stays active.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				p, err := Load(r.path)
				if err != nil {
					r.logger.Warn("policy reload rejected, keeping previous revision", "path", r.path, "error", err)
					continue
				}
				r.Swap(p)
				r.logger.Info("policy reloaded", "path", r.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
