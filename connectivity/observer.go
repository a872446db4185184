// Package connectivity tracks whether the durable store is reachable and
// whether the host surface is in the foreground. It only reports signals;
// the engine decides what to do with them.
package connectivity

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Observer holds the online flag and fans out online and visibility events
// to subscribers. The zero value is not usable; call NewObserver.
type Observer struct {
	online atomic.Bool

	mu        sync.Mutex
	onChange  []func(online bool)
	onVisible []func()
}

// NewObserver returns an Observer with the given initial online state.
func NewObserver(online bool) *Observer {
	o := &Observer{}
	o.online.Store(online)
	return o
}

// Online reports the last known connectivity state.
func (o *Observer) Online() bool { return o.online.Load() }

// SetOnline records a connectivity reading. Subscribers run only when the
// state actually flips, synchronously on the caller's goroutine.
func (o *Observer) SetOnline(online bool) {
	if o.online.Swap(online) == online {
		return
	}
	o.mu.Lock()
	subs := slices.Clone(o.onChange)
	o.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}

// NotifyVisible reports that the host surface regained the foreground.
func (o *Observer) NotifyVisible() {
	o.mu.Lock()
	subs := slices.Clone(o.onVisible)
	o.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// OnChange subscribes fn to online/offline transitions.
func (o *Observer) OnChange(fn func(online bool)) {
	o.mu.Lock()
	o.onChange = append(o.onChange, fn)
	o.mu.Unlock()
}

// OnVisible subscribes fn to visibility events.
func (o *Observer) OnVisible(fn func()) {
	o.mu.Lock()
	o.onVisible = append(o.onVisible, fn)
	o.mu.Unlock()
}
