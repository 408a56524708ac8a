// Package disposable implements the idle-object reaper shared by the
// identity and authentication-session engines (spec §4.6): objects
// register with a maximum inactivity and an auto_destruct flag, and a
// single shared timer destroys them once they have gone unused for that
// long.
package disposable

import (
	"sync"
	"time"

	"github.com/stacklok/signond/pkg/logger"
)

// entry is one registered object's bookkeeping.
type entry struct {
	maxInactivity time.Duration
	autoDestruct  bool
	lastUsed      time.Time
	destroy       func()
}

func (e *entry) deadline() time.Time { return e.lastUsed.Add(e.maxInactivity) }

// Registry tracks disposable objects and sweeps the ones that have gone
// idle past their registered limit. The zero value is not usable; use New.
//
// Unlike the original implementation's fixed-period timer (wake at an
// interval equal to the largest registered inactivity plus slack), this
// registry keeps a single timer reset to the soonest upcoming deadline,
// so a long-lived object with a short timeout doesn't wait behind one
// with a much longer timeout (spec §4.6 domain-stack wiring).
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	timer    *time.Timer
	onEmpty  func()
	wasEmpty bool
}

// New returns an empty Registry. onEmpty, if non-nil, is invoked once
// every time the registry transitions from non-empty to empty, letting
// the daemon schedule its own exit after prolonged global idleness.
func New(onEmpty func()) *Registry {
	return &Registry{
		entries:  map[string]*entry{},
		onEmpty:  onEmpty,
		wasEmpty: true,
	}
}

// Register adds id to the registry with the given maximum inactivity and
// auto_destruct flag. destroy is invoked (and id is unregistered) once id
// has been idle for longer than maxInactivity, if autoDestruct is true.
// Registering an id that already exists replaces its entry.
func (r *Registry) Register(id string, maxInactivity time.Duration, autoDestruct bool, destroy func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[id] = &entry{
		maxInactivity: maxInactivity,
		autoDestruct:  autoDestruct,
		lastUsed:      time.Now(),
		destroy:       destroy,
	}
	r.wasEmpty = false
	r.rescheduleLocked()
}

// Touch resets id's idle clock to now. It is a no-op if id is not
// registered (e.g. it was already swept).
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.lastUsed = time.Now()
		r.rescheduleLocked()
	}
}

// Unregister removes id without invoking its destroy callback, for
// callers that are disposing of an object themselves (spec: "holds only
// weak references; it never extends lifetimes" — explicit removal never
// triggers a spurious destroy).
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	r.checkEmptyLocked()
}

// Len reports how many objects are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// rescheduleLocked (re)arms the shared timer for the soonest deadline
// among auto_destruct entries. Callers must hold r.mu.
func (r *Registry) rescheduleLocked() {
	var next time.Time
	for _, e := range r.entries {
		if !e.autoDestruct {
			continue
		}
		if next.IsZero() || e.deadline().Before(next) {
			next = e.deadline()
		}
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if next.IsZero() {
		return
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, r.sweep)
}

// sweep destroys every entry past its deadline, then reschedules for
// whatever is soonest among what remains.
func (r *Registry) sweep() {
	r.mu.Lock()
	now := time.Now()
	var expired []*entry
	for id, e := range r.entries {
		if e.autoDestruct && !now.Before(e.deadline()) {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	r.rescheduleLocked()
	r.checkEmptyLocked()
	r.mu.Unlock()

	for _, e := range expired {
		logger.Log.Debugw("disposable swept", "reason", "idle timeout")
		e.destroy()
	}
}

// checkEmptyLocked fires onEmpty once per non-empty -> empty transition.
// Callers must hold r.mu.
func (r *Registry) checkEmptyLocked() {
	empty := len(r.entries) == 0
	if empty && !r.wasEmpty && r.onEmpty != nil {
		go r.onEmpty()
	}
	r.wasEmpty = empty
}
