// Package debounce provides a debounced trigger with a maximum-latency bound.
//
// A Trigger coalesces bursts of Touch() calls into a single callback that
// fires after the burst goes quiet for the debounce delay. A second,
// non-resetting ceiling timer guarantees the callback fires within the
// ceiling even if touches never stop arriving. The same trigger backs the
// search index persistence and the notification-driven reconcile scheduling.
package debounce

import (
	"sync"
	"time"
)

// Trigger coalesces rapid calls into one deferred invocation of fn.
type Trigger struct {
	delay   time.Duration
	ceiling time.Duration
	fn      func()

	mu           sync.Mutex
	delayTimer   *time.Timer
	ceilingTimer *time.Timer
	stopped      bool
}

// New creates a trigger. fn runs on a timer goroutine; it must not call
// back into the trigger while holding locks the caller also takes in Touch.
func New(delay, ceiling time.Duration, fn func()) *Trigger {
	return &Trigger{
		delay:   delay,
		ceiling: ceiling,
		fn:      fn,
	}
}

// Touch schedules (or reschedules) the callback. Each call resets the
// debounce delay; the first call in a burst also arms the ceiling timer,
// which is never reset until the callback fires.
func (t *Trigger) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	if t.delayTimer != nil {
		t.delayTimer.Stop()
	}
	t.delayTimer = time.AfterFunc(t.delay, t.fire)

	if t.ceilingTimer == nil && t.ceiling > 0 {
		t.ceilingTimer = time.AfterFunc(t.ceiling, t.fire)
	}
}

// Flush fires the callback immediately if one is pending.
func (t *Trigger) Flush() {
	t.mu.Lock()
	pending := t.delayTimer != nil || t.ceilingTimer != nil
	t.mu.Unlock()

	if pending {
		t.fire()
	}
}

// Stop cancels any pending invocation. The trigger cannot be reused.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.clearLocked()
}

// fire runs the callback once and disarms both timers.
func (t *Trigger) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	armed := t.delayTimer != nil || t.ceilingTimer != nil
	t.clearLocked()
	t.mu.Unlock()

	// Both timers can race to fire; only the one that disarmed runs fn.
	if armed {
		t.fn()
	}
}

func (t *Trigger) clearLocked() {
	if t.delayTimer != nil {
		t.delayTimer.Stop()
		t.delayTimer = nil
	}
	if t.ceilingTimer != nil {
		t.ceilingTimer.Stop()
		t.ceilingTimer = nil
	}
}
