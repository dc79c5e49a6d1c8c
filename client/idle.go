package client

import (
	"sync"
	"time"
)

// IdleDetector flips to idle after timeout without activity and back to
// active on the next Activity call. Callbacks run outside the detector's lock.
type IdleDetector struct {
	timeout  time.Duration
	onIdle   func()
	onActive func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	idle    bool
	stopped bool
}

func NewIdleDetector(timeout time.Duration, onIdle, onActive func()) *IdleDetector {
	return &IdleDetector{
		timeout:  timeout,
		onIdle:   onIdle,
		onActive: onActive,
		stopped:  true,
	}
}

// Start arms the timer. Calling Start on a running detector re-arms it.
func (d *IdleDetector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = false
	d.idle = false
	d.resetLocked()
}

func (d *IdleDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Activity records a user-activity signal.
func (d *IdleDetector) Activity() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	wasIdle := d.idle
	d.idle = false
	d.resetLocked()
	d.mu.Unlock()

	if wasIdle && d.onActive != nil {
		d.onActive()
	}
}

func (d *IdleDetector) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

func (d *IdleDetector) resetLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.timeout, func() { d.fire(gen) })
}

func (d *IdleDetector) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || d.gen != gen || d.idle {
		d.mu.Unlock()
		return
	}
	d.idle = true
	d.mu.Unlock()

	if d.onIdle != nil {
		d.onIdle()
	}
}
