package call

import (
	"sync"
	"time"
)

// Timers is the per-call timer manager: the silence (no-input) timer and
// the auto-hangup timer. Arming a new hangup timer cancels the prior one;
// CancelAll is called from teardown and wins over concurrent fires.
type Timers struct {
	silenceTimeout time.Duration
	onSilence      func()
	onHangup       func()

	mu        sync.Mutex
	silence   *time.Timer
	hangup    *time.Timer
	cancelled bool
}

// NewTimers creates the manager. Callbacks run on timer goroutines; the
// session serialises them with its own lock.
func NewTimers(silenceTimeout time.Duration, onSilence, onHangup func()) *Timers {
	return &Timers{
		silenceTimeout: silenceTimeout,
		onSilence:      onSilence,
		onHangup:       onHangup,
	}
}

// TouchSilence (re)arms the silence timer. Called when playback finishes
// and whenever caller speech arrives.
func (t *Timers) TouchSilence() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	if t.silence != nil {
		t.silence.Stop()
	}
	t.silence = time.AfterFunc(t.silenceTimeout, func() {
		t.mu.Lock()
		dead := t.cancelled
		t.mu.Unlock()
		if !dead {
			t.onSilence()
		}
	})
}

// StopSilence pauses the silence timer, e.g. while the engine is speaking.
func (t *Timers) StopSilence() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.silence != nil {
		t.silence.Stop()
	}
}

// ScheduleHangup arms the auto-hangup timer, replacing any prior one.
func (t *Timers) ScheduleHangup(after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	if t.hangup != nil {
		t.hangup.Stop()
	}
	t.hangup = time.AfterFunc(after, func() {
		t.mu.Lock()
		dead := t.cancelled
		t.mu.Unlock()
		if !dead {
			t.onHangup()
		}
	})
}

// CancelAll stops every timer permanently. Idempotent.
func (t *Timers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.silence != nil {
		t.silence.Stop()
	}
	if t.hangup != nil {
		t.hangup.Stop()
	}
}
