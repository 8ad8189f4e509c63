// Package usagetracker implements the Token Usage Tracker (C8): a
// trailing-debounced accumulator that batches estimate updates before
// forwarding them to the Gateway, plus an immediate, non-batched path
// for actual usage reports. It reuses the time.AfterFunc plus
// generation-counter debounce idiom from internal/ptt and
// internal/turnstate, both themselves grounded on
// voice.Orchestrator's turnCancel/activeToken bookkeeping.
package usagetracker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tinge-app/tinge-session-core/internal/ledger"
)

// DefaultDebounce is the trailing window spec.md §4.8 names explicitly.
const DefaultDebounce = 200 * time.Millisecond

// EstimateSender forwards a combined text/audio estimate to the
// Gateway's /token-usage/{key}/estimate endpoint.
type EstimateSender func(ctx context.Context, text string, audioSeconds float64) error

// ActualSender forwards an immediate, non-batched actual usage report.
type ActualSender func(ctx context.Context, report ledger.UsageReport) error

// Tracker accumulates text and audio-duration buffers behind a single
// debounced emitter. All send failures are logged and swallowed: usage
// telemetry is best-effort and must never block the session.
type Tracker struct {
	debounce     time.Duration
	sendEstimate EstimateSender
	sendActual   ActualSender

	mu           sync.Mutex
	textBuf      string
	audioSecsBuf float64
	timer        *time.Timer
	generation   int
}

func New(debounce time.Duration, sendEstimate EstimateSender, sendActual ActualSender) *Tracker {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Tracker{debounce: debounce, sendEstimate: sendEstimate, sendActual: sendActual}
}

// AddText appends text to the pending buffer and (re)arms the debounce
// timer.
func (t *Tracker) AddText(text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.textBuf == "" {
		t.textBuf = text
	} else {
		t.textBuf += " " + text
	}
	t.armLocked()
}

// AddAudioSeconds appends audio duration to the pending buffer and
// (re)arms the debounce timer.
func (t *Tracker) AddAudioSeconds(secs float64) {
	if secs <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audioSecsBuf += secs
	t.armLocked()
}

// armLocked must be called with mu held. Re-pressing within the window
// pushes the deadline out, matching the "trailing" debounce in
// spec.md §4.8.
func (t *Tracker) armLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.generation++
	gen := t.generation
	t.timer = time.AfterFunc(t.debounce, func() { t.flush(gen) })
}

func (t *Tracker) flush(gen int) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	text := t.textBuf
	audioSecs := t.audioSecsBuf
	t.mu.Unlock()

	if text == "" && audioSecs <= 0 {
		return
	}
	if t.sendEstimate == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.sendEstimate(ctx, text, audioSecs); err != nil {
		log.Printf("usagetracker: estimate send failed, buffers retained: %v", err)
		return
	}

	t.mu.Lock()
	if gen == t.generation {
		t.textBuf = ""
		t.audioSecsBuf = 0
	}
	t.mu.Unlock()
}

// UpdateActual sends a non-batched, immediate actual usage report. Like
// the estimate path, failures are logged and swallowed.
func (t *Tracker) UpdateActual(ctx context.Context, report ledger.UsageReport) {
	if t.sendActual == nil {
		return
	}
	if err := t.sendActual(ctx, report); err != nil {
		log.Printf("usagetracker: actual usage send failed: %v", err)
	}
}

// Reset clears the pending timer and both buffers, discarding anything
// not yet flushed. Used when a session ends or reconnects.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	t.textBuf = ""
	t.audioSecsBuf = 0
}

// Pending reports the current buffer contents, mostly useful for tests.
func (t *Tracker) Pending() (text string, audioSecs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.textBuf, t.audioSecsBuf
}
