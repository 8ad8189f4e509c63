// Package turnstate implements the Assistant Turn State Machine (C5): it
// keeps stale assistant transcript/audio events, emitted after the user
// barges in, from polluting the current bubble or leaving an orphan
// recorded clip. It generalizes the teacher's turnCancel/activeTurnID/
// activeToken generation-counter bookkeeping in
// voice.Orchestrator.RunConnection into an explicit three-state machine.
package turnstate

import (
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateSpeaking
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "idle"
	}
}

// Wire event-type strings this machine reacts to, named exactly as they
// appear on the data channel.
const (
	EventAudioTranscriptDelta     = "response.audio_transcript.delta"
	EventAudioTranscriptDone      = "response.audio_transcript.done"
	EventTextDelta                = "response.text.delta"
	EventTextDone                 = "response.text.done"
	EventOutputAudioBufferStarted = "output_audio_buffer.started"
	EventOutputAudioBufferStopped = "output_audio_buffer.stopped"
	EventResponseDone             = "response.done"
)

// DefaultDrainTimeout is the interrupted-state fallback: if neither
// output_audio_buffer.stopped nor response.done ever arrives, the
// machine returns to idle on its own after this elapses.
const DefaultDrainTimeout = 4 * time.Second

var suppressedInInterrupted = map[string]bool{
	EventAudioTranscriptDelta:     true,
	EventAudioTranscriptDone:      true,
	EventTextDelta:                true,
	EventTextDone:                 true,
	EventOutputAudioBufferStarted: true,
	EventOutputAudioBufferStopped: true,
}

// InterruptResult is the outcome of Interrupt's tie-break: whether an
// in-progress AI recording must be finalized and surfaced as an
// interrupted utterance.
type InterruptResult struct {
	WasRecording  bool
	EmitUtterance bool
}

// Machine is one turn's state. The orchestrator owns exactly one per
// session and feeds it every incoming data-channel event before
// dispatching to C6/C7.
type Machine struct {
	cfg struct {
		drainTimeout time.Duration
	}

	mu          sync.Mutex
	state       State
	drainTimer  *time.Timer
	generation  int
	onDrainIdle func()
}

func NewMachine(drainTimeout time.Duration, onDrainIdle func()) *Machine {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	m := &Machine{onDrainIdle: onDrainIdle}
	m.cfg.drainTimeout = drainTimeout
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Gate reports whether eventType should be suppressed from UI
// propagation and capture-buffer mutation given the current state.
func (m *Machine) Gate(eventType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateInterrupted && suppressedInInterrupted[eventType]
}

// Advance feeds one wire event through the idle/speaking transitions
// (audio start, and the two buffer-stopped/response-done exits from
// interrupted). Interrupt() is the separate entrypoint for the barge-in
// transition, since it is driven by PTT, not by a wire event.
func (m *Machine) Advance(eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
		if eventType == EventAudioTranscriptDelta || eventType == EventOutputAudioBufferStarted {
			m.state = StateSpeaking
		}
	case StateSpeaking:
		if eventType == EventOutputAudioBufferStopped {
			m.state = StateIdle
		}
	case StateInterrupted:
		if eventType == EventOutputAudioBufferStopped || eventType == EventResponseDone {
			m.cancelDrainLocked()
			m.state = StateIdle
		}
	}
}

// Interrupt runs the barge-in transition (speaking -> interrupted),
// starting the drain timer and applying the tie-break rule: a recording
// in progress must be finalized and reported; an idle AI voice produces
// no utterance, only the state change.
func (m *Machine) Interrupt(aiRecording bool) InterruptResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateSpeaking && m.state != StateIdle {
		return InterruptResult{}
	}
	m.state = StateInterrupted
	m.startDrainLocked()

	return InterruptResult{WasRecording: aiRecording, EmitUtterance: aiRecording}
}

func (m *Machine) startDrainLocked() {
	m.cancelDrainLocked()
	m.generation++
	gen := m.generation
	m.drainTimer = time.AfterFunc(m.cfg.drainTimeout, func() {
		m.mu.Lock()
		if m.generation != gen || m.state != StateInterrupted {
			m.mu.Unlock()
			return
		}
		m.state = StateIdle
		m.drainTimer = nil
		m.mu.Unlock()
		if m.onDrainIdle != nil {
			m.onDrainIdle()
		}
	})
}

// cancelDrainLocked must be called with mu held.
func (m *Machine) cancelDrainLocked() {
	if m.drainTimer != nil {
		m.drainTimer.Stop()
		m.drainTimer = nil
	}
	m.generation++
}
