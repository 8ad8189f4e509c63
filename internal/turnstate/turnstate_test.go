package turnstate

import (
	"testing"
	"time"
)

func TestIdleToSpeakingOnAudioTranscriptDelta(t *testing.T) {
	m := NewMachine(time.Second, nil)
	m.Advance(EventAudioTranscriptDelta)
	if m.State() != StateSpeaking {
		t.Fatalf("State() = %v, want StateSpeaking", m.State())
	}
}

func TestSpeakingToIdleOnBufferStopped(t *testing.T) {
	m := NewMachine(time.Second, nil)
	m.Advance(EventOutputAudioBufferStarted)
	m.Advance(EventOutputAudioBufferStopped)
	if m.State() != StateIdle {
		t.Fatalf("State() = %v, want StateIdle", m.State())
	}
}

func TestInterruptWhileRecordingEmitsUtterance(t *testing.T) {
	m := NewMachine(time.Second, nil)
	m.Advance(EventOutputAudioBufferStarted)
	result := m.Interrupt(true)
	if !result.EmitUtterance || !result.WasRecording {
		t.Fatalf("result = %+v, want WasRecording/EmitUtterance true", result)
	}
	if m.State() != StateInterrupted {
		t.Fatalf("State() = %v, want StateInterrupted", m.State())
	}
}

func TestInterruptWhileIdleEmitsNoUtterance(t *testing.T) {
	m := NewMachine(time.Second, nil)
	result := m.Interrupt(false)
	if result.EmitUtterance {
		t.Fatal("EmitUtterance = true, want false when no AI audio was recording")
	}
}

func TestGateSuppressesAssistantEventsWhileInterrupted(t *testing.T) {
	m := NewMachine(time.Second, nil)
	m.Advance(EventOutputAudioBufferStarted)
	m.Interrupt(true)

	if !m.Gate(EventAudioTranscriptDelta) {
		t.Fatal("Gate(EventAudioTranscriptDelta) = false while interrupted, want true")
	}
	if m.Gate(EventResponseDone) {
		t.Fatal("Gate(EventResponseDone) = true, response.done is not in the suppressed set")
	}
}

func TestBufferStoppedLeavesInterruptedAndCancelsDrain(t *testing.T) {
	m := NewMachine(50*time.Millisecond, func() { t.Fatal("drain callback should not fire: explicit stop arrived first") })
	m.Advance(EventOutputAudioBufferStarted)
	m.Interrupt(true)
	m.Advance(EventOutputAudioBufferStopped)
	if m.State() != StateIdle {
		t.Fatalf("State() = %v, want StateIdle", m.State())
	}
	time.Sleep(100 * time.Millisecond)
}

func TestDrainTimerReturnsToIdleWhenNoTerminalEventArrives(t *testing.T) {
	done := make(chan struct{})
	m := NewMachine(20*time.Millisecond, func() { close(done) })
	m.Advance(EventOutputAudioBufferStarted)
	m.Interrupt(true)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain timeout callback never fired")
	}
	if m.State() != StateIdle {
		t.Fatalf("State() = %v, want StateIdle after drain timeout", m.State())
	}
}
