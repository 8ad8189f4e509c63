package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tinge-app/tinge-session-core/internal/capture"
	"github.com/tinge-app/tinge-session-core/internal/ledger"
	"github.com/tinge-app/tinge-session-core/internal/tools"
)

type fakeSink struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (f *fakeSink) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame, _ := v.(map[string]any)
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) snapshot() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any{}, f.frames...)
}

type fakeProfiles struct {
	profile tools.Profile
}

func (f *fakeProfiles) GetProfile(ctx context.Context, userID string) (tools.Profile, error) {
	if f.profile == nil {
		return tools.Profile{}, nil
	}
	return f.profile, nil
}

func (f *fakeProfiles) SaveProfile(ctx context.Context, userID string, profile tools.Profile) error {
	f.profile = profile
	return nil
}

func collectEvents() (func(eventType string, payload map[string]any), func() []string) {
	var mu sync.Mutex
	var names []string
	emit := func(eventType string, payload map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, eventType)
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string{}, names...)
	}
	return emit, snapshot
}

func newTestSession(sink FrameSink, emit func(string, map[string]any)) *Session {
	return New(sink, Dependencies{
		Profiles: &fakeProfiles{},
		SearchKnowledge: func(ctx context.Context, req tools.SearchArgs) (json.RawMessage, error) {
			return json.RawMessage(`{"data":[]}`), nil
		},
		VerifyCorrection: func(ctx context.Context, req tools.VerifyArgs) (tools.VerifyResult, error) {
			return tools.VerifyResult{Rule: "rule"}, nil
		},
		SendEstimate:  func(ctx context.Context, text string, audioSeconds float64) error { return nil },
		SendActual:    func(ctx context.Context, report ledger.UsageReport) error { return nil },
		OnClientEvent: emit,
	})
}

func TestAudioTranscriptDeltaStartsCaptureAndEmitsWords(t *testing.T) {
	emit, events := collectEvents()
	s := newTestSession(&fakeSink{}, emit)

	s.router.Dispatch(map[string]any{
		"type":  "response.audio_transcript.delta",
		"delta": "Hello there, how",
	})

	if !s.aiActive {
		t.Fatal("expected the assistant capture to be active after the first delta")
	}
	found := false
	for _, e := range events() {
		if e == "assistant.transcript.delta" {
			found = true
		}
	}
	if !found {
		t.Fatalf("events = %v, want assistant.transcript.delta", events())
	}
}

func TestOutputAudioBufferStoppedFinalizesUtterance(t *testing.T) {
	emit, events := collectEvents()
	s := newTestSession(&fakeSink{}, emit)

	s.router.Dispatch(map[string]any{"type": "response.audio_transcript.delta", "delta": "Hola amigo"})
	s.router.Dispatch(map[string]any{"type": "output_audio_buffer.stopped"})

	if s.aiActive {
		t.Fatal("expected the assistant capture to be finalized on buffer stopped")
	}
	var sawUtterance bool
	for _, e := range events() {
		if e == "utterance.added" {
			sawUtterance = true
		}
	}
	if !sawUtterance {
		t.Fatalf("events = %v, want utterance.added", events())
	}
}

func TestInterruptWhileRecordingEmitsUtteranceAndInterruptedFlag(t *testing.T) {
	emit, _ := collectEvents()
	var captured map[string]any
	wrap := func(eventType string, payload map[string]any) {
		if eventType == "utterance.added" {
			captured = payload
		}
		emit(eventType, payload)
	}
	s := newTestSession(&fakeSink{}, wrap)

	s.router.Dispatch(map[string]any{"type": "response.audio_transcript.delta", "delta": "interrupt me"})
	s.Interrupt()

	if captured == nil {
		t.Fatal("expected utterance.added to fire on interrupt while recording")
	}
	if captured["interrupted"] != true {
		t.Fatalf("interrupted = %v, want true", captured["interrupted"])
	}
}

func TestInterruptWhileIdleEmitsNoUtterance(t *testing.T) {
	emit, events := collectEvents()
	s := newTestSession(&fakeSink{}, emit)

	s.Interrupt()

	for _, e := range events() {
		if e == "utterance.added" {
			t.Fatal("did not expect utterance.added when nothing was recording")
		}
	}
}

func TestFunctionCallArgumentsDoneAlwaysReplies(t *testing.T) {
	sink := &fakeSink{}
	emit, _ := collectEvents()
	s := newTestSession(sink, emit)

	s.router.Dispatch(map[string]any{
		"type":      "response.function_call_arguments.done",
		"call_id":   "call-1",
		"name":      "get_user_profile",
		"arguments": `{"user_id":"u1"}`,
	})

	frames := sink.snapshot()
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2 (function_call_output + response.create)", len(frames))
	}
	item, _ := frames[0]["item"].(map[string]any)
	if item["type"] != "function_call_output" || item["call_id"] != "call-1" {
		t.Fatalf("first frame = %+v, want function_call_output for call-1", frames[0])
	}
	if frames[1]["type"] != "response.create" {
		t.Fatalf("second frame = %+v, want response.create", frames[1])
	}
}

func TestUserTranscriptionCompletedDedupsRepeat(t *testing.T) {
	emit, events := collectEvents()
	s := newTestSession(&fakeSink{}, emit)

	frame := map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"item_id":    "utt-1",
		"transcript": "hola como estas",
		"deviceType": "desktop",
	}
	s.router.Dispatch(frame)
	s.router.Dispatch(frame)

	count := 0
	for _, e := range events() {
		if e == "utterance.added" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("utterance.added fired %d times, want 1", count)
	}
}

func TestUsageFrameUpdatesActualUsage(t *testing.T) {
	var applied ledger.UsageReport
	emit, _ := collectEvents()
	s := New(&fakeSink{}, Dependencies{
		Profiles: &fakeProfiles{},
		SendEstimate: func(ctx context.Context, text string, audioSeconds float64) error { return nil },
		SendActual: func(ctx context.Context, report ledger.UsageReport) error {
			applied = report
			return nil
		},
		OnClientEvent: emit,
	})

	s.router.Dispatch(map[string]any{
		"type": "response.done",
		"usage": map[string]any{
			"total_tokens": float64(42),
		},
	})

	if applied.TotalTokens != 42 {
		t.Fatalf("TotalTokens = %d, want 42", applied.TotalTokens)
	}
}

func TestBeginUserCaptureRegistersActiveCapture(t *testing.T) {
	emit, _ := collectEvents()
	s := newTestSession(&fakeSink{}, emit)

	stopped := false
	s.BeginUserCapture(stubResource(func() ([]byte, string, error) {
		stopped = true
		return nil, "", nil
	}))

	rec, _, err := s.Captures.HandleUserTranscriptionCompleted(context.Background(), "utt-2", "hola", "desktop", time.Now(), capture.UserTranscriptionHandlers{})
	if err != nil {
		t.Fatalf("HandleUserTranscriptionCompleted: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a resolved record")
	}
	if !stopped {
		t.Fatal("expected the registered recording resource to be stopped on finalize")
	}
}

type stubResource func() ([]byte, string, error)

func (s stubResource) Stop() ([]byte, string, error) { return s() }

func TestSubmitCorrectionFeedbackRecordsAndEmits(t *testing.T) {
	emit, events := collectEvents()
	s := newTestSession(&fakeSink{}, emit)

	rec := s.Corrections.Detect("corr-1", "I goed", "I went", "grammar")

	if err := s.SubmitCorrectionFeedback(rec.ID, "agree"); err != nil {
		t.Fatalf("SubmitCorrectionFeedback: %v", err)
	}

	found := false
	for _, e := range events() {
		if e == "correction.feedback.recorded" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected correction.feedback.recorded to be emitted")
	}

	updated, ok := s.Corrections.Get(rec.ID)
	if !ok {
		t.Fatalf("Get: record %q not found", rec.ID)
	}
	if updated.UserFeedback != "agree" {
		t.Fatalf("UserFeedback = %q, want %q", updated.UserFeedback, "agree")
	}
}

func TestSubmitCorrectionFeedbackRejectsUnknownID(t *testing.T) {
	emit, _ := collectEvents()
	s := newTestSession(&fakeSink{}, emit)

	if err := s.SubmitCorrectionFeedback("missing", "agree"); err == nil {
		t.Fatal("expected an error for an unknown correction id")
	}
}
