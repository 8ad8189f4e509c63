package eventrouter

import "testing"

func TestDispatchRoutesAudioTranscriptDelta(t *testing.T) {
	var gotDelta string
	r := New(Handlers{
		OnAudioTranscriptDelta: func(delta string, offsetMs int64) { gotDelta = delta },
	})
	r.Dispatch(map[string]any{"type": EventAudioTranscriptDelta, "delta": "hola"})
	if gotDelta != "hola" {
		t.Fatalf("gotDelta = %q, want %q", gotDelta, "hola")
	}
}

func TestDispatchSuppressesGatedEventsWhenGated(t *testing.T) {
	called := false
	r := New(Handlers{
		Gate:                       func(string) bool { return true },
		OnOutputAudioBufferStarted: func() { called = true },
	})
	r.Dispatch(map[string]any{"type": EventOutputAudioBufferStarted})
	if called {
		t.Fatal("OnOutputAudioBufferStarted fired despite Gate returning true")
	}
}

func TestDispatchCallsAdvanceEvenWhenGated(t *testing.T) {
	var advanced string
	r := New(Handlers{
		Advance: func(eventType string) { advanced = eventType },
		Gate:    func(string) bool { return true },
	})
	r.Dispatch(map[string]any{"type": EventOutputAudioBufferStopped})
	if advanced != EventOutputAudioBufferStopped {
		t.Fatalf("Advance was not called with the raw event type, got %q", advanced)
	}
}

func TestDispatchRoutesFunctionCallArgumentsDone(t *testing.T) {
	var got map[string]any
	r := New(Handlers{
		OnFunctionCallArgumentsDone: func(frame map[string]any) { got = frame },
	})
	r.Dispatch(map[string]any{"type": EventFunctionCallArgumentsDone, "name": "search_knowledge"})
	if got == nil || got["name"] != "search_knowledge" {
		t.Fatalf("got = %v, want frame with name=search_knowledge", got)
	}
}

func TestDispatchRoutesUsageOnResponseDone(t *testing.T) {
	var got map[string]any
	r := New(Handlers{
		OnUsage: func(frame map[string]any) { got = frame },
	})
	r.Dispatch(map[string]any{"type": EventResponseDone, "usage": map[string]any{"total_tokens": 10}})
	if got == nil {
		t.Fatal("OnUsage was not called when response.done carried a usage field")
	}
}

func TestDispatchSkipsUsageWhenFieldAbsent(t *testing.T) {
	called := false
	r := New(Handlers{
		OnUsage: func(map[string]any) { called = true },
	})
	r.Dispatch(map[string]any{"type": EventResponseDone})
	if called {
		t.Fatal("OnUsage fired despite no usage field on the frame")
	}
}

func TestNormalizeAssignsTimestampAndTrimsAudioTranscriptDone(t *testing.T) {
	r := New(Handlers{})
	frame := map[string]any{"type": "response.audio_transcript.done", "transcript": "  hola mundo  "}
	r.Dispatch(frame)
	if frame["transcript"] != "hola mundo" {
		t.Fatalf("transcript = %q, want trimmed", frame["transcript"])
	}
	if frame["speaker"] != "ai" {
		t.Fatalf("speaker = %v, want ai", frame["speaker"])
	}
	if _, ok := frame["timestamp"]; !ok {
		t.Fatal("timestamp was not assigned")
	}
}
