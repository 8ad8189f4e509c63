// Package eventrouter implements the Data-Channel Event Router (C6): it
// parses inbound JSON frames, normalizes a handful of fields, and
// dispatches each frame to the collaborator named in spec.md §4.6's
// table. It generalizes the teacher's protocol.ParseClientMessage closed
// dispatch into an open, string-keyed one, since the upstream realtime
// wire protocol is not a fixed enum the way the teacher's own client
// protocol is.
package eventrouter

import (
	"strings"
	"time"
)

const (
	EventAudioTranscriptDelta       = "response.audio_transcript.delta"
	EventOutputAudioBufferStarted   = "output_audio_buffer.started"
	EventOutputAudioBufferStopped   = "output_audio_buffer.stopped"
	EventUserTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventFunctionCallArgumentsDone  = "response.function_call_arguments.done"
	EventResponseDone               = "response.done"
	EventSessionUpdated             = "session.updated"
)

// gatedEvents mirrors turnstate's suppressed set: these event types are
// first run through Gate before their handler fires.
var gatedEvents = map[string]bool{
	EventAudioTranscriptDelta:         true,
	"response.audio_transcript.done": true,
	"response.text.delta":            true,
	"response.text.done":             true,
	EventOutputAudioBufferStarted:     true,
	EventOutputAudioBufferStopped:     true,
}

// Handlers are the router's collaborators. Every field is optional; a
// nil handler means the router silently drops that event type. Keeping
// these as plain funcs (rather than an interface across C5/C7/C8/C9)
// avoids an import cycle between eventrouter and its four callers.
type Handlers struct {
	// Gate reports whether eventType should be suppressed under C5's
	// current state. Required for correct interrupted-state behavior;
	// a nil Gate never suppresses anything.
	Gate func(eventType string) bool

	// Advance feeds the raw event type to C5's state machine so idle/
	// speaking/interrupted transitions stay in sync with the router.
	Advance func(eventType string)

	OnAudioTranscriptDelta       func(delta string, offsetMs int64)
	OnOutputAudioBufferStarted   func()
	OnOutputAudioBufferStopped   func()
	OnUserTranscriptionCompleted func(frame map[string]any)
	OnFunctionCallArgumentsDone  func(frame map[string]any)
	OnUsage                      func(frame map[string]any)
}

// Router dispatches normalized frames to Handlers.
type Router struct {
	h     Handlers
	start time.Time
}

func New(h Handlers) *Router {
	return &Router{h: h, start: time.Now()}
}

// Dispatch normalizes one frame and routes it per spec.md §4.6's table.
// It is safe to call from a single reader goroutine; Handlers must do
// their own synchronization if they touch shared state.
func (r *Router) Dispatch(frame map[string]any) {
	normalize(frame)

	eventType, _ := frame["type"].(string)
	if eventType == "" {
		return
	}

	suppressed := gatedEvents[eventType] && r.h.Gate != nil && r.h.Gate(eventType)

	if r.h.Advance != nil {
		r.h.Advance(eventType)
	}

	if suppressed {
		// Gated against the state the frame arrived in, before Advance
		// applied this frame's own transition.
		return
	}

	switch eventType {
	case EventAudioTranscriptDelta:
		if r.h.OnAudioTranscriptDelta != nil {
			delta, _ := frame["delta"].(string)
			offsetMs := time.Since(r.start).Milliseconds()
			r.h.OnAudioTranscriptDelta(delta, offsetMs)
		}
	case EventOutputAudioBufferStarted:
		if r.h.OnOutputAudioBufferStarted != nil {
			r.h.OnOutputAudioBufferStarted()
		}
	case EventOutputAudioBufferStopped:
		if r.h.OnOutputAudioBufferStopped != nil {
			r.h.OnOutputAudioBufferStopped()
		}
	case EventUserTranscriptionCompleted:
		if r.h.OnUserTranscriptionCompleted != nil {
			r.h.OnUserTranscriptionCompleted(frame)
		}
	case EventFunctionCallArgumentsDone:
		if r.h.OnFunctionCallArgumentsDone != nil {
			r.h.OnFunctionCallArgumentsDone(frame)
		}
	case EventResponseDone, EventSessionUpdated:
		if _, hasUsage := frame["usage"]; hasUsage && r.h.OnUsage != nil {
			r.h.OnUsage(frame)
		}
	}
}

// normalize assigns a local-clock timestamp if the frame is missing one,
// and trims+relabels response.audio_transcript.done's transcript field
// per spec.md §4.6.
func normalize(frame map[string]any) {
	if _, ok := frame["timestamp"]; !ok {
		frame["timestamp"] = time.Now().UnixMilli()
	}
	eventType, _ := frame["type"].(string)
	if eventType == "response.audio_transcript.done" {
		if transcript, ok := frame["transcript"].(string); ok {
			frame["transcript"] = strings.TrimSpace(transcript)
		}
		frame["speaker"] = "ai"
	}
}
