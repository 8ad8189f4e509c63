// Package orchestrator wires C3-C12 together into the single-threaded
// cooperative session described in spec.md §5: one Session instance per
// connected client, reading frames off the transport's event channel,
// routing them through the turn state machine and into capture, tools,
// citation, correction, and bubble rendering. It generalizes
// voice.Orchestrator.RunConnection's per-connection wiring shape (one
// goroutine per inbound channel, collaborators reached through
// closures) to this system's collaborator set.
package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/tinge-app/tinge-session-core/internal/audio"
	"github.com/tinge-app/tinge-session-core/internal/bubbles"
	"github.com/tinge-app/tinge-session-core/internal/capture"
	"github.com/tinge-app/tinge-session-core/internal/citation"
	"github.com/tinge-app/tinge-session-core/internal/correction"
	"github.com/tinge-app/tinge-session-core/internal/eventrouter"
	"github.com/tinge-app/tinge-session-core/internal/ledger"
	"github.com/tinge-app/tinge-session-core/internal/observability"
	"github.com/tinge-app/tinge-session-core/internal/ptt"
	"github.com/tinge-app/tinge-session-core/internal/tools"
	"github.com/tinge-app/tinge-session-core/internal/transport"
	"github.com/tinge-app/tinge-session-core/internal/turnstate"
	"github.com/tinge-app/tinge-session-core/internal/usagetracker"
)

// FrameSource is the inbound half of the transport connection this
// session reads from; transport.Connection satisfies it.
type FrameSource interface {
	Events() <-chan map[string]any
	RemoteAudio() <-chan transport.AudioChunk
}

// FrameSink is the outbound half; transport.Connection satisfies it.
type FrameSink interface {
	Send(v any) error
}

// Dependencies' two bare func fields (OnClientEvent, CheckLimit) are
// left as unnamed func types rather than given their own named type:
// that keeps them assignable straight into tools.EventEmitter and
// ptt.LimitChecker without a conversion at every call site.
type Dependencies struct {
	PTTConfig        ptt.Config
	TurnDrainTimeout time.Duration
	DedupeWindow     time.Duration
	UsageDebounce    time.Duration

	Profiles         tools.ProfileStore
	SearchKnowledge  tools.KnowledgeSearcher
	VerifyCorrection tools.CorrectionVerifier
	SendEstimate     usagetracker.EstimateSender
	SendActual       usagetracker.ActualSender
	CheckLimit       func() (allowed bool, reason string)
	Transcriber      capture.Transcriber

	// Registry is shared across every session in the process: display
	// indexes are process-lifetime, not per-session, per spec.md §4.10.
	Registry *citation.Registry

	// Metrics is shared across every session in the process, mirroring
	// the single Prometheus registry per binary. Nil disables
	// observation without requiring a test double.
	Metrics *observability.Metrics

	OnClientEvent func(eventType string, payload map[string]any)
}

// pcmAccumulator is the minimal capture.RecordingResource for the
// assistant's audio: the orchestrator itself is the only writer, fed
// from the transport's remote-audio channel while a capture is active.
type pcmAccumulator struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (p *pcmAccumulator) write(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte{}, b...)
	p.chunks = append(p.chunks, cp)
}

// realtimeSampleRateHz is the PCM16 sample rate the upstream realtime
// service streams at.
const realtimeSampleRateHz = 24000

func (p *pcmAccumulator) Stop() ([]byte, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, c := range p.chunks {
		total += len(c)
	}
	pcm := make([]byte, 0, total)
	for _, c := range p.chunks {
		pcm = append(pcm, c...)
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, realtimeSampleRateHz)
	if err != nil {
		return pcm, "assistant-audio.pcm", err
	}
	return wav, "assistant-audio.wav", nil
}

// Session is one connected client's full coordination state.
type Session struct {
	deps   Dependencies
	sink   FrameSink
	router *eventrouter.Router

	PTT         *ptt.Machine
	Turns       *turnstate.Machine
	Captures    *capture.Manager
	Usage       *usagetracker.Tracker
	Tools       *tools.Registry
	Citation    *citation.Coordinator
	Corrections *correction.Manager
	Bubbles     *bubbles.Manager

	mu              sync.Mutex
	aiRecorder      *pcmAccumulator
	aiCapture       *capture.Capture
	aiBubble        *bubbles.Bubble
	aiActive        bool
	turnCommittedAt time.Time
}

func New(sink FrameSink, deps Dependencies) *Session {
	if deps.TurnDrainTimeout <= 0 {
		deps.TurnDrainTimeout = turnstate.DefaultDrainTimeout
	}
	if deps.Registry == nil {
		deps.Registry = citation.NewRegistry()
	}
	if deps.OnClientEvent == nil {
		deps.OnClientEvent = func(string, map[string]any) {}
	}

	citationCoordinator := citation.NewCoordinator(deps.Registry)
	correctionManager := correction.NewManager()

	s := &Session{
		deps:        deps,
		sink:        sink,
		PTT:         ptt.NewMachine(deps.PTTConfig),
		Captures:    capture.NewManager(deps.DedupeWindow),
		Tools:       tools.New(deps.Profiles, deps.SearchKnowledge, deps.VerifyCorrection, citationCoordinator, correctionManager, deps.Metrics, deps.OnClientEvent),
		Citation:    citationCoordinator,
		Corrections: correctionManager,
		Bubbles:     bubbles.NewManager(),
		Usage:       usagetracker.New(deps.UsageDebounce, deps.SendEstimate, deps.SendActual),
	}
	s.Turns = turnstate.NewMachine(deps.TurnDrainTimeout, func() {
		s.deps.OnClientEvent("assistant.turn.idle", nil)
	})
	s.router = eventrouter.New(eventrouter.Handlers{
		Gate:                         s.Turns.Gate,
		Advance:                      s.Turns.Advance,
		OnAudioTranscriptDelta:       s.onAudioTranscriptDelta,
		OnOutputAudioBufferStarted:   s.onAssistantAudioStarted,
		OnOutputAudioBufferStopped:   s.onAssistantAudioStopped,
		OnUserTranscriptionCompleted: s.onUserTranscriptionCompleted,
		OnFunctionCallArgumentsDone:  s.onFunctionCallArgumentsDone,
		OnUsage:                      s.onUsageFrame,
	})
	return s
}

// Run reads frames and remote audio off source until ctx is cancelled or
// the channels close.
func (s *Session) Run(ctx context.Context, source FrameSource) {
	events := source.Events()
	audio := source.RemoteAudio()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-events:
			if !ok {
				return
			}
			s.router.Dispatch(frame)
		case chunk, ok := <-audio:
			if !ok {
				return
			}
			s.mu.Lock()
			rec := s.aiRecorder
			active := s.aiActive
			s.mu.Unlock()
			if active && rec != nil {
				rec.write(chunk.Data)
			}
		}
	}
}

func (s *Session) onAudioTranscriptDelta(delta string, offsetMs int64) {
	s.ensureAICaptureStarted()

	remapped := s.Citation.StreamingDelta(delta)
	words := s.Bubbles.AppendDelta(bubbles.SpeakerAI, delta)
	for _, w := range words {
		s.deps.OnClientEvent("transcript.word", map[string]any{
			"word": w, "speaker": "ai", "offsetMs": offsetMs,
		})
	}
	s.Usage.AddText(delta)
	s.deps.OnClientEvent("assistant.transcript.delta", map[string]any{"text": remapped})
}

func (s *Session) onAssistantAudioStarted() {
	s.ensureAICaptureStarted()
}

func (s *Session) onAssistantAudioStopped() {
	s.finalizeAICapture(false)
}

// ensureAICaptureStarted opens the assistant's audio capture and
// transcript bubble the first time either a delta or a buffer-started
// frame arrives for this turn; both arrive close together and in
// either order per spec.md §5's tie-break note.
func (s *Session) ensureAICaptureStarted() {
	s.mu.Lock()
	if s.aiActive {
		s.mu.Unlock()
		return
	}
	rec := &pcmAccumulator{}
	s.aiRecorder = rec
	s.aiCapture = capture.Acquire(capture.SpeakerAI, rec)
	s.aiBubble = s.Bubbles.BeginTurn(bubbles.SpeakerAI, "desktop", time.Now())
	s.aiActive = true
	committedAt := s.turnCommittedAt
	s.mu.Unlock()

	if !committedAt.IsZero() {
		d := time.Since(committedAt)
		s.deps.Metrics.ObserveTurnStage("commit_to_assistant_start", d)
		s.deps.Metrics.ObserveFirstAudioLatency(d)
	}
}

// finalizeAICapture stops the in-progress assistant capture (if any),
// remaps its citation markers, and emits utterance.added. interrupted
// marks a barge-in finalize. The assistant's full text comes from the
// streamed bubble, not a transcription round-trip, so Finalize runs
// with a nil Transcriber and the bubble text as its fallback.
func (s *Session) finalizeAICapture(interrupted bool) {
	s.mu.Lock()
	if !s.aiActive {
		s.mu.Unlock()
		return
	}
	capturedAI := s.aiCapture
	bubble := s.aiBubble
	committedAt := s.turnCommittedAt
	s.aiActive = false
	s.aiCapture = nil
	s.aiRecorder = nil
	s.aiBubble = nil
	s.turnCommittedAt = time.Time{}
	s.mu.Unlock()

	if !interrupted && !committedAt.IsZero() {
		s.deps.Metrics.ObserveTurnStage("turn_total", time.Since(committedAt))
	}

	s.Bubbles.Finalize(bubbles.SpeakerAI)

	fullText := ""
	if bubble != nil {
		fullText = bubble.Text
	}
	rec, err := capturedAI.Finalize(context.Background(), newID(), nil, fullText)
	if err != nil || rec == nil {
		return
	}

	finalText, usedSources := s.Citation.FinalTranscript(fullText)
	rec.Text = finalText
	rec.FullText = finalText

	s.deps.Metrics.ObserveSessionEvent("utterance_added_ai")
	s.deps.OnClientEvent("utterance.added", map[string]any{
		"record":      rec,
		"sources":     usedSources,
		"interrupted": interrupted,
	})
}

// Interrupt runs C5's barge-in tie-break: if the assistant was
// recording, its capture is finalized and reported as an interrupted
// utterance; otherwise only the state changes.
func (s *Session) Interrupt() {
	s.mu.Lock()
	wasRecording := s.aiActive
	s.mu.Unlock()

	result := s.Turns.Interrupt(wasRecording)
	if result.EmitUtterance {
		s.finalizeAICapture(true)
	}
	s.deps.Metrics.ObserveSessionEvent("interrupted")
	s.deps.OnClientEvent("assistant.interrupted", nil)
}

func (s *Session) onUserTranscriptionCompleted(frame map[string]any) {
	id, _ := frame["item_id"].(string)
	transcript, _ := frame["transcript"].(string)
	deviceType, _ := frame["deviceType"].(string)

	s.mu.Lock()
	s.turnCommittedAt = time.Now()
	s.mu.Unlock()

	rec, _, err := s.Captures.HandleUserTranscriptionCompleted(context.Background(), id, transcript, deviceType, time.Now(), capture.UserTranscriptionHandlers{
		EmitWord: func(word string, speaker capture.Speaker, device string) {
			s.Bubbles.AppendWord(bubbles.Speaker(speaker), word, nil)
			s.deps.OnClientEvent("transcript.word", map[string]any{"word": word, "speaker": string(speaker), "deviceType": device})
		},
		EstimateText: s.Usage.AddText,
		Transcriber:  s.deps.Transcriber,
	})
	if err != nil || rec == nil {
		return
	}
	if !s.Bubbles.ShouldProcessUtterance(bubbles.SpeakerUser, rec.ID, rec.FullText, deviceType) {
		return
	}
	s.deps.Metrics.ObserveSessionEvent("utterance_added_user")
	s.deps.OnClientEvent("utterance.added", map[string]any{"record": rec, "deviceType": deviceType})
}

func (s *Session) onFunctionCallArgumentsDone(frame map[string]any) {
	callID, _ := frame["call_id"].(string)
	name, _ := frame["name"].(string)
	argsRaw, _ := frame["arguments"].(string)

	s.Tools.Dispatch(context.Background(), tools.CallSpec{
		CallID:    callID,
		Name:      name,
		Arguments: json.RawMessage(argsRaw),
	}, s.sink)
}

func (s *Session) onUsageFrame(frame map[string]any) {
	usageRaw, ok := frame["usage"]
	if !ok {
		return
	}
	encoded, err := json.Marshal(usageRaw)
	if err != nil {
		return
	}
	var report ledger.UsageReport
	if err := json.Unmarshal(encoded, &report); err != nil {
		return
	}
	s.Usage.UpdateActual(context.Background(), report)
}

// Press runs C4's press algorithm against this session's transport.
func (s *Session) Press(wait ptt.DataChannelWaiter) ptt.PressResult {
	checkLimit := s.deps.CheckLimit
	if checkLimit == nil {
		checkLimit = func() (bool, string) { return true, "" }
	}
	return s.PTT.Press(checkLimit, wait)
}

// Release runs C4's release algorithm, disabling disableMic after the
// device-dependent buffer elapses.
func (s *Session) Release(device ptt.DeviceType, disableMic func()) {
	s.PTT.Release(device, disableMic)
}

// BeginUserCapture registers the recording resource for the current
// user utterance, started by the caller once the mic is enabled.
func (s *Session) BeginUserCapture(resource capture.RecordingResource) {
	s.Captures.SetActiveCapture(capture.Acquire(capture.SpeakerUser, resource))
}

// SubmitCorrectionFeedback records the learner's agree/disagree reaction
// to a previously logged correction, whatever its verification status,
// and echoes it back to the client.
func (s *Session) SubmitCorrectionFeedback(correctionID, feedback string) error {
	rec, err := s.Corrections.RecordFeedback(correctionID, feedback)
	if err != nil {
		return err
	}
	s.deps.Metrics.ObserveSessionEvent("correction_feedback_recorded")
	s.deps.OnClientEvent("correction.feedback.recorded", map[string]any{
		"correction_id": rec.ID,
		"feedback":      rec.UserFeedback,
	})
	return nil
}

var idCounter struct {
	mu sync.Mutex
	n  int
}

func newID() string {
	idCounter.mu.Lock()
	defer idCounter.mu.Unlock()
	idCounter.n++
	return "utt-" + time.Now().Format("150405") + "-" + strconv.Itoa(idCounter.n)
}
