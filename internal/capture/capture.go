// Package capture implements Utterance Capture & Transcript Binding
// (C7): scoped acquisition of a recording resource with guaranteed
// release, a finalize step that round-trips through the Gateway's
// /transcribe proxy, and the user-transcription-completed flow with its
// idempotency guard against duplicate renders across event fan-out.
package capture

import (
	"context"
	"strings"
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

type WordTiming struct {
	Word     string  `json:"word"`
	StartSec float64 `json:"startSec"`
	EndSec   float64 `json:"endSec"`
}

// UtteranceRecord is created when a capture segment finishes and is
// mutated exactly once, by its transcription round-trip.
type UtteranceRecord struct {
	ID          string       `json:"id"`
	Speaker     Speaker      `json:"speaker"`
	TimestampMs int64        `json:"timestampMs"`
	Text        string       `json:"text"`
	AudioRef    string       `json:"audioRef,omitempty"`
	WordTimings []WordTiming `json:"wordTimings,omitempty"`
	FullText    string       `json:"fullText,omitempty"`
}

// RecordingResource abstracts the platform-level microphone/output
// recorder. Stop must be idempotent-safe to call at most once; Capture
// enforces that with its own released flag.
type RecordingResource interface {
	Stop() (audio []byte, filename string, err error)
}

// Transcriber mirrors upstream.Client.Transcribe without importing the
// upstream package, so capture stays usable from both gateway-adjacent
// and orchestrator-only tests.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio []byte) ([]WordTiming, string, error)
}

// Capture is one scoped recording acquisition. Release is guaranteed to
// run exactly once, whether Finalize succeeds, errors, or is never
// called at all (the caller must still invoke Release in that case).
type Capture struct {
	speaker   Speaker
	resource  RecordingResource
	startedAt time.Time

	mu       sync.Mutex
	released bool
}

func Acquire(speaker Speaker, resource RecordingResource) *Capture {
	return &Capture{speaker: speaker, resource: resource, startedAt: time.Now()}
}

// Release stops the underlying resource without transcribing it, for
// callers abandoning a capture (e.g. replaced by a newer press). Safe to
// call more than once or after Finalize already stopped the resource.
func (c *Capture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	_, _, _ = c.resource.Stop()
}

// Finalize stops the recording resource and runs the transcription
// round-trip, guaranteeing the resource is stopped even if Stop or
// Transcribe fails. Per spec.md §4.7's failure handling, a transcription
// error keeps the utterance with empty WordTimings and
// FullText=fallbackText rather than discarding it.
func (c *Capture) Finalize(ctx context.Context, id string, transcriber Transcriber, fallbackText string) (*UtteranceRecord, error) {
	c.mu.Lock()
	alreadyReleased := c.released
	c.released = true
	c.mu.Unlock()

	rec := &UtteranceRecord{
		ID:          id,
		Speaker:     c.speaker,
		TimestampMs: time.Now().UnixMilli(),
		Text:        fallbackText,
		FullText:    fallbackText,
	}
	if alreadyReleased {
		return rec, nil
	}

	audio, filename, err := c.resource.Stop()
	if err != nil {
		return rec, err
	}
	if transcriber == nil || len(audio) == 0 {
		return rec, nil
	}

	words, fullText, err := transcriber.Transcribe(ctx, filename, audio)
	if err != nil {
		return rec, nil
	}
	rec.WordTimings = words
	rec.FullText = fullText
	return rec, nil
}

// Deduper enforces the idempotency rule from spec.md §4.7 step 3:
// (deviceType, speaker, first-20-chars) seen within the recency window
// is treated as a duplicate render and dropped.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Deduper{seen: make(map[string]time.Time), ttl: ttl}
}

func (d *Deduper) SeenRecently(deviceType string, speaker Speaker, text string, now time.Time) bool {
	key := deviceType + "|" + string(speaker) + "|" + first20(text)

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

func first20(s string) string {
	if len(s) <= 20 {
		return s
	}
	return s[:20]
}

// SplitWords whitespace-splits text into render tokens, one per
// transcript.word event per spec.md §4.7 step 1.
func SplitWords(text string) []string {
	return strings.Fields(text)
}

// PendingResolution is which of the three branches HandleUserTranscription
// took, mostly useful for tests and telemetry.
type PendingResolution int

const (
	ResolvedAlready PendingResolution = iota
	ResolvedFromCapture
	ResolvedFallback
)

// Manager tracks the single in-flight user capture for one session.
// Only one user utterance is ever being recorded at a time, so a single
// optional slot (rather than a keyed map) matches the actual concurrency
// the orchestrator exhibits.
type Manager struct {
	mu             sync.Mutex
	activeCapture  *Capture
	resolvedRecord *UtteranceRecord
	deduper        *Deduper
}

func NewManager(dedupeWindow time.Duration) *Manager {
	return &Manager{deduper: NewDeduper(dedupeWindow)}
}

// SetActiveCapture registers the capture started for the current user
// utterance, replacing (without releasing) any prior one. The caller is
// responsible for releasing a capture it abandons.
func (m *Manager) SetActiveCapture(c *Capture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeCapture = c
}

// SetResolvedRecord is used when a capture was already finalized (e.g.
// by an interrupt tie-break) before the transcription-completed event
// for it arrives.
func (m *Manager) SetResolvedRecord(rec *UtteranceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvedRecord = rec
}

type UserTranscriptionHandlers struct {
	EmitWord     func(word string, speaker Speaker, deviceType string)
	EstimateText func(text string)
	Transcriber  Transcriber
}

// HandleUserTranscriptionCompleted implements the full flow from
// spec.md §4.7: trim, emit per-word render events, feed C8 an estimate,
// and resolve the pending record via whichever of the three branches
// applies. Every branch sets FullText to the trimmed transcript, except
// that an active capture whose transcription succeeds takes the
// transcription's text and WordTimings instead; the other branches carry
// no WordTimings. deviceType is used for dedup and word events but is not
// stored on the record.
func (m *Manager) HandleUserTranscriptionCompleted(ctx context.Context, id, rawTranscript, deviceType string, now time.Time, h UserTranscriptionHandlers) (*UtteranceRecord, PendingResolution, error) {
	text := strings.TrimSpace(rawTranscript)

	if m.deduper.SeenRecently(deviceType, SpeakerUser, text, now) {
		return nil, ResolvedFallback, nil
	}

	if h.EmitWord != nil {
		for _, w := range SplitWords(text) {
			h.EmitWord(w, SpeakerUser, deviceType)
		}
	}
	if h.EstimateText != nil {
		h.EstimateText(text)
	}

	m.mu.Lock()
	resolved := m.resolvedRecord
	m.resolvedRecord = nil
	active := m.activeCapture
	m.activeCapture = nil
	m.mu.Unlock()

	if resolved != nil {
		resolved.FullText = text
		return resolved, ResolvedAlready, nil
	}

	if active != nil {
		rec, err := active.Finalize(ctx, id, h.Transcriber, text)
		return rec, ResolvedFromCapture, err
	}

	rec := &UtteranceRecord{
		ID:          id,
		Speaker:     SpeakerUser,
		TimestampMs: now.UnixMilli(),
		Text:        text,
		FullText:    text,
	}
	return rec, ResolvedFallback, nil
}
