// Package bubbles implements the Bubble Manager contract (C12): one
// active transcript bubble per speaker, the word-completion feed driving
// incremental render, and the three-way dedup the registry needs to
// stay correct across redundant event paths (gateway retries, PTT
// re-press races, duplicate transcription-completed frames). The keyed,
// mutex-guarded map-of-state shape mirrors internal/ledger.Manager.
package bubbles

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// MobileDoubleCreateCooldown is spec.md §4.12's 500ms guard against a
// second bubble opening for the same speaker before the first has had a
// chance to receive content.
const MobileDoubleCreateCooldown = 500 * time.Millisecond

// WordSpan is one rendered word plus its optional click handler, as
// appended by appendWord.
type WordSpan struct {
	Word    string
	OnClick func()
}

// Bubble is one speaker's in-progress or finalized transcript bubble.
type Bubble struct {
	ID        string
	Speaker   Speaker
	Text      string // raw accumulated text, AI streaming path
	Words     []WordSpan
	Finalized bool

	emittedWordCount int
	createdAt        time.Time
}

// Manager is the Bubble Registry: most-recent active bubble per
// speaker, a processed-utterance dedup set, and a content-based dedup
// map, all scoped to one session.
type Manager struct {
	mu sync.Mutex

	nextID        int
	active        map[Speaker]*Bubble
	lastBeginAt   map[Speaker]time.Time
	finalizeTimer map[Speaker]*time.Timer
	generation    map[Speaker]int

	processed    map[string]bool
	contentDedup map[string]string
}

func NewManager() *Manager {
	return &Manager{
		active:        make(map[Speaker]*Bubble),
		lastBeginAt:   make(map[Speaker]time.Time),
		finalizeTimer: make(map[Speaker]*time.Timer),
		generation:    make(map[Speaker]int),
		processed:     make(map[string]bool),
		contentDedup:  make(map[string]string),
	}
}

// BeginTurn reuses the most-recent unfinalized bubble for speaker, or
// opens a new one. On mobile, a second call within
// MobileDoubleCreateCooldown of the last one always reuses the prior
// bubble even if it was finalized in the meantime.
func (m *Manager) BeginTurn(speaker Speaker, deviceType string, now time.Time) *Bubble {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.active[speaker]
	if existing != nil && !existing.Finalized {
		return existing
	}

	last, hasLast := m.lastBeginAt[speaker]
	if deviceType == "mobile" && hasLast && now.Sub(last) < MobileDoubleCreateCooldown && existing != nil {
		return existing
	}

	m.nextID++
	b := &Bubble{ID: idFor(speaker, m.nextID), Speaker: speaker, createdAt: now}
	m.active[speaker] = b
	m.lastBeginAt[speaker] = now
	return b
}

func idFor(speaker Speaker, n int) string {
	return string(speaker) + "-bubble-" + strconv.Itoa(n)
}

// AppendDelta appends text to speaker's active bubble. For
// SpeakerAI it returns every lexical word longer than two characters
// that completed (i.e. is no longer the trailing, possibly-partial
// word) since the previous call.
func (m *Manager) AppendDelta(speaker Speaker, text string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.active[speaker]
	if b == nil {
		return nil
	}
	b.Text += text
	if speaker != SpeakerAI {
		return nil
	}

	words := strings.Fields(b.Text)
	completeCount := len(words)
	if completeCount > 0 && !endsAtWordBoundary(b.Text) {
		completeCount--
	}
	if completeCount <= b.emittedWordCount {
		return nil
	}

	var out []string
	for _, w := range words[b.emittedWordCount:completeCount] {
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	b.emittedWordCount = completeCount
	return out
}

func endsAtWordBoundary(s string) bool {
	if s == "" {
		return true
	}
	last := s[len(s)-1]
	return last == ' ' || last == '\n' || last == '\t'
}

// AppendWord clears any placeholder state and appends one rendered word
// span to speaker's active bubble, opening one if none exists.
func (m *Manager) AppendWord(speaker Speaker, word string, onClick func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.active[speaker]
	if b == nil {
		m.nextID++
		b = &Bubble{ID: idFor(speaker, m.nextID), Speaker: speaker, createdAt: time.Now()}
		m.active[speaker] = b
	}
	b.Words = append(b.Words, WordSpan{Word: word, OnClick: onClick})
}

// ScheduleFinalize arms a trailing timer that finalizes speaker's bubble
// after delay, calling onFinalize with the leftover words. A later call
// for the same speaker replaces the pending timer.
func (m *Manager) ScheduleFinalize(speaker Speaker, delay time.Duration, onFinalize func(leftover []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t := m.finalizeTimer[speaker]; t != nil {
		t.Stop()
	}
	m.generation[speaker]++
	gen := m.generation[speaker]

	m.finalizeTimer[speaker] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.generation[speaker] != gen {
			m.mu.Unlock()
			return
		}
		leftover := m.finalizeLocked(speaker)
		m.finalizeTimer[speaker] = nil
		m.mu.Unlock()
		if onFinalize != nil {
			onFinalize(leftover)
		}
	})
}

// Finalize immediately finalizes speaker's active bubble and returns
// any words not yet surfaced by AppendDelta, cancelling any pending
// ScheduleFinalize timer.
func (m *Manager) Finalize(speaker Speaker) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.finalizeTimer[speaker]; t != nil {
		t.Stop()
		m.finalizeTimer[speaker] = nil
	}
	m.generation[speaker]++
	return m.finalizeLocked(speaker)
}

// finalizeLocked must be called with mu held.
func (m *Manager) finalizeLocked(speaker Speaker) []string {
	b := m.active[speaker]
	if b == nil || b.Finalized {
		return nil
	}
	b.Finalized = true

	if speaker != SpeakerAI {
		return nil
	}
	words := strings.Fields(b.Text)
	if b.emittedWordCount >= len(words) {
		return nil
	}
	leftover := append([]string{}, words[b.emittedWordCount:]...)
	b.emittedWordCount = len(words)
	return leftover
}

func first30(s string) string {
	if len(s) <= 30 {
		return s
	}
	return s[:30]
}

// ShouldProcessUtterance implements the three-way dedup from spec.md
// §4.12 and law L1: the first call for a given (speaker,id,deviceType)
// returns true; a repeat of any of the three dedup keys returns false.
func (m *Manager) ShouldProcessUtterance(speaker Speaker, id, text, deviceType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := string(speaker) + "|" + id
	byDeviceID := deviceType + "|" + string(speaker) + "|" + id
	byContent := string(speaker) + "|" + first30(text)

	if m.processed[byID] || m.processed[byDeviceID] || m.contentDedup[byContent] != "" {
		return false
	}

	m.processed[byID] = true
	m.processed[byDeviceID] = true
	m.contentDedup[byContent] = deviceType
	return true
}
