// Package ptt implements the Push-To-Talk Orchestrator (C4): the press
// and release state machine gating when the microphone track is armed,
// including the first-press "connect only" flow, touch-event
// coalescing, and trailing-edge release buffering.
package ptt

import (
	"sync"
	"time"
)

type DeviceType int

const (
	DeviceDesktop DeviceType = iota
	DeviceMobile
)

type State int

const (
	StateIdle State = iota
	StateConnectingOnly
	StateActive
	StateReleasePending
)

// Config holds the timing constants spec.md §4.4 names literally.
type Config struct {
	FirstPressConnectingWindow time.Duration
	ReleaseBufferDesktop       time.Duration
	ReleaseBufferMobile        time.Duration
	TouchDebounce              time.Duration
	DataChannelOpenTimeout     time.Duration
}

// PressOutcome is what the caller should do in response to a press.
type PressOutcome int

const (
	PressIgnored PressOutcome = iota
	PressShowConnectingOverlay
	PressShowLimitOverlay
	PressMicEnabled
	PressDataChannelTimedOut
)

// PressResult carries the outcome plus any reason string (e.g. the
// limit-exceeded reason from the ledger's CanMakeRequest).
type PressResult struct {
	Outcome PressOutcome
	Reason  string
}

// LimitChecker mirrors ledger.Manager.CanMakeRequest without importing
// the ledger package, keeping C4 decoupled from C1's storage concerns.
type LimitChecker func() (allowed bool, reason string)

// DataChannelWaiter mirrors transport.Connection.WaitForDataChannelOpen.
type DataChannelWaiter func(timeout time.Duration) bool

// Machine is one session's PTT state. It is not safe to share across
// sessions; orchestrator.New constructs one per Session.
type Machine struct {
	cfg Config

	mu                     sync.Mutex
	state                  State
	isFirstConnectionPress bool
	isMicActive            bool
	lastTouchStart         time.Time
	releaseTimer           *time.Timer
	releaseGeneration      int
}

func NewMachine(cfg Config) *Machine {
	if cfg.FirstPressConnectingWindow <= 0 {
		cfg.FirstPressConnectingWindow = 1200 * time.Millisecond
	}
	if cfg.ReleaseBufferDesktop <= 0 {
		cfg.ReleaseBufferDesktop = 500 * time.Millisecond
	}
	if cfg.ReleaseBufferMobile <= 0 {
		cfg.ReleaseBufferMobile = 1000 * time.Millisecond
	}
	if cfg.TouchDebounce <= 0 {
		cfg.TouchDebounce = 100 * time.Millisecond
	}
	if cfg.DataChannelOpenTimeout <= 0 {
		cfg.DataChannelOpenTimeout = 5 * time.Second
	}
	return &Machine{cfg: cfg, isFirstConnectionPress: true}
}

// ShouldCoalesceTouchStart reports whether a touchstart arriving at now
// should be dropped because it falls within TouchDebounce of the
// previous one. It updates the internal clock as a side effect, so call
// it at most once per physical touchstart event.
func (m *Machine) ShouldCoalesceTouchStart(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastTouchStart.IsZero() && now.Sub(m.lastTouchStart) < m.cfg.TouchDebounce {
		return true
	}
	m.lastTouchStart = now
	return false
}

// ShouldConsumeTouchMove reports whether a touchmove should be swallowed
// to suppress page scrolling: true while a connect-only or active press
// is in progress; false once the release buffer has started, even though
// the mic stays live until it elapses.
func (m *Machine) ShouldConsumeTouchMove() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnectingOnly || m.state == StateActive
}

// Press runs the three-step press algorithm from spec.md §4.4. wait and
// checkLimit may be nil only for the first-connection-press path, which
// neither checks the ledger nor blocks on the data channel.
func (m *Machine) Press(checkLimit LimitChecker, wait DataChannelWaiter) PressResult {
	m.mu.Lock()
	m.cancelReleaseTimerLocked()

	if m.isFirstConnectionPress {
		m.state = StateConnectingOnly
		m.isFirstConnectionPress = false
		m.mu.Unlock()
		return PressResult{Outcome: PressShowConnectingOverlay}
	}
	m.mu.Unlock()

	if checkLimit != nil {
		if allowed, reason := checkLimit(); !allowed {
			return PressResult{Outcome: PressShowLimitOverlay, Reason: reason}
		}
	}

	if wait != nil && !wait(m.cfg.DataChannelOpenTimeout) {
		return PressResult{Outcome: PressDataChannelTimedOut}
	}

	m.mu.Lock()
	m.state = StateActive
	m.isMicActive = true
	m.mu.Unlock()
	return PressResult{Outcome: PressMicEnabled}
}

// Release runs the trailing-edge release algorithm: if the mic is live,
// disableMic fires after the device-appropriate buffer unless a new
// Press cancels it first. touchcancel, touchend, and mouseup all funnel
// through this same entrypoint.
func (m *Machine) Release(device DeviceType, disableMic func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isMicActive {
		if m.state == StateConnectingOnly {
			m.state = StateIdle
		}
		return
	}

	buffer := m.cfg.ReleaseBufferDesktop
	if device == DeviceMobile {
		buffer = m.cfg.ReleaseBufferMobile
	}

	m.state = StateReleasePending
	m.releaseGeneration++
	gen := m.releaseGeneration
	m.releaseTimer = time.AfterFunc(buffer, func() {
		m.mu.Lock()
		if m.releaseGeneration != gen {
			m.mu.Unlock()
			return
		}
		m.isMicActive = false
		m.state = StateIdle
		m.mu.Unlock()
		if disableMic != nil {
			disableMic()
		}
	})
}

// cancelReleaseTimerLocked must be called with mu held.
func (m *Machine) cancelReleaseTimerLocked() {
	if m.releaseTimer != nil {
		m.releaseTimer.Stop()
		m.releaseTimer = nil
	}
	m.releaseGeneration++
}

func (m *Machine) IsMicActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isMicActive
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
