// Package transport implements the Transport Layer (C3): it establishes
// the realtime connection to the upstream conversation service, attaches
// a bidirectional JSON data channel, and surfaces one inbound audio
// stream. The teacher dials its realtime provider over a websocket from
// the gateway side (voice.ElevenLabsProvider); here the orchestrator
// itself is the dialing client, one connection per session.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinge-app/tinge-session-core/internal/observability"
)

// ConnState is the transport's coarse connectivity state, standing in for
// the WebRTC ICE connection-state machine spec.md §4.3 describes: Ready
// maps to ICE connected, Disconnected maps to ICE failed.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateReady
	StateDisconnected
)

// DefaultDataChannelOpenTimeout is used when the caller passes 0 to
// WaitForDataChannelOpen.
const DefaultDataChannelOpenTimeout = 5 * time.Second

// AudioChunk is one inbound PCM/opus frame surfaced on RemoteAudio.
type AudioChunk struct {
	Data      []byte
	Timestamp time.Time
}

// Connection is one realtime session's transport: a single websocket
// carrying both the JSON data-channel frames and base64-framed inbound
// audio. It dispatches every parsed event to Events() verbatim; gating,
// turn bookkeeping, and tool routing all live upstream of this package.
type Connection struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnState

	events chan map[string]any
	audio  chan AudioChunk

	openOnce     sync.Once
	openCh       chan struct{}
	closeOnce    sync.Once
	onDisconnect func()

	metrics *observability.Metrics
}

// SetMetrics attaches the process's metrics registry; nil is safe and
// leaves every observation a no-op.
func (c *Connection) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// Dial opens the websocket to url, carrying the ephemeral client secret
// as a bearer credential. It returns once the TCP/TLS handshake
// completes; the data channel is considered open only after the first
// session.created (or equivalent) frame arrives, signaled via
// WaitForDataChannelOpen.
func Dial(ctx context.Context, rawURL, clientSecret string) (*Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse url: %w", err)
	}

	headers := http.Header{}
	if strings.TrimSpace(clientSecret) != "" {
		headers.Set("Authorization", "Bearer "+clientSecret)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	c := &Connection{
		conn:   conn,
		state:  StateConnecting,
		events: make(chan map[string]any, 256),
		audio:  make(chan AudioChunk, 256),
		openCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnDisconnect registers a callback invoked exactly once when the
// connection's read loop exits, whether from a clean close or an error.
func (c *Connection) OnDisconnect(fn func()) {
	c.onDisconnect = fn
}

// WaitForDataChannelOpen blocks until the first frame arrives or timeout
// elapses (default 5s), returning whether the channel opened in time.
func (c *Connection) WaitForDataChannelOpen(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultDataChannelOpenTimeout
	}
	select {
	case <-c.openCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// State reports the current connectivity state.
func (c *Connection) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Events is the data channel's inbound event stream: every well-formed
// JSON frame the upstream sends, unfiltered.
func (c *Connection) Events() <-chan map[string]any { return c.events }

// RemoteAudio is the inbound audio stream, populated with the decoded
// bytes of the base64 "delta" field of every response.audio.* or
// output_audio_buffer.* event.
func (c *Connection) RemoteAudio() <-chan AudioChunk { return c.audio }

// Send writes one JSON frame to the data channel. Safe for concurrent use.
func (c *Connection) Send(v any) error {
	c.writeMu.Lock()
	err := c.conn.WriteJSON(v)
	c.writeMu.Unlock()

	msgType := frameType(v)
	result := "ok"
	if err != nil {
		result = "error"
		c.metrics.ObserveWSWriteError(classifyWriteError(err))
	}
	c.metrics.ObserveOutboundMessage(msgType, result)
	c.metrics.ObserveWSMessage("out", msgType)
	return err
}

// frameType reads the "type" field off an outbound frame for labeling;
// most callers pass a map[string]any built inline.
func frameType(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return "unknown"
	}
	t, _ := m["type"].(string)
	if t == "" {
		return "unknown"
	}
	return t
}

func classifyWriteError(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "closed"
	}
	return "write_failed"
}

// SendSystemPrompt sends the session's system prompt as a
// conversation.item.create with role "system", per spec.md §4.3's
// documented open sequence.
func (c *Connection) SendSystemPrompt(prompt string) error {
	return c.Send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": prompt},
			},
		},
	})
}

// SendSessionUpdate sends a session.update carrying the tool catalog and
// input transcription model, the second half of the documented open
// sequence.
func (c *Connection) SendSessionUpdate(tools []map[string]any, transcriptionModel string) error {
	return c.Send(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"tools": tools,
			"input_audio_transcription": map[string]any{
				"model": transcriptionModel,
			},
		},
	})
}

// Close tears down the underlying websocket. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) readLoop() {
	defer func() {
		c.setState(StateDisconnected)
		close(c.events)
		close(c.audio)
		if c.onDisconnect != nil {
			c.onDisconnect()
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		c.metrics.ObserveWSMessage("in", frameType(frame))

		c.openOnce.Do(func() {
			c.setState(StateReady)
			close(c.openCh)
		})

		if chunk, ok := extractAudio(frame); ok {
			select {
			case c.audio <- chunk:
			default:
			}
		}

		select {
		case c.events <- frame:
		default:
			// Drop rather than block the read loop; a slow consumer must
			// not stall the websocket's keepalive.
		}
	}
}

func extractAudio(frame map[string]any) (AudioChunk, bool) {
	eventType, _ := frame["type"].(string)
	if !strings.HasPrefix(eventType, "response.audio.") && !strings.HasPrefix(eventType, "output_audio_buffer.") {
		return AudioChunk{}, false
	}
	delta, _ := frame["delta"].(string)
	if delta == "" {
		return AudioChunk{}, false
	}
	data, err := base64.StdEncoding.DecodeString(delta)
	if err != nil || len(data) == 0 {
		return AudioChunk{}, false
	}
	return AudioChunk{Data: data, Timestamp: time.Now()}, true
}
