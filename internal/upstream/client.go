// Package upstream holds the Session Gateway's HTTP clients to the
// upstream realtime-conversation, transcription, knowledge-search, and
// completion services. Every call carries a context-bound timeout and
// classifies the upstream response into a small error taxonomy the
// gateway handlers map directly onto HTTP status codes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// StatusError carries an upstream HTTP status so the gateway can map it
// onto its own response without re-parsing the underlying error text.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

var (
	ErrTimeout             = errors.New("upstream: request timed out")
	ErrMissingClientSecret = errors.New("upstream: response missing client_secret.value")
	ErrMissingAPIKey       = errors.New("upstream: API key not configured")
)

// Client is the Gateway's sole collaborator for every upstream HTTP call.
type Client struct {
	apiKey           string
	httpClient       *http.Client
	realtimeURL      string
	transcriptionURL string
	searchURL        string
	completionURL    string
}

type Option func(*Client)

func WithRealtimeURL(url string) Option      { return func(c *Client) { c.realtimeURL = url } }
func WithTranscriptionURL(url string) Option { return func(c *Client) { c.transcriptionURL = url } }
func WithSearchURL(url string) Option        { return func(c *Client) { c.searchURL = url } }
func WithCompletionURL(url string) Option    { return func(c *Client) { c.completionURL = url } }

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:           strings.TrimSpace(apiKey),
		httpClient:       &http.Client{},
		realtimeURL:      "https://api.openai.com/v1/realtime/sessions",
		transcriptionURL: "https://api.openai.com/v1/audio/transcriptions",
		searchURL:        "https://api.openai.com/v1/knowledge/search",
		completionURL:    "https://api.openai.com/v1/chat/completions",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RealtimeSession is the upstream response to a credential-issuance call,
// merged with tokenUsage by the gateway before it reaches the client.
type RealtimeSession struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
	Raw map[string]any `json:"-"`
}

// CreateRealtimeSession mints an ephemeral credential. Status-code mapping
// is performed here so the gateway handler only has to branch on the
// returned error's concrete type.
func (c *Client) CreateRealtimeSession(ctx context.Context, model, voice string) (RealtimeSession, error) {
	if c.apiKey == "" {
		return RealtimeSession{}, ErrMissingAPIKey
	}

	payload, err := json.Marshal(map[string]string{"model": model, "voice": voice})
	if err != nil {
		return RealtimeSession{}, fmt.Errorf("marshal realtime session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.realtimeURL, bytes.NewReader(payload))
	if err != nil {
		return RealtimeSession{}, fmt.Errorf("create realtime session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return RealtimeSession{}, ErrTimeout
		}
		return RealtimeSession{}, fmt.Errorf("realtime session request: %w", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)

	switch res.StatusCode {
	case http.StatusUnauthorized:
		return RealtimeSession{}, &StatusError{Status: http.StatusUnauthorized, Message: "Invalid API key"}
	case http.StatusForbidden:
		return RealtimeSession{}, &StatusError{Status: http.StatusForbidden, Message: "no access"}
	case http.StatusNotFound:
		return RealtimeSession{}, &StatusError{Status: http.StatusNotFound, Message: "endpoint not found"}
	case http.StatusTooManyRequests:
		return RealtimeSession{}, &StatusError{Status: http.StatusTooManyRequests, Message: "rate limit"}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return RealtimeSession{}, &StatusError{Status: res.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return RealtimeSession{}, fmt.Errorf("decode realtime session response: %w", err)
	}
	var sess RealtimeSession
	if err := json.Unmarshal(body, &sess); err != nil {
		return RealtimeSession{}, fmt.Errorf("decode realtime session response: %w", err)
	}
	sess.Raw = raw
	if strings.TrimSpace(sess.ClientSecret.Value) == "" {
		return RealtimeSession{}, ErrMissingClientSecret
	}
	return sess, nil
}

// WordTiming is one word-level timing span from the transcription service.
type WordTiming struct {
	Word     string  `json:"word"`
	StartSec float64 `json:"start"`
	EndSec   float64 `json:"end"`
}

// Transcription is the Gateway's mapped transcription response.
type Transcription struct {
	Words    []WordTiming `json:"words"`
	FullText string       `json:"fullText"`
}

// Transcribe forwards a recorded audio payload as a multipart request with
// response_format=verbose_json and word-level timestamp granularity, and
// maps the upstream {words,text} shape onto {words,fullText}.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (Transcription, error) {
	if c.apiKey == "" {
		return Transcription{}, ErrMissingAPIKey
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return Transcription{}, fmt.Errorf("create multipart file field: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return Transcription{}, fmt.Errorf("copy audio payload: %w", err)
	}
	_ = mw.WriteField("model", "whisper-1")
	_ = mw.WriteField("response_format", "verbose_json")
	_ = mw.WriteField("timestamp_granularities[]", "word")
	if err := mw.Close(); err != nil {
		return Transcription{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.transcriptionURL, &buf)
	if err != nil {
		return Transcription{}, fmt.Errorf("create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Transcription{}, ErrTimeout
		}
		return Transcription{}, fmt.Errorf("transcription request: %w", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Transcription{}, &StatusError{Status: res.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var decoded struct {
		Text  string `json:"text"`
		Words []struct {
			Word  string  `json:"word"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"words"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Transcription{}, fmt.Errorf("decode transcription response: %w", err)
	}

	out := Transcription{FullText: decoded.Text, Words: make([]WordTiming, 0, len(decoded.Words))}
	for _, w := range decoded.Words {
		out.Words = append(out.Words, WordTiming{Word: w.Word, StartSec: w.Start, EndSec: w.End})
	}
	return out, nil
}

// SearchRequest is the knowledge-search proxy's validated, normalized
// request shape.
type SearchRequest struct {
	QueryOriginal string `json:"query_original"`
	QueryEn       string `json:"query_en"`
	Language      string `json:"language,omitempty"`
	TopK          int    `json:"top_k"`
}

// SearchKnowledge forwards a search request and passes the upstream
// response through unparsed (the gateway passes it to the client
// unmodified per §4.2).
func (c *Client) SearchKnowledge(ctx context.Context, req SearchRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.searchURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &StatusError{Status: res.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return json.RawMessage(body), nil
}

// VerifyRequest is the correction-verify proxy's validated request shape.
type VerifyRequest struct {
	CorrectionID        string `json:"correction_id,omitempty"`
	Original            string `json:"original"`
	Corrected           string `json:"corrected"`
	CorrectionType      string `json:"correction_type"`
	LearnerLevel        string `json:"learner_level,omitempty"`
	ConversationContext string `json:"conversation_context,omitempty"`
}

// VerifyResult is the parsed completion-service response for a correction
// verification call.
type VerifyResult struct {
	Mistake     string  `json:"mistake"`
	Correction  string  `json:"correction"`
	Rule        string  `json:"rule"`
	Category    string  `json:"category"`
	Confidence  float64 `json:"confidence"`
	IsAmbiguous bool    `json:"is_ambiguous"`
	Model       string  `json:"model"`
}

// VerifyCorrection invokes an upstream completion in JSON-object response
// mode and parses the result, clamping confidence to [0,1] and deriving
// is_ambiguous when the upstream omits it. No JSON schema is sent, so the
// fields are not enforced upstream; missing ones decode as zero values.
func (c *Client) VerifyCorrection(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if c.apiKey == "" {
		return VerifyResult{}, ErrMissingAPIKey
	}

	body := map[string]any{
		"model": "gpt-4o-mini",
		"messages": []map[string]string{
			{"role": "system", "content": "You verify language-learning corrections and respond with strict JSON."},
			{"role": "user", "content": fmt.Sprintf("original=%q corrected=%q type=%q", req.Original, req.Corrected, req.CorrectionType)},
		},
		"response_format": map[string]any{"type": "json_object"},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("marshal verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionURL, bytes.NewReader(payload))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("create verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return VerifyResult{}, ErrTimeout
		}
		return VerifyResult{}, fmt.Errorf("verify request: %w", err)
	}
	defer res.Body.Close()

	respBody, _ := io.ReadAll(res.Body)
	if res.StatusCode == http.StatusTooManyRequests {
		return VerifyResult{}, &StatusError{Status: http.StatusTooManyRequests, Message: "rate limit"}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return VerifyResult{}, &StatusError{Status: res.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var wrapped struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(respBody, &wrapped); err != nil {
		return VerifyResult{}, fmt.Errorf("decode verify response: %w", err)
	}
	if len(wrapped.Choices) == 0 {
		return VerifyResult{}, errors.New("upstream: verify response had no choices")
	}

	var parsed struct {
		Mistake     string   `json:"mistake"`
		Correction  string   `json:"correction"`
		Rule        string   `json:"rule"`
		Category    string   `json:"category"`
		Confidence  *float64 `json:"confidence"`
		IsAmbiguous *bool    `json:"is_ambiguous"`
	}
	if err := json.Unmarshal([]byte(wrapped.Choices[0].Message.Content), &parsed); err != nil {
		return VerifyResult{}, fmt.Errorf("decode verify content: %w", err)
	}

	confidence := 0.0
	if parsed.Confidence != nil {
		confidence = clamp01(*parsed.Confidence)
	}
	isAmbiguous := confidence < 0.6
	if parsed.IsAmbiguous != nil {
		isAmbiguous = *parsed.IsAmbiguous
	}

	return VerifyResult{
		Mistake:     parsed.Mistake,
		Correction:  parsed.Correction,
		Rule:        parsed.Rule,
		Category:    parsed.Category,
		Confidence:  confidence,
		IsAmbiguous: isAmbiguous,
		Model:       wrapped.Model,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NewTimeoutContext wraps ctx with the default upstream call budget,
// returning the derived context and its cancel func for a defer on every
// exit path.
func NewTimeoutContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
