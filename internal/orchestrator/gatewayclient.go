package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/tinge-app/tinge-session-core/internal/capture"
	"github.com/tinge-app/tinge-session-core/internal/ledger"
	"github.com/tinge-app/tinge-session-core/internal/observability"
	"github.com/tinge-app/tinge-session-core/internal/reliability"
	"github.com/tinge-app/tinge-session-core/internal/tools"
)

const (
	maxGatewayAttempts = 3
	retryBaseDelay     = 200 * time.Millisecond
	retryCapDelay      = 2 * time.Second
)

// GatewayClient is the HTTP boundary named in spec.md §2's data-flow
// sentence: "HTTP calls from C7/C9/C8 terminate at C2". It implements
// capture.Transcriber, tools.KnowledgeSearcher, tools.CorrectionVerifier,
// usagetracker.EstimateSender/ActualSender, and a ptt.LimitChecker, all
// as thin wrappers over the Gateway's REST surface.
type GatewayClient struct {
	baseURL string
	key     string
	http    *http.Client
	metrics *observability.Metrics
}

func NewGatewayClient(baseURL, credentialKey string) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		key:     credentialKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetMetrics attaches the process's metrics registry; nil is safe and
// leaves every observation a no-op.
func (g *GatewayClient) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

func (g *GatewayClient) post(ctx context.Context, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	return g.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, path, out)
}

func (g *GatewayClient) get(ctx context.Context, path string, out any) error {
	return g.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	}, path, out)
}

// doWithRetry retries a Gateway call on the retryable status codes
// reliability.IsRetryableHTTPStatus names, backing off per
// reliability.ExponentialBackoff between attempts.
func (g *GatewayClient) doWithRetry(ctx context.Context, build func() (*http.Request, error), path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxGatewayAttempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, retryBaseDelay, retryCapDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := build()
		if err != nil {
			return err
		}
		resp, err := g.http.Do(req)
		if err != nil {
			lastErr = err
			g.metrics.ObserveProviderError("gateway", "network")
			continue
		}

		if resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("gateway %s returned %d: %s", path, resp.StatusCode, respBody)
			g.metrics.ObserveProviderError("gateway", strconv.Itoa(resp.StatusCode))
			if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				continue
			}
			return lastErr
		}

		if out == nil {
			resp.Body.Close()
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		return err
	}
	return lastErr
}

// Transcribe satisfies capture.Transcriber via a multipart POST to
// /transcribe.
func (g *GatewayClient) Transcribe(ctx context.Context, filename string, audio []byte) ([]capture.WordTiming, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/transcribe", &buf)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("transcribe returned %d: %s", resp.StatusCode, payload)
	}

	var out struct {
		FullText string `json:"fullText"`
		Words    []struct {
			Word     string  `json:"word"`
			StartSec float64 `json:"start"`
			EndSec   float64 `json:"end"`
		} `json:"words"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", err
	}
	words := make([]capture.WordTiming, len(out.Words))
	for i, w := range out.Words {
		words[i] = capture.WordTiming{Word: w.Word, StartSec: w.StartSec, EndSec: w.EndSec}
	}
	return words, out.FullText, nil
}

// SearchKnowledge satisfies tools.KnowledgeSearcher via /knowledge/search.
func (g *GatewayClient) SearchKnowledge(ctx context.Context, req tools.SearchArgs) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/knowledge/search", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("knowledge search returned %d: %s", resp.StatusCode, raw)
	}
	return raw, nil
}

// VerifyCorrection satisfies tools.CorrectionVerifier via
// /correction/verify.
func (g *GatewayClient) VerifyCorrection(ctx context.Context, req tools.VerifyArgs) (tools.VerifyResult, error) {
	var out tools.VerifyResult
	body := map[string]string{
		"original":             req.Original,
		"corrected":            req.Corrected,
		"correction_type":      req.CorrectionType,
		"conversation_context": req.ConversationContext,
	}
	err := g.post(ctx, "/correction/verify", body, &out)
	return out, err
}

// SendEstimate satisfies usagetracker.EstimateSender via
// /token-usage/{key}/estimate.
func (g *GatewayClient) SendEstimate(ctx context.Context, text string, audioSeconds float64) error {
	body := map[string]any{"text": text, "audioDuration": audioSeconds}
	return g.post(ctx, "/token-usage/"+g.key+"/estimate", body, nil)
}

// SendActual satisfies usagetracker.ActualSender via
// /token-usage/{key}/actual.
func (g *GatewayClient) SendActual(ctx context.Context, report ledger.UsageReport) error {
	return g.post(ctx, "/token-usage/"+g.key+"/actual", report, nil)
}

// CheckLimit satisfies ptt.LimitChecker by reading the current ledger
// entry for this session's credential.
func (g *GatewayClient) CheckLimit() (bool, string) {
	var entry ledger.Entry
	if err := g.get(context.Background(), "/token-usage/"+g.key, &entry); err != nil {
		return true, ""
	}
	if entry.IsAtLimit() {
		return false, "token limit reached (" + strconv.FormatUint(entry.CurrentTokens(), 10) + "/" + strconv.FormatUint(entry.Limit, 10) + ")"
	}
	return true, ""
}
