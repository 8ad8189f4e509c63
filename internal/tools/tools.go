// Package tools implements the Function-Call Service (C9): the four
// tools advertised in session.update, their deep-merge profile
// semantics, and the function_call_output/response.create reply
// invariant every call (success or error) must satisfy. The registry
// dispatch and per-call event emission follow the same decoupled
// function-field pattern as internal/eventrouter.Handlers, grounded on
// the same need to avoid import cycles with C7/C8/C10/C11's packages.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinge-app/tinge-session-core/internal/citation"
	"github.com/tinge-app/tinge-session-core/internal/correction"
)

// FrameSender matches transport.Connection's Send method without
// importing internal/transport.
type FrameSender interface {
	Send(v any) error
}

// EventEmitter forwards a UI-facing client event, e.g.
// tool.search_knowledge.started, per spec.md §6's client event list.
type EventEmitter func(eventType string, payload map[string]any)

// Profile is the generic learner-profile document deep-merged by
// update_user_profile. Its shape (learning_style, personal_context,
// communication_patterns, practical_usage, meta_learning, l1,
// mastery_status, session_count, last_session) is contract, not schema:
// the registry only needs to merge it, not validate its fields.
type Profile map[string]any

// ProfileStore is the read-through/write-behind profile persistence
// boundary; internal/profilestore provides the Postgres-backed
// implementation.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	SaveProfile(ctx context.Context, userID string, profile Profile) error
}

// KnowledgeSearcher forwards a validated search request to the Gateway's
// /knowledge/search proxy and returns the pass-through response body.
type KnowledgeSearcher func(ctx context.Context, req SearchArgs) (json.RawMessage, error)

// CorrectionVerifier forwards a validated verify request to the
// Gateway's /correction/verify proxy.
type CorrectionVerifier func(ctx context.Context, req VerifyArgs) (VerifyResult, error)

// CitationCoordinator is the subset of citation.Coordinator's API
// search_knowledge drives: a tool call's retrieved sources are what
// actually feeds C10's per-turn scratch state, per spec.md §4.10 steps
// 1-2.
type CitationCoordinator interface {
	ToolSearchStarted()
	ToolSearchResult(results []citation.Source, telemetry string)
}

// CorrectionTracker is the subset of correction.Manager's lifecycle API
// log_correction drives: Detect on the synchronous reply path, then
// MarkVerifying/MarkVerified/MarkFailed as the async verification
// round-trip resolves, per spec.md §4.11.
type CorrectionTracker interface {
	Detect(id, original, corrected, correctionType string) correction.Record
	MarkVerifying(id string) (correction.Record, error)
	MarkVerified(id string, outcome correction.VerifiedOutcome) (correction.Record, error)
	MarkFailed(id, errMsg string) (correction.Record, error)
}

// ToolMetrics is the subset of observability.Metrics the registry
// reports against: one dispatch-latency/outcome pair per tool call, plus
// the detect-to-resolution latency of an async correction verification.
type ToolMetrics interface {
	ObserveToolEvent(tool, outcome string)
	ObserveToolCallLatency(d time.Duration)
	ObserveCorrectionLatency(d time.Duration)
}

type SearchArgs struct {
	QueryOriginal string `json:"query_original"`
	QueryEn       string `json:"query_en,omitempty"`
	Language      string `json:"language,omitempty"`
	TopK          int    `json:"top_k,omitempty"`
}

type VerifyArgs struct {
	Original            string `json:"original"`
	Corrected           string `json:"corrected"`
	CorrectionType      string `json:"correction_type"`
	LearnerExcerpt      string `json:"learner_excerpt,omitempty"`
	AssistantExcerpt    string `json:"assistant_excerpt,omitempty"`
	ConversationContext string `json:"conversation_context,omitempty"`
}

type VerifyResult struct {
	CorrectionID string  `json:"correction_id"`
	Mistake      string  `json:"mistake"`
	Correction   string  `json:"correction"`
	Rule         string  `json:"rule"`
	Category     string  `json:"category"`
	Confidence   float64 `json:"confidence"`
	IsAmbiguous  bool    `json:"is_ambiguous"`
	Model        string  `json:"model"`
}

var validCorrectionTypes = map[string]bool{
	"grammar":        true,
	"vocabulary":     true,
	"pronunciation":  true,
	"style_register": true,
}

// Registry dispatches function_call_arguments.done frames to one of the
// four tools and always replies with function_call_output +
// response.create, per spec.md §4.9.
type Registry struct {
	profiles    ProfileStore
	search      KnowledgeSearcher
	verify      CorrectionVerifier
	citations   CitationCoordinator
	corrections CorrectionTracker
	metrics     ToolMetrics
	emit        EventEmitter
	newID       func() string
}

type noopCitationCoordinator struct{}

func (noopCitationCoordinator) ToolSearchStarted()                                     {}
func (noopCitationCoordinator) ToolSearchResult(results []citation.Source, telemetry string) {}

type noopCorrectionTracker struct{}

func (noopCorrectionTracker) Detect(id, original, corrected, correctionType string) correction.Record {
	return correction.Record{ID: id, Original: original, Corrected: corrected, CorrectionType: correctionType, Status: correction.StatusDetected}
}
func (noopCorrectionTracker) MarkVerifying(id string) (correction.Record, error) {
	return correction.Record{}, nil
}
func (noopCorrectionTracker) MarkVerified(id string, outcome correction.VerifiedOutcome) (correction.Record, error) {
	return correction.Record{}, nil
}
func (noopCorrectionTracker) MarkFailed(id, errMsg string) (correction.Record, error) {
	return correction.Record{}, nil
}

type noopToolMetrics struct{}

func (noopToolMetrics) ObserveToolEvent(tool, outcome string)    {}
func (noopToolMetrics) ObserveToolCallLatency(d time.Duration)   {}
func (noopToolMetrics) ObserveCorrectionLatency(d time.Duration) {}

func New(profiles ProfileStore, search KnowledgeSearcher, verify CorrectionVerifier, citations CitationCoordinator, corrections CorrectionTracker, metrics ToolMetrics, emit EventEmitter) *Registry {
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	if citations == nil {
		citations = noopCitationCoordinator{}
	}
	if corrections == nil {
		corrections = noopCorrectionTracker{}
	}
	if metrics == nil {
		metrics = noopToolMetrics{}
	}
	return &Registry{
		profiles:    profiles,
		search:      search,
		verify:      verify,
		citations:   citations,
		corrections: corrections,
		metrics:     metrics,
		emit:        emit,
		newID:       uuid.NewString,
	}
}

// CallSpec is one function_call_arguments.done frame's payload.
type CallSpec struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Dispatch runs the named tool and writes function_call_output +
// response.create to sender regardless of outcome. log_correction's
// verification step runs asynchronously and reports via emit rather
// than blocking the reply.
func (r *Registry) Dispatch(ctx context.Context, spec CallSpec, sender FrameSender) {
	start := time.Now()
	result, err := r.run(ctx, spec)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		result = map[string]any{"error": err.Error()}
	}
	r.metrics.ObserveToolEvent(spec.Name, outcome)
	r.metrics.ObserveToolCallLatency(time.Since(start))
	r.reply(sender, spec.CallID, result)
}

func (r *Registry) run(ctx context.Context, spec CallSpec) (any, error) {
	switch spec.Name {
	case "get_user_profile":
		return r.getUserProfile(ctx, spec.Arguments)
	case "update_user_profile":
		return r.updateUserProfile(ctx, spec.Arguments)
	case "search_knowledge":
		return r.searchKnowledge(ctx, spec.Arguments)
	case "log_correction":
		return r.logCorrection(ctx, spec.Arguments)
	default:
		return nil, fmt.Errorf("unknown tool %q", spec.Name)
	}
}

func (r *Registry) reply(sender FrameSender, callID string, result any) {
	if sender == nil {
		return
	}
	serialized, err := json.Marshal(result)
	if err != nil {
		serialized = []byte(`{"error":"failed to serialize tool result"}`)
	}
	_ = sender.Send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(serialized),
		},
	})
	_ = sender.Send(map[string]any{"type": "response.create"})
}

type getProfileArgs struct {
	UserID string `json:"user_id"`
}

func (r *Registry) getUserProfile(ctx context.Context, raw json.RawMessage) (any, error) {
	var args getProfileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode get_user_profile args: %w", err)
	}
	profile, err := r.profiles.GetProfile(ctx, args.UserID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile = Profile{}
	}
	profile["session_count"] = toInt(profile["session_count"]) + 1
	profile["last_session"] = time.Now().UTC().Format(time.RFC3339)
	if err := r.profiles.SaveProfile(ctx, args.UserID, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

type updateProfileArgs struct {
	UserID  string         `json:"user_id"`
	Updates map[string]any `json:"updates"`
}

func (r *Registry) updateUserProfile(ctx context.Context, raw json.RawMessage) (any, error) {
	var args updateProfileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode update_user_profile args: %w", err)
	}
	existing, err := r.profiles.GetProfile(ctx, args.UserID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing = Profile{}
	}
	merged := deepMerge(map[string]any(existing), args.Updates)
	if err := r.profiles.SaveProfile(ctx, args.UserID, Profile(merged)); err != nil {
		return nil, err
	}
	return Profile(merged), nil
}

func (r *Registry) searchKnowledge(ctx context.Context, raw json.RawMessage) (any, error) {
	var args SearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode search_knowledge args: %w", err)
	}
	r.emit("tool.search_knowledge.started", map[string]any{"query_original": args.QueryOriginal})
	r.citations.ToolSearchStarted()

	start := time.Now()
	data, err := r.search(ctx, args)
	durationMs := time.Since(start).Milliseconds()

	status := "ok"
	resultCount := 0
	if err != nil {
		status = "error"
	} else {
		sources := parseSources(data)
		resultCount = len(sources)
		r.citations.ToolSearchResult(sources, status)
	}
	r.emit("tool.search_knowledge.result", map[string]any{
		"data": data,
		"telemetry": map[string]any{
			"status":      status,
			"resultCount": resultCount,
			"durationMs":  durationMs,
		},
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// knowledgeResult is one upstream /knowledge/search hit, shaped per
// spec.md §3's Source Registry Entry: sourceKey is derived from url,
// title, source, and language the same way the registry keys entries.
type knowledgeResult struct {
	CitationIndex int    `json:"citation_index"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	Source        string `json:"source"`
	Language      string `json:"language"`
}

// parseSources decodes the Gateway's pass-through /knowledge/search body
// into the citation.Source list C10 indexes by citation_index. A
// malformed or empty body yields no sources rather than an error: the
// tool call itself already succeeded by this point.
func parseSources(raw json.RawMessage) []citation.Source {
	var decoded struct {
		Results []knowledgeResult `json:"results"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	out := make([]citation.Source, 0, len(decoded.Results))
	for _, res := range decoded.Results {
		out = append(out, citation.Source{
			CitationIndex: res.CitationIndex,
			Key:           sourceKey(res.URL, res.Title, res.Source, res.Language),
			Title:         res.Title,
			URL:           res.URL,
		})
	}
	return out
}

// sourceKey matches spec.md §3's Source Registry Entry derivation:
// sourceKey := lower(url)|lower(title)|lower(source)|lower(language).
func sourceKey(url, title, source, language string) string {
	parts := []string{url, title, source, language}
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, "|")
}

type logCorrectionArgs struct {
	Original            string `json:"original"`
	Corrected           string `json:"corrected"`
	CorrectionType      string `json:"correction_type"`
	LearnerExcerpt      string `json:"learner_excerpt,omitempty"`
	AssistantExcerpt    string `json:"assistant_excerpt,omitempty"`
	ConversationContext string `json:"conversation_context,omitempty"`
}

func (r *Registry) logCorrection(ctx context.Context, raw json.RawMessage) (any, error) {
	var args logCorrectionArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode log_correction args: %w", err)
	}
	if !validCorrectionTypes[args.CorrectionType] {
		return nil, fmt.Errorf("invalid correction_type %q", args.CorrectionType)
	}

	correctionID := r.newID()
	rec := r.corrections.Detect(correctionID, args.Original, args.Corrected, args.CorrectionType)
	r.emit("tool.log_correction.detected", map[string]any{
		"correction_id":   rec.ID,
		"original":        rec.Original,
		"corrected":       rec.Corrected,
		"correction_type": rec.CorrectionType,
	})

	go r.verifyAsync(correctionID, time.Now(), VerifyArgs{
		Original:            args.Original,
		Corrected:           args.Corrected,
		CorrectionType:      args.CorrectionType,
		LearnerExcerpt:      args.LearnerExcerpt,
		AssistantExcerpt:    args.AssistantExcerpt,
		ConversationContext: args.ConversationContext,
	})

	return map[string]any{"correction_id": rec.ID, "status": string(rec.Status)}, nil
}

func (r *Registry) verifyAsync(correctionID string, detectedAt time.Time, args VerifyArgs) {
	r.corrections.MarkVerifying(correctionID)
	r.emit("correction.verification.started", map[string]any{"correction_id": correctionID})
	if r.verify == nil {
		errMsg := "verification not configured"
		r.corrections.MarkFailed(correctionID, errMsg)
		r.metrics.ObserveCorrectionLatency(time.Since(detectedAt))
		r.emit("correction.verification.failed", map[string]any{"correction_id": correctionID, "error": errMsg})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	result, err := r.verify(ctx, args)
	if err != nil {
		r.corrections.MarkFailed(correctionID, err.Error())
		r.metrics.ObserveCorrectionLatency(time.Since(detectedAt))
		r.emit("correction.verification.failed", map[string]any{"correction_id": correctionID, "error": err.Error()})
		return
	}
	result.CorrectionID = correctionID
	r.corrections.MarkVerified(correctionID, correction.VerifiedOutcome{
		Rule:        result.Rule,
		Category:    result.Category,
		Confidence:  result.Confidence,
		IsAmbiguous: result.IsAmbiguous,
		Model:       result.Model,
	})
	r.metrics.ObserveCorrectionLatency(time.Since(detectedAt))
	r.emit("correction.verification.succeeded", map[string]any{"correction_id": correctionID, "result": result})
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// deepMerge implements spec.md §4.9's update_user_profile merge rule:
// nested objects merge recursively, list fields union by value, and
// every other field overwrites.
func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, sv := range src {
		dv, exists := dst[k]
		if !exists {
			dst[k] = sv
			continue
		}
		switch svTyped := sv.(type) {
		case map[string]any:
			if dvMap, ok := dv.(map[string]any); ok {
				dst[k] = deepMerge(dvMap, svTyped)
			} else {
				dst[k] = svTyped
			}
		case []any:
			if dvList, ok := dv.([]any); ok {
				dst[k] = unionLists(dvList, svTyped)
			} else {
				dst[k] = svTyped
			}
		default:
			dst[k] = sv
		}
	}
	return dst
}

func unionLists(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, v := range append(append([]any{}, a...), b...) {
		key, err := json.Marshal(v)
		k := string(key)
		if err != nil {
			k = fmt.Sprint(v)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}
